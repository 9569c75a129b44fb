package trajectory

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/atmopipe/atmopipe/internal/ctxlog"
	"github.com/atmopipe/atmopipe/internal/memcache"
	"github.com/atmopipe/atmopipe/internal/pipeline"
	"github.com/atmopipe/atmopipe/internal/request"
)

// KeyThinoutStride subsamples the trajectory start grid. Value:
// "lonStride/latStride/levStride" as positive integers.
const KeyThinoutStride = "THINOUT_STRIDE"

// ThinOutFilter subsamples trajectories on their start grid with a
// per-dimension stride. It assumes the start positions are ordered
// lat-major, then lon, then lev, matching the trajectory datasets this
// pipeline was built for. Requests without THINOUT_STRIDE pass through.
type ThinOutFilter struct {
	*pipeline.Node
	trajectories pipeline.Source
}

// NewThinOutFilter wires a thin-out filter over the given trajectory
// source.
func NewThinOutFilter(id string, cache *memcache.Manager, trajectories pipeline.Source) (*ThinOutFilter, error) {
	if trajectories == nil {
		return nil, errors.New("trajectory: thin-out filter needs a trajectory source")
	}
	f := &ThinOutFilter{trajectories: trajectories}
	f.Node = pipeline.NewNode(id, cache, f)
	f.RegisterUpstream(trajectories)
	f.EnablePassThrough(trajectories)
	return f, nil
}

// LocalKeys implements pipeline.Producer.
func (f *ThinOutFilter) LocalKeys() []string { return []string{KeyThinoutStride} }

// parseStride parses "lon/lat/lev" integer strides. The ok flag is false
// for malformed or non-positive values.
func parseStride(v string) (Stride, bool) {
	parts := strings.Split(v, "/")
	if len(parts) != 3 {
		return Stride{}, false
	}
	var n [3]int
	for i, p := range parts {
		x, err := strconv.Atoi(p)
		if err != nil || x < 1 {
			return Stride{}, false
		}
		n[i] = x
	}
	return Stride{Lon: n[0], Lat: n[1], Lev: n[2]}, true
}

// Produce implements pipeline.Producer.
func (f *ThinOutFilter) Produce(ctx context.Context, r *request.Request) (memcache.Item, error) {
	arg := r.Value(KeyThinoutStride)
	upstream := r.Clone()
	upstream.Remove(KeyThinoutStride)

	input, inputRes, err := getTrajectories(ctx, f.trajectories, upstream)
	if err != nil {
		return nil, err
	}
	if input == nil {
		return nil, nil
	}
	defer inputRes.Release()

	out := NewSelection(input.RefersTo(), input.NumTrajectories(),
		input.Times(), input.StartGridStride())

	stride, ok := parseStride(arg)
	if !ok {
		ctxlog.FromContext(ctx).Warn("malformed thin-out stride, bypassing filter",
			"source", f.ID(), "value", arg)
		copyAll(out, input)
		return out, nil
	}

	startGrid := input.StartGrid()
	if startGrid == nil {
		ctxlog.FromContext(ctx).Error("trajectories carry no start grid, returning empty selection",
			"source", f.ID())
		out.DecreaseNumSelected(0)
		return out, nil
	}

	nlon := startGrid.NumLons()
	nlat := startGrid.NumLats()
	nlev := startGrid.NumLevels()
	if nlon*nlat*nlev != input.NumTrajectories() {
		ctxlog.FromContext(ctx).Error("start grid dimensions don't match trajectory count, returning empty selection",
			"source", f.ID(),
			"grid_points", nlon*nlat*nlev,
			"trajectories", input.NumTrajectories())
		out.DecreaseNumSelected(0)
		return out, nil
	}

	// Start positions are ordered lat/lon/lev.
	starts, counts := input.StartIndices(), input.IndexCounts()
	nlevnlon := nlev * nlon
	j := 0
	for ilat := 0; ilat < nlat; ilat += stride.Lat {
		for ilon := 0; ilon < nlon; ilon += stride.Lon {
			for ilev := 0; ilev < nlev; ilev += stride.Lev {
				i := nlevnlon*ilat + nlev*ilon + ilev
				out.SetEntry(j, starts[i], counts[i])
				j++
			}
		}
	}
	out.SetStartGridStride(stride)
	out.DecreaseNumSelected(j)
	return out, nil
}

// TaskGraph implements pipeline.Producer.
func (f *ThinOutFilter) TaskGraph(ctx context.Context, r *request.Request) (*pipeline.Task, error) {
	task := pipeline.NewTask(f, r)
	upstream := r.Clone()
	upstream.Remove(KeyThinoutStride)

	parent, err := f.trajectories.GetTaskGraph(ctx, upstream)
	if err != nil {
		return nil, err
	}
	task.AddParent(parent)
	return task, nil
}
