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

// KeyFilterBBox selects trajectories whose start position lies inside a
// geographic bounding box. Value: "west/south/east/north" in degrees, or
// FilterAll for bypass.
const KeyFilterBBox = "FILTER_BBOX"

// BBoxFilter selects the trajectories whose first vertex lies inside a
// bounding box. Requests without FILTER_BBOX pass through to the
// trajectory source.
type BBoxFilter struct {
	*pipeline.Node
	trajectories pipeline.Source
	selection    pipeline.Source
}

// NewBBoxFilter wires a bounding box filter. trajectories supplies the
// full vertex field, selection the input selection to narrow; both are
// mandatory (the trajectory source itself can serve as both).
func NewBBoxFilter(id string, cache *memcache.Manager, trajectories, selection pipeline.Source) (*BBoxFilter, error) {
	if trajectories == nil || selection == nil {
		return nil, errors.New("trajectory: bbox filter needs trajectory and selection sources")
	}
	f := &BBoxFilter{trajectories: trajectories, selection: selection}
	f.Node = pipeline.NewNode(id, cache, f)
	f.RegisterUpstream(trajectories)
	f.RegisterUpstream(selection)
	f.EnablePassThrough(trajectories)
	return f, nil
}

// LocalKeys implements pipeline.Producer.
func (f *BBoxFilter) LocalKeys() []string { return []string{KeyFilterBBox} }

type boundingBox struct {
	west, south, east, north float64
}

// parseBBox parses "west/south/east/north". The ok flag is false for
// malformed values.
func parseBBox(v string) (boundingBox, bool) {
	parts := strings.Split(v, "/")
	if len(parts) != 4 {
		return boundingBox{}, false
	}
	var coords [4]float64
	for i, p := range parts {
		c, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return boundingBox{}, false
		}
		coords[i] = c
	}
	return boundingBox{west: coords[0], south: coords[1], east: coords[2], north: coords[3]}, true
}

func (b boundingBox) contains(v Vertex) bool {
	return v.Lon >= b.west && v.Lon <= b.east && v.Lat >= b.south && v.Lat <= b.north
}

// Produce implements pipeline.Producer.
func (f *BBoxFilter) Produce(ctx context.Context, r *request.Request) (memcache.Item, error) {
	arg := r.Value(KeyFilterBBox)
	upstream := r.Clone()
	upstream.Remove(KeyFilterBBox)

	traj, trajRes, err := getTrajectories(ctx, f.trajectories, upstream)
	if err != nil {
		return nil, err
	}
	if traj == nil {
		return nil, nil
	}
	defer trajRes.Release()

	input, inputRes, err := getSelection(ctx, f.selection, upstream)
	if err != nil {
		return nil, err
	}
	if input == nil {
		return nil, nil
	}
	defer inputRes.Release()

	out := NewSelection(input.RefersTo(), input.NumTrajectories(),
		input.Times(), input.StartGridStride())

	bbox, ok := boundingBox{}, false
	if arg != FilterAll {
		if bbox, ok = parseBBox(arg); !ok {
			// An unparseable box must not silently select a wrong region.
			ctxlog.FromContext(ctx).Warn("malformed bounding box, bypassing filter",
				"source", f.ID(), "value", arg)
		}
	}

	if !ok {
		copyAll(out, input)
		return out, nil
	}

	vertices := traj.Vertices()
	starts, counts := input.StartIndices(), input.IndexCounts()
	j := 0
	for i := 0; i < input.NumTrajectories(); i++ {
		start := starts[i]
		if !bbox.contains(vertices[start]) {
			continue
		}
		out.SetEntry(j, start, counts[i])
		j++
	}
	out.DecreaseNumSelected(j)

	if j == 0 {
		ctxlog.FromContext(ctx).Info("bounding box selected no trajectories",
			"source", f.ID(), "bbox", arg)
	}
	return out, nil
}

// TaskGraph implements pipeline.Producer.
func (f *BBoxFilter) TaskGraph(ctx context.Context, r *request.Request) (*pipeline.Task, error) {
	task := pipeline.NewTask(f, r)
	upstream := r.Clone()
	upstream.Remove(KeyFilterBBox)

	parent, err := f.trajectories.GetTaskGraph(ctx, upstream)
	if err != nil {
		return nil, err
	}
	task.AddParent(parent)

	parent, err = f.selection.GetTaskGraph(ctx, upstream)
	if err != nil {
		return nil, err
	}
	task.AddParent(parent)
	return task, nil
}
