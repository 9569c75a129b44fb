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

// KeyFilterPressureTime selects trajectories by ascent rate. Value:
// "deltaPressure_hPa/deltaTime_hrs" or FilterAll; a trajectory is kept
// if its pressure changes by at least deltaPressure within any window of
// deltaTime hours.
const KeyFilterPressureTime = "FILTER_PRESSURE_TIME"

// PressureTimeFilter keeps trajectories whose maximum pressure difference
// within a time window exceeds a threshold (the classic "ascent" filter).
// The per-trajectory maxima come from a DeltaPressureSource. This filter's
// key is mandatory; it never passes through.
type PressureTimeFilter struct {
	*pipeline.Node
	selection     pipeline.Source
	deltaPressure pipeline.Source
}

// NewPressureTimeFilter wires the filter. selection supplies the input
// selection, deltaPressure the per-trajectory pressure difference
// supplement.
func NewPressureTimeFilter(id string, cache *memcache.Manager, selection, deltaPressure pipeline.Source) (*PressureTimeFilter, error) {
	if selection == nil || deltaPressure == nil {
		return nil, errors.New("trajectory: pressure-time filter needs selection and delta-pressure sources")
	}
	f := &PressureTimeFilter{selection: selection, deltaPressure: deltaPressure}
	f.Node = pipeline.NewNode(id, cache, f)
	f.RegisterUpstream(selection)
	f.RegisterUpstream(deltaPressure)
	return f, nil
}

// LocalKeys implements pipeline.Producer.
func (f *PressureTimeFilter) LocalKeys() []string { return []string{KeyFilterPressureTime} }

// parsePressureTime parses "dp/dt". The ok flag is false for malformed
// values.
func parsePressureTime(v string) (dpHPa float64, dtHrs int, ok bool) {
	parts := strings.Split(v, "/")
	if len(parts) != 2 {
		return 0, 0, false
	}
	dp, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, 0, false
	}
	dt, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, false
	}
	return dp, dt, true
}

// selectionRequest strips this filter's key and the delta-pressure keys
// from r; the input selection does not depend on them.
func (f *PressureTimeFilter) selectionRequest(r *request.Request) *request.Request {
	up := r.Clone()
	up.Remove(KeyFilterPressureTime)
	up.Remove(KeyMaxDeltaPressureHours)
	up.Remove(KeyTryPrecomputed)
	return up
}

// deltaRequest builds the supplement request for a window of dtHrs hours.
func (f *PressureTimeFilter) deltaRequest(r *request.Request, dtHrs int) *request.Request {
	up := r.Clone()
	up.Remove(KeyFilterPressureTime)
	up.InsertInt(KeyMaxDeltaPressureHours, dtHrs)
	if !up.Contains(KeyTryPrecomputed) {
		up.InsertInt(KeyTryPrecomputed, 0)
	}
	return up
}

// Produce implements pipeline.Producer.
func (f *PressureTimeFilter) Produce(ctx context.Context, r *request.Request) (memcache.Item, error) {
	arg := r.Value(KeyFilterPressureTime)

	input, inputRes, err := getSelection(ctx, f.selection, f.selectionRequest(r))
	if err != nil {
		return nil, err
	}
	if input == nil {
		return nil, nil
	}
	defer inputRes.Release()

	out := NewSelection(input.RefersTo(), input.NumTrajectories(),
		input.Times(), input.StartGridStride())

	dpThreshold, dtHrs := 0.0, 0
	ok := false
	if arg != FilterAll {
		if dpThreshold, dtHrs, ok = parsePressureTime(arg); !ok {
			ctxlog.FromContext(ctx).Warn("malformed pressure-time criterion, bypassing filter",
				"source", f.ID(), "value", arg)
		}
	}

	if !ok {
		copyAll(out, input)
		return out, nil
	}

	deltaP, deltaRes, err := getSupplement(ctx, f.deltaPressure, f.deltaRequest(r, dtHrs))
	if err != nil {
		return nil, err
	}
	if deltaP == nil {
		return nil, nil
	}
	defer deltaRes.Release()

	values := deltaP.Values()
	numSteps := input.NumTimeSteps()
	starts, counts := input.StartIndices(), input.IndexCounts()
	j := 0
	for i := 0; i < input.NumTrajectories(); i++ {
		start := starts[i]
		// Index of the trajectory in the full, unfiltered dataset.
		trajIndex := int(start) / numSteps
		if float64(values[trajIndex]) < dpThreshold {
			continue
		}
		out.SetEntry(j, start, counts[i])
		j++
	}
	out.DecreaseNumSelected(j)

	if j == 0 {
		ctxlog.FromContext(ctx).Info("pressure-time criterion selected no trajectories",
			"source", f.ID(), "criterion", arg)
	}
	return out, nil
}

// TaskGraph implements pipeline.Producer.
func (f *PressureTimeFilter) TaskGraph(ctx context.Context, r *request.Request) (*pipeline.Task, error) {
	task := pipeline.NewTask(f, r)

	if arg := r.Value(KeyFilterPressureTime); arg != FilterAll {
		if _, dtHrs, ok := parsePressureTime(arg); ok {
			parent, err := f.deltaPressure.GetTaskGraph(ctx, f.deltaRequest(r, dtHrs))
			if err != nil {
				return nil, err
			}
			task.AddParent(parent)
		}
	}

	parent, err := f.selection.GetTaskGraph(ctx, f.selectionRequest(r))
	if err != nil {
		return nil, err
	}
	task.AddParent(parent)
	return task, nil
}
