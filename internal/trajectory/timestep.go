package trajectory

import (
	"context"
	"errors"
	"strconv"

	"github.com/atmopipe/atmopipe/internal/memcache"
	"github.com/atmopipe/atmopipe/internal/pipeline"
	"github.com/atmopipe/atmopipe/internal/request"
)

// KeyFilterTimestep restricts each selected trajectory to a single
// timestep. Value: an RFC 3339 time matching one of the dataset's
// timesteps, or an integer timestep index. Unmatched or malformed values
// bypass the filter.
const KeyFilterTimestep = "FILTER_TIMESTEP"

// TimestepFilter narrows every trajectory of its input selection to one
// vertex, the one at the requested timestep. Its key is mandatory; it
// never passes through.
type TimestepFilter struct {
	*pipeline.Node
	selection pipeline.Source
}

// NewTimestepFilter wires a single-timestep filter over the given
// selection source.
func NewTimestepFilter(id string, cache *memcache.Manager, selection pipeline.Source) (*TimestepFilter, error) {
	if selection == nil {
		return nil, errors.New("trajectory: timestep filter needs a selection source")
	}
	f := &TimestepFilter{selection: selection}
	f.Node = pipeline.NewNode(id, cache, f)
	f.RegisterUpstream(selection)
	return f, nil
}

// LocalKeys implements pipeline.Producer.
func (f *TimestepFilter) LocalKeys() []string { return []string{KeyFilterTimestep} }

// timestepIndex resolves the requested timestep against the input's time
// values. Returns -1 for bypass (unmatched time, bad index, malformed
// value).
func (f *TimestepFilter) timestepIndex(r *request.Request, input SelectionView) int {
	if t, ok := r.TimeValue(KeyFilterTimestep); ok {
		for i, ts := range input.Times() {
			if ts.Equal(t) {
				return i
			}
		}
		return -1
	}
	if idx, err := strconv.Atoi(r.Value(KeyFilterTimestep)); err == nil &&
		idx >= 0 && idx < input.NumTimeSteps() {
		return idx
	}
	return -1
}

// Produce implements pipeline.Producer.
func (f *TimestepFilter) Produce(ctx context.Context, r *request.Request) (memcache.Item, error) {
	upstream := r.Clone()
	upstream.Remove(KeyFilterTimestep)

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

	step := f.timestepIndex(r, input)
	if step < 0 {
		copyAll(out, input)
		return out, nil
	}
	starts := input.StartIndices()
	for i := 0; i < input.NumTrajectories(); i++ {
		out.SetEntry(i, starts[i]+int32(step), 1)
	}
	return out, nil
}

// TaskGraph implements pipeline.Producer.
func (f *TimestepFilter) TaskGraph(ctx context.Context, r *request.Request) (*pipeline.Task, error) {
	task := pipeline.NewTask(f, r)
	upstream := r.Clone()
	upstream.Remove(KeyFilterTimestep)

	parent, err := f.selection.GetTaskGraph(ctx, upstream)
	if err != nil {
		return nil, err
	}
	task.AddParent(parent)
	return task, nil
}
