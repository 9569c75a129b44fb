package trajectory

import (
	"context"
	"fmt"

	"github.com/atmopipe/atmopipe/internal/pipeline"
	"github.com/atmopipe/atmopipe/internal/request"
)

// FilterAll is the filter-bypass value: the filter copies its input
// selection unchanged instead of computing.
const FilterAll = "ALL"

// getTrajectories fetches and type-checks a Trajectories item from src.
func getTrajectories(ctx context.Context, src pipeline.Source, r *request.Request) (*Trajectories, *pipeline.Result, error) {
	res, err := src.GetData(ctx, r)
	if err != nil {
		return nil, nil, err
	}
	if res == nil {
		return nil, nil, nil
	}
	traj, ok := res.Item().(*Trajectories)
	if !ok {
		res.Release()
		return nil, nil, fmt.Errorf("trajectory: source %q produced %T, want *trajectory.Trajectories",
			src.ID(), res.Item())
	}
	return traj, res, nil
}

// getSelection fetches and type-checks a selection item from src.
func getSelection(ctx context.Context, src pipeline.Source, r *request.Request) (SelectionView, *pipeline.Result, error) {
	res, err := src.GetData(ctx, r)
	if err != nil {
		return nil, nil, err
	}
	if res == nil {
		return nil, nil, nil
	}
	sel, ok := res.Item().(SelectionView)
	if !ok {
		res.Release()
		return nil, nil, fmt.Errorf("trajectory: source %q produced %T, want a selection",
			src.ID(), res.Item())
	}
	return sel, res, nil
}

// getSupplement fetches and type-checks a per-trajectory float supplement.
func getSupplement(ctx context.Context, src pipeline.Source, r *request.Request) (*FloatPerTrajectory, *pipeline.Result, error) {
	res, err := src.GetData(ctx, r)
	if err != nil {
		return nil, nil, err
	}
	if res == nil {
		return nil, nil, nil
	}
	sup, ok := res.Item().(*FloatPerTrajectory)
	if !ok {
		res.Release()
		return nil, nil, fmt.Errorf("trajectory: source %q produced %T, want *trajectory.FloatPerTrajectory",
			src.ID(), res.Item())
	}
	return sup, res, nil
}

// copyAll fills out with every entry of in (the filter-bypass path).
func copyAll(out *Selection, in SelectionView) {
	starts, counts := in.StartIndices(), in.IndexCounts()
	for i := 0; i < in.NumTrajectories(); i++ {
		out.SetEntry(i, starts[i], counts[i])
	}
}
