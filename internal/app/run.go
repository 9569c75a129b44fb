package app

import (
	"context"
	"fmt"

	"github.com/atmopipe/atmopipe/internal/ctxlog"
	"github.com/atmopipe/atmopipe/internal/grid"
	"github.com/atmopipe/atmopipe/internal/pipeline"
	"github.com/atmopipe/atmopipe/internal/probability"
	"github.com/atmopipe/atmopipe/internal/request"
	"github.com/atmopipe/atmopipe/internal/trajectory"
)

// Run executes every configured request in order and writes a one-line
// summary of each result to the application's output writer.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	if len(a.model.Requests) == 0 {
		a.logger.Warn("No requests configured, nothing to execute.")
		return nil
	}

	for _, req := range a.model.Requests {
		if err := ctx.Err(); err != nil {
			return err
		}
		src := a.sources[req.Source]

		r := request.New()
		for k, v := range req.Keys {
			r.Insert(k, v)
		}

		a.logger.Info("Executing request.",
			"name", req.Name, "source", req.Source, "request", r.Encode())
		res, err := a.sched.Execute(ctx, src, r)
		if err != nil {
			return fmt.Errorf("request %q: %w", req.Name, err)
		}
		a.report(req.Name, res)
		res.Release()
	}

	stats := a.cache.Stats()
	a.logger.Info("All requests finished.",
		"cache_active", stats.ActiveItems, "cache_released", stats.ReleasedItems,
		"cache_usage_kb", stats.UsageKB, "cache_limit_kb", stats.LimitKB)
	return nil
}

// report writes a human readable summary of one result item.
func (a *App) report(name string, res *pipeline.Result) {
	if res == nil || res.Item() == nil {
		fmt.Fprintf(a.outW, "%s: no data available\n", name)
		return
	}

	switch item := res.Item().(type) {
	case *grid.Grid:
		min, max, valid := gridExtrema(item)
		fmt.Fprintf(a.outW, "%s: grid %s %dx%dx%d variable=%q",
			name, item.LevelType(), item.NumLevels(), item.NumLats(), item.NumLons(),
			item.Variable())
		if valid > 0 {
			fmt.Fprintf(a.outW, " min=%g max=%g valid=%d", min, max, valid)
		}
		fmt.Fprintln(a.outW)
	case *trajectory.Trajectories:
		fmt.Fprintf(a.outW, "%s: %d trajectories with %d time steps\n",
			name, item.NumTrajectories(), item.NumTimeSteps())
	case trajectory.SelectionView:
		fmt.Fprintf(a.outW, "%s: selection of %d trajectories\n",
			name, item.NumTrajectories())
	case *probability.AnalysisResult:
		for _, line := range item.TextLines {
			fmt.Fprintf(a.outW, "%s: %s\n", name, line)
		}
	default:
		fmt.Fprintf(a.outW, "%s: %T (%d KB)\n", name, item, item.MemorySizeKB())
	}
}

// gridExtrema scans a grid for its smallest and largest non-missing
// values.
func gridExtrema(g *grid.Grid) (min, max float32, valid int) {
	for n := 0; n < g.NumValues(); n++ {
		v := g.ValueAt(n)
		if v == grid.MissingValue {
			continue
		}
		if valid == 0 || v < min {
			min = v
		}
		if valid == 0 || v > max {
			max = v
		}
		valid++
	}
	return min, max, valid
}
