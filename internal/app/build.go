package app

import (
	"context"
	"fmt"

	"github.com/atmopipe/atmopipe/internal/config"
	"github.com/atmopipe/atmopipe/internal/ctxlog"
	"github.com/atmopipe/atmopipe/internal/derived"
	"github.com/atmopipe/atmopipe/internal/gridfilter"
	"github.com/atmopipe/atmopipe/internal/memcache"
	"github.com/atmopipe/atmopipe/internal/pipeline"
	"github.com/atmopipe/atmopipe/internal/probability"
	"github.com/atmopipe/atmopipe/internal/scheduler"
	"github.com/atmopipe/atmopipe/internal/synthetic"
	"github.com/atmopipe/atmopipe/internal/trajectory"
)

// build wires the configured data sources into a pipeline sharing one
// memory manager. Sources register under their configured names, so
// later blocks and requests resolve their inputs by name.
func (a *App) build(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	m := a.model

	a.cache = memcache.New(m.Cache.Name, int64(m.Cache.LimitMB)*1024,
		memcache.WithLogger(a.logger), memcache.WithMetrics(a.metrics))
	a.sources = make(map[string]pipeline.Source)

	if m.Scheduler.Workers == 1 {
		a.sched = scheduler.SingleThread{}
	} else {
		a.sched = scheduler.NewPool(m.Scheduler.Workers)
	}

	var trajSrc *synthetic.TrajectorySource
	if ds := m.Trajectories; ds != nil {
		src, err := synthetic.NewTrajectorySource(ds.Name, a.cache, synthetic.TrajectoryConfig{
			InitTimes:      ds.InitTimes,
			NumStartTimes:  ds.NumStartTimes,
			StartInterval:  ds.StartInterval,
			NumTimeSteps:   ds.NumTimeSteps,
			TimeStep:       ds.TimeStep,
			Members:        ds.Members,
			WestLon:        ds.WestLon,
			NorthLat:       ds.NorthLat,
			DeltaLon:       ds.DeltaLon,
			DeltaLat:       ds.DeltaLat,
			NumLons:        ds.NumLons,
			NumLats:        ds.NumLats,
			TopPressure:    ds.TopPressure,
			BottomPressure: ds.BottomPressure,
			NumLevels:      ds.NumLevels,
		})
		if err != nil {
			return err
		}
		trajSrc = src
		a.sources[ds.Name] = src
	}

	if ds := m.Forecast; ds != nil {
		src, err := synthetic.NewForecastSource(ds.Name, a.cache, synthetic.ForecastConfig{
			InitTimes:      ds.InitTimes,
			ValidStep:      ds.ValidStep,
			NumValidTimes:  ds.NumValidTimes,
			Members:        ds.Members,
			WestLon:        ds.WestLon,
			NorthLat:       ds.NorthLat,
			DeltaLon:       ds.DeltaLon,
			DeltaLat:       ds.DeltaLat,
			NumLons:        ds.NumLons,
			NumLats:        ds.NumLats,
			PressureLevels: ds.PressureLevels,
		})
		if err != nil {
			return err
		}
		a.sources[ds.Name] = src
	}

	if err := a.buildFilters(trajSrc); err != nil {
		return err
	}

	if d := m.Derived; d != nil {
		input, ok := a.sources[d.Input].(derived.InputSource)
		if !ok {
			return fmt.Errorf("app: derived %q: input %q does not provide forecast fields",
				d.Name, d.Input)
		}
		src, err := derived.NewSource(d.Name, a.cache, input)
		if err != nil {
			return err
		}
		for stdName, inputName := range d.VariableMapping {
			src.SetInputVariable(stdName, inputName)
		}
		a.sources[d.Name] = src
	}

	if s := m.Smooth; s != nil {
		src, err := gridfilter.NewSmoothFilter(s.Name, a.cache, a.sources[s.Input])
		if err != nil {
			return err
		}
		a.sources[s.Name] = src
	}

	if p := m.Probability; p != nil {
		traj, ok := a.sources[p.Trajectories].(probability.TrajectorySource)
		if !ok {
			return fmt.Errorf("app: probability %q: %q is not a trajectory source",
				p.Name, p.Trajectories)
		}
		src, err := probability.NewOccupancySource(p.Name, a.cache, traj, a.sources[p.Selection])
		if err != nil {
			return err
		}
		a.sources[p.Name] = src
	}

	logger.Debug("data sources wired", "count", len(a.sources))
	return nil
}

// buildFilters constructs the selection filter chain. Filters may be
// declared in any order; unresolved ones wait for their input to be
// built. Validate has already rejected cycles, so a pass with no
// progress means an input of the wrong kind.
func (a *App) buildFilters(trajSrc *synthetic.TrajectorySource) error {
	pending := a.model.Filters
	for len(pending) > 0 {
		var next []*config.Filter
		for _, f := range pending {
			input, ok := a.sources[f.Input]
			if !ok {
				next = append(next, f)
				continue
			}
			src, err := a.buildFilter(f, trajSrc, input)
			if err != nil {
				return err
			}
			a.sources[f.Name] = src
		}
		if len(next) == len(pending) {
			return fmt.Errorf("app: filter %q: input %q is not a trajectory node",
				next[0].Name, next[0].Input)
		}
		pending = next
	}
	return nil
}

func (a *App) buildFilter(f *config.Filter, trajSrc *synthetic.TrajectorySource, input pipeline.Source) (pipeline.Source, error) {
	switch f.Kind {
	case config.FilterBBox:
		if trajSrc == nil {
			return nil, fmt.Errorf("app: filter %q needs a trajectory_dataset", f.Name)
		}
		return trajectory.NewBBoxFilter(f.Name, a.cache, trajSrc, input)
	case config.FilterThinout:
		return trajectory.NewThinOutFilter(f.Name, a.cache, input)
	case config.FilterPressureTime:
		if trajSrc == nil {
			return nil, fmt.Errorf("app: filter %q needs a trajectory_dataset", f.Name)
		}
		dp, err := trajectory.NewDeltaPressureSource(f.Name+"_dp", a.cache, trajSrc)
		if err != nil {
			return nil, err
		}
		return trajectory.NewPressureTimeFilter(f.Name, a.cache, input, dp)
	case config.FilterTimestep:
		return trajectory.NewTimestepFilter(f.Name, a.cache, input)
	}
	return nil, fmt.Errorf("app: unknown filter kind %q", f.Kind)
}
