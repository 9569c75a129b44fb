// Package config defines the format-agnostic configuration model of a
// pipeline: its memory manager, scheduler, datasets, processing nodes
// and the requests to resolve. Concrete loaders, such as the HCL one in
// hclconf, translate on-disk configuration into this model.
package config

import (
	"context"
	"fmt"
	"time"
)

// Loader is the interface for a format-specific configuration loader.
type Loader interface {
	// Load reads configuration from the given path and translates it
	// into the format-agnostic model.
	Load(ctx context.Context, path string) (*Model, error)
}

// Model is the unified representation of one pipeline configuration.
type Model struct {
	Cache     Cache
	Scheduler Scheduler

	Trajectories *TrajectoryDataset
	Forecast     *ForecastDataset

	Filters     []*Filter
	Derived     *Derived
	Smooth      *Smooth
	Probability *Probability

	Requests []*Request
}

// Cache configures the memory manager.
type Cache struct {
	Name    string
	LimitMB int
}

// Scheduler configures task graph execution.
type Scheduler struct {
	Workers int
}

// TrajectoryDataset describes the synthetic trajectory ensemble.
type TrajectoryDataset struct {
	Name string

	InitTimes     []time.Time
	NumStartTimes int
	StartInterval time.Duration
	NumTimeSteps  int
	TimeStep      time.Duration
	Members       int

	WestLon, NorthLat  float64
	DeltaLon, DeltaLat float64
	NumLons, NumLats   int

	TopPressure, BottomPressure float64
	NumLevels                   int
}

// ForecastDataset describes the synthetic gridded forecast.
type ForecastDataset struct {
	Name string

	InitTimes     []time.Time
	ValidStep     time.Duration
	NumValidTimes int
	Members       int

	WestLon, NorthLat  float64
	DeltaLon, DeltaLat float64
	NumLons, NumLats   int

	PressureLevels []float64
}

// Filter kinds.
const (
	FilterBBox         = "bbox"
	FilterThinout      = "thinout"
	FilterPressureTime = "pressure_time"
	FilterTimestep     = "timestep"
)

// Filter is one trajectory filter node. Input names the upstream node:
// another filter or the trajectory dataset.
type Filter struct {
	Kind  string
	Name  string
	Input string
}

// Derived configures the derived-variable resolver over the forecast
// dataset.
type Derived struct {
	Name  string
	Input string
	// Maps CF standard names to the input's variable names.
	VariableMapping map[string]string
}

// Smooth configures a horizontal smoothing node over a grid source.
type Smooth struct {
	Name  string
	Input string
}

// Probability configures the trajectory occupancy source. Selection
// names the filter chain tail providing the selection, Trajectories the
// trajectory dataset.
type Probability struct {
	Name         string
	Trajectories string
	Selection    string
}

// Request is one pipeline resolution to run: the source node to pull
// from and the request key/value pairs.
type Request struct {
	Name   string
	Source string
	Keys   map[string]string
}

// Validate checks cross-references and fills defaults.
func (m *Model) Validate() error {
	if m.Cache.Name == "" {
		m.Cache.Name = "pipeline"
	}
	if m.Cache.LimitMB <= 0 {
		return fmt.Errorf("config: memory_manager limit_mb must be positive")
	}
	if m.Scheduler.Workers < 0 {
		return fmt.Errorf("config: scheduler workers must not be negative")
	}

	nodes := make(map[string]struct{})
	addNode := func(name, what string) error {
		if name == "" {
			return fmt.Errorf("config: %s needs a name", what)
		}
		if _, exists := nodes[name]; exists {
			return fmt.Errorf("config: duplicate node name %q", name)
		}
		nodes[name] = struct{}{}
		return nil
	}

	if m.Trajectories != nil {
		if err := addNode(m.Trajectories.Name, "trajectory_dataset"); err != nil {
			return err
		}
	}
	if m.Forecast != nil {
		if err := addNode(m.Forecast.Name, "forecast_dataset"); err != nil {
			return err
		}
	}
	for _, f := range m.Filters {
		switch f.Kind {
		case FilterBBox, FilterThinout, FilterPressureTime, FilterTimestep:
		default:
			return fmt.Errorf("config: unknown filter kind %q", f.Kind)
		}
		if err := addNode(f.Name, "filter"); err != nil {
			return err
		}
	}
	if m.Derived != nil {
		if err := addNode(m.Derived.Name, "derived"); err != nil {
			return err
		}
	}
	if m.Smooth != nil {
		if err := addNode(m.Smooth.Name, "smooth"); err != nil {
			return err
		}
	}
	if m.Probability != nil {
		if err := addNode(m.Probability.Name, "probability"); err != nil {
			return err
		}
	}

	requireNode := func(name, ref string) error {
		if _, ok := nodes[name]; !ok {
			return fmt.Errorf("config: %s references unknown node %q", ref, name)
		}
		return nil
	}
	for _, f := range m.Filters {
		if err := requireNode(f.Input, "filter "+f.Name); err != nil {
			return err
		}
	}
	if m.Derived != nil {
		if err := requireNode(m.Derived.Input, "derived "+m.Derived.Name); err != nil {
			return err
		}
	}
	if m.Smooth != nil {
		if err := requireNode(m.Smooth.Input, "smooth "+m.Smooth.Name); err != nil {
			return err
		}
	}
	if m.Probability != nil {
		if err := requireNode(m.Probability.Trajectories, "probability "+m.Probability.Name); err != nil {
			return err
		}
		if err := requireNode(m.Probability.Selection, "probability "+m.Probability.Name); err != nil {
			return err
		}
	}

	if err := m.checkFilterCycles(); err != nil {
		return err
	}

	seen := make(map[string]struct{})
	for _, r := range m.Requests {
		if r.Name == "" {
			return fmt.Errorf("config: request needs a name")
		}
		if _, dup := seen[r.Name]; dup {
			return fmt.Errorf("config: duplicate request name %q", r.Name)
		}
		seen[r.Name] = struct{}{}
		if err := requireNode(r.Source, "request "+r.Name); err != nil {
			return err
		}
	}
	return nil
}

// checkFilterCycles rejects filter chains that feed back into
// themselves.
func (m *Model) checkFilterCycles() error {
	inputs := make(map[string]string, len(m.Filters))
	for _, f := range m.Filters {
		inputs[f.Name] = f.Input
	}
	for _, f := range m.Filters {
		slow, fast := f.Name, f.Name
		for {
			fast = inputs[fast]
			if fast == "" {
				break
			}
			fast = inputs[fast]
			slow = inputs[slow]
			if fast == "" {
				break
			}
			if slow == fast {
				return fmt.Errorf("config: filter chain through %q forms a cycle", f.Name)
			}
		}
	}
	return nil
}
