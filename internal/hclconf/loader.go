// Package hclconf is the HCL implementation of config.Loader.
package hclconf

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/atmopipe/atmopipe/internal/config"
	"github.com/atmopipe/atmopipe/internal/ctxlog"
	"github.com/atmopipe/atmopipe/internal/grid"
	"github.com/atmopipe/atmopipe/internal/trajectory"
)

// Loader parses pipeline configuration from .hcl files.
type Loader struct{}

func NewLoader() *Loader {
	return &Loader{}
}

// fileRoot decodes all top-level blocks of one configuration file.
type fileRoot struct {
	MemoryManager *memoryManagerBlock `hcl:"memory_manager,block"`
	Scheduler     *schedulerBlock     `hcl:"scheduler,block"`

	TrajectoryDatasets []*trajectoryDatasetBlock `hcl:"trajectory_dataset,block"`
	ForecastDatasets   []*forecastDatasetBlock   `hcl:"forecast_dataset,block"`
	Filters            []*filterBlock            `hcl:"filter,block"`
	Derived            *derivedBlock             `hcl:"derived,block"`
	Smooth             *smoothBlock              `hcl:"smooth,block"`
	Probability        *probabilityBlock         `hcl:"probability,block"`
	Requests           []*requestBlock           `hcl:"request,block"`
}

type memoryManagerBlock struct {
	Name    string `hcl:"name,optional"`
	LimitMB int    `hcl:"limit_mb"`
}

type schedulerBlock struct {
	Workers int `hcl:"workers,optional"`
}

type trajectoryDatasetBlock struct {
	Name string `hcl:"name,label"`

	InitTimes          []string `hcl:"init_times"`
	NumStartTimes      int      `hcl:"num_start_times"`
	StartIntervalHours float64  `hcl:"start_interval_hours"`
	NumTimeSteps       int      `hcl:"num_time_steps"`
	TimeStepMinutes    float64  `hcl:"time_step_minutes"`
	Members            int      `hcl:"members"`

	WestLon  float64 `hcl:"west_lon"`
	NorthLat float64 `hcl:"north_lat"`
	DeltaLon float64 `hcl:"delta_lon"`
	DeltaLat float64 `hcl:"delta_lat"`
	NumLons  int     `hcl:"num_lons"`
	NumLats  int     `hcl:"num_lats"`

	TopHPa    float64 `hcl:"top_hpa"`
	BottomHPa float64 `hcl:"bottom_hpa"`
	NumLevels int     `hcl:"num_levels"`
}

type forecastDatasetBlock struct {
	Name string `hcl:"name,label"`

	InitTimes      []string `hcl:"init_times"`
	ValidStepHours float64  `hcl:"valid_step_hours"`
	NumValidTimes  int      `hcl:"num_valid_times"`
	Members        int      `hcl:"members"`

	WestLon  float64 `hcl:"west_lon"`
	NorthLat float64 `hcl:"north_lat"`
	DeltaLon float64 `hcl:"delta_lon"`
	DeltaLat float64 `hcl:"delta_lat"`
	NumLons  int     `hcl:"num_lons"`
	NumLats  int     `hcl:"num_lats"`

	PressureLevelsHPa []float64 `hcl:"pressure_levels_hpa"`
}

type filterBlock struct {
	Kind  string `hcl:"kind,label"`
	Name  string `hcl:"name,label"`
	Input string `hcl:"input"`
}

type derivedBlock struct {
	Name            string            `hcl:"name,label"`
	Input           string            `hcl:"input"`
	VariableMapping map[string]string `hcl:"variable_mapping,optional"`
}

type smoothBlock struct {
	Name  string `hcl:"name,label"`
	Input string `hcl:"input"`
}

type probabilityBlock struct {
	Name         string `hcl:"name,label"`
	Trajectories string `hcl:"trajectories"`
	Selection    string `hcl:"selection"`
}

type requestBlock struct {
	Name   string            `hcl:"name,label"`
	Source string            `hcl:"source"`
	Keys   map[string]string `hcl:"keys"`
}

// Load reads one .hcl file or every .hcl file in a directory and merges
// the blocks into a validated model.
func (l *Loader) Load(ctx context.Context, path string) (*config.Model, error) {
	logger := ctxlog.FromContext(ctx)

	files, err := findHCLFiles(path)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("hclconf: no .hcl files found at %q", path)
	}
	logger.Debug("discovered configuration files", "count", len(files))

	model := &config.Model{}
	parser := hclparse.NewParser()
	for _, file := range files {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("hclconf: parse %s: %w", file, diags)
		}
		var root fileRoot
		if diags := gohcl.DecodeBody(hclFile.Body, evalContext(), &root); diags.HasErrors() {
			return nil, fmt.Errorf("hclconf: decode %s: %w", file, diags)
		}
		if err := mergeRoot(model, &root, file); err != nil {
			return nil, err
		}
	}

	if err := model.Validate(); err != nil {
		return nil, err
	}
	logger.Debug("configuration loaded",
		"filters", len(model.Filters), "requests", len(model.Requests))
	return model, nil
}

// evalContext exposes the pipeline's keyword constants to configuration
// expressions, so request keys can reference them instead of repeating
// the literal strings.
func evalContext() *hcl.EvalContext {
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"leveltype": cty.ObjectVal(map[string]cty.Value{
				"surface_2d":             cty.StringVal(grid.Surface2D.String()),
				"pressure_levels_3d":     cty.StringVal(grid.PressureLevels3D.String()),
				"log_pressure_levels_3d": cty.StringVal(grid.LogPressureLevels3D.String()),
			}),
			"all_members": cty.StringVal(trajectory.FilterAll),
		},
	}
}

func findHCLFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("hclconf: %w", err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("hclconf: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".hcl" {
			files = append(files, filepath.Join(path, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func mergeRoot(model *config.Model, root *fileRoot, file string) error {
	if root.MemoryManager != nil {
		model.Cache = config.Cache{
			Name:    root.MemoryManager.Name,
			LimitMB: root.MemoryManager.LimitMB,
		}
	}
	if root.Scheduler != nil {
		model.Scheduler = config.Scheduler{Workers: root.Scheduler.Workers}
	}

	for _, b := range root.TrajectoryDatasets {
		if model.Trajectories != nil {
			return fmt.Errorf("hclconf: %s: more than one trajectory_dataset", file)
		}
		ds, err := translateTrajectoryDataset(b)
		if err != nil {
			return fmt.Errorf("hclconf: %s: %w", file, err)
		}
		model.Trajectories = ds
	}
	for _, b := range root.ForecastDatasets {
		if model.Forecast != nil {
			return fmt.Errorf("hclconf: %s: more than one forecast_dataset", file)
		}
		ds, err := translateForecastDataset(b)
		if err != nil {
			return fmt.Errorf("hclconf: %s: %w", file, err)
		}
		model.Forecast = ds
	}
	for _, b := range root.Filters {
		model.Filters = append(model.Filters, &config.Filter{
			Kind:  b.Kind,
			Name:  b.Name,
			Input: b.Input,
		})
	}
	if root.Derived != nil {
		model.Derived = &config.Derived{
			Name:            root.Derived.Name,
			Input:           root.Derived.Input,
			VariableMapping: root.Derived.VariableMapping,
		}
	}
	if root.Smooth != nil {
		model.Smooth = &config.Smooth{
			Name:  root.Smooth.Name,
			Input: root.Smooth.Input,
		}
	}
	if root.Probability != nil {
		model.Probability = &config.Probability{
			Name:         root.Probability.Name,
			Trajectories: root.Probability.Trajectories,
			Selection:    root.Probability.Selection,
		}
	}
	for _, b := range root.Requests {
		model.Requests = append(model.Requests, &config.Request{
			Name:   b.Name,
			Source: b.Source,
			Keys:   b.Keys,
		})
	}
	return nil
}

func parseTimes(values []string) ([]time.Time, error) {
	times := make([]time.Time, len(values))
	for i, v := range values {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, fmt.Errorf("bad time %q: %w", v, err)
		}
		times[i] = t
	}
	return times, nil
}

func translateTrajectoryDataset(b *trajectoryDatasetBlock) (*config.TrajectoryDataset, error) {
	initTimes, err := parseTimes(b.InitTimes)
	if err != nil {
		return nil, fmt.Errorf("trajectory_dataset %q: %w", b.Name, err)
	}
	return &config.TrajectoryDataset{
		Name:           b.Name,
		InitTimes:      initTimes,
		NumStartTimes:  b.NumStartTimes,
		StartInterval:  time.Duration(b.StartIntervalHours * float64(time.Hour)),
		NumTimeSteps:   b.NumTimeSteps,
		TimeStep:       time.Duration(b.TimeStepMinutes * float64(time.Minute)),
		Members:        b.Members,
		WestLon:        b.WestLon,
		NorthLat:       b.NorthLat,
		DeltaLon:       b.DeltaLon,
		DeltaLat:       b.DeltaLat,
		NumLons:        b.NumLons,
		NumLats:        b.NumLats,
		TopPressure:    b.TopHPa,
		BottomPressure: b.BottomHPa,
		NumLevels:      b.NumLevels,
	}, nil
}

func translateForecastDataset(b *forecastDatasetBlock) (*config.ForecastDataset, error) {
	initTimes, err := parseTimes(b.InitTimes)
	if err != nil {
		return nil, fmt.Errorf("forecast_dataset %q: %w", b.Name, err)
	}
	return &config.ForecastDataset{
		Name:           b.Name,
		InitTimes:      initTimes,
		ValidStep:      time.Duration(b.ValidStepHours * float64(time.Hour)),
		NumValidTimes:  b.NumValidTimes,
		Members:        b.Members,
		WestLon:        b.WestLon,
		NorthLat:       b.NorthLat,
		DeltaLon:       b.DeltaLon,
		DeltaLat:       b.DeltaLat,
		NumLons:        b.NumLons,
		NumLats:        b.NumLats,
		PressureLevels: b.PressureLevelsHPa,
	}, nil
}
