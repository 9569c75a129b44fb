package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmopipe/atmopipe/internal/hclconf"
)

const forecastPipeline = `
memory_manager {
  limit_mb = 32
}

scheduler {
  workers = 1
}

forecast_dataset "forecast" {
  init_times       = ["2024-01-10T00:00:00Z"]
  valid_step_hours = 6
  num_valid_times  = 4
  members          = 2

  west_lon  = 0
  north_lat = 10
  delta_lon = 1
  delta_lat = 1
  num_lons  = 4
  num_lats  = 4

  pressure_levels_hpa = [500, 850]
}

derived "derived" {
  input = "forecast"
}

smooth "smooth" {
  input = "derived"
}

request "wind" {
  source = "derived"
  keys = {
    VARIABLE   = "wind_speed"
    LEVELTYPE  = leveltype.pressure_levels_3d
    INIT_TIME  = "2024-01-10T00:00:00Z"
    VALID_TIME = "2024-01-10T06:00:00Z"
    MEMBER     = "0"
  }
}

request "wind_smoothed" {
  source = "smooth"
  keys = {
    VARIABLE   = "wind_speed"
    LEVELTYPE  = leveltype.pressure_levels_3d
    INIT_TIME  = "2024-01-10T00:00:00Z"
    VALID_TIME = "2024-01-10T06:00:00Z"
    MEMBER     = "0"
    SMOOTH     = "gauss_gridpoints/0/1"
  }
}
`

const trajectoryPipeline = `
memory_manager {
  limit_mb = 32
}

trajectory_dataset "trajectories" {
  init_times           = ["2024-01-10T00:00:00Z"]
  num_start_times      = 2
  start_interval_hours = 6
  num_time_steps       = 4
  time_step_minutes    = 60
  members              = 2
  west_lon             = 0
  north_lat            = 10
  delta_lon            = 1
  delta_lat            = 1
  num_lons             = 2
  num_lats             = 2
  top_hpa              = 500
  bottom_hpa           = 900
  num_levels           = 2
}

filter "pressure_time" "ascent" {
  input = "trajectories"
}

filter "timestep" "at_time" {
  input = "ascent"
}

probability "occupancy" {
  trajectories = "trajectories"
  selection    = "at_time"
}

request "raw" {
  source = "trajectories"
  keys = {
    INIT_TIME  = "2024-01-10T00:00:00Z"
    VALID_TIME = "2024-01-10T00:00:00Z"
    MEMBER     = "0"
    TIME_SPAN  = all_members
  }
}

request "wcb" {
  source = "occupancy"
  keys = {
    LEVELTYPE            = leveltype.pressure_levels_3d
    INIT_TIME            = "2024-01-10T00:00:00Z"
    VALID_TIME           = "2024-01-10T01:00:00Z"
    PWCB_ENSEMBLE_MEMBER = "0/1"
    TRY_PRECOMPUTED      = "0"
    GRID_GEOMETRY        = "regular/0/1/4/10/1/4/900/500/3"
    FILTER_PRESSURE_TIME = "100/2"
  }
}
`

func newTestApp(t *testing.T, configHCL string) (*App, *bytes.Buffer) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.hcl")
	require.NoError(t, os.WriteFile(path, []byte(configHCL), 0o644))

	var out bytes.Buffer
	a, err := NewApp(&out, &AppConfig{
		ConfigPath: path,
		LogFormat:  "text",
		LogLevel:   "error",
	}, hclconf.NewLoader())
	require.NoError(t, err)
	return a, &out
}

func TestAppRunsForecastRequests(t *testing.T) {
	a, out := newTestApp(t, forecastPipeline)

	require.NoError(t, a.Run(context.Background()))

	assert.Contains(t, out.String(), "wind: grid PRESSURE_LEVELS_3D 2x4x4")
	assert.Contains(t, out.String(), `variable="wind_speed"`)
	assert.Contains(t, out.String(), "wind_smoothed: grid PRESSURE_LEVELS_3D 2x4x4")
}

func TestAppRunsTrajectoryRequests(t *testing.T) {
	a, out := newTestApp(t, trajectoryPipeline)

	require.NoError(t, a.Run(context.Background()))

	assert.Contains(t, out.String(), "raw: 8 trajectories")
	assert.Contains(t, out.String(), "wcb: grid PRESSURE_LEVELS_3D 3x4x4")
	assert.Contains(t, out.String(), `variable="probability_of_trajectory_occurrence"`)
}

func TestAppWorkerCountOverridesConfig(t *testing.T) {
	a, _ := newTestApp(t, forecastPipeline)
	assert.Equal(t, 1, a.model.Scheduler.Workers)

	path := filepath.Join(t.TempDir(), "pipeline.hcl")
	require.NoError(t, os.WriteFile(path, []byte(forecastPipeline), 0o644))
	var out bytes.Buffer
	a2, err := NewApp(&out, &AppConfig{
		ConfigPath:  path,
		LogLevel:    "error",
		WorkerCount: 3,
	}, hclconf.NewLoader())
	require.NoError(t, err)
	assert.Equal(t, 3, a2.model.Scheduler.Workers)
}

func TestAppRejectsUnknownRequestSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`
memory_manager {
  limit_mb = 32
}

request "orphan" {
  source = "nowhere"
  keys = {
    VARIABLE = "wind_speed"
  }
}
`), 0o644))

	var out bytes.Buffer
	_, err := NewApp(&out, &AppConfig{ConfigPath: path, LogLevel: "error"}, hclconf.NewLoader())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nowhere")
}

func TestAppSourceLookup(t *testing.T) {
	a, _ := newTestApp(t, forecastPipeline)

	assert.NotNil(t, a.Source("forecast"))
	assert.NotNil(t, a.Source("derived"))
	assert.NotNil(t, a.Source("smooth"))
	assert.Nil(t, a.Source("absent"))
}
