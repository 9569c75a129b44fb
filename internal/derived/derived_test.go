package derived

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmopipe/atmopipe/internal/grid"
	"github.com/atmopipe/atmopipe/internal/memcache"
	"github.com/atmopipe/atmopipe/internal/pipeline"
	"github.com/atmopipe/atmopipe/internal/request"
)

var (
	initT0  = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	validT0 = time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)
)

// fakeInput is an in-memory forecast source with a fixed catalogue of
// grids keyed by variable and valid time.
type fakeInput struct {
	*pipeline.Node

	levelTypes []grid.LevelType
	variables  map[grid.LevelType][]string
	initTimes  map[string][]time.Time
	validTimes map[string][]time.Time
	members    []int

	grids    map[string]*grid.Grid
	requests []*request.Request
}

func newFakeInput(cache *memcache.Manager) *fakeInput {
	f := &fakeInput{
		levelTypes: []grid.LevelType{grid.PressureLevels3D},
		variables:  make(map[grid.LevelType][]string),
		initTimes:  make(map[string][]time.Time),
		validTimes: make(map[string][]time.Time),
		members:    []int{0},
		grids:      make(map[string]*grid.Grid),
	}
	f.Node = pipeline.NewNode("forecast", cache, f)
	return f
}

func gridKey(variable string, validTime time.Time) string {
	return variable + "|" + validTime.Format(time.RFC3339)
}

// addVariable registers a variable at the default level type with one
// init time and a grid per valid time.
func (f *fakeInput) addVariable(name string, validTimes []time.Time, grids []*grid.Grid) {
	lt := f.levelTypes[0]
	f.variables[lt] = append(f.variables[lt], name)
	f.initTimes[name] = []time.Time{initT0}
	f.validTimes[name] = validTimes
	for i, vt := range validTimes {
		f.grids[gridKey(name, vt)] = grids[i]
	}
}

func (f *fakeInput) LocalKeys() []string {
	return []string{KeyVariable, KeyLevelType, KeyInitTime, KeyValidTime, "MEMBER"}
}

func (f *fakeInput) Produce(ctx context.Context, r *request.Request) (memcache.Item, error) {
	f.requests = append(f.requests, r.Clone())
	vt, _ := r.TimeValue(KeyValidTime)
	g, ok := f.grids[gridKey(r.Value(KeyVariable), vt)]
	if !ok {
		return nil, nil
	}
	return g, nil
}

func (f *fakeInput) TaskGraph(ctx context.Context, r *request.Request) (*pipeline.Task, error) {
	return pipeline.NewTask(f, r), nil
}

func (f *fakeInput) AvailableLevelTypes() []grid.LevelType { return f.levelTypes }

func (f *fakeInput) AvailableVariables(lt grid.LevelType) []string { return f.variables[lt] }

func (f *fakeInput) AvailableInitTimes(lt grid.LevelType, variable string) []time.Time {
	return f.initTimes[variable]
}

func (f *fakeInput) AvailableValidTimes(lt grid.LevelType, variable string, initTime time.Time) []time.Time {
	return f.validTimes[variable]
}

func (f *fakeInput) AvailableEnsembleMembers(lt grid.LevelType, variable string) []int {
	return f.members
}

// uniformGrid builds a small pressure-level grid filled with one value.
func uniformGrid(v float32) *grid.Grid {
	g := grid.New(grid.PressureLevels3D, 2, 2, 2)
	g.SetLevels([]float64{850, 500})
	g.Fill(v)
	g.SetMetadata(initT0, validT0, "", 0)
	return g
}

func derivedRequest(variable string) *request.Request {
	r := request.New()
	r.Insert(KeyVariable, variable)
	r.Insert(KeyLevelType, grid.PressureLevels3D.String())
	r.InsertTime(KeyInitTime, initT0)
	r.InsertTime(KeyValidTime, validT0)
	r.InsertInt("MEMBER", 0)
	return r
}

func newTestSource(t *testing.T) (*Source, *fakeInput) {
	t.Helper()
	cache := memcache.New("derived-test", 1<<20)
	input := newFakeInput(cache)
	src, err := NewSource("derived", cache, input)
	require.NoError(t, err)
	return src, input
}

func TestWindSpeed(t *testing.T) {
	src, input := newTestSource(t)
	input.addVariable("eastward_wind", []time.Time{validT0}, []*grid.Grid{uniformGrid(3)})
	input.addVariable("northward_wind", []time.Time{validT0}, []*grid.Grid{uniformGrid(4)})

	res, err := src.GetData(context.Background(), derivedRequest("wind_speed"))
	require.NoError(t, err)
	require.NotNil(t, res)
	defer res.Release()

	out := res.Item().(*grid.Grid)
	assert.Equal(t, "wind_speed", out.Variable())
	assert.InDelta(t, 5.0, out.Value(0, 0, 0), 1e-6)
	assert.InDelta(t, 5.0, out.Value(1, 1, 1), 1e-6)
}

func TestMissingValuesPropagate(t *testing.T) {
	src, input := newTestSource(t)
	u := uniformGrid(3)
	u.SetValue(0, 0, 0, grid.MissingValue)
	input.addVariable("eastward_wind", []time.Time{validT0}, []*grid.Grid{u})
	input.addVariable("northward_wind", []time.Time{validT0}, []*grid.Grid{uniformGrid(4)})

	res, err := src.GetData(context.Background(), derivedRequest("wind_speed"))
	require.NoError(t, err)
	defer res.Release()

	out := res.Item().(*grid.Grid)
	assert.True(t, grid.IsMissing(out.Value(0, 0, 0)))
	assert.InDelta(t, 5.0, out.Value(0, 0, 1), 1e-6)
}

func TestUnknownVariable(t *testing.T) {
	src, _ := newTestSource(t)
	_, err := src.GetData(context.Background(), derivedRequest("no_such_variable"))
	assert.ErrorContains(t, err, "no processor registered")
}

func TestAirPressureFromGridGeometry(t *testing.T) {
	src, input := newTestSource(t)
	input.addVariable("air_temperature", []time.Time{validT0}, []*grid.Grid{uniformGrid(280)})

	res, err := src.GetData(context.Background(), derivedRequest("air_pressure"))
	require.NoError(t, err)
	defer res.Release()

	out := res.Item().(*grid.Grid)
	assert.InDelta(t, 85000.0, out.Value(0, 0, 0), 1e-3)
	assert.InDelta(t, 50000.0, out.Value(1, 0, 0), 1e-3)
}

func TestInputVariableMapping(t *testing.T) {
	src, input := newTestSource(t)
	input.addVariable("U", []time.Time{validT0}, []*grid.Grid{uniformGrid(3)})
	input.addVariable("V", []time.Time{validT0}, []*grid.Grid{uniformGrid(4)})
	src.SetInputVariable("eastward_wind", "U")
	src.SetInputVariable("northward_wind", "V")

	res, err := src.GetData(context.Background(), derivedRequest("wind_speed"))
	require.NoError(t, err)
	defer res.Release()

	require.Len(t, input.requests, 2)
	assert.Equal(t, "U", input.requests[0].Value(KeyVariable))
	assert.Equal(t, "V", input.requests[1].Value(KeyVariable))
}

func TestHourlyPrecipitationDifference(t *testing.T) {
	src, input := newTestSource(t)
	earlier := validT0.Add(-time.Hour)
	input.addVariable("lwe_thickness_of_precipitation_amount",
		[]time.Time{earlier, validT0},
		[]*grid.Grid{uniformGrid(2), uniformGrid(5)})

	res, err := src.GetData(context.Background(),
		derivedRequest("lwe_thickness_of_precipitation_amount_1h"))
	require.NoError(t, err)
	defer res.Release()

	out := res.Item().(*grid.Grid)
	assert.InDelta(t, 3.0, out.Value(0, 0, 0), 1e-6)

	// The second fetch was shifted one hour back.
	require.Len(t, input.requests, 2)
	vt, ok := input.requests[1].TimeValue(KeyValidTime)
	require.True(t, ok)
	assert.True(t, vt.Equal(earlier))
}

func TestHourlyPrecipitationAtForecastStart(t *testing.T) {
	src, input := newTestSource(t)
	// No field one hour before the first valid time: the shifted input
	// is unavailable and the whole result is missing.
	input.addVariable("lwe_thickness_of_precipitation_amount",
		[]time.Time{validT0}, []*grid.Grid{uniformGrid(5)})

	res, err := src.GetData(context.Background(),
		derivedRequest("lwe_thickness_of_precipitation_amount_1h"))
	require.NoError(t, err)
	require.NotNil(t, res)
	defer res.Release()

	out := res.Item().(*grid.Grid)
	assert.True(t, grid.IsMissing(out.Value(0, 0, 0)))
	require.Len(t, input.requests, 1)
}

// initShiftProcessor exercises the level-type and init-time override
// positions of the required-input syntax.
type initShiftProcessor struct{}

func (initShiftProcessor) StandardName() string { return "surface_temperature_previous_run" }

func (initShiftProcessor) RequiredInputVariables() []string {
	return []string{"skin_temperature/SURFACE_2D/-3600"}
}

func (initShiftProcessor) Compute(inputs []*grid.Grid, out *grid.Grid) {
	for n := 0; n < out.NumValues(); n++ {
		out.SetValueAt(n, value(inputs[0], n))
	}
}

func TestInitTimeAndLevelTypeOverride(t *testing.T) {
	src, input := newTestSource(t)
	src.Register(initShiftProcessor{})

	lt := grid.Surface2D
	input.levelTypes = append(input.levelTypes, lt)
	input.variables[lt] = []string{"skin_temperature"}
	input.initTimes["skin_temperature"] = []time.Time{initT0.Add(-time.Hour), initT0}
	input.validTimes["skin_temperature"] = []time.Time{validT0}
	sg := grid.New(lt, 1, 2, 2)
	sg.Fill(290)
	sg.SetMetadata(initT0.Add(-time.Hour), validT0, "", 0)
	input.grids[gridKey("skin_temperature", validT0)] = sg

	res, err := src.GetData(context.Background(),
		derivedRequest("surface_temperature_previous_run"))
	require.NoError(t, err)
	require.NotNil(t, res)
	defer res.Release()

	require.Len(t, input.requests, 1)
	fetched := input.requests[0]
	assert.Equal(t, "SURFACE_2D", fetched.Value(KeyLevelType))
	it, ok := fetched.TimeValue(KeyInitTime)
	require.True(t, ok)
	assert.True(t, it.Equal(initT0.Add(-time.Hour)))

	out := res.Item().(*grid.Grid)
	assert.Equal(t, grid.Surface2D, out.LevelType())
	assert.InDelta(t, 290.0, out.Value(0, 0, 0), 1e-6)
}

func TestOverrideGatedByAvailability(t *testing.T) {
	src, input := newTestSource(t)
	src.Register(initShiftProcessor{})

	lt := grid.Surface2D
	input.levelTypes = append(input.levelTypes, lt)
	input.variables[lt] = []string{"skin_temperature"}
	// Only the requested run itself exists; the shifted run does not.
	input.initTimes["skin_temperature"] = []time.Time{initT0}
	input.validTimes["skin_temperature"] = []time.Time{validT0}

	res, err := src.GetData(context.Background(),
		derivedRequest("surface_temperature_previous_run"))
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Empty(t, input.requests)
}

func TestAvailabilityIntersection(t *testing.T) {
	src, input := newTestSource(t)
	t1 := initT0
	t2 := initT0.Add(12 * time.Hour)
	t3 := initT0.Add(24 * time.Hour)
	lt := grid.PressureLevels3D
	input.variables[lt] = []string{"eastward_wind", "northward_wind"}
	input.initTimes["eastward_wind"] = []time.Time{t1, t2}
	input.initTimes["northward_wind"] = []time.Time{t2, t3}

	times := src.AvailableInitTimes(lt, "wind_speed")
	require.Len(t, times, 1)
	assert.True(t, times[0].Equal(t2))

	assert.Contains(t, src.AvailableVariables(lt), "wind_speed")
	assert.NotContains(t, src.AvailableVariables(lt), "equivalent_potential_temperature")
	assert.Equal(t, []int{0}, src.AvailableEnsembleMembers(lt, "wind_speed"))
}

func TestTaskGraphMirrorsFetches(t *testing.T) {
	src, input := newTestSource(t)
	earlier := validT0.Add(-time.Hour)
	input.addVariable("lwe_thickness_of_precipitation_amount",
		[]time.Time{earlier, validT0},
		[]*grid.Grid{uniformGrid(2), uniformGrid(5)})

	r := derivedRequest("lwe_thickness_of_precipitation_amount_1h")
	task, err := src.GetTaskGraph(context.Background(), r)
	require.NoError(t, err)
	parents := task.Parents()
	require.Len(t, parents, 2)

	vt0, _ := parents[0].Request().TimeValue(KeyValidTime)
	vt1, _ := parents[1].Request().TimeValue(KeyValidTime)
	assert.True(t, vt0.Equal(validT0))
	assert.True(t, vt1.Equal(earlier))

	res, err := src.GetData(context.Background(), r)
	require.NoError(t, err)
	defer res.Release()
	require.Len(t, input.requests, 2)
	for i, parent := range parents {
		assert.True(t, parent.Request().Equal(input.requests[i]),
			"task graph parent %d diverges from fetch", i)
	}
}

func TestTaskGraphOmitsUnavailableInputs(t *testing.T) {
	src, input := newTestSource(t)
	input.addVariable("lwe_thickness_of_precipitation_amount",
		[]time.Time{validT0}, []*grid.Grid{uniformGrid(5)})

	task, err := src.GetTaskGraph(context.Background(),
		derivedRequest("lwe_thickness_of_precipitation_amount_1h"))
	require.NoError(t, err)
	assert.Len(t, task.Parents(), 1)
}
