package gridfilter

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

type gridSource struct {
	*pipeline.Node
	g        *grid.Grid
	requests []*request.Request
}

func newGridSource(cache *memcache.Manager, g *grid.Grid) *gridSource {
	s := &gridSource{g: g}
	s.Node = pipeline.NewNode("fields", cache, s)
	return s
}

func (s *gridSource) LocalKeys() []string { return []string{"VARIABLE"} }

func (s *gridSource) Produce(ctx context.Context, r *request.Request) (memcache.Item, error) {
	s.requests = append(s.requests, r.Clone())
	return s.g, nil
}

func (s *gridSource) TaskGraph(ctx context.Context, r *request.Request) (*pipeline.Task, error) {
	return pipeline.NewTask(s, r), nil
}

// flatGrid builds a single-level lat/lon grid with regular coordinates.
func flatGrid(nlat, nlon int, v float32) *grid.Grid {
	g := grid.New(grid.Surface2D, 1, nlat, nlon)
	lons := make([]float64, nlon)
	for i := range lons {
		lons[i] = float64(i)
	}
	lats := make([]float64, nlat)
	for j := range lats {
		lats[j] = 50 - float64(j)
	}
	g.SetLons(lons)
	g.SetLats(lats)
	g.Fill(v)
	return g
}

func smoothRequest(smooth string) *request.Request {
	r := request.New()
	r.Insert("VARIABLE", "air_temperature")
	r.Insert(KeySmooth, smooth)
	return r
}

func newTestFilter(t *testing.T, g *grid.Grid) (*SmoothFilter, *gridSource) {
	t.Helper()
	cache := memcache.New("smooth-test", 1<<20)
	input := newGridSource(cache, g)
	f, err := NewSmoothFilter("smooth", cache, input)
	require.NoError(t, err)
	return f, input
}

func getGrid(t *testing.T, f *SmoothFilter, r *request.Request) *grid.Grid {
	t.Helper()
	res, err := f.GetData(context.Background(), r)
	require.NoError(t, err)
	require.NotNil(t, res)
	t.Cleanup(func() { res.Release() })
	return res.Item().(*grid.Grid)
}

func TestUniformSmoothingSpreadsImpulse(t *testing.T) {
	in := flatGrid(5, 5, 0)
	in.SetValue(0, 2, 2, 16)
	f, _ := newTestFilter(t, in)

	out := getGrid(t, f, smoothRequest("uniform_gridpoints//2"))
	// Radius 2 around the centre covers a 4x4 neighbourhood of 16
	// points, one of which carries the impulse.
	assert.InDelta(t, 1.0, out.Value(0, 2, 2), 1e-6)
	// The 3x3 window of (1,1) also contains the impulse.
	assert.InDelta(t, 16.0/9.0, out.Value(0, 1, 1), 1e-5)
	// The window of the far corner row does not reach the impulse.
	assert.InDelta(t, 0.0, out.Value(0, 0, 4), 1e-6)
}

func TestMissingValuesStayMissing(t *testing.T) {
	in := flatGrid(5, 5, 10)
	in.SetValue(0, 2, 2, grid.MissingValue)
	f, _ := newTestFilter(t, in)

	out := getGrid(t, f, smoothRequest("uniform_gridpoints//2"))
	assert.True(t, grid.IsMissing(out.Value(0, 2, 2)))
	// Neighbours skip the gap instead of absorbing it.
	assert.InDelta(t, 10.0, out.Value(0, 1, 1), 1e-6)
}

func TestGaussianPreservesConstantField(t *testing.T) {
	for _, mode := range []string{"gauss_gridpoints//2", "gauss_distance/250/",
		"box_blur_gridpoints//2"} {
		in := flatGrid(8, 8, 7)
		f, _ := newTestFilter(t, in)
		out := getGrid(t, f, smoothRequest(mode))
		for j := 0; j < 8; j++ {
			for i := 0; i < 8; i++ {
				assert.InDelta(t, 7.0, out.Value(0, j, i), 1e-4,
					"mode %s at (%d,%d)", mode, j, i)
			}
		}
	}
}

func TestGaussianSmoothsImpulseSymmetrically(t *testing.T) {
	in := flatGrid(9, 9, 0)
	in.SetValue(0, 4, 4, 100)
	f, _ := newTestFilter(t, in)

	out := getGrid(t, f, smoothRequest("gauss_gridpoints//1"))
	center := out.Value(0, 4, 4)
	assert.Greater(t, center, float32(0))
	assert.Greater(t, center, out.Value(0, 4, 5))
	assert.InDelta(t, float64(out.Value(0, 4, 5)), float64(out.Value(0, 5, 4)), 1e-5)
	assert.InDelta(t, float64(out.Value(0, 4, 3)), float64(out.Value(0, 4, 5)), 1e-5)
}

func TestUnknownModeReturnsUnsmoothedField(t *testing.T) {
	in := flatGrid(4, 4, 0)
	in.SetValue(0, 1, 1, 5)
	f, _ := newTestFilter(t, in)

	for _, bad := range []string{"sharpen//2", "uniform_gridpoints", "uniform_gridpoints//x"} {
		out := getGrid(t, f, smoothRequest(bad))
		assert.InDelta(t, 5.0, out.Value(0, 1, 1), 1e-6, "value %q", bad)
		assert.InDelta(t, 0.0, out.Value(0, 0, 0), 1e-6, "value %q", bad)
	}
}

func TestSmoothKeyStrippedFromUpstream(t *testing.T) {
	in := flatGrid(4, 4, 1)
	f, input := newTestFilter(t, in)

	r := smoothRequest("uniform_gridpoints//1")
	res, err := f.GetData(context.Background(), r)
	require.NoError(t, err)
	defer res.Release()

	require.Len(t, input.requests, 1)
	assert.False(t, input.requests[0].Contains(KeySmooth))

	task, err := f.GetTaskGraph(context.Background(), r)
	require.NoError(t, err)
	require.Len(t, task.Parents(), 1)
	assert.True(t, task.Parents()[0].Request().Equal(input.requests[0]))
}

func TestSmoothFilterPassesThroughWithoutKey(t *testing.T) {
	in := flatGrid(4, 4, 1)
	f, input := newTestFilter(t, in)

	r := request.New()
	r.Insert("VARIABLE", "air_temperature")
	res, err := f.GetData(context.Background(), r)
	require.NoError(t, err)
	defer res.Release()

	// The input grid is forwarded untouched, not copied and smoothed.
	assert.Same(t, in, res.Item())

	task, err := f.GetTaskGraph(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, input.ID(), task.Source().ID())
}

func initTimeForTest() time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
}

func validTimeForTest() time.Time {
	return time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)
}

func TestSmoothedMetadataFollowsInput(t *testing.T) {
	in := flatGrid(4, 4, 1)
	in.SetMetadata(initTimeForTest(), validTimeForTest(), "air_temperature", 3)
	f, _ := newTestFilter(t, in)

	out := getGrid(t, f, smoothRequest("uniform_gridpoints//1"))
	assert.Equal(t, "air_temperature", out.Variable())
	assert.Equal(t, 3, out.EnsembleMember())
	assert.True(t, out.InitTime().Equal(initTimeForTest()))
}
