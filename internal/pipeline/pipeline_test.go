package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmopipe/atmopipe/internal/memcache"
	"github.com/atmopipe/atmopipe/internal/request"
)

type fakeItem struct {
	payload string
}

func (f *fakeItem) MemorySizeKB() int64 { return 1 }

// terminalSource produces items without upstreams and records the requests
// it was asked to produce.
type terminalSource struct {
	*Node
	keys     []string
	seen     []string
	produced int
}

func newTerminalSource(id string, cache *memcache.Manager, keys ...string) *terminalSource {
	s := &terminalSource{keys: keys}
	s.Node = NewNode(id, cache, s)
	return s
}

func (s *terminalSource) LocalKeys() []string { return s.keys }

func (s *terminalSource) Produce(_ context.Context, r *request.Request) (memcache.Item, error) {
	s.seen = append(s.seen, r.Encode())
	s.produced++
	return &fakeItem{payload: r.Encode()}, nil
}

func (s *terminalSource) TaskGraph(_ context.Context, r *request.Request) (*Task, error) {
	return NewTask(s, r), nil
}

// filterSource strips its single local key and delegates the remainder
// upstream, mimicking the shape of the trajectory filters.
type filterSource struct {
	*Node
	key      string
	upstream Source
	seen     []string
}

func newFilterSource(id string, cache *memcache.Manager, key string, upstream Source) *filterSource {
	s := &filterSource{key: key, upstream: upstream}
	s.Node = NewNode(id, cache, s)
	s.RegisterUpstream(upstream)
	s.EnablePassThrough(upstream)
	return s
}

func (s *filterSource) LocalKeys() []string { return []string{s.key} }

func (s *filterSource) upstreamRequest(r *request.Request) *request.Request {
	up := r.Clone()
	up.Remove(s.key)
	return up
}

func (s *filterSource) Produce(ctx context.Context, r *request.Request) (memcache.Item, error) {
	up := s.upstreamRequest(r)
	s.seen = append(s.seen, up.Encode())
	res, err := s.upstream.GetData(ctx, up)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	defer res.Release()
	in := res.Item().(*fakeItem)
	return &fakeItem{payload: r.Value(s.key) + "|" + in.payload}, nil
}

func (s *filterSource) TaskGraph(ctx context.Context, r *request.Request) (*Task, error) {
	task := NewTask(s, r)
	parent, err := s.upstream.GetTaskGraph(ctx, s.upstreamRequest(r))
	if err != nil {
		return nil, err
	}
	task.AddParent(parent)
	return task, nil
}

func newTestCache(t *testing.T) *memcache.Manager {
	t.Helper()
	return memcache.New("test", 1<<20)
}

func req(pairs ...string) *request.Request {
	r := request.New()
	for i := 0; i < len(pairs); i += 2 {
		r.Insert(pairs[i], pairs[i+1])
	}
	return r
}

func TestGetDataComputesAndCaches(t *testing.T) {
	cache := newTestCache(t)
	src := newTerminalSource("nwp", cache, "VARIABLE", "VALID_TIME")
	ctx := context.Background()

	r := req("VARIABLE", "t2m", "VALID_TIME", "2024-01-01T00:00:00Z")

	res, err := src.GetData(ctx, r)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 1, src.produced)

	// Second resolution is a cache hit; Produce is not invoked again.
	res2, err := src.GetData(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, 1, src.produced)
	assert.Same(t, res.Item(), res2.Item())

	require.NoError(t, res.Release())
	require.NoError(t, res2.Release())
}

func TestGetDataTrimsSpuriousKeys(t *testing.T) {
	cache := newTestCache(t)
	src := newTerminalSource("nwp", cache, "VARIABLE")
	ctx := context.Background()

	res1, err := src.GetData(ctx, req("VARIABLE", "t2m", "FILTER_BBOX", "0/0/10/10"))
	require.NoError(t, err)
	res2, err := src.GetData(ctx, req("VARIABLE", "t2m", "FILTER_BBOX", "-5/-5/5/5"))
	require.NoError(t, err)

	// Requests differing only in keys the source never consumes resolve
	// to the same cache entry.
	assert.Equal(t, 1, src.produced)
	assert.Same(t, res1.Item(), res2.Item())
	assert.Equal(t, []string{"VARIABLE=t2m"}, src.seen)

	res1.Release()
	res2.Release()
}

func TestGetDataMissingKeysWithoutPassThrough(t *testing.T) {
	cache := newTestCache(t)
	src := newTerminalSource("nwp", cache, "VARIABLE")

	res, err := src.GetData(context.Background(), req("VALID_TIME", "2024-01-01T00:00:00Z"))
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrMissingKeys)

	_, err = src.GetTaskGraph(context.Background(), req("VALID_TIME", "2024-01-01T00:00:00Z"))
	assert.ErrorIs(t, err, ErrMissingKeys)
}

func TestPassThroughForwardsUnchanged(t *testing.T) {
	cache := newTestCache(t)
	upstream := newTerminalSource("traj", cache, "VARIABLE")
	filter := newFilterSource("bbox", cache, "FILTER_BBOX", upstream)
	ctx := context.Background()

	// No FILTER_BBOX key: the filter steps aside entirely.
	res, err := filter.GetData(ctx, req("VARIABLE", "u"))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "VARIABLE=u", res.Item().(*fakeItem).payload)
	assert.Empty(t, filter.seen)
	res.Release()

	// The cache entry belongs to the upstream source, not the filter.
	assert.True(t, cache.Contains("traj", req("VARIABLE", "u")))
	up, err := cache.Get("traj", req("VARIABLE", "u"))
	require.NoError(t, err)
	assert.NotNil(t, up)
	cache.Release("traj", req("VARIABLE", "u"))
	cache.Release("traj", req("VARIABLE", "u"))

	// Pass-through applies to the task graph the same way.
	task, err := filter.GetTaskGraph(ctx, req("VARIABLE", "u"))
	require.NoError(t, err)
	assert.Equal(t, "traj", task.Source().ID())
	assert.Empty(t, task.Parents())
}

func TestFilterStripsLocalKeyBeforeDelegating(t *testing.T) {
	cache := newTestCache(t)
	upstream := newTerminalSource("traj", cache, "VARIABLE")
	filter := newFilterSource("bbox", cache, "FILTER_BBOX", upstream)
	ctx := context.Background()

	r := req("VARIABLE", "u", "FILTER_BBOX", "-10/40/10/60")
	res, err := filter.GetData(ctx, r)
	require.NoError(t, err)
	require.NotNil(t, res)
	defer res.Release()

	assert.Equal(t, []string{"VARIABLE=u"}, filter.seen)
	assert.Equal(t, []string{"VARIABLE=u"}, upstream.seen)
	assert.Equal(t, "-10/40/10/60|VARIABLE=u", res.Item().(*fakeItem).payload)
}

func TestTaskGraphMatchesDataPath(t *testing.T) {
	cache := newTestCache(t)
	upstream := newTerminalSource("traj", cache, "VARIABLE")
	filter := newFilterSource("bbox", cache, "FILTER_BBOX", upstream)
	ctx := context.Background()

	r := req("VARIABLE", "u", "FILTER_BBOX", "-10/40/10/60")

	task, err := filter.GetTaskGraph(ctx, r)
	require.NoError(t, err)
	require.Len(t, task.Parents(), 1)
	parent := task.Parents()[0]
	assert.Equal(t, "traj", parent.Source().ID())

	// The parent's request is exactly the request Produce delegates:
	// local keys stripped, nothing else touched.
	res, err := filter.GetData(ctx, r)
	require.NoError(t, err)
	defer res.Release()
	require.Len(t, filter.seen, 1)
	assert.Equal(t, filter.seen[0], parent.Request().Encode())
}

func TestRequiredKeysAccumulateUpstream(t *testing.T) {
	cache := newTestCache(t)
	upstream := newTerminalSource("traj", cache, "VARIABLE", "MEMBER")
	filter := newFilterSource("bbox", cache, "FILTER_BBOX", upstream)

	assert.ElementsMatch(t, []string{"FILTER_BBOX", "VARIABLE", "MEMBER"}, filter.RequiredKeys())
}

func TestPrefixedUpstreamKeys(t *testing.T) {
	cache := newTestCache(t)
	primary := newTerminalSource("traj", cache, "VARIABLE")
	aux := newTerminalSource("dp", cache, "VARIABLE", "MAX_DELTA_PRESSURE_HOURS")

	s := &terminalSource{keys: []string{"FILTER_PRESSURE_TIME"}}
	s.Node = NewNode("ptfilter", cache, s)
	s.RegisterUpstream(primary)
	s.RegisterPrefixedUpstream("DP_", aux)

	assert.ElementsMatch(t,
		[]string{"FILTER_PRESSURE_TIME", "VARIABLE", "DP_VARIABLE", "DP_MAX_DELTA_PRESSURE_HOURS"},
		s.RequiredKeys())
	assert.Same(t, Source(aux), s.PrefixedUpstream("DP_"))
	assert.Nil(t, s.PrefixedUpstream("XX_"))
}

func TestResultReleaseIsIdempotent(t *testing.T) {
	cache := newTestCache(t)
	src := newTerminalSource("nwp", cache, "VARIABLE")
	ctx := context.Background()

	r := req("VARIABLE", "t2m")
	res, err := src.GetData(ctx, r)
	require.NoError(t, err)

	require.NoError(t, res.Release())
	require.NoError(t, res.Release())

	// Exactly one reference was dropped: a fresh Get still succeeds
	// because the item survives in the released queue, and the refcount
	// never went negative (a double release would have errored above).
	assert.True(t, cache.Contains("nwp", r))
	cache.Release("nwp", r)
}

func TestNilResultReleaseIsSafe(t *testing.T) {
	var res *Result
	assert.NoError(t, res.Release())
}

// unavailableSource models a producer whose input data does not exist.
type unavailableSource struct {
	*Node
}

func (s *unavailableSource) LocalKeys() []string { return []string{"VARIABLE"} }

func (s *unavailableSource) Produce(context.Context, *request.Request) (memcache.Item, error) {
	return nil, nil
}

func (s *unavailableSource) TaskGraph(_ context.Context, r *request.Request) (*Task, error) {
	return NewTask(s, r), nil
}

func TestUnavailableDataYieldsNilResult(t *testing.T) {
	cache := newTestCache(t)
	s := &unavailableSource{}
	s.Node = NewNode("missing", cache, s)

	res, err := s.GetData(context.Background(), req("VARIABLE", "t2m"))
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.False(t, cache.Contains("missing", req("VARIABLE", "t2m")))
}

func TestAddParentIgnoresNil(t *testing.T) {
	cache := newTestCache(t)
	src := newTerminalSource("nwp", cache, "VARIABLE")
	task := NewTask(src, req("VARIABLE", "t2m"))
	task.AddParent(nil)
	assert.Empty(t, task.Parents())
}
