package memcache

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmopipe/atmopipe/internal/request"
)

type blob struct {
	sizeKB int64
	tag    int
}

func (b *blob) MemorySizeKB() int64 { return b.sizeKB }

func req(pairs ...string) *request.Request {
	r := request.New()
	for i := 0; i+1 < len(pairs); i += 2 {
		r.Insert(pairs[i], pairs[i+1])
	}
	return r
}

func TestStoreContainsGetRelease(t *testing.T) {
	m := New("test", 1024)
	r := req("VARIABLE", "t", "MEMBER", "0")

	assert.False(t, m.Contains("owner", r))

	ok, err := m.Store("owner", r, &blob{sizeKB: 10})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, m.refCount("owner", r))

	// Check-and-acquire bumps the reference count.
	require.True(t, m.Contains("owner", r))
	assert.Equal(t, 2, m.refCount("owner", r))

	item, err := m.Get("owner", r)
	require.NoError(t, err)
	assert.Equal(t, int64(10), item.MemorySizeKB())

	require.NoError(t, m.Release("owner", r))
	require.NoError(t, m.Release("owner", r))

	// Fully released: cached but no longer active.
	stats := m.Stats()
	assert.Equal(t, 0, stats.ActiveItems)
	assert.Equal(t, 1, stats.ReleasedItems)

	// A later hit re-activates the released item.
	require.True(t, m.Contains("owner", r))
	assert.Equal(t, 1, m.refCount("owner", r))
}

func TestOwnerNamespacesKeys(t *testing.T) {
	m := New("test", 1024)
	r := req("VARIABLE", "t")

	ok, err := m.Store("nodeA", r, &blob{sizeKB: 1, tag: 1})
	require.NoError(t, err)
	require.True(t, ok)

	// Same request string under a different node identity is a miss.
	assert.False(t, m.Contains("nodeB", r))

	ok, err = m.Store("nodeB", r, &blob{sizeKB: 1, tag: 2})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDuplicateStoreLoses(t *testing.T) {
	m := New("test", 1024)
	r := req("VARIABLE", "t")

	ok, err := m.Store("owner", r, &blob{sizeKB: 1, tag: 1})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.Store("owner", r, &blob{sizeKB: 1, tag: 2})
	require.NoError(t, err)
	assert.False(t, ok, "second store for the same key must lose")

	// The loser obtains the winner's item via Contains/Get.
	require.True(t, m.Contains("owner", r))
	item, err := m.Get("owner", r)
	require.NoError(t, err)
	assert.Equal(t, 1, item.(*blob).tag)
}

func TestGetWithoutHoldFails(t *testing.T) {
	m := New("test", 1024)
	r := req("VARIABLE", "t")

	_, err := m.Get("owner", r)
	assert.ErrorIs(t, err, ErrNotHeld)

	ok, err := m.Store("owner", r, &blob{sizeKB: 1})
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, m.Release("owner", r))

	// Cached but released: Get still requires a prior Contains.
	_, err = m.Get("owner", r)
	assert.ErrorIs(t, err, ErrNotHeld)

	err = m.Release("owner", r)
	assert.ErrorIs(t, err, ErrNotHeld, "reference count must never go negative")
}

func TestEvictionHonorsBudgetAndRefCounts(t *testing.T) {
	m := New("test", 100)

	rA := req("K", "a")
	rB := req("K", "b")
	rC := req("K", "c")

	ok, err := m.Store("o", rA, &blob{sizeKB: 40})
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = m.Store("o", rB, &blob{sizeKB: 40})
	require.NoError(t, err)
	require.True(t, ok)

	// B stays active, A is released and therefore evictable.
	require.NoError(t, m.Release("o", rA))

	ok, err = m.Store("o", rC, &blob{sizeKB: 40})
	require.NoError(t, err)
	require.True(t, ok, "store must succeed after evicting released items")

	// A was evicted, B survived because its count is > 0.
	assert.False(t, m.Contains("o", rA))
	item, err := m.Get("o", rB)
	require.NoError(t, err)
	assert.Equal(t, int64(40), item.MemorySizeKB())
}

func TestStoreFailsWhenNothingEvictable(t *testing.T) {
	m := New("test", 50)

	rA := req("K", "a")
	ok, err := m.Store("o", rA, &blob{sizeKB: 40})
	require.NoError(t, err)
	require.True(t, ok)

	// A is still active, so the budget cannot be honored.
	_, err = m.Store("o", req("K", "b"), &blob{sizeKB: 40})
	assert.ErrorIs(t, err, ErrBudgetExhausted)
}

func TestStoreAcceptsItemFillingBudgetExactly(t *testing.T) {
	m := New("test", 100)

	ok, err := m.Store("o", req("K", "a"), &blob{sizeKB: 60})
	require.NoError(t, err)
	require.True(t, ok)

	// 60 + 40 lands exactly on the budget; that is still within it.
	ok, err = m.Store("o", req("K", "b"), &blob{sizeKB: 40})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(100), m.Stats().UsageKB)

	// One KB further is over.
	_, err = m.Store("o", req("K", "c"), &blob{sizeKB: 1})
	assert.ErrorIs(t, err, ErrBudgetExhausted)
}

func TestConcurrentStoreExactlyOneWinner(t *testing.T) {
	m := New("test", 10240)
	r := req("VARIABLE", "t", "INIT_TIME", "2024-10-01T00:00:00Z")

	const n = 32
	var wins atomic.Int32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(tag int) {
			defer wg.Done()
			if m.Contains("o", r) {
				require.NoError(t, m.Release("o", r))
				return
			}
			ok, err := m.Store("o", r, &blob{sizeKB: 1, tag: tag})
			require.NoError(t, err)
			if ok {
				wins.Add(1)
				require.NoError(t, m.Release("o", r))
			} else {
				// Lost the race: the winner's item must be observable.
				require.True(t, m.Contains("o", r))
				require.NoError(t, m.Release("o", r))
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one Store call may win")
	stats := m.Stats()
	assert.Equal(t, 0, stats.ActiveItems, "all references released")
	assert.Equal(t, 1, stats.ReleasedItems)
}

func TestConcurrentIndependentKeys(t *testing.T) {
	m := New("test", 1 << 20)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := request.New()
			r.InsertInt("MEMBER", i)
			ok, err := m.Store("o", r, &blob{sizeKB: 1})
			require.NoError(t, err)
			require.True(t, ok)
			require.True(t, m.Contains("o", r))
			require.NoError(t, m.Release("o", r))
			require.NoError(t, m.Release("o", r))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 16, m.Stats().ReleasedItems)
}

func TestClearDropsOnlyReleased(t *testing.T) {
	m := New("test", 1024)

	rA := req("K", "a")
	rB := req("K", "b")
	mustStore(t, m, "o", rA, 10)
	mustStore(t, m, "o", rB, 10)
	require.NoError(t, m.Release("o", rA))

	m.Clear()

	stats := m.Stats()
	assert.Equal(t, 1, stats.ActiveItems)
	assert.Equal(t, 0, stats.ReleasedItems)
	assert.Equal(t, int64(10), stats.UsageKB)
}

func mustStore(t *testing.T, m *Manager, owner string, r *request.Request, sizeKB int64) {
	t.Helper()
	ok, err := m.Store(owner, r, &blob{sizeKB: sizeKB})
	require.NoError(t, err)
	require.True(t, ok)
}
