// Package memcache implements the reference-counted result cache shared by
// all pipeline data sources.
//
// Items move through three states. While a consumer holds a reference the
// item is "active" and can never be evicted. When the last reference is
// released the item stays cached ("released") and is re-activated for free
// on the next hit. Released items form an LRU queue and are reclaimed when
// a Store would exceed the soft memory budget.
//
// Always follow the order
//
//  1. Contains (check-and-acquire) or Store
//  2. Get
//  3. Release
//
// All methods are safe for concurrent use. A single mutex guards the
// internal maps; they must stay mutually consistent, so finer locking would
// buy nothing here.
package memcache

import (
	"container/list"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/atmopipe/atmopipe/internal/request"
)

// Item is an opaque cached result. Implementations report their approximate
// memory footprint so the manager can enforce its budget. An item must be
// treated as immutable once it has been stored.
type Item interface {
	MemorySizeKB() int64
}

// ErrBudgetExhausted is returned by Store when evicting every released item
// still cannot make room for the new one.
var ErrBudgetExhausted = errors.New("memcache: memory budget exhausted, no released items left to evict")

// ErrNotHeld is returned by Get and Release when the caller has not
// established a reference with Contains or Store first.
var ErrNotHeld = errors.New("memcache: item not active; call Contains or Store before Get/Release")

type entry struct {
	item   Item
	refs   int
	sizeKB int64
	// elem is non-nil while the entry sits in the released queue.
	elem *list.Element
}

// Manager is a reference-counted, LRU-evicting result cache.
type Manager struct {
	name    string
	limitKB int64
	logger  *slog.Logger
	metrics *metrics

	mu       sync.Mutex
	usageKB  int64
	active   map[string]*entry
	released map[string]*entry
	// releasedQueue holds cache keys of released entries, oldest at the
	// front. Eviction pops from the front.
	releasedQueue *list.List
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used for cache diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// New creates a cache named name with a soft memory budget of limitKB.
func New(name string, limitKB int64, opts ...Option) *Manager {
	m := &Manager{
		name:          name,
		limitKB:       limitKB,
		logger:        slog.Default(),
		active:        make(map[string]*entry),
		released:      make(map[string]*entry),
		releasedQueue: list.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// cacheKey namespaces the canonical request by the owning node's identity,
// so two node types that happen to use the same request string never
// collide.
func cacheKey(owner string, r *request.Request) string {
	return owner + "/" + r.Encode()
}

// Contains reports whether a published item exists for (owner, r). On true
// the item's reference count is incremented in the same critical section,
// so a concurrent Release or eviction can never invalidate the answer
// before the caller reaches Get.
func (m *Manager) Contains(owner string, r *request.Request) bool {
	key := cacheKey(owner, r)

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.active[key]; ok {
		e.refs++
		m.metrics.hit()
		return true
	}
	if e, ok := m.released[key]; ok {
		// Still cached from an earlier round of use; re-activate.
		m.releasedQueue.Remove(e.elem)
		e.elem = nil
		e.refs = 1
		delete(m.released, key)
		m.active[key] = e
		m.metrics.hit()
		return true
	}
	m.metrics.miss()
	return false
}

// Store publishes a newly computed item under (owner, r) and sets its
// reference count to 1. If an item already exists for the key because
// another goroutine won the computation race, Store returns false with no side
// effect; the caller must discard its own copy and acquire the winner's
// item via Contains/Get.
func (m *Manager) Store(owner string, r *request.Request, item Item) (bool, error) {
	key := cacheKey(owner, r)
	sizeKB := item.MemorySizeKB()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.active[key]; ok {
		m.metrics.duplicate()
		m.logger.Debug("store declined, key already published",
			"cache", m.name, "key", key)
		return false, nil
	}
	if _, ok := m.released[key]; ok {
		m.metrics.duplicate()
		m.logger.Debug("store declined, key still cached",
			"cache", m.name, "key", key)
		return false, nil
	}

	// Make room by evicting released items, oldest first.
	for m.usageKB+sizeKB > m.limitKB && m.releasedQueue.Len() > 0 {
		front := m.releasedQueue.Front()
		evictKey := front.Value.(string)
		evicted := m.released[evictKey]
		m.releasedQueue.Remove(front)
		delete(m.released, evictKey)
		m.usageKB -= evicted.sizeKB
		m.metrics.evict(evicted.sizeKB)
		m.logger.Debug("evicted cached item",
			"cache", m.name, "key", evictKey, "sizeKB", evicted.sizeKB)
	}
	if m.usageKB+sizeKB > m.limitKB {
		return false, fmt.Errorf("%w (cache %q, need %d KB, in use %d of %d KB)",
			ErrBudgetExhausted, m.name, sizeKB, m.usageKB, m.limitKB)
	}

	m.active[key] = &entry{item: item, refs: 1, sizeKB: sizeKB}
	m.usageKB += sizeKB
	m.metrics.store(sizeKB)
	return true, nil
}

// Get returns the published item for (owner, r). The caller must have
// established presence, and thereby a reference, with Contains or Store.
func (m *Manager) Get(owner string, r *request.Request) (Item, error) {
	key := cacheKey(owner, r)

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.active[key]; ok {
		return e.item, nil
	}
	if _, ok := m.released[key]; ok {
		return nil, fmt.Errorf("%w: key %q is cached but not active", ErrNotHeld, key)
	}
	return nil, fmt.Errorf("%w: key %q is not cached", ErrNotHeld, key)
}

// Release drops one reference to the item for (owner, r). At zero
// references the item becomes eligible for eviction but stays cached until
// the budget forces it out.
func (m *Manager) Release(owner string, r *request.Request) error {
	key := cacheKey(owner, r)

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.active[key]
	if !ok {
		return fmt.Errorf("%w: release of non-active key %q", ErrNotHeld, key)
	}
	e.refs--
	if e.refs == 0 {
		delete(m.active, key)
		e.elem = m.releasedQueue.PushBack(key)
		m.released[key] = e
	}
	return nil
}

// Clear drops every released item from the cache. Active items are
// untouched. Mainly for tests and tooling.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, e := range m.released {
		m.usageKB -= e.sizeKB
		m.metrics.evict(e.sizeKB)
		delete(m.released, key)
	}
	m.releasedQueue.Init()
}

// Stats is a point-in-time snapshot of cache occupancy.
type Stats struct {
	ActiveItems   int
	ReleasedItems int
	UsageKB       int64
	LimitKB       int64
}

// Stats returns current cache occupancy.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		ActiveItems:   len(m.active),
		ReleasedItems: len(m.released),
		UsageKB:       m.usageKB,
		LimitKB:       m.limitKB,
	}
}

// refCount reports the reference count for (owner, r); -1 if not active.
// Test hook.
func (m *Manager) refCount(owner string, r *request.Request) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.active[cacheKey(owner, r)]; ok {
		return e.refs
	}
	return -1
}
