// Package pipeline defines the composition contract of the data pipeline:
// request-driven data sources that cache their results in a shared
// reference-counted memory manager and describe their dependencies as task
// graphs for a scheduler to execute.
//
// A concrete source implements Producer and embeds a *Node, which supplies
// the template behavior: pass-through forwarding, trimming the request to
// the source's required keys, the check/compute-if-absent/store cache
// protocol, and task graph construction. Per-source state (registered
// upstreams, key sets) is fixed after construction and read-only during
// execution; the cache is the only structure mutated concurrently.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/atmopipe/atmopipe/internal/ctxlog"
	"github.com/atmopipe/atmopipe/internal/memcache"
	"github.com/atmopipe/atmopipe/internal/request"
)

// ErrMissingKeys is returned when a request lacks keys a source requires
// and no pass-through upstream is configured to take the request instead.
var ErrMissingKeys = errors.New("pipeline: request is missing required keys")

// Source is the public face of a pipeline stage. Downstream nodes,
// schedulers and end consumers interact with sources only through this
// interface.
type Source interface {
	// ID is the source's stable identity, used to namespace its cache keys.
	ID() string

	// LocalKeys returns the request keys this source consumes itself.
	LocalKeys() []string

	// RequiredKeys returns the union of LocalKeys and the required keys of
	// every registered upstream (prefixed upstreams contribute their keys
	// with the prefix applied). The incoming request is trimmed to this
	// set before it is used as a cache key.
	RequiredKeys() []string

	// GetData resolves the request: pass through, serve from cache, or
	// compute, publish and return. The returned result holds one cache
	// reference; the caller must call Release when done. A (nil, nil)
	// return means the requested data is unavailable upstream, which is
	// a valid outcome, not an error.
	GetData(ctx context.Context, r *request.Request) (*Result, error)

	// GetTaskGraph builds the structural dependency graph for the request
	// without performing any computation. The keys stripped from the
	// request on the way upstream are exactly the keys Produce strips, so
	// graph shape and execution stay in lock-step.
	GetTaskGraph(ctx context.Context, r *request.Request) (*Task, error)
}

// Producer is implemented by concrete source types and plugged into a Node.
type Producer interface {
	// LocalKeys returns the request keys this producer consumes and must
	// strip before delegating upstream.
	LocalKeys() []string

	// Produce computes the item for the given request. The request has
	// already been trimmed to the source's required keys. Produce must
	// strip its local keys before forwarding the remainder to upstream
	// GetData calls, and must release every upstream result it obtained.
	// Returning (nil, nil) signals that the data is unavailable.
	Produce(ctx context.Context, r *request.Request) (memcache.Item, error)

	// TaskGraph builds the task for this request and attaches parent tasks
	// obtained from upstream GetTaskGraph calls, mirroring exactly the
	// upstream requests Produce would issue.
	TaskGraph(ctx context.Context, r *request.Request) (*Task, error)
}

// registration pairs an upstream source with an optional key prefix. With a
// prefix, the upstream's request keys appear prefixed in this node's
// requests and are unprefixed again before delegation.
type registration struct {
	prefix string
	src    Source
}

// Node supplies the template behavior shared by all sources. Concrete
// sources embed a *Node created with NewNode.
type Node struct {
	id    string
	cache *memcache.Manager
	impl  Producer

	upstreams   []registration
	passThrough Source

	requiredOnce sync.Once
	required     []string
}

// NewNode creates the template node for a concrete source. The id must be
// unique within a pipeline; it namespaces the source's cache entries.
func NewNode(id string, cache *memcache.Manager, impl Producer) *Node {
	return &Node{id: id, cache: cache, impl: impl}
}

// ID returns the source identity.
func (n *Node) ID() string { return n.id }

// LocalKeys returns the producer's locally required keys.
func (n *Node) LocalKeys() []string { return n.impl.LocalKeys() }

// RegisterUpstream records an upstream dependency. Call during pipeline
// construction only; registration is not synchronized against GetData.
func (n *Node) RegisterUpstream(src Source) {
	n.upstreams = append(n.upstreams, registration{src: src})
}

// RegisterPrefixedUpstream records an upstream whose keys appear in this
// node's requests under the given prefix. Only one upstream is kept per
// prefix; a second registration replaces the first.
func (n *Node) RegisterPrefixedUpstream(prefix string, src Source) {
	for i, reg := range n.upstreams {
		if reg.prefix == prefix && prefix != "" {
			n.upstreams[i].src = src
			return
		}
	}
	n.upstreams = append(n.upstreams, registration{prefix: prefix, src: src})
}

// PrefixedUpstream returns the upstream registered under prefix, or nil.
func (n *Node) PrefixedUpstream(prefix string) Source {
	for _, reg := range n.upstreams {
		if reg.prefix == prefix {
			return reg.src
		}
	}
	return nil
}

// EnablePassThrough makes the node forward requests that contain none of
// its local keys directly to src, skipping its own computation and
// caching. Sources whose parameter key is mandatory simply never call
// this. Call during construction only.
func (n *Node) EnablePassThrough(src Source) {
	if src != nil {
		n.passThrough = src
	}
}

// RequiredKeys returns the accumulated key set of this node and all its
// ancestors. Computed once; registration is fixed after construction.
func (n *Node) RequiredKeys() []string {
	n.requiredOnce.Do(func() {
		seen := make(map[string]struct{})
		add := func(k string) {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				n.required = append(n.required, k)
			}
		}
		for _, k := range n.impl.LocalKeys() {
			add(k)
		}
		for _, reg := range n.upstreams {
			for _, k := range reg.src.RequiredKeys() {
				add(reg.prefix + k)
			}
		}
	})
	return n.required
}

// passesThrough reports whether the pass-through condition holds for r:
// pass-through is enabled and none of the node's own keys are present.
func (n *Node) passesThrough(r *request.Request) bool {
	return n.passThrough != nil && !r.ContainsAll(n.impl.LocalKeys())
}

// cacheRequest trims a copy of r to the node's required keys. Spurious
// keys must not leak into the cache key: a source that only consumes
// INIT_TIME would otherwise cache one copy of the same data per distinct
// VALID_TIME seen in incoming requests.
func (n *Node) cacheRequest(r *request.Request) *request.Request {
	trimmed := r.Clone()
	trimmed.RemoveAllExcept(n.RequiredKeys())
	return trimmed
}

// GetData implements the template resolution protocol described in the
// package comment.
func (n *Node) GetData(ctx context.Context, r *request.Request) (*Result, error) {
	if n.passesThrough(r) {
		return n.passThrough.GetData(ctx, r)
	}
	if !r.ContainsAll(n.impl.LocalKeys()) {
		return nil, fmt.Errorf("%w: source %q needs %s, got %q",
			ErrMissingKeys, n.id, strings.Join(n.impl.LocalKeys(), ";"), r.Encode())
	}

	key := n.cacheRequest(r)

	if n.cache.Contains(n.id, key) {
		item, err := n.cache.Get(n.id, key)
		if err != nil {
			return nil, err
		}
		return newResult(n.cache, n.id, key, item), nil
	}

	item, err := n.impl.Produce(ctx, key.Clone())
	if err != nil {
		return nil, fmt.Errorf("source %q: %w", n.id, err)
	}
	if item == nil {
		// Data unavailable upstream; propagate the null slot.
		return nil, nil
	}

	stored, err := n.cache.Store(n.id, key, item)
	if err != nil {
		return nil, fmt.Errorf("source %q: %w", n.id, err)
	}
	if !stored {
		// Another goroutine published the same key first. Our copy is
		// discarded; adopt the winner's item. Computation is pure given
		// the request, so the results are interchangeable.
		ctxlog.FromContext(ctx).Debug("discarding duplicate computation",
			"source", n.id, "request", key.Encode())
		if !n.cache.Contains(n.id, key) {
			return nil, fmt.Errorf("source %q: winner's item for %q vanished before acquisition",
				n.id, key.Encode())
		}
		item, err = n.cache.Get(n.id, key)
		if err != nil {
			return nil, err
		}
	}
	return newResult(n.cache, n.id, key, item), nil
}

// GetTaskGraph implements the template graph construction: pass-through
// forwards unchanged, otherwise the producer builds the task and its
// parents.
func (n *Node) GetTaskGraph(ctx context.Context, r *request.Request) (*Task, error) {
	if n.passesThrough(r) {
		return n.passThrough.GetTaskGraph(ctx, r)
	}
	if !r.ContainsAll(n.impl.LocalKeys()) {
		return nil, fmt.Errorf("%w: source %q needs %s, got %q",
			ErrMissingKeys, n.id, strings.Join(n.impl.LocalKeys(), ";"), r.Encode())
	}
	return n.impl.TaskGraph(ctx, r)
}

// Result is a scope-bound handle on one cache reference to a published
// item. Release is idempotent per handle, so a deferred Release combined
// with an explicit early one cannot corrupt the reference count.
type Result struct {
	cache    *memcache.Manager
	owner    string
	key      *request.Request
	item     memcache.Item
	released atomic.Bool
}

func newResult(cache *memcache.Manager, owner string, key *request.Request, item memcache.Item) *Result {
	return &Result{cache: cache, owner: owner, key: key, item: item}
}

// Item returns the published item. The item must not be used after
// Release.
func (res *Result) Item() memcache.Item { return res.item }

// Release drops this handle's cache reference. Safe to call more than
// once; only the first call has effect.
func (res *Result) Release() error {
	if res == nil || res.released.Swap(true) {
		return nil
	}
	return res.cache.Release(res.owner, res.key)
}

// Task is a node in the structural dependency graph built for one
// top-level request. It carries no result and no execution logic; it
// exists purely to describe ordering before execution.
type Task struct {
	src     Source
	req     *request.Request
	parents []*Task
}

// NewTask creates a task representing (src, r).
func NewTask(src Source, r *request.Request) *Task {
	return &Task{src: src, req: r.Clone()}
}

// AddParent appends an upstream dependency. Adding nil is a no-op, which
// lets producers skip unavailable inputs without branching at every call
// site.
func (t *Task) AddParent(p *Task) {
	if p != nil {
		t.parents = append(t.parents, p)
	}
}

// Source returns the data source this task belongs to.
func (t *Task) Source() Source { return t.src }

// Request returns the request this task will resolve.
func (t *Task) Request() *request.Request { return t.req }

// Parents returns the upstream dependencies in registration order.
func (t *Task) Parents() []*Task { return t.parents }
