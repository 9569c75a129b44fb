package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/atmopipe/atmopipe/internal/ctxlog"
	"github.com/atmopipe/atmopipe/internal/pipeline"
	"github.com/atmopipe/atmopipe/internal/request"
)

// Task execution states as tracked by the pool.
const (
	statePending int32 = iota
	stateReady
	stateRunning
	stateDone
	stateFailed
)

var errSkipped = errors.New("skipped due to upstream failure")

// execNode is one merged unit of work in a flattened task graph.
type execNode struct {
	key  string
	task *pipeline.Task

	deps       map[string]*execNode
	dependents map[string]*execNode

	depCount       atomic.Int32
	dependentsLeft atomic.Int32
	state          atomic.Int32
	skipOnce       sync.Once

	err    error
	result *pipeline.Result
}

// Pool executes task graphs on a fixed worker pool. Independent tasks
// run concurrently; a task starts only after all of its parents have
// published. On the first failure the remaining graph is canceled and
// all downstream tasks are skipped.
type Pool struct {
	numWorkers int
}

// NewPool creates a pool scheduler. numWorkers < 1 selects GOMAXPROCS.
func NewPool(numWorkers int) *Pool {
	if numWorkers < 1 {
		numWorkers = runtime.GOMAXPROCS(0)
	}
	return &Pool{numWorkers: numWorkers}
}

// Execute implements Scheduler.
func (p *Pool) Execute(ctx context.Context, src pipeline.Source, r *request.Request) (*pipeline.Result, error) {
	root, err := src.GetTaskGraph(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("scheduler: building task graph: %w", err)
	}

	nodes := flatten(root)
	rootKey := taskKey(root)
	logger := ctxlog.FromContext(ctx)
	logger.Debug("executing task graph", "tasks", len(nodes), "root", rootKey)

	readyChan := make(chan *execNode, len(nodes))
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(len(nodes))

	for _, node := range nodes {
		if node.depCount.Load() == 0 {
			node.state.Store(stateReady)
			readyChan <- node
		}
	}

	for i := 0; i < p.numWorkers; i++ {
		go p.worker(runCtx, readyChan, cancel, &wg, rootKey, i)
	}

	wg.Wait()
	close(readyChan)

	var failed []string
	var rootCause error
	for key, node := range nodes {
		if node.state.Load() != stateFailed {
			continue
		}
		if node.err != nil && !errors.Is(node.err, errSkipped) && !errors.Is(node.err, context.Canceled) {
			failed = append(failed, key)
			if rootCause == nil {
				rootCause = node.err
			}
		}
	}

	if rootCause != nil || ctx.Err() != nil {
		// Drop every result the run acquired, including the root's.
		for _, node := range nodes {
			node.result.Release()
		}
		if rootCause == nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("scheduler: execution failed for %s: %w",
			strings.Join(failed, ", "), rootCause)
	}

	return nodes[rootKey].result, nil
}

// flatten walks the task graph and merges tasks with equal keys into
// single execution nodes.
func flatten(root *pipeline.Task) map[string]*execNode {
	nodes := make(map[string]*execNode)

	var visit func(t *pipeline.Task) *execNode
	visit = func(t *pipeline.Task) *execNode {
		key := taskKey(t)
		if n, ok := nodes[key]; ok {
			return n
		}
		n := &execNode{
			key:        key,
			task:       t,
			deps:       make(map[string]*execNode),
			dependents: make(map[string]*execNode),
		}
		nodes[key] = n
		for _, parent := range t.Parents() {
			pn := visit(parent)
			if _, ok := n.deps[pn.key]; ok {
				continue
			}
			n.deps[pn.key] = pn
			pn.dependents[n.key] = n
		}
		return n
	}
	visit(root)

	for _, n := range nodes {
		n.depCount.Store(int32(len(n.deps)))
		n.dependentsLeft.Store(int32(len(n.dependents)))
	}
	return nodes
}

// worker is the processing loop of one pool goroutine.
func (p *Pool) worker(ctx context.Context, readyChan chan *execNode, cancel context.CancelFunc, wg *sync.WaitGroup, rootKey string, workerID int) {
	logger := ctxlog.FromContext(ctx).With("worker", workerID)

	for node := range readyChan {
		if ctx.Err() != nil {
			node.skipOnce.Do(func() {
				node.state.Store(stateFailed)
				node.err = ctx.Err()
				wg.Done()
				// Dependents of this node were never enqueued; they
				// must be marked too or wg.Wait never returns.
				p.skipDependents(ctx, node, wg)
			})
			continue
		}

		logger.Debug("running task", "task", node.key)
		node.state.Store(stateRunning)

		res, err := node.task.Source().GetData(ctx, node.task.Request())
		if err != nil {
			logger.Error("task failed", "task", node.key, "error", err)
			node.state.Store(stateFailed)
			node.err = err
			cancel()
			p.skipDependents(ctx, node, wg)
			wg.Done()
			continue
		}

		node.result = res
		node.state.Store(stateDone)

		for _, dependent := range node.dependents {
			if dependent.depCount.Add(-1) == 0 {
				dependent.state.Store(stateReady)
				readyChan <- dependent
			}
		}

		// A parent's result is held only to keep it cached while its
		// dependents run; drop it once the last dependent is done.
		for _, dep := range node.deps {
			if dep.dependentsLeft.Add(-1) == 0 && dep.key != rootKey {
				dep.result.Release()
			}
		}

		wg.Done()
	}
}

// skipDependents marks all transitive dependents of a failed node.
func (p *Pool) skipDependents(ctx context.Context, node *execNode, wg *sync.WaitGroup) {
	logger := ctxlog.FromContext(ctx)
	for _, dependent := range node.dependents {
		dependent.skipOnce.Do(func() {
			logger.Warn("skipping task, upstream failed",
				"task", dependent.key, "upstream", node.key)
			dependent.state.Store(stateFailed)
			dependent.err = fmt.Errorf("%w: %s", errSkipped, node.key)
			wg.Done()
			p.skipDependents(ctx, dependent, wg)
		})
	}
}
