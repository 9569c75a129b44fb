// Package scheduler executes the task graphs built by pipeline sources.
// A scheduler walks a graph in reverse-topological order and invokes
// GetData on each task's source once all of its parents have published
// their results; the cache turns the separate invocations into shared
// work. Two schedulers are provided: a depth-first single-threaded one
// and a worker-pool one for concurrent execution of independent tasks.
package scheduler

import (
	"context"
	"fmt"

	"github.com/atmopipe/atmopipe/internal/pipeline"
	"github.com/atmopipe/atmopipe/internal/request"
)

// Scheduler resolves a request against a source by building and
// executing its task graph. The returned result is the root task's
// published item; the caller owns its release. A (nil, nil) return means
// the data is unavailable upstream.
type Scheduler interface {
	Execute(ctx context.Context, src pipeline.Source, r *request.Request) (*pipeline.Result, error)
}

// taskKey identifies a task by its source and the request trimmed to the
// source's required keys, matching the cache key the execution will use.
// Tasks with equal keys are the same unit of work.
func taskKey(t *pipeline.Task) string {
	trimmed := t.Request().Clone()
	trimmed.RemoveAllExcept(t.Source().RequiredKeys())
	return t.Source().ID() + "/" + trimmed.Encode()
}

// SingleThread executes a task graph depth-first on the calling
// goroutine. Parent results are held until the dependent task has
// completed, so the dependent's upstream fetches are cache hits.
type SingleThread struct{}

// Execute implements Scheduler.
func (SingleThread) Execute(ctx context.Context, src pipeline.Source, r *request.Request) (*pipeline.Result, error) {
	task, err := src.GetTaskGraph(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("scheduler: building task graph: %w", err)
	}
	done := make(map[string]struct{})
	return runDepthFirst(ctx, task, done)
}

func runDepthFirst(ctx context.Context, task *pipeline.Task, done map[string]struct{}) (*pipeline.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var parents []*pipeline.Result
	defer func() {
		for _, p := range parents {
			p.Release()
		}
	}()

	for _, parent := range task.Parents() {
		if _, ok := done[taskKey(parent)]; ok {
			continue
		}
		res, err := runDepthFirst(ctx, parent, done)
		if err != nil {
			return nil, err
		}
		if res != nil {
			parents = append(parents, res)
		}
	}

	res, err := task.Source().GetData(ctx, task.Request())
	if err != nil {
		return nil, err
	}
	done[taskKey(task)] = struct{}{}
	return res, nil
}
