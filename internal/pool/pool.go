// Package pool implements the worker pool that drives a task DAG: N
// workers sharing a graph, coordinating through Blocked/Finished signals
// instead of busy-waiting. A worker with nothing runnable waits on a
// condition variable; any worker completing a task broadcasts, so any
// progress wakes all waiters.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/craterd/internal/dag"
	"github.com/swarmguard/craterd/internal/model"
	"github.com/swarmguard/craterd/internal/store"
)

// BrokenConfig is the one config predicate the pool consults directly, to
// choose a failed task's recorded outcome.
type BrokenConfig interface {
	IsBroken(pkg model.Package) bool
}

// Pool runs a fixed number of worker goroutines against a single Graph.
type Pool struct {
	workers int
	tracer  trace.Tracer

	taskDuration metric.Float64Histogram
	taskFailures metric.Int64Counter
}

// New builds a Pool with the given worker count.
func New(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	meter := otel.GetMeterProvider().Meter("craterd/pool")
	taskDuration, _ := meter.Float64Histogram("craterd.pool.task.duration_ms")
	taskFailures, _ := meter.Int64Counter("craterd.pool.task.failures")
	return &Pool{
		workers:      workers,
		tracer:       otel.Tracer("craterd-pool"),
		taskDuration: taskDuration,
		taskFailures: taskFailures,
	}
}

// Run drives graph to completion for experiment, using cfg to classify
// failed tasks, and returns once every worker has exited — either because
// the graph finished, the context was canceled, or a storage error or
// invariant violation forced an abort. A task's own error is recovered
// locally (logged, recorded via MarkAsFailed) and never aborts the pool.
func (p *Pool) Run(ctx context.Context, graph *dag.Graph, experiment string, results *store.ResultStore, cfg BrokenConfig) error {
	var mu sync.Mutex
	cond := sync.NewCond(&mu)
	stopped := false
	var fatalErr error

	// A parked worker can only be woken by a broadcast, so context
	// cancellation gets its own waker.
	watcherDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			mu.Lock()
			stopped = true
			cond.Broadcast()
			mu.Unlock()
		case <-watcherDone:
		}
	}()
	defer close(watcherDone)

	worker := func(workerID int) {
		// mu is held from observing a walk result through to acting on it:
		// that is what makes "saw Blocked" and "parked" atomic with respect
		// to another worker's completion broadcast, so a wakeup can never
		// slip into the gap between the two. It is never held across a
		// task's Run.
		mu.Lock()
		defer mu.Unlock()
		for {
			if stopped {
				return
			}

			result, err := graph.NextTask(ctx, experiment, results)
			if err != nil {
				if fatalErr == nil {
					fatalErr = fmt.Errorf("pool: worker %d: %w", workerID, err)
				}
				stopped = true
				cond.Broadcast()
				return
			}

			switch result.Status {
			case dag.StatusTask:
				mu.Unlock()
				runErr := p.runOne(ctx, workerID, graph, experiment, results, cfg, result)
				mu.Lock()
				if runErr != nil {
					if fatalErr == nil {
						fatalErr = fmt.Errorf("pool: worker %d: %w", workerID, runErr)
					}
					stopped = true
					cond.Broadcast()
					return
				}
				cond.Broadcast()

			case dag.StatusBlocked:
				cond.Wait()
				// Spurious wakeups are tolerated: the loop just retries
				// next_task.

			case dag.StatusFinished:
				cond.Broadcast()
				return

			default:
				if fatalErr == nil {
					fatalErr = fmt.Errorf("pool: worker %d: NotBlocked leaked from next_task", workerID)
				}
				stopped = true
				cond.Broadcast()
				return
			}
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			worker(workerID)
		}(i)
	}
	wg.Wait()

	if fatalErr != nil {
		return fatalErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !graph.Finished() {
		return fmt.Errorf("pool: invariant violation: workers exited but graph is not finished (%d nodes remain)", graph.NodeCount())
	}
	return nil
}

// runOne executes one task outside the coordination lock. A task error is
// recovered here: classified via cfg.IsBroken and fed to MarkAsFailed. The
// returned error is only non-nil for a MarkAsFailed storage failure, which
// the caller treats as fatal.
func (p *Pool) runOne(ctx context.Context, workerID int, graph *dag.Graph, experiment string, results *store.ResultStore, cfg BrokenConfig, result dag.WalkResult) error {
	spec := result.Task.Spec()
	ctx, span := p.tracer.Start(ctx, "pool.run_task",
		trace.WithAttributes(
			attribute.String("experiment", experiment),
			attribute.String("package", string(spec.Package)),
			attribute.String("step", string(spec.Step.Kind)),
			attribute.Int("worker", workerID),
		))
	defer span.End()

	start := time.Now()
	runErr := result.Task.Run(ctx, experiment, results)
	p.taskDuration.Record(ctx, float64(time.Since(start).Milliseconds()))

	if runErr == nil {
		graph.MarkAsCompleted(result.NodeID)
		return nil
	}

	p.taskFailures.Add(ctx, 1)
	span.RecordError(runErr)
	slog.Error("task failed, marking dependents as failed", "experiment", experiment, "task", spec.String(), "error", runErr)

	outcome := model.OutcomeError
	if cfg.IsBroken(spec.Package) {
		outcome = model.OutcomeBuildFail
	}
	if err := graph.MarkAsFailed(ctx, result.NodeID, experiment, results, runErr, outcome); err != nil {
		return fmt.Errorf("mark %s as failed: %w", spec, err)
	}
	return nil
}
