// Package async provides a bounded, tracked worker pool.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/marketcraft/quoterd/errs"
	"github.com/marketcraft/quoterd/internal/observability"
)

// Task represents a unit of work executed by the pool workers.
type Task func(context.Context) error

// ErrSaturated is returned by Submit when the pool queue is full. Callers
// scheduling idempotent work (such as quote recomputations) treat it as the
// trigger having been absorbed by the already-queued task.
var ErrSaturated = errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool at capacity"))

// Pool is a bounded worker pool. Every submitted task is tracked until
// completion; task failures are reported through the shared logger, never
// silently dropped, and Shutdown waits for all in-flight work.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan job
	wg     sync.WaitGroup
	once   sync.Once
}

type job struct {
	ctx context.Context
	fn  Task
}

// NewPool creates a worker pool with the given concurrency and queue depth.
// A single-worker pool executes tasks strictly in submission order.
func NewPool(workers, queue int) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("workers must be >0"))
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := new(Pool)
	p.ctx = ctx
	p.cancel = cancel
	p.jobs = make(chan job, queue)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Submit schedules the provided task for execution. It never blocks: a full
// queue yields ErrSaturated.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	if fn == nil {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	p.wg.Add(1)
	select {
	case <-p.ctx.Done():
		p.wg.Done()
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	case <-ctx.Done():
		p.wg.Done()
		return fmt.Errorf("submit context: %w", ctx.Err())
	case p.jobs <- job{ctx: ctx, fn: fn}:
		return nil
	default:
		p.wg.Done()
		return ErrSaturated
	}
}

// Close stops accepting new tasks and cancels workers.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.cancel()
		close(p.jobs)
	})
}

// Shutdown waits for in-flight tasks to complete or until the context expires.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-done:
		return nil
	}
}

// worker drains the queue until it is closed. Every accepted job runs even
// after Close; cancellation reaches the task through its context, so no
// tracked job is ever abandoned with its wg count held.
func (p *Pool) worker() {
	for job := range p.jobs {
		ctx := job.ctx
		if ctx == nil {
			ctx = p.ctx
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					observability.Log().Error("pool task panic", observability.F("panic", r))
				}
			}()
			if err := job.fn(ctx); err != nil {
				observability.Log().Error("pool task failed", observability.F("error", err))
			}
		}()
		p.wg.Done()
	}
}
