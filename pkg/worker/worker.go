// Package worker runs the pool that turns dispatch tasks into engine
// progress. Workers are stateless between tasks; all coordination goes
// through per-instance leases, so any number of pools can share one
// queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentichr/hrflow/internal/engine"
	"github.com/agentichr/hrflow/internal/persistence"
	"github.com/agentichr/hrflow/internal/taskqueue"
	"github.com/agentichr/hrflow/pkg/api"
)

// Config configures a worker Pool.
type Config struct {
	// Concurrency is the number of goroutines pulling tasks. Defaults
	// to 4.
	Concurrency int

	// LeaseTTL is how long a worker owns an instance per acquisition.
	// Defaults to 30 seconds.
	LeaseTTL time.Duration

	// RetryBackoff is the requeue delay after a concurrency conflict or
	// infrastructure error. Defaults to 100ms.
	RetryBackoff time.Duration

	// MaxTaskRetries bounds how often one task is requeued before it is
	// dropped with an error log. Defaults to 10.
	MaxTaskRetries int

	Logger *slog.Logger
}

// Pool dequeues instance tasks and drives the engine under a lease.
type Pool struct {
	engine    *engine.Engine
	queue     taskqueue.Queue
	instances persistence.InstanceStore
	cfg       Config
}

// NewPool creates a worker pool over the engine, queue and instance
// store (for leases).
func NewPool(eng *engine.Engine, queue taskqueue.Queue, instances persistence.InstanceStore, cfg Config) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	if cfg.MaxTaskRetries <= 0 {
		cfg.MaxTaskRetries = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pool{
		engine:    eng,
		queue:     queue,
		instances: instances,
		cfg:       cfg,
	}
}

// Run blocks processing tasks until ctx is cancelled. It returns
// ctx.Err() on shutdown.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < p.cfg.Concurrency; i++ {
		owner := fmt.Sprintf("worker-%d", i)
		g.Go(func() error {
			return p.loop(ctx, owner)
		})
	}

	return g.Wait()
}

func (p *Pool) loop(ctx context.Context, owner string) error {
	for {
		task, err := p.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			p.cfg.Logger.Error("dequeue failed", "worker", owner, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.RetryBackoff):
			}
			continue
		}
		if task == nil {
			continue
		}

		if err := p.ProcessTask(ctx, owner, *task); err != nil {
			p.cfg.Logger.Error("task failed",
				"worker", owner,
				"instance_id", task.InstanceID,
				"reason", task.Reason,
				"error", err,
			)
		}
	}
}

// ProcessTask drives one instance under a lease. Conflicts and
// infrastructure errors requeue the task with backoff instead of
// failing it; driving is idempotent, so a redundant pass is free.
func (p *Pool) ProcessTask(ctx context.Context, owner string, task taskqueue.Task) error {
	acquired, err := p.instances.TryAcquireLease(ctx, task.InstanceID, owner, p.cfg.LeaseTTL)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if !acquired {
		// Another worker holds the instance; it will see our work
		// because the task content is durable (buffered signal, due
		// timer, history). Requeue in case it finishes without it.
		return p.requeue(ctx, task)
	}
	defer func() {
		_ = p.instances.ReleaseLease(ctx, task.InstanceID, owner)
	}()

	runErr := p.engine.RunInstance(ctx, task.InstanceID)
	if runErr == nil {
		return nil
	}
	if errors.Is(runErr, context.Canceled) {
		return runErr
	}
	if errors.Is(runErr, api.ErrConcurrencyConflict) {
		return p.requeue(ctx, task)
	}
	// Infrastructure errors (store, queue) are retried the same way.
	p.cfg.Logger.Warn("run instance failed; requeueing",
		"instance_id", task.InstanceID,
		"error", runErr,
	)
	return p.requeue(ctx, task)
}

func (p *Pool) requeue(ctx context.Context, task taskqueue.Task) error {
	task.Attempts++
	if task.Attempts > p.cfg.MaxTaskRetries {
		// Dropping is safe: the durable state (buffered signal, due
		// timer) survives, and the timer rescan or the next API call
		// re-dispatches the instance.
		p.cfg.Logger.Error("dropping task after repeated retries",
			"instance_id", task.InstanceID,
			"attempts", task.Attempts,
		)
		return nil
	}
	task.Reason = taskqueue.ReasonRetry

	// The backoff runs off the worker goroutine so the processing slot
	// frees up for other instances immediately.
	time.AfterFunc(p.cfg.RetryBackoff, func() {
		if ctx.Err() != nil {
			return
		}
		if err := p.queue.Enqueue(ctx, task); err != nil && !errors.Is(err, context.Canceled) {
			p.cfg.Logger.Error("delayed requeue failed",
				"instance_id", task.InstanceID,
				"error", err,
			)
		}
	})
	return nil
}
