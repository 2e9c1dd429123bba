package hrflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/agentichr/hrflow/internal/engine"
	"github.com/agentichr/hrflow/internal/persistence"
	"github.com/agentichr/hrflow/internal/taskqueue"
	"github.com/agentichr/hrflow/internal/timer"
	"github.com/agentichr/hrflow/pkg/activity"
	"github.com/agentichr/hrflow/pkg/worker"
)

// RuntimeConfig tunes a Runtime. The zero value works for tests and
// small deployments.
type RuntimeConfig struct {
	// CollaboratorBaseURL is the base URL of the internal HR services
	// the built-in activities call. Leave empty to skip registering the
	// built-in activity bindings (register your own instead).
	CollaboratorBaseURL string

	// HTTPClient is used by the built-in activity bindings. Nil gets a
	// 30-second-timeout default.
	HTTPClient *http.Client

	// RedisClient, if set, backs the dispatch queue with Redis so
	// multiple processes can share it.
	RedisClient *redis.Client

	// Observer receives lifecycle callbacks. Nil means none.
	Observer Observer

	// Clock overrides the engine and timer clock. Nil means time.Now.
	Clock func() time.Time

	// Workers is the worker pool concurrency. Defaults to 4.
	Workers int

	// LeaseTTL is how long a worker owns an instance. Defaults to 30s.
	LeaseTTL time.Duration

	// TimerPollInterval is the due-timer scan interval. Defaults to
	// 500ms.
	TimerPollInterval time.Duration

	Logger *slog.Logger
}

// Runtime bundles everything a process needs to run workflows: the
// replay engine, the activity executor, the dispatch queue, the timer
// service and the worker pool. Build one per process with one of the
// backend constructors, register any extra workflows and activities,
// then call Run.
type Runtime struct {
	registry *engine.Registry
	store    persistence.Persistence
	queue    taskqueue.Queue
	executor *activity.Executor
	engine   *engine.Engine
	timers   *timer.Service
	pool     *worker.Pool
}

// NewInMemoryRuntime returns a Runtime backed entirely by in-memory
// stores. Nothing survives a restart; meant for tests and examples.
func NewInMemoryRuntime(cfg RuntimeConfig) (*Runtime, error) {
	return newRuntime(persistence.NewMemoryPersistence(), queueFor(cfg), cfg)
}

// NewSQLiteRuntime returns a Runtime that persists history, waits,
// signals, instances and the dispatch queue in a SQLite database.
func NewSQLiteRuntime(db *sql.DB, cfg RuntimeConfig) (*Runtime, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, fmt.Errorf("init sqlite store: %w", err)
	}
	var q taskqueue.Queue
	if cfg.RedisClient != nil {
		q = taskqueue.NewRedisQueue(cfg.RedisClient, "")
	} else {
		sq, err := taskqueue.NewSQLiteQueue(db)
		if err != nil {
			return nil, fmt.Errorf("init sqlite queue: %w", err)
		}
		q = sq
	}
	return newRuntime(store.Persistence(), q, cfg)
}

// NewPostgresRuntime returns a Runtime that persists state in
// PostgreSQL. The dispatch queue is in-memory unless cfg.RedisClient
// is set; a Redis queue is what lets multiple processes share work.
func NewPostgresRuntime(db *sql.DB, cfg RuntimeConfig) (*Runtime, error) {
	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, fmt.Errorf("init postgres store: %w", err)
	}
	return newRuntime(store.Persistence(), queueFor(cfg), cfg)
}

func queueFor(cfg RuntimeConfig) taskqueue.Queue {
	if cfg.RedisClient != nil {
		return taskqueue.NewRedisQueue(cfg.RedisClient, "")
	}
	return taskqueue.NewInMemoryQueue(0)
}

func newRuntime(store persistence.Persistence, queue taskqueue.Queue, cfg RuntimeConfig) (*Runtime, error) {
	registry := engine.NewRegistry()
	for _, def := range []WorkflowDefinition{
		{Type: TypeLeaveApproval, Fn: LeaveApproval},
		{Type: TypeOnboarding, Fn: Onboarding},
	} {
		if err := registry.Register(def); err != nil {
			return nil, err
		}
	}

	executor := activity.NewExecutor()
	if cfg.CollaboratorBaseURL != "" {
		client := activity.NewCollaboratorClient(cfg.CollaboratorBaseURL, cfg.HTTPClient)
		if err := activity.RegisterBuiltins(executor, client); err != nil {
			return nil, err
		}
	}

	var opts []engine.Option
	if cfg.Observer != nil {
		opts = append(opts, engine.WithObserver(cfg.Observer))
	}
	if cfg.Clock != nil {
		opts = append(opts, engine.WithClock(cfg.Clock))
	}
	eng := engine.NewEngine(registry, store, queue, executor, opts...)

	timers := timer.NewService(store.Waits, eng, timer.Config{
		PollInterval: cfg.TimerPollInterval,
		Clock:        cfg.Clock,
		Logger:       cfg.Logger,
	})

	pool := worker.NewPool(eng, queue, store.Instances, worker.Config{
		Concurrency: cfg.Workers,
		LeaseTTL:    cfg.LeaseTTL,
		Logger:      cfg.Logger,
	})

	return &Runtime{
		registry: registry,
		store:    store,
		queue:    queue,
		executor: executor,
		engine:   eng,
		timers:   timers,
		pool:     pool,
	}, nil
}

// RegisterWorkflow adds a workflow definition beyond the built-in
// types. It must be called before any instance of the type starts.
func (r *Runtime) RegisterWorkflow(def WorkflowDefinition) error {
	return r.registry.Register(def)
}

// RegisterActivity binds an activity name to a function.
func (r *Runtime) RegisterActivity(name string, fn activity.Func) error {
	return r.executor.Register(name, fn)
}

// StartWorkflow starts an instance of a registered workflow type.
// instanceID may be empty, in which case one is generated. Starting an
// existing ID again is idempotent and returns the current status.
func (r *Runtime) StartWorkflow(ctx context.Context, instanceID string, wt WorkflowType, input any) (StatusReport, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return StatusReport{}, fmt.Errorf("marshal workflow input: %w", err)
	}
	return r.engine.StartWorkflow(ctx, instanceID, wt, raw)
}

// SendSignal delivers a named signal to a running instance.
func (r *Runtime) SendSignal(ctx context.Context, instanceID, name string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal signal body: %w", err)
	}
	return r.engine.SendSignal(ctx, instanceID, name, raw)
}

// GetStatus reports the current state of an instance by replaying its
// history. It never mutates anything.
func (r *Runtime) GetStatus(ctx context.Context, instanceID string) (StatusReport, error) {
	return r.engine.GetStatus(ctx, instanceID)
}

// History returns the instance's full event log in sequence order.
func (r *Runtime) History(ctx context.Context, instanceID string) ([]HistoryEvent, error) {
	return r.store.History.ReadHistory(ctx, instanceID)
}

// Cancel marks a running instance failed with the given reason.
func (r *Runtime) Cancel(ctx context.Context, instanceID, reason string) error {
	return r.engine.Cancel(ctx, instanceID, reason)
}

// Run starts the worker pool and timer service and blocks until ctx
// is cancelled. Cancellation is a clean shutdown and returns nil.
func (r *Runtime) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.pool.Run(ctx) })
	g.Go(func() error { return r.timers.Run(ctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
