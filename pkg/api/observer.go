package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be
// done asynchronously so as not to delay workflow execution.
type Observer interface {
	// OnWorkflowStart is called once when an instance's seed event is
	// appended.
	OnWorkflowStart(ctx context.Context, instanceID string, wt WorkflowType)

	// OnWorkflowCompleted is called when an instance reaches
	// StatusCompleted.
	OnWorkflowCompleted(ctx context.Context, instanceID string, wt WorkflowType)

	// OnWorkflowFailed is called when an instance reaches StatusFailed
	// (including cancellation).
	OnWorkflowFailed(ctx context.Context, instanceID string, wt WorkflowType, err error)

	// OnActivityStart is called before the executor invokes an activity.
	OnActivityStart(ctx context.Context, instanceID string, name string, callID int)

	// OnActivityCompleted is called after the executor returns, for both
	// successes and final failures (err != nil).
	OnActivityCompleted(ctx context.Context, instanceID string, name string, callID int, err error, duration time.Duration)

	// OnTimerFired is called when a wait deadline expires.
	OnTimerFired(ctx context.Context, instanceID string, callID int)

	// OnSignalReceived is called when a signal is consumed by a wait
	// point (not when it is merely buffered).
	OnSignalReceived(ctx context.Context, instanceID string, name string)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnWorkflowStart(context.Context, string, WorkflowType)            {}
func (NoopObserver) OnWorkflowCompleted(context.Context, string, WorkflowType)        {}
func (NoopObserver) OnWorkflowFailed(context.Context, string, WorkflowType, error)    {}
func (NoopObserver) OnActivityStart(context.Context, string, string, int)             {}
func (NoopObserver) OnActivityCompleted(context.Context, string, string, int, error, time.Duration) {
}
func (NoopObserver) OnTimerFired(context.Context, string, int)     {}
func (NoopObserver) OnSignalReceived(context.Context, string, string) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnWorkflowStart(ctx context.Context, id string, wt WorkflowType) {
	for _, o := range c.observers {
		o.OnWorkflowStart(ctx, id, wt)
	}
}

func (c *CompositeObserver) OnWorkflowCompleted(ctx context.Context, id string, wt WorkflowType) {
	for _, o := range c.observers {
		o.OnWorkflowCompleted(ctx, id, wt)
	}
}

func (c *CompositeObserver) OnWorkflowFailed(ctx context.Context, id string, wt WorkflowType, err error) {
	for _, o := range c.observers {
		o.OnWorkflowFailed(ctx, id, wt, err)
	}
}

func (c *CompositeObserver) OnActivityStart(ctx context.Context, id string, name string, callID int) {
	for _, o := range c.observers {
		o.OnActivityStart(ctx, id, name, callID)
	}
}

func (c *CompositeObserver) OnActivityCompleted(ctx context.Context, id string, name string, callID int, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnActivityCompleted(ctx, id, name, callID, err, d)
	}
}

func (c *CompositeObserver) OnTimerFired(ctx context.Context, id string, callID int) {
	for _, o := range c.observers {
		o.OnTimerFired(ctx, id, callID)
	}
}

func (c *CompositeObserver) OnSignalReceived(ctx context.Context, id string, name string) {
	for _, o := range c.observers {
		o.OnSignalReceived(ctx, id, name)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs workflow and
// activity lifecycle events using the provided slog.Logger. If logger
// is nil, slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnWorkflowStart(ctx context.Context, id string, wt WorkflowType) {
	o.Logger.InfoContext(ctx, "workflow_start",
		slog.String("workflow_type", string(wt)),
		slog.String("instance_id", id),
	)
}

func (o *LoggingObserver) OnWorkflowCompleted(ctx context.Context, id string, wt WorkflowType) {
	o.Logger.InfoContext(ctx, "workflow_completed",
		slog.String("workflow_type", string(wt)),
		slog.String("instance_id", id),
	)
}

func (o *LoggingObserver) OnWorkflowFailed(ctx context.Context, id string, wt WorkflowType, err error) {
	o.Logger.ErrorContext(ctx, "workflow_failed",
		slog.String("workflow_type", string(wt)),
		slog.String("instance_id", id),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnActivityStart(ctx context.Context, id string, name string, callID int) {
	o.Logger.DebugContext(ctx, "activity_start",
		slog.String("instance_id", id),
		slog.String("activity", name),
		slog.Int("call_id", callID),
	)
}

func (o *LoggingObserver) OnActivityCompleted(ctx context.Context, id string, name string, callID int, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "activity_completed",
		slog.String("instance_id", id),
		slog.String("activity", name),
		slog.Int("call_id", callID),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnTimerFired(ctx context.Context, id string, callID int) {
	o.Logger.InfoContext(ctx, "timer_fired",
		slog.String("instance_id", id),
		slog.Int("call_id", callID),
	)
}

func (o *LoggingObserver) OnSignalReceived(ctx context.Context, id string, name string) {
	o.Logger.InfoContext(ctx, "signal_received",
		slog.String("instance_id", id),
		slog.String("signal", name),
	)
}

// BasicMetrics collects simple counters and aggregate activity
// durations. It implements Observer, and can be combined with
// LoggingObserver via NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	workflowsStarted      atomic.Int64
	workflowsCompleted    atomic.Int64
	workflowsFailed       atomic.Int64
	activitiesCompleted   atomic.Int64
	timersFired           atomic.Int64
	signalsReceived       atomic.Int64
	totalActivityDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	WorkflowsStarted    int64
	WorkflowsCompleted  int64
	WorkflowsFailed     int64
	RunningWorkflows    int64
	ActivitiesCompleted int64
	TimersFired         int64
	SignalsReceived     int64
	AvgActivityDuration time.Duration
}

func (m *BasicMetrics) OnWorkflowStart(ctx context.Context, id string, wt WorkflowType) {
	m.workflowsStarted.Add(1)
}

func (m *BasicMetrics) OnWorkflowCompleted(ctx context.Context, id string, wt WorkflowType) {
	m.workflowsCompleted.Add(1)
}

func (m *BasicMetrics) OnWorkflowFailed(ctx context.Context, id string, wt WorkflowType, err error) {
	m.workflowsFailed.Add(1)
}

func (m *BasicMetrics) OnActivityCompleted(ctx context.Context, id string, name string, callID int, err error, d time.Duration) {
	// Only count successful activities for average duration.
	if err == nil {
		m.activitiesCompleted.Add(1)
		m.totalActivityDuration.Add(d.Nanoseconds())
	}
}

func (m *BasicMetrics) OnTimerFired(ctx context.Context, id string, callID int) {
	m.timersFired.Add(1)
}

func (m *BasicMetrics) OnSignalReceived(ctx context.Context, id string, name string) {
	m.signalsReceived.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.workflowsStarted.Load()
	completed := m.workflowsCompleted.Load()
	failed := m.workflowsFailed.Load()
	activities := m.activitiesCompleted.Load()
	totalNs := m.totalActivityDuration.Load()

	var avg time.Duration
	if activities > 0 {
		avg = time.Duration(totalNs / activities)
	}

	return BasicMetricsSnapshot{
		WorkflowsStarted:    started,
		WorkflowsCompleted:  completed,
		WorkflowsFailed:     failed,
		RunningWorkflows:    started - completed - failed,
		ActivitiesCompleted: activities,
		TimersFired:         m.timersFired.Load(),
		SignalsReceived:     m.signalsReceived.Load(),
		AvgActivityDuration: avg,
	}
}
