package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentichr/hrflow/internal/persistence"
	"github.com/agentichr/hrflow/internal/taskqueue"
	"github.com/agentichr/hrflow/pkg/api"
)

// ActivityRunner executes one activity with its retry policy applied.
// A non-nil *api.ActivityError is a permanent failure; transient errors
// never escape the runner.
type ActivityRunner interface {
	Run(ctx context.Context, name string, args json.RawMessage, policy *api.RetryPolicy) (json.RawMessage, *api.ActivityError)
}

// Engine drives workflow instances by deterministic replay. It owns no
// state of its own: every decision is re-derived from history, so any
// engine process can pick up any instance.
type Engine struct {
	registry *Registry
	store    persistence.Persistence
	queue    taskqueue.Queue
	runner   ActivityRunner
	observer api.Observer
	clock    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithObserver sets the engine's observer.
func WithObserver(o api.Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithClock overrides the engine's time source. Tests use it to
// simulate multi-day timeouts.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// NewEngine creates an Engine over the given stores, dispatch queue and
// activity runner.
func NewEngine(registry *Registry, store persistence.Persistence, queue taskqueue.Queue, runner ActivityRunner, opts ...Option) *Engine {
	e := &Engine{
		registry: registry,
		store:    store,
		queue:    queue,
		runner:   runner,
		observer: api.NoopObserver{},
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StartWorkflow registers and seeds a new instance, then enqueues it
// for execution. It is idempotent per instance ID: a repeated start
// appends nothing new, but it still walks every step, so a retry heals
// a first start that crashed between creating the record, appending the
// seed and enqueueing the dispatch task. An empty instanceID gets a
// generated one.
func (e *Engine) StartWorkflow(ctx context.Context, instanceID string, wt api.WorkflowType, input json.RawMessage) (api.StatusReport, error) {
	if _, err := e.registry.Get(wt); err != nil {
		return api.StatusReport{}, err
	}
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	err := e.store.Instances.CreateInstance(ctx, persistence.InstanceRecord{
		ID:           instanceID,
		WorkflowType: wt,
		CreatedAt:    e.clock(),
	})
	if err != nil && !errors.Is(err, persistence.ErrInstanceExists) {
		return api.StatusReport{}, fmt.Errorf("create instance: %w", err)
	}

	seed := api.HistoryEvent{
		Kind:      api.EventWorkflowStarted,
		Timestamp: e.clock(),
		WorkflowStarted: &api.WorkflowStartedAttrs{
			WorkflowType: wt,
			Input:        input,
		},
	}
	switch appendErr := e.store.History.AppendEvent(ctx, instanceID, 0, seed); {
	case appendErr == nil:
		e.observer.OnWorkflowStart(ctx, instanceID, wt)
	case errors.Is(appendErr, api.ErrConcurrencyConflict):
		// Already seeded, by this attempt's predecessor or a concurrent
		// duplicate; the history is what we wanted either way.
	default:
		return api.StatusReport{}, fmt.Errorf("append seed event: %w", appendErr)
	}

	// Enqueue unconditionally, existing instance or not: a start that
	// crashed after seeding left nothing on the queue, and a redundant
	// task is only an idempotent extra drive pass.
	if err := e.queue.Enqueue(ctx, taskqueue.Task{
		InstanceID: instanceID,
		Reason:     taskqueue.ReasonStart,
		EnqueuedAt: e.clock(),
	}); err != nil {
		return api.StatusReport{}, fmt.Errorf("enqueue start task: %w", err)
	}

	return e.GetStatus(ctx, instanceID)
}

// SendSignal buffers a signal for the instance and enqueues it. The
// signal is consumed when replay reaches (or has already reached) the
// matching wait point; a signal nothing ever waits for stays buffered
// until the instance finishes.
func (e *Engine) SendSignal(ctx context.Context, instanceID, name string, body json.RawMessage) error {
	if _, err := e.store.Instances.GetInstance(ctx, instanceID); err != nil {
		return err
	}

	history, err := e.store.History.ReadHistory(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}
	st, err := foldHistory(history)
	if err != nil {
		return err
	}
	if st.terminal != nil {
		return api.ErrInstanceFinished
	}

	if err := e.store.Signals.BufferSignal(ctx, persistence.BufferedSignal{
		InstanceID: instanceID,
		Name:       name,
		Body:       body,
		ReceivedAt: e.clock(),
	}); err != nil {
		return err
	}

	return e.queue.Enqueue(ctx, taskqueue.Task{
		InstanceID: instanceID,
		Reason:     taskqueue.ReasonSignal,
		EnqueuedAt: e.clock(),
	})
}

// Cancel terminates a running instance with a synthetic failure event
// and clears its pending waits. Cancelling a finished instance returns
// api.ErrInstanceFinished.
func (e *Engine) Cancel(ctx context.Context, instanceID, reason string) error {
	if _, err := e.store.Instances.GetInstance(ctx, instanceID); err != nil {
		return err
	}

	for {
		history, err := e.store.History.ReadHistory(ctx, instanceID)
		if err != nil {
			return fmt.Errorf("read history: %w", err)
		}
		st, err := foldHistory(history)
		if err != nil {
			return err
		}
		if st.terminal != nil {
			return api.ErrInstanceFinished
		}

		ev := api.HistoryEvent{
			Kind:      api.EventWorkflowFailed,
			Timestamp: e.clock(),
			WorkflowFailed: &api.WorkflowFailedAttrs{
				Kind:   api.FailureKindCancelled,
				Reason: reason,
			},
		}
		err = e.store.History.AppendEvent(ctx, instanceID, st.head, ev)
		if errors.Is(err, api.ErrConcurrencyConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("append cancellation: %w", err)
		}

		if err := e.store.Waits.DeleteWaits(ctx, instanceID); err != nil {
			return fmt.Errorf("clear waits: %w", err)
		}
		e.observer.OnWorkflowFailed(ctx, instanceID, st.workflowType, fmt.Errorf("cancelled: %s", reason))
		return nil
	}
}

// GetStatus reports on an instance by pure replay: it reads history,
// folds it, and re-runs the workflow function to recover the current
// state label. It never mutates anything.
func (e *Engine) GetStatus(ctx context.Context, instanceID string) (api.StatusReport, error) {
	if _, err := e.store.Instances.GetInstance(ctx, instanceID); err != nil {
		return api.StatusReport{}, err
	}

	history, err := e.store.History.ReadHistory(ctx, instanceID)
	if err != nil {
		return api.StatusReport{}, fmt.Errorf("read history: %w", err)
	}
	st, err := foldHistory(history)
	if err != nil {
		return api.StatusReport{}, err
	}

	report := api.StatusReport{
		InstanceID:     instanceID,
		WorkflowType:   st.workflowType,
		Status:         st.status(),
		CompletedTasks: st.completedTasks,
		StartedAt:      st.startedAt,
	}

	if fn, err := e.registry.Get(st.workflowType); err == nil {
		wfCtx := st.newContext(instanceID)
		// Replay for the state label only; suspensions and failures are
		// already reflected in the report fields below.
		_ = runWorkflow(fn, wfCtx)
		report.CurrentState = wfCtx.State()
	}

	if st.terminal != nil {
		switch st.terminal.Kind {
		case api.EventWorkflowCompleted:
			if st.terminal.WorkflowCompleted != nil {
				report.Result = st.terminal.WorkflowCompleted.Result
			}
		case api.EventWorkflowFailed:
			if st.terminal.WorkflowFailed != nil {
				report.Error = st.terminal.WorkflowFailed.Reason
			}
		}
	}

	return report, nil
}

// RunInstance drives one instance until it is quiescent: terminal,
// parked on a signal wait, or out of recorded progress to make. Workers
// call it under a lease; it is safe to call redundantly.
func (e *Engine) RunInstance(ctx context.Context, instanceID string) error {
	for {
		history, err := e.store.History.ReadHistory(ctx, instanceID)
		if err != nil {
			return fmt.Errorf("read history: %w", err)
		}
		st, err := foldHistory(history)
		if err != nil {
			return err
		}
		if st.head == 0 {
			// Not seeded yet; a stale task raced StartWorkflow.
			return nil
		}
		if st.terminal != nil {
			_ = e.store.Waits.DeleteWaits(ctx, instanceID)
			return nil
		}

		fn, err := e.registry.Get(st.workflowType)
		if err != nil {
			return e.failInstance(ctx, instanceID, st, api.FailureKindError, err.Error())
		}

		wfCtx := st.newContext(instanceID)
		wfErr := runWorkflow(fn, wfCtx)

		if wfErr == nil {
			ev := api.HistoryEvent{
				Kind:              api.EventWorkflowCompleted,
				Timestamp:         e.clock(),
				WorkflowCompleted: &api.WorkflowCompletedAttrs{Result: wfCtx.Result()},
			}
			err := e.store.History.AppendEvent(ctx, instanceID, st.head, ev)
			if errors.Is(err, api.ErrConcurrencyConflict) {
				continue
			}
			if err != nil {
				return fmt.Errorf("append completion: %w", err)
			}
			_ = e.store.Waits.DeleteWaits(ctx, instanceID)
			e.observer.OnWorkflowCompleted(ctx, instanceID, st.workflowType)
			return nil
		}

		sched, wait, suspended := api.AsSuspension(wfErr)
		if !suspended {
			return e.failInstance(ctx, instanceID, st, api.FailureKindError, wfErr.Error())
		}

		if sched != nil {
			if err := e.executeActivity(ctx, instanceID, st, sched); err != nil {
				return err
			}
			continue
		}

		done, err := e.parkOnSignal(ctx, instanceID, st, wait)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// executeActivity records the scheduling decision, runs the activity
// through the runner, and records its outcome. A crash between the
// scheduled event and the outcome re-runs the activity for the same
// call-site on recovery (at-least-once execution, at-most-once result).
func (e *Engine) executeActivity(ctx context.Context, instanceID string, st *replayState, sched *api.ScheduleActivity) error {
	attrs := st.scheduled[sched.CallID]
	if attrs == nil {
		ev := api.HistoryEvent{
			Kind:      api.EventActivityScheduled,
			Timestamp: e.clock(),
			ActivityScheduled: &api.ActivityScheduledAttrs{
				CallID: sched.CallID,
				Name:   sched.Name,
				Args:   sched.Args,
			},
		}
		err := e.store.History.AppendEvent(ctx, instanceID, st.head, ev)
		if errors.Is(err, api.ErrConcurrencyConflict) {
			// Another append won; the outer loop re-reads and retries.
			return nil
		}
		if err != nil {
			return fmt.Errorf("append activity scheduled: %w", err)
		}
		st.head++
		attrs = ev.ActivityScheduled
	}

	e.observer.OnActivityStart(ctx, instanceID, attrs.Name, attrs.CallID)
	start := e.clock()
	result, aerr := e.runner.Run(ctx, attrs.Name, attrs.Args, sched.Retry)
	duration := e.clock().Sub(start)

	var outcome api.HistoryEvent
	if aerr != nil {
		e.observer.OnActivityCompleted(ctx, instanceID, attrs.Name, attrs.CallID, aerr, duration)
		outcome = api.HistoryEvent{
			Kind:      api.EventActivityFailed,
			Timestamp: e.clock(),
			ActivityFailed: &api.ActivityFailedAttrs{
				CallID:  attrs.CallID,
				Kind:    aerr.Kind,
				Message: aerr.Message,
			},
		}
	} else {
		e.observer.OnActivityCompleted(ctx, instanceID, attrs.Name, attrs.CallID, nil, duration)
		outcome = api.HistoryEvent{
			Kind:      api.EventActivityCompleted,
			Timestamp: e.clock(),
			ActivityCompleted: &api.ActivityCompletedAttrs{
				CallID: attrs.CallID,
				Result: result,
			},
		}
	}

	return e.appendOutcome(ctx, instanceID, outcome)
}

// appendOutcome appends an activity outcome at the current head,
// re-reading on conflict. If the instance turned terminal in the
// meantime (cancellation racing a slow activity), the outcome is
// discarded: the side effect happened, but the log is closed.
func (e *Engine) appendOutcome(ctx context.Context, instanceID string, ev api.HistoryEvent) error {
	for {
		history, err := e.store.History.ReadHistory(ctx, instanceID)
		if err != nil {
			return fmt.Errorf("read history: %w", err)
		}
		st, err := foldHistory(history)
		if err != nil {
			return err
		}
		if st.terminal != nil {
			return nil
		}

		err = e.store.History.AppendEvent(ctx, instanceID, st.head, ev)
		if errors.Is(err, api.ErrConcurrencyConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("append activity outcome: %w", err)
		}
		return nil
	}
}

// parkOnSignal resolves a signal wait from the buffer if possible, and
// otherwise persists the wait durably and reports the instance
// quiescent (done=true).
func (e *Engine) parkOnSignal(ctx context.Context, instanceID string, st *replayState, wait *api.SignalWait) (done bool, err error) {
	sig, err := e.store.Signals.PeekSignal(ctx, instanceID, wait.Name)
	if err == nil {
		ev := api.HistoryEvent{
			Kind:      api.EventSignalReceived,
			Timestamp: e.clock(),
			SignalReceived: &api.SignalReceivedAttrs{
				CallID:     wait.CallID,
				Name:       sig.Name,
				Body:       sig.Body,
				ReceivedAt: sig.ReceivedAt,
			},
		}
		appendErr := e.store.History.AppendEvent(ctx, instanceID, st.head, ev)
		if errors.Is(appendErr, api.ErrConcurrencyConflict) {
			return false, nil
		}
		if appendErr != nil {
			return false, fmt.Errorf("append signal received: %w", appendErr)
		}
		// History now holds the signal; the buffer row and wait rows
		// are cleanup. A crash between these steps re-deletes them
		// harmlessly on the next pass.
		if err := e.store.Signals.DeleteSignal(ctx, instanceID, sig.Name); err != nil {
			return false, fmt.Errorf("delete buffered signal: %w", err)
		}
		if err := e.store.Waits.DeleteWaits(ctx, instanceID); err != nil {
			return false, fmt.Errorf("clear waits: %w", err)
		}
		e.observer.OnSignalReceived(ctx, instanceID, sig.Name)
		return false, nil
	}
	if !errors.Is(err, persistence.ErrNoBufferedSignal) {
		return false, fmt.Errorf("peek signal: %w", err)
	}

	var deadline time.Time
	if st.pendingTimer != nil && st.pendingTimer.CallID == wait.CallID {
		// The timer was already recorded; reuse its deadline so replay
		// never moves it.
		deadline = st.pendingTimer.Deadline
	} else {
		deadline = e.clock().Add(wait.Timeout)
		ev := api.HistoryEvent{
			Kind:      api.EventTimerStarted,
			Timestamp: e.clock(),
			TimerStarted: &api.TimerStartedAttrs{
				CallID:     wait.CallID,
				SignalName: wait.Name,
				Deadline:   deadline,
			},
		}
		appendErr := e.store.History.AppendEvent(ctx, instanceID, st.head, ev)
		if errors.Is(appendErr, api.ErrConcurrencyConflict) {
			return false, nil
		}
		if appendErr != nil {
			return false, fmt.Errorf("append timer started: %w", appendErr)
		}
	}

	// The wait rows are rebuilt idempotently from history on every pass,
	// so a crash between the timer event and these puts loses nothing.
	timerRow := persistence.PendingWait{
		InstanceID: instanceID,
		Kind:       persistence.WaitTimer,
		CallID:     wait.CallID,
		SignalName: wait.Name,
		Deadline:   deadline,
	}
	if err := e.store.Waits.PutWait(ctx, timerRow); err != nil {
		return false, fmt.Errorf("put timer wait: %w", err)
	}
	signalRow := timerRow
	signalRow.Kind = persistence.WaitSignal
	signalRow.Deadline = time.Time{}
	if err := e.store.Waits.PutWait(ctx, signalRow); err != nil {
		return false, fmt.Errorf("put signal wait: %w", err)
	}
	return true, nil
}

// FireTimer resolves a due timer: it appends TimerFired, clears the
// wait rows and re-enqueues the instance. A fire that lost a race with
// a signal, a cancellation or an earlier fire is a no-op.
func (e *Engine) FireTimer(ctx context.Context, w persistence.PendingWait) error {
	current, err := e.store.Waits.GetWait(ctx, w.InstanceID, persistence.WaitTimer)
	if errors.Is(err, persistence.ErrWaitNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get wait: %w", err)
	}
	if current.CallID != w.CallID {
		return nil
	}

	history, err := e.store.History.ReadHistory(ctx, w.InstanceID)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}
	st, err := foldHistory(history)
	if err != nil {
		return err
	}
	if st.terminal != nil {
		return e.store.Waits.DeleteWaits(ctx, w.InstanceID)
	}
	if st.pendingTimer == nil || st.pendingTimer.CallID != w.CallID {
		// The wait resolved between the scan and now.
		return nil
	}

	ev := api.HistoryEvent{
		Kind:      api.EventTimerFired,
		Timestamp: e.clock(),
		TimerFired: &api.TimerFiredAttrs{
			CallID:  w.CallID,
			FiredAt: e.clock(),
		},
	}
	err = e.store.History.AppendEvent(ctx, w.InstanceID, st.head, ev)
	if errors.Is(err, api.ErrConcurrencyConflict) {
		// Someone progressed the instance; the next scan re-checks.
		return nil
	}
	if err != nil {
		return fmt.Errorf("append timer fired: %w", err)
	}

	if err := e.store.Waits.DeleteWaits(ctx, w.InstanceID); err != nil {
		return fmt.Errorf("clear waits: %w", err)
	}
	e.observer.OnTimerFired(ctx, w.InstanceID, w.CallID)

	return e.queue.Enqueue(ctx, taskqueue.Task{
		InstanceID: w.InstanceID,
		Reason:     taskqueue.ReasonTimer,
		EnqueuedAt: e.clock(),
	})
}

// failInstance closes the instance with a WorkflowFailed event.
func (e *Engine) failInstance(ctx context.Context, instanceID string, st *replayState, kind, reason string) error {
	ev := api.HistoryEvent{
		Kind:      api.EventWorkflowFailed,
		Timestamp: e.clock(),
		WorkflowFailed: &api.WorkflowFailedAttrs{
			Kind:   kind,
			Reason: reason,
		},
	}
	err := e.store.History.AppendEvent(ctx, instanceID, st.head, ev)
	if errors.Is(err, api.ErrConcurrencyConflict) {
		// Re-driving will converge on whatever won.
		return nil
	}
	if err != nil {
		return fmt.Errorf("append workflow failed: %w", err)
	}
	_ = e.store.Waits.DeleteWaits(ctx, instanceID)
	e.observer.OnWorkflowFailed(ctx, instanceID, st.workflowType, errors.New(reason))
	return nil
}

// runWorkflow invokes the workflow function, converting panics into
// errors so a buggy workflow fails its instance instead of the worker.
func runWorkflow(fn api.WorkflowFunc, wfCtx *api.WorkflowContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workflow panic: %v", r)
		}
	}()
	return fn(wfCtx)
}
