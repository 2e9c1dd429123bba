package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentichr/hrflow/internal/persistence"
	"github.com/agentichr/hrflow/internal/taskqueue"
	"github.com/agentichr/hrflow/pkg/activity"
	"github.com/agentichr/hrflow/pkg/api"
)

const typeApproval api.WorkflowType = "test_approval"

// fakeClock is a mutable time source shared by the engine and the test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type rig struct {
	engine *Engine
	store  persistence.Persistence
	queue  *taskqueue.InMemoryQueue
	clock  *fakeClock

	notifyCalls *int
}

// approvalWorkflow: notify, wait for a decision with a 7-day timeout,
// then record the outcome.
func approvalWorkflow(wf *api.WorkflowContext) error {
	wf.SetState("notifying")
	if _, err := wf.ExecuteActivity("notify", map[string]string{"to": "manager"}, nil); err != nil {
		return err
	}

	wf.SetState("awaiting_decision")
	out, err := wf.WaitForSignal("decision", 7*24*time.Hour)
	if err != nil {
		return err
	}

	if out.TimedOut {
		wf.SetState("timed_out")
		return wf.SetResult(map[string]string{"status": "rejected", "reason": "timeout"})
	}

	var body struct {
		Approved bool `json:"approved"`
	}
	if err := out.Decode(&body); err != nil {
		return err
	}
	if body.Approved {
		wf.SetState("approved")
		return wf.SetResult(map[string]string{"status": "approved"})
	}
	wf.SetState("rejected")
	return wf.SetResult(map[string]string{"status": "rejected"})
}

func newRig(t *testing.T) *rig {
	t.Helper()

	p := persistence.NewMemoryPersistence()
	q := taskqueue.NewInMemoryQueue(64)
	clock := newFakeClock()

	calls := 0
	x := activity.NewExecutor()
	if err := x.Register("notify", func(ctx context.Context, args json.RawMessage) (any, error) {
		calls++
		return map[string]bool{"sent": true}, nil
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	reg := NewRegistry()
	if err := reg.Register(api.WorkflowDefinition{Type: typeApproval, Fn: approvalWorkflow}); err != nil {
		t.Fatalf("Register workflow failed: %v", err)
	}

	eng := NewEngine(reg, p, q, x, WithClock(clock.Now))
	return &rig{engine: eng, store: p, queue: q, clock: clock, notifyCalls: &calls}
}

func (r *rig) drain(t *testing.T, ctx context.Context) {
	t.Helper()
	for r.queue.Len() > 0 {
		task, err := r.queue.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue failed: %v", err)
		}
		if err := r.engine.RunInstance(ctx, task.InstanceID); err != nil {
			t.Fatalf("RunInstance failed: %v", err)
		}
	}
}

func TestStartWorkflowSeedsAndParks(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	report, err := r.engine.StartWorkflow(ctx, "wf-1", typeApproval, json.RawMessage(`{"request_id":1}`))
	if err != nil {
		t.Fatalf("StartWorkflow failed: %v", err)
	}
	if report.Status != api.StatusRunning {
		t.Fatalf("expected RUNNING, got %s", report.Status)
	}

	r.drain(t, ctx)

	report, err = r.engine.GetStatus(ctx, "wf-1")
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if report.CurrentState != "awaiting_decision" {
		t.Fatalf("expected awaiting_decision, got %q", report.CurrentState)
	}
	if len(report.CompletedTasks) != 1 || report.CompletedTasks[0] != "notify" {
		t.Fatalf("bad completed tasks: %v", report.CompletedTasks)
	}

	// The suspension persisted both wait rows.
	if _, err := r.store.Waits.GetWait(ctx, "wf-1", persistence.WaitTimer); err != nil {
		t.Fatalf("timer wait missing: %v", err)
	}
	if _, err := r.store.Waits.GetWait(ctx, "wf-1", persistence.WaitSignal); err != nil {
		t.Fatalf("signal wait missing: %v", err)
	}
}

func TestStartWorkflowIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	if _, err := r.engine.StartWorkflow(ctx, "wf-1", typeApproval, nil); err != nil {
		t.Fatalf("StartWorkflow failed: %v", err)
	}
	r.drain(t, ctx)

	historyBefore, _ := r.store.History.ReadHistory(ctx, "wf-1")

	report, err := r.engine.StartWorkflow(ctx, "wf-1", typeApproval, nil)
	if err != nil {
		t.Fatalf("duplicate StartWorkflow failed: %v", err)
	}
	if report.Status != api.StatusRunning {
		t.Fatalf("expected RUNNING, got %s", report.Status)
	}

	historyAfter, _ := r.store.History.ReadHistory(ctx, "wf-1")
	if len(historyAfter) != len(historyBefore) {
		t.Fatalf("duplicate start appended events: %d -> %d", len(historyBefore), len(historyAfter))
	}
}

func TestStartWorkflowHealsCrashAfterCreate(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	// A first start crashed after creating the instance record, before
	// the seed append: no history, nothing on the queue.
	if err := r.store.Instances.CreateInstance(ctx, persistence.InstanceRecord{
		ID:           "wf-1",
		WorkflowType: typeApproval,
		CreatedAt:    r.clock.Now(),
	}); err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}

	report, err := r.engine.StartWorkflow(ctx, "wf-1", typeApproval, json.RawMessage(`{"request_id":1}`))
	if err != nil {
		t.Fatalf("retried StartWorkflow failed: %v", err)
	}
	if report.Status != api.StatusRunning {
		t.Fatalf("expected RUNNING, got %s", report.Status)
	}

	history, err := r.store.History.ReadHistory(ctx, "wf-1")
	if err != nil {
		t.Fatalf("ReadHistory failed: %v", err)
	}
	if len(history) != 1 || history[0].Kind != api.EventWorkflowStarted {
		t.Fatalf("retry did not seed the history: %+v", history)
	}
	if r.queue.Len() == 0 {
		t.Fatal("retry did not enqueue a dispatch task")
	}

	r.drain(t, ctx)

	report, err = r.engine.GetStatus(ctx, "wf-1")
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if report.CurrentState != "awaiting_decision" {
		t.Fatalf("healed instance did not progress: %q", report.CurrentState)
	}
}

func TestStartWorkflowHealsCrashAfterSeed(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	// A first start crashed after the seed append, before the enqueue:
	// the instance is seeded but was never dispatched.
	if err := r.store.Instances.CreateInstance(ctx, persistence.InstanceRecord{
		ID:           "wf-1",
		WorkflowType: typeApproval,
		CreatedAt:    r.clock.Now(),
	}); err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	if err := r.store.History.AppendEvent(ctx, "wf-1", 0, api.HistoryEvent{
		Kind:            api.EventWorkflowStarted,
		Timestamp:       r.clock.Now(),
		WorkflowStarted: &api.WorkflowStartedAttrs{WorkflowType: typeApproval},
	}); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	if _, err := r.engine.StartWorkflow(ctx, "wf-1", typeApproval, nil); err != nil {
		t.Fatalf("retried StartWorkflow failed: %v", err)
	}

	history, err := r.store.History.ReadHistory(ctx, "wf-1")
	if err != nil {
		t.Fatalf("ReadHistory failed: %v", err)
	}
	var seeds int
	for _, ev := range history {
		if ev.Kind == api.EventWorkflowStarted {
			seeds++
		}
	}
	if seeds != 1 {
		t.Fatalf("expected exactly 1 seed event, got %d", seeds)
	}
	if r.queue.Len() == 0 {
		t.Fatal("retry did not enqueue a dispatch task")
	}
}

func TestStartWorkflowUnknownType(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	_, err := r.engine.StartWorkflow(ctx, "wf-1", "nope", nil)
	if !errors.Is(err, api.ErrUnknownWorkflowType) {
		t.Fatalf("expected ErrUnknownWorkflowType, got %v", err)
	}
}

func TestActivityRunsAtMostOnce(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	if _, err := r.engine.StartWorkflow(ctx, "wf-1", typeApproval, nil); err != nil {
		t.Fatalf("StartWorkflow failed: %v", err)
	}
	r.drain(t, ctx)

	// Redundant re-drives must not re-run the recorded activity.
	for i := 0; i < 5; i++ {
		if err := r.engine.RunInstance(ctx, "wf-1"); err != nil {
			t.Fatalf("RunInstance failed: %v", err)
		}
	}
	if *r.notifyCalls != 1 {
		t.Fatalf("expected 1 notify call, got %d", *r.notifyCalls)
	}
}

func TestReplayIsDeterministic(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	if _, err := r.engine.StartWorkflow(ctx, "wf-1", typeApproval, nil); err != nil {
		t.Fatalf("StartWorkflow failed: %v", err)
	}
	r.drain(t, ctx)

	before, _ := r.store.History.ReadHistory(ctx, "wf-1")
	for i := 0; i < 3; i++ {
		if err := r.engine.RunInstance(ctx, "wf-1"); err != nil {
			t.Fatalf("RunInstance failed: %v", err)
		}
	}
	after, _ := r.store.History.ReadHistory(ctx, "wf-1")

	if len(before) != len(after) {
		t.Fatalf("quiescent re-drive changed history: %d -> %d events", len(before), len(after))
	}
	for i := range before {
		if before[i].Kind != after[i].Kind || before[i].Sequence != after[i].Sequence {
			t.Fatalf("event %d changed: %v -> %v", i, before[i].Kind, after[i].Kind)
		}
	}
}

func TestSignalResolvesWait(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	if _, err := r.engine.StartWorkflow(ctx, "wf-1", typeApproval, nil); err != nil {
		t.Fatalf("StartWorkflow failed: %v", err)
	}
	r.drain(t, ctx)

	if err := r.engine.SendSignal(ctx, "wf-1", "decision", json.RawMessage(`{"approved":true}`)); err != nil {
		t.Fatalf("SendSignal failed: %v", err)
	}
	r.drain(t, ctx)

	report, err := r.engine.GetStatus(ctx, "wf-1")
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if report.Status != api.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", report.Status)
	}
	if string(report.Result) != `{"status":"approved"}` {
		t.Fatalf("bad result: %s", report.Result)
	}

	// Waits are cleared on resolution.
	if _, err := r.store.Waits.GetWait(ctx, "wf-1", persistence.WaitTimer); !errors.Is(err, persistence.ErrWaitNotFound) {
		t.Fatalf("timer wait not cleared: %v", err)
	}
}

func TestSignalBeforeWaitIsBuffered(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	if _, err := r.engine.StartWorkflow(ctx, "wf-1", typeApproval, nil); err != nil {
		t.Fatalf("StartWorkflow failed: %v", err)
	}

	// Signal lands before the instance has ever been driven to its
	// wait point.
	if err := r.engine.SendSignal(ctx, "wf-1", "decision", json.RawMessage(`{"approved":false}`)); err != nil {
		t.Fatalf("SendSignal failed: %v", err)
	}
	r.drain(t, ctx)

	report, err := r.engine.GetStatus(ctx, "wf-1")
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if report.Status != api.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", report.Status)
	}
	if string(report.Result) != `{"status":"rejected"}` {
		t.Fatalf("bad result: %s", report.Result)
	}
}

func TestDuplicateSignalIsRejected(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	if _, err := r.engine.StartWorkflow(ctx, "wf-1", typeApproval, nil); err != nil {
		t.Fatalf("StartWorkflow failed: %v", err)
	}

	if err := r.engine.SendSignal(ctx, "wf-1", "decision", json.RawMessage(`{"approved":true}`)); err != nil {
		t.Fatalf("first SendSignal failed: %v", err)
	}
	err := r.engine.SendSignal(ctx, "wf-1", "decision", json.RawMessage(`{"approved":false}`))
	if !errors.Is(err, api.ErrDuplicateSignal) {
		t.Fatalf("expected ErrDuplicateSignal, got %v", err)
	}
}

func TestSignalToFinishedInstance(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	if _, err := r.engine.StartWorkflow(ctx, "wf-1", typeApproval, nil); err != nil {
		t.Fatalf("StartWorkflow failed: %v", err)
	}
	if err := r.engine.SendSignal(ctx, "wf-1", "decision", json.RawMessage(`{"approved":true}`)); err != nil {
		t.Fatalf("SendSignal failed: %v", err)
	}
	r.drain(t, ctx)

	err := r.engine.SendSignal(ctx, "wf-1", "decision", json.RawMessage(`{"approved":true}`))
	if !errors.Is(err, api.ErrInstanceFinished) {
		t.Fatalf("expected ErrInstanceFinished, got %v", err)
	}
	if err := r.engine.SendSignal(ctx, "missing", "decision", nil); !errors.Is(err, api.ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}
}

func TestTimerFiresAfterDeadline(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	if _, err := r.engine.StartWorkflow(ctx, "wf-1", typeApproval, nil); err != nil {
		t.Fatalf("StartWorkflow failed: %v", err)
	}
	r.drain(t, ctx)

	r.clock.Advance(7*24*time.Hour + time.Minute)

	due, err := r.store.Waits.ListDueTimers(ctx, r.clock.Now())
	if err != nil {
		t.Fatalf("ListDueTimers failed: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected 1 due timer, got %d", len(due))
	}
	if err := r.engine.FireTimer(ctx, due[0]); err != nil {
		t.Fatalf("FireTimer failed: %v", err)
	}
	r.drain(t, ctx)

	report, err := r.engine.GetStatus(ctx, "wf-1")
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if report.Status != api.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", report.Status)
	}
	if string(report.Result) != `{"reason":"timeout","status":"rejected"}` {
		t.Fatalf("bad result: %s", report.Result)
	}

	// Exactly one TimerFired in history.
	history, _ := r.store.History.ReadHistory(ctx, "wf-1")
	fired := 0
	for _, ev := range history {
		if ev.Kind == api.EventTimerFired {
			fired++
		}
	}
	if fired != 1 {
		t.Fatalf("expected exactly 1 timer.fired, got %d", fired)
	}
}

func TestFireTimerAfterResolutionIsNoop(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	if _, err := r.engine.StartWorkflow(ctx, "wf-1", typeApproval, nil); err != nil {
		t.Fatalf("StartWorkflow failed: %v", err)
	}
	r.drain(t, ctx)

	stale, err := r.store.Waits.GetWait(ctx, "wf-1", persistence.WaitTimer)
	if err != nil {
		t.Fatalf("GetWait failed: %v", err)
	}

	// Signal wins the race and resolves the wait.
	if err := r.engine.SendSignal(ctx, "wf-1", "decision", json.RawMessage(`{"approved":true}`)); err != nil {
		t.Fatalf("SendSignal failed: %v", err)
	}
	r.drain(t, ctx)

	// A fire from a stale scan must change nothing.
	historyBefore, _ := r.store.History.ReadHistory(ctx, "wf-1")
	if err := r.engine.FireTimer(ctx, stale); err != nil {
		t.Fatalf("stale FireTimer failed: %v", err)
	}
	historyAfter, _ := r.store.History.ReadHistory(ctx, "wf-1")
	if len(historyAfter) != len(historyBefore) {
		t.Fatalf("stale fire appended events: %d -> %d", len(historyBefore), len(historyAfter))
	}
}

func TestCancelRunningInstance(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	if _, err := r.engine.StartWorkflow(ctx, "wf-1", typeApproval, nil); err != nil {
		t.Fatalf("StartWorkflow failed: %v", err)
	}
	r.drain(t, ctx)

	if err := r.engine.Cancel(ctx, "wf-1", "request withdrawn"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	report, err := r.engine.GetStatus(ctx, "wf-1")
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if report.Status != api.StatusFailed {
		t.Fatalf("expected FAILED, got %s", report.Status)
	}
	if report.Error != "request withdrawn" {
		t.Fatalf("bad error: %q", report.Error)
	}

	if _, err := r.store.Waits.GetWait(ctx, "wf-1", persistence.WaitTimer); !errors.Is(err, persistence.ErrWaitNotFound) {
		t.Fatalf("cancel must clear waits, got %v", err)
	}

	if err := r.engine.Cancel(ctx, "wf-1", "again"); !errors.Is(err, api.ErrInstanceFinished) {
		t.Fatalf("expected ErrInstanceFinished, got %v", err)
	}
}

func TestUnhandledActivityFailureFailsWorkflow(t *testing.T) {
	ctx := context.Background()

	p := persistence.NewMemoryPersistence()
	q := taskqueue.NewInMemoryQueue(64)

	x := activity.NewExecutor()
	if err := x.Register("doomed", func(ctx context.Context, args json.RawMessage) (any, error) {
		return nil, activity.Terminal("http_400", "bad request")
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	reg := NewRegistry()
	if err := reg.Register(api.WorkflowDefinition{
		Type: "doomed_flow",
		Fn: func(wf *api.WorkflowContext) error {
			_, err := wf.ExecuteActivity("doomed", nil, nil)
			return err
		},
	}); err != nil {
		t.Fatalf("Register workflow failed: %v", err)
	}

	eng := NewEngine(reg, p, q, x)
	if _, err := eng.StartWorkflow(ctx, "wf-1", "doomed_flow", nil); err != nil {
		t.Fatalf("StartWorkflow failed: %v", err)
	}
	if err := eng.RunInstance(ctx, "wf-1"); err != nil {
		t.Fatalf("RunInstance failed: %v", err)
	}

	report, err := eng.GetStatus(ctx, "wf-1")
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if report.Status != api.StatusFailed {
		t.Fatalf("expected FAILED, got %s", report.Status)
	}

	// History must hold both the final activity failure and the
	// workflow failure; the error is never swallowed.
	history, _ := p.History.ReadHistory(ctx, "wf-1")
	var sawActivityFailed, sawWorkflowFailed bool
	for _, ev := range history {
		switch ev.Kind {
		case api.EventActivityFailed:
			sawActivityFailed = true
		case api.EventWorkflowFailed:
			sawWorkflowFailed = true
		}
	}
	if !sawActivityFailed || !sawWorkflowFailed {
		t.Fatalf("missing failure events: activity=%v workflow=%v", sawActivityFailed, sawWorkflowFailed)
	}
}

func TestConcurrentAppendsConflict(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	if _, err := r.engine.StartWorkflow(ctx, "wf-1", typeApproval, nil); err != nil {
		t.Fatalf("StartWorkflow failed: %v", err)
	}

	head, err := r.store.History.Head(ctx, "wf-1")
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}

	ev := api.HistoryEvent{
		Kind:           api.EventWorkflowFailed,
		WorkflowFailed: &api.WorkflowFailedAttrs{Kind: api.FailureKindError, Reason: "a"},
	}
	if err := r.store.History.AppendEvent(ctx, "wf-1", head, ev); err != nil {
		t.Fatalf("first append failed: %v", err)
	}
	if err := r.store.History.AppendEvent(ctx, "wf-1", head, ev); !errors.Is(err, api.ErrConcurrencyConflict) {
		t.Fatalf("expected ErrConcurrencyConflict, got %v", err)
	}
}

func TestGetStatusUnknownInstance(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	if _, err := r.engine.GetStatus(ctx, "nope"); !errors.Is(err, api.ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}
}
