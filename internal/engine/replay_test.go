package engine

import (
	"testing"
	"time"

	"github.com/agentichr/hrflow/pkg/api"
)

func TestFoldHistoryRejectsGaps(t *testing.T) {
	history := []api.HistoryEvent{
		{Sequence: 1, Kind: api.EventWorkflowStarted, WorkflowStarted: &api.WorkflowStartedAttrs{WorkflowType: typeApproval}},
		{Sequence: 3, Kind: api.EventWorkflowCompleted, WorkflowCompleted: &api.WorkflowCompletedAttrs{}},
	}
	if _, err := foldHistory(history); err == nil {
		t.Fatal("expected error for sequence gap")
	}
}

func TestFoldHistoryTracksPendingTimer(t *testing.T) {
	deadline := time.Date(2025, 6, 8, 9, 0, 0, 0, time.UTC)
	history := []api.HistoryEvent{
		{Sequence: 1, Kind: api.EventWorkflowStarted, WorkflowStarted: &api.WorkflowStartedAttrs{WorkflowType: typeApproval}},
		{Sequence: 2, Kind: api.EventTimerStarted, TimerStarted: &api.TimerStartedAttrs{CallID: 0, SignalName: "decision", Deadline: deadline}},
	}

	st, err := foldHistory(history)
	if err != nil {
		t.Fatalf("foldHistory failed: %v", err)
	}
	if st.pendingTimer == nil || !st.pendingTimer.Deadline.Equal(deadline) {
		t.Fatalf("pending timer not tracked: %+v", st.pendingTimer)
	}

	// A fired timer clears the pending marker and records the outcome.
	history = append(history, api.HistoryEvent{
		Sequence:   3,
		Kind:       api.EventTimerFired,
		TimerFired: &api.TimerFiredAttrs{CallID: 0, FiredAt: deadline},
	})
	st, err = foldHistory(history)
	if err != nil {
		t.Fatalf("foldHistory failed: %v", err)
	}
	if st.pendingTimer != nil {
		t.Fatal("pending timer not cleared by fire")
	}
	out, ok := st.signals[0]
	if !ok || !out.TimedOut {
		t.Fatalf("timeout outcome missing: %+v", out)
	}
}

func TestFoldHistoryStatusDerivation(t *testing.T) {
	base := []api.HistoryEvent{
		{Sequence: 1, Kind: api.EventWorkflowStarted, WorkflowStarted: &api.WorkflowStartedAttrs{WorkflowType: typeApproval}},
	}

	st, _ := foldHistory(base)
	if st.status() != api.StatusRunning {
		t.Fatalf("expected RUNNING, got %s", st.status())
	}

	completed := append(base[:1:1], api.HistoryEvent{
		Sequence: 2, Kind: api.EventWorkflowCompleted, WorkflowCompleted: &api.WorkflowCompletedAttrs{},
	})
	st, _ = foldHistory(completed)
	if st.status() != api.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", st.status())
	}

	timedOut := append(base[:1:1], api.HistoryEvent{
		Sequence: 2, Kind: api.EventWorkflowFailed,
		WorkflowFailed: &api.WorkflowFailedAttrs{Kind: api.FailureKindTimeout, Reason: "deadline"},
	})
	st, _ = foldHistory(timedOut)
	if st.status() != api.StatusTimedOut {
		t.Fatalf("expected TIMED_OUT, got %s", st.status())
	}

	cancelled := append(base[:1:1], api.HistoryEvent{
		Sequence: 2, Kind: api.EventWorkflowFailed,
		WorkflowFailed: &api.WorkflowFailedAttrs{Kind: api.FailureKindCancelled, Reason: "withdrawn"},
	})
	st, _ = foldHistory(cancelled)
	if st.status() != api.StatusFailed {
		t.Fatalf("expected FAILED, got %s", st.status())
	}
}

func TestFoldHistoryInterruptedActivity(t *testing.T) {
	history := []api.HistoryEvent{
		{Sequence: 1, Kind: api.EventWorkflowStarted, WorkflowStarted: &api.WorkflowStartedAttrs{WorkflowType: typeApproval}},
		{Sequence: 2, Kind: api.EventActivityScheduled, ActivityScheduled: &api.ActivityScheduledAttrs{CallID: 0, Name: "notify"}},
	}

	st, err := foldHistory(history)
	if err != nil {
		t.Fatalf("foldHistory failed: %v", err)
	}
	// Scheduled without an outcome means the execution was cut short;
	// the recorded args drive the re-run.
	if st.scheduled[0] == nil || st.scheduled[0].Name != "notify" {
		t.Fatalf("interrupted activity not tracked: %+v", st.scheduled)
	}
	if _, ok := st.activities[0]; ok {
		t.Fatal("no outcome should be recorded yet")
	}
}
