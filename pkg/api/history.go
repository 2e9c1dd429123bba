package api

import (
	"encoding/json"
	"time"
)

// EventKind identifies a history event.
type EventKind string

const (
	EventWorkflowStarted   EventKind = "workflow.started"
	EventActivityScheduled EventKind = "activity.scheduled"
	EventActivityCompleted EventKind = "activity.completed"
	EventActivityFailed    EventKind = "activity.failed"
	EventTimerStarted      EventKind = "timer.started"
	EventTimerFired        EventKind = "timer.fired"
	EventSignalReceived    EventKind = "signal.received"
	EventWorkflowCompleted EventKind = "workflow.completed"
	EventWorkflowFailed    EventKind = "workflow.failed"
)

// HistoryEvent is one record in an instance's append-only history.
//
// Sequence is strictly increasing per instance with no gaps; replaying
// events 1..N in order must always reconstruct the same derived state.
// Timestamp is informational only and never feeds a replay decision —
// any time a workflow is allowed to observe travels inside the
// kind-specific attributes (for example TimerFiredAttrs.FiredAt).
//
// Exactly one attribute pointer is set, matching Kind.
type HistoryEvent struct {
	InstanceID string    `json:"instance_id"`
	Sequence   int64     `json:"sequence"`
	Kind       EventKind `json:"kind"`
	Timestamp  time.Time `json:"timestamp"`

	WorkflowStarted   *WorkflowStartedAttrs   `json:"workflow_started,omitempty"`
	ActivityScheduled *ActivityScheduledAttrs `json:"activity_scheduled,omitempty"`
	ActivityCompleted *ActivityCompletedAttrs `json:"activity_completed,omitempty"`
	ActivityFailed    *ActivityFailedAttrs    `json:"activity_failed,omitempty"`
	TimerStarted      *TimerStartedAttrs      `json:"timer_started,omitempty"`
	TimerFired        *TimerFiredAttrs        `json:"timer_fired,omitempty"`
	SignalReceived    *SignalReceivedAttrs    `json:"signal_received,omitempty"`
	WorkflowCompleted *WorkflowCompletedAttrs `json:"workflow_completed,omitempty"`
	WorkflowFailed    *WorkflowFailedAttrs    `json:"workflow_failed,omitempty"`
}

// WorkflowStartedAttrs is the seed event payload, appended exactly once
// at sequence 1 when the instance is created.
type WorkflowStartedAttrs struct {
	WorkflowType WorkflowType    `json:"workflow_type"`
	Input        json.RawMessage `json:"input,omitempty"`
}

// ActivityScheduledAttrs records that the engine committed to executing
// an activity for the given call-site. At most one is appended per
// call-site per instance.
type ActivityScheduledAttrs struct {
	CallID int             `json:"call_id"`
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"args,omitempty"`
}

type ActivityCompletedAttrs struct {
	CallID int             `json:"call_id"`
	Result json.RawMessage `json:"result,omitempty"`
}

// ActivityFailedAttrs records a final activity failure, after the retry
// policy was exhausted or a non-retryable error kind was hit.
type ActivityFailedAttrs struct {
	CallID  int    `json:"call_id"`
	Kind    string `json:"error_kind"`
	Message string `json:"message"`
}

// TimerStartedAttrs records the deadline guarding a signal wait.
// SignalName ties the timer to the wait point it guards.
type TimerStartedAttrs struct {
	CallID     int       `json:"call_id"`
	SignalName string    `json:"signal_name"`
	Deadline   time.Time `json:"deadline"`
}

// TimerFiredAttrs carries the firing time so workflow code can observe
// it deterministically on replay.
type TimerFiredAttrs struct {
	CallID  int       `json:"call_id"`
	FiredAt time.Time `json:"fired_at"`
}

type SignalReceivedAttrs struct {
	CallID     int             `json:"call_id"`
	Name       string          `json:"name"`
	Body       json.RawMessage `json:"body,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

type WorkflowCompletedAttrs struct {
	Result json.RawMessage `json:"result,omitempty"`
}

// FailureKind classifies a WorkflowFailed event.
const (
	FailureKindError     = "error"
	FailureKindCancelled = "cancelled"
	FailureKindTimeout   = "timeout"
)

type WorkflowFailedAttrs struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// Terminal reports whether the event ends the instance's lifecycle.
func (e *HistoryEvent) Terminal() bool {
	return e.Kind == EventWorkflowCompleted || e.Kind == EventWorkflowFailed
}
