package api

import (
	"encoding/json"
	"time"
)

// WorkflowType selects which registered workflow function an instance runs.
type WorkflowType string

const (
	TypeLeaveApproval WorkflowType = "leave_approval"
	TypeOnboarding    WorkflowType = "onboarding"
)

// Status is the lifecycle state of a workflow instance. It is always
// derived from the last terminal history event, never stored directly.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusTimedOut  Status = "TIMED_OUT"
)

// StatusReport is the read-only view returned by GetStatus. It is
// computed by replaying history and never mutates it.
type StatusReport struct {
	InstanceID   string          `json:"instance_id"`
	WorkflowType WorkflowType    `json:"workflow_type"`
	Status       Status          `json:"status"`
	CurrentState string          `json:"current_state,omitempty"`
	// CompletedTasks lists the names of activities that have completed,
	// in history order.
	CompletedTasks []string        `json:"completed_tasks,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
}

// RetryPolicy governs the Activity Executor's retry loop for one
// activity call-site. It is fixed at workflow-definition time.
//
// The delay before attempt n (counting from 0) is
// min(InitialInterval * BackoffCoefficient^n, MaxInterval).
// MaxAttempts includes the first attempt; 0 means unlimited.
type RetryPolicy struct {
	InitialInterval        time.Duration
	BackoffCoefficient     float64
	MaxInterval            time.Duration
	MaxAttempts            int
	NonRetryableErrorKinds []string
}

// NonRetryable reports whether the given error kind short-circuits the
// retry loop.
func (p *RetryPolicy) NonRetryable(kind string) bool {
	for _, k := range p.NonRetryableErrorKinds {
		if k == kind {
			return true
		}
	}
	return false
}
