package hrflow

import (
	"github.com/agentichr/hrflow/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	WorkflowType         = api.WorkflowType
	WorkflowDefinition   = api.WorkflowDefinition
	WorkflowFunc         = api.WorkflowFunc
	WorkflowContext      = api.WorkflowContext
	SignalOutcome        = api.SignalOutcome
	Status               = api.Status
	StatusReport         = api.StatusReport
	RetryPolicy          = api.RetryPolicy
	HistoryEvent         = api.HistoryEvent
	ActivityError        = api.ActivityError
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	PrometheusObserver   = api.PrometheusObserver
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

// Re-export common observer helpers.

var (
	NewLoggingObserver    = api.NewLoggingObserver
	NewCompositeObserver  = api.NewCompositeObserver
	NewPrometheusObserver = api.NewPrometheusObserver
)

// Re-export status values for convenience.

const (
	StatusRunning   = api.StatusRunning
	StatusCompleted = api.StatusCompleted
	StatusFailed    = api.StatusFailed
	StatusTimedOut  = api.StatusTimedOut
)

// Re-export the built-in workflow types.

const (
	TypeLeaveApproval = api.TypeLeaveApproval
	TypeOnboarding    = api.TypeOnboarding
)

// Re-export the error taxonomy.

var (
	ErrConcurrencyConflict = api.ErrConcurrencyConflict
	ErrDuplicateSignal     = api.ErrDuplicateSignal
	ErrInstanceNotFound    = api.ErrInstanceNotFound
	ErrInstanceFinished    = api.ErrInstanceFinished
	ErrUnknownWorkflowType = api.ErrUnknownWorkflowType
)
