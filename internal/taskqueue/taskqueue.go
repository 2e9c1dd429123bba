package taskqueue

import (
	"context"
	"time"
)

// Reason records why an instance was enqueued. Workers do not branch
// on it; the engine re-derives everything from history. It exists for
// logging and queue inspection.
type Reason string

const (
	ReasonStart  Reason = "start"
	ReasonSignal Reason = "signal"
	ReasonTimer  Reason = "timer"
	ReasonRetry  Reason = "retry"
	ReasonCancel Reason = "cancel"
)

// Task is a dispatch ticket: "this instance may have progress to make".
// Tasks are deliberately thin; delivering a stale or duplicate task is
// harmless because driving an instance with no pending work is a no-op.
type Task struct {
	InstanceID string    `json:"instance_id"`
	Reason     Reason    `json:"reason"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	// Attempts counts requeues of this ticket, bounding retry storms.
	Attempts int `json:"attempts,omitempty"`
}

// Queue is the dispatch queue between the engine, the timer service and
// the worker pool. At-least-once delivery is sufficient.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next task, blocking until one is available
	// or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued.
	Len() int
}
