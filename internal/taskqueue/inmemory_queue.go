package taskqueue

import "context"

// InMemoryQueue dispatches tasks over a buffered channel. It is the
// single-process backend: nothing survives a restart, which is
// acceptable because every task can be re-derived from durable state
// (buffered signals, due timers, history). Safe for concurrent use.
type InMemoryQueue struct {
	tasks chan Task
}

var _ Queue = (*InMemoryQueue)(nil)

// NewInMemoryQueue creates a queue holding at most capacity undelivered
// tasks. A capacity <= 0 selects the default of 1024, which comfortably
// covers a single process driving its own instances.
func NewInMemoryQueue(capacity int) *InMemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &InMemoryQueue{tasks: make(chan Task, capacity)}
}

// Enqueue adds t, blocking while the queue is full.
func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	select {
	case q.tasks <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue blocks until a task is available or ctx ends.
func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	select {
	case t := <-q.tasks:
		return &t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len reports the number of undelivered tasks.
func (q *InMemoryQueue) Len() int {
	return len(q.tasks)
}
