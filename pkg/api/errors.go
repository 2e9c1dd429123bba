package api

import (
	"errors"
	"fmt"
)

var (
	// ErrConcurrencyConflict is returned by the History Store when an
	// append's expected sequence does not match the current head. The
	// caller must re-read history and re-decide; it is never a workflow
	// failure.
	ErrConcurrencyConflict = errors.New("history append sequence conflict")

	// ErrDuplicateSignal is returned when a signal is delivered for a
	// name that already has an undelivered buffered signal.
	ErrDuplicateSignal = errors.New("duplicate signal for pending name")

	// ErrInstanceNotFound is returned when no instance exists for an ID.
	ErrInstanceNotFound = errors.New("workflow instance not found")

	// ErrInstanceFinished is returned when a signal or cancellation
	// targets an instance that already reached a terminal status.
	ErrInstanceFinished = errors.New("workflow instance already finished")

	// ErrUnknownWorkflowType is returned when starting an instance of a
	// type that was never registered.
	ErrUnknownWorkflowType = errors.New("unknown workflow type")
)

// ActivityError is the recorded outcome of an activity call-site whose
// execution failed permanently. It is what workflow code observes on
// replay; transient attempts are never persisted.
type ActivityError struct {
	Name    string
	Kind    string
	Message string
}

func (e *ActivityError) Error() string {
	return fmt.Sprintf("activity %s failed (%s): %s", e.Name, e.Kind, e.Message)
}

// AsActivityError unwraps err into an *ActivityError if possible.
func AsActivityError(err error) (*ActivityError, bool) {
	var ae *ActivityError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
