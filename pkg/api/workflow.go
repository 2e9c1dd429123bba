package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// WorkflowFunc is the body of a workflow. The engine re-runs it over
// recorded history on every tick (replay); it must be deterministic:
// no wall-clock reads, no randomness, no external state. Every
// non-deterministic input arrives through the context as a recorded
// history event.
//
// Blocking calls (ExecuteActivity, WaitForSignal) either return the
// recorded outcome or a suspension error. Workflow code must propagate
// any error it does not explicitly handle; returning a non-suspension
// error fails the instance.
type WorkflowFunc func(wf *WorkflowContext) error

// WorkflowDefinition binds a workflow type to its function.
type WorkflowDefinition struct {
	Type WorkflowType
	Fn   WorkflowFunc
}

// ActivityOutcome is the recorded result of a completed activity
// call-site. Exactly one of Result/Err is meaningful.
type ActivityOutcome struct {
	Result json.RawMessage
	Err    *ActivityError
}

// SignalOutcome is what a WaitForSignal call observes once resolved:
// either the signal body, or a timeout. FiredAt is the recorded
// resolution time and is safe to use in workflow code.
type SignalOutcome struct {
	TimedOut bool
	Body     json.RawMessage
	FiredAt  time.Time
}

// Decode unmarshals the signal body into v.
func (o SignalOutcome) Decode(v any) error {
	if o.TimedOut {
		return errors.New("signal wait timed out; no body to decode")
	}
	return json.Unmarshal(o.Body, v)
}

// ScheduleActivity describes the activity execution a suspended
// workflow is asking for.
type ScheduleActivity struct {
	CallID int
	Name   string
	Args   json.RawMessage
	Retry  *RetryPolicy
}

// SignalWait describes the signal (and guarding timeout) a suspended
// workflow is parked on.
type SignalWait struct {
	CallID  int
	Name    string
	Timeout time.Duration
}

// suspendError is returned by blocking context calls whose outcome is
// not yet in history. The engine intercepts it; workflow code must pass
// it through unchanged.
type suspendError struct {
	schedule *ScheduleActivity
	wait     *SignalWait
}

func (e *suspendError) Error() string {
	if e.schedule != nil {
		return "suspended: schedule activity " + e.schedule.Name
	}
	return "suspended: wait for signal " + e.wait.Name
}

// AsSuspension reports whether err is a suspension request, and which.
func AsSuspension(err error) (*ScheduleActivity, *SignalWait, bool) {
	var s *suspendError
	if errors.As(err, &s) {
		return s.schedule, s.wait, true
	}
	return nil, nil, false
}

// WorkflowContext carries one replay pass of a single instance. Each
// blocking call consumes the next call-site index; recorded outcomes
// are looked up by that index, which is what makes restart-safe replay
// line up with history.
type WorkflowContext struct {
	instanceID   string
	workflowType WorkflowType
	input        json.RawMessage

	activities map[int]ActivityOutcome
	signals    map[int]SignalOutcome

	nextCall int
	state    string
	result   json.RawMessage
}

// NewWorkflowContext builds the context for one replay pass. The
// outcome maps are keyed by call-site index, pre-folded from history.
func NewWorkflowContext(
	instanceID string,
	workflowType WorkflowType,
	input json.RawMessage,
	activities map[int]ActivityOutcome,
	signals map[int]SignalOutcome,
) *WorkflowContext {
	return &WorkflowContext{
		instanceID:   instanceID,
		workflowType: workflowType,
		input:        input,
		activities:   activities,
		signals:      signals,
	}
}

// InstanceID returns the ID of the instance being replayed.
func (wf *WorkflowContext) InstanceID() string { return wf.instanceID }

// Input unmarshals the immutable seed input into v.
func (wf *WorkflowContext) Input(v any) error {
	if len(wf.input) == 0 {
		return errors.New("workflow has no input")
	}
	return json.Unmarshal(wf.input, v)
}

// ExecuteActivity returns the recorded result for this call-site, or
// suspends so the engine can schedule and run the activity. A recorded
// failure surfaces as *ActivityError; unhandled, it fails the workflow.
func (wf *WorkflowContext) ExecuteActivity(name string, args any, retry *RetryPolicy) (json.RawMessage, error) {
	callID := wf.nextCall
	wf.nextCall++

	if out, ok := wf.activities[callID]; ok {
		if out.Err != nil {
			return nil, out.Err
		}
		return out.Result, nil
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal args for activity %s: %w", name, err)
	}
	return nil, &suspendError{schedule: &ScheduleActivity{
		CallID: callID,
		Name:   name,
		Args:   raw,
		Retry:  retry,
	}}
}

// WaitForSignal returns the recorded outcome for this wait point, or
// suspends until the named signal arrives or the timeout expires.
// Every wait carries a mandatory timeout so no instance can block
// forever.
func (wf *WorkflowContext) WaitForSignal(name string, timeout time.Duration) (SignalOutcome, error) {
	callID := wf.nextCall
	wf.nextCall++

	if out, ok := wf.signals[callID]; ok {
		return out, nil
	}
	return SignalOutcome{}, &suspendError{wait: &SignalWait{
		CallID:  callID,
		Name:    name,
		Timeout: timeout,
	}}
}

// SetState records a human-readable state label for GetStatus. It is
// derived on every replay, not persisted.
func (wf *WorkflowContext) SetState(state string) { wf.state = state }

// State returns the last label recorded via SetState.
func (wf *WorkflowContext) State() string { return wf.state }

// SetResult records the workflow result, persisted in the terminal
// WorkflowCompleted event.
func (wf *WorkflowContext) SetResult(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal workflow result: %w", err)
	}
	wf.result = raw
	return nil
}

// Result returns the raw result set via SetResult, if any.
func (wf *WorkflowContext) Result() json.RawMessage { return wf.result }
