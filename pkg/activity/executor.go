// Package activity holds the activity registry and executor: the only
// place in the system where side effects happen. Activities are
// invoked at-least-once; the engine records their outcome exactly once
// per call-site, which is what workflow code observes.
package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentichr/hrflow/pkg/api"
)

// Func is the body of an activity. It receives the JSON-encoded args
// recorded in history and returns a JSON-encodable result. Errors
// classify retries: return a *TerminalError (or an error kind listed in
// the policy's NonRetryableErrorKinds) to stop retrying.
type Func func(ctx context.Context, args json.RawMessage) (any, error)

// TerminalError marks an activity failure as permanent regardless of
// the retry policy. Kind is what NonRetryableErrorKinds matches on.
type TerminalError struct {
	Kind    string
	Message string
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Terminal wraps an error as permanently failed with the given kind.
func Terminal(kind, message string) error {
	return &TerminalError{Kind: kind, Message: message}
}

// TransientError carries an error kind for a failure that should be
// retried (unless the policy lists the kind as non-retryable).
type TransientError struct {
	Kind    string
	Message string
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// DefaultRetryPolicy applies when a call-site passes a nil policy.
var DefaultRetryPolicy = api.RetryPolicy{
	InitialInterval:    time.Second,
	BackoffCoefficient: 2.0,
	MaxInterval:        time.Minute,
	MaxAttempts:        5,
}

// Executor is a named activity registry plus the retry loop around
// invocations.
type Executor struct {
	mu    sync.RWMutex
	funcs map[string]Func

	// sleep is swapped in tests to avoid real backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an empty Executor.
func NewExecutor() *Executor {
	return &Executor{
		funcs: make(map[string]Func),
		sleep: sleepContext,
	}
}

// Register binds a name to an activity function. Names must be unique;
// workflow code references activities by name only.
func (x *Executor) Register(name string, fn Func) error {
	if name == "" {
		return errors.New("activity name is empty")
	}
	if fn == nil {
		return fmt.Errorf("activity %q has nil function", name)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if _, exists := x.funcs[name]; exists {
		return fmt.Errorf("activity %q already registered", name)
	}
	x.funcs[name] = fn
	return nil
}

// Run executes the named activity under the policy's retry loop. The
// returned *api.ActivityError is the permanent outcome the engine
// records; transient attempts never surface.
//
// The delay before retry n (counting attempts from 0) is
// min(InitialInterval * BackoffCoefficient^n, MaxInterval).
func (x *Executor) Run(ctx context.Context, name string, args json.RawMessage, policy *api.RetryPolicy) (json.RawMessage, *api.ActivityError) {
	x.mu.RLock()
	fn, ok := x.funcs[name]
	x.mu.RUnlock()
	if !ok {
		return nil, &api.ActivityError{
			Name:    name,
			Kind:    "not_registered",
			Message: fmt.Sprintf("no activity registered as %q", name),
		}
	}

	if policy == nil {
		p := DefaultRetryPolicy
		policy = &p
	}

	for attempt := 0; ; attempt++ {
		result, err := fn(ctx, args)
		if err == nil {
			raw, merr := json.Marshal(result)
			if merr != nil {
				return nil, &api.ActivityError{
					Name:    name,
					Kind:    "bad_result",
					Message: fmt.Sprintf("marshal result: %v", merr),
				}
			}
			return raw, nil
		}

		kind, terminal := classify(err)
		if terminal || policy.NonRetryable(kind) {
			return nil, &api.ActivityError{Name: name, Kind: kind, Message: err.Error()}
		}
		if policy.MaxAttempts > 0 && attempt+1 >= policy.MaxAttempts {
			return nil, &api.ActivityError{
				Name:    name,
				Kind:    kind,
				Message: fmt.Sprintf("retries exhausted after %d attempts: %v", attempt+1, err),
			}
		}

		if serr := x.sleep(ctx, backoff(policy, attempt)); serr != nil {
			return nil, &api.ActivityError{Name: name, Kind: "cancelled", Message: serr.Error()}
		}
	}
}

// classify extracts the error kind and whether the failure is terminal.
func classify(err error) (kind string, terminal bool) {
	var te *TerminalError
	if errors.As(err, &te) {
		return te.Kind, true
	}
	var tr *TransientError
	if errors.As(err, &tr) {
		return tr.Kind, false
	}
	return "error", false
}

// backoff computes the delay before the retry following attempt n.
func backoff(policy *api.RetryPolicy, attempt int) time.Duration {
	initial := policy.InitialInterval
	if initial <= 0 {
		return 0
	}
	coeff := policy.BackoffCoefficient
	if coeff < 1 {
		coeff = 1
	}

	d := float64(initial)
	for i := 0; i < attempt; i++ {
		d *= coeff
		if policy.MaxInterval > 0 && d >= float64(policy.MaxInterval) {
			return policy.MaxInterval
		}
	}
	delay := time.Duration(d)
	if policy.MaxInterval > 0 && delay > policy.MaxInterval {
		delay = policy.MaxInterval
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
