package hrflow

import "time"

// RetryBuilder provides a fluent way to construct RetryPolicy values
// for ExecuteActivity call-sites.
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry creates a RetryBuilder with the given maxAttempts.
//
// maxAttempts <= 0 means unlimited attempts.
func Retry(maxAttempts int) RetryBuilder {
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	return RetryBuilder{
		policy: RetryPolicy{
			MaxAttempts:        maxAttempts,
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaxInterval:        time.Minute,
		},
	}
}

// WithExponentialBackoff configures exponential backoff:
//
//   - initial is the delay before the first retry.
//   - coefficient > 1 grows the delay each attempt (default 2.0 if <= 0).
//   - max caps the delay; if <= 0, there is no cap.
//
// Example:
//
//	Retry(3).WithExponentialBackoff(100*time.Millisecond, 2.0, 2*time.Second)
func (r RetryBuilder) WithExponentialBackoff(initial time.Duration, coefficient float64, max time.Duration) RetryBuilder {
	p := r.policy
	p.InitialInterval = initial
	p.MaxInterval = max
	if coefficient <= 0 {
		coefficient = 2.0
	}
	p.BackoffCoefficient = coefficient
	return RetryBuilder{policy: p}
}

// WithConstantBackoff configures a constant backoff between retries.
//
// This is equivalent to an exponential backoff with coefficient 1.0 and
// no max cap.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	p := r.policy
	p.InitialInterval = delay
	p.MaxInterval = 0
	p.BackoffCoefficient = 1.0
	return RetryBuilder{policy: p}
}

// NonRetryableOn marks error kinds that short-circuit the retry loop.
func (r RetryBuilder) NonRetryableOn(kinds ...string) RetryBuilder {
	p := r.policy
	p.NonRetryableErrorKinds = append(p.NonRetryableErrorKinds, kinds...)
	return RetryBuilder{policy: p}
}

// Policy returns the underlying RetryPolicy to be passed to
// ExecuteActivity.
func (r RetryBuilder) Policy() *RetryPolicy {
	p := r.policy
	return &p
}
