package sandboxctl

import "time"

// RetryBuilder assembles the RetryPolicy an engine applies to transient
// backend failures (network errors, 5xx, 429) inside a single Advance.
//
// The engine waits between attempts in-line, so every policy it produces
// keeps that wait bounded: a server Retry-After is honored only up to a
// ceiling, and Immediate never waits at all.
//
//	policy := sandboxctl.Retry(4).
//		WithBackoff(500*time.Millisecond, 2, 8*time.Second).
//		HonorRetryAfter(15 * time.Second).
//		Policy()
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry starts a policy making up to attempts calls per backend operation,
// with no backoff of its own. attempts <= 0 means a single call.
func Retry(attempts int) RetryBuilder {
	return RetryBuilder{}.Attempts(attempts)
}

// RetryFrom starts from an existing policy, such as DefaultRetryPolicy or
// one loaded from configuration.
func RetryFrom(p RetryPolicy) RetryBuilder {
	return RetryBuilder{policy: p}
}

// Attempts sets the number of calls per operation, first call included.
func (r RetryBuilder) Attempts(n int) RetryBuilder {
	if n <= 0 {
		n = 1
	}
	r.policy.MaxAttempts = n
	return r
}

// WithBackoff waits initial before the first retry and grows the wait by
// multiplier (2.0 when <= 0) up to max (uncapped when <= 0).
func (r RetryBuilder) WithBackoff(initial time.Duration, multiplier float64, max time.Duration) RetryBuilder {
	if multiplier <= 0 {
		multiplier = 2.0
	}
	r.policy.InitialBackoff = initial
	r.policy.BackoffMultiplier = multiplier
	r.policy.MaxBackoff = max
	return r
}

// WithConstantBackoff waits delay before every retry.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	return r.WithBackoff(delay, 1.0, delay)
}

// HonorRetryAfter lets a server Retry-After lengthen the wait, up to
// ceiling. A ceiling <= 0 restores the default bound: MaxBackoff, or
// DefaultRetryAfterCeiling without one.
func (r RetryBuilder) HonorRetryAfter(ceiling time.Duration) RetryBuilder {
	if ceiling < 0 {
		ceiling = 0
	}
	r.policy.IgnoreRetryAfter = false
	r.policy.RetryAfterCeiling = ceiling
	return r
}

// IgnoreRetryAfter makes the engine rely on its own backoff only.
func (r RetryBuilder) IgnoreRetryAfter() RetryBuilder {
	r.policy.IgnoreRetryAfter = true
	r.policy.RetryAfterCeiling = 0
	return r
}

// Immediate retries without waiting, whatever the server asks for.
func (r RetryBuilder) Immediate() RetryBuilder {
	r.policy.InitialBackoff = 0
	r.policy.MaxBackoff = 0
	r.policy.BackoffMultiplier = 0
	return r.IgnoreRetryAfter()
}

// WorstCaseWait is the longest time one operation can spend waiting
// between attempts, assuming every failure asks for a Retry-After beyond
// the ceiling. Useful for sizing the context deadline given to Advance.
func (r RetryBuilder) WorstCaseWait() time.Duration {
	var total time.Duration
	for n := 1; n < r.policy.MaxAttempts; n++ {
		total += r.policy.Delay(n, maxRetryAfter)
	}
	return total
}

const maxRetryAfter = time.Duration(1<<63 - 1)

// Policy returns the assembled policy for WithRetryPolicy.
func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy
}
