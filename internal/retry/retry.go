// Package retry implements exponential backoff over a declared fault set.
// It is applied narrowly at adapter call sites to absorb transient cloud
// errors; the copy engine itself never retries.
package retry

import (
	"context"
	"time"
)

// Policy retries an operation on errors matched by Retryable. All other
// errors propagate immediately.
type Policy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// InitialWait is the sleep before the second attempt.
	InitialWait time.Duration
	// BackoffFactor multiplies the wait after each failed attempt.
	BackoffFactor float64
	// Retryable reports whether an error is in the declared fault set.
	Retryable func(error) bool
}

// New returns a policy with the standard schedule: 5 attempts starting at
// 200ms, doubling each time.
func New(retryable func(error) bool) Policy {
	return Policy{
		Attempts:      5,
		InitialWait:   200 * time.Millisecond,
		BackoffFactor: 2,
		Retryable:     retryable,
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, or the
// attempt budget is exhausted (in which case the last error is returned).
// Waits respect ctx cancellation.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	wait := p.InitialWait
	var err error
	for remaining := p.Attempts; remaining > 0; remaining-- {
		err = fn()
		if err == nil {
			return nil
		}
		if p.Retryable == nil || !p.Retryable(err) || remaining == 1 {
			return err
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		wait = time.Duration(float64(wait) * p.BackoffFactor)
	}
	return err
}
