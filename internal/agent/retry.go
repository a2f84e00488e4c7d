package agent

import (
	"errors"
	"time"
)

// DefaultRetryAttempts is the number of attempts a model call gets by default.
const DefaultRetryAttempts = MaxConsecutiveThrottles

// RetryPolicy decides whether a failed model call is submitted again. The
// loop only ever hands it throttling errors; every other failure ends the run.
// The governor delay is applied before each resubmission in addition to
// Backoff.
type RetryPolicy struct {
	// MaxAttempts bounds the attempts per model call. Zero means
	// DefaultRetryAttempts; one disables retries.
	MaxAttempts int
	// ShouldRetry filters retriable errors. Nil retries every ThrottleError.
	ShouldRetry func(err error) bool
	// Backoff returns an extra pause before attempt+1. Nil means none.
	Backoff func(attempt int) time.Duration
}

// DefaultRetryPolicy resubmits throttled calls until the run gives up.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: DefaultRetryAttempts}
}

// NoRetry hands every throttling error straight to the caller.
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts <= 0 {
		return DefaultRetryAttempts
	}
	return p.MaxAttempts
}

// allow reports whether a call that failed with err on the given 1-based
// attempt may be resubmitted.
func (p RetryPolicy) allow(attempt int, err error) bool {
	if attempt >= p.attempts() {
		return false
	}
	if p.ShouldRetry != nil {
		return p.ShouldRetry(err)
	}
	var throttle *ThrottleError
	return errors.As(err, &throttle)
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	if p.Backoff == nil {
		return 0
	}
	return p.Backoff(attempt)
}
