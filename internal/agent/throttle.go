package agent

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MimeLyc/agent-orchestrator/internal/llm"
)

// MaxConsecutiveThrottles is the number of consecutive throttled model calls
// after which a run gives up.
const MaxConsecutiveThrottles = 5

var throttleMarkers = []string{"429", "rate limit", "too many requests"}

// IsThrottle reports whether err is a provider rate-limit rejection.
func IsThrottle(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *llm.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		return true
	}
	text := strings.ToLower(err.Error())
	for _, marker := range throttleMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// ThrottleError is returned for a throttled model call. It carries the
// governor state after the throttle so a retry policy can decide what to do.
type ThrottleError struct {
	Err         error
	Consecutive int
	Delay       time.Duration
	Iteration   int
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("model call throttled (%d consecutive, next delay %s) at iteration %d: %v",
		e.Consecutive, e.Delay, e.Iteration, e.Err)
}

func (e *ThrottleError) Unwrap() error {
	return e.Err
}
