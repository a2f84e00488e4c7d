package agent

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/agent-orchestrator/internal/llm"
)

func TestGovernor_Escalation(t *testing.T) {
	t.Parallel()

	g := NewGovernor()
	assert.Equal(t, time.Duration(0), g.Delay())

	expected := []time.Duration{2, 4, 8, 16, 30, 30}
	for i, want := range expected {
		consecutive, delay := g.ObserveThrottle()
		assert.Equal(t, i+1, consecutive)
		assert.Equal(t, want*time.Second, delay, "throttle %d", i+1)
		assert.Equal(t, delay, g.Delay())
	}
}

func TestGovernor_LinearRecovery(t *testing.T) {
	t.Parallel()

	g := NewGovernor()
	for range 3 {
		g.ObserveThrottle()
	}
	require.Equal(t, 8*time.Second, g.Delay())

	assert.Equal(t, 7*time.Second, g.ObserveSuccess())
	assert.Equal(t, 0, g.Consecutive())
	assert.Equal(t, 6*time.Second, g.ObserveSuccess())

	// The count restarts after a success but the delay does not jump back.
	consecutive, delay := g.ObserveThrottle()
	assert.Equal(t, 1, consecutive)
	assert.Equal(t, 2*time.Second, delay)

	for range 5 {
		g.ObserveSuccess()
	}
	assert.Equal(t, time.Duration(0), g.Delay())
}

func TestGovernor_Concurrent(t *testing.T) {
	t.Parallel()

	g := NewGovernor()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.ObserveThrottle()
			_ = g.Delay()
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, g.Consecutive())
	assert.Equal(t, MaxGovernorDelay, g.Delay())
}

func TestIsThrottle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"api error 429", &llm.APIError{StatusCode: http.StatusTooManyRequests}, true},
		{"wrapped api error", fmt.Errorf("chat completion failed: %w", &llm.APIError{StatusCode: 429, Body: "{}"}), true},
		{"api error 500", &llm.APIError{StatusCode: 500, Body: "oops"}, false},
		{"status text", errors.New("HTTP 429: slow down"), true},
		{"rate limit text", errors.New("Rate Limit reached for model"), true},
		{"too many requests", errors.New("TOO MANY REQUESTS"), true},
		{"other", errors.New("connection refused"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsThrottle(tt.err))
		})
	}
}

func TestThrottleError(t *testing.T) {
	t.Parallel()

	cause := errors.New("429")
	err := &ThrottleError{Err: cause, Consecutive: 2, Delay: 4 * time.Second, Iteration: 3}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "2 consecutive")
	assert.Contains(t, err.Error(), "4s")
	assert.Contains(t, err.Error(), "iteration 3")
}

func TestRetryPolicy(t *testing.T) {
	t.Parallel()

	throttle := &ThrottleError{Err: errors.New("429")}

	p := DefaultRetryPolicy()
	assert.True(t, p.allow(1, throttle))
	assert.True(t, p.allow(DefaultRetryAttempts-1, throttle))
	assert.False(t, p.allow(DefaultRetryAttempts, throttle))
	assert.False(t, p.allow(1, errors.New("other")))
	assert.Equal(t, time.Duration(0), p.backoff(1))

	assert.False(t, NoRetry().allow(1, throttle))

	custom := RetryPolicy{
		MaxAttempts: 3,
		ShouldRetry: func(err error) bool { return true },
		Backoff:     func(attempt int) time.Duration { return time.Duration(attempt) * time.Millisecond },
	}
	assert.True(t, custom.allow(2, errors.New("anything")))
	assert.False(t, custom.allow(3, errors.New("anything")))
	assert.Equal(t, 2*time.Millisecond, custom.backoff(2))

	assert.Equal(t, DefaultRetryAttempts, RetryPolicy{}.attempts())
}

func TestPhaseString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "THINKING", PhaseThinking.String())
	assert.Equal(t, "ACTING", PhaseActing.String())
	assert.Equal(t, "DONE", PhaseDone.String())
	assert.Equal(t, "UNKNOWN", Phase(9).String())
}
