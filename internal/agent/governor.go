package agent

import (
	"math"
	"sync"
	"time"
)

const (
	// MaxGovernorDelay caps the adaptive delay.
	MaxGovernorDelay = 30 * time.Second
	// governorDecay is subtracted from the delay after each successful call.
	governorDecay = 1.0
)

// Governor turns consecutive throttling signals into an adaptive delay
// applied before each model call. Escalation is exponential and recovery is
// linear, one second per successful call, so a recovering provider is not hit
// with rapid retries straight away.
//
// One Governor belongs to one Agent and outlives its runs: recent throttling
// says something about the provider's health, not about one conversation.
type Governor struct {
	mu          sync.Mutex
	consecutive int
	delay       float64 // seconds
}

// NewGovernor returns a governor with no delay.
func NewGovernor() *Governor {
	return &Governor{}
}

// Delay returns the delay to wait before the next model call.
func (g *Governor) Delay() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return seconds(g.delay)
}

// Consecutive returns the number of throttles since the last success.
func (g *Governor) Consecutive() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.consecutive
}

// ObserveThrottle records a throttled call: the delay becomes
// min(30, 2^count) seconds.
func (g *Governor) ObserveThrottle() (consecutive int, delay time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.consecutive++
	g.delay = math.Min(MaxGovernorDelay.Seconds(), math.Pow(2, float64(g.consecutive)))
	return g.consecutive, seconds(g.delay)
}

// ObserveSuccess resets the throttle count and decays the delay by one second.
func (g *Governor) ObserveSuccess() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.consecutive = 0
	g.delay = math.Max(0, g.delay-governorDecay)
	return seconds(g.delay)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
