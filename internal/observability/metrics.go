package observability

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "agent_orchestrator"

// Metrics exposes Prometheus collectors that report agent activity. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	runs          *prometheus.CounterVec
	iterations    *prometheus.HistogramVec
	modelCalls    *prometheus.CounterVec
	toolCalls     *prometheus.CounterVec
	toolDuration  *prometheus.HistogramVec
	governorDelay *prometheus.GaugeVec
	tokens        *prometheus.CounterVec
	runsActive    prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// Default returns the metrics registered with the global Prometheus registry.
func Default() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs Metrics on reg. Collectors that are already
// registered are reused; any other registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "agent", Name: "runs_total",
			Help: "Finished agent runs by stop reason.",
		}, []string{"agent", "stop_reason"}),
		iterations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "agent", Name: "run_iterations",
			Help:    "Think/act iterations per finished run.",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34, 50},
		}, []string{"agent"}),
		modelCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "llm", Name: "calls_total",
			Help: "Model calls by outcome (success, throttled, error).",
		}, []string{"agent", "outcome"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tool", Name: "calls_total",
			Help: "Dispatched tool calls by outcome.",
		}, []string{"tool", "outcome"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "tool", Name: "call_duration_seconds",
			Help:    "Duration of dispatched tool calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		governorDelay: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "governor", Name: "delay_seconds",
			Help: "Current adaptive delay applied before model calls.",
		}, []string{"agent"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "llm", Name: "tokens_total",
			Help: "Tokens reported by the provider.",
		}, []string{"agent", "kind"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "agent", Name: "runs_active",
			Help: "Agent runs currently executing.",
		}),
	}

	m.runs = register(reg, m.runs)
	m.iterations = register(reg, m.iterations)
	m.modelCalls = register(reg, m.modelCalls)
	m.toolCalls = register(reg, m.toolCalls)
	m.toolDuration = register(reg, m.toolDuration)
	m.governorDelay = register(reg, m.governorDelay)
	m.tokens = register(reg, m.tokens)
	m.runsActive = register(reg, m.runsActive)
	return m
}

func register[T prometheus.Collector](reg prometheus.Registerer, collector T) T {
	if err := reg.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return collector
}

// RunStarted marks a run as active.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsActive.Inc()
}

// RunFinished records a finished run.
func (m *Metrics) RunFinished(agent, stopReason string, iterations int) {
	if m == nil {
		return
	}
	m.runsActive.Dec()
	m.runs.WithLabelValues(agent, stopReason).Inc()
	m.iterations.WithLabelValues(agent).Observe(float64(iterations))
}

// ModelCall records one model call outcome.
func (m *Metrics) ModelCall(agent, outcome string) {
	if m == nil {
		return
	}
	m.modelCalls.WithLabelValues(agent, outcome).Inc()
}

// Tokens adds provider reported token usage.
func (m *Metrics) Tokens(agent string, prompt, completion int) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues(agent, "prompt").Add(float64(prompt))
	m.tokens.WithLabelValues(agent, "completion").Add(float64(completion))
}

// UnknownTool labels tool calls whose name did not resolve to any tool.
const UnknownTool = "unknown"

// ToolCall records one dispatched tool call. Callers pass UnknownTool for
// unresolved names so the label set stays bounded.
func (m *Metrics) ToolCall(tool string, failed bool, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if failed {
		outcome = "error"
	}
	m.toolCalls.WithLabelValues(tool, outcome).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// GovernorDelay publishes the current adaptive delay of an agent.
func (m *Metrics) GovernorDelay(agent string, delay time.Duration) {
	if m == nil {
		return
	}
	m.governorDelay.WithLabelValues(agent).Set(delay.Seconds())
}
