package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MimeLyc/agent-orchestrator/internal/llm"
	"github.com/MimeLyc/agent-orchestrator/internal/observability"
	"github.com/MimeLyc/agent-orchestrator/internal/tools"
	"github.com/MimeLyc/agent-orchestrator/pkg/log"
)

// DefaultMaxIterations is the iteration ceiling when none is configured.
const DefaultMaxIterations = 50

// Runner runs bounded tool-using conversations
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// Config configures an Agent
type Config struct {
	// ID names the agent in logs, spans and metrics
	ID string

	// SystemPrompt is placed at the head of every model call
	SystemPrompt string

	// MaxIterations is the iteration ceiling. Default: 50
	MaxIterations int

	// Binding is the preferred tool binding mode. Default: strict, falling
	// back to auto when the provider rejects it
	Binding llm.BindingMode

	// Retry decides whether throttled model calls are resubmitted
	Retry RetryPolicy
}

// Option customises an Agent
type Option func(*Agent)

// WithMetrics records run activity on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(a *Agent) {
		a.metrics = m
	}
}

// WithSleep replaces the cooperative sleep used for governor delays.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(a *Agent) {
		if sleep != nil {
			a.sleep = sleep
		}
	}
}

// WithGovernor shares a governor instead of creating one.
func WithGovernor(g *Governor) Option {
	return func(a *Agent) {
		if g != nil {
			a.governor = g
		}
	}
}

// Agent is a language model bound to a tool set. It owns the rate-limit
// governor, so reusing one Agent across runs keeps its throttling history.
// An Agent is safe for concurrent runs.
type Agent struct {
	cfg        Config
	binder     llm.ToolBinder
	dispatcher *tools.Dispatcher
	governor   *Governor
	metrics    *observability.Metrics
	sleep      func(ctx context.Context, d time.Duration) error
	logger     *log.Logger

	mu      sync.RWMutex
	model   llm.Model
	binding llm.BindingMode
	tools   []tools.Binding
}

// New binds the dispatcher's tools to the model and returns the agent. The
// preferred binding mode falls back to auto once; if that fails too the
// agent cannot run and New returns the error.
func New(binder llm.ToolBinder, dispatcher *tools.Dispatcher, cfg Config, opts ...Option) (*Agent, error) {
	if binder == nil {
		return nil, errors.New("agent requires a model binder")
	}
	if dispatcher == nil {
		dispatcher = tools.NewDispatcher(nil, nil)
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.Binding == "" {
		cfg.Binding = llm.BindingStrict
	}
	if cfg.ID == "" {
		cfg.ID = "default"
	}

	a := &Agent{
		cfg:        cfg,
		binder:     binder,
		dispatcher: dispatcher,
		governor:   NewGovernor(),
		sleep:      sleepContext,
		logger:     log.NewComponentLogger("agent." + cfg.ID),
	}
	for _, opt := range opts {
		opt(a)
	}

	if err := a.Rebind(); err != nil {
		return nil, err
	}
	return a, nil
}

// Rebind recomputes the tool set, for example after remote listings were
// refreshed, and binds it again. The governor is kept.
func (a *Agent) Rebind() error {
	bindings := a.dispatcher.Bindings()
	defs := a.dispatcher.Definitions()

	model, mode, err := bindWithFallback(a.binder, defs, a.cfg.Binding)
	if err != nil {
		return fmt.Errorf("bind %d tools for agent %s: %w", len(defs), a.cfg.ID, err)
	}

	a.mu.Lock()
	a.model = model
	a.binding = mode
	a.tools = bindings
	a.mu.Unlock()

	a.logger.Debug("Bound %d tools in %s mode", len(defs), mode)
	return nil
}

func bindWithFallback(binder llm.ToolBinder, defs []llm.ToolDefinition, preferred llm.BindingMode) (llm.Model, llm.BindingMode, error) {
	model, err := binder.BindTools(defs, preferred)
	if err == nil {
		return model, preferred, nil
	}
	if preferred == llm.BindingAuto {
		return nil, "", err
	}

	log.Warn("Tool binding mode %s rejected, falling back to %s: %v", preferred, llm.BindingAuto, err)
	model, fallbackErr := binder.BindTools(defs, llm.BindingAuto)
	if fallbackErr != nil {
		return nil, "", fmt.Errorf("%s binding failed (%v), %s binding failed: %w", preferred, err, llm.BindingAuto, fallbackErr)
	}
	return model, llm.BindingAuto, nil
}

// ID returns the agent id.
func (a *Agent) ID() string {
	return a.cfg.ID
}

// Binding returns the binding mode the tools were bound with.
func (a *Agent) Binding() llm.BindingMode {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.binding
}

// Tools returns the tool set exposed to the model.
func (a *Agent) Tools() []tools.Binding {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]tools.Binding(nil), a.tools...)
}

// Governor returns the agent's rate-limit governor.
func (a *Agent) Governor() *Governor {
	return a.governor
}

// MaxIterations returns the configured iteration ceiling.
func (a *Agent) MaxIterations() int {
	return a.cfg.MaxIterations
}

func (a *Agent) currentModel() llm.Model {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.model
}

func (a *Agent) maxIterations(req Request) int {
	if req.MaxIterations > 0 {
		return req.MaxIterations
	}
	return a.cfg.MaxIterations
}

func (a *Agent) systemPrompt(req Request) string {
	if req.SystemPrompt != "" {
		return req.SystemPrompt
	}
	return a.cfg.SystemPrompt
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
