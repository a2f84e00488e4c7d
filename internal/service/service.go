package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/MimeLyc/agent-orchestrator/internal/agent"
	"github.com/MimeLyc/agent-orchestrator/internal/config"
	"github.com/MimeLyc/agent-orchestrator/internal/jobs"
	"github.com/MimeLyc/agent-orchestrator/internal/llm"
	"github.com/MimeLyc/agent-orchestrator/internal/observability"
	"github.com/MimeLyc/agent-orchestrator/internal/persistence"
	"github.com/MimeLyc/agent-orchestrator/internal/tools"
	"github.com/MimeLyc/agent-orchestrator/pkg/log"
)

const (
	fetchCacheSize = 128
	fetchCacheTTL  = 10 * time.Minute
)

// TranscriptStore keeps finished run transcripts.
type TranscriptStore interface {
	SaveTranscript(ctx context.Context, t persistence.Transcript) error
	GetTranscript(ctx context.Context, runID string) (persistence.Transcript, bool, error)
	UsageByAgent(ctx context.Context, since time.Time) ([]persistence.AgentUsage, error)
}

// refresher is implemented by remote catalogs that can re-list their tools.
type refresher interface {
	Refresh(ctx context.Context) error
}

type Option func(*Service)

// WithBinder replaces the LLM client built from the configuration.
func WithBinder(b llm.ToolBinder) Option {
	return func(s *Service) {
		s.binder = b
	}
}

// WithRegistry replaces the default local tool registry.
func WithRegistry(r *tools.Registry) Option {
	return func(s *Service) {
		s.registry = r
	}
}

// WithRemoteCatalog exposes remote server tools to agents that list the
// servers in their definition.
func WithRemoteCatalog(c tools.RemoteCatalog) Option {
	return func(s *Service) {
		s.remote = c
	}
}

func WithQueue(q *jobs.Queue) Option {
	return func(s *Service) {
		s.queue = q
	}
}

func WithTranscriptStore(st TranscriptStore) Option {
	return func(s *Service) {
		s.store = st
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithAgentOptions are applied to every agent the service builds.
func WithAgentOptions(opts ...agent.Option) Option {
	return func(s *Service) {
		s.agentOpts = append(s.agentOpts, opts...)
	}
}

func WithCron(c *cron.Cron) Option {
	return func(s *Service) {
		s.cron = c
	}
}

// Service runs the agents of a catalog. It builds one agent.Agent per
// definition on first use and keeps it, so the rate-limit governor of an
// agent carries over from one run to the next.
type Service struct {
	catalog   *config.Catalog
	registry  *tools.Registry
	remote    tools.RemoteCatalog
	queue     *jobs.Queue
	store     TranscriptStore
	metrics   *observability.Metrics
	agentOpts []agent.Option
	cron      *cron.Cron
	ownBinder bool
	flight    singleflight.Group

	mu          sync.RWMutex
	cfg         config.Config
	binder      llm.ToolBinder
	agents      map[string]*agent.Agent
	entries     map[string]cron.EntryID
	scheduled   bool
	scheduleCtx context.Context
}

// New validates the catalog against the tool registry and returns the
// service. Agents are bound lazily.
func New(cfg config.Config, catalog *config.Catalog, opts ...Option) (*Service, error) {
	if catalog == nil {
		catalog = config.DefaultCatalog()
	}
	if err := catalog.Validate(); err != nil {
		return nil, WrapError(err, ErrConfig, "invalid catalog")
	}

	s := &Service{
		cfg:     cfg,
		catalog: catalog,
		agents:  make(map[string]*agent.Agent),
		entries: make(map[string]cron.EntryID),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.registry == nil {
		registry, err := DefaultRegistry(cfg)
		if err != nil {
			return nil, WrapError(err, ErrConfig, "register built-in tools")
		}
		s.registry = registry
	}
	if s.binder == nil {
		client, err := llm.NewClient(cfg.LLM.ClientConfig())
		if err != nil {
			return nil, WrapError(err, ErrConfig, "create LLM client")
		}
		s.binder = client
		s.ownBinder = true
	}

	for _, def := range catalog.Agents {
		if _, err := s.localTools(def); err != nil {
			return nil, WrapError(err, ErrConfig, "invalid agent tools").WithContext("agent", def.ID)
		}
	}
	return s, nil
}

// DefaultRegistry registers the built-in local tools.
func DefaultRegistry(cfg config.Config) (*tools.Registry, error) {
	registry := tools.NewRegistry()
	if err := registry.Register(tools.NewWebSearchTool(cfg.Search.APIKey, cfg.Search.APIURL)); err != nil {
		return nil, err
	}
	if err := registry.Register(tools.NewFetchURLTool(fetchCacheSize, fetchCacheTTL)); err != nil {
		return nil, err
	}
	return registry, nil
}

// Catalog returns the agent catalog.
func (s *Service) Catalog() *config.Catalog {
	return s.catalog
}

// localTools selects the built-in tools of a definition. A definition that
// omits tools gets every registered tool; an explicit empty list gets none.
func (s *Service) localTools(def config.AgentDefinition) ([]tools.Tool, error) {
	if def.Tools != nil && len(def.Tools) == 0 {
		return nil, nil
	}
	return s.registry.Select(def.Tools)
}

func (s *Service) definition(id string) (config.AgentDefinition, error) {
	def, ok := s.catalog.Agent(id)
	if !ok || def.Disabled {
		return config.AgentDefinition{}, NewErrorWithCause(ErrNotFound, fmt.Sprintf("agent %q is not defined", id), ErrAgentNotFound)
	}
	return def, nil
}

// agentFor returns the cached agent of id, binding it on first use.
func (s *Service) agentFor(id string) (*agent.Agent, config.AgentDefinition, error) {
	def, err := s.definition(id)
	if err != nil {
		return nil, def, err
	}

	s.mu.RLock()
	a := s.agents[id]
	s.mu.RUnlock()
	if a != nil {
		return a, def, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if a := s.agents[id]; a != nil {
		return a, def, nil
	}
	a, err = s.buildAgentLocked(def)
	if err != nil {
		return nil, def, WrapError(err, ErrConfig, "bind agent tools").WithContext("agent", id)
	}
	s.agents[id] = a
	return a, def, nil
}

func (s *Service) buildAgentLocked(def config.AgentDefinition) (*agent.Agent, error) {
	local, err := s.localTools(def)
	if err != nil {
		return nil, err
	}
	dispatchOpts := []tools.DispatcherOption{
		tools.WithCooldown(time.Duration(s.cfg.Agent.ToolCooldownMS) * time.Millisecond),
	}
	// Like tools, a nil server list means every server and an empty one none.
	if def.MCPServers != nil {
		dispatchOpts = append(dispatchOpts, tools.WithRemoteServers(def.MCPServers...))
	}
	dispatcher := tools.NewDispatcher(local, s.remote, dispatchOpts...)

	maxIterations := def.MaxIterations
	if maxIterations == 0 {
		maxIterations = s.cfg.Agent.MaxIterations
	}
	binding := s.cfg.LLM.BindingMode()
	if def.Binding != "" {
		binding = llm.BindingMode(strings.ToLower(def.Binding))
	}

	opts := append([]agent.Option{agent.WithMetrics(s.metrics)}, s.agentOpts...)
	a, err := agent.New(s.binder, dispatcher, agent.Config{
		ID:            def.ID,
		SystemPrompt:  def.SystemPrompt,
		MaxIterations: maxIterations,
		Binding:       binding,
		Retry:         agent.RetryPolicy{MaxAttempts: s.cfg.Agent.RetryAttempts},
	}, opts...)
	if err != nil {
		return nil, err
	}
	log.Info("Agent %s ready with %d tools (%s binding)", def.ID, len(a.Tools()), a.Binding())
	return a, nil
}

// Agents describes every enabled agent, binding it if needed.
func (s *Service) Agents() ([]AgentInfo, error) {
	defs := s.catalog.EnabledAgents()
	out := make([]AgentInfo, 0, len(defs))
	for _, def := range defs {
		info, err := s.Agent(def.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

// Agent describes one agent.
func (s *Service) Agent(id string) (AgentInfo, error) {
	a, def, err := s.agentFor(id)
	if err != nil {
		return AgentInfo{}, err
	}
	return newAgentInfo(def, a), nil
}

// Tools lists the tools bound to an agent.
func (s *Service) Tools(agentID string) ([]ToolInfo, error) {
	a, _, err := s.agentFor(agentID)
	if err != nil {
		return nil, err
	}
	return newToolInfos(a.Tools()), nil
}

// Run executes one run synchronously.
func (s *Service) Run(ctx context.Context, req RunRequest) (*RunResponse, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	return s.execute(ctx, "run-"+uuid.NewString(), req)
}

// Enqueue schedules an asynchronous run. While a run with the same dedupe
// key is pending or running it is returned instead and created is false.
func (s *Service) Enqueue(req RunRequest, source string, dedupeKey string) (job *jobs.RunJob, created bool, err error) {
	if s.queue == nil {
		return nil, false, NewError(ErrConfig, "run queue is not configured")
	}
	if err := req.validate(); err != nil {
		return nil, false, err
	}
	if _, err := s.definition(req.AgentID); err != nil {
		return nil, false, err
	}
	job, created = s.queue.Enqueue(jobs.EnqueueRequest{
		Source:    source,
		DedupeKey: dedupeKey,
		Payload: jobs.RunPayload{
			AgentID:       req.AgentID,
			Prompt:        req.Prompt,
			TenantID:      req.TenantID,
			MaxIterations: req.MaxIterations,
		},
	})
	return job, created, nil
}

// Execute is the jobs.Executor of the run queue.
func (s *Service) Execute(ctx context.Context, job *jobs.RunJob) (*jobs.RunSummary, error) {
	resp, err := s.execute(ctx, job.ID, RunRequest{
		AgentID:       job.Payload.AgentID,
		Prompt:        job.Payload.Prompt,
		TenantID:      job.Payload.TenantID,
		MaxIterations: job.Payload.MaxIterations,
	})
	if err != nil {
		return nil, err
	}
	return resp.Summary(), nil
}

func (s *Service) execute(ctx context.Context, runID string, req RunRequest) (*RunResponse, error) {
	a, def, err := s.agentFor(req.AgentID)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defaultLanguage := s.cfg.Schedule.DefaultLanguage
	s.mu.RUnlock()

	log.Info("Run %s: agent %s started (tenant=%q)", runID, def.ID, req.TenantID)
	result, err := a.Run(ctx, agent.Request{
		SystemPrompt:  withLanguage(def.SystemPrompt, def.Language, defaultLanguage, req.Prompt),
		Prompt:        req.Prompt,
		History:       req.History,
		MaxIterations: req.MaxIterations,
		RunID:         runID,
		TenantID:      req.TenantID,
	})
	if err != nil {
		if result != nil {
			s.saveTranscript(ctx, runID, def.ID, req.TenantID, result)
		}
		return nil, classifyRunError(err, runID, def.ID)
	}
	log.Info("Run %s: agent %s stopped (%s) after %d iterations", runID, def.ID, result.StopReason, result.Iterations)

	s.saveTranscript(ctx, runID, def.ID, req.TenantID, result)
	return newRunResponse(runID, def.ID, result), nil
}

func classifyRunError(err error, runID, agentID string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	errorType := ErrAPI
	var throttle *agent.ThrottleError
	if errors.As(err, &throttle) {
		errorType = ErrThrottled
	}
	return WrapError(err, errorType, "agent run failed").
		WithContext("run", runID).
		WithContext("agent", agentID)
}

func (s *Service) saveTranscript(ctx context.Context, runID, agentID, tenantID string, result *agent.Result) {
	if s.store == nil {
		return
	}
	transcript := persistence.NewTranscript(runID, agentID, tenantID, result)
	if err := s.store.SaveTranscript(context.WithoutCancel(ctx), transcript); err != nil {
		log.Error("Failed to save transcript of run %s: %v", runID, err)
	}
}

// Runs lists queued runs, newest first.
func (s *Service) Runs() []*jobs.RunJob {
	if s.queue == nil {
		return nil
	}
	return s.queue.List()
}

// GetRun returns a queued run.
func (s *Service) GetRun(id string) (*jobs.RunJob, error) {
	if s.queue != nil {
		if job, ok := s.queue.Get(id); ok {
			return job, nil
		}
	}
	return nil, NewErrorWithCause(ErrNotFound, fmt.Sprintf("run %q not found", id), ErrRunNotFound)
}

// CancelRun stops a pending or running run.
func (s *Service) CancelRun(id string) (*jobs.RunJob, error) {
	if s.queue == nil {
		return nil, NewErrorWithCause(ErrNotFound, fmt.Sprintf("run %q not found", id), ErrRunNotFound)
	}
	job, err := s.queue.Cancel(id)
	if errors.Is(err, jobs.ErrJobNotFound) {
		return nil, NewErrorWithCause(ErrNotFound, fmt.Sprintf("run %q not found", id), ErrRunNotFound)
	}
	return job, err
}

// Transcript returns the stored transcript of a finished run.
func (s *Service) Transcript(ctx context.Context, runID string) (persistence.Transcript, error) {
	if s.store == nil {
		return persistence.Transcript{}, NewError(ErrConfig, "transcript store is not configured")
	}
	t, ok, err := s.store.GetTranscript(ctx, runID)
	if err != nil {
		return persistence.Transcript{}, WrapError(err, ErrStorage, "load transcript")
	}
	if !ok {
		return persistence.Transcript{}, NewErrorWithCause(ErrNotFound, fmt.Sprintf("no transcript for run %q", runID), ErrRunNotFound)
	}
	return t, nil
}

// Usage sums token usage per agent since the given time.
func (s *Service) Usage(ctx context.Context, since time.Time) ([]persistence.AgentUsage, error) {
	if s.store == nil {
		return nil, NewError(ErrConfig, "transcript store is not configured")
	}
	usage, err := s.store.UsageByAgent(ctx, since)
	if err != nil {
		return nil, WrapError(err, ErrStorage, "aggregate usage")
	}
	return usage, nil
}

// RefreshTools re-lists remote tools and rebinds every cached agent.
// Concurrent calls share one refresh.
func (s *Service) RefreshTools(ctx context.Context) error {
	_, err, _ := s.flight.Do("mcp-refresh", func() (any, error) {
		if r, ok := s.remote.(refresher); ok {
			if err := r.Refresh(ctx); err != nil {
				return nil, err
			}
		}

		s.mu.RLock()
		cached := make([]*agent.Agent, 0, len(s.agents))
		for _, a := range s.agents {
			cached = append(cached, a)
		}
		s.mu.RUnlock()

		var errs []error
		for _, a := range cached {
			if err := a.Rebind(); err != nil {
				errs = append(errs, err)
			}
		}
		return nil, errors.Join(errs...)
	})
	return err
}

// ApplyRuntimeSettings switches the LLM endpoint, the default response
// language and the global schedule. A new endpoint drops the cached agents;
// they are bound again, with fresh governors, on their next run.
func (s *Service) ApplyRuntimeSettings(settings config.RuntimeSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.cfg
	config.WithRuntimeSettings(settings)(&s.cfg)

	llmChanged := prev.LLM.APIURL != s.cfg.LLM.APIURL ||
		prev.LLM.APIKey != s.cfg.LLM.APIKey ||
		prev.LLM.Model != s.cfg.LLM.Model
	if llmChanged && s.ownBinder {
		client, err := llm.NewClient(s.cfg.LLM.ClientConfig())
		if err != nil {
			s.cfg = prev
			return WrapError(err, ErrConfig, "create LLM client")
		}
		s.binder = client
		s.agents = make(map[string]*agent.Agent)
		log.Info("LLM endpoint changed to %s (%s), agents will be rebound", s.cfg.LLM.APIURL, s.cfg.LLM.Model)
	}

	if prev.Schedule.CronExpr != s.cfg.Schedule.CronExpr && s.scheduled {
		for _, def := range s.catalog.EnabledAgents() {
			if def.Schedule == nil || def.Schedule.Cron != "" {
				continue
			}
			if err := s.scheduleAgentLocked(def); err != nil {
				return err
			}
		}
	}
	return nil
}

// Settings returns the current runtime settings.
func (s *Service) Settings() config.RuntimeSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.RuntimeSettings()
}
