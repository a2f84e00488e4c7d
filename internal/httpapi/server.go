package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MimeLyc/agent-orchestrator/internal/config"
	"github.com/MimeLyc/agent-orchestrator/internal/jobs"
	"github.com/MimeLyc/agent-orchestrator/internal/persistence"
	"github.com/MimeLyc/agent-orchestrator/internal/service"
)

// TenantHeader carries the tenant a request acts for.
const TenantHeader = "X-Tenant-ID"

// agentService is the part of service.Service the API exposes.
type agentService interface {
	Agents() ([]service.AgentInfo, error)
	Agent(id string) (service.AgentInfo, error)
	Tools(agentID string) ([]service.ToolInfo, error)
	Run(ctx context.Context, req service.RunRequest) (*service.RunResponse, error)
	Enqueue(req service.RunRequest, source string, dedupeKey string) (*jobs.RunJob, bool, error)
	Runs() []*jobs.RunJob
	GetRun(id string) (*jobs.RunJob, error)
	CancelRun(id string) (*jobs.RunJob, error)
	Transcript(ctx context.Context, runID string) (persistence.Transcript, error)
	Usage(ctx context.Context, since time.Time) ([]persistence.AgentUsage, error)
	Schedules(now time.Time) []service.ScheduleInfo
	RefreshTools(ctx context.Context) error
}

type runtimeSettingsStore interface {
	GetRuntimeSettings() (config.RuntimeSettings, error)
	UpdateRuntimeSettings(next config.RuntimeSettings) (config.RuntimeSettings, error)
}

type runtimeSettingsApplier func(next config.RuntimeSettings) error

type Server struct {
	svc      agentService
	settings runtimeSettingsStore
	apply    runtimeSettingsApplier
	metrics  http.Handler

	streamInterval time.Duration

	mux    *http.ServeMux
	server *http.Server
}

type Option func(*Server)

func WithRuntimeSettingsStore(store runtimeSettingsStore) Option {
	return func(s *Server) {
		s.settings = store
	}
}

func WithRuntimeSettingsApplier(apply runtimeSettingsApplier) Option {
	return func(s *Server) {
		s.apply = apply
	}
}

// WithMetricsHandler replaces the default Prometheus handler on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithStreamInterval sets how often /api/runs/stream pushes the run list.
func WithStreamInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.streamInterval = d
		}
	}
}

func NewServer(svc agentService, opts ...Option) *Server {
	s := &Server{
		svc:            svc,
		metrics:        promhttp.Handler(),
		streamInterval: time.Second,
		mux:            http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/agents", s.handleListAgents)
	s.mux.HandleFunc("/api/agents/", s.handleAgent)
	s.mux.HandleFunc("/api/runs", s.handleListRuns)
	s.mux.HandleFunc("/api/runs/stream", s.handleRunStream)
	s.mux.HandleFunc("/api/runs/", s.handleRun)
	s.mux.HandleFunc("/api/tools/refresh", s.handleRefreshTools)
	s.mux.HandleFunc("/api/schedules", s.handleSchedules)
	s.mux.HandleFunc("/api/usage", s.handleUsage)
	s.mux.HandleFunc("/api/settings", s.handleSettings)
	s.mux.Handle("/metrics", s.metrics)
	s.mux.HandleFunc("/healthz", s.handleHealth)
}
