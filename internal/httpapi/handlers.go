package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MimeLyc/agent-orchestrator/internal/config"
	"github.com/MimeLyc/agent-orchestrator/internal/jobs"
	"github.com/MimeLyc/agent-orchestrator/internal/llm"
	"github.com/MimeLyc/agent-orchestrator/internal/persistence"
	"github.com/MimeLyc/agent-orchestrator/internal/service"
	"github.com/MimeLyc/agent-orchestrator/pkg/log"
)

const defaultUsageWindow = 24 * time.Hour

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	agents, err := s.svc.Agents()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

// handleAgent serves /api/agents/{id}, /api/agents/{id}/tools and
// /api/agents/{id}/runs.
func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	id, action, ok := splitResourcePath(r.URL.Path, "/api/agents/")
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		info, err := s.svc.Agent(id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	case "tools":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		toolInfos, err := s.svc.Tools(id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toolInfos)
	case "runs":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleCreateRun(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

type createRunRequest struct {
	Prompt        string        `json:"prompt"`
	History       []llm.Message `json:"history,omitempty"`
	MaxIterations int           `json:"max_iterations,omitempty"`
	Async         bool          `json:"async,omitempty"`
	DedupeKey     string        `json:"dedupe_key,omitempty"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request, agentID string) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	runReq := service.RunRequest{
		AgentID:       agentID,
		Prompt:        req.Prompt,
		History:       req.History,
		TenantID:      r.Header.Get(TenantHeader),
		MaxIterations: req.MaxIterations,
	}

	if !req.Async {
		if req.DedupeKey != "" {
			writeError(w, http.StatusBadRequest, "dedupe_key requires async")
			return
		}
		resp, err := s.svc.Run(r.Context(), runReq)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if len(req.History) > 0 {
		writeError(w, http.StatusBadRequest, "history is only supported for synchronous runs")
		return
	}
	job, created, err := s.svc.Enqueue(runReq, jobs.SourceAPI, req.DedupeKey)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	code := http.StatusCreated
	if !created {
		code = http.StatusOK
	}
	writeJSON(w, code, map[string]any{
		"created": created,
		"run":     job,
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	runs := filterRuns(s.svc.Runs(), r.URL.Query().Get("agent"), r.Header.Get(TenantHeader))
	writeJSON(w, http.StatusOK, runs)
}

// filterRuns keeps runs of agentID and tenant; empty filters match all.
func filterRuns(runs []*jobs.RunJob, agentID, tenant string) []*jobs.RunJob {
	ret := make([]*jobs.RunJob, 0, len(runs))
	for _, run := range runs {
		if run == nil {
			continue
		}
		if agentID != "" && run.Payload.AgentID != agentID {
			continue
		}
		if tenant != "" && run.Payload.TenantID != tenant {
			continue
		}
		ret = append(ret, run)
	}
	return ret
}

type runDetailResponse struct {
	Run        *jobs.RunJob            `json:"run"`
	Transcript *persistence.Transcript `json:"transcript,omitempty"`
}

// handleRun serves /api/runs/{id}, /api/runs/{id}/cancel and
// /api/runs/{id}/transcript.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id, action, ok := splitResourcePath(r.URL.Path, "/api/runs/")
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		run, err := s.svc.GetRun(id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		resp := runDetailResponse{Run: run}
		if run.Status == jobs.StatusSuccess {
			if transcript, err := s.svc.Transcript(r.Context(), id); err == nil {
				resp.Transcript = &transcript
			} else if !service.IsErrorType(err, service.ErrNotFound) && !service.IsErrorType(err, service.ErrConfig) {
				log.Warn("Failed to load transcript of run %s: %v", id, err)
			}
		}
		writeJSON(w, http.StatusOK, resp)
	case "cancel":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		run, err := s.svc.CancelRun(id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, run)
	case "transcript":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		transcript, err := s.svc.Transcript(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, transcript)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleRefreshTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.svc.RefreshTools(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
	})
}

func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Schedules(time.Now()))
}

// handleUsage aggregates token usage per agent. The window is given either
// as since=<RFC 3339 time> or hours=<n>; the default is the last 24 hours.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	since := time.Now().Add(-defaultUsageWindow)
	query := r.URL.Query()
	if raw := query.Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 time")
			return
		}
		since = parsed
	} else if raw := query.Get("hours"); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil || hours <= 0 {
			writeError(w, http.StatusBadRequest, "hours must be a positive integer")
			return
		}
		since = time.Now().Add(-time.Duration(hours) * time.Hour)
	}

	usage, err := s.svc.Usage(r.Context(), since)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"since":  since.UTC(),
		"agents": usage,
	})
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		writeError(w, http.StatusNotImplemented, "settings store is not configured")
		return
	}

	switch r.Method {
	case http.MethodGet:
		settings, err := s.settings.GetRuntimeSettings()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, redactSettings(settings))
	case http.MethodPut:
		var req config.RuntimeSettings
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		if req.LLMAPIKey == "" {
			// Keep the stored key when the client echoes the redacted settings.
			if current, err := s.settings.GetRuntimeSettings(); err == nil {
				req.LLMAPIKey = current.LLMAPIKey
			}
		}
		if err := req.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		saved, err := s.settings.UpdateRuntimeSettings(req)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if s.apply != nil {
			if err := s.apply(saved); err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
		}
		writeJSON(w, http.StatusOK, redactSettings(saved))
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func redactSettings(settings config.RuntimeSettings) config.RuntimeSettings {
	settings.LLMAPIKey = ""
	return settings
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
	})
}

// splitResourcePath splits "/prefix/{id}" or "/prefix/{id}/{action}".
func splitResourcePath(path, prefix string) (id, action string, ok bool) {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) > 2 {
		return "", "", false
	}
	id = parts[0]
	if decoded, err := url.PathUnescape(id); err == nil {
		id = decoded
	}
	if len(parts) == 2 {
		action = parts[1]
	}
	return id, action, id != ""
}

func statusFor(err error) int {
	var svcErr *service.Error
	if !errors.As(err, &svcErr) {
		return http.StatusInternalServerError
	}
	switch svcErr.Type {
	case service.ErrNotFound:
		return http.StatusNotFound
	case service.ErrValidation:
		return http.StatusBadRequest
	case service.ErrThrottled:
		return http.StatusTooManyRequests
	case service.ErrAPI:
		return http.StatusBadGateway
	case service.ErrConfig:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		service.LogError(err)
	}
	var svcErr *service.Error
	if errors.As(err, &svcErr) {
		writeError(w, code, svcErr.Message)
		return
	}
	writeError(w, code, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}
