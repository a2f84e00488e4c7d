package service

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/MimeLyc/agent-orchestrator/internal/agent"
	"github.com/MimeLyc/agent-orchestrator/internal/config"
	"github.com/MimeLyc/agent-orchestrator/internal/jobs"
	"github.com/MimeLyc/agent-orchestrator/internal/llm"
	"github.com/MimeLyc/agent-orchestrator/internal/tools"
)

// RunRequest asks an agent to work on a prompt.
type RunRequest struct {
	AgentID       string        `json:"agent_id"`
	Prompt        string        `json:"prompt"`
	History       []llm.Message `json:"history,omitempty"`
	TenantID      string        `json:"tenant_id,omitempty"`
	MaxIterations int           `json:"max_iterations,omitempty"`
}

func (r RunRequest) validate() error {
	if strings.TrimSpace(r.AgentID) == "" {
		return NewError(ErrValidation, "agent id is required")
	}
	if strings.TrimSpace(r.Prompt) == "" && len(r.History) == 0 {
		return NewError(ErrValidation, "prompt is required")
	}
	if r.MaxIterations < 0 {
		return NewError(ErrValidation, "max_iterations must not be negative")
	}
	return nil
}

// RunResponse is the outcome of a synchronous run.
type RunResponse struct {
	RunID      string                 `json:"run_id"`
	AgentID    string                 `json:"agent_id"`
	Content    string                 `json:"content"`
	StopReason string                 `json:"stop_reason"`
	Iterations int                    `json:"iterations"`
	ToolCalls  []agent.ToolCallRecord `json:"tool_calls"`
	Usage      llm.Usage              `json:"usage"`
	Messages   []llm.Message          `json:"messages"`
}

func newRunResponse(runID, agentID string, result *agent.Result) *RunResponse {
	toolCalls := result.ToolCalls
	if toolCalls == nil {
		toolCalls = []agent.ToolCallRecord{}
	}
	return &RunResponse{
		RunID:      runID,
		AgentID:    agentID,
		Content:    result.Content,
		StopReason: string(result.StopReason),
		Iterations: result.Iterations,
		ToolCalls:  toolCalls,
		Usage:      result.Usage,
		Messages:   result.Messages,
	}
}

// Summary condenses the response for the run queue.
func (r *RunResponse) Summary() *jobs.RunSummary {
	return &jobs.RunSummary{
		Content:     r.Content,
		StopReason:  r.StopReason,
		Iterations:  r.Iterations,
		ToolCalls:   len(r.ToolCalls),
		TotalTokens: r.Usage.TotalTokens,
	}
}

// AgentInfo describes a configured agent and its live state.
type AgentInfo struct {
	ID            string                `json:"id"`
	Name          string                `json:"name"`
	Description   string                `json:"description,omitempty"`
	Binding       string                `json:"binding"`
	MaxIterations int                   `json:"max_iterations"`
	Language      string                `json:"language,omitempty"`
	MCPServers    []string              `json:"mcp_servers,omitempty"`
	Schedule      *config.AgentSchedule `json:"schedule,omitempty"`
	Tools         []ToolInfo            `json:"tools"`
	Governor      GovernorInfo          `json:"governor"`
}

// GovernorInfo reports the rate-limit governor of an agent.
type GovernorInfo struct {
	DelaySeconds float64 `json:"delay_seconds"`
	Consecutive  int     `json:"consecutive_throttles"`
}

// ToolInfo describes a tool as the model sees it.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	ServerID    string          `json:"server_id,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

func newAgentInfo(def config.AgentDefinition, a *agent.Agent) AgentInfo {
	governor := a.Governor()
	return AgentInfo{
		ID:            def.ID,
		Name:          def.DisplayName(),
		Description:   def.Description,
		Binding:       string(a.Binding()),
		MaxIterations: a.MaxIterations(),
		Language:      def.Language,
		MCPServers:    def.MCPServers,
		Schedule:      def.Schedule,
		Tools:         newToolInfos(a.Tools()),
		Governor: GovernorInfo{
			DelaySeconds: governor.Delay().Seconds(),
			Consecutive:  governor.Consecutive(),
		},
	}
}

func newToolInfos(bindings []tools.Binding) []ToolInfo {
	out := make([]ToolInfo, 0, len(bindings))
	for _, b := range bindings {
		info := ToolInfo{
			Name:        b.Name,
			Description: b.Descriptor.Description,
			ServerID:    b.ServerID,
		}
		if b.Descriptor.InputSchema != nil {
			if raw, err := json.Marshal(b.Descriptor.InputSchema); err == nil {
				info.Parameters = raw
			}
		}
		out = append(out, info)
	}
	return out
}

// ScheduleInfo reports the next and previous trigger of a cron expression.
type ScheduleInfo struct {
	AgentID    string    `json:"agent_id,omitempty"`
	Expression string    `json:"expression"`
	Next       time.Time `json:"next"`
	Last       time.Time `json:"last,omitempty"`
}
