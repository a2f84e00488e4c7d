package persistence

import (
	"time"

	"github.com/MimeLyc/agent-orchestrator/internal/agent"
	"github.com/MimeLyc/agent-orchestrator/internal/llm"
)

// Transcript is the stored outcome of one agent run: the final history plus
// the per-iteration trace and token usage consumed by cost monitoring.
type Transcript struct {
	RunID      string                 `json:"run_id"`
	AgentID    string                 `json:"agent_id"`
	TenantID   string                 `json:"tenant_id,omitempty"`
	StopReason string                 `json:"stop_reason"`
	Iterations int                    `json:"iterations"`
	Messages   []llm.Message          `json:"messages"`
	ToolCalls  []agent.ToolCallRecord `json:"tool_calls"`
	Trace      []agent.IterationTrace `json:"trace"`
	Usage      llm.Usage              `json:"usage"`
	CreatedAt  time.Time              `json:"created_at"`
}

// NewTranscript captures a run result.
func NewTranscript(runID, agentID, tenantID string, result *agent.Result) Transcript {
	return Transcript{
		RunID:      runID,
		AgentID:    agentID,
		TenantID:   tenantID,
		StopReason: string(result.StopReason),
		Iterations: result.Iterations,
		Messages:   result.Messages,
		ToolCalls:  result.ToolCalls,
		Trace:      result.Trace,
		Usage:      result.Usage,
		CreatedAt:  time.Now().UTC(),
	}
}

// AgentUsage aggregates token usage of one agent.
type AgentUsage struct {
	AgentID          string `json:"agent_id"`
	Runs             int    `json:"runs"`
	Iterations       int    `json:"iterations"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
}
