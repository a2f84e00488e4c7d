package jobs

import "time"

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// Sources of a run.
const (
	SourceAPI      = "api"
	SourceCron     = "cron"
	SourceCLI      = "cli"
	SourceRecovery = "recovery"
)

type EnqueueRequest struct {
	Source    string
	DedupeKey string
	Payload   RunPayload
}

// RunPayload is what a queued run executes.
type RunPayload struct {
	AgentID       string `json:"agent_id"`
	Prompt        string `json:"prompt"`
	TenantID      string `json:"tenant_id,omitempty"`
	MaxIterations int    `json:"max_iterations,omitempty"`
}

// RunSummary is the outcome of a finished run.
type RunSummary struct {
	Content     string `json:"content"`
	StopReason  string `json:"stop_reason"`
	Iterations  int    `json:"iterations"`
	ToolCalls   int    `json:"tool_calls"`
	TotalTokens int    `json:"total_tokens"`
}

type RunJob struct {
	ID         string      `json:"id"`
	Source     string      `json:"source"`
	DedupeKey  string      `json:"dedupe_key,omitempty"`
	Payload    RunPayload  `json:"payload"`
	Status     Status      `json:"status"`
	Error      string      `json:"error,omitempty"`
	Summary    *RunSummary `json:"summary,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}
