package agent

import (
	"time"

	"github.com/MimeLyc/agent-orchestrator/internal/llm"
)

// Request represents one run of an agent
type Request struct {
	// SystemPrompt overrides the agent's system prompt when set
	SystemPrompt string

	// Prompt is appended to History as a user message when set
	Prompt string

	// History is the starting conversation. It is copied, never modified.
	History []llm.Message

	// MaxIterations overrides the agent's iteration ceiling when positive
	MaxIterations int

	// RunID and TenantID label logs, spans and metrics. They are carried
	// explicitly so concurrent runs never share hidden state.
	RunID    string
	TenantID string
}

// StopReason explains why a run reached DONE.
type StopReason string

const (
	// StopCompleted means the model answered without requesting a tool.
	StopCompleted StopReason = "completed"
	// StopMaxIterations means the iteration ceiling was reached.
	StopMaxIterations StopReason = "max_iterations"
	// StopThrottled means the provider throttled too many consecutive calls.
	StopThrottled StopReason = "throttled"
	// StopError means the run failed. It is only set on the partial result
	// returned together with an error.
	StopError StopReason = "error"
)

// Result represents the outcome of a run
type Result struct {
	// Messages is the final conversation, system prompt included
	Messages []llm.Message

	// Content is the final assistant text
	Content string

	// Iterations is the number of successful model calls
	Iterations int

	// StopReason explains why the run ended
	StopReason StopReason

	// ToolCalls contains a record of all tool calls made during execution
	ToolCalls []ToolCallRecord

	// Usage accumulates provider token usage
	Usage llm.Usage

	// Trace has one entry per iteration
	Trace []IterationTrace

	// Aux holds tool outputs keyed by "{iteration}:{call id}"
	Aux map[string]any
}

// ToolCallRecord records a single tool call and its result
type ToolCallRecord struct {
	// ToolName is the name of the tool that was called
	ToolName string `json:"tool_name"`

	// CallID is the correlation id assigned by the model
	CallID string `json:"call_id"`

	// ServerID is the remote server that executed the call, empty for local tools
	ServerID string `json:"server_id,omitempty"`

	// Arguments is the JSON arguments passed to the tool
	Arguments string `json:"arguments"`

	// Result is the output from the tool
	Result string `json:"result"`

	// IsError indicates if the tool execution resulted in an error
	IsError bool `json:"is_error"`

	// Dropped counts the other calls the model requested in the same turn
	Dropped int `json:"dropped,omitempty"`
}

// IterationTrace summarises one think/act cycle for cost and monitoring
// collaborators.
type IterationTrace struct {
	Iteration     int           `json:"iteration"`
	Attempts      int           `json:"attempts"`
	Throttles     int           `json:"throttles"`
	Delay         time.Duration `json:"delay_ns"`
	ModelLatency  time.Duration `json:"model_latency_ns"`
	FinishReason  string        `json:"finish_reason,omitempty"`
	Usage         llm.Usage     `json:"usage"`
	RequestedCall int           `json:"requested_calls"`
	Tool          string        `json:"tool,omitempty"`
	ToolLatency   time.Duration `json:"tool_latency_ns,omitempty"`
}

// Phase is a state of the execution loop.
type Phase int

const (
	// PhaseThinking waits for a model response.
	PhaseThinking Phase = iota
	// PhaseActing dispatches exactly one tool call.
	PhaseActing
	// PhaseDone is terminal.
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseThinking:
		return "THINKING"
	case PhaseActing:
		return "ACTING"
	case PhaseDone:
		return "DONE"
	}
	return "UNKNOWN"
}

// State is the conversation state owned by one run. Messages only grow.
type State struct {
	Phase      Phase
	Messages   []llm.Message
	Iterations int
	Aux        map[string]any
}

func (s *State) append(msgs ...llm.Message) {
	s.Messages = append(s.Messages, msgs...)
}
