package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MimeLyc/agent-orchestrator/internal/llm"
	"github.com/MimeLyc/agent-orchestrator/internal/observability"
	"github.com/MimeLyc/agent-orchestrator/internal/tools"
)

const throttleApology = "I'm sorry, the language model provider is rate limiting requests right now " +
	"and I could not finish this task. Please try again in a little while."

// errThrottledOut ends a run after MaxConsecutiveThrottles throttles.
var errThrottledOut = errors.New("too many consecutive throttled model calls")

// Run executes the think/act loop: THINKING calls the model; a response with
// tool calls moves to ACTING, which dispatches only the first call and
// appends its result before returning to THINKING. The run is DONE when the
// model answers without tool calls, when the iteration ceiling is reached, or
// after MaxConsecutiveThrottles consecutive throttled calls. The last two end
// with a synthetic assistant message instead of an error. On error the
// partial result, with StopReason StopError and the usage and trace of the
// completed iterations, is returned together with the error.
func (a *Agent) Run(ctx context.Context, req Request) (*Result, error) {
	maxIterations := a.maxIterations(req)
	systemPrompt := a.systemPrompt(req)

	state := &State{
		Phase:    PhaseThinking,
		Messages: llm.CloneMessages(req.History),
		Aux:      make(map[string]any),
	}
	if req.Prompt != "" {
		state.append(llm.Message{Role: llm.RoleUser, Content: req.Prompt})
	}
	result := &Result{}

	ctx, span := startSpan(ctx, traceSpanRun, runAttributes(a.cfg.ID, req)...)
	defer span.End()

	a.metrics.RunStarted()
	a.logger.Info("Run %s started: tenant=%s max_iterations=%d", req.RunID, req.TenantID, maxIterations)

	stop, err := a.loop(ctx, state, result, systemPrompt, maxIterations)

	result.Messages = state.Messages
	result.Iterations = state.Iterations
	result.Content = llm.LastAssistantText(state.Messages)
	result.StopReason = stop
	result.Aux = state.Aux

	outcome := string(stop)
	if err != nil {
		outcome = string(StopError)
	}
	a.metrics.RunFinished(a.cfg.ID, outcome, state.Iterations)
	span.SetAttributes(attribute.String(traceAttrStop, outcome), attribute.Int(traceAttrIteration, state.Iterations))
	markSpanResult(span, err)

	if err != nil {
		result.StopReason = StopError
		a.logger.Error("Run %s failed after %d iterations: %v", req.RunID, state.Iterations, err)
		return result, err
	}
	a.logger.Info("Run %s finished: stop=%s iterations=%d tool_calls=%d tokens=%d",
		req.RunID, stop, state.Iterations, len(result.ToolCalls), result.Usage.TotalTokens)
	return result, nil
}

func (a *Agent) loop(ctx context.Context, state *State, result *Result, systemPrompt string, maxIterations int) (StopReason, error) {
	model := a.currentModel()

	for {
		// THINKING
		if err := ctx.Err(); err != nil {
			return "", err
		}
		state.Phase = PhaseThinking
		state.Messages = llm.EnsureSystemPrompt(state.Messages, systemPrompt)

		if state.Iterations >= maxIterations {
			state.append(llm.Message{
				Role:    llm.RoleAssistant,
				Content: fmt.Sprintf("Reached the maximum of %d iterations before finishing the task.", maxIterations),
			})
			state.Phase = PhaseDone
			return StopMaxIterations, nil
		}

		iterCtx, iterSpan := startSpan(ctx, traceSpanIteration, attribute.Int(traceAttrIteration, state.Iterations+1))
		completion, trace, err := a.think(iterCtx, model, state)
		if err != nil {
			markSpanResult(iterSpan, err)
			iterSpan.End()
			if errors.Is(err, errThrottledOut) {
				result.Trace = append(result.Trace, trace)
				state.append(llm.Message{Role: llm.RoleAssistant, Content: throttleApology})
				state.Phase = PhaseDone
				return StopThrottled, nil
			}
			return "", err
		}

		msg := completion.Message
		state.Iterations++
		result.Usage.Add(completion.Usage)
		a.metrics.Tokens(a.cfg.ID, completion.Usage.PromptTokens, completion.Usage.CompletionTokens)

		if !msg.HasToolCalls() {
			state.append(msg)
			result.Trace = append(result.Trace, trace)
			markSpanResult(iterSpan, nil)
			iterSpan.End()
			state.Phase = PhaseDone
			return StopCompleted, nil
		}

		// ACTING: only the first requested call runs this turn. The others are
		// dropped from the recorded turn so every tool call in history has a
		// matching result; the model decides again next turn.
		state.Phase = PhaseActing
		call := msg.ToolCalls[0]
		if call.ID == "" {
			call.ID = "call_" + uuid.NewString()
		}
		dropped := len(msg.ToolCalls) - 1
		if dropped > 0 {
			a.logger.Debug("Dropping %d additional tool calls requested at iteration %d", dropped, state.Iterations)
		}
		msg.ToolCalls = []llm.ToolCall{call}
		state.append(msg)

		res := a.act(iterCtx, call, state.Iterations)
		state.append(res.Message())
		state.Aux[auxKey(state.Iterations, call.ID)] = res.Content

		result.ToolCalls = append(result.ToolCalls, ToolCallRecord{
			ToolName:  res.ToolName,
			CallID:    call.ID,
			ServerID:  res.ServerID,
			Arguments: call.Function.Arguments,
			Result:    res.Content,
			IsError:   res.IsError,
			Dropped:   dropped,
		})
		trace.Tool = res.ToolName
		trace.ToolLatency = res.Duration
		result.Trace = append(result.Trace, trace)

		markSpanResult(iterSpan, nil)
		iterSpan.End()
	}
}

// think performs one model call, including throttled resubmissions allowed
// by the retry policy.
func (a *Agent) think(ctx context.Context, model llm.Model, state *State) (*llm.Completion, IterationTrace, error) {
	iteration := state.Iterations + 1
	trace := IterationTrace{Iteration: iteration}

	for attempt := 1; ; attempt++ {
		trace.Attempts = attempt

		if delay := a.governor.Delay(); delay > 0 {
			trace.Delay += delay
			a.logger.Debug("Waiting %s before model call (iteration %d)", delay, iteration)
			if err := a.sleep(ctx, delay); err != nil {
				return nil, trace, err
			}
		}

		start := time.Now()
		completion, err := a.complete(ctx, model, state.Messages, iteration, attempt)
		trace.ModelLatency += time.Since(start)

		if err == nil {
			a.metrics.ModelCall(a.cfg.ID, "success")
			a.metrics.GovernorDelay(a.cfg.ID, a.governor.ObserveSuccess())
			trace.FinishReason = completion.FinishReason
			trace.Usage = completion.Usage
			trace.RequestedCall = len(completion.Message.ToolCalls)
			return completion, trace, nil
		}

		if !IsThrottle(err) {
			a.metrics.ModelCall(a.cfg.ID, "error")
			return nil, trace, fmt.Errorf("model call failed at iteration %d: %w", iteration, err)
		}

		trace.Throttles++
		consecutive, delay := a.governor.ObserveThrottle()
		a.metrics.ModelCall(a.cfg.ID, "throttled")
		a.metrics.GovernorDelay(a.cfg.ID, delay)
		a.logger.Warn("Model call throttled (%d consecutive), next delay %s: %v", consecutive, delay, err)

		if consecutive >= MaxConsecutiveThrottles {
			return nil, trace, errThrottledOut
		}

		throttleErr := &ThrottleError{Err: err, Consecutive: consecutive, Delay: delay, Iteration: iteration}
		if !a.cfg.Retry.allow(attempt, throttleErr) {
			return nil, trace, throttleErr
		}
		if pause := a.cfg.Retry.backoff(attempt); pause > 0 {
			if err := a.sleep(ctx, pause); err != nil {
				return nil, trace, err
			}
		}
	}
}

func (a *Agent) complete(ctx context.Context, model llm.Model, messages []llm.Message, iteration, attempt int) (*llm.Completion, error) {
	ctx, span := startSpan(ctx, traceSpanModel,
		attribute.Int(traceAttrIteration, iteration),
		attribute.Int(traceAttrAttempt, attempt),
	)
	defer span.End()

	completion, err := model.Complete(ctx, llm.CloneMessages(messages))
	if err == nil && completion == nil {
		err = errors.New("model returned no completion")
	}
	if err != nil && IsThrottle(err) {
		span.SetAttributes(attribute.Bool(traceAttrThrottled, true))
	}
	markSpanResult(span, err)
	return completion, err
}

func (a *Agent) act(ctx context.Context, call llm.ToolCall, iteration int) tools.CallResult {
	ctx, span := startSpan(ctx, traceSpanTool,
		attribute.String(traceAttrToolName, call.Function.Name),
		attribute.Int(traceAttrIteration, iteration),
	)
	defer span.End()

	res := a.dispatcher.Dispatch(ctx, call)
	if res.ServerID != "" {
		span.SetAttributes(attribute.String(traceAttrToolServer, res.ServerID))
	}
	if res.IsError {
		markSpanResult(span, errors.New(res.Content))
	} else {
		markSpanResult(span, nil)
	}
	label := res.ToolName
	if !res.Resolved {
		label = observability.UnknownTool
	}
	a.metrics.ToolCall(label, res.IsError, res.Duration)
	return res
}

// auxKey identifies one tool output. Providers may reuse call ids across
// turns, so the iteration is part of the key.
func auxKey(iteration int, callID string) string {
	return fmt.Sprintf("%d:%s", iteration, callID)
}
