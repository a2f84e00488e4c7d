package agent

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	traceScope = "agent-orchestrator/agent"

	traceSpanRun       = "agent.run"
	traceSpanIteration = "agent.iteration"
	traceSpanModel     = "agent.llm.complete"
	traceSpanTool      = "agent.tool.dispatch"

	traceAttrAgentID    = "agent.id"
	traceAttrRunID      = "agent.run_id"
	traceAttrTenantID   = "agent.tenant_id"
	traceAttrIteration  = "agent.iteration"
	traceAttrStatus     = "agent.status"
	traceAttrStop       = "agent.stop_reason"
	traceAttrToolName   = "agent.tool_name"
	traceAttrToolServer = "agent.tool_server"
	traceAttrAttempt    = "agent.llm.attempt"
	traceAttrThrottled  = "agent.llm.throttled"
)

func runAttributes(agentID string, req Request) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String(traceAttrAgentID, agentID)}
	if req.RunID != "" {
		attrs = append(attrs, attribute.String(traceAttrRunID, req.RunID))
	}
	if req.TenantID != "" {
		attrs = append(attrs, attribute.String(traceAttrTenantID, req.TenantID))
	}
	return attrs
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(traceScope).Start(ctx, name, trace.WithAttributes(attrs...))
}

func markSpanResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String(traceAttrStatus, "error"))
		return
	}
	span.SetStatus(codes.Ok, "")
	span.SetAttributes(attribute.String(traceAttrStatus, "success"))
}
