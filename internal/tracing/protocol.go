package tracing

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	protocolTracerName = "acphost-protocol"
	maxAttrValueLen    = 8192
)

func protocolTracer() trace.Tracer {
	return Tracer(protocolTracerName)
}

// TraceProtocolRequest starts a span for an outgoing ACP request.
// The caller must call span.End() when the request completes.
func TraceProtocolRequest(ctx context.Context, agentID, method string) (context.Context, trace.Span) {
	ctx, span := protocolTracer().Start(ctx, "acp."+method,
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("protocol", "acp"),
		attribute.String("agent_id", agentID),
		attribute.String("rpc.method", method),
	)
	return ctx, span
}

// TraceProtocolResult records the outcome of a request on its span.
func TraceProtocolResult(span trace.Span, errKind string, err error) {
	if err != nil {
		span.SetAttributes(attribute.String("error_kind", errKind))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceInboundRequest starts a span for a request the agent sent to us.
func TraceInboundRequest(ctx context.Context, agentID, method string, params json.RawMessage) (context.Context, trace.Span) {
	ctx, span := protocolTracer().Start(ctx, "acp.inbound."+method,
		trace.WithSpanKind(trace.SpanKindServer),
	)
	span.SetAttributes(
		attribute.String("protocol", "acp"),
		attribute.String("agent_id", agentID),
		attribute.String("rpc.method", method),
	)
	if len(params) > 0 {
		span.AddEvent("params", trace.WithAttributes(
			attribute.String("data", truncate(string(params), maxAttrValueLen)),
		))
	}
	return ctx, span
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "...(truncated)"
}
