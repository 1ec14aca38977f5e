package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const runtimeTracerName = "agentdesk-runtime"

func runtimeTracer() trace.Tracer {
	return Tracer(runtimeTracerName)
}

// TraceTurn creates a span for a single conversation turn.
func TraceTurn(ctx context.Context, conversationID, workerType, msgID string) (context.Context, trace.Span) {
	ctx, span := runtimeTracer().Start(ctx, "worker.turn",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("conversation_id", conversationID),
		attribute.String("worker_type", workerType),
		attribute.String("msg_id", msgID),
	)
	return ctx, span
}

// TraceMCPDetect creates a span for an MCP source detection pass.
func TraceMCPDetect(ctx context.Context, source string) (context.Context, trace.Span) {
	ctx, span := runtimeTracer().Start(ctx, "mcp.detect",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(attribute.String("mcp_source", source))
	return ctx, span
}

// TraceStorageMigration creates a span for a schema migration run.
func TraceStorageMigration(ctx context.Context, fromVersion, toVersion int) (context.Context, trace.Span) {
	ctx, span := runtimeTracer().Start(ctx, "storage.migrate",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.Int("from_version", fromVersion),
		attribute.Int("to_version", toVersion),
	)
	return ctx, span
}

// RecordResult records the outcome of an operation on its span.
func RecordResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
