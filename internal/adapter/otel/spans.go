// Package otel provides the tracing and metric instruments for the
// session-manager and streaming-adapter lifecycle, grounded on the
// teacher's internal/adapter/otel: same tracer/meter instrument shape,
// narrowed to the spans this gateway's own turn/tool-call lifecycle
// actually emits. Only the always-available no-op global tracer/meter API
// (go.opentelemetry.io/otel, .../trace, .../metric) is wired — see
// DESIGN.md for why the OTLP exporter/SDK packages are not.
package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "amplifier-gateway"

// StartToolCallSpan starts a span around one tool_call/tool_result pair
// the streaming adapter observes, mirroring the teacher's
// StartToolCallSpan around its own policy-gated tool dispatch.
func StartToolCallSpan(ctx context.Context, sessionID, toolUseID, toolName string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "tool_call",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("toolcall.id", toolUseID),
			attribute.String("toolcall.tool", toolName),
		),
	)
}

// StartTurnSpan starts a span around one Prompt/Execute turn, mirroring
// the teacher's StartDeliverySpan around its own run-output delivery —
// the nearest teacher lifecycle edge to this gateway's turn boundary.
func StartTurnSpan(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "turn",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
		),
	)
}
