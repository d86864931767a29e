package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_RegistersAllInstruments(t *testing.T) {
	m, err := NewMetrics()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.ToolCalls == nil || m.TurnsStarted == nil || m.TurnsFinished == nil || m.TurnsErrored == nil || m.TurnDuration == nil {
		t.Fatal("expected every instrument to be non-nil")
	}

	ctx := context.Background()
	m.ToolCalls.Add(ctx, 1)
	m.TurnsStarted.Add(ctx, 1)
	m.TurnDuration.Record(ctx, 1.5)
}

func TestStartToolCallSpanAndStartTurnSpan_DoNotPanicWithoutAnSDK(t *testing.T) {
	ctx := context.Background()

	_, toolSpan := StartToolCallSpan(ctx, "sess-1", "tool-1", "bash")
	toolSpan.End()

	_, turnSpan := StartTurnSpan(ctx, "sess-1")
	turnSpan.End()
}
