package streamadapter

import (
	"context"
	"testing"

	gwotel "github.com/Strob0t/amplifier-gateway/internal/adapter/otel"
	"github.com/Strob0t/amplifier-gateway/internal/domain/streamevent"
)

func collect(t *testing.T) (Emitter, func() []streamevent.ClientFrame) {
	t.Helper()
	var frames []streamevent.ClientFrame
	return func(_ context.Context, f streamevent.ClientFrame) {
			frames = append(frames, f)
		}, func() []streamevent.ClientFrame {
			return frames
		}
}

func TestContentBlockLifecycle_AssignsDenseIndicesAndOrder(t *testing.T) {
	emit, frames := collect(t)
	a := New("sess-1", emit, nil)
	ctx := context.Background()

	a.Handle(ctx, streamevent.RuntimeEvent{Type: streamevent.EventContentStart, ServerIndex: 0, BlockType: "text"})
	a.Handle(ctx, streamevent.RuntimeEvent{Type: streamevent.EventContentDelta, ServerIndex: 0, Delta: "hi"})
	a.Handle(ctx, streamevent.RuntimeEvent{Type: streamevent.EventContentEnd, ServerIndex: 0})

	got := frames()
	if len(got) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(got))
	}
	for _, f := range got {
		if f.Index != 0 || f.Order != 0 {
			t.Errorf("expected index=0 order=0, got index=%d order=%d", f.Index, f.Order)
		}
	}
}

func TestToolResult_ClearsBlockIndexMapButOrderStaysMonotone(t *testing.T) {
	emit, frames := collect(t)
	a := New("sess-1", emit, nil)
	ctx := context.Background()

	a.Handle(ctx, streamevent.RuntimeEvent{Type: streamevent.EventContentStart, ServerIndex: 0, BlockType: "text"})
	a.Handle(ctx, streamevent.RuntimeEvent{Type: streamevent.EventToolCall, ToolUseID: "t1", ToolName: "bash"})
	a.Handle(ctx, streamevent.RuntimeEvent{Type: streamevent.EventToolResult, ToolUseID: "t1"})
	// Server restarts indexing at 0 for the next model response.
	a.Handle(ctx, streamevent.RuntimeEvent{Type: streamevent.EventContentStart, ServerIndex: 0, BlockType: "text"})

	got := frames()
	var starts []streamevent.ClientFrame
	for _, f := range got {
		if f.Type == streamevent.FrameContentStart {
			starts = append(starts, f)
		}
	}
	if len(starts) != 2 {
		t.Fatalf("expected 2 content_start frames, got %d", len(starts))
	}
	if starts[0].Index == starts[1].Index {
		t.Error("expected dense local indices to differ across response turns despite shared server_index=0")
	}
	if starts[1].Order <= starts[0].Order {
		t.Error("expected order counter to stay monotone across the tool-result boundary")
	}
}

func TestToolCall_OpensAndClosesSpanAndRecordsMetric(t *testing.T) {
	metrics, err := gwotel.NewMetrics()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	emit, _ := collect(t)
	a := New("sess-1", emit, metrics)
	ctx := context.Background()

	a.Handle(ctx, streamevent.RuntimeEvent{Type: streamevent.EventToolCall, ToolUseID: "t1", ToolName: "bash"})
	if _, open := a.toolSpans["t1"]; !open {
		t.Fatal("expected a span to be tracked for the in-flight tool call")
	}

	a.Handle(ctx, streamevent.RuntimeEvent{Type: streamevent.EventToolResult, ToolUseID: "t1"})
	if _, stillOpen := a.toolSpans["t1"]; stillOpen {
		t.Error("expected the span to be closed and removed once the tool result arrives")
	}
}

func TestDanglingDelta_IsDroppedSilently(t *testing.T) {
	emit, frames := collect(t)
	a := New("sess-1", emit, nil)
	ctx := context.Background()

	a.Handle(ctx, streamevent.RuntimeEvent{Type: streamevent.EventContentDelta, ServerIndex: 5, Delta: "orphan"})

	if len(frames()) != 0 {
		t.Errorf("expected no frames for a delta with no prior content_start, got %d", len(frames()))
	}
}

func TestSessionFork_BindsToOldestUnboundDelegation_WhenForkArrivesAfterToolCall(t *testing.T) {
	emit, _ := collect(t)
	a := New("sess-1", emit, nil)
	ctx := context.Background()

	a.Handle(ctx, streamevent.RuntimeEvent{Type: streamevent.EventToolCall, ToolUseID: "call-a", ToolName: "task"})
	a.Handle(ctx, streamevent.RuntimeEvent{Type: streamevent.EventToolCall, ToolUseID: "call-b", ToolName: "task"})

	fork := a.Handle(ctx, streamevent.RuntimeEvent{Type: streamevent.EventSessionFork, ChildSessionID: "child-1"})
	if fork == nil {
		t.Fatal("expected a ForkEvent")
	}
	if fork.ParentToolCallID != "call-a" {
		t.Errorf("expected FIFO binding to call-a, got %q", fork.ParentToolCallID)
	}
}

func TestSessionFork_ArrivingBeforeToolCall_IsHeldAndReplayed(t *testing.T) {
	emit, frames := collect(t)
	a := New("sess-1", emit, nil)
	ctx := context.Background()

	fork := a.Handle(ctx, streamevent.RuntimeEvent{Type: streamevent.EventSessionFork, ChildSessionID: "child-1"})
	if fork != nil {
		t.Fatal("expected fork to be held, not bound yet")
	}

	fork = a.Handle(ctx, streamevent.RuntimeEvent{Type: streamevent.EventToolCall, ToolUseID: "call-a", ToolName: "task"})
	if fork == nil {
		t.Fatal("expected the held fork to bind once the tool_call registered")
	}
	if fork.ParentToolCallID != "call-a" {
		t.Errorf("expected binding to call-a, got %q", fork.ParentToolCallID)
	}

	var forkFrames int
	for _, f := range frames() {
		if f.Type == streamevent.FrameSessionFork {
			forkFrames++
		}
	}
	if forkFrames != 1 {
		t.Errorf("expected exactly one session_fork frame emitted, got %d", forkFrames)
	}
}

func TestSessionFork_ExplicitParentToolCallID(t *testing.T) {
	emit, _ := collect(t)
	a := New("sess-1", emit, nil)
	ctx := context.Background()

	a.Handle(ctx, streamevent.RuntimeEvent{Type: streamevent.EventToolCall, ToolUseID: "call-x", ToolName: "task"})
	a.Handle(ctx, streamevent.RuntimeEvent{Type: streamevent.EventToolCall, ToolUseID: "call-y", ToolName: "task"})

	fork := a.Handle(ctx, streamevent.RuntimeEvent{
		Type: streamevent.EventSessionFork, ChildSessionID: "child-1", ParentToolCallID: "call-y",
	})
	if fork == nil || fork.ParentToolCallID != "call-y" {
		t.Fatalf("expected explicit binding to call-y, got %+v", fork)
	}
}

func TestPromptComplete_ResetsLocalIndexForNextTurn(t *testing.T) {
	emit, frames := collect(t)
	a := New("sess-1", emit, nil)
	ctx := context.Background()

	a.Handle(ctx, streamevent.RuntimeEvent{Type: streamevent.EventContentStart, ServerIndex: 0, BlockType: "text"})
	a.Handle(ctx, streamevent.RuntimeEvent{Type: streamevent.EventContentStart, ServerIndex: 1, BlockType: "text"})
	a.Handle(ctx, streamevent.RuntimeEvent{Type: streamevent.EventPromptComplete})

	// A fresh turn restarts server-side indices at 0; without resetting
	// nextLocalIdx too, this would be assigned local index 2 instead of 0.
	a.Handle(ctx, streamevent.RuntimeEvent{Type: streamevent.EventContentStart, ServerIndex: 0, BlockType: "text"})

	var starts []streamevent.ClientFrame
	for _, f := range frames() {
		if f.Type == streamevent.FrameContentStart {
			starts = append(starts, f)
		}
	}
	if len(starts) != 3 {
		t.Fatalf("expected 3 content_start frames, got %d", len(starts))
	}
	if starts[2].Index != 0 {
		t.Errorf("expected local index to reset to 0 after prompt_complete, got %d", starts[2].Index)
	}
}

func TestProviderRequestAndResponse_EmitPassThroughFrames(t *testing.T) {
	emit, frames := collect(t)
	a := New("sess-1", emit, nil)
	ctx := context.Background()

	a.Handle(ctx, streamevent.RuntimeEvent{Type: streamevent.EventProviderRequest, Provider: "anthropic", Model: "claude"})
	a.Handle(ctx, streamevent.RuntimeEvent{Type: streamevent.EventProviderResponse, Provider: "anthropic", Model: "claude"})

	got := frames()
	if len(got) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(got))
	}
	if got[0].Type != streamevent.FrameProviderRequest || got[1].Type != streamevent.FrameProviderResponse {
		t.Errorf("unexpected frame types: %q, %q", got[0].Type, got[1].Type)
	}
}

func TestChildAdapter_TagsFramesWithNesting(t *testing.T) {
	emit, frames := collect(t)
	a := NewChild("child-1", "call-a", 1, emit, nil)
	ctx := context.Background()

	a.Handle(ctx, streamevent.RuntimeEvent{Type: streamevent.EventContentStart, ServerIndex: 0, BlockType: "text"})

	got := frames()
	if len(got) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(got))
	}
	f := got[0]
	if f.ChildSessionID != "child-1" || f.ParentToolCallID != "call-a" || f.NestingDepth != 1 {
		t.Errorf("unexpected tagging: %+v", f)
	}
}
