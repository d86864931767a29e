// Package streamadapter implements the streaming adapter port (component
// D): it translates the runtime's raw, server-indexed event stream into
// the client's framed protocol, remapping sparse server indices onto dense
// per-session local indices and assigning a single monotone order counter
// across content blocks and tool calls.
//
// One Adapter instance is bound to exactly one runtime session (root or
// child). Nesting is modeled by the session manager, which creates a child
// Adapter tagged with (child_session_id, parent_tool_call_id, nesting_depth)
// whenever this Adapter reports a ForkEvent, and wires the child runtime
// session's own event stream into that child Adapter. This mirrors
// original_source's WebSpawnManager registering per-child event forwarders
// rather than one adapter tracking every descendant's bookkeeping itself.
package streamadapter

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	gwotel "github.com/Strob0t/amplifier-gateway/internal/adapter/otel"
	"github.com/Strob0t/amplifier-gateway/internal/domain/streamevent"
)

// Emitter pushes one client-bound frame out over the owning session's
// connection.
type Emitter func(ctx context.Context, frame streamevent.ClientFrame)

// delegationTools names tool names whose tool_call the adapter treats as a
// pending agent delegation, to be bound to the next unmatched session_fork.
var delegationTools = map[string]bool{
	"task": true,
}

// ForkEvent is returned by Handle when a session_fork event was bound to a
// delegation tool call, so the session manager can instantiate the child
// session's own Adapter and runtime handle.
type ForkEvent struct {
	ChildSessionID   string
	ParentToolCallID string
}

// Adapter holds the per-session block-index and ordering state for one
// runtime session's event stream.
type Adapter struct {
	mu sync.Mutex

	sessionID        string
	childSessionID   string
	parentToolCallID string
	nestingDepth     int

	blockIndexMap map[int]int // server_index -> local_index, cleared each response turn
	blockOrder    map[int]int // local_index -> order, for delta/end frames
	nextLocalIdx  int
	orderCounter  int

	pendingDelegations []string              // FIFO of tool_use_ids awaiting a fork
	pendingForks       []ForkEvent           // FIFO of forks with no explicit tool-call id, awaiting one
	holdingForks       map[string]ForkEvent  // explicit parent_tool_call_id -> fork seen before its tool_call
	toolSpans          map[string]trace.Span // tool_use_id -> open span, from tool:pre to tool:post/error

	emit    Emitter
	metrics *gwotel.Metrics // nil in tests that don't care about instrumentation
}

// New creates an Adapter for a root session.
func New(sessionID string, emit Emitter, metrics *gwotel.Metrics) *Adapter {
	return newAdapter(sessionID, "", "", 0, emit, metrics)
}

// NewChild creates an Adapter for a spawned sub-session, tagging every
// emitted frame with the child's identity and nesting depth.
func NewChild(childSessionID, parentToolCallID string, nestingDepth int, emit Emitter, metrics *gwotel.Metrics) *Adapter {
	return newAdapter(childSessionID, childSessionID, parentToolCallID, nestingDepth, emit, metrics)
}

func newAdapter(sessionID, childSessionID, parentToolCallID string, nestingDepth int, emit Emitter, metrics *gwotel.Metrics) *Adapter {
	return &Adapter{
		sessionID:        sessionID,
		childSessionID:   childSessionID,
		parentToolCallID: parentToolCallID,
		nestingDepth:     nestingDepth,
		blockIndexMap:    make(map[int]int),
		blockOrder:       make(map[int]int),
		holdingForks:     make(map[string]ForkEvent),
		toolSpans:        make(map[string]trace.Span),
		emit:             emit,
		metrics:          metrics,
	}
}

func (a *Adapter) frame(typ string, index, order int, payload any) streamevent.ClientFrame {
	return streamevent.ClientFrame{
		Type:             typ,
		SessionID:        a.sessionID,
		Index:            index,
		Order:            order,
		ChildSessionID:   a.childSessionID,
		ParentToolCallID: a.parentToolCallID,
		NestingDepth:     a.nestingDepth,
		Payload:          payload,
	}
}

// Handle processes one runtime event, emitting zero or more client frames.
// It returns a non-nil *ForkEvent when a session_fork was matched to a
// pending delegation tool call this call.
func (a *Adapter) Handle(ctx context.Context, ev streamevent.RuntimeEvent) *ForkEvent {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch ev.Type {
	case streamevent.EventContentStart:
		local := a.nextLocalIdx
		a.nextLocalIdx++
		order := a.orderCounter
		a.orderCounter++
		a.blockIndexMap[ev.ServerIndex] = local
		a.blockOrder[local] = order
		a.emit(ctx, a.frame(streamevent.FrameContentStart, local, order, map[string]any{
			"block_type": ev.BlockType,
		}))

	case streamevent.EventContentDelta:
		local, ok := a.blockIndexMap[ev.ServerIndex]
		if !ok {
			// Out-of-order delta with no known start; drop rather than
			// synthesize a block the client never saw start.
			return nil
		}
		a.emit(ctx, a.frame(streamevent.FrameContentDelta, local, a.blockOrder[local], map[string]any{
			"delta": ev.Delta,
		}))

	case streamevent.EventContentEnd:
		local, ok := a.blockIndexMap[ev.ServerIndex]
		if !ok {
			return nil
		}
		a.emit(ctx, a.frame(streamevent.FrameContentEnd, local, a.blockOrder[local], nil))

	case streamevent.EventThinkingDelta:
		a.emit(ctx, a.frame(streamevent.FrameThinkingDelta, 0, 0, map[string]any{"delta": ev.Delta}))

	case streamevent.EventThinkingFinal:
		a.emit(ctx, a.frame(streamevent.FrameThinkingFinal, 0, 0, map[string]any{"text": ev.Text}))

	case streamevent.EventToolCall:
		order := a.orderCounter
		a.orderCounter++
		a.emit(ctx, a.frame(streamevent.FrameToolCall, 0, order, toolCallPayload(ev, "running")))

		_, span := gwotel.StartToolCallSpan(ctx, a.sessionID, ev.ToolUseID, ev.ToolName)
		a.toolSpans[ev.ToolUseID] = span
		if a.metrics != nil {
			a.metrics.ToolCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", ev.ToolName)))
		}

		if !delegationTools[ev.ToolName] {
			return nil
		}
		// An explicit fork already arrived for this exact tool call id.
		if fork, ok := a.holdingForks[ev.ToolUseID]; ok {
			delete(a.holdingForks, ev.ToolUseID)
			a.emitForkFrame(ctx, fork)
			return &fork
		}
		// A fork with no explicit id arrived first; bind FIFO.
		if len(a.pendingForks) > 0 {
			fork := a.pendingForks[0]
			a.pendingForks = a.pendingForks[1:]
			fork.ParentToolCallID = ev.ToolUseID
			a.emitForkFrame(ctx, fork)
			return &fork
		}
		a.pendingDelegations = append(a.pendingDelegations, ev.ToolUseID)

	case streamevent.EventToolResult, streamevent.EventToolError:
		status := "complete"
		if ev.IsError || ev.Type == streamevent.EventToolError {
			status = "error"
		}
		a.emit(ctx, a.frame(streamevent.FrameToolResult, 0, 0, map[string]any{
			"tool_use_id": ev.ToolUseID,
			"result":      ev.ToolResult,
			"status":      status,
		}))
		if span, ok := a.toolSpans[ev.ToolUseID]; ok {
			span.SetAttributes(attribute.String("toolcall.status", status))
			span.End()
			delete(a.toolSpans, ev.ToolUseID)
		}
		// Next model response restarts server-side block indices.
		a.blockIndexMap = make(map[int]int)

	case streamevent.EventSessionFork:
		fork := ForkEvent{ChildSessionID: ev.ChildSessionID, ParentToolCallID: ev.ParentToolCallID}

		if ev.ParentToolCallID != "" {
			// Explicit binding: the tool call may have registered already.
			if a.bindDelegation(ev.ParentToolCallID) {
				a.emitForkFrame(ctx, fork)
				return &fork
			}
			// Tool call hasn't arrived yet; hold for replay.
			a.holdingForks[ev.ParentToolCallID] = fork
			return nil
		}

		// No explicit id: bind FIFO to the oldest unbound delegation call.
		if len(a.pendingDelegations) > 0 {
			toolUseID := a.pendingDelegations[0]
			a.pendingDelegations = a.pendingDelegations[1:]
			fork.ParentToolCallID = toolUseID
			a.emitForkFrame(ctx, fork)
			return &fork
		}
		// Fork arrived before its delegation tool_call; hold FIFO.
		a.pendingForks = append(a.pendingForks, fork)
		return nil

	case streamevent.EventPromptComplete:
		a.emit(ctx, a.frame(streamevent.FramePromptComplete, 0, 0, nil))
		a.blockIndexMap = make(map[int]int)
		a.nextLocalIdx = 0

	case streamevent.EventProviderRequest:
		a.emit(ctx, a.frame(streamevent.FrameProviderRequest, 0, 0, map[string]any{
			"provider": ev.Provider,
			"model":    ev.Model,
		}))

	case streamevent.EventProviderResponse:
		a.emit(ctx, a.frame(streamevent.FrameProviderResponse, 0, 0, map[string]any{
			"provider": ev.Provider,
			"model":    ev.Model,
		}))

	case streamevent.EventContextCompaction:
		a.emit(ctx, a.frame(streamevent.FrameContextCompaction, 0, 0, map[string]any{
			"reason":        ev.CompactionReason,
			"tokens_before": ev.TokensBefore,
			"tokens_after":  ev.TokensAfter,
		}))

	case streamevent.EventNotification:
		a.emit(ctx, a.frame(streamevent.FrameDisplayMessage, 0, 0, map[string]any{
			"level":   ev.Level,
			"message": ev.Message,
		}))
	}

	return nil
}

func toolCallPayload(ev streamevent.RuntimeEvent, status string) map[string]any {
	return map[string]any{
		"tool_use_id": ev.ToolUseID,
		"tool_name":   ev.ToolName,
		"input":       ev.ToolInput,
		"status":      status,
	}
}

func (a *Adapter) emitForkFrame(ctx context.Context, fork ForkEvent) {
	a.emit(ctx, a.frame(streamevent.FrameSessionFork, 0, 0, map[string]any{
		"child_session_id":    fork.ChildSessionID,
		"parent_tool_call_id": fork.ParentToolCallID,
	}))
}

// bindDelegation removes toolUseID from the pending queue if present,
// reporting whether it was found there.
func (a *Adapter) bindDelegation(toolUseID string) bool {
	for i, id := range a.pendingDelegations {
		if id == toolUseID {
			a.pendingDelegations = append(a.pendingDelegations[:i], a.pendingDelegations[i+1:]...)
			return true
		}
	}
	return false
}
