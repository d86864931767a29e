package sessionmanager

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Strob0t/amplifier-gateway/internal/adapter/streamadapter"
	"github.com/Strob0t/amplifier-gateway/internal/domain/session"
	"github.com/Strob0t/amplifier-gateway/internal/domain/streamevent"
	"github.com/Strob0t/amplifier-gateway/internal/domain/transcript"
)

// turnAccumulator rebuilds one assistant transcript entry from the
// sequence of content/tool events observed during a single Execute call.
type turnAccumulator struct {
	mu     sync.Mutex
	blocks map[int]*transcript.Block // local index -> block, text/thinking grows in place
	order  []int                     // local indices in first-seen order
}

func newTurnAccumulator() *turnAccumulator {
	return &turnAccumulator{blocks: make(map[int]*transcript.Block)}
}

func (t *turnAccumulator) contentStart(index, order int, blockType string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blocks[index] = &transcript.Block{Type: transcript.BlockType(blockType), Index: index, Order: order}
	t.order = append(t.order, index)
}

func (t *turnAccumulator) contentDelta(index int, delta string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.blocks[index]; ok {
		b.Text += delta
	}
}

func (t *turnAccumulator) toolCall(order int, toolUseID, toolName string, input any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := len(t.order)
	t.order = append(t.order, idx)
	t.blocks[idx] = &transcript.Block{
		Type: transcript.BlockToolUse, Index: idx, Order: order,
		ToolUseID: toolUseID, ToolName: toolName, ToolInput: input,
	}
}

func (t *turnAccumulator) toolResult(toolUseID string, result any, isError bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, idx := range t.order {
		b := t.blocks[idx]
		if b != nil && b.Type == transcript.BlockToolUse && b.ToolUseID == toolUseID {
			b.ToolResult = result
			b.IsError = isError
			return
		}
	}
}

// finalize returns the accumulated transcript entry, if any content was
// observed this turn.
func (t *turnAccumulator) finalize() (transcript.Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.order) == 0 {
		return transcript.Entry{}, false
	}
	blocks := make([]transcript.Block, 0, len(t.order))
	for _, idx := range t.order {
		if b := t.blocks[idx]; b != nil {
			blocks = append(blocks, *b)
		}
	}
	return transcript.Entry{
		Role:      transcript.RoleAssistant,
		Blocks:    blocks,
		Timestamp: time.Now(),
	}, true
}

func userTranscriptEntry(text string) transcript.Entry {
	return transcript.Entry{Role: transcript.RoleUser, Content: text, Timestamp: time.Now()}
}

func toRawTranscript(e transcript.Entry) (map[string]any, error) {
	return map[string]any{
		"role":    string(e.Role),
		"content": e.Content,
		"blocks":  e.Blocks,
	}, nil
}

// routeEvent dispatches one runtime event to the adapter that owns it.
// Content/tool-result/tool-call/notification events carry their own
// ChildSessionID whenever they belong to a nested sub-session's own
// stream, so they route straight off that field. session_fork is the one
// event that can't: it names the *new* child about to be created, not the
// adapter that owns the forking action. It routes instead off
// toolCallOwner, a root-scoped tool_use_id -> owning session id table
// populated as each tool_call is routed, so two sibling sub-sessions
// forked at the same nesting depth never collide the way a depth-keyed
// lookup would.
func (m *Manager) routeEvent(ctx context.Context, rootID string, ev streamevent.RuntimeEvent) {
	targetID := rootID
	if ev.ChildSessionID != "" {
		targetID = ev.ChildSessionID
	}

	if ev.Type == streamevent.EventSessionFork && ev.ParentToolCallID != "" {
		m.mu.Lock()
		if owner, ok := m.toolCallOwner[rootID][ev.ParentToolCallID]; ok {
			targetID = owner
		}
		m.mu.Unlock()
	}

	ls, ok := m.lookup(targetID)
	if !ok {
		slog.Warn("sessionmanager: dropping event for unknown session", "session", targetID, "type", ev.Type)
		return
	}

	if ev.Type == streamevent.EventToolCall {
		m.mu.Lock()
		if m.toolCallOwner[rootID] == nil {
			m.toolCallOwner[rootID] = make(map[string]string)
		}
		m.toolCallOwner[rootID][ev.ToolUseID] = targetID
		m.mu.Unlock()
	}

	m.observeArtifact(ctx, targetID, ev)
	m.accumulateTranscript(ls, ev)

	fork := ls.adapter.Handle(ctx, ev)
	if fork != nil {
		m.spawnChild(ctx, rootID, targetID, ev.NestingDepth, *fork)
	}
}

func (m *Manager) observeArtifact(ctx context.Context, sessionID string, ev streamevent.RuntimeEvent) {
	switch ev.Type {
	case streamevent.EventToolCall:
		m.ledger.ObserveToolCall(ctx, sessionID, ev.ToolUseID, ev.ToolName, ev.ToolInput)
	case streamevent.EventToolResult, streamevent.EventToolError:
		if err := m.ledger.ObserveToolResult(ctx, sessionID, ev.ToolUseID, ev.ToolResult, ev.IsError || ev.Type == streamevent.EventToolError); err != nil {
			slog.Warn("sessionmanager: artifact observation failed", "session", sessionID, "error", err)
		}
	}
}

func (m *Manager) accumulateTranscript(ls *liveSession, ev streamevent.RuntimeEvent) {
	ls.mu.Lock()
	turn := ls.turn
	ls.mu.Unlock()
	if turn == nil {
		return
	}

	switch ev.Type {
	case streamevent.EventContentStart:
		turn.contentStart(ev.ServerIndex, 0, ev.BlockType)
	case streamevent.EventContentDelta:
		turn.contentDelta(ev.ServerIndex, ev.Delta)
	case streamevent.EventToolCall:
		turn.toolCall(0, ev.ToolUseID, ev.ToolName, ev.ToolInput)
	case streamevent.EventToolResult, streamevent.EventToolError:
		turn.toolResult(ev.ToolUseID, ev.ToolResult, ev.IsError || ev.Type == streamevent.EventToolError)
	}
}

// spawnChild instantiates the child session a fork announces: its own
// Adapter (nesting depth = parent's + 1), metadata, and transcript
// directory, wired into the same root conversation tree. Children never
// get their own runtime handle — the root's Execute call keeps driving
// their event stream, tagged with their session id.
func (m *Manager) spawnChild(ctx context.Context, rootID, parentAdapterID string, parentDepth int, fork streamadapter.ForkEvent) {
	m.mu.Lock()
	parent, ok := m.sessions[parentAdapterID]
	connID := ""
	if ok {
		connID = parent.connID
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	childDepth := parentDepth + 1
	childAdapter := streamadapter.NewChild(fork.ChildSessionID, fork.ParentToolCallID, childDepth, m.emitter(connID), m.metrics)

	now := time.Now()
	child := &liveSession{
		adapter: childAdapter,
		rootID:  rootID,
		connID:  connID,
	}
	child.meta.ID = fork.ChildSessionID
	child.meta.ParentID = parentAdapterID
	child.meta.Bundle = parent.meta.Bundle
	child.meta.Behaviors = parent.meta.Behaviors
	child.meta.CWD = parent.meta.CWD
	child.meta.Status = session.StatusActive
	child.meta.CreatedAt = now
	child.meta.UpdatedAt = now

	if err := m.store.Open(ctx, toMetadata(child.meta)); err != nil {
		slog.Warn("sessionmanager: failed to open child transcript store", "child", fork.ChildSessionID, "error", err)
	}

	m.mu.Lock()
	m.sessions[fork.ChildSessionID] = child
	parent.children = append(parent.children, fork.ChildSessionID)
	m.mu.Unlock()
}
