// Package runtimeclient implements the runtimeclient.Client port against
// the external agent runtime, modeled as an A2A task-streaming
// collaborator (github.com/a2aproject/a2a-go), the same protocol the
// runtime's own server-side exposure (internal/port/a2a) speaks from the
// other direction.
package runtimeclient

import (
	"context"
	"fmt"
	"sync"

	a2aclient "github.com/a2aproject/a2a-go/client"
	"github.com/a2aproject/a2a-go/a2a"

	"github.com/Strob0t/amplifier-gateway/internal/domain/streamevent"
	"github.com/Strob0t/amplifier-gateway/internal/port/runtimeclient"
	"github.com/Strob0t/amplifier-gateway/internal/resilience"
)

// Client wraps an A2A client, one per runtime endpoint, shared across
// every session the gateway hosts.
type Client struct {
	endpoint string
	breaker  *resilience.Breaker
	factory  func(endpoint string) (taskStreamer, error)
}

// taskStreamer narrows a2a-go's client surface to what this package drives,
// so tests can substitute a fake without standing up a real A2A server.
type taskStreamer interface {
	SendStreamingMessage(ctx context.Context, params a2a.MessageSendParams) (<-chan a2a.StreamResponse, error)
	CancelTask(ctx context.Context, taskID string) error
	Close() error
}

func defaultFactory(endpoint string) (taskStreamer, error) {
	c, err := a2aclient.NewClient(endpoint)
	if err != nil {
		return nil, fmt.Errorf("runtimeclient: dial %s: %w", endpoint, err)
	}
	return c, nil
}

// New returns a Client targeting the runtime's A2A endpoint, guarded by a
// circuit breaker that opens after repeated connection failures.
func New(endpoint string, breaker *resilience.Breaker) *Client {
	return &Client{endpoint: endpoint, breaker: breaker, factory: defaultFactory}
}

// CreateSession implements runtimeclient.Client.
func (c *Client) CreateSession(ctx context.Context, plan runtimeclient.MountPlan, cfg runtimeclient.SessionConfig, sinks runtimeclient.Sinks) (runtimeclient.Handle, error) {
	var streamer taskStreamer
	err := c.breaker.Execute(func() error {
		s, err := c.factory(c.endpoint)
		if err != nil {
			return err
		}
		streamer = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("runtimeclient: create session: %w", err)
	}

	return &handle{
		streamer: streamer,
		plan:     plan,
		cfg:      cfg,
		sinks:    sinks,
	}, nil
}

// handle is one live A2A-backed runtime session. Task id is assigned by the
// first Execute call and reused for any follow-up turn in the same session.
type handle struct {
	streamer taskStreamer
	plan     runtimeclient.MountPlan
	cfg      runtimeclient.SessionConfig

	sinks runtimeclient.Sinks

	mu     sync.Mutex
	taskID string
}

// Execute sends one turn and blocks translating the resulting A2A stream
// into runtime events until the task reaches a terminal state or ctx is
// canceled. At most one Execute call may be in flight at a time per the
// port contract; the caller (session manager) enforces that.
func (h *handle) Execute(ctx context.Context, prompt string, images []string, attachments []string) error {
	parts := []a2a.Part{a2a.TextPart{Text: prompt}}
	for _, img := range images {
		parts = append(parts, a2a.FilePart{URI: img, MIMEType: "image/*"})
	}
	for _, att := range attachments {
		parts = append(parts, a2a.FilePart{URI: att})
	}

	h.mu.Lock()
	taskID := h.taskID
	h.mu.Unlock()

	params := a2a.MessageSendParams{
		Message: a2a.Message{
			Role:  a2a.RoleUser,
			Parts: parts,
		},
		TaskID: taskID,
		Metadata: map[string]any{
			"cwd":                 h.cfg.CWD,
			"parent_tool_call_id": h.cfg.ParentToolCallID,
			"agent_config":        h.plan.AgentConfig,
		},
	}

	stream, err := h.streamer.SendStreamingMessage(ctx, params)
	if err != nil {
		return fmt.Errorf("runtimeclient: send message: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case resp, ok := <-stream:
			if !ok {
				return nil
			}
			if resp.Task != nil && resp.Task.ID != "" {
				h.mu.Lock()
				h.taskID = resp.Task.ID
				h.mu.Unlock()
			}
			if err := h.dispatch(ctx, resp); err != nil {
				return err
			}
			if isTerminal(resp) {
				return nil
			}
		}
	}
}

// Cancel implements runtimeclient.Handle. immediate is honored by canceling
// the caller's context upstream; here it only controls whether we also ask
// the runtime to abandon the in-flight task outright.
func (h *handle) Cancel(ctx context.Context, immediate bool) error {
	h.mu.Lock()
	taskID := h.taskID
	h.mu.Unlock()
	if taskID == "" {
		return nil
	}
	if !immediate {
		return nil
	}
	return h.streamer.CancelTask(ctx, taskID)
}

func (h *handle) dispatch(ctx context.Context, resp a2a.StreamResponse) error {
	ev, ok := translate(resp)
	if !ok {
		return nil
	}
	if h.sinks.Events != nil {
		h.sinks.Events(ctx, ev)
	}
	return nil
}

func isTerminal(resp a2a.StreamResponse) bool {
	if resp.Task == nil {
		return false
	}
	switch resp.Task.Status.State {
	case a2a.TaskStateCompleted, a2a.TaskStateFailed, a2a.TaskStateCanceled:
		return true
	default:
		return false
	}
}

// translate maps one A2A stream frame onto the canonical runtime event
// vocabulary the streaming adapter consumes. Frames the gateway has no use
// for (status-only pings with no artifact or message delta) are dropped.
func translate(resp a2a.StreamResponse) (streamevent.RuntimeEvent, bool) {
	switch {
	case resp.Message != nil:
		for _, part := range resp.Message.Parts {
			if tp, ok := part.(a2a.TextPart); ok {
				return streamevent.RuntimeEvent{
					Type: streamevent.EventContentDelta,
					Text: tp.Text,
				}, true
			}
		}
	case resp.Artifact != nil:
		return streamevent.RuntimeEvent{
			Type: streamevent.EventToolResult,
			Text: resp.Artifact.Name,
		}, true
	}
	return streamevent.RuntimeEvent{}, false
}
