// Package runtimeclient defines the gateway-side contract for the external
// agent runtime collaborator (spec §6.5). The runtime itself is out of
// scope; this package only fixes the shape the session manager drives it
// through, modeled as an A2A-style task-streaming session.
package runtimeclient

import (
	"context"

	"github.com/Strob0t/amplifier-gateway/internal/domain/streamevent"
)

// MountPlan is the opaque result of the bundle collaborator's prepare call,
// threaded through unmodified to CreateSession.
type MountPlan struct {
	Bundle      string         `json:"bundle"`
	Behaviors   []string       `json:"behaviors"`
	AgentConfig map[string]any `json:"agent_config"`
}

// Sinks bundles the three observer channels a session handle drives
// while it is executing: canonical runtime events, freeform display
// messages, and approval requests.
type Sinks struct {
	Events  func(ctx context.Context, ev streamevent.RuntimeEvent)
	Display func(ctx context.Context, level, message, source string)
	Approve func(ctx context.Context, prompt string, options []string, timeout int, def string) (string, error)
}

// SessionConfig carries everything CreateSession needs beyond the mount
// plan: the working directory, an optional inherited transcript (resume),
// and the parent tool-call id when this is a delegated sub-session.
type SessionConfig struct {
	CWD               string
	InitialTranscript []map[string]any
	ParentToolCallID  string
}

// Handle is a live runtime session. Execute must not be called again while
// a previous call's context is still running (at-most-one in-flight turn).
type Handle interface {
	Execute(ctx context.Context, prompt string, images []string, attachments []string) error
	Cancel(ctx context.Context, immediate bool) error
}

// Client creates runtime sessions bound to a mount plan and a set of sinks.
type Client interface {
	CreateSession(ctx context.Context, plan MountPlan, cfg SessionConfig, sinks Sinks) (Handle, error)
}
