// Package session defines the Session domain entity tracked by the gateway.
package session

import "time"

// Status represents the lifecycle state of a session.
type Status string

const (
	StatusActive  Status = "active"
	StatusIdle    Status = "idle"
	StatusEnded   Status = "ended"
	StatusErrored Status = "errored"
)

// Session is a single agent conversation tracked by the gateway. Its bundle
// and behaviors are fixed at creation; reconfiguring always mints a new id.
type Session struct {
	ID         string    `json:"session_id"`
	ParentID   string    `json:"parent_id,omitempty"`
	Name       string    `json:"name,omitempty"`
	Bundle     string    `json:"bundle"`
	Behaviors  []string  `json:"behaviors"`
	CWD        string    `json:"cwd,omitempty"`
	TurnCount  int       `json:"turn_count"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ProviderOverride lets a create/resume request pin a specific model or
// provider for the session, bypassing the bundle's default.
type ProviderOverride struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

// CreateRequest holds the fields needed to create or resume a session.
type CreateRequest struct {
	Bundle            string            `json:"bundle"`
	Behaviors         []string          `json:"behaviors,omitempty"`
	Provider          *ProviderOverride `json:"provider,omitempty"`
	ShowThinking      bool              `json:"show_thinking"`
	CWD               string            `json:"cwd,omitempty"`
	ResumeSessionID   string            `json:"resume_session_id,omitempty"`
	InitialTranscript bool              `json:"initial_transcript,omitempty"`
	ParentID          string            `json:"parent_id,omitempty"`
}

// Metadata is the on-disk record persisted alongside a session's transcript.
// It intentionally carries only what survives a resume; live-only fields
// (in-flight turn state, adapter indices) never touch disk.
type Metadata struct {
	SessionID string    `json:"session_id"`
	ParentID  string    `json:"parent_id,omitempty"`
	Name      string    `json:"name,omitempty"`
	Bundle    string    `json:"bundle"`
	Behaviors []string  `json:"behaviors"`
	CWD       string    `json:"cwd,omitempty"`
	TurnCount int       `json:"turn_count"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
