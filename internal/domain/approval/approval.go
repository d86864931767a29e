// Package approval defines the types shared by the approval broker and its
// callers: the pending request shape, the per-session fingerprint cache
// entry, and the audit trail record.
package approval

import "time"

// Request describes a single approval prompt awaiting a client decision.
type Request struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	Prompt    string        `json:"prompt"`
	Options   []string      `json:"options"`
	Default   string        `json:"default"`
	Timeout   time.Duration `json:"-"`
}

// Resolution describes how a Request was settled.
type Resolution string

const (
	ResolvedByResponse Resolution = "response"
	ResolvedByTimeout  Resolution = "timeout"
	ResolvedByCancel   Resolution = "cancel"
)

// AuditEntry records the outcome of one approval request for the approval
// audit trail (AS-D1), which all sessions share; SessionID tells them apart.
type AuditEntry struct {
	RequestID   string     `json:"request_id"`
	SessionID   string     `json:"session_id"`
	Prompt      string     `json:"prompt"`
	Choice      string     `json:"choice"`
	Fingerprint string     `json:"fingerprint,omitempty"`
	Resolution  Resolution `json:"resolution"`
	ResolvedAt  time.Time  `json:"resolved_at"`
}
