// Package artifactledger defines the port interface for the artifact
// tracker (component B): it observes tool lifecycle events and exposes a
// queryable, session-scoped file-change timeline.
package artifactledger

import (
	"context"

	"github.com/Strob0t/amplifier-gateway/internal/domain/artifact"
)

// Ledger records and serves file-mutation history derived from tool calls.
// Observe must never return an error that aborts the caller's event loop —
// diffing failures degrade to a path-only record.
type Ledger interface {
	// ObserveToolCall registers a pending file-mutating tool call so its
	// eventual result can be correlated back to before/after content.
	ObserveToolCall(ctx context.Context, sessionID, toolUseID, toolName string, input any)

	// ObserveToolResult finalizes a previously observed tool call, deriving
	// a diff when possible and appending an Entry. No-op if toolUseID was
	// never observed as file-mutating by ObserveToolCall.
	ObserveToolResult(ctx context.Context, sessionID, toolUseID string, result any, isError bool) error

	// List returns a session's artifact entries in insertion order.
	List(ctx context.Context, sessionID string) ([]artifact.Entry, error)
}
