// Package transcriptstore defines the port interface for the append-only
// per-session transcript and metadata store (component A).
package transcriptstore

import (
	"context"

	"github.com/Strob0t/amplifier-gateway/internal/domain/session"
	"github.com/Strob0t/amplifier-gateway/internal/domain/transcript"
)

// Store persists session metadata and transcript entries to durable storage.
type Store interface {
	// Open creates the session's directory and metadata on first use and
	// is a no-op if it already exists.
	Open(ctx context.Context, meta session.Metadata) error

	// Append writes one transcript entry, then updates TurnCount/UpdatedAt
	// in the metadata document. Implementations fsync at turn granularity.
	Append(ctx context.Context, sessionID string, entry transcript.Entry) error

	// SnapshotMetadata merges the given fields into the session's metadata
	// document (used for rename, status transitions, turn-count correction).
	SnapshotMetadata(ctx context.Context, sessionID string, meta session.Metadata) error

	// LoadMetadata returns the current metadata document for sessionID.
	LoadMetadata(ctx context.Context, sessionID string) (session.Metadata, error)

	// LoadTranscript returns the ordered transcript entries for sessionID.
	// A partial trailing line (crash mid-write) is discarded, not an error.
	LoadTranscript(ctx context.Context, sessionID string) ([]transcript.Entry, error)

	// List returns metadata summaries for all saved sessions, sorted by
	// UpdatedAt descending. Sessions whose id contains an underscore
	// (spawned sub-sessions) are excluded.
	List(ctx context.Context) ([]session.Metadata, error)

	// Delete removes a saved session's directory entirely.
	Delete(ctx context.Context, sessionID string) error

	// Rename sets a session's display name.
	Rename(ctx context.Context, sessionID, name string) error
}
