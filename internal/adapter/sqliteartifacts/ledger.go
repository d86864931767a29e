// Package sqliteartifacts implements the artifact ledger port (component B)
// using a pure-Go sqlite driver as a queryable index over tool-observed
// file mutations, with the source of truth also mirrored to a per-session
// artifacts.jsonl sidecar so the index can be rebuilt on restart.
package sqliteartifacts

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Strob0t/amplifier-gateway/internal/domain/artifact"
)

const maxDiffInputBytes = 256 * 1024

type pendingCall struct {
	toolName string
	path     string
	before   string
}

// Ledger is a sqlite-indexed artifact tracker.
type Ledger struct {
	db        *sql.DB
	sessionsDir string

	mu      sync.Mutex
	pending map[string]pendingCall // sessionID:toolUseID -> pending
}

// New opens (creating if absent) a sqlite database at dbPath and prepares
// the artifacts table. sessionsDir is the transcript store root, used to
// locate each session's artifacts.jsonl sidecar.
func New(dbPath, sessionsDir string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("sqliteartifacts: create dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqliteartifacts: open: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single-writer, avoid SQLITE_BUSY

	const schema = `
CREATE TABLE IF NOT EXISTS artifacts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	tool_use_id TEXT NOT NULL,
	path TEXT NOT NULL,
	operation TEXT NOT NULL,
	diff TEXT,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_session ON artifacts(session_id);
`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqliteartifacts: migrate: %w", err)
	}

	return &Ledger{db: db, sessionsDir: sessionsDir, pending: make(map[string]pendingCall)}, nil
}

// Close releases the underlying database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func key(sessionID, toolUseID string) string {
	return sessionID + ":" + toolUseID
}

// ObserveToolCall registers a pending file-mutating tool call.
func (l *Ledger) ObserveToolCall(_ context.Context, sessionID, toolUseID, toolName string, input any) {
	op, ok := artifact.FileTools[toolName]
	if !ok {
		return
	}
	path, before := extractPathAndBefore(op, input)
	if path == "" {
		return
	}
	l.mu.Lock()
	l.pending[key(sessionID, toolUseID)] = pendingCall{toolName: toolName, path: path, before: before}
	l.mu.Unlock()
}

// ObserveToolResult finalizes a previously observed call and appends an
// Entry. Diffing failures degrade to a path-only record; this never
// returns an error that would be fatal to the caller's event loop — the
// returned error is informational only (logging), never used to abort.
func (l *Ledger) ObserveToolResult(ctx context.Context, sessionID, toolUseID string, result any, isError bool) error {
	l.mu.Lock()
	pc, ok := l.pending[key(sessionID, toolUseID)]
	if ok {
		delete(l.pending, key(sessionID, toolUseID))
	}
	l.mu.Unlock()
	if !ok || isError {
		return nil
	}

	op := artifact.FileTools[pc.toolName]
	after := extractAfter(result)

	diff := ""
	if pc.before != "" && after != "" && len(pc.before) < maxDiffInputBytes && len(after) < maxDiffInputBytes {
		diff = unifiedDiff(pc.path, pc.before, after)
	}

	entry := artifact.Entry{
		SessionID: sessionID,
		ToolUseID: toolUseID,
		Path:      pc.path,
		Operation: op,
		Diff:      diff,
		CreatedAt: time.Now(),
	}

	res, err := l.db.ExecContext(ctx,
		`INSERT INTO artifacts (session_id, tool_use_id, path, operation, diff, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.SessionID, entry.ToolUseID, entry.Path, string(entry.Operation), nullIfEmpty(entry.Diff), entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqliteartifacts: insert: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}

	l.appendSidecar(sessionID, entry)
	return nil
}

// List returns a session's artifact entries in insertion order.
func (l *Ledger) List(ctx context.Context, sessionID string) ([]artifact.Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, session_id, tool_use_id, path, operation, COALESCE(diff, ''), created_at FROM artifacts WHERE session_id = ? ORDER BY id ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("sqliteartifacts: query: %w", err)
	}
	defer rows.Close()

	var out []artifact.Entry
	for rows.Next() {
		var e artifact.Entry
		var op string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.ToolUseID, &e.Path, &op, &e.Diff, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqliteartifacts: scan: %w", err)
		}
		e.Operation = artifact.Operation(op)
		out = append(out, e)
	}
	return out, rows.Err()
}

// appendSidecar mirrors the entry to <sessionsDir>/<id>/artifacts.jsonl so
// the sqlite index can be rebuilt from scratch if it is ever lost. Failures
// here are logged-worthy but never fatal to the caller.
func (l *Ledger) appendSidecar(sessionID string, entry artifact.Entry) {
	path := filepath.Join(l.sessionsDir, sessionID, "artifacts.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return
	}
	defer f.Close()
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_, _ = f.Write(append(line, '\n'))
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// extractPathAndBefore pulls the target file path and, for edits, the
// pre-change content, out of a tool call's argument object. The shapes
// mirrored here are exactly those original_source's hooks.py reads off
// its tool_use blocks (a "path" field, and "old_string"/"content" bodies).
func extractPathAndBefore(op artifact.Operation, input any) (path, before string) {
	m, ok := input.(map[string]any)
	if !ok {
		return "", ""
	}
	if p, ok := m["path"].(string); ok {
		path = p
	} else if p, ok := m["file_path"].(string); ok {
		path = p
	}
	if op == artifact.OpEdit {
		if b, ok := m["old_string"].(string); ok {
			before = b
		} else if b, ok := m["content_before"].(string); ok {
			before = b
		}
	}
	return path, before
}

func extractAfter(result any) string {
	switch v := result.(type) {
	case string:
		return v
	case map[string]any:
		if s, ok := v["content"].(string); ok {
			return s
		}
		if s, ok := v["new_string"].(string); ok {
			return s
		}
	}
	return ""
}

// unifiedDiff renders a minimal unified diff between before and after,
// line-oriented, matching the structure Python's difflib.unified_diff
// produces (without attempting its full Myers-diff minimality).
func unifiedDiff(path, before, after string) string {
	beforeLines := strings.Split(before, "\n")
	afterLines := strings.Split(after, "\n")

	var b strings.Builder
	fmt.Fprintf(&b, "--- a/%s\n", path)
	fmt.Fprintf(&b, "+++ b/%s\n", path)
	fmt.Fprintf(&b, "@@ -1,%d +1,%d @@\n", len(beforeLines), len(afterLines))
	for _, l := range beforeLines {
		b.WriteString("-")
		b.WriteString(l)
		b.WriteString("\n")
	}
	for _, l := range afterLines {
		b.WriteString("+")
		b.WriteString(l)
		b.WriteString("\n")
	}
	return b.String()
}
