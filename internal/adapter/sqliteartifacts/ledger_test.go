package sqliteartifacts

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/Strob0t/amplifier-gateway/internal/domain/artifact"
)

func newLedger(t *testing.T) *Ledger {
	t.Helper()
	dir := t.TempDir()
	l, err := New(filepath.Join(dir, "artifacts.db"), dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestObserveToolResult_RecordsEntryWithDiff(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	l.ObserveToolCall(ctx, "s1", "T1", "edit_file", map[string]any{
		"path":       "/tmp/x.txt",
		"old_string": "hello\n",
	})
	if err := l.ObserveToolResult(ctx, "s1", "T1", map[string]any{"new_string": "hello world\n"}, false); err != nil {
		t.Fatalf("ObserveToolResult: %v", err)
	}

	entries, err := l.List(ctx, "s1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Path != "/tmp/x.txt" || e.Operation != artifact.OpEdit {
		t.Errorf("unexpected entry: %+v", e)
	}
	if e.Diff == "" {
		t.Error("expected a non-empty diff for two textual sides")
	}
}

func TestObserveToolResult_IgnoresNonFileTools(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	l.ObserveToolCall(ctx, "s1", "T1", "read_file", map[string]any{"path": "/tmp/x.txt"})
	if err := l.ObserveToolResult(ctx, "s1", "T1", "contents", false); err != nil {
		t.Fatalf("ObserveToolResult: %v", err)
	}

	entries, err := l.List(ctx, "s1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries for a non-mutating tool, got %d", len(entries))
	}
}

func TestObserveToolResult_SkipsEntryOnToolError(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	l.ObserveToolCall(ctx, "s1", "T1", "write_file", map[string]any{"path": "/tmp/x.txt"})
	if err := l.ObserveToolResult(ctx, "s1", "T1", "permission denied", true); err != nil {
		t.Fatalf("ObserveToolResult: %v", err)
	}

	entries, err := l.List(ctx, "s1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entry recorded for a failed tool call, got %d", len(entries))
	}
}

func TestObserveToolResult_WithoutMatchingCallIsNoop(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	if err := l.ObserveToolResult(ctx, "s1", "unknown", "result", false); err != nil {
		t.Fatalf("ObserveToolResult: %v", err)
	}

	entries, err := l.List(ctx, "s1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries, got %d", len(entries))
	}
}

func TestList_ReturnsEntriesInInsertionOrder(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	l.ObserveToolCall(ctx, "s1", "T1", "write_file", map[string]any{"path": "/tmp/a.txt"})
	if err := l.ObserveToolResult(ctx, "s1", "T1", "result a", false); err != nil {
		t.Fatalf("ObserveToolResult T1: %v", err)
	}
	l.ObserveToolCall(ctx, "s1", "T2", "delete_file", map[string]any{"path": "/tmp/b.txt"})
	if err := l.ObserveToolResult(ctx, "s1", "T2", "result b", false); err != nil {
		t.Fatalf("ObserveToolResult T2: %v", err)
	}

	entries, err := l.List(ctx, "s1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Path != "/tmp/a.txt" || entries[1].Path != "/tmp/b.txt" {
		t.Errorf("expected insertion order a then b, got %+v", entries)
	}
}

func TestObserveToolResult_AppendsSidecarFile(t *testing.T) {
	dir := t.TempDir()
	l, err := New(filepath.Join(dir, "artifacts.db"), dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()
	ctx := context.Background()

	if err := os.MkdirAll(filepath.Join(dir, "s1"), 0o700); err != nil {
		t.Fatalf("mkdir session dir: %v", err)
	}

	l.ObserveToolCall(ctx, "s1", "T1", "write_file", map[string]any{"path": "/tmp/x.txt"})
	if err := l.ObserveToolResult(ctx, "s1", "T1", "contents", false); err != nil {
		t.Fatalf("ObserveToolResult: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "s1", "artifacts.jsonl"))
	if err != nil {
		t.Fatalf("read sidecar: %v", err)
	}
	var entry artifact.Entry
	if err := json.Unmarshal(data[:len(data)-1], &entry); err != nil {
		t.Fatalf("unmarshal sidecar line: %v", err)
	}
	if entry.Path != "/tmp/x.txt" {
		t.Errorf("expected sidecar to record path, got %+v", entry)
	}
}

func TestObserveToolCall_IgnoresCallsWithoutPath(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	l.ObserveToolCall(ctx, "s1", "T1", "write_file", map[string]any{})
	if err := l.ObserveToolResult(ctx, "s1", "T1", "contents", false); err != nil {
		t.Fatalf("ObserveToolResult: %v", err)
	}

	entries, err := l.List(ctx, "s1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entry when the call carried no path, got %d", len(entries))
	}
}
