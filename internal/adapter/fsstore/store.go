// Package fsstore implements the transcript store port (component A) on
// the local filesystem: one directory per session holding a metadata.json
// document and an append-only transcript.jsonl log, matching the on-disk
// layout a resumed browser session expects to find untouched across
// restarts.
package fsstore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Strob0t/amplifier-gateway/internal/adapter/filelock"
	"github.com/Strob0t/amplifier-gateway/internal/domain"
	"github.com/Strob0t/amplifier-gateway/internal/domain/session"
	"github.com/Strob0t/amplifier-gateway/internal/domain/transcript"
)

// Store is a filesystem-backed transcriptstore.Store. Root is typically
// "<state_root>/web-sessions".
type Store struct {
	root string
	lock *filelock.Lock

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Store rooted at root, creating the directory if absent,
// and takes an exclusive cross-process advisory lock over it so a second
// gateway process started against the same state root fails fast instead
// of corrupting another process's transcripts.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("fsstore: create root: %w", err)
	}
	lock, err := filelock.Acquire(filepath.Join(root, ".lock"))
	if err != nil {
		return nil, fmt.Errorf("fsstore: %w", err)
	}
	return &Store{root: root, lock: lock, locks: make(map[string]*sync.Mutex)}, nil
}

// Close releases the store's cross-process advisory lock.
func (s *Store) Close() error {
	return s.lock.Close()
}

func (s *Store) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

func (s *Store) dir(sessionID string) string {
	return filepath.Join(s.root, sessionID)
}

func (s *Store) metadataPath(sessionID string) string {
	return filepath.Join(s.dir(sessionID), "metadata.json")
}

func (s *Store) transcriptPath(sessionID string) string {
	return filepath.Join(s.dir(sessionID), "transcript.jsonl")
}

// Open creates the session's directory and metadata document if they do
// not already exist. If metadata.json exists, it is left untouched so a
// resume preserves turn_count, name, and timestamps.
func (s *Store) Open(_ context.Context, meta session.Metadata) error {
	lock := s.sessionLock(meta.SessionID)
	lock.Lock()
	defer lock.Unlock()

	dir := s.dir(meta.SessionID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("fsstore: create session dir: %w", err)
	}

	if _, err := os.Stat(s.metadataPath(meta.SessionID)); err == nil {
		return nil
	}

	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now()
	}
	meta.UpdatedAt = meta.CreatedAt

	return writeJSONAtomic(s.metadataPath(meta.SessionID), meta)
}

// Append writes one transcript entry and bumps turn_count/updated_at.
func (s *Store) Append(_ context.Context, sessionID string, entry transcript.Entry) error {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	f, err := os.OpenFile(s.transcriptPath(sessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("fsstore: open transcript: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("fsstore: marshal entry: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("fsstore: write entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("fsstore: fsync transcript: %w", err)
	}

	meta, err := s.loadMetadataLocked(sessionID)
	if err != nil {
		return err
	}
	if entry.Role == transcript.RoleUser {
		meta.TurnCount++
	}
	meta.UpdatedAt = time.Now()
	return writeJSONAtomic(s.metadataPath(sessionID), meta)
}

// SnapshotMetadata merges the given fields into the persisted metadata.
func (s *Store) SnapshotMetadata(_ context.Context, sessionID string, meta session.Metadata) error {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.loadMetadataLocked(sessionID)
	if err != nil {
		return err
	}

	if meta.Name != "" {
		current.Name = meta.Name
	}
	if meta.Status != "" {
		current.Status = meta.Status
	}
	if meta.TurnCount > 0 {
		current.TurnCount = meta.TurnCount
	}
	current.UpdatedAt = time.Now()

	return writeJSONAtomic(s.metadataPath(sessionID), current)
}

func (s *Store) loadMetadataLocked(sessionID string) (session.Metadata, error) {
	data, err := os.ReadFile(s.metadataPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return session.Metadata{}, fmt.Errorf("fsstore: session %s: %w", sessionID, domain.ErrNotFound)
		}
		return session.Metadata{}, fmt.Errorf("fsstore: read metadata: %w", err)
	}
	var meta session.Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return session.Metadata{}, fmt.Errorf("fsstore: parse metadata: %w", err)
	}
	return meta, nil
}

// LoadMetadata returns the current metadata document for sessionID.
func (s *Store) LoadMetadata(_ context.Context, sessionID string) (session.Metadata, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()
	return s.loadMetadataLocked(sessionID)
}

// LoadTranscript returns the ordered transcript entries for sessionID. A
// partial trailing line (crash mid-write) is discarded rather than erroring.
func (s *Store) LoadTranscript(_ context.Context, sessionID string) ([]transcript.Entry, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(s.transcriptPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("fsstore: open transcript: %w", err)
	}
	defer f.Close()

	var entries []transcript.Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var entry transcript.Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			// Partial trailing line from a crash mid-write; stop here.
			break
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// List returns metadata summaries for all saved sessions, newest first,
// excluding spawned sub-sessions (ids containing an underscore).
func (s *Store) List(ctx context.Context) ([]session.Metadata, error) {
	dirEntries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("fsstore: list root: %w", err)
	}

	var out []session.Metadata
	for _, de := range dirEntries {
		if !de.IsDir() || strings.Contains(de.Name(), "_") {
			continue
		}
		meta, err := s.LoadMetadata(ctx, de.Name())
		if err != nil {
			continue
		}
		if actual, err := s.LoadTranscript(ctx, de.Name()); err == nil {
			turns := 0
			for _, e := range actual {
				if e.Role == transcript.RoleUser {
					turns++
				}
			}
			if turns != meta.TurnCount {
				meta.TurnCount = turns
			}
		}
		out = append(out, meta)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// Delete removes a saved session's directory entirely.
func (s *Store) Delete(_ context.Context, sessionID string) error {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(s.dir(sessionID)); os.IsNotExist(err) {
		return fmt.Errorf("fsstore: session %s: %w", sessionID, domain.ErrNotFound)
	}
	return os.RemoveAll(s.dir(sessionID))
}

// Rename sets a session's display name.
func (s *Store) Rename(ctx context.Context, sessionID, name string) error {
	return s.SnapshotMetadata(ctx, sessionID, session.Metadata{SessionID: sessionID, Name: name})
}

// writeJSONAtomic writes v to path via a temp file + rename, matching the
// crash-safety the Python original achieves with tempfile+os.rename.
func writeJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("fsstore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		tmp.Close()
		return fmt.Errorf("fsstore: encode: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsstore: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("fsstore: close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("fsstore: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("fsstore: rename: %w", err)
	}
	return nil
}
