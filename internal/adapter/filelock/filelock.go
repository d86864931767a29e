// Package filelock provides cross-process advisory locking over a single
// lock file, guarding the preferences document and the transcript store's
// session directory against a second gateway process touching the same
// state root concurrently. Grounded on original_source/auth.py's
// fcntl.flock use guarding its own auth-token file.
package filelock

import (
	"fmt"
	"os"
)

// Lock is a held advisory lock on one file. The zero value is not usable;
// obtain one through Acquire.
type Lock struct {
	f *os.File
}

// Acquire opens (creating if absent) the file at path and takes an
// exclusive, non-blocking advisory lock on it. It returns an error if
// another process already holds the lock, matching the single-process
// model: within one process, the caller's own sync.Mutex still serializes
// goroutines; this only protects against a second OS process.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("filelock: open %s: %w", path, err)
	}
	if err := lockExclusive(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("filelock: %s is held by another process: %w", path, err)
	}
	return &Lock{f: f}, nil
}

// Close releases the lock and the underlying file handle. Safe to call on
// a nil *Lock.
func (l *Lock) Close() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = unlock(l.f)
	return l.f.Close()
}
