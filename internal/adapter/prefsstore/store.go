// Package prefsstore implements the preferences & custom-registry port
// (component G): a single JSON file holding user defaults and custom
// bundle/behavior URIs, with URI path containment validation for file://
// entries.
package prefsstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Strob0t/amplifier-gateway/internal/adapter/filelock"
)

// RegistryEntry is one custom bundle or behavior registration.
type RegistryEntry struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Preferences is the full persisted document.
type Preferences struct {
	DefaultBundle    string          `json:"default_bundle"`
	DefaultBehaviors []string        `json:"default_behaviors"`
	ShowThinking     bool            `json:"show_thinking"`
	DefaultCWD       string          `json:"default_cwd,omitempty"`
	CustomBundles    []RegistryEntry `json:"custom_bundles"`
	CustomBehaviors  []RegistryEntry `json:"custom_behaviors"`
}

func defaults() Preferences {
	return Preferences{
		DefaultBundle:    "foundation",
		DefaultBehaviors: []string{"sessions"},
		ShowThinking:     true,
	}
}

// deniedPrefixes are path roots a file:// custom bundle/behavior URI must
// never resolve under, regardless of the allow-listed roots.
var deniedPrefixes = []string{"/etc", "/var", "/usr", "/bin", "/sbin", "/System", "/Library"}

// Store persists Preferences to a single JSON file.
type Store struct {
	path string
	home string
	lock *filelock.Lock

	mu sync.Mutex
}

// New creates a Store backed by path (typically
// "<state_root>/web-preferences.json"). home is the user's home directory,
// the default allowed root for file:// URIs. New takes an exclusive
// cross-process advisory lock over the preferences file so a second
// gateway process started against the same state root fails fast instead
// of racing this one's reads and writes.
func New(path, home string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("prefsstore: mkdir: %w", err)
	}
	lock, err := filelock.Acquire(path + ".lock")
	if err != nil {
		return nil, fmt.Errorf("prefsstore: %w", err)
	}
	return &Store{path: path, home: home, lock: lock}, nil
}

// Close releases the store's cross-process advisory lock.
func (s *Store) Close() error {
	return s.lock.Close()
}

// Load returns the current preferences, or defaults if the file is absent
// or unparsable.
func (s *Store) Load() (Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (Preferences, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaults(), nil
		}
		return defaults(), fmt.Errorf("prefsstore: read: %w", err)
	}
	var p Preferences
	if err := json.Unmarshal(data, &p); err != nil {
		return defaults(), nil
	}
	return p, nil
}

// Save persists prefs in full.
func (s *Store) Save(prefs Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(prefs)
}

func (s *Store) saveLocked(prefs Preferences) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("prefsstore: mkdir: %w", err)
	}
	data, err := json.MarshalIndent(prefs, "", "  ")
	if err != nil {
		return fmt.Errorf("prefsstore: marshal: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("prefsstore: write: %w", err)
	}
	return nil
}

// Update copies into the stored preferences each field of updates whose
// JSON name is set in fields, zero values included; other fields keep their
// stored values.
func (s *Store) Update(updates Preferences, fields map[string]bool) (Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefs, err := s.loadLocked()
	if err != nil {
		return prefs, err
	}
	if fields["default_bundle"] {
		prefs.DefaultBundle = updates.DefaultBundle
	}
	if fields["default_behaviors"] {
		prefs.DefaultBehaviors = updates.DefaultBehaviors
	}
	if fields["show_thinking"] {
		prefs.ShowThinking = updates.ShowThinking
	}
	if fields["default_cwd"] {
		prefs.DefaultCWD = updates.DefaultCWD
	}
	return prefs, s.saveLocked(prefs)
}

// AddCustomBundle validates uri and upserts a custom bundle entry by name.
func (s *Store) AddCustomBundle(uri, name, description string) (Preferences, error) {
	return s.addCustom(uri, name, description, true)
}

// RemoveCustomBundle removes a custom bundle entry by name.
func (s *Store) RemoveCustomBundle(name string) (Preferences, error) {
	return s.removeCustom(name, true)
}

// AddCustomBehavior validates uri and upserts a custom behavior entry by name.
func (s *Store) AddCustomBehavior(uri, name, description string) (Preferences, error) {
	return s.addCustom(uri, name, description, false)
}

// RemoveCustomBehavior removes a custom behavior entry by name.
func (s *Store) RemoveCustomBehavior(name string) (Preferences, error) {
	return s.removeCustom(name, false)
}

func (s *Store) addCustom(uri, name, description string, bundle bool) (Preferences, error) {
	if err := ValidateRegistryURI(uri, s.home); err != nil {
		return Preferences{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prefs, err := s.loadLocked()
	if err != nil {
		return prefs, err
	}

	list := &prefs.CustomBundles
	if !bundle {
		list = &prefs.CustomBehaviors
	}
	found := false
	for i := range *list {
		if (*list)[i].Name == name {
			(*list)[i] = RegistryEntry{URI: uri, Name: name, Description: description}
			found = true
			break
		}
	}
	if !found {
		*list = append(*list, RegistryEntry{URI: uri, Name: name, Description: description})
	}
	return prefs, s.saveLocked(prefs)
}

func (s *Store) removeCustom(name string, bundle bool) (Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefs, err := s.loadLocked()
	if err != nil {
		return prefs, err
	}

	list := &prefs.CustomBundles
	if !bundle {
		list = &prefs.CustomBehaviors
	}
	kept := (*list)[:0]
	for _, e := range *list {
		if e.Name != name {
			kept = append(kept, e)
		}
	}
	*list = kept
	return prefs, s.saveLocked(prefs)
}

// ValidateRegistryURI checks that uri uses a recognized scheme
// (git+https:// or file://) and, for file:// URIs, that the resolved path
// is contained under home (or an allow-listed temp root), contains no ".."
// after resolution, and does not fall under any denied system prefix.
func ValidateRegistryURI(uri, home string) error {
	switch {
	case strings.HasPrefix(uri, "git+https://"):
		return nil
	case strings.HasPrefix(uri, "file://"):
		return validateFileURI(uri, home)
	default:
		return fmt.Errorf("prefsstore: unsupported URI scheme: %s", uri)
	}
}

func validateFileURI(uri, home string) error {
	raw := strings.TrimPrefix(uri, "file://")
	if strings.Contains(raw, "~") {
		return fmt.Errorf("prefsstore: URI must not contain '~': %s", uri)
	}

	resolved, err := filepath.Abs(raw)
	if err != nil {
		return fmt.Errorf("prefsstore: cannot resolve URI path: %w", err)
	}
	resolved = filepath.Clean(resolved)
	if strings.Contains(resolved, "..") {
		return fmt.Errorf("prefsstore: URI path must not contain '..': %s", uri)
	}

	for _, denied := range deniedPrefixes {
		if resolved == denied || strings.HasPrefix(resolved, denied+string(filepath.Separator)) {
			return fmt.Errorf("prefsstore: URI path resolves under a denied system directory: %s", resolved)
		}
	}

	allowedRoots := []string{home, os.TempDir(), "/var/tmp"}
	for _, root := range allowedRoots {
		if root == "" {
			continue
		}
		root = filepath.Clean(root)
		if resolved == root || strings.HasPrefix(resolved, root+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("prefsstore: URI path %s is outside allowed roots", resolved)
}
