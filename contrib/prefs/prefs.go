// Package prefs contributes a file-backed JSON preference store. Values are
// persisted atomically on every mutation, so the store file can be served as
// a file:// resource and subscribed to for change notifications.
package prefs

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Store is a key-value store persisted as a single JSON object. All methods
// are safe for concurrent use.
type Store struct {
	path   string
	logger *slog.Logger

	mu     sync.Mutex
	values map[string]any
}

// Open loads the store at path, creating an empty one when the file does not
// exist yet. The parent directory must exist.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve store path %s: %w", path, err)
	}

	s := &Store{
		path:   abs,
		logger: logger.With("component", "prefs"),
		values: make(map[string]any),
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read store %s: %w", abs, err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.values); err != nil {
			return nil, fmt.Errorf("store %s is not a JSON object: %w", abs, err)
		}
	}
	return s, nil
}

// Path returns the absolute path of the store file.
func (s *Store) Path() string {
	return s.path
}

// URI returns the file:// URI of the store file, suitable for resource reads
// and subscriptions.
func (s *Store) URI() string {
	return "file://" + filepath.ToSlash(s.path)
}

// Get returns the value for key and whether it exists.
func (s *Store) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// Set stores the value for key and persists the store.
func (s *Store) Set(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return s.persistLocked()
}

// Delete removes key and persists the store. It reports whether the key
// existed.
func (s *Store) Delete(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; !ok {
		return false, nil
	}
	delete(s.values, key)
	return true, s.persistLocked()
}

// Keys returns all keys in lexical order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// persistLocked writes the store atomically: a temp file in the same
// directory is renamed over the target, so readers and file watchers never
// observe a half-written store.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode store: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace store: %w", err)
	}

	s.logger.Debug("store persisted", "path", s.path, "keys", len(s.values))
	return nil
}
