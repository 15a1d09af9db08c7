// Package storage provides persistent state for the trading engines: a
// namespaced JSON file store, an append-only day-partitioned audit log, and
// a short-TTL signal cache.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrNotFound is returned when a namespace has no persisted record.
var ErrNotFound = errors.New("storage: record not found")

// Well-known namespaces. Each namespace maps to one file on disk.
const (
	NamespacePolicyConfig   = "policy-config"
	NamespaceOptionsEngine  = "options-engine-state"
	NamespaceCircuitBreaker = "circuit-breaker"
	NamespaceDailyStats     = "daily-stats"
	NamespacePostMortem     = "post-mortem"
)

// Store defines the contract for engine state persistence.
//
// Implementations must be safe for concurrent use - callers can assume all
// methods are goroutine-safe.
type Store interface {
	Get(namespace string, out interface{}) error
	Put(namespace string, v interface{}) error
	Delete(namespace string) error
}

// envelope wraps every persisted record with a version tag so format
// migrations can key off it.
type envelope struct {
	Version   int             `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
	Data      json.RawMessage `json:"data"`
}

const envelopeVersion = 1

// FileStore persists each namespace as a JSON file in a directory. Writes go
// to a temp file first and are renamed into place.
type FileStore struct {
	mu  sync.RWMutex
	dir string
}

// Ensure FileStore implements Store at compile time.
var _ Store = (*FileStore)(nil)

// NewFileStore creates the state directory if needed and returns a store
// over it.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(namespace string) string {
	return filepath.Join(s.dir, namespace+".json")
}

// Get unmarshals the namespace's record into out. Returns ErrNotFound when
// nothing has been persisted yet.
func (s *FileStore) Get(namespace string, out interface{}) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(namespace))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("corrupt record in %s: %w", namespace, err)
	}
	return json.Unmarshal(env.Data, out)
}

// Put persists v under the namespace, replacing any previous record.
func (s *FileStore) Put(namespace string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	env := envelope{Version: envelopeVersion, UpdatedAt: time.Now().UTC(), Data: raw}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Write to temp file first, then atomic rename.
	tmpFile := s.path(namespace) + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpFile, s.path(namespace))
}

// Delete removes the namespace's record. Deleting a missing record is a no-op.
func (s *FileStore) Delete(namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(namespace))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
