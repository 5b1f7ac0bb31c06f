// Package checkpoint implements CheckpointStore: named snapshots of a
// session's SharedMemory plus every node's conversation cursor, sufficient
// to restore execution to a prior point in time.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentgraph/runtime/internal/convstore"
)

// Snapshot is one named checkpoint: a full memory snapshot and every node's
// cursor at the moment it was taken.
type Snapshot struct {
	Name      string                      `json:"name"`
	CreatedAt time.Time                   `json:"createdAt"`
	Memory    map[string]any              `json:"memory"`
	Cursors   map[string]convstore.Cursor `json:"cursors"`
}

// Store manages named checkpoints for one session, rooted at
// "{sessionRoot}/checkpoints/".
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open returns a Store rooted at dir, creating it if necessary.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// Save writes a named checkpoint, overwriting any existing checkpoint of the
// same name (explicit re-checkpoint and node-boundary auto-checkpoints share
// this one write path per spec.md §3 lifecycle notes).
func (s *Store) Save(name string, memory map[string]any, cursors map[string]convstore.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Name:      name,
		CreatedAt: time.Now(),
		Memory:    memory,
		Cursors:   cursors,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: marshal snapshot: %w", err)
	}
	tmpPath := s.path(name) + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("checkpoint: write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, s.path(name)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("checkpoint: rename temp snapshot: %w", err)
	}
	return nil
}

// Load returns a previously saved checkpoint by name.
func (s *Store) Load(name string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("checkpoint: %q not found", name)
		}
		return nil, fmt.Errorf("checkpoint: read %q: %w", name, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("checkpoint: unmarshal %q: %w", name, err)
	}
	return &snap, nil
}

// List returns the names of every checkpoint saved for this session.
func (s *Store) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) == ".json" {
			names = append(names, name[:len(name)-len(".json")])
		}
	}
	return names, nil
}

// Delete removes a named checkpoint. Deleting an unknown name is a no-op.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("checkpoint: delete %q: %w", name, err)
	}
	return nil
}
