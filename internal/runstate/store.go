// Package runstate persists orchestration progress so an interrupted run
// can resume without repeating finished work.
package runstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BrennonTWilliams/little-loops-sub001/internal/domain"
)

// ErrNoState is returned by Load when no checkpoint file exists.
var ErrNoState = errors.New("no saved run state")

// Store reads and writes the run state file. Every write goes through a
// temp file and an atomic rename, so a crash mid-write never leaves a
// truncated checkpoint behind.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore creates a store writing to path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the checkpoint file location.
func (s *Store) Path() string {
	return s.path
}

// Exists reports whether a checkpoint file is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Save checkpoints the state. The checkpoint timestamp is updated as part
// of the write.
func (s *Store) Save(st *domain.RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st.CheckpointAt = time.Now().UTC()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode run state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write run state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace run state: %w", err)
	}
	return nil
}

// Load reads the checkpoint. A missing file yields ErrNoState; a corrupt
// one is an error, never silently discarded.
func (s *Store) Load() (*domain.RunState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, ErrNoState
	}
	if err != nil {
		return nil, fmt.Errorf("read run state: %w", err)
	}

	var st domain.RunState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode run state %s: %w", s.path, err)
	}
	if st.RunID == "" {
		return nil, fmt.Errorf("run state %s has no run id", s.path)
	}
	return &st, nil
}

// Clear removes the checkpoint file after a run finished cleanly.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
