// Arenamate - World of Warcraft Match Upload & Analysis Companion
// Copyright 2026 Arenamate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arenamate/arenamate

// Package jobstore persists in-flight upload correlation records so a
// process restart loses no tracking state. Writes are atomic: the new state
// is written to a temp file and renamed into place, so a crash mid-write
// leaves either the old or the new file, never a torn one.
package jobstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// Record correlates a client-generated jobId with its match. One record
// exists per outstanding job, created before the first upload attempt and
// removed on any terminal event.
type Record struct {
	MatchKey  string    `json:"matchKey"`
	CreatedAt time.Time `json:"createdAt"`
	Attempts  int       `json:"attempts,omitempty"`
	LastError string    `json:"lastError,omitempty"`
}

// Store reads and writes the pending-uploads file. Safe for concurrent use;
// writers are serialized.
type Store struct {
	mu   sync.Mutex
	path string
}

// New creates a store backed by the given file path. The file need not
// exist yet.
func New(path string) *Store {
	return &Store{path: path}
}

// Load reads the persisted record map. A missing file means no pending
// uploads, not an error.
func (s *Store) Load() (map[string]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pending uploads: %w", err)
	}

	records := map[string]Record{}
	if len(data) == 0 {
		return records, nil
	}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse pending uploads %s: %w", s.path, err)
	}
	return records, nil
}

// Save atomically replaces the persisted record map.
func (s *Store) Save(records map[string]Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode pending uploads: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	// Temp file must live on the same filesystem for rename to be atomic.
	tmp, err := os.CreateTemp(dir, ".pending-uploads-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}
