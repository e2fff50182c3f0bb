// Arenamate - World of Warcraft Match Upload & Analysis Companion
// Copyright 2026 Arenamate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arenamate/arenamate

// Package spool is the integration surface for an external combat-log
// chunker. The chunker drops one JSON manifest per finished match into a
// spool directory next to the chunk file; this watcher picks manifests up
// on a polling scan and replays them as match boundary events. A consumed
// manifest is renamed with a .done suffix so a crash between scan and
// submit re-delivers rather than loses it.
package spool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/arenamate/arenamate/internal/detector"
	"github.com/arenamate/arenamate/internal/logging"
)

// Manifest is the file an external chunker writes per finished match.
type Manifest struct {
	BufferID   string          `json:"bufferId"`
	MatchKey   string          `json:"matchKey"`
	ChunkPath  string          `json:"chunkPath"`
	Timestamp  time.Time       `json:"timestamp"`
	ZoneID     int             `json:"zoneId"`
	Bracket    string          `json:"bracket"`
	Players    []string        `json:"players"`
	Metadata   json.RawMessage `json:"metadata"`
	Incomplete bool            `json:"incomplete"`
}

// Config tunes the spool watcher.
type Config struct {
	// Dir is the spool directory scanned for manifests.
	Dir string

	// ScanInterval is the polling cadence. Default 1s.
	ScanInterval time.Duration
}

// Watcher implements detector.Watcher over a spool directory.
type Watcher struct {
	cfg Config

	mu       sync.Mutex
	sink     detector.WatchEvents
	watching bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a spool watcher.
func New(cfg Config) *Watcher {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = time.Second
	}
	return &Watcher{cfg: cfg}
}

// Init ensures the spool directory exists.
func (w *Watcher) Init(context.Context) error {
	if w.cfg.Dir == "" {
		return fmt.Errorf("spool directory is not configured")
	}
	if err := os.MkdirAll(w.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("create spool directory: %w", err)
	}
	return nil
}

// Watch starts the scan loop. Idempotent while already watching.
func (w *Watcher) Watch(_ context.Context, sink detector.WatchEvents) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sink = sink
	if w.watching {
		return nil
	}
	w.watching = true
	w.stopCh = make(chan struct{})
	w.wg.Add(1)
	go w.loop(w.stopCh)
	return nil
}

// Unwatch stops the scan loop. Idempotent.
func (w *Watcher) Unwatch() {
	w.mu.Lock()
	if !w.watching {
		w.mu.Unlock()
		return
	}
	w.watching = false
	close(w.stopCh)
	w.mu.Unlock()
	w.wg.Wait()
}

// EarlyEnd is a no-op: the spool only ever sees already-finished matches,
// so there are no in-flight buffers on this side of the boundary.
func (w *Watcher) EarlyEnd() {}

// Finalize runs one last scan so manifests spooled during teardown still
// make it into the pipeline.
func (w *Watcher) Finalize(context.Context) error {
	w.mu.Lock()
	sink := w.sink
	w.mu.Unlock()
	if sink == nil {
		return nil
	}
	return w.scan(sink)
}

func (w *Watcher) loop(stopCh chan struct{}) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			w.mu.Lock()
			sink := w.sink
			w.mu.Unlock()
			if err := w.scan(sink); err != nil {
				logging.Warn().Err(err).Str("dir", w.cfg.Dir).Msg("spool scan failed")
			}
		}
	}
}

// scan consumes every manifest currently in the directory, oldest first by
// name. Each manifest replays as a start/end pair so downstream per-buffer
// ordering holds.
func (w *Watcher) scan(sink detector.WatchEvents) error {
	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		return fmt.Errorf("read spool directory: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(w.cfg.Dir, name)
		manifest, err := readManifest(path)
		if err != nil {
			logging.Warn().Err(err).Str("manifest", name).Msg("skipping unreadable manifest")
			continue
		}
		sink.MatchStarted(detector.MatchStart{
			BufferID:  manifest.BufferID,
			Timestamp: manifest.Timestamp,
			ZoneID:    manifest.ZoneID,
			Bracket:   manifest.Bracket,
			Players:   manifest.Players,
		})
		sink.MatchEnded(detector.MatchEnd{
			BufferID:   manifest.BufferID,
			Timestamp:  manifest.Timestamp,
			ChunkPath:  manifest.ChunkPath,
			MatchKey:   manifest.MatchKey,
			Metadata:   manifest.Metadata,
			Incomplete: manifest.Incomplete,
		})
		if err := os.Rename(path, path+".done"); err != nil {
			logging.Warn().Err(err).Str("manifest", name).Msg("failed to retire manifest")
		}
	}
	return nil
}

func readManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if m.BufferID == "" {
		return nil, fmt.Errorf("manifest has no bufferId")
	}
	return &m, nil
}
