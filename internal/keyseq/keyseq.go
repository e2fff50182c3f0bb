// Arenamate - World of Warcraft Match Upload & Analysis Companion
// Copyright 2026 Arenamate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arenamate/arenamate

// Package keyseq serializes operations per correlation key. Operations
// enqueued with the same key run strictly in FIFO order; operations on
// different keys run concurrently. A failed or panicking operation never
// blocks the rest of its key's queue.
package keyseq

import (
	"sync"

	"github.com/arenamate/arenamate/internal/logging"
)

// Serializer chains each enqueued operation onto its key's tail. The match
// pipeline uses one serializer per buffer lifecycle so start/end/finalize
// events for a given bufferId execute in arrival order even though they
// originate from independent async sources.
type Serializer struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
	wg    sync.WaitGroup
}

// New returns an empty serializer.
func New() *Serializer {
	return &Serializer{tails: make(map[string]chan struct{})}
}

// Enqueue schedules op to run after every operation previously enqueued for
// key. It never blocks the caller. The returned channel is closed when op
// completes, whether it succeeded or panicked.
func (s *Serializer) Enqueue(key string, op func()) <-chan struct{} {
	done := make(chan struct{})

	s.mu.Lock()
	prev := s.tails[key]
	s.tails[key] = done
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if prev != nil {
			<-prev
		}
		s.run(key, op)
		close(done)

		// Drop the tail entry once the queue for this key drains.
		s.mu.Lock()
		if s.tails[key] == done {
			delete(s.tails, key)
		}
		s.mu.Unlock()
	}()

	return done
}

// run executes op, converting a panic into a log record so one bad
// operation cannot take down the host process or stall its key's queue.
func (s *Serializer) run(key string, op func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().Str("key", key).Interface("panic", r).
				Msg("serialized operation panicked")
		}
	}()
	op()
}

// PendingKeys reports how many keys currently have queued work.
func (s *Serializer) PendingKeys() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tails)
}

// Wait blocks until every enqueued operation has completed. Intended for
// shutdown and tests; new Enqueue calls during Wait are allowed but make
// Wait's return point unspecified.
func (s *Serializer) Wait() {
	s.wg.Wait()
}
