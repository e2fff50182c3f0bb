// Arenamate - World of Warcraft Match Upload & Analysis Companion
// Copyright 2026 Arenamate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arenamate/arenamate

// Package reconcile pairs records and events that arrive out of order.
//
// Completion events can legitimately land before the job-creation record is
// visible to a consumer. A Table keeps the authoritative record map plus a
// bounded side table of orphaned events keyed by the same correlation id,
// drained on reconciliation and on shutdown so it never grows without bound.
package reconcile

import (
	"sync"
)

// Table correlates records (R) with events (E) by key. All methods are safe
// for concurrent use.
type Table[K comparable, R any, E any] struct {
	mu      sync.Mutex
	records map[K]R
	orphans map[K]E
	order   []K // orphan insertion order, for bounded eviction
	limit   int
}

// New creates a Table that holds at most limit orphaned events. When the
// limit is exceeded the oldest orphan is evicted.
func New[K comparable, R any, E any](limit int) *Table[K, R, E] {
	if limit < 1 {
		limit = 1
	}
	return &Table[K, R, E]{
		records: make(map[K]R),
		orphans: make(map[K]E),
		limit:   limit,
	}
}

// PutRecord stores the authoritative record for key. If an event arrived
// first, it is drained from the side table and returned with ok=true so the
// caller can reconcile immediately.
func (t *Table[K, R, E]) PutRecord(key K, rec R) (E, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.records[key] = rec
	if ev, ok := t.orphans[key]; ok {
		t.dropOrphanLocked(key)
		return ev, true
	}
	var zero E
	return zero, false
}

// PutEvent delivers an event for key. If the record is already known it is
// returned with ok=true; otherwise the event parks in the bounded side
// table until the record appears.
func (t *Table[K, R, E]) PutEvent(key K, ev E) (R, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec, ok := t.records[key]; ok {
		return rec, true
	}

	if _, exists := t.orphans[key]; !exists {
		if len(t.orphans) >= t.limit {
			t.dropOrphanLocked(t.order[0])
		}
		t.order = append(t.order, key)
	}
	t.orphans[key] = ev

	var zero R
	return zero, false
}

// Record returns the stored record for key, if any.
func (t *Table[K, R, E]) Record(key K) (R, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[key]
	return rec, ok
}

// DeleteRecord removes the record for key once its lifecycle is terminal.
func (t *Table[K, R, E]) DeleteRecord(key K) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, key)
}

// Len reports the current record and orphan counts.
func (t *Table[K, R, E]) Len() (records, orphans int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records), len(t.orphans)
}

// Reset drops all state. Called on service shutdown so orphans never
// outlive the pipeline that produced them.
func (t *Table[K, R, E]) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = make(map[K]R)
	t.orphans = make(map[K]E)
	t.order = nil
}

// dropOrphanLocked removes one orphan and its order entry. Caller holds mu.
func (t *Table[K, R, E]) dropOrphanLocked(key K) {
	delete(t.orphans, key)
	for i, k := range t.order {
		if k == key {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}
