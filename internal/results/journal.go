// Arenamate - World of Warcraft Match Upload & Analysis Companion
// Copyright 2026 Arenamate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arenamate/arenamate

// Package results keeps a bounded in-memory journal of finished analyses,
// built by consuming pipeline events. Creation and completion arrive on
// independent subscriptions, so a completion can land before its creation
// record is visible here; a reconcile table parks those orphans until the
// record shows up.
package results

import (
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/arenamate/arenamate/internal/events"
	"github.com/arenamate/arenamate/internal/logging"
	"github.com/arenamate/arenamate/internal/reconcile"
)

// Outcome is a finished analysis as served to local consumers.
type Outcome struct {
	JobID      string          `json:"jobId"`
	MatchKey   string          `json:"matchKey"`
	Completed  bool            `json:"completed"`
	AnalysisID string          `json:"analysisId,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Message    string          `json:"message,omitempty"`
	ErrorCode  string          `json:"errorCode,omitempty"`
	Permanent  bool            `json:"permanent,omitempty"`
	FinishedAt time.Time       `json:"finishedAt"`
}

// terminal is the payload side of the reconcile table: whichever terminal
// event arrived, normalized.
type terminal struct {
	completed  bool
	analysisID string
	data       json.RawMessage
	message    string
	errorCode  string
	permanent  bool
}

// Journal subscribes to the pipeline and retains the most recent outcomes.
type Journal struct {
	table *reconcile.Table[string, events.AnalysisJobCreated, terminal]

	mu       sync.Mutex
	outcomes []Outcome
	keep     int
	unsubs   []events.Unsubscribe

	now func() time.Time
}

// New creates a Journal retaining at most keep outcomes and subscribes it
// to the bus. Close detaches the subscriptions.
func New(bus *events.Bus, keep int) (*Journal, error) {
	if keep < 1 {
		keep = 50
	}
	j := &Journal{
		table: reconcile.New[string, events.AnalysisJobCreated, terminal](keep),
		keep:  keep,
		now:   time.Now,
	}

	subs := map[string]events.Handler{
		events.TopicAnalysisJobCreated: j.onCreated,
		events.TopicAnalysisCompleted:  j.onCompleted,
		events.TopicAnalysisFailed:     j.onFailed,
	}
	for topic, handler := range subs {
		unsub, err := bus.Subscribe(topic, handler)
		if err != nil {
			j.Close()
			return nil, err
		}
		j.unsubs = append(j.unsubs, unsub)
	}
	return j, nil
}

// Close detaches from the bus and drops parked orphans.
func (j *Journal) Close() {
	j.mu.Lock()
	unsubs := j.unsubs
	j.unsubs = nil
	j.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
	j.table.Reset()
}

// Recent returns finished outcomes, newest first.
func (j *Journal) Recent() []Outcome {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Outcome, len(j.outcomes))
	copy(out, j.outcomes)
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].FinishedAt.After(out[b].FinishedAt)
	})
	return out
}

func (j *Journal) onCreated(env events.Envelope) {
	created, err := events.Decode[events.AnalysisJobCreated](env)
	if err != nil {
		logging.Debug().Err(err).Msg("bad job-created payload")
		return
	}
	if ev, ok := j.table.PutRecord(created.JobID, created); ok {
		// The terminal event beat the creation record here; settle it now.
		j.table.DeleteRecord(created.JobID)
		j.record(created, ev)
	}
}

func (j *Journal) onCompleted(env events.Envelope) {
	completed, err := events.Decode[events.AnalysisCompleted](env)
	if err != nil {
		logging.Debug().Err(err).Msg("bad analysis-completed payload")
		return
	}
	j.settle(completed.JobID, terminal{
		completed:  true,
		analysisID: completed.AnalysisID,
		data:       completed.Data,
	})
}

func (j *Journal) onFailed(env events.Envelope) {
	failed, err := events.Decode[events.AnalysisFailed](env)
	if err != nil {
		logging.Debug().Err(err).Msg("bad analysis-failed payload")
		return
	}
	j.settle(failed.JobID, terminal{
		message:   failed.Message,
		errorCode: failed.ErrorCode,
		permanent: failed.Permanent,
	})
}

func (j *Journal) settle(jobID string, ev terminal) {
	if created, ok := j.table.PutEvent(jobID, ev); ok {
		j.table.DeleteRecord(jobID)
		j.record(created, ev)
	}
}

func (j *Journal) record(created events.AnalysisJobCreated, ev terminal) {
	outcome := Outcome{
		JobID:      created.JobID,
		MatchKey:   created.MatchKey,
		Completed:  ev.completed,
		AnalysisID: ev.analysisID,
		Data:       ev.data,
		Message:    ev.message,
		ErrorCode:  ev.errorCode,
		Permanent:  ev.permanent,
		FinishedAt: j.now().UTC(),
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	j.outcomes = append(j.outcomes, outcome)
	if len(j.outcomes) > j.keep {
		j.outcomes = j.outcomes[len(j.outcomes)-j.keep:]
	}
}
