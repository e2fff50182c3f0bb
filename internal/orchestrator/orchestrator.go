// Arenamate - World of Warcraft Match Upload & Analysis Companion
// Copyright 2026 Arenamate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arenamate/arenamate

// Package orchestrator owns the upload-job lifecycle: jobId assignment,
// submission-time expiration policy, the indefinite backoff retry loop
// around the upload client, and the bridge between persisted correlation
// records and the completion poller.
//
// The orchestrator is the single writer of pending-upload state. The poller
// only reports; this package reacts, persists, and re-emits onto the bus.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/arenamate/arenamate/internal/events"
	"github.com/arenamate/arenamate/internal/jobstore"
	"github.com/arenamate/arenamate/internal/logging"
	"github.com/arenamate/arenamate/internal/metrics"
	"github.com/arenamate/arenamate/internal/uploader"
)

// Error codes attached to upload-originated terminal failures.
const (
	CodeUploadRejected   = "UPLOAD_REJECTED"
	CodeRetriesExhausted = "UPLOAD_RETRIES_EXHAUSTED"
)

var (
	// ErrMatchExpired rejects a match older than the expiration window. It
	// is returned synchronously, before any network traffic.
	ErrMatchExpired = errors.New("match is older than the upload expiration window")

	// ErrNotInitialized rejects submissions before Initialize has restored
	// persisted state.
	ErrNotInitialized = errors.New("orchestrator is not initialized")

	// ErrShuttingDown terminates a retry loop cut off by shutdown.
	ErrShuttingDown = errors.New("orchestrator is shutting down")

	// ErrRetriesExhausted terminates a retry loop that hit the configured
	// attempt ceiling.
	ErrRetriesExhausted = errors.New("upload retries exhausted")
)

// UploadClient is the slice of the upload client the orchestrator uses.
type UploadClient interface {
	Submit(ctx context.Context, req uploader.SubmitRequest) (*uploader.SubmitResponse, error)
	Connected() bool
}

// JobTracker is the slice of the completion poller the orchestrator uses.
type JobTracker interface {
	TrackJob(jobID, matchKey string) error
	StopTracking(jobID string)
	TrackedCount() int
	PausePolling()
	ResumePolling()
}

// Store persists the correlation record map.
type Store interface {
	Load() (map[string]jobstore.Record, error)
	Save(map[string]jobstore.Record) error
}

// MatchMetadata travels with a chunk submission.
type MatchMetadata struct {
	// BufferID is the local lifecycle key assigned at match start.
	BufferID string

	// Timestamp is when the match originally happened, used for the
	// expiration check.
	Timestamp time.Time

	// Data is the opaque metadata blob forwarded to the service.
	Data json.RawMessage
}

// Config tunes the orchestrator.
type Config struct {
	// ExpirationWindow rejects matches older than this. 0 disables.
	ExpirationWindow time.Duration

	// EnforceExpiration is true in production only.
	EnforceExpiration bool

	// RetryInitialDelay seeds the upload backoff.
	RetryInitialDelay time.Duration

	// RetryMaxDelay caps the upload backoff.
	RetryMaxDelay time.Duration

	// MaxAttempts bounds the retry loop; 0 retries indefinitely.
	MaxAttempts int
}

// Orchestrator coordinates submissions, retries, persistence, and event
// forwarding. It implements poller.Events.
type Orchestrator struct {
	store   Store
	client  UploadClient
	tracker JobTracker
	bus     *events.Bus
	cfg     Config

	// mu guards pending, the in-memory mirror of the persisted records.
	mu      sync.Mutex
	pending map[string]jobstore.Record

	initialized atomic.Bool
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup

	// newID and now are swappable in tests.
	newID func() string
	now   func() time.Time
}

// New creates an Orchestrator. Call Initialize before submitting.
func New(store Store, client UploadClient, tracker JobTracker, bus *events.Bus, cfg Config) *Orchestrator {
	if cfg.RetryInitialDelay <= 0 {
		cfg.RetryInitialDelay = time.Second
	}
	if cfg.RetryMaxDelay < cfg.RetryInitialDelay {
		cfg.RetryMaxDelay = 5 * time.Minute
	}
	return &Orchestrator{
		store:   store,
		client:  client,
		tracker: tracker,
		bus:     bus,
		cfg:     cfg,
		pending: make(map[string]jobstore.Record),
		stopCh:  make(chan struct{}),
		newID:   uuid.NewString,
		now:     time.Now,
	}
}

// Initialize restores persisted correlation records and re-registers each
// with the completion poller, so a crash loses no tracking state. It must
// complete before any submission is accepted.
func (o *Orchestrator) Initialize() error {
	restored, err := o.store.Load()
	if err != nil {
		return fmt.Errorf("restore pending uploads: %w", err)
	}

	o.mu.Lock()
	o.pending = restored
	metrics.PendingUploads.Set(float64(len(restored)))
	o.mu.Unlock()

	dropped := 0
	for jobID, rec := range restored {
		if err := o.tracker.TrackJob(jobID, rec.MatchKey); err != nil {
			// A record the poller refuses (no matchKey) can never resolve;
			// carrying it forward would leak state forever.
			logging.Warn().Err(err).Str("job_id", jobID).Msg("dropping unrestorable correlation record")
			o.removeRecord(jobID)
			dropped++
		}
	}

	o.initialized.Store(true)
	logging.Info().Int("restored", len(restored)-dropped).Int("dropped", dropped).
		Msg("upload orchestrator initialized")
	return nil
}

// Shutdown stops accepting work and cuts off in-flight retry sleeps. It is
// safe to call more than once.
func (o *Orchestrator) Shutdown() {
	// Flipping the flag under mu orders it against beginSubmit: any
	// submission that passed the gate has already registered with the
	// WaitGroup, so Wait below cannot race a late Add.
	o.mu.Lock()
	o.initialized.Store(false)
	o.mu.Unlock()
	o.stopOnce.Do(func() { close(o.stopCh) })
	o.wg.Wait()
}

// beginSubmit gates one submission and registers it with the shutdown
// WaitGroup in a single critical section.
func (o *Orchestrator) beginSubmit() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.initialized.Load() {
		return ErrNotInitialized
	}
	o.wg.Add(1)
	return nil
}

// PendingCount reports outstanding correlation records.
func (o *Orchestrator) PendingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// SubmitMatchChunk uploads one finished match chunk and returns the
// assigned jobId once the server has accepted it. Retryable failures loop
// with exponential backoff until success, a terminal classification, the
// configured attempt ceiling, or shutdown.
func (o *Orchestrator) SubmitMatchChunk(ctx context.Context, chunkPath string, meta MatchMetadata, matchKey string) (string, error) {
	if err := o.beginSubmit(); err != nil {
		return "", err
	}
	defer o.wg.Done()

	if matchKey == "" {
		return "", fmt.Errorf("submit match chunk: matchKey is required")
	}

	if o.expired(meta.Timestamp) {
		metrics.MatchesExpired.Inc()
		logging.Info().Str("buffer_id", meta.BufferID).Time("match_time", meta.Timestamp).
			Msg("match too old to submit")
		return "", ErrMatchExpired
	}

	jobID := o.newID()
	record := jobstore.Record{MatchKey: matchKey, CreatedAt: o.now().UTC()}

	// Persist before the network call so a crash mid-upload is recoverable.
	if err := o.putRecord(jobID, record); err != nil {
		return "", err
	}
	o.publish(events.TopicUploadStarted, events.UploadStarted{
		JobID: jobID, MatchKey: matchKey, SavedAt: record.CreatedAt,
	})

	req := uploader.SubmitRequest{
		JobID:     jobID,
		MatchKey:  matchKey,
		ChunkPath: chunkPath,
		MatchData: meta.Data,
	}

	for attempt := 0; ; attempt++ {
		if !o.initialized.Load() {
			return "", ErrShuttingDown
		}

		start := o.now()
		_, err := o.client.Submit(ctx, req)
		if err == nil {
			metrics.ObserveUpload("success", o.now().Sub(start))
			if trackErr := o.tracker.TrackJob(jobID, matchKey); trackErr != nil {
				logging.Error().Err(trackErr).Str("job_id", jobID).Msg("failed to track accepted job")
			}
			o.publish(events.TopicAnalysisJobCreated, events.AnalysisJobCreated{
				JobID: jobID, MatchKey: matchKey,
			})
			return jobID, nil
		}

		if uploader.Classify(err) == uploader.ClassTerminal {
			metrics.ObserveUpload("terminal", o.now().Sub(start))
			o.removeRecord(jobID)
			o.publish(events.TopicAnalysisFailed, events.AnalysisFailed{
				JobID: jobID, MatchKey: matchKey,
				Message: err.Error(), ErrorCode: CodeUploadRejected, Permanent: true,
			})
			return "", fmt.Errorf("upload rejected: %w", err)
		}

		metrics.ObserveUpload("retryable", o.now().Sub(start))
		if o.cfg.MaxAttempts > 0 && attempt+1 >= o.cfg.MaxAttempts {
			o.removeRecord(jobID)
			o.publish(events.TopicAnalysisFailed, events.AnalysisFailed{
				JobID: jobID, MatchKey: matchKey,
				Message: err.Error(), ErrorCode: CodeRetriesExhausted, Permanent: false,
			})
			return "", fmt.Errorf("%w after %d attempts: %s", ErrRetriesExhausted, attempt+1, err)
		}

		delay := o.retryDelay(attempt)
		o.noteAttempt(jobID, attempt+1, err)
		metrics.UploadRetries.Inc()
		logging.Warn().Err(err).Str("job_id", jobID).Int("attempt", attempt+1).
			Dur("delay", delay).Msg("upload failed; retrying")
		o.publish(events.TopicUploadRetrying, events.UploadRetrying{
			JobID: jobID, Attempt: attempt + 1, Delay: delay, Reason: err.Error(),
		})

		select {
		case <-o.stopCh:
			return "", ErrShuttingDown
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
		// Shutdown may have flipped during the sleep; the loop head checks
		// again so teardown never strands one more network round trip.
	}
}

// expired applies the submission-time expiration policy.
func (o *Orchestrator) expired(matchTime time.Time) bool {
	if !o.cfg.EnforceExpiration || o.cfg.ExpirationWindow <= 0 || matchTime.IsZero() {
		return false
	}
	return o.now().Sub(matchTime) > o.cfg.ExpirationWindow
}

// retryDelay computes min(initial × 2^attempt, cap) with ±20% jitter.
func (o *Orchestrator) retryDelay(attempt int) time.Duration {
	if attempt > 40 {
		attempt = 40 // 2^40 × 1s already saturates any sane cap
	}
	delay := o.cfg.RetryInitialDelay << uint(attempt)
	if delay <= 0 || delay > o.cfg.RetryMaxDelay {
		delay = o.cfg.RetryMaxDelay
	}
	return time.Duration(float64(delay) * (0.8 + 0.4*rand.Float64()))
}

// putRecord adds one record and persists the map.
func (o *Orchestrator) putRecord(jobID string, rec jobstore.Record) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending[jobID] = rec
	metrics.PendingUploads.Set(float64(len(o.pending)))
	if err := o.store.Save(o.pending); err != nil {
		delete(o.pending, jobID)
		metrics.PendingUploads.Set(float64(len(o.pending)))
		return fmt.Errorf("persist correlation record: %w", err)
	}
	return nil
}

// removeRecord deletes one record and persists the map. Persistence
// failures here are logged, not propagated: the in-memory map is already
// authoritative and a stale file entry resolves as not-found after restart.
func (o *Orchestrator) removeRecord(jobID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.pending[jobID]; !ok {
		return
	}
	delete(o.pending, jobID)
	metrics.PendingUploads.Set(float64(len(o.pending)))
	if err := o.store.Save(o.pending); err != nil {
		logging.Error().Err(err).Str("job_id", jobID).Msg("failed to persist record removal")
	}
}

// noteAttempt updates retry metadata on a pending record.
func (o *Orchestrator) noteAttempt(jobID string, attempts int, cause error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.pending[jobID]
	if !ok {
		return
	}
	rec.Attempts = attempts
	rec.LastError = cause.Error()
	o.pending[jobID] = rec
	if err := o.store.Save(o.pending); err != nil {
		logging.Debug().Err(err).Str("job_id", jobID).Msg("failed to persist retry metadata")
	}
}

// publish sends an event, logging rather than propagating a bus failure so
// bookkeeping never depends on a consumer.
func (o *Orchestrator) publish(topic string, payload any) {
	if err := o.bus.Publish(topic, payload); err != nil {
		logging.Debug().Err(err).Str("topic", topic).Msg("event publish failed")
	}
}
