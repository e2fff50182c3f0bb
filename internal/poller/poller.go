// Arenamate - World of Warcraft Match Upload & Analysis Companion
// Copyright 2026 Arenamate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arenamate/arenamate

// Package poller tracks submitted analysis jobs to completion. Each tracked
// job is a small state machine polled on an adaptive schedule: exponential
// backoff while the backend status is unchanged, reset to the base interval
// on any change, with a global ceiling on simultaneously in-flight polls.
//
// The poller owns no durable state. It is rehydrated by the orchestrator at
// startup and only reports what it observes; the orchestrator reacts and
// persists.
package poller

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/semaphore"

	"github.com/arenamate/arenamate/internal/logging"
	"github.com/arenamate/arenamate/internal/metrics"
	"github.com/arenamate/arenamate/internal/uploader"
)

// Error codes attached to poller-originated terminal failures.
const (
	CodeNotFound          = "JOB_NOT_FOUND"
	CodeContractViolation = "BACKEND_CONTRACT_VIOLATION"
)

// StatusClient is the slice of the upload client the poller needs.
type StatusClient interface {
	JobStatus(ctx context.Context, jobID string) (*uploader.StatusResponse, error)
}

// CompletedResult is the normalized payload of a valid completed response.
type CompletedResult struct {
	AnalysisID string
	Data       json.RawMessage
}

// Failure is the normalized payload of a terminal failure.
type Failure struct {
	Message   string
	ErrorCode string
	Permanent bool
}

// Events receives everything the poller observes. Implementations must not
// block; the orchestrator forwards these onto the event bus.
type Events interface {
	JobProgress(jobID, matchKey, status string)
	JobCompleted(jobID, matchKey string, result CompletedResult)
	JobFailed(jobID, matchKey string, failure Failure)
	PollError(jobID string, err error)
	PollTimeout(jobID string)
	AuthRequired(jobID string)
}

// Config tunes the polling schedule.
type Config struct {
	BaseInterval           time.Duration
	MaxInterval            time.Duration
	MinInterval            time.Duration
	MaxConcurrent          int
	DeferDelay             time.Duration
	NotFoundWarmup         time.Duration
	ContractViolationLimit int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BaseInterval:           2 * time.Second,
		MaxInterval:            60 * time.Second,
		MinInterval:            1 * time.Second,
		MaxConcurrent:          6,
		DeferDelay:             500 * time.Millisecond,
		NotFoundWarmup:         2 * time.Minute,
		ContractViolationLimit: 3,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.BaseInterval <= 0 {
		c.BaseInterval = d.BaseInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = d.MaxInterval
	}
	if c.MinInterval <= 0 {
		c.MinInterval = d.MinInterval
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.DeferDelay <= 0 {
		c.DeferDelay = d.DeferDelay
	}
	if c.NotFoundWarmup <= 0 {
		c.NotFoundWarmup = d.NotFoundWarmup
	}
	if c.ContractViolationLimit <= 0 {
		c.ContractViolationLimit = d.ContractViolationLimit
	}
}

// trackedJob is the in-memory state machine for one job. All fields are
// guarded by the poller mutex; at most one poll is in flight per job.
type trackedJob struct {
	jobID      string
	matchKey   string
	delay      time.Duration
	lastStatus string
	startedAt  time.Time
	paused     bool // 401 received, waiting for a valid token
	inFlight   bool
	violations int
	stopped    bool
	timer      *time.Timer
}

// Poller drives all tracked jobs.
type Poller struct {
	client StatusClient
	events Events
	cfg    Config

	mu     sync.Mutex
	jobs   map[string]*trackedJob
	paused bool // service-wide pause
	closed bool
	wg     sync.WaitGroup

	// sem bounds simultaneously in-flight polls across all jobs.
	sem *semaphore.Weighted

	// now is swappable for tests.
	now func() time.Time
}

// New creates a Poller. Jobs are registered with TrackJob; nothing polls
// until then.
func New(client StatusClient, events Events, cfg Config) *Poller {
	cfg.applyDefaults()
	return &Poller{
		client: client,
		events: events,
		cfg:    cfg,
		jobs:   make(map[string]*trackedJob),
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		now:    time.Now,
	}
}

// TrackJob registers a job for completion polling. Registration is
// idempotent; a job without a matchKey is refused because no downstream
// consumer could correlate its terminal event.
func (p *Poller) TrackJob(jobID, matchKey string) error {
	if jobID == "" {
		return errEmptyJobID
	}
	if matchKey == "" {
		return errEmptyMatchKey
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errClosed
	}
	if _, exists := p.jobs[jobID]; exists {
		return nil
	}

	job := &trackedJob{
		jobID:     jobID,
		matchKey:  matchKey,
		delay:     p.cfg.BaseInterval,
		startedAt: p.now(),
	}
	p.jobs[jobID] = job
	metrics.TrackedJobs.Set(float64(len(p.jobs)))
	logging.Debug().Str("job_id", jobID).Str("match_key", matchKey).Msg("tracking analysis job")

	if !p.paused {
		p.scheduleLocked(job, job.delay, true)
	}
	return nil
}

// StopTracking drops a job without emitting any event.
func (p *Poller) StopTracking(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropLocked(jobID)
}

// TrackedCount reports how many jobs are currently tracked.
func (p *Poller) TrackedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.jobs)
}

// PausePolling suspends all polling service-wide. TrackedJob state is kept;
// timers are cancelled so paused jobs consume nothing.
func (p *Poller) PausePolling() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		return
	}
	p.paused = true
	for _, job := range p.jobs {
		p.cancelTimerLocked(job)
	}
	logging.Info().Int("jobs", len(p.jobs)).Msg("polling paused")
}

// ResumePolling restarts the service-wide schedule. Jobs individually
// paused by a 401 stay paused until ResumeJob.
func (p *Poller) ResumePolling() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		return
	}
	p.paused = false
	for _, job := range p.jobs {
		if !job.paused {
			p.scheduleLocked(job, job.delay, true)
		}
	}
	logging.Info().Int("jobs", len(p.jobs)).Msg("polling resumed")
}

// ResumeJob lifts a per-job auth pause, typically after a fresh token.
func (p *Poller) ResumeJob(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	job, ok := p.jobs[jobID]
	if !ok || !job.paused {
		return
	}
	job.paused = false
	if !p.paused {
		p.scheduleLocked(job, job.delay, true)
	}
}

// Close stops all timers and waits for in-flight polls to land.
func (p *Poller) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, job := range p.jobs {
		p.cancelTimerLocked(job)
	}
	p.mu.Unlock()

	p.wg.Wait()
}

// scheduleLocked arms the job's next poll. jittered applies the ±10% spread
// and the floor; concurrency deferrals reschedule with a short fixed delay
// instead. Caller holds p.mu.
func (p *Poller) scheduleLocked(job *trackedJob, delay time.Duration, jittered bool) {
	if p.closed || p.paused || job.paused || job.stopped {
		return
	}
	p.cancelTimerLocked(job)

	if jittered {
		delay = p.jitter(delay)
	}
	jobID := job.jobID
	job.timer = time.AfterFunc(delay, func() { p.poll(jobID) })
}

// jitter spreads a delay by ±10% and applies the 1-second floor.
func (p *Poller) jitter(d time.Duration) time.Duration {
	spread := time.Duration(float64(d) * (0.9 + 0.2*rand.Float64()))
	if spread < p.cfg.MinInterval {
		return p.cfg.MinInterval
	}
	return spread
}

// cancelTimerLocked stops any armed timer. Caller holds p.mu.
func (p *Poller) cancelTimerLocked(job *trackedJob) {
	if job.timer != nil {
		job.timer.Stop()
		job.timer = nil
	}
}

// dropLocked removes a job and updates the gauge. Caller holds p.mu.
func (p *Poller) dropLocked(jobID string) {
	job, ok := p.jobs[jobID]
	if !ok {
		return
	}
	job.stopped = true
	p.cancelTimerLocked(job)
	delete(p.jobs, jobID)
	metrics.TrackedJobs.Set(float64(len(p.jobs)))
}

// poll performs one status request for the job, then decides the next state.
func (p *Poller) poll(jobID string) {
	p.mu.Lock()
	job, ok := p.jobs[jobID]
	if !ok || p.closed || p.paused || job.paused || job.inFlight {
		p.mu.Unlock()
		return
	}
	if !p.sem.TryAcquire(1) {
		// Ceiling reached; re-check shortly without touching the backoff.
		metrics.PollRequests.WithLabelValues("deferred").Inc()
		p.scheduleLocked(job, p.cfg.DeferDelay, false)
		p.mu.Unlock()
		return
	}
	job.inFlight = true
	matchKey := job.matchKey
	p.wg.Add(1)
	p.mu.Unlock()

	start := p.now()
	resp, err := p.client.JobStatus(context.Background(), jobID)
	elapsed := p.now().Sub(start)
	p.sem.Release(1)

	defer p.wg.Done()

	// Decide the next state under the lock, but emit events outside it so a
	// consumer reacting to an event can safely call back into the poller.
	var emit func()
	p.mu.Lock()
	job.inFlight = false
	switch {
	case job.stopped || p.closed:
	case err != nil:
		emit = p.handlePollErrorLocked(job, matchKey, err, elapsed)
	default:
		metrics.ObservePoll("ok", elapsed)
		emit = p.handleStatusLocked(job, matchKey, resp)
	}
	p.mu.Unlock()

	if emit != nil {
		emit()
	}
}

// handlePollErrorLocked applies the error taxonomy to one failed poll and
// returns the event emission to run after the lock is released. Caller
// holds p.mu.
func (p *Poller) handlePollErrorLocked(job *trackedJob, matchKey string, err error, elapsed time.Duration) func() {
	switch {
	case uploader.IsAuthRequired(err):
		metrics.ObservePoll("auth", elapsed)
		job.paused = true
		p.cancelTimerLocked(job)
		logging.Warn().Str("job_id", job.jobID).Msg("job-status poll unauthorized; pausing job")
		return func() { p.events.AuthRequired(job.jobID) }

	case uploader.IsNotFound(err):
		metrics.ObservePoll("not_found", elapsed)
		if p.now().Sub(job.startedAt) <= p.cfg.NotFoundWarmup {
			// The remote job may not be visible yet; back off and retry.
			p.backoffLocked(job)
			return nil
		}
		logging.Warn().Str("job_id", job.jobID).Msg("job not found after warm-up window")
		p.dropLocked(job.jobID)
		return func() {
			p.events.JobFailed(job.jobID, matchKey, Failure{
				Message:   "analysis job not found after warm-up window",
				ErrorCode: CodeNotFound,
				Permanent: true,
			})
		}

	case uploader.IsTimeout(err):
		metrics.ObservePoll("error", elapsed)
		p.backoffLocked(job)
		return func() { p.events.PollTimeout(job.jobID) }

	default:
		metrics.ObservePoll("error", elapsed)
		logging.Debug().Err(err).Str("job_id", job.jobID).Msg("job-status poll failed")
		p.backoffLocked(job)
		return func() { p.events.PollError(job.jobID, err) }
	}
}

// handleStatusLocked advances the state machine on a successful response
// and returns the event emission to run after the lock is released. Caller
// holds p.mu.
func (p *Poller) handleStatusLocked(job *trackedJob, matchKey string, resp *uploader.StatusResponse) func() {
	switch resp.AnalysisStatus {
	case uploader.StatusCompleted:
		return p.handleCompletedLocked(job, matchKey, resp)

	case uploader.StatusFailed:
		p.dropLocked(job.jobID)
		return func() {
			p.events.JobFailed(job.jobID, matchKey, Failure{
				Message:   resp.Error,
				ErrorCode: resp.ErrorCode,
				Permanent: resp.IsPermanent,
			})
		}

	default:
		// pending / queued / processing, or a status this client predates.
		if resp.AnalysisStatus == job.lastStatus {
			p.backoffLocked(job)
			return nil
		}
		job.lastStatus = resp.AnalysisStatus
		job.delay = p.cfg.BaseInterval
		p.scheduleLocked(job, job.delay, true)
		return func() { p.events.JobProgress(job.jobID, matchKey, resp.AnalysisStatus) }
	}
}

// handleCompletedLocked validates the completed payload before trusting it.
// A backend that reports success with a structurally invalid payload gets a
// bounded number of chances, then the job fails permanently rather than
// surfacing garbage to consumers. Caller holds p.mu.
func (p *Poller) handleCompletedLocked(job *trackedJob, matchKey string, resp *uploader.StatusResponse) func() {
	if validCompletedPayload(resp) {
		p.dropLocked(job.jobID)
		return func() {
			p.events.JobCompleted(job.jobID, matchKey, CompletedResult{
				AnalysisID: resp.AnalysisID,
				Data:       resp.AnalysisData,
			})
		}
	}

	job.violations++
	metrics.ContractViolations.Inc()
	logging.Warn().Str("job_id", job.jobID).Int("violations", job.violations).
		Msg("completed response failed shape validation")

	if job.violations >= p.cfg.ContractViolationLimit {
		p.dropLocked(job.jobID)
		return func() {
			p.events.JobFailed(job.jobID, matchKey, Failure{
				Message:   "backend repeatedly reported completion with an invalid payload",
				ErrorCode: CodeContractViolation,
				Permanent: true,
			})
		}
	}

	// Completion is a status change; re-poll at the base interval.
	if resp.AnalysisStatus != job.lastStatus {
		job.lastStatus = resp.AnalysisStatus
		job.delay = p.cfg.BaseInterval
	}
	p.scheduleLocked(job, job.delay, true)
	return nil
}

// backoffLocked doubles the delay up to the cap and reschedules. Caller
// holds p.mu.
func (p *Poller) backoffLocked(job *trackedJob) {
	job.delay *= 2
	if job.delay > p.cfg.MaxInterval {
		job.delay = p.cfg.MaxInterval
	}
	p.scheduleLocked(job, job.delay, true)
}

// validCompletedPayload checks the shape a completed response must have:
// an analysis id plus a payload that is a JSON object.
func validCompletedPayload(resp *uploader.StatusResponse) bool {
	if !resp.Success || resp.AnalysisID == "" || len(resp.AnalysisData) == 0 {
		return false
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(resp.AnalysisData, &payload); err != nil {
		return false
	}
	return len(payload) > 0
}
