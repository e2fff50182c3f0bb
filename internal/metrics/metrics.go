// Arenamate - World of Warcraft Match Upload & Analysis Companion
// Copyright 2026 Arenamate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arenamate/arenamate

// Package metrics exposes Prometheus instrumentation for the upload
// pipeline: submission attempts and outcomes, job-status polling, tracked
// job counts, circuit breaker state, and game-process presence.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Upload metrics
	UploadAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arenamate_upload_attempts_total",
			Help: "Total upload attempts by outcome",
		},
		[]string{"outcome"}, // "success", "retryable", "terminal"
	)

	UploadRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arenamate_upload_retries_total",
			Help: "Total upload retry sleeps scheduled",
		},
	)

	UploadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "arenamate_upload_duration_seconds",
			Help:    "Duration of a single upload attempt in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	MatchesExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arenamate_matches_expired_total",
			Help: "Matches rejected before upload because they aged past the expiration window",
		},
	)

	// Poller metrics
	PollRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arenamate_poll_requests_total",
			Help: "Job-status poll requests by result",
		},
		[]string{"result"}, // "ok", "error", "not_found", "auth", "deferred"
	)

	PollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "arenamate_poll_duration_seconds",
			Help:    "Duration of a single job-status poll in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	TrackedJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "arenamate_tracked_jobs",
			Help: "Jobs currently tracked by the completion poller",
		},
	)

	PendingUploads = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "arenamate_pending_uploads",
			Help: "Persisted correlation records awaiting a terminal event",
		},
	)

	ContractViolations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arenamate_backend_contract_violations_total",
			Help: "Completed responses whose payload failed shape validation",
		},
	)

	// Circuit breaker metrics
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arenamate_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arenamate_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// Process presence metrics
	GameProcessPresent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "arenamate_game_process_present",
			Help: "Whether the game client process is currently running (0/1)",
		},
	)

	PresenceCheckErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arenamate_presence_check_errors_total",
			Help: "Process presence check failures by kind",
		},
		[]string{"kind"},
	)
)

// ObserveUpload records one upload attempt.
func ObserveUpload(outcome string, elapsed time.Duration) {
	UploadAttempts.WithLabelValues(outcome).Inc()
	UploadDuration.Observe(elapsed.Seconds())
}

// ObservePoll records one job-status poll.
func ObservePoll(result string, elapsed time.Duration) {
	PollRequests.WithLabelValues(result).Inc()
	PollDuration.Observe(elapsed.Seconds())
}

// SetGamePresent flips the presence gauge.
func SetGamePresent(running bool) {
	if running {
		GameProcessPresent.Set(1)
		return
	}
	GameProcessPresent.Set(0)
}
