// Arenamate - World of Warcraft Match Upload & Analysis Companion
// Copyright 2026 Arenamate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arenamate/arenamate

package orchestrator

import (
	"github.com/arenamate/arenamate/internal/events"
	"github.com/arenamate/arenamate/internal/logging"
	"github.com/arenamate/arenamate/internal/metrics"
	"github.com/arenamate/arenamate/internal/poller"
)

// The orchestrator is the poller's event sink. Terminal outcomes retire the
// correlation record before the bus sees the event, so a consumer observing
// analysis.completed can rely on the record already being gone.

var _ poller.Events = (*Orchestrator)(nil)

// JobProgress forwards a non-terminal backend status change.
func (o *Orchestrator) JobProgress(jobID, matchKey, status string) {
	o.publish(events.TopicAnalysisProgress, events.AnalysisProgress{
		JobID: jobID, MatchKey: matchKey, Status: status,
	})
}

// JobCompleted retires the correlation record and forwards the result.
func (o *Orchestrator) JobCompleted(jobID, matchKey string, result poller.CompletedResult) {
	o.removeRecord(jobID)
	logging.Info().Str("job_id", jobID).Str("analysis_id", result.AnalysisID).
		Msg("analysis completed")
	o.publish(events.TopicAnalysisCompleted, events.AnalysisCompleted{
		JobID: jobID, MatchKey: matchKey,
		AnalysisID: result.AnalysisID, Data: result.Data,
	})
}

// JobFailed retires the correlation record and forwards the failure.
func (o *Orchestrator) JobFailed(jobID, matchKey string, failure poller.Failure) {
	o.removeRecord(jobID)
	logging.Warn().Str("job_id", jobID).Str("error_code", failure.ErrorCode).
		Bool("permanent", failure.Permanent).Msg("analysis failed")
	o.publish(events.TopicAnalysisFailed, events.AnalysisFailed{
		JobID: jobID, MatchKey: matchKey,
		Message: failure.Message, ErrorCode: failure.ErrorCode, Permanent: failure.Permanent,
	})
}

// PollError forwards a transient poll failure; the job stays tracked.
func (o *Orchestrator) PollError(jobID string, err error) {
	o.publish(events.TopicPollError, events.PollError{JobID: jobID, Reason: err.Error()})
}

// PollTimeout forwards a poll request timeout.
func (o *Orchestrator) PollTimeout(jobID string) {
	o.publish(events.TopicPollTimeout, events.PollTimeout{JobID: jobID})
}

// AuthRequired forwards a 401 pause so a frontend can prompt for a token.
func (o *Orchestrator) AuthRequired(jobID string) {
	o.publish(events.TopicAuthRequired, events.AuthRequired{JobID: jobID})
}

// HandleConnectivity reacts to circuit breaker transitions from the upload
// client: an open breaker pauses all polling, recovery resumes it. Each
// transition also refreshes the service status snapshot on the bus.
func (o *Orchestrator) HandleConnectivity(connected bool) {
	if connected {
		o.tracker.ResumePolling()
		logging.Info().Msg("backend reachable; polling resumed")
	} else {
		o.tracker.PausePolling()
		logging.Warn().Msg("backend unreachable; polling paused")
	}
	o.PublishServiceStatus()
}

// PublishServiceStatus emits the current connectivity and load snapshot.
func (o *Orchestrator) PublishServiceStatus() {
	status := events.ServiceStatus{
		Connected:      o.client.Connected(),
		TrackedJobs:    o.tracker.TrackedCount(),
		PendingUploads: o.PendingCount(),
	}
	metrics.TrackedJobs.Set(float64(status.TrackedJobs))
	o.publish(events.TopicServiceStatus, status)
}
