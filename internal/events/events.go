// Arenamate - World of Warcraft Match Upload & Analysis Companion
// Copyright 2026 Arenamate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arenamate/arenamate

// Package events carries the pipeline's event surface: typed payloads
// published over an in-process Watermill GoChannel Pub/Sub. Every component
// boundary in the pipeline communicates through these topics; failures are
// delivered as events, never thrown across components.
package events

import (
	"time"

	"github.com/goccy/go-json"
)

// Topics published by the pipeline.
const (
	TopicUploadStarted      = "upload.started"
	TopicUploadRetrying     = "upload.retrying"
	TopicAnalysisJobCreated = "analysis.job_created"
	TopicAnalysisProgress   = "analysis.progress"
	TopicAnalysisCompleted  = "analysis.completed"
	TopicAnalysisFailed     = "analysis.failed"
	TopicServiceStatus      = "service.status"
	TopicPollError          = "poll.error"
	TopicPollTimeout        = "poll.timeout"
	TopicAuthRequired       = "auth.required"
	TopicProcessStart       = "process.start"
	TopicProcessStop        = "process.stop"
	TopicProcessError       = "process.error"
	TopicDetectorStarted    = "detector.started"
	TopicDetectorStopped    = "detector.stopped"
	TopicDetectorError      = "detector.error"
)

// UploadStarted is emitted right after a jobId is assigned and persisted,
// before the first network attempt.
type UploadStarted struct {
	JobID    string    `json:"job_id"`
	MatchKey string    `json:"match_key"`
	SavedAt  time.Time `json:"saved_at"`
}

// UploadRetrying is emitted before each backoff sleep in the upload loop.
type UploadRetrying struct {
	JobID   string        `json:"job_id"`
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay"`
	Reason  string        `json:"reason"`
}

// AnalysisJobCreated is emitted once the server has accepted the upload.
type AnalysisJobCreated struct {
	JobID    string `json:"job_id"`
	MatchKey string `json:"match_key"`
}

// AnalysisProgress reports a non-terminal backend status change.
type AnalysisProgress struct {
	JobID    string `json:"job_id"`
	MatchKey string `json:"match_key"`
	Status   string `json:"status"`
}

// AnalysisCompleted is the terminal success event for a job.
type AnalysisCompleted struct {
	JobID      string          `json:"job_id"`
	MatchKey   string          `json:"match_key"`
	AnalysisID string          `json:"analysis_id"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// AnalysisFailed is the terminal failure event for a job. Permanent is true
// for failures that will never succeed on resubmission.
type AnalysisFailed struct {
	JobID     string `json:"job_id"`
	MatchKey  string `json:"match_key"`
	Message   string `json:"message"`
	ErrorCode string `json:"error_code"`
	Permanent bool   `json:"permanent"`
}

// ServiceStatus reports backend connectivity and tracking load.
type ServiceStatus struct {
	Connected      bool `json:"connected"`
	TrackedJobs    int  `json:"tracked_jobs"`
	PendingUploads int  `json:"pending_uploads"`
}

// PollError reports a transient poll failure; tracking continues.
type PollError struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason"`
}

// PollTimeout reports a poll attempt that hit its request timeout.
type PollTimeout struct {
	JobID string `json:"job_id"`
}

// AuthRequired is emitted when the backend rejects a poll with 401. The job
// stays tracked but paused until a valid token is supplied.
type AuthRequired struct {
	JobID string `json:"job_id"`
}

// ProcessPresence reports an edge-triggered game process transition.
type ProcessPresence struct {
	Running bool      `json:"running"`
	At      time.Time `json:"at"`
}

// ProcessError reports a presence check failure; monitoring continues.
type ProcessError struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// DetectorError reports a non-fatal failure inside the match detection
// lifecycle.
type DetectorError struct {
	Stage  string `json:"stage"`
	Reason string `json:"reason"`
}
