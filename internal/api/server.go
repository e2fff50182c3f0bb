// Arenamate - World of Warcraft Match Upload & Analysis Companion
// Copyright 2026 Arenamate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arenamate/arenamate

// Package api serves the local observability surface: health, a pipeline
// status snapshot, Prometheus metrics, and a small job-control action. It
// binds loopback only; nothing here is meant to be reachable off the
// machine.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arenamate/arenamate/internal/logging"
	"github.com/arenamate/arenamate/internal/results"
)

// StatusSource supplies the live snapshot served at /api/status.
type StatusSource interface {
	Connected() bool
	TrackedCount() int
	PendingCount() int
	GamePresent() bool
	DetectorWatching() bool
}

// Status is the /api/status response body.
type Status struct {
	Connected      bool   `json:"connected"`
	TrackedJobs    int    `json:"trackedJobs"`
	PendingUploads int    `json:"pendingUploads"`
	GamePresent    bool   `json:"gamePresent"`
	Watching       bool   `json:"watching"`
	Uptime         string `json:"uptime"`
}

// ResultsSource supplies finished analyses for /api/results.
type ResultsSource interface {
	Recent() []results.Outcome
}

// JobController lets the API lift a per-job auth pause once the operator
// has supplied a fresh token out of band.
type JobController interface {
	ResumeJob(jobID string)
}

// Server hosts the local HTTP endpoints.
type Server struct {
	addr    string
	source  StatusSource
	results ResultsSource
	jobs    JobController
	started time.Time
	httpSrv *http.Server
}

// NewServer builds the router and server. Serve starts it. A nil journal
// disables the results endpoint; a nil controller disables job control.
func NewServer(addr string, source StatusSource, journal ResultsSource, jobs JobController) *Server {
	s := &Server{addr: addr, source: source, results: journal, jobs: jobs, started: time.Now()}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/api/status", s.handleStatus)
	if journal != nil {
		r.Get("/api/results", s.handleResults)
	}
	if jobs != nil {
		r.Post("/api/jobs/{jobID}/resume", s.handleResumeJob)
	}
	r.Handle("/metrics", promhttp.Handler())

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Serve runs the server until ctx is cancelled, then shuts it down
// gracefully. The signature fits a suture service.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", s.addr).Msg("status API listening")
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := Status{
		Connected:      s.source.Connected(),
		TrackedJobs:    s.source.TrackedCount(),
		PendingUploads: s.source.PendingCount(),
		GamePresent:    s.source.GamePresent(),
		Watching:       s.source.DetectorWatching(),
		Uptime:         time.Since(s.started).Round(time.Second).String(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		logging.Debug().Err(err).Msg("failed to encode status response")
	}
}

func (s *Server) handleResumeJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	s.jobs.ResumeJob(jobID)
	logging.Info().Str("job_id", jobID).Msg("job polling resume requested")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResults(w http.ResponseWriter, _ *http.Request) {
	outcomes := s.results.Recent()
	if outcomes == nil {
		outcomes = []results.Outcome{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(outcomes); err != nil {
		logging.Debug().Err(err).Msg("failed to encode results response")
	}
}
