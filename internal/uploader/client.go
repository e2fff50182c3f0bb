// Arenamate - World of Warcraft Match Upload & Analysis Companion
// Copyright 2026 Arenamate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arenamate/arenamate

// Package uploader talks to the remote analysis service: multipart match
// chunk submission and job-status queries, behind a shared circuit breaker
// so sustained backend failures surface as a connectivity signal instead of
// hammering a dead endpoint.
package uploader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/arenamate/arenamate/internal/logging"
	"github.com/arenamate/arenamate/internal/metrics"
)

const breakerName = "analysis-api"

// SubmitRequest describes one match chunk submission.
type SubmitRequest struct {
	// JobID is the client-generated identifier. The server accepts
	// resubmission of the same JobID idempotently.
	JobID string

	// MatchKey is the server-authoritative content hash of the match.
	MatchKey string

	// ChunkPath is the already-extracted combat log chunk on disk.
	ChunkPath string

	// MatchData is the opaque metadata blob for the match.
	MatchData json.RawMessage
}

// SubmitResponse is the server's reply to an accepted upload.
type SubmitResponse struct {
	Success      bool   `json:"success"`
	JobID        string `json:"jobId"`
	IsIdempotent bool   `json:"isIdempotent,omitempty"`
}

// StatusResponse is the server's reply to a job-status query.
type StatusResponse struct {
	Success        bool            `json:"success"`
	AnalysisStatus string          `json:"analysisStatus"`
	AnalysisID     string          `json:"analysisId,omitempty"`
	AnalysisData   json.RawMessage `json:"analysisData,omitempty"`
	Error          string          `json:"error,omitempty"`
	ErrorCode      string          `json:"errorCode,omitempty"`
	IsPermanent    bool            `json:"isPermanent,omitempty"`
}

// Analysis statuses the backend reports.
const (
	StatusPending    = "pending"
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Config for a Client.
type Config struct {
	// BaseURL of the analysis service.
	BaseURL string

	// Timeout bounds a single upload attempt.
	Timeout time.Duration

	// StatusTimeout bounds a single job-status query.
	StatusTimeout time.Duration

	// RatePerSecond limits submissions; 0 disables the limiter.
	RatePerSecond float64

	// BreakerCooldown is how long an open breaker waits before letting a
	// trial request through; 0 uses 30 seconds.
	BreakerCooldown time.Duration
}

// Client submits match chunks and polls job status. All failures come back
// as typed errors; nothing panics or crosses a component boundary uncaught.
type Client struct {
	httpClient *http.Client
	cfg        Config
	breaker    *gobreaker.CircuitBreaker[*http.Response]
	limiter    *rate.Limiter

	onConnectivity func(connected bool)
	connCh         chan bool
}

// NewClient creates a Client. onConnectivity, if non-nil, is invoked with
// false when the breaker opens and true when it starts admitting traffic
// again, whether that is the half-open trial window or a full close.
func NewClient(cfg Config, onConnectivity func(bool)) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = 10 * time.Second
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}

	c := &Client{
		httpClient:     &http.Client{},
		cfg:            cfg,
		onConnectivity: onConnectivity,
	}
	if cfg.RatePerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	if onConnectivity != nil {
		c.connCh = make(chan bool, 16)
		go func() {
			for connected := range c.connCh {
				c.onConnectivity(connected)
			}
		}()
	}

	metrics.BreakerState.WithLabelValues(breakerName).Set(0)
	c.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().Str("from", from.String()).Str("to", to.String()).
				Msg("analysis API circuit breaker transition")
			metrics.BreakerState.WithLabelValues(name).Set(breakerStateValue(to))
			metrics.BreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
			switch {
			case to == gobreaker.StateOpen:
				c.signalConnectivity(false)
			case from == gobreaker.StateOpen && to == gobreaker.StateHalfOpen:
				// The cooldown lapsed. Resume traffic now so half-open trial
				// requests can settle the breaker either way; waiting for a
				// full close would starve the very requests that cause it.
				c.signalConnectivity(true)
			case to == gobreaker.StateClosed && from != gobreaker.StateClosed:
				c.signalConnectivity(true)
			}
		},
	})
	return c
}

// signalConnectivity hands a transition to the dispatcher goroutine.
// gobreaker invokes OnStateChange while holding its internal lock, so the
// callback must not run inline: a consumer that reads breaker state from
// the callback would deadlock against that lock.
func (c *Client) signalConnectivity(connected bool) {
	if c.connCh == nil {
		return
	}
	select {
	case c.connCh <- connected:
	default:
	}
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Connected reports whether the breaker currently allows traffic.
func (c *Client) Connected() bool {
	return c.breaker.State() != gobreaker.StateOpen
}

// Submit uploads one match chunk. Retry policy lives with the caller; every
// failure is classified via Classify.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("submission rate limiter: %w", err)
		}
	}

	body, contentType, err := buildMultipart(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/upload", body)
	if err != nil {
		return nil, fmt.Errorf("build upload request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)

	resp, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: snippet(resp.Body)}
	}

	var out SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &ResponseError{Reason: "upload response is not valid JSON"}
	}
	if !out.Success {
		return nil, &ResponseError{Reason: "upload response reported success=false"}
	}
	if out.JobID != "" && out.JobID != req.JobID {
		return nil, &ResponseError{Reason: "upload response echoed a different jobId"}
	}
	return &out, nil
}

// JobStatus queries the analysis status of one job. 404 and 401 come back
// as *HTTPError so the poller can apply its warm-up and auth policies.
func (c *Client) JobStatus(ctx context.Context, jobID string) (*StatusResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StatusTimeout)
	defer cancel()

	url := c.cfg.BaseURL + "/api/upload/job-status/" + jobID
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build status request: %w", err)
	}

	resp, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: snippet(resp.Body)}
	}

	var out StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &ResponseError{Reason: "status response is not valid JSON"}
	}
	return &out, nil
}

// do runs the request through the circuit breaker. Network failures and 5xx
// responses count as breaker failures (the backend is unreachable or down);
// 4xx responses count as successes because the backend answered.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	return c.breaker.Execute(func() (*http.Response, error) {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if req.Context().Err() == context.DeadlineExceeded {
				return nil, fmt.Errorf("request to %s: %w", req.URL.Path, context.DeadlineExceeded)
			}
			return nil, fmt.Errorf("request to %s: %w", req.URL.Path, err)
		}
		if resp.StatusCode >= 500 {
			body := snippet(resp.Body)
			_ = resp.Body.Close()
			return nil, &HTTPError{StatusCode: resp.StatusCode, Body: body}
		}
		return resp, nil
	})
}

// buildMultipart assembles the upload body: the chunk file plus the jobId
// and the metadata blob {matchData, matchHash}.
func buildMultipart(req SubmitRequest) (*bytes.Buffer, string, error) {
	chunk, err := os.Open(req.ChunkPath)
	if err != nil {
		return nil, "", fmt.Errorf("open chunk file: %w", err)
	}
	defer func() { _ = chunk.Close() }()

	meta, err := json.Marshal(map[string]any{
		"matchData": req.MatchData,
		"matchHash": req.MatchKey,
	})
	if err != nil {
		return nil, "", fmt.Errorf("encode match metadata: %w", err)
	}

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)

	part, err := w.CreateFormFile("chunk", filepath.Base(req.ChunkPath))
	if err != nil {
		return nil, "", fmt.Errorf("create chunk part: %w", err)
	}
	if _, err := io.Copy(part, chunk); err != nil {
		return nil, "", fmt.Errorf("copy chunk data: %w", err)
	}
	if err := w.WriteField("jobId", req.JobID); err != nil {
		return nil, "", fmt.Errorf("write jobId field: %w", err)
	}
	if err := w.WriteField("metadata", string(meta)); err != nil {
		return nil, "", fmt.Errorf("write metadata field: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("finalize multipart body: %w", err)
	}

	return body, w.FormDataContentType(), nil
}

// snippet reads at most 512 bytes of a response body for error context.
func snippet(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 512))
	return string(bytes.TrimSpace(data))
}
