// Arenamate - World of Warcraft Match Upload & Analysis Companion
// Copyright 2026 Arenamate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arenamate/arenamate

package poller

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/arenamate/arenamate/internal/uploader"
)

// fakeClient scripts JobStatus responses per call.
type fakeClient struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, jobID string) (*uploader.StatusResponse, error)
}

func (f *fakeClient) JobStatus(_ context.Context, jobID string) (*uploader.StatusResponse, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	fn := f.fn
	f.mu.Unlock()
	return fn(call, jobID)
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// recorder collects poller events.
type recorder struct {
	mu         sync.Mutex
	progress   []string
	completed  []CompletedResult
	failed     []Failure
	pollErrors int
	timeouts   int
	auth       []string
}

func (r *recorder) JobProgress(_, _, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, status)
}
func (r *recorder) JobCompleted(_, _ string, res CompletedResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, res)
}
func (r *recorder) JobFailed(_, _ string, f Failure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, f)
}
func (r *recorder) PollError(string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pollErrors++
}
func (r *recorder) PollTimeout(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeouts++
}
func (r *recorder) AuthRequired(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.auth = append(r.auth, jobID)
}

func (r *recorder) snapshot() recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return recorder{
		progress:   append([]string(nil), r.progress...),
		completed:  append([]CompletedResult(nil), r.completed...),
		failed:     append([]Failure(nil), r.failed...),
		pollErrors: r.pollErrors,
		timeouts:   r.timeouts,
		auth:       append([]string(nil), r.auth...),
	}
}

func fastConfig() Config {
	return Config{
		BaseInterval:           10 * time.Millisecond,
		MaxInterval:            80 * time.Millisecond,
		MinInterval:            time.Millisecond,
		MaxConcurrent:          6,
		DeferDelay:             5 * time.Millisecond,
		NotFoundWarmup:         2 * time.Minute,
		ContractViolationLimit: 3,
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func completedResponse() *uploader.StatusResponse {
	return &uploader.StatusResponse{
		Success:        true,
		AnalysisStatus: uploader.StatusCompleted,
		AnalysisID:     "an-1",
		AnalysisData:   json.RawMessage(`{"rating":2417,"bracket":"3v3"}`),
	}
}

func TestTrackJobValidation(t *testing.T) {
	t.Parallel()

	client := &fakeClient{fn: func(int, string) (*uploader.StatusResponse, error) {
		return completedResponse(), nil
	}}
	p := New(client, &recorder{}, fastConfig())
	defer p.Close()

	if err := p.TrackJob("", "hash"); err == nil {
		t.Error("empty jobId must be refused")
	}
	if err := p.TrackJob("job-1", ""); err == nil {
		t.Error("missing matchKey must be refused")
	}
	if err := p.TrackJob("job-1", "hash"); err != nil {
		t.Errorf("TrackJob: %v", err)
	}
	// Idempotent re-registration.
	if err := p.TrackJob("job-1", "hash"); err != nil {
		t.Errorf("second TrackJob: %v", err)
	}
}

func TestCompletedStopsTrackingAndEmitsOnce(t *testing.T) {
	t.Parallel()

	client := &fakeClient{fn: func(int, string) (*uploader.StatusResponse, error) {
		return completedResponse(), nil
	}}
	rec := &recorder{}
	p := New(client, rec, fastConfig())
	defer p.Close()

	if err := p.TrackJob("job-1", "hash-1"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return len(rec.snapshot().completed) == 1 }, "completed event never arrived")
	waitFor(t, func() bool { return p.TrackedCount() == 0 }, "tracking should stop on completion")

	time.Sleep(50 * time.Millisecond)
	snap := rec.snapshot()
	if len(snap.completed) != 1 {
		t.Errorf("completed emitted %d times, want exactly once", len(snap.completed))
	}
	if snap.completed[0].AnalysisID != "an-1" {
		t.Errorf("analysisID = %q", snap.completed[0].AnalysisID)
	}
}

func TestBackoffDoublesOnUnchangedStatusAndResetsOnChange(t *testing.T) {
	t.Parallel()

	// Three polls of "processing", then the status flips every poll so the
	// post-change delay stays observable at the base interval.
	client := &fakeClient{fn: func(call int, _ string) (*uploader.StatusResponse, error) {
		status := uploader.StatusProcessing
		if call >= 4 {
			status = uploader.StatusQueued
			if call%2 == 1 {
				status = uploader.StatusPending
			}
		}
		return &uploader.StatusResponse{Success: true, AnalysisStatus: status}, nil
	}}
	rec := &recorder{}
	p := New(client, rec, fastConfig())
	defer p.Close()

	if err := p.TrackJob("job-1", "hash"); err != nil {
		t.Fatal(err)
	}

	// After the first poll the status changed from "" to processing: reset to
	// base. Polls 2 and 3 are unchanged: delay doubles each time.
	waitFor(t, func() bool { return client.callCount() >= 3 }, "not enough polls")
	p.mu.Lock()
	delayAfterUnchanged := p.jobs["job-1"].delay
	p.mu.Unlock()
	if delayAfterUnchanged <= fastConfig().BaseInterval {
		t.Errorf("delay after unchanged polls = %v, want > base %v",
			delayAfterUnchanged, fastConfig().BaseInterval)
	}

	// A status change resets the delay to base.
	waitFor(t, func() bool { return client.callCount() >= 4 }, "status-change poll never happened")
	waitFor(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		job, ok := p.jobs["job-1"]
		return ok && job.delay == fastConfig().BaseInterval && job.lastStatus != uploader.StatusProcessing
	}, "delay should reset to base on status change")

	snap := rec.snapshot()
	if len(snap.progress) < 2 {
		t.Errorf("progress events = %v, want processing then queued", snap.progress)
	}
}

func TestBackoffIsCappedAtMaxInterval(t *testing.T) {
	t.Parallel()

	client := &fakeClient{fn: func(int, string) (*uploader.StatusResponse, error) {
		return &uploader.StatusResponse{Success: true, AnalysisStatus: uploader.StatusPending}, nil
	}}
	cfg := fastConfig()
	cfg.MaxInterval = 40 * time.Millisecond
	p := New(client, &recorder{}, cfg)
	defer p.Close()

	if err := p.TrackJob("job-1", "hash"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return client.callCount() >= 6 }, "not enough polls")
	p.mu.Lock()
	delay := p.jobs["job-1"].delay
	p.mu.Unlock()
	if delay > cfg.MaxInterval {
		t.Errorf("delay %v exceeds cap %v", delay, cfg.MaxInterval)
	}
}

func TestNotFoundToleratedDuringWarmup(t *testing.T) {
	t.Parallel()

	client := &fakeClient{fn: func(int, string) (*uploader.StatusResponse, error) {
		return nil, &uploader.HTTPError{StatusCode: http.StatusNotFound}
	}}
	rec := &recorder{}
	p := New(client, rec, fastConfig())
	defer p.Close()

	if err := p.TrackJob("job-1", "hash"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return client.callCount() >= 3 }, "polling stalled")
	if len(rec.snapshot().failed) != 0 {
		t.Error("404 inside the warm-up window must never be terminal")
	}
	if p.TrackedCount() != 1 {
		t.Error("job should still be tracked")
	}
}

func TestNotFoundAfterWarmupIsPermanent(t *testing.T) {
	t.Parallel()

	client := &fakeClient{fn: func(int, string) (*uploader.StatusResponse, error) {
		return nil, &uploader.HTTPError{StatusCode: http.StatusNotFound}
	}}
	rec := &recorder{}
	cfg := fastConfig()
	cfg.NotFoundWarmup = 1 // effectively elapsed immediately
	p := New(client, rec, cfg)
	defer p.Close()

	if err := p.TrackJob("job-1", "hash"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return len(rec.snapshot().failed) == 1 }, "expected a terminal failure")
	f := rec.snapshot().failed[0]
	if f.ErrorCode != CodeNotFound || !f.Permanent {
		t.Errorf("failure = %+v, want permanent %s", f, CodeNotFound)
	}
	if p.TrackedCount() != 0 {
		t.Error("tracking should stop")
	}
}

func TestContractViolationThreshold(t *testing.T) {
	t.Parallel()

	// completed with analysisId set but an empty payload, every time.
	client := &fakeClient{fn: func(int, string) (*uploader.StatusResponse, error) {
		return &uploader.StatusResponse{
			Success:        true,
			AnalysisStatus: uploader.StatusCompleted,
			AnalysisID:     "an-1",
			AnalysisData:   json.RawMessage(`{}`),
		}, nil
	}}
	rec := &recorder{}
	p := New(client, rec, fastConfig())
	defer p.Close()

	if err := p.TrackJob("job-1", "hash"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return len(rec.snapshot().failed) == 1 }, "expected contract-violation failure")
	snap := rec.snapshot()
	f := snap.failed[0]
	if f.ErrorCode != CodeContractViolation || !f.Permanent {
		t.Errorf("failure = %+v, want permanent %s", f, CodeContractViolation)
	}
	if len(snap.completed) != 0 {
		t.Error("an invalid payload must never surface as completed")
	}
	if got := client.callCount(); got != 3 {
		t.Errorf("violations tolerated = %d polls, want exactly 3", got)
	}
	if p.TrackedCount() != 0 {
		t.Error("tracking should stop after the threshold")
	}
}

func TestFailedStatusForwardsFields(t *testing.T) {
	t.Parallel()

	client := &fakeClient{fn: func(int, string) (*uploader.StatusResponse, error) {
		return &uploader.StatusResponse{
			Success:        true,
			AnalysisStatus: uploader.StatusFailed,
			Error:          "corrupt combat log",
			ErrorCode:      "PARSE_ERROR",
			IsPermanent:    true,
		}, nil
	}}
	rec := &recorder{}
	p := New(client, rec, fastConfig())
	defer p.Close()

	if err := p.TrackJob("job-1", "hash"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return len(rec.snapshot().failed) == 1 }, "failed event never arrived")
	f := rec.snapshot().failed[0]
	if f.Message != "corrupt combat log" || f.ErrorCode != "PARSE_ERROR" || !f.Permanent {
		t.Errorf("failure = %+v", f)
	}
}

func TestUnauthorizedPausesJobUntilResumed(t *testing.T) {
	t.Parallel()

	var authorized atomic.Bool
	client := &fakeClient{fn: func(int, string) (*uploader.StatusResponse, error) {
		if !authorized.Load() {
			return nil, &uploader.HTTPError{StatusCode: http.StatusUnauthorized}
		}
		return completedResponse(), nil
	}}
	rec := &recorder{}
	p := New(client, rec, fastConfig())
	defer p.Close()

	if err := p.TrackJob("job-1", "hash"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return len(rec.snapshot().auth) == 1 }, "auth-required never emitted")
	if p.TrackedCount() != 1 {
		t.Error("401 must pause the job, not stop tracking")
	}

	calls := client.callCount()
	time.Sleep(60 * time.Millisecond)
	if client.callCount() != calls {
		t.Error("a paused job must not keep polling")
	}

	authorized.Store(true)
	p.ResumeJob("job-1")
	waitFor(t, func() bool { return len(rec.snapshot().completed) == 1 }, "job never completed after resume")
}

func TestServiceWidePauseStopsTimers(t *testing.T) {
	t.Parallel()

	client := &fakeClient{fn: func(int, string) (*uploader.StatusResponse, error) {
		return &uploader.StatusResponse{Success: true, AnalysisStatus: uploader.StatusQueued}, nil
	}}
	p := New(client, &recorder{}, fastConfig())
	defer p.Close()

	if err := p.TrackJob("job-1", "hash"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return client.callCount() >= 1 }, "first poll missing")

	p.PausePolling()
	calls := client.callCount()
	time.Sleep(60 * time.Millisecond)
	if client.callCount() != calls {
		t.Error("paused poller kept issuing requests")
	}

	// Jobs registered while paused do not schedule either.
	if err := p.TrackJob("job-2", "hash-2"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(40 * time.Millisecond)
	if client.callCount() != calls {
		t.Error("job tracked during pause was polled")
	}

	p.ResumePolling()
	waitFor(t, func() bool { return client.callCount() > calls }, "polling never resumed")
}

func TestGlobalConcurrencyCeiling(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int32
	release := make(chan struct{})
	client := &fakeClient{fn: func(int, string) (*uploader.StatusResponse, error) {
		cur := inFlight.Add(1)
		for {
			prev := peak.Load()
			if cur <= prev || peak.CompareAndSwap(prev, cur) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		return &uploader.StatusResponse{Success: true, AnalysisStatus: uploader.StatusQueued}, nil
	}}

	cfg := fastConfig()
	cfg.MaxConcurrent = 2
	p := New(client, &recorder{}, cfg)

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		if err := p.TrackJob("job-"+id, "hash-"+id); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, func() bool { return inFlight.Load() == 2 }, "ceiling never filled")
	time.Sleep(50 * time.Millisecond) // deferred jobs keep re-checking
	if got := peak.Load(); got > 2 {
		t.Errorf("peak in-flight polls = %d, want <= 2", got)
	}

	close(release)
	p.Close()
}

func TestPerJobSinglePollInFlight(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int32
	client := &fakeClient{fn: func(int, string) (*uploader.StatusResponse, error) {
		cur := inFlight.Add(1)
		for {
			prev := peak.Load()
			if cur <= prev || peak.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return &uploader.StatusResponse{Success: true, AnalysisStatus: uploader.StatusProcessing}, nil
	}}

	cfg := fastConfig()
	cfg.BaseInterval = time.Millisecond
	p := New(client, &recorder{}, cfg)
	defer p.Close()

	if err := p.TrackJob("job-1", "hash-1"); err != nil {
		t.Fatal(err)
	}

	// Hammer the scheduler while polls are slow: every resume re-arms the
	// job's timer, so fresh timers keep firing into the in-flight window.
	deadline := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(deadline) {
		p.PausePolling()
		p.ResumePolling()
		time.Sleep(time.Millisecond)
	}

	waitFor(t, func() bool { return client.callCount() >= 2 }, "job was never polled repeatedly")
	if got := peak.Load(); got != 1 {
		t.Errorf("peak in-flight polls for one job = %d, want 1", got)
	}
}
