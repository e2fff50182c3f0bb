// Arenamate - World of Warcraft Match Upload & Analysis Companion
// Copyright 2026 Arenamate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arenamate/arenamate

package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/arenamate/arenamate/internal/events"
	"github.com/arenamate/arenamate/internal/jobstore"
	"github.com/arenamate/arenamate/internal/poller"
	"github.com/arenamate/arenamate/internal/uploader"
)

type fakeStore struct {
	mu      sync.Mutex
	initial map[string]jobstore.Record
	saves   []map[string]jobstore.Record
}

func (s *fakeStore) Load() (map[string]jobstore.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]jobstore.Record, len(s.initial))
	for k, v := range s.initial {
		out[k] = v
	}
	return out, nil
}

func (s *fakeStore) Save(records map[string]jobstore.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := make(map[string]jobstore.Record, len(records))
	for k, v := range records {
		snap[k] = v
	}
	s.saves = append(s.saves, snap)
	return nil
}

func (s *fakeStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saves)
}

func (s *fakeStore) lastSave() map[string]jobstore.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saves) == 0 {
		return nil
	}
	return s.saves[len(s.saves)-1]
}

type fakeClient struct {
	mu        sync.Mutex
	script    []error // result per call; last entry repeats
	calls     int
	connected bool
	onSubmit  func()
}

func (c *fakeClient) Submit(_ context.Context, req uploader.SubmitRequest) (*uploader.SubmitResponse, error) {
	c.mu.Lock()
	idx := c.calls
	if idx >= len(c.script) {
		idx = len(c.script) - 1
	}
	c.calls++
	err := c.script[idx]
	hook := c.onSubmit
	c.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	return &uploader.SubmitResponse{Success: true, JobID: req.JobID}, nil
}

func (c *fakeClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fakeTracker struct {
	mu       sync.Mutex
	tracked  map[string]string
	trackErr error
	pauses   int
	resumes  int
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{tracked: make(map[string]string)}
}

func (tr *fakeTracker) TrackJob(jobID, matchKey string) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.trackErr != nil && matchKey == "" {
		return tr.trackErr
	}
	tr.tracked[jobID] = matchKey
	return nil
}

func (tr *fakeTracker) StopTracking(jobID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	delete(tr.tracked, jobID)
}

func (tr *fakeTracker) TrackedCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.tracked)
}

func (tr *fakeTracker) PausePolling() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.pauses++
}

func (tr *fakeTracker) ResumePolling() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.resumes++
}

type eventSink struct {
	mu   sync.Mutex
	envs []events.Envelope
}

func (s *eventSink) handle(env events.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs = append(s.envs, env)
}

func (s *eventSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.envs)
}

func sinkTopic(t *testing.T, bus *events.Bus, topic string) *eventSink {
	t.Helper()
	sink := &eventSink{}
	unsub, err := bus.Subscribe(topic, sink.handle)
	if err != nil {
		t.Fatalf("subscribe %s: %v", topic, err)
	}
	t.Cleanup(unsub)
	return sink
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func testConfig() Config {
	return Config{
		RetryInitialDelay: time.Millisecond,
		RetryMaxDelay:     10 * time.Millisecond,
	}
}

func newTestOrchestrator(t *testing.T, store *fakeStore, client *fakeClient, tracker *fakeTracker, cfg Config) (*Orchestrator, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(func() { bus.Close() })
	o := New(store, client, tracker, bus, cfg)
	if err := o.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(o.Shutdown)
	return o, bus
}

func TestSubmitRejectsBeforeInitialize(t *testing.T) {
	t.Parallel()

	o := New(&fakeStore{}, &fakeClient{script: []error{nil}}, newFakeTracker(), events.NewBus(), testConfig())
	_, err := o.SubmitMatchChunk(context.Background(), "chunk.log", MatchMetadata{}, "key-1")
	if !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestSubmitPersistsRecordBeforeUpload(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	client := &fakeClient{script: []error{nil}}
	var persistedAtSubmit int
	client.onSubmit = func() { persistedAtSubmit = store.saveCount() }

	o, _ := newTestOrchestrator(t, store, client, newFakeTracker(), testConfig())

	jobID, err := o.SubmitMatchChunk(context.Background(), "chunk.log", MatchMetadata{Timestamp: time.Now()}, "key-1")
	if err != nil {
		t.Fatalf("SubmitMatchChunk: %v", err)
	}
	if jobID == "" {
		t.Fatal("expected a jobId")
	}
	if persistedAtSubmit == 0 {
		t.Fatal("record was not persisted before the upload attempt")
	}
	if _, ok := store.lastSave()[jobID]; !ok {
		t.Fatal("accepted job should stay persisted until a terminal poll outcome")
	}
}

func TestSubmitRetriesServerErrorsThenSucceeds(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	client := &fakeClient{script: []error{
		&uploader.HTTPError{StatusCode: 500, Body: "boom"},
		&uploader.HTTPError{StatusCode: 503, Body: "overloaded"},
		nil,
	}}
	tracker := newFakeTracker()
	o, bus := newTestOrchestrator(t, store, client, tracker, testConfig())
	retries := sinkTopic(t, bus, events.TopicUploadRetrying)
	created := sinkTopic(t, bus, events.TopicAnalysisJobCreated)

	jobID, err := o.SubmitMatchChunk(context.Background(), "chunk.log", MatchMetadata{Timestamp: time.Now()}, "key-1")
	if err != nil {
		t.Fatalf("SubmitMatchChunk: %v", err)
	}
	if got := client.callCount(); got != 3 {
		t.Fatalf("expected 3 upload attempts, got %d", got)
	}
	if tracker.TrackedCount() != 1 {
		t.Fatalf("expected 1 tracked job, got %d", tracker.TrackedCount())
	}
	if _, ok := store.lastSave()[jobID]; !ok {
		t.Fatal("record should still be persisted after acceptance")
	}
	waitFor(t, func() bool { return retries.count() == 2 }, "expected 2 retry events")
	waitFor(t, func() bool { return created.count() == 1 }, "expected job-created event")
}

func TestSubmitTerminalRejectionRetiresRecord(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	client := &fakeClient{script: []error{&uploader.HTTPError{StatusCode: 400, Body: "bad chunk"}}}
	tracker := newFakeTracker()
	o, bus := newTestOrchestrator(t, store, client, tracker, testConfig())
	failed := sinkTopic(t, bus, events.TopicAnalysisFailed)

	_, err := o.SubmitMatchChunk(context.Background(), "chunk.log", MatchMetadata{Timestamp: time.Now()}, "key-1")
	if err == nil {
		t.Fatal("expected an error for a terminal rejection")
	}
	if got := client.callCount(); got != 1 {
		t.Fatalf("terminal rejection must not retry, got %d attempts", got)
	}
	if len(store.lastSave()) != 0 {
		t.Fatal("record should be removed after a terminal rejection")
	}
	if tracker.TrackedCount() != 0 {
		t.Fatal("rejected job must not be tracked")
	}
	waitFor(t, func() bool { return failed.count() == 1 }, "expected analysis-failed event")
}

func TestSubmitHonorsAttemptCeiling(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxAttempts = 2
	store := &fakeStore{}
	client := &fakeClient{script: []error{&uploader.HTTPError{StatusCode: 500, Body: "boom"}}}
	o, _ := newTestOrchestrator(t, store, client, newFakeTracker(), cfg)

	_, err := o.SubmitMatchChunk(context.Background(), "chunk.log", MatchMetadata{Timestamp: time.Now()}, "key-1")
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if got := client.callCount(); got != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", got)
	}
	if len(store.lastSave()) != 0 {
		t.Fatal("exhausted job should not stay persisted")
	}
}

func TestSubmitRejectsExpiredMatchWithoutNetwork(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.EnforceExpiration = true
	cfg.ExpirationWindow = time.Hour
	store := &fakeStore{}
	client := &fakeClient{script: []error{nil}}
	o, _ := newTestOrchestrator(t, store, client, newFakeTracker(), cfg)

	_, err := o.SubmitMatchChunk(context.Background(), "chunk.log",
		MatchMetadata{Timestamp: time.Now().Add(-2 * time.Hour)}, "key-1")
	if !errors.Is(err, ErrMatchExpired) {
		t.Fatalf("expected ErrMatchExpired, got %v", err)
	}
	if client.callCount() != 0 {
		t.Fatal("expired match must not reach the network")
	}
	if store.saveCount() != 0 {
		t.Fatal("expired match must not be persisted")
	}
}

func TestExpirationIgnoredWhenNotEnforced(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.ExpirationWindow = time.Hour // EnforceExpiration left false
	client := &fakeClient{script: []error{nil}}
	o, _ := newTestOrchestrator(t, &fakeStore{}, client, newFakeTracker(), cfg)

	_, err := o.SubmitMatchChunk(context.Background(), "chunk.log",
		MatchMetadata{Timestamp: time.Now().Add(-48 * time.Hour)}, "key-1")
	if err != nil {
		t.Fatalf("stale match should upload when expiration is not enforced: %v", err)
	}
	if client.callCount() != 1 {
		t.Fatal("expected the upload to go through")
	}
}

func TestInitializeRestoresAndReregistersRecords(t *testing.T) {
	t.Parallel()

	store := &fakeStore{initial: map[string]jobstore.Record{
		"job-a": {MatchKey: "key-a", CreatedAt: time.Now().UTC()},
		"job-b": {MatchKey: "key-b", CreatedAt: time.Now().UTC()},
	}}
	tracker := newFakeTracker()
	bus := events.NewBus()
	t.Cleanup(func() { bus.Close() })

	o := New(store, &fakeClient{script: []error{nil}}, tracker, bus, testConfig())
	if err := o.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(o.Shutdown)

	if tracker.TrackedCount() != 2 {
		t.Fatalf("expected 2 re-registered jobs, got %d", tracker.TrackedCount())
	}
	if o.PendingCount() != 2 {
		t.Fatalf("expected 2 pending records, got %d", o.PendingCount())
	}
}

func TestInitializeDropsUnrestorableRecords(t *testing.T) {
	t.Parallel()

	store := &fakeStore{initial: map[string]jobstore.Record{
		"job-good": {MatchKey: "key-a"},
		"job-bad":  {MatchKey: ""},
	}}
	tracker := newFakeTracker()
	tracker.trackErr = errors.New("matchKey is required")
	bus := events.NewBus()
	t.Cleanup(func() { bus.Close() })

	o := New(store, &fakeClient{script: []error{nil}}, tracker, bus, testConfig())
	if err := o.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(o.Shutdown)

	if o.PendingCount() != 1 {
		t.Fatalf("expected the keyless record to be dropped, pending=%d", o.PendingCount())
	}
	if _, ok := store.lastSave()["job-bad"]; ok {
		t.Fatal("dropped record should be removed from the persisted map")
	}
}

func TestShutdownCutsOffRetrySleep(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.RetryInitialDelay = 10 * time.Second
	cfg.RetryMaxDelay = 10 * time.Second
	store := &fakeStore{}
	client := &fakeClient{script: []error{&uploader.HTTPError{StatusCode: 500, Body: "boom"}}}
	o, _ := newTestOrchestrator(t, store, client, newFakeTracker(), cfg)

	errCh := make(chan error, 1)
	go func() {
		_, err := o.SubmitMatchChunk(context.Background(), "chunk.log", MatchMetadata{Timestamp: time.Now()}, "key-1")
		errCh <- err
	}()
	waitFor(t, func() bool { return client.callCount() >= 1 }, "first attempt never happened")

	o.Shutdown()
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrShuttingDown) {
			t.Fatalf("expected ErrShuttingDown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("retry loop did not observe shutdown")
	}
	if len(store.lastSave()) != 1 {
		t.Fatal("interrupted upload should stay persisted for restart recovery")
	}
}

func TestShutdownRacesConcurrentSubmissions(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	client := &fakeClient{script: []error{&uploader.HTTPError{StatusCode: 503, Body: "down"}}}
	o, _ := newTestOrchestrator(t, store, client, newFakeTracker(), testConfig())

	var wg sync.WaitGroup
	errs := make([]error, 16)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = o.SubmitMatchChunk(context.Background(), "chunk.log",
				MatchMetadata{Timestamp: time.Now()}, "key-1")
		}(i)
	}

	// Cut the submissions off while some are mid-gate and some are looping.
	waitFor(t, func() bool { return client.callCount() > 0 }, "no submission reached the client")
	o.Shutdown()
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, ErrShuttingDown) && !errors.Is(err, ErrNotInitialized) {
			t.Fatalf("submission %d: unexpected error %v", i, err)
		}
	}
}

func TestJobCompletedRetiresRecordBeforeEvent(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	client := &fakeClient{script: []error{nil}}
	o, bus := newTestOrchestrator(t, store, client, newFakeTracker(), testConfig())
	completed := sinkTopic(t, bus, events.TopicAnalysisCompleted)

	jobID, err := o.SubmitMatchChunk(context.Background(), "chunk.log", MatchMetadata{Timestamp: time.Now()}, "key-1")
	if err != nil {
		t.Fatalf("SubmitMatchChunk: %v", err)
	}

	o.JobCompleted(jobID, "key-1", poller.CompletedResult{AnalysisID: "an-1"})
	if o.PendingCount() != 0 {
		t.Fatal("completed job should retire its correlation record")
	}
	waitFor(t, func() bool { return completed.count() == 1 }, "expected analysis-completed event")
}

func TestConnectivityTransitionsDrivePolling(t *testing.T) {
	t.Parallel()

	tracker := newFakeTracker()
	client := &fakeClient{script: []error{nil}, connected: true}
	o, bus := newTestOrchestrator(t, &fakeStore{}, client, tracker, testConfig())
	status := sinkTopic(t, bus, events.TopicServiceStatus)

	o.HandleConnectivity(false)
	o.HandleConnectivity(true)

	tracker.mu.Lock()
	pauses, resumes := tracker.pauses, tracker.resumes
	tracker.mu.Unlock()
	if pauses != 1 || resumes != 1 {
		t.Fatalf("expected 1 pause and 1 resume, got %d/%d", pauses, resumes)
	}
	waitFor(t, func() bool { return status.count() == 2 }, "expected 2 service status events")
}
