// Arenamate - World of Warcraft Match Upload & Analysis Companion
// Copyright 2026 Arenamate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arenamate/arenamate

// Package detector sequences the match detection lifecycle: it wires the
// process presence monitor, the combat-log watcher/chunker, and the upload
// orchestrator into one phased startup/shutdown unit. Log watching only
// runs while the game client does; a client exit early-ends any in-flight
// match before the watcher goes down so partial data survives.
package detector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/arenamate/arenamate/internal/events"
	"github.com/arenamate/arenamate/internal/keyseq"
	"github.com/arenamate/arenamate/internal/logging"
	"github.com/arenamate/arenamate/internal/orchestrator"
)

// MatchStart is the boundary event the watcher emits when a match begins.
// BufferID is locally generated and stable for the whole match lifecycle;
// the server-side matchKey does not exist yet at this point.
type MatchStart struct {
	BufferID  string
	Timestamp time.Time
	ZoneID    int
	Bracket   string
	Players   []string
}

// MatchEnd is the boundary event the watcher emits once a match's chunk is
// finalized on disk. Incomplete marks a match cut short by a client exit or
// forced finalization.
type MatchEnd struct {
	BufferID   string
	Timestamp  time.Time
	ChunkPath  string
	MatchKey   string
	Metadata   json.RawMessage
	Incomplete bool
}

// WatchEvents receives match boundary events from the watcher.
type WatchEvents interface {
	MatchStarted(MatchStart)
	MatchEnded(MatchEnd)
}

// Watcher is the combat-log watching/chunking subsystem.
type Watcher interface {
	// Init prepares the chunker (directories, log offsets). Runs before the
	// detector reports itself running.
	Init(ctx context.Context) error

	// Watch begins tailing the combat log and delivering boundary events to
	// sink. Idempotent while already watching.
	Watch(ctx context.Context, sink WatchEvents) error

	// Unwatch stops tailing. Idempotent.
	Unwatch()

	// EarlyEnd ends every in-flight match buffer immediately, flagging each
	// incomplete, and emits their MatchEnded events before returning.
	EarlyEnd()

	// Finalize force-finalizes any remaining buffers during shutdown. Like
	// EarlyEnd it may emit MatchEnded events, which may trigger submissions.
	Finalize(ctx context.Context) error
}

// Submitter is the slice of the upload orchestrator the detector drives.
type Submitter interface {
	SubmitMatchChunk(ctx context.Context, chunkPath string, meta orchestrator.MatchMetadata, matchKey string) (string, error)
}

// ProcessMonitor is the slice of the presence monitor the detector drives.
type ProcessMonitor interface {
	Start(ctx context.Context) error
	Stop()
	Present() bool
}

type state int

const (
	stateIdle state = iota
	stateStarting
	stateRunning
	stateStopping
)

// ErrAlreadyRunning rejects a Start on a non-idle detector.
var ErrAlreadyRunning = errors.New("match detector already running")

// Detector is the top-level lifecycle coordinator. It implements
// WatchEvents; boundary events for a given bufferId execute strictly in
// arrival order through a per-key serializer.
type Detector struct {
	watcher   Watcher
	monitor   ProcessMonitor
	submitter Submitter
	bus       *events.Bus
	seq       *keyseq.Serializer

	mu       sync.Mutex
	state    state
	watching bool
	active   map[string]MatchStart
	unsubs   []events.Unsubscribe

	// submitCtx spans one Start/Stop cycle and flows into every submission,
	// including its retry loop. Stop cancels it once the stop deadline
	// passes so a dead backend cannot hold shutdown hostage.
	submitCtx    context.Context
	submitCancel context.CancelFunc
}

// New creates a Detector.
func New(watcher Watcher, monitor ProcessMonitor, submitter Submitter, bus *events.Bus) *Detector {
	return &Detector{
		watcher:   watcher,
		monitor:   monitor,
		submitter: submitter,
		bus:       bus,
		seq:       keyseq.New(),
		active:    make(map[string]MatchStart),
	}
}

// Start brings the detector up in phases: chunker init, presence
// subscriptions, monitor start (whose first check is synchronous), then log
// watching if the client is already running. If the client is absent, the
// watcher starts on the monitor's next start transition instead.
func (d *Detector) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.state != stateIdle {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	d.state = stateStarting
	d.submitCtx, d.submitCancel = context.WithCancel(context.Background())
	d.mu.Unlock()

	fail := func(stage string, err error) error {
		d.mu.Lock()
		d.state = stateIdle
		d.mu.Unlock()
		d.cancelSubmissions()
		d.publish(events.TopicDetectorError, events.DetectorError{Stage: stage, Reason: err.Error()})
		return fmt.Errorf("%s: %w", stage, err)
	}

	if err := d.watcher.Init(ctx); err != nil {
		return fail("init chunker", err)
	}

	d.mu.Lock()
	d.state = stateRunning
	d.mu.Unlock()

	if err := d.subscribePresence(); err != nil {
		return fail("subscribe presence", err)
	}
	if err := d.monitor.Start(ctx); err != nil {
		d.teardownSubscriptions()
		return fail("start process monitor", err)
	}

	// The monitor's first check already ran, so Present is authoritative.
	if d.monitor.Present() {
		d.startWatching(ctx)
	} else {
		logging.Info().Msg("game client not running; deferring log watch")
	}

	d.publish(events.TopicDetectorStarted, struct{}{})
	return nil
}

// Stop tears the detector down in phases: monitor, watcher, then forced
// finalization of any active buffers (which may still submit). A Stop that
// arrives while another Stop is mid-teardown waits for it instead of racing
// a second teardown.
func (d *Detector) Stop(ctx context.Context) error {
	d.mu.Lock()
	switch d.state {
	case stateIdle:
		d.mu.Unlock()
		return nil
	case stateStopping:
		d.mu.Unlock()
		return d.awaitIdle(ctx)
	}
	d.state = stateStopping
	d.mu.Unlock()

	d.monitor.Stop()

	d.mu.Lock()
	d.watching = false
	d.mu.Unlock()
	d.watcher.Unwatch()

	if err := d.watcher.Finalize(ctx); err != nil {
		logging.Warn().Err(err).Msg("buffer finalization failed during shutdown")
		d.publish(events.TopicDetectorError, events.DetectorError{Stage: "finalize", Reason: err.Error()})
	}

	// Finalization may have enqueued lifecycle work; drain it before
	// releasing listeners so no submission observes a torn-down detector.
	// The drain is bounded by the stop context: once it expires, in-flight
	// submissions are cancelled rather than letting an unreachable backend
	// stall shutdown. Their records are already persisted and are restored
	// on the next start.
	drained := make(chan struct{})
	go func() {
		d.seq.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		d.cancelSubmissions()
		<-drained
	}
	d.cancelSubmissions()
	d.teardownSubscriptions()

	d.mu.Lock()
	d.active = make(map[string]MatchStart)
	d.state = stateIdle
	d.mu.Unlock()

	d.publish(events.TopicDetectorStopped, struct{}{})
	return nil
}

// awaitIdle polls for the concurrent teardown to finish.
func (d *Detector) awaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for detector shutdown: %w", ctx.Err())
		case <-ticker.C:
			d.mu.Lock()
			idle := d.state == stateIdle
			d.mu.Unlock()
			if idle {
				return nil
			}
		}
	}
}

// ActiveMatches reports in-flight buffer ids.
func (d *Detector) ActiveMatches() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// Watching reports whether the log watcher is currently tailing.
func (d *Detector) Watching() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.watching
}

// subscribePresence reacts to presence transitions: a client start brings
// the watcher up, a client exit early-ends in-flight buffers and then tears
// the watcher down, in that order.
func (d *Detector) subscribePresence() error {
	onStart, err := d.bus.Subscribe(events.TopicProcessStart, func(events.Envelope) {
		d.mu.Lock()
		running := d.state == stateRunning
		d.mu.Unlock()
		if running {
			d.startWatching(context.Background())
		}
	})
	if err != nil {
		return err
	}
	onStop, err := d.bus.Subscribe(events.TopicProcessStop, func(events.Envelope) {
		d.mu.Lock()
		running := d.state == stateRunning
		d.watching = false
		d.mu.Unlock()
		if !running {
			return
		}
		logging.Info().Msg("game client exited; ending in-flight matches")
		d.watcher.EarlyEnd()
		d.watcher.Unwatch()
	})
	if err != nil {
		onStart()
		return err
	}

	d.mu.Lock()
	d.unsubs = append(d.unsubs, onStart, onStop)
	d.mu.Unlock()
	return nil
}

// cancelSubmissions cuts the current cycle's submission context. Idempotent.
func (d *Detector) cancelSubmissions() {
	d.mu.Lock()
	cancel := d.submitCancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (d *Detector) teardownSubscriptions() {
	d.mu.Lock()
	unsubs := d.unsubs
	d.unsubs = nil
	d.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
}

func (d *Detector) startWatching(ctx context.Context) {
	d.mu.Lock()
	if d.watching || d.state != stateRunning {
		d.mu.Unlock()
		return
	}
	d.watching = true
	d.mu.Unlock()

	if err := d.watcher.Watch(ctx, d); err != nil {
		d.mu.Lock()
		d.watching = false
		d.mu.Unlock()
		logging.Error().Err(err).Msg("failed to start log watching")
		d.publish(events.TopicDetectorError, events.DetectorError{Stage: "watch", Reason: err.Error()})
		return
	}
	logging.Info().Msg("log watching started")
}

// MatchStarted records an in-flight buffer. Ordering with the buffer's
// other lifecycle events is enforced by the per-key serializer.
func (d *Detector) MatchStarted(start MatchStart) {
	d.seq.Enqueue(start.BufferID, func() {
		d.mu.Lock()
		d.active[start.BufferID] = start
		d.mu.Unlock()
		logging.Info().Str("buffer_id", start.BufferID).Int("zone", start.ZoneID).
			Str("bracket", start.Bracket).Msg("match started")
	})
}

// MatchEnded hands the finished chunk to the upload orchestrator. The
// submission runs inside the buffer's serialized queue so an end can never
// overtake its own start, and a slow upload for one match never delays
// another match's lifecycle.
func (d *Detector) MatchEnded(end MatchEnd) {
	d.seq.Enqueue(end.BufferID, func() {
		d.mu.Lock()
		delete(d.active, end.BufferID)
		d.mu.Unlock()

		if end.MatchKey == "" {
			// Without the content hash the server cannot correlate the
			// chunk; surface and drop rather than upload garbage.
			logging.Warn().Str("buffer_id", end.BufferID).Bool("incomplete", end.Incomplete).
				Msg("match ended without a matchKey; skipping upload")
			d.publish(events.TopicDetectorError, events.DetectorError{
				Stage: "submit", Reason: fmt.Sprintf("buffer %s has no matchKey", end.BufferID),
			})
			return
		}

		d.mu.Lock()
		ctx := d.submitCtx
		d.mu.Unlock()
		if ctx == nil {
			ctx = context.Background()
		}

		meta := orchestrator.MatchMetadata{
			BufferID:  end.BufferID,
			Timestamp: end.Timestamp,
			Data:      end.Metadata,
		}
		jobID, err := d.submitter.SubmitMatchChunk(ctx, end.ChunkPath, meta, end.MatchKey)
		if err != nil {
			logging.Warn().Err(err).Str("buffer_id", end.BufferID).Msg("match submission failed")
			d.publish(events.TopicDetectorError, events.DetectorError{Stage: "submit", Reason: err.Error()})
			return
		}
		logging.Info().Str("buffer_id", end.BufferID).Str("job_id", jobID).
			Bool("incomplete", end.Incomplete).Msg("match submitted")
	})
}

func (d *Detector) publish(topic string, payload any) {
	if err := d.bus.Publish(topic, payload); err != nil {
		logging.Debug().Err(err).Str("topic", topic).Msg("event publish failed")
	}
}
