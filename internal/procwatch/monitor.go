// Arenamate - World of Warcraft Match Upload & Analysis Companion
// Copyright 2026 Arenamate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arenamate/arenamate

// Package procwatch watches for the game client process and publishes
// edge-triggered presence transitions. Only changes are published; steady
// state is silent.
package procwatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arenamate/arenamate/internal/events"
	"github.com/arenamate/arenamate/internal/logging"
	"github.com/arenamate/arenamate/internal/metrics"
)

// Error kinds attached to presence check failures.
const (
	ErrKindTimeout = "timeout"
	ErrKindProbe   = "probe"
)

// Probe answers whether the watched process is currently running.
type Probe func(ctx context.Context) (bool, error)

// Config tunes the monitor.
type Config struct {
	// PollInterval is the steady-state check cadence.
	PollInterval time.Duration

	// StartupRecheckDelay schedules one extra check shortly after Start, to
	// catch a client that was mid-launch during the first check.
	StartupRecheckDelay time.Duration

	// ProbeTimeout bounds a single presence check.
	ProbeTimeout time.Duration
}

// Monitor runs the presence loop. A Monitor can be restarted after Stop.
type Monitor struct {
	probe Probe
	bus   *events.Bus
	cfg   Config

	mu      sync.Mutex
	started bool
	present bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	now func() time.Time
}

// New creates a Monitor around the given probe.
func New(probe Probe, bus *events.Bus, cfg Config) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = cfg.PollInterval
	}
	return &Monitor{
		probe: probe,
		bus:   bus,
		cfg:   cfg,
		now:   time.Now,
	}
}

// Start performs one synchronous presence check, then launches the
// background loop. The synchronous check means callers observe an accurate
// Present() immediately after Start returns. Start on a running monitor is
// an error.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("process monitor already started")
	}
	m.started = true
	m.stopCh = make(chan struct{})
	stopCh := m.stopCh
	m.mu.Unlock()

	m.check(ctx)

	m.wg.Add(1)
	go m.loop(stopCh)
	return nil
}

// Stop halts the loop and waits for it to exit. The last observed presence
// survives Stop, so a restart only publishes real transitions.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	close(m.stopCh)
	m.mu.Unlock()
	m.wg.Wait()
}

// Present reports the last observed presence state.
func (m *Monitor) Present() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.present
}

// CheckNow runs one presence check out of band and returns the observed
// state. Transitions it discovers are published like any other.
func (m *Monitor) CheckNow(ctx context.Context) (bool, error) {
	return m.check(ctx)
}

func (m *Monitor) loop(stopCh chan struct{}) {
	defer m.wg.Done()

	// One early recheck catches a client that was still launching when the
	// synchronous first check ran.
	if m.cfg.StartupRecheckDelay > 0 {
		select {
		case <-stopCh:
			return
		case <-time.After(m.cfg.StartupRecheckDelay):
			m.check(context.Background())
		}
	}

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.check(context.Background())
		}
	}
}

// check probes once and publishes a transition if presence flipped. Probe
// failures keep the previous state; a flapping probe must not synthesize
// process exits.
func (m *Monitor) check(ctx context.Context) (bool, error) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	running, err := m.probe(probeCtx)
	if err != nil {
		kind := ErrKindProbe
		if errors.Is(err, context.DeadlineExceeded) {
			kind = ErrKindTimeout
		}
		metrics.PresenceCheckErrors.WithLabelValues(kind).Inc()
		logging.Warn().Err(err).Str("kind", kind).Msg("presence check failed")
		m.publish(events.TopicProcessError, events.ProcessError{Kind: kind, Reason: err.Error()})

		m.mu.Lock()
		prev := m.present
		m.mu.Unlock()
		return prev, fmt.Errorf("presence check: %w", err)
	}

	m.mu.Lock()
	changed := running != m.present
	m.present = running
	m.mu.Unlock()

	metrics.SetGamePresent(running)
	if changed {
		topic := events.TopicProcessStop
		if running {
			topic = events.TopicProcessStart
		}
		logging.Info().Bool("running", running).Msg("game process presence changed")
		m.publish(topic, events.ProcessPresence{Running: running, At: m.now().UTC()})
	}
	return running, nil
}

func (m *Monitor) publish(topic string, payload any) {
	if err := m.bus.Publish(topic, payload); err != nil {
		logging.Debug().Err(err).Str("topic", topic).Msg("event publish failed")
	}
}
