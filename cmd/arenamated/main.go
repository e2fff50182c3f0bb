// Arenamate - World of Warcraft Match Upload & Analysis Companion
// Copyright 2026 Arenamate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arenamate/arenamate

// arenamated is the Arenamate companion daemon. It watches for the game
// client, picks up finished match chunks, uploads them to the analysis
// service, and tracks each job until the analysis completes or fails.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/arenamate/arenamate/internal/api"
	"github.com/arenamate/arenamate/internal/config"
	"github.com/arenamate/arenamate/internal/detector"
	"github.com/arenamate/arenamate/internal/events"
	"github.com/arenamate/arenamate/internal/jobstore"
	"github.com/arenamate/arenamate/internal/logging"
	"github.com/arenamate/arenamate/internal/orchestrator"
	"github.com/arenamate/arenamate/internal/poller"
	"github.com/arenamate/arenamate/internal/procwatch"
	"github.com/arenamate/arenamate/internal/results"
	"github.com/arenamate/arenamate/internal/spool"
	"github.com/arenamate/arenamate/internal/uploader"
)

const statusInterval = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "arenamated: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
	})
	logging.Info().Str("environment", cfg.Environment).Msg("arenamated starting")

	bus := events.NewBus()
	defer bus.Close()

	store := jobstore.New(cfg.Store.Path)

	// The upload client, poller, and orchestrator reference each other, so
	// the connectivity callback and the poller's event sink go through
	// late-bound proxies resolved once the orchestrator exists.
	proxy := &orchestratorProxy{}
	client := uploader.NewClient(uploader.Config{
		BaseURL:       cfg.Upload.URL,
		Timeout:       cfg.Upload.Timeout,
		StatusTimeout: cfg.Poller.RequestTimeout,
		RatePerSecond: cfg.Upload.RatePerSecond,
	}, proxy.handleConnectivity)

	pol := poller.New(client, proxy, poller.Config{
		BaseInterval:           cfg.Poller.BaseInterval,
		MaxInterval:            cfg.Poller.MaxInterval,
		MinInterval:            cfg.Poller.MinInterval,
		MaxConcurrent:          cfg.Poller.MaxConcurrent,
		DeferDelay:             cfg.Poller.DeferDelay,
		NotFoundWarmup:         cfg.Poller.NotFoundWarmup,
		ContractViolationLimit: cfg.Poller.ContractViolationLimit,
	})
	defer pol.Close()

	orch := orchestrator.New(store, client, pol, bus, orchestrator.Config{
		ExpirationWindow:  cfg.Upload.ExpirationWindow,
		EnforceExpiration: cfg.IsProduction(),
		RetryInitialDelay: cfg.Upload.RetryInitialDelay,
		RetryMaxDelay:     cfg.Upload.RetryMaxDelay,
		MaxAttempts:       cfg.Upload.MaxAttempts,
	})
	proxy.set(orch)

	if err := orch.Initialize(); err != nil {
		return err
	}
	defer orch.Shutdown()

	monitor := procwatch.New(procwatch.NameProbe(cfg.Game.ProcessName), bus, procwatch.Config{
		PollInterval:        cfg.Game.PollInterval,
		StartupRecheckDelay: cfg.Game.StartupRecheckDelay,
	})

	watcher := spool.New(spool.Config{
		Dir:          cfg.Spool.Dir,
		ScanInterval: cfg.Spool.ScanInterval,
	})
	det := detector.New(watcher, monitor, orch, bus)

	journal, err := results.New(bus, 100)
	if err != nil {
		return err
	}
	defer journal.Close()

	hook := (&sutureslog.Handler{Logger: logging.NewSlogLogger()}).MustHook()
	root := suture.New("arenamated", suture.Spec{EventHook: hook})
	root.Add(&detectorService{det: det})
	root.Add(&statusService{orch: orch})
	if cfg.Server.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		root.Add(api.NewServer(addr, &statusSource{
			client: client, pol: pol, orch: orch, monitor: monitor, det: det,
		}, journal, pol))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = root.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logging.Info().Msg("arenamated stopped")
	return nil
}

// detectorService adapts the detector's Start/Stop lifecycle to suture.
type detectorService struct {
	det *detector.Detector
}

func (s *detectorService) Serve(ctx context.Context) error {
	if err := s.det.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.det.Stop(stopCtx); err != nil {
		return err
	}
	return ctx.Err()
}

// statusService periodically refreshes the service status event so
// consumers see connectivity and load without waiting for a transition.
type statusService struct {
	orch *orchestrator.Orchestrator
}

func (s *statusService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.orch.PublishServiceStatus()
		}
	}
}

// statusSource aggregates live state for the /api/status endpoint.
type statusSource struct {
	client  *uploader.Client
	pol     *poller.Poller
	orch    *orchestrator.Orchestrator
	monitor *procwatch.Monitor
	det     *detector.Detector
}

func (s *statusSource) Connected() bool        { return s.client.Connected() }
func (s *statusSource) TrackedCount() int      { return s.pol.TrackedCount() }
func (s *statusSource) PendingCount() int      { return s.orch.PendingCount() }
func (s *statusSource) GamePresent() bool      { return s.monitor.Present() }
func (s *statusSource) DetectorWatching() bool { return s.det.Watching() }
