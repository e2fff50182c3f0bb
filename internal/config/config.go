// Arenamate - World of Warcraft Match Upload & Analysis Companion
// Copyright 2026 Arenamate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arenamate/arenamate

// Package config loads and validates Arenamate daemon configuration.
//
// Configuration is layered with Koanf v2: built-in defaults, then an
// optional YAML file, then environment variables. Environment always wins.
package config

import (
	"time"
)

// Config is the root configuration for the Arenamate daemon.
type Config struct {
	// Environment is "development" or "production". Match expiration is
	// enforced only in production.
	Environment string `koanf:"environment"`

	Game    GameConfig    `koanf:"game"`
	Upload  UploadConfig  `koanf:"upload"`
	Poller  PollerConfig  `koanf:"poller"`
	Store   StoreConfig   `koanf:"store"`
	Spool   SpoolConfig   `koanf:"spool"`
	Server  ServerConfig  `koanf:"server"`
	Logging LoggingConfig `koanf:"logging"`
}

// GameConfig controls detection of the running game client.
type GameConfig struct {
	// ProcessName is the executable name to look for in the OS process list.
	ProcessName string `koanf:"process_name"`

	// PollInterval is the fixed presence polling interval.
	PollInterval time.Duration `koanf:"poll_interval"`

	// StartupRecheckDelay schedules one extra presence check shortly after
	// the first poll to close the startup race window.
	StartupRecheckDelay time.Duration `koanf:"startup_recheck_delay"`
}

// UploadConfig controls match chunk submission and its retry policy.
type UploadConfig struct {
	// URL is the base URL of the analysis service.
	URL string `koanf:"url"`

	// Timeout bounds a single upload attempt.
	Timeout time.Duration `koanf:"timeout"`

	// RetryInitialDelay seeds the exponential backoff between attempts.
	RetryInitialDelay time.Duration `koanf:"retry_initial_delay"`

	// RetryMaxDelay caps the backoff.
	RetryMaxDelay time.Duration `koanf:"retry_max_delay"`

	// MaxAttempts bounds the retry loop. 0 means retry indefinitely, which
	// matches the historical behavior; set a ceiling to bound resource use
	// during sustained outages.
	MaxAttempts int `koanf:"max_attempts"`

	// ExpirationWindow rejects matches older than this before any network
	// call. Enforced only when Environment is production.
	ExpirationWindow time.Duration `koanf:"expiration_window"`

	// RatePerSecond limits submission attempts; 0 disables the limiter.
	RatePerSecond float64 `koanf:"rate_per_second"`
}

// PollerConfig controls job-status polling.
type PollerConfig struct {
	// BaseInterval is the delay after a status change and the first delay
	// for a freshly tracked job.
	BaseInterval time.Duration `koanf:"base_interval"`

	// MaxInterval caps the unchanged-status backoff.
	MaxInterval time.Duration `koanf:"max_interval"`

	// MinInterval is the scheduling floor after jitter.
	MinInterval time.Duration `koanf:"min_interval"`

	// MaxConcurrent bounds simultaneously in-flight polls across all jobs.
	MaxConcurrent int `koanf:"max_concurrent"`

	// DeferDelay reschedules a poll deferred by the concurrency ceiling.
	DeferDelay time.Duration `koanf:"defer_delay"`

	// NotFoundWarmup tolerates 404 job-status responses for this long after
	// job creation before treating them as permanent.
	NotFoundWarmup time.Duration `koanf:"not_found_warmup"`

	// ContractViolationLimit is the number of structurally invalid
	// "completed" payloads tolerated before the job fails permanently.
	ContractViolationLimit int `koanf:"contract_violation_limit"`

	// RequestTimeout bounds a single status request.
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

// StoreConfig controls persisted pending-upload state.
type StoreConfig struct {
	// Path is the pending-uploads state file.
	Path string `koanf:"path"`
}

// SpoolConfig controls the manifest spool shared with the external
// combat-log chunker.
type SpoolConfig struct {
	// Dir is the directory the chunker drops match manifests into.
	Dir string `koanf:"dir"`

	// ScanInterval is the manifest polling cadence.
	ScanInterval time.Duration `koanf:"scan_interval"`
}

// ServerConfig controls the local status/metrics HTTP endpoint.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`
	Enabled bool          `koanf:"enabled"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all defaults applied. Defaults are
// loaded first, then overridden by the config file and environment.
func defaultConfig() *Config {
	return &Config{
		Environment: "development",
		Game: GameConfig{
			ProcessName:         "Wow.exe",
			PollInterval:        2 * time.Second,
			StartupRecheckDelay: 500 * time.Millisecond,
		},
		Upload: UploadConfig{
			URL:               "",
			Timeout:           30 * time.Second,
			RetryInitialDelay: 1 * time.Second,
			RetryMaxDelay:     5 * time.Minute,
			MaxAttempts:       0, // unlimited
			ExpirationWindow:  time.Hour,
			RatePerSecond:     0,
		},
		Poller: PollerConfig{
			BaseInterval:           2 * time.Second,
			MaxInterval:            60 * time.Second,
			MinInterval:            1 * time.Second,
			MaxConcurrent:          6,
			DeferDelay:             500 * time.Millisecond,
			NotFoundWarmup:         2 * time.Minute,
			ContractViolationLimit: 3,
			RequestTimeout:         10 * time.Second,
		},
		Store: StoreConfig{
			Path: "pending-uploads.json",
		},
		Spool: SpoolConfig{
			Dir:          "spool",
			ScanInterval: time.Second,
		},
		Server: ServerConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    7311,
			Timeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// IsProduction reports whether production-only policies apply.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
