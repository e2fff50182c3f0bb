// Arenamate - World of Warcraft Match Upload & Analysis Companion
// Copyright 2026 Arenamate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arenamate/arenamate

package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate checks that required configuration is present and valid.
func (c *Config) Validate() error {
	if err := c.validateEnvironment(); err != nil {
		return err
	}
	if err := c.validateGame(); err != nil {
		return err
	}
	if err := c.validateUpload(); err != nil {
		return err
	}
	if err := c.validatePoller(); err != nil {
		return err
	}
	if err := c.validateSpool(); err != nil {
		return err
	}
	if err := c.validateServer(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateEnvironment() error {
	switch c.Environment {
	case "development", "production":
		return nil
	default:
		return fmt.Errorf("environment must be development or production, got %q", c.Environment)
	}
}

func (c *Config) validateGame() error {
	if c.Game.ProcessName == "" {
		return fmt.Errorf("game.process_name is required")
	}
	if c.Game.PollInterval <= 0 {
		return fmt.Errorf("game.poll_interval must be positive, got %v", c.Game.PollInterval)
	}
	return nil
}

func (c *Config) validateUpload() error {
	if c.Upload.URL == "" {
		return fmt.Errorf("upload.url is required")
	}
	u, err := url.Parse(c.Upload.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("upload.url must be a valid http(s) URL, got %q", c.Upload.URL)
	}
	if c.Upload.Timeout <= 0 {
		return fmt.Errorf("upload.timeout must be positive, got %v", c.Upload.Timeout)
	}
	if c.Upload.RetryInitialDelay <= 0 {
		return fmt.Errorf("upload.retry_initial_delay must be positive, got %v", c.Upload.RetryInitialDelay)
	}
	if c.Upload.RetryMaxDelay < c.Upload.RetryInitialDelay {
		return fmt.Errorf("upload.retry_max_delay %v is below upload.retry_initial_delay %v",
			c.Upload.RetryMaxDelay, c.Upload.RetryInitialDelay)
	}
	if c.Upload.MaxAttempts < 0 {
		return fmt.Errorf("upload.max_attempts must be >= 0 (0 = unlimited), got %d", c.Upload.MaxAttempts)
	}
	return nil
}

func (c *Config) validatePoller() error {
	p := c.Poller
	if p.BaseInterval <= 0 {
		return fmt.Errorf("poller.base_interval must be positive, got %v", p.BaseInterval)
	}
	if p.MaxInterval < p.BaseInterval {
		return fmt.Errorf("poller.max_interval %v is below poller.base_interval %v", p.MaxInterval, p.BaseInterval)
	}
	if p.MaxConcurrent < 1 {
		return fmt.Errorf("poller.max_concurrent must be >= 1, got %d", p.MaxConcurrent)
	}
	if p.ContractViolationLimit < 1 {
		return fmt.Errorf("poller.contract_violation_limit must be >= 1, got %d", p.ContractViolationLimit)
	}
	if p.RequestTimeout <= 0 {
		return fmt.Errorf("poller.request_timeout must be positive, got %v", p.RequestTimeout)
	}
	return nil
}

func (c *Config) validateSpool() error {
	if c.Spool.Dir == "" {
		return fmt.Errorf("spool.dir is required")
	}
	if c.Spool.ScanInterval <= 0 {
		return fmt.Errorf("spool.scan_interval must be positive, got %v", c.Spool.ScanInterval)
	}
	return nil
}

func (c *Config) validateServer() error {
	if !c.Server.Enabled {
		return nil
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch strings.ToLower(c.Logging.Level) {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "disabled":
	default:
		return fmt.Errorf("logging.level %q is not a known level", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
		return nil
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
}
