// Arenamate - World of Warcraft Match Upload & Analysis Companion
// Copyright 2026 Arenamate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arenamate/arenamate

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, in order.
// The first file found wins.
var DefaultConfigPaths = []string{
	"arenamate.yaml",
	"arenamate.yml",
	"/etc/arenamate/config.yaml",
	"/etc/arenamate/config.yml",
}

// ConfigPathEnvVar overrides the config file path when set.
const ConfigPathEnvVar = "ARENAMATE_CONFIG"

// Load loads configuration with layered sources:
//  1. Defaults: built-in sensible defaults
//  2. Config file: optional YAML file (if one exists)
//  3. Environment variables: override any setting
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// ARENAMATE_UPLOAD_URL -> upload.url, ARENAMATE_POLLER_MAX_CONCURRENT ->
	// poller.max_concurrent, and so on.
	envProvider := env.Provider("ARENAMATE_", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile returns the first config file that exists, checking the
// ARENAMATE_CONFIG override before the default paths.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// configSections are the known top-level config sections. The first
// environment variable token matching a section becomes the koanf prefix;
// the remaining tokens join into the field name.
var configSections = map[string]bool{
	"game":    true,
	"upload":  true,
	"poller":  true,
	"store":   true,
	"spool":   true,
	"server":  true,
	"logging": true,
}

// envTransformFunc converts environment variable names to koanf paths.
//
// Examples:
//   - ARENAMATE_ENVIRONMENT          -> environment
//   - ARENAMATE_UPLOAD_URL           -> upload.url
//   - ARENAMATE_GAME_PROCESS_NAME    -> game.process_name
//   - ARENAMATE_POLLER_MAX_INTERVAL  -> poller.max_interval
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, "ARENAMATE_"))

	parts := strings.SplitN(key, "_", 2)
	if len(parts) == 2 && configSections[parts[0]] {
		return parts[0] + "." + parts[1]
	}
	return key
}
