// Firegate - Firewalla MSP Rule Synchronization Engine
// Copyright 2026 Firegate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/firegate/firegate

// Package config loads and validates Firegate configuration via Koanf
// v2 with layered sources (highest priority wins):
//
//  1. Built-in defaults
//  2. YAML config file (CONFIG_PATH or the default search paths)
//  3. Environment variables
package config

import (
	"fmt"
	"time"

	"github.com/firegate/firegate/internal/logging"
)

// Config is the root configuration.
type Config struct {
	MSP     MSPConfig     `koanf:"msp"`
	Sync    SyncConfig    `koanf:"sync"`
	Boxes   []BoxConfig   `koanf:"boxes"`
	Server  ServerConfig  `koanf:"server"`
	Logging LoggingConfig `koanf:"logging"`
}

// MSPConfig holds the Firewalla MSP endpoint and credential.
type MSPConfig struct {
	// Domain is the MSP domain, with or without scheme:
	// "acme.firewalla.net" or "https://acme.firewalla.net".
	Domain string `koanf:"domain"`

	// AccessToken is the personal access token presented as
	// "Authorization: Token <value>" on every request.
	AccessToken string `koanf:"access_token"`
}

// SyncConfig tunes the synchronization engine and transport. The same
// settings apply to every configured box; each box still gets its own
// independent rate budget and backoff state.
type SyncConfig struct {
	// PollInterval drives the fetch timer. Floor 30s.
	PollInterval time.Duration `koanf:"poll_interval"`

	// RequestTimeout is the fixed per-request timeout. Default 30s.
	RequestTimeout time.Duration `koanf:"request_timeout"`

	// RatePerMinute is the outbound request ceiling per box over a
	// rolling minute. Floor 10.
	RatePerMinute int `koanf:"rate_per_minute"`

	// BackoffBase, BackoffCap, MaxRetries parameterize transient-failure
	// retry: delay min(base*2^attempt, cap), at most MaxRetries retries.
	BackoffBase time.Duration `koanf:"backoff_base"`
	BackoffCap  time.Duration `koanf:"backoff_cap"`
	MaxRetries  int           `koanf:"max_retries"`

	// DebounceWindow coalesces notification bursts. Default 500ms.
	DebounceWindow time.Duration `koanf:"debounce_window"`

	// CounterSensitive includes hit-counter-only deltas in "modified"
	// change sets. Default false to avoid consumer churn.
	CounterSensitive bool `koanf:"counter_sensitive"`

	// CircuitBreaker toggles the gobreaker decorator around the MSP
	// client. Default true.
	CircuitBreaker bool `koanf:"circuit_breaker"`
}

// BoxConfig selects one Firewalla box to synchronize.
type BoxConfig struct {
	// GID is the box's globally unique identifier at the MSP.
	GID string `koanf:"gid"`

	// Name is an optional display name for logs and the API.
	Name string `koanf:"name"`

	// IncludeFilters / ExcludeFilters are MSP rule query expressions.
	// Include results are merged and de-duplicated; exclude results are
	// removed from the merged set.
	IncludeFilters []string `koanf:"include_filters"`
	ExcludeFilters []string `koanf:"exclude_filters"`
}

// ServerConfig configures the operational HTTP API.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`

	// CORSOrigins is passed to the CORS middleware. Default "*".
	CORSOrigins []string `koanf:"cors_origins"`

	// RateLimitReqs caps inbound requests per client IP per minute.
	RateLimitReqs int `koanf:"rate_limit_reqs"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns the built-in defaults, applied before file and
// environment layers.
func defaultConfig() *Config {
	return &Config{
		MSP: MSPConfig{
			Domain:      "",
			AccessToken: "",
		},
		Sync: SyncConfig{
			PollInterval:     30 * time.Second,
			RequestTimeout:   30 * time.Second,
			RatePerMinute:    10,
			BackoffBase:      1 * time.Second,
			BackoffCap:       8 * time.Second,
			MaxRetries:       3,
			DebounceWindow:   500 * time.Millisecond,
			CounterSensitive: false,
			CircuitBreaker:   true,
		},
		Server: ServerConfig{
			Host:          "0.0.0.0",
			Port:          8480,
			Timeout:       30 * time.Second,
			CORSOrigins:   []string{"*"},
			RateLimitReqs: 100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks required fields and enforces floors. Values below a
// floor are clamped with a warning rather than rejected, matching how
// the MSP's own rate expectations are protected from misconfiguration.
func (c *Config) Validate() error {
	if c.MSP.Domain == "" {
		return fmt.Errorf("msp.domain is required")
	}
	if c.MSP.AccessToken == "" {
		return fmt.Errorf("msp.access_token is required")
	}
	if len(c.Boxes) == 0 {
		return fmt.Errorf("at least one box must be configured")
	}
	seen := map[string]bool{}
	for i, box := range c.Boxes {
		if box.GID == "" {
			return fmt.Errorf("boxes[%d].gid is required", i)
		}
		if seen[box.GID] {
			return fmt.Errorf("boxes[%d].gid %q is duplicated", i, box.GID)
		}
		seen[box.GID] = true
	}

	if c.Sync.PollInterval < 30*time.Second {
		logging.Warn().Dur("configured", c.Sync.PollInterval).Msg("sync.poll_interval below 30s floor, clamping")
		c.Sync.PollInterval = 30 * time.Second
	}
	if c.Sync.RatePerMinute < 10 {
		logging.Warn().Int("configured", c.Sync.RatePerMinute).Msg("sync.rate_per_minute below floor of 10, clamping")
		c.Sync.RatePerMinute = 10
	}
	if c.Sync.RequestTimeout <= 0 {
		c.Sync.RequestTimeout = 30 * time.Second
	}
	if c.Sync.BackoffBase <= 0 {
		c.Sync.BackoffBase = 1 * time.Second
	}
	if c.Sync.BackoffCap < c.Sync.BackoffBase {
		c.Sync.BackoffCap = 8 * time.Second
	}
	if c.Sync.MaxRetries <= 0 {
		c.Sync.MaxRetries = 3
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	return nil
}
