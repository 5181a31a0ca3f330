// Firegate - Firewalla MSP Rule Synchronization Engine
// Copyright 2026 Firegate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/firegate/firegate

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
	"config.yaml",
	"config.yml",
	"/etc/firegate/config.yaml",
	"/etc/firegate/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// Load loads configuration with layered sources: defaults, then an
// optional YAML file, then environment variables, and validates the
// result.
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

	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	// Env vars arrive as strings; split known slice fields on commas.
	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	// A single box is the common case; allow configuring it without a
	// YAML list via BOX_GID.
	if gid := os.Getenv("BOX_GID"); gid != "" && len(cfg.Boxes) == 0 {
		box := BoxConfig{
			GID:            gid,
			Name:           os.Getenv("BOX_NAME"),
			IncludeFilters: splitCommaList(os.Getenv("BOX_INCLUDE_FILTERS")),
			ExcludeFilters: splitCommaList(os.Getenv("BOX_EXCLUDE_FILTERS")),
		}
		cfg.Boxes = append(cfg.Boxes, box)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// findConfigFile returns the first existing config file path.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
		return ""
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths lists config paths whose values may arrive as
// comma-separated strings from environment variables.
var sliceConfigPaths = []string{
	"server.cors_origins",
}

// processSliceFields converts comma-separated string values to slices
// for known slice fields.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}
		// Already a slice when sourced from YAML.
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}
		if strVal, ok := val.(string); ok {
			parts := splitCommaList(strVal)
			if len(parts) > 0 {
				if err := k.Set(path, parts); err != nil {
					return fmt.Errorf("set %s: %w", path, err)
				}
			}
		}
	}
	return nil
}

// splitCommaList splits a comma-separated string, trimming whitespace
// and dropping empty entries.
func splitCommaList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// envMappings maps environment variable names to config paths. Only
// listed variables are honored, so unrelated environment noise cannot
// perturb the configuration.
var envMappings = map[string]string{
	"msp_domain":              "msp.domain",
	"msp_access_token":        "msp.access_token",
	"sync_poll_interval":      "sync.poll_interval",
	"sync_request_timeout":    "sync.request_timeout",
	"sync_rate_per_minute":    "sync.rate_per_minute",
	"sync_backoff_base":       "sync.backoff_base",
	"sync_backoff_cap":        "sync.backoff_cap",
	"sync_max_retries":        "sync.max_retries",
	"sync_debounce_window":    "sync.debounce_window",
	"sync_counter_sensitive":  "sync.counter_sensitive",
	"sync_circuit_breaker":    "sync.circuit_breaker",
	"server_host":             "server.host",
	"server_port":             "server.port",
	"server_timeout":          "server.timeout",
	"server_cors_origins":     "server.cors_origins",
	"server_rate_limit":       "server.rate_limit_reqs",
	"log_level":               "logging.level",
	"log_format":              "logging.format",
	"log_caller":              "logging.caller",
}

// envTransform maps environment variable names onto koanf paths.
// Unmapped variables are dropped (empty return).
func envTransform(key string) string {
	return envMappings[strings.ToLower(key)]
}
