// Firegate - Firewalla MSP Rule Synchronization Engine
// Copyright 2026 Firegate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/firegate/firegate

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// validConfig returns a minimal configuration that passes validation.
func validConfig() *Config {
	cfg := defaultConfig()
	cfg.MSP.Domain = "acme.firewalla.net"
	cfg.MSP.AccessToken = "token"
	cfg.Boxes = []BoxConfig{{GID: "box-1"}}
	return cfg
}

func TestValidateRequiredFields(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "missing domain",
			mutate:  func(c *Config) { c.MSP.Domain = "" },
			wantErr: "msp.domain",
		},
		{
			name:    "missing token",
			mutate:  func(c *Config) { c.MSP.AccessToken = "" },
			wantErr: "msp.access_token",
		},
		{
			name:    "no boxes",
			mutate:  func(c *Config) { c.Boxes = nil },
			wantErr: "at least one box",
		},
		{
			name:    "box without gid",
			mutate:  func(c *Config) { c.Boxes = []BoxConfig{{Name: "lounge"}} },
			wantErr: "boxes[0].gid is required",
		},
		{
			name: "duplicate gid",
			mutate: func(c *Config) {
				c.Boxes = []BoxConfig{{GID: "box-1"}, {GID: "box-1"}}
			},
			wantErr: "duplicated",
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "server.port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateClampsFloors(t *testing.T) {
	cfg := validConfig()
	cfg.Sync.PollInterval = 5 * time.Second
	cfg.Sync.RatePerMinute = 2

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if cfg.Sync.PollInterval != 30*time.Second {
		t.Errorf("PollInterval = %v, want clamped to 30s", cfg.Sync.PollInterval)
	}
	if cfg.Sync.RatePerMinute != 10 {
		t.Errorf("RatePerMinute = %d, want clamped to 10", cfg.Sync.RatePerMinute)
	}
}

func TestValidateRepairsRetrySettings(t *testing.T) {
	cfg := validConfig()
	cfg.Sync.BackoffBase = 0
	cfg.Sync.BackoffCap = -time.Second
	cfg.Sync.MaxRetries = 0
	cfg.Sync.RequestTimeout = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if cfg.Sync.BackoffBase != time.Second {
		t.Errorf("BackoffBase = %v, want 1s", cfg.Sync.BackoffBase)
	}
	if cfg.Sync.BackoffCap != 8*time.Second {
		t.Errorf("BackoffCap = %v, want 8s", cfg.Sync.BackoffCap)
	}
	if cfg.Sync.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.Sync.MaxRetries)
	}
	if cfg.Sync.RequestTimeout != 30*time.Second {
		t.Errorf("RequestTimeout = %v, want 30s", cfg.Sync.RequestTimeout)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Sync.PollInterval != 30*time.Second {
		t.Errorf("PollInterval = %v", cfg.Sync.PollInterval)
	}
	if cfg.Sync.RatePerMinute != 10 {
		t.Errorf("RatePerMinute = %d", cfg.Sync.RatePerMinute)
	}
	if cfg.Sync.DebounceWindow != 500*time.Millisecond {
		t.Errorf("DebounceWindow = %v", cfg.Sync.DebounceWindow)
	}
	if !cfg.Sync.CircuitBreaker {
		t.Errorf("CircuitBreaker should default on")
	}
	if cfg.Sync.CounterSensitive {
		t.Errorf("CounterSensitive should default off")
	}
	if cfg.Server.Port != 8480 {
		t.Errorf("Port = %d", cfg.Server.Port)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging defaults = %q/%q", cfg.Logging.Level, cfg.Logging.Format)
	}
}

func TestSplitCommaList(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"empty", "", nil},
		{"single", "a", []string{"a"}},
		{"multiple", "a,b,c", []string{"a", "b", "c"}},
		{"whitespace trimmed", " a , b ", []string{"a", "b"}},
		{"empty entries dropped", "a,,b,", []string{"a", "b"}},
		{"only commas", ",,,", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitCommaList(tt.input)
			if len(got) != len(tt.want) {
				t.Fatalf("splitCommaList(%q) = %v, want %v", tt.input, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("splitCommaList(%q)[%d] = %q, want %q", tt.input, i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestEnvTransform(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"MSP_DOMAIN", "msp.domain"},
		{"MSP_ACCESS_TOKEN", "msp.access_token"},
		{"SYNC_POLL_INTERVAL", "sync.poll_interval"},
		{"SERVER_RATE_LIMIT", "server.rate_limit_reqs"},
		{"LOG_LEVEL", "logging.level"},
		{"PATH", ""},
		{"HOME", ""},
		{"RANDOM_UNRELATED_VAR", ""},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := envTransform(tt.key); got != tt.want {
				t.Errorf("envTransform(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
msp:
  domain: acme.firewalla.net
  access_token: file-token
sync:
  poll_interval: 60s
  counter_sensitive: true
boxes:
  - gid: box-1
    name: office
    include_filters:
      - "status:active"
  - gid: box-2
server:
  port: 9000
  cors_origins:
    - https://dash.example.com
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.MSP.Domain != "acme.firewalla.net" || cfg.MSP.AccessToken != "file-token" {
		t.Errorf("msp = %+v", cfg.MSP)
	}
	if cfg.Sync.PollInterval != 60*time.Second {
		t.Errorf("PollInterval = %v, want 60s", cfg.Sync.PollInterval)
	}
	if !cfg.Sync.CounterSensitive {
		t.Errorf("CounterSensitive not loaded from file")
	}
	if len(cfg.Boxes) != 2 || cfg.Boxes[0].GID != "box-1" || cfg.Boxes[0].Name != "office" {
		t.Errorf("boxes = %+v", cfg.Boxes)
	}
	if len(cfg.Boxes[0].IncludeFilters) != 1 || cfg.Boxes[0].IncludeFilters[0] != "status:active" {
		t.Errorf("include filters = %v", cfg.Boxes[0].IncludeFilters)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Port = %d, want 9000", cfg.Server.Port)
	}
	if len(cfg.Server.CORSOrigins) != 1 || cfg.Server.CORSOrigins[0] != "https://dash.example.com" {
		t.Errorf("CORSOrigins = %v", cfg.Server.CORSOrigins)
	}

	// Defaults survive underneath the file layer.
	if cfg.Sync.RatePerMinute != 10 {
		t.Errorf("RatePerMinute = %d, want default 10", cfg.Sync.RatePerMinute)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
msp:
  domain: acme.firewalla.net
  access_token: file-token
boxes:
  - gid: box-1
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("MSP_ACCESS_TOKEN", "env-token")
	t.Setenv("SYNC_POLL_INTERVAL", "2m")
	t.Setenv("SERVER_CORS_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MSP.AccessToken != "env-token" {
		t.Errorf("AccessToken = %q, want env override", cfg.MSP.AccessToken)
	}
	if cfg.Sync.PollInterval != 2*time.Minute {
		t.Errorf("PollInterval = %v, want 2m", cfg.Sync.PollInterval)
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[1] != "https://b.example.com" {
		t.Errorf("CORSOrigins = %v, want comma-split env value", cfg.Server.CORSOrigins)
	}
}

func TestLoadSingleBoxFromEnv(t *testing.T) {
	// No config file; everything from the environment.
	t.Setenv(ConfigPathEnvVar, filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	t.Setenv("MSP_DOMAIN", "acme.firewalla.net")
	t.Setenv("MSP_ACCESS_TOKEN", "env-token")
	t.Setenv("BOX_GID", "box-env")
	t.Setenv("BOX_NAME", "garage")
	t.Setenv("BOX_INCLUDE_FILTERS", "status:active,target.type:domain")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Boxes) != 1 {
		t.Fatalf("boxes = %+v, want 1", cfg.Boxes)
	}
	box := cfg.Boxes[0]
	if box.GID != "box-env" || box.Name != "garage" {
		t.Errorf("box = %+v", box)
	}
	if len(box.IncludeFilters) != 2 {
		t.Errorf("include filters = %v", box.IncludeFilters)
	}
}

func TestLoadMissingRequiredFails(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	t.Setenv("MSP_DOMAIN", "acme.firewalla.net")
	// No token, no boxes.

	_, err := Load()
	if err == nil {
		t.Fatal("Load() succeeded without access token and boxes")
	}
}
