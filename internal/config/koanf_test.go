// Locus - Device Location Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/locus

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Nova.RequestTimeout != 30*time.Second {
		t.Errorf("Nova.RequestTimeout = %v, want 30s", cfg.Nova.RequestTimeout)
	}
	if cfg.Poll.Interval != 5*time.Minute {
		t.Errorf("Poll.Interval = %v, want 5m", cfg.Poll.Interval)
	}
	if cfg.Cache.Backend != "memory" {
		t.Errorf("Cache.Backend = %q, want memory", cfg.Cache.Backend)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
poll:
  interval: 2m
  device_delay: 500ms
overrides:
  - label: Home
    latitude: 52.1
    longitude: 4.3
    accuracy_m: 15
accounts:
  - id: family
    email: someone@example.com
    master_token: aas_et/abc
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Poll.Interval != 2*time.Minute {
		t.Errorf("Poll.Interval = %v, want 2m", cfg.Poll.Interval)
	}
	if cfg.Poll.DeviceDelay != 500*time.Millisecond {
		t.Errorf("Poll.DeviceDelay = %v, want 500ms", cfg.Poll.DeviceDelay)
	}
	if len(cfg.Overrides) != 1 || cfg.Overrides[0].Label != "Home" {
		t.Fatalf("Overrides = %+v", cfg.Overrides)
	}
	if got := cfg.AllAccounts(); len(got) != 1 || got[0].ID != "family" {
		t.Errorf("AllAccounts() = %+v", got)
	}
	// unset in file, default retained
	if cfg.Nova.MaxRetries != 2 {
		t.Errorf("Nova.MaxRetries = %d, want default 2", cfg.Nova.MaxRetries)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "90s")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOCUS_ACCOUNT_ID", "solo")
	t.Setenv("LOCUS_ACCOUNT_EMAIL", "solo@example.com")
	t.Setenv("LOCUS_ACCOUNT_MASTER_TOKEN", "aas_et/solo")
	t.Setenv("UNRELATED_VARIABLE", "ignored")

	cfg, err := LoadFrom("")
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Poll.Interval != 90*time.Second {
		t.Errorf("Poll.Interval = %v, want 90s", cfg.Poll.Interval)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
	accounts := cfg.AllAccounts()
	if len(accounts) != 1 || accounts[0].Email != "solo@example.com" {
		t.Errorf("AllAccounts() = %+v", accounts)
	}
}

func TestCORSOriginsFromEnv(t *testing.T) {
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example,,")

	cfg, err := LoadFrom("")
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	want := []string{"https://a.example", "https://b.example"}
	if len(cfg.Server.CORSOrigins) != len(want) {
		t.Fatalf("CORSOrigins = %v, want %v", cfg.Server.CORSOrigins, want)
	}
	for i := range want {
		if cfg.Server.CORSOrigins[i] != want[i] {
			t.Errorf("CORSOrigins[%d] = %q, want %q", i, cfg.Server.CORSOrigins[i], want[i])
		}
	}
}

func TestEnvTransformFunc(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"NOVA_BASE_URL", "nova.base_url"},
		{"HTTP_PORT", "server.port"},
		{"PATH", ""},
	}
	for _, tt := range tests {
		if got := envTransformFunc(tt.in); got != tt.want {
			t.Errorf("envTransformFunc(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad base url", func(c *Config) { c.Nova.BaseURL = "ftp://x" }, "NOVA_BASE_URL"},
		{"zero timeout", func(c *Config) { c.Nova.RequestTimeout = 0 }, "NOVA_REQUEST_TIMEOUT"},
		{"backoff inverted", func(c *Config) { c.Poll.BackoffMax = time.Second }, "POLL_BACKOFF_MAX"},
		{"jitter range", func(c *Config) { c.Poll.BackoffJitter = 2 }, "POLL_BACKOFF_JITTER"},
		{"badger without path", func(c *Config) { c.Cache.Backend = "badger"; c.Cache.Path = "" }, "CACHE_PATH"},
		{"unknown backend", func(c *Config) { c.Cache.Backend = "redis" }, "CACHE_BACKEND"},
		{"duplicate override", func(c *Config) {
			c.Overrides = []OverrideConfig{{Label: "Home"}, {Label: "home"}}
		}, "duplicate label"},
		{"override latitude", func(c *Config) {
			c.Overrides = []OverrideConfig{{Label: "Home", Latitude: 91}}
		}, "latitude"},
		{"account email", func(c *Config) {
			c.Accounts = []AccountConfig{{ID: "a", Email: "nope", MasterToken: "x"}}
		}, "email"},
		{"duplicate account", func(c *Config) {
			c.Accounts = []AccountConfig{
				{ID: "a", Email: "a@example.com", MasterToken: "x"},
				{ID: "a", Email: "b@example.com", MasterToken: "y"},
			}
		}, "duplicate id"},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "LOG_LEVEL"},
		{"port", func(c *Config) { c.Server.Port = 0 }, "HTTP_PORT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestAllAccountsSkipsDuplicateEnvAccount(t *testing.T) {
	cfg := defaultConfig()
	cfg.Accounts = []AccountConfig{{ID: "a", Email: "a@example.com", MasterToken: "x"}}
	cfg.Account = AccountConfig{ID: "a", Email: "other@example.com", MasterToken: "y"}

	if got := cfg.AllAccounts(); len(got) != 1 || got[0].Email != "a@example.com" {
		t.Errorf("AllAccounts() = %+v", got)
	}
}
