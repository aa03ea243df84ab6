// Locus - Device Location Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/locus

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths searched for a config file, first match wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/locus/config.yaml",
	"/etc/locus/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

func defaultConfig() *Config {
	return &Config{
		Nova: NovaConfig{
			BaseURL:            "https://android.googleapis.com/nova",
			ClientID:           "locus-nova/1",
			RequestTimeout:     30 * time.Second,
			MaxRetries:         2,
			RetryInitial:       500 * time.Millisecond,
			BreakerMaxFailures: 5,
			BreakerTimeout:     60 * time.Second,
			BreakerInterval:    2 * time.Minute,
		},
		Identity: IdentityConfig{
			AuthURL:     "https://android.clients.google.com/auth",
			TokenURL:    "https://oauth2.googleapis.com/token",
			Service:     "oauth2:https://www.googleapis.com/auth/android_device_manager",
			App:         "com.google.android.apps.adm",
			RefreshSkew: 60 * time.Second,
		},
		Poll: PollConfig{
			Interval:          5 * time.Minute,
			DeviceDelay:       2 * time.Second,
			BackoffInitial:    30 * time.Second,
			BackoffMax:        30 * time.Minute,
			BackoffMultiplier: 2.0,
			BackoffJitter:     0.2,
		},
		Filter: FilterConfig{
			Enabled:           true,
			MaxCrowdAccuracyM: 500,
			MinMovementM:      25,
		},
		Cache: CacheConfig{
			Backend: "memory",
			Path:    "/data/locus-cache",
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8480,
			Timeout:         2 * time.Minute,
			ShutdownTimeout: 15 * time.Second,
			RateLimitReqs:   120,
			RateLimitWindow: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from defaults, the first config file found and
// the environment, then validates it.
func Load() (*Config, error) {
	return LoadFrom(findConfigFile())
}

// LoadFrom is Load with an explicit config file path. An empty path skips
// the file layer.
func LoadFrom(configPath string) (*Config, error) {
	k := koanf.New(".")

	// Layer 1: struct defaults
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Layer 2: config file (optional)
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Layer 3: environment, highest priority
	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

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

// sliceConfigPaths are parsed as comma-separated lists when they arrive as
// a single string from the environment.
var sliceConfigPaths = []string{
	"server.cors_origins",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		raw, ok := k.Get(path).(string)
		if !ok || raw == "" {
			continue
		}
		var parts []string
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(path, parts); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

var envMappings = map[string]string{
	"nova_base_url":             "nova.base_url",
	"nova_client_id":            "nova.client_id",
	"nova_request_timeout":      "nova.request_timeout",
	"nova_max_retries":          "nova.max_retries",
	"nova_retry_initial":        "nova.retry_initial",
	"nova_breaker_max_failures": "nova.breaker_max_failures",
	"nova_breaker_timeout":      "nova.breaker_timeout",
	"nova_breaker_interval":     "nova.breaker_interval",

	"identity_auth_url":     "identity.auth_url",
	"identity_token_url":    "identity.token_url",
	"identity_service":      "identity.service",
	"identity_app":          "identity.app",
	"identity_refresh_skew": "identity.refresh_skew",

	"poll_interval":           "poll.interval",
	"poll_device_delay":       "poll.device_delay",
	"poll_backoff_initial":    "poll.backoff_initial",
	"poll_backoff_max":        "poll.backoff_max",
	"poll_backoff_multiplier": "poll.backoff_multiplier",
	"poll_backoff_jitter":     "poll.backoff_jitter",

	"filter_enabled":              "filter.enabled",
	"filter_max_crowd_accuracy_m": "filter.max_crowd_accuracy_m",
	"filter_min_movement_m":       "filter.min_movement_m",

	"cache_backend": "cache.backend",
	"cache_path":    "cache.path",

	"locus_account_id":           "account.id",
	"locus_account_email":        "account.email",
	"locus_account_master_token": "account.master_token",
	"locus_account_push_token":   "account.push_token",

	"http_host":                "server.host",
	"http_port":                "server.port",
	"server_timeout":           "server.timeout",
	"server_shutdown_timeout":  "server.shutdown_timeout",
	"server_rate_limit_reqs":   "server.rate_limit_reqs",
	"server_rate_limit_window": "server.rate_limit_window",
	"cors_origins":             "server.cors_origins",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",
}

// envTransformFunc maps environment variable names to koanf paths. Unmapped
// variables are dropped so unrelated environment never leaks into config.
func envTransformFunc(key string) string {
	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}
