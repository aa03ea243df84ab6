// Locus - Device Location Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/locus

// Package config loads Locus configuration from struct defaults, an optional
// YAML file and environment variables, in that order of precedence.
package config

import (
	"strings"
	"time"
)

// Config is the root configuration.
type Config struct {
	Nova      NovaConfig       `koanf:"nova"`
	Identity  IdentityConfig   `koanf:"identity"`
	Poll      PollConfig       `koanf:"poll"`
	Filter    FilterConfig     `koanf:"filter"`
	Overrides []OverrideConfig `koanf:"overrides"`
	Cache     CacheConfig      `koanf:"cache"`
	Server    ServerConfig     `koanf:"server"`
	Logging   LoggingConfig    `koanf:"logging"`

	// Accounts lists tenants registered at startup. Account is the
	// environment-friendly single-account form and is folded into
	// AllAccounts when its ID is set.
	Accounts []AccountConfig `koanf:"accounts"`
	Account  AccountConfig   `koanf:"account"`
}

// NovaConfig configures the location service client.
type NovaConfig struct {
	BaseURL        string        `koanf:"base_url"`
	ClientID       string        `koanf:"client_id"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	MaxRetries     int           `koanf:"max_retries"`
	RetryInitial   time.Duration `koanf:"retry_initial"`

	// Circuit breaker
	BreakerMaxFailures uint32        `koanf:"breaker_max_failures"`
	BreakerTimeout     time.Duration `koanf:"breaker_timeout"`
	BreakerInterval    time.Duration `koanf:"breaker_interval"`
}

// IdentityConfig configures the identity provider that mints credentials.
type IdentityConfig struct {
	AuthURL  string `koanf:"auth_url"`
	TokenURL string `koanf:"token_url"`
	Service  string `koanf:"service"`
	App      string `koanf:"app"`
	// RefreshSkew is how much remaining lifetime a cached bearer token needs
	// before it is reused.
	RefreshSkew time.Duration `koanf:"refresh_skew"`
}

// PollConfig configures the polling coordinator.
type PollConfig struct {
	Interval          time.Duration `koanf:"interval"`
	DeviceDelay       time.Duration `koanf:"device_delay"`
	BackoffInitial    time.Duration `koanf:"backoff_initial"`
	BackoffMax        time.Duration `koanf:"backoff_max"`
	BackoffMultiplier float64       `koanf:"backoff_multiplier"`
	BackoffJitter     float64       `koanf:"backoff_jitter"`
}

// FilterConfig configures the location noise filter applied to records that
// did not come from a semantic override.
type FilterConfig struct {
	Enabled           bool    `koanf:"enabled"`
	MaxCrowdAccuracyM float64 `koanf:"max_crowd_accuracy_m"`
	MinMovementM      float64 `koanf:"min_movement_m"`
}

// OverrideConfig pins a semantic location label to fixed coordinates.
type OverrideConfig struct {
	Label     string  `koanf:"label"`
	Latitude  float64 `koanf:"latitude"`
	Longitude float64 `koanf:"longitude"`
	AccuracyM float64 `koanf:"accuracy_m"`
}

// CacheConfig selects the process-wide cache backend.
type CacheConfig struct {
	// Backend is "memory" or "badger".
	Backend string `koanf:"backend"`
	Path    string `koanf:"path"`
}

// AccountConfig describes one tenant.
type AccountConfig struct {
	ID          string `koanf:"id"`
	Email       string `koanf:"email"`
	MasterToken string `koanf:"master_token"`
	// PushToken is a pre-registered push token. Without one device
	// actions stay unavailable.
	PushToken string `koanf:"push_token"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	// Timeout bounds API requests. It must cover a Nova request with its
	// retries.
	Timeout         time.Duration `koanf:"timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
	// CORSOrigins lists origins allowed to call the API and open the
	// location stream. When empty no cross-origin call and no browser
	// stream connection is accepted.
	CORSOrigins []string `koanf:"cors_origins"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// AllAccounts returns the configured accounts with the single-account env
// form appended when it does not duplicate a listed ID.
func (c *Config) AllAccounts() []AccountConfig {
	out := make([]AccountConfig, 0, len(c.Accounts)+1)
	out = append(out, c.Accounts...)
	if strings.TrimSpace(c.Account.ID) == "" {
		return out
	}
	for _, a := range c.Accounts {
		if a.ID == c.Account.ID {
			return out
		}
	}
	return append(out, c.Account)
}
