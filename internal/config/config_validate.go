// Locus - Device Location Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/locus

package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/tomtom215/locus/internal/logging"
)

// Validate checks that required configuration is present and valid.
func (c *Config) Validate() error {
	if err := c.validateNova(); err != nil {
		return err
	}
	if err := c.validateIdentity(); err != nil {
		return err
	}
	if err := c.validatePoll(); err != nil {
		return err
	}
	if err := c.validateOverrides(); err != nil {
		return err
	}
	if err := c.validateCache(); err != nil {
		return err
	}
	if err := c.validateAccounts(); err != nil {
		return err
	}
	if err := c.validateServer(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateNova() error {
	if err := validateHTTPURL(c.Nova.BaseURL, "NOVA_BASE_URL"); err != nil {
		return err
	}
	if c.Nova.RequestTimeout <= 0 {
		return fmt.Errorf("NOVA_REQUEST_TIMEOUT must be positive, got %v", c.Nova.RequestTimeout)
	}
	if c.Nova.MaxRetries < 0 {
		return fmt.Errorf("NOVA_MAX_RETRIES must be >= 0, got %d", c.Nova.MaxRetries)
	}
	if c.Nova.BreakerMaxFailures == 0 {
		return fmt.Errorf("NOVA_BREAKER_MAX_FAILURES must be positive")
	}
	return nil
}

func (c *Config) validateIdentity() error {
	if err := validateHTTPURL(c.Identity.AuthURL, "IDENTITY_AUTH_URL"); err != nil {
		return err
	}
	if err := validateHTTPURL(c.Identity.TokenURL, "IDENTITY_TOKEN_URL"); err != nil {
		return err
	}
	if c.Identity.RefreshSkew < 0 {
		return fmt.Errorf("IDENTITY_REFRESH_SKEW must be >= 0")
	}
	return nil
}

func (c *Config) validatePoll() error {
	p := c.Poll
	if p.Interval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %v", p.Interval)
	}
	if p.DeviceDelay < 0 {
		return fmt.Errorf("POLL_DEVICE_DELAY must be >= 0, got %v", p.DeviceDelay)
	}
	if p.BackoffInitial <= 0 || p.BackoffMax < p.BackoffInitial {
		return fmt.Errorf("POLL_BACKOFF_MAX (%v) must be >= POLL_BACKOFF_INITIAL (%v) > 0", p.BackoffMax, p.BackoffInitial)
	}
	if p.BackoffMultiplier < 1 {
		return fmt.Errorf("POLL_BACKOFF_MULTIPLIER must be >= 1, got %v", p.BackoffMultiplier)
	}
	if p.BackoffJitter < 0 || p.BackoffJitter > 1 {
		return fmt.Errorf("POLL_BACKOFF_JITTER must be within [0,1], got %v", p.BackoffJitter)
	}
	return nil
}

func (c *Config) validateOverrides() error {
	seen := make(map[string]struct{}, len(c.Overrides))
	for i, o := range c.Overrides {
		label := strings.ToLower(strings.TrimSpace(o.Label))
		if label == "" {
			return fmt.Errorf("overrides[%d]: label is required", i)
		}
		if _, dup := seen[label]; dup {
			return fmt.Errorf("overrides[%d]: duplicate label %q", i, o.Label)
		}
		seen[label] = struct{}{}
		if o.Latitude < -90 || o.Latitude > 90 {
			return fmt.Errorf("overrides[%d]: latitude %v out of range", i, o.Latitude)
		}
		if o.Longitude < -180 || o.Longitude > 180 {
			return fmt.Errorf("overrides[%d]: longitude %v out of range", i, o.Longitude)
		}
		if o.AccuracyM < 0 {
			return fmt.Errorf("overrides[%d]: accuracy must be >= 0", i)
		}
	}
	return nil
}

func (c *Config) validateCache() error {
	switch c.Cache.Backend {
	case "memory":
		return nil
	case "badger":
		if c.Cache.Path == "" {
			return fmt.Errorf("CACHE_PATH is required when CACHE_BACKEND=badger")
		}
		return nil
	default:
		return fmt.Errorf("CACHE_BACKEND must be 'memory' or 'badger', got %q", c.Cache.Backend)
	}
}

func (c *Config) validateAccounts() error {
	seen := make(map[string]struct{})
	for i, a := range c.AllAccounts() {
		if strings.TrimSpace(a.ID) == "" {
			return fmt.Errorf("accounts[%d]: id is required", i)
		}
		if _, dup := seen[a.ID]; dup {
			return fmt.Errorf("accounts[%d]: duplicate id %q", i, a.ID)
		}
		seen[a.ID] = struct{}{}
		if !strings.Contains(a.Email, "@") {
			return fmt.Errorf("accounts[%d]: email is invalid", i)
		}
		if a.MasterToken == "" {
			return fmt.Errorf("accounts[%d]: master_token is required", i)
		}
	}
	return nil
}

func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("HTTP_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.Timeout <= 0 {
		return fmt.Errorf("SERVER_TIMEOUT must be positive")
	}
	if c.Server.RateLimitReqs < 0 {
		return fmt.Errorf("SERVER_RATE_LIMIT_REQS must be >= 0")
	}
	return nil
}

func (c *Config) validateLogging() error {
	if !logging.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("LOG_LEVEL %q is not a recognized level", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("LOG_FORMAT must be 'json' or 'console', got %q", c.Logging.Format)
	}
	return nil
}

func validateHTTPURL(raw, name string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", name)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is invalid: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https scheme, got %q", name, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%s must include a host", name)
	}
	return nil
}
