// Locus - Device Location Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/locus

package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// GetOrCompute returns the cached value for key, or calls compute and stores
// its result. Nothing is stored when compute fails.
func GetOrCompute(ctx context.Context, c AccountCache, key string, ttl time.Duration,
	compute func(context.Context) ([]byte, error),
) ([]byte, error) {
	if v, ok, err := c.Get(ctx, key); err != nil {
		return nil, err
	} else if ok {
		return v, nil
	}

	v, err := compute(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.SetWithTTL(ctx, key, v, ttl); err != nil {
		return nil, err
	}
	return v, nil
}

// GetJSON decodes the JSON value stored under key into dst.
func GetJSON(ctx context.Context, c AccountCache, key string, dst any) (bool, error) {
	raw, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %q: %w", key, err)
	}
	return true, nil
}

// SetJSON stores v as JSON under key.
func SetJSON(ctx context.Context, c AccountCache, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	return c.SetWithTTL(ctx, key, raw, ttl)
}
