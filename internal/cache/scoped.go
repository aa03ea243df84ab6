// Locus - Device Location Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/locus

package cache

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
)

// envelope is the stored form of every scoped value.
type envelope struct {
	Owner string `json:"o"`
	Value []byte `json:"v"`
}

// ScopedCache is an AccountCache bound to one account.
type ScopedCache struct {
	backend   Backend
	accountID string
	released  atomic.Bool
}

var _ AccountCache = (*ScopedCache)(nil)

// Scoped binds backend to accountID. A blank accountID yields a handle whose
// every operation fails with ErrUnscopedCache.
func Scoped(backend Backend, accountID string) *ScopedCache {
	return &ScopedCache{backend: backend, accountID: strings.TrimSpace(accountID)}
}

// NewEphemeral returns a private in-memory cache for short-lived work such
// as validating credentials before an account exists.
func NewEphemeral(accountID string) *ScopedCache {
	if accountID == "" {
		accountID = "ephemeral"
	}
	return Scoped(NewMemoryBackend(0), accountID)
}

// AccountID implements AccountCache.
func (s *ScopedCache) AccountID() string { return s.accountID }

// Release detaches the handle. Stored values stay in the backend.
func (s *ScopedCache) Release() { s.released.Store(true) }

func (s *ScopedCache) check() error {
	if s.released.Load() {
		return ErrReleased
	}
	if s.accountID == "" || s.backend == nil {
		return ErrUnscopedCache
	}
	return nil
}

func (s *ScopedCache) key(key string) string {
	return "acct/" + s.accountID + "/" + key
}

// Get implements AccountCache.
func (s *ScopedCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := s.check(); err != nil {
		return nil, false, err
	}
	raw, ok, err := s.backend.Get(ctx, s.key(key))
	if err != nil || !ok {
		return nil, false, err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, false, fmt.Errorf("decode cache entry %q: %w", key, err)
	}
	if env.Owner != s.accountID {
		return nil, false, fmt.Errorf("entry %q owned by another account: %w", key, ErrUnscopedCache)
	}
	return env.Value, true, nil
}

// Set implements AccountCache.
func (s *ScopedCache) Set(ctx context.Context, key string, value []byte) error {
	return s.SetWithTTL(ctx, key, value, 0)
}

// SetWithTTL implements AccountCache.
func (s *ScopedCache) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if value == nil {
		return s.Delete(ctx, key)
	}
	if err := s.check(); err != nil {
		return err
	}
	raw, err := json.Marshal(envelope{Owner: s.accountID, Value: value})
	if err != nil {
		return fmt.Errorf("encode cache entry %q: %w", key, err)
	}
	return s.backend.Set(ctx, s.key(key), raw, ttl)
}

// Delete implements AccountCache.
func (s *ScopedCache) Delete(ctx context.Context, key string) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.backend.Delete(ctx, s.key(key))
}
