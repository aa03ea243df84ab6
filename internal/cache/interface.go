// Locus - Device Location Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/locus

// Package cache provides the key-value storage used for credentials and
// other per-account state.
//
// A Backend is process-wide and may be shared by every account. Components
// never use a Backend directly; they receive an AccountCache obtained from
// Scoped, which namespaces keys by account and stamps every stored value with
// its owner. Any attempt to read another account's value, or to use a handle
// that was never bound to an account, fails with ErrUnscopedCache.
//
//	backend := cache.NewMemoryBackend(time.Minute)
//	c := cache.Scoped(backend, "family")
//	_ = c.SetWithTTL(ctx, "bearer", token, time.Hour)
package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnscopedCache is returned when a cache handle is used without an
	// account scope, or when a stored value belongs to another account.
	ErrUnscopedCache = errors.New("cache: shared cache used without account scope")

	// ErrReleased is returned by handles used after their account was
	// unregistered.
	ErrReleased = errors.New("cache: account cache released")

	// ErrClosed is returned by backends used after Close.
	ErrClosed = errors.New("cache: backend closed")
)

// Backend is a process-wide byte store. Implementations must be safe for
// concurrent use. A ttl of zero means the entry does not expire.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// AccountCache is one account's view of a Backend.
type AccountCache interface {
	// AccountID returns the owning account.
	AccountID() string

	// Get returns the value stored under key.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value without expiry. A nil value deletes the key.
	Set(ctx context.Context, key string, value []byte) error

	// SetWithTTL stores value with an expiry. A nil value deletes the key.
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
