// Locus - Device Location Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/locus

// Package push answers whether the push-notification channel needed to
// acknowledge device actions is usable, without doing network I/O.
package push

import (
	"errors"
	"strings"

	"github.com/tomtom215/locus/internal/logging"
	"github.com/tomtom215/locus/internal/models"
)

// ErrNotConnected is returned by receivers that are not yet connected.
// It is an expected state, not a failure.
var ErrNotConnected = errors.New("push: receiver not connected")

// Receiver is the injected push-notification client.
type Receiver interface {
	// GetToken returns the registration token for accountID. It must not
	// block on network I/O.
	GetToken(accountID string) (string, error)
}

// ReadinessReporter is optionally implemented by receivers that track
// their own readiness.
type ReadinessReporter interface {
	Ready() bool
}

// ConnectionStater is optionally implemented by receivers that expose
// their connection state.
type ConnectionStater interface {
	Connected() bool
	Listening() bool
}

// CapabilityLookup reports a known ring capability.
type CapabilityLookup interface {
	CanRing(deviceID string) models.Tristate
}

// Monitor inspects a Receiver.
type Monitor struct {
	receiver Receiver
}

// NewMonitor wraps receiver. A nil receiver is never ready.
func NewMonitor(receiver Receiver) *Monitor {
	return &Monitor{receiver: receiver}
}

// IsReady reports whether device actions can be acknowledged for accountID.
// Receivers that report readiness or connection state are trusted; others
// are probed quietly for a token.
func (m *Monitor) IsReady(accountID string) bool {
	if m == nil || m.receiver == nil {
		return false
	}
	switch r := m.receiver.(type) {
	case ReadinessReporter:
		return r.Ready() && m.hasToken(accountID)
	case ConnectionStater:
		return r.Connected() && r.Listening() && m.hasToken(accountID)
	default:
		return m.hasToken(accountID)
	}
}

// PeekToken returns the push token for accountID when one is available.
func (m *Monitor) PeekToken(accountID string) (string, bool) {
	if m == nil || m.receiver == nil {
		return "", false
	}
	token, err := m.receiver.GetToken(accountID)
	if err != nil {
		ev := logging.Debug().Str("account_id", accountID)
		if errors.Is(err, ErrNotConnected) {
			ev.Msg("push receiver not connected yet")
		} else {
			ev.Err(err).Msg("push token probe failed")
		}
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func (m *Monitor) hasToken(accountID string) bool {
	_, ok := m.PeekToken(accountID)
	return ok
}

// CanPlaySound reports whether a play-sound request for deviceID is worth
// sending: the push channel must be ready and the device must not be known
// to lack the capability. An unknown capability is allowed.
func (m *Monitor) CanPlaySound(accountID string, caps CapabilityLookup, deviceID string) bool {
	if !m.IsReady(accountID) {
		return false
	}
	if caps == nil {
		return true
	}
	return caps.CanRing(deviceID) != models.False
}
