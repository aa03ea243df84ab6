// Locus - Device Location Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/locus

package poller

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/tomtom215/locus/internal/models"
)

// BackoffConfig shapes the cooldown after failed device requests.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// PollState tracks one device. All fields are guarded by the coordinator's
// state mutex.
type PollState struct {
	deviceID            string
	inFlight            bool
	cooldownUntil       time.Time
	last                *models.LocationRecord
	consecutiveFailures int
	backoff             *backoff.ExponentialBackOff
}

func newPollState(deviceID string, cfg BackoffConfig) *PollState {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.Initial
	b.MaxInterval = cfg.Max
	b.Multiplier = cfg.Multiplier
	b.RandomizationFactor = cfg.Jitter
	b.Reset()
	return &PollState{deviceID: deviceID, backoff: b}
}

// succeeded resets failure tracking and schedules the next regular poll one
// interval after the poll was scheduled.
func (s *PollState) succeeded(scheduled time.Time, interval time.Duration) {
	s.consecutiveFailures = 0
	s.backoff.Reset()
	s.cooldownUntil = scheduled.Add(interval)
}

// failed extends the cooldown by the next backoff step, or by the server's
// hint when that is longer. It returns the chosen delay.
func (s *PollState) failed(now time.Time, retryAfter time.Duration) time.Duration {
	s.consecutiveFailures++
	delay := s.backoff.NextBackOff()
	if retryAfter > delay {
		delay = retryAfter
	}
	s.cooldownUntil = now.Add(delay)
	return delay
}

func (s *PollState) lastRecord() (models.LocationRecord, bool) {
	if s.last == nil {
		return models.LocationRecord{}, false
	}
	return *s.last, true
}

// DeviceState is a read-only snapshot of a PollState.
type DeviceState struct {
	DeviceID            string                 `json:"device_id"`
	InFlight            bool                   `json:"in_flight"`
	CooldownUntil       time.Time              `json:"cooldown_until"`
	ConsecutiveFailures int                    `json:"consecutive_failures"`
	Last                *models.LocationRecord `json:"last,omitempty"`
}

func (s *PollState) snapshot() DeviceState {
	ds := DeviceState{
		DeviceID:            s.deviceID,
		InFlight:            s.inFlight,
		CooldownUntil:       s.cooldownUntil,
		ConsecutiveFailures: s.consecutiveFailures,
	}
	if s.last != nil {
		rec := *s.last
		ds.Last = &rec
	}
	return ds
}
