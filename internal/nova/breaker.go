// Locus - Device Location Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/locus

package nova

import (
	"errors"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/locus/internal/logging"
	"github.com/tomtom215/locus/internal/metrics"
)

// BreakerSettings configures the per-account circuit breaker.
type BreakerSettings struct {
	// MaxFailures is the number of consecutive transport or server failures
	// that opens the circuit. Zero disables the breaker.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before a probe.
	Timeout time.Duration
	// Interval resets failure counts while closed.
	Interval time.Duration
}

// breakerSet holds one breaker per account so one tenant's outage never
// blocks another's requests.
type breakerSet struct {
	settings BreakerSettings

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[[]byte]
}

func newBreakerSet(s BreakerSettings) *breakerSet {
	return &breakerSet{settings: s, breakers: make(map[string]*gobreaker.CircuitBreaker[[]byte])}
}

func (b *breakerSet) get(accountID string) *gobreaker.CircuitBreaker[[]byte] {
	if b.settings.MaxFailures == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[accountID]; ok {
		return cb
	}

	name := "nova:" + accountID
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	maxFailures := b.settings.MaxFailures
	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    b.settings.Interval,
		Timeout:     b.settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		// Credential and quota rejections say nothing about service health.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var e *Error
			if !errors.As(err, &e) {
				return false
			}
			switch e.Kind {
			case KindAuthFailed, KindRateLimited:
				return true
			case KindHTTP:
				return e.Status < 500
			default:
				return false
			}
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			fromStr, toStr := stateToString(from), stateToString(to)
			logging.Info().Str("breaker", name).Str("from", fromStr).Str("to", toStr).Msg("circuit breaker state transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, fromStr, toStr).Inc()
		},
	})
	b.breakers[accountID] = cb
	return cb
}

func (b *breakerSet) remove(accountID string) {
	b.mu.Lock()
	delete(b.breakers, accountID)
	b.mu.Unlock()
}

func (b *breakerSet) execute(accountID string, fn func() ([]byte, error)) ([]byte, error) {
	cb := b.get(accountID)
	if cb == nil {
		return fn()
	}

	name := "nova:" + accountID
	out, err := cb.Execute(fn)
	switch {
	case err == nil:
		metrics.CircuitBreakerRequests.WithLabelValues(name, "success").Inc()
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.CircuitBreakerRequests.WithLabelValues(name, "rejected").Inc()
	default:
		metrics.CircuitBreakerRequests.WithLabelValues(name, "failure").Inc()
	}
	return out, err
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}
