// Locus - Device Location Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/locus

// Package metrics holds the Prometheus collectors for Locus. Labels never
// carry credentials; account IDs are operator-chosen identifiers.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Nova request metrics
	NovaRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locus_nova_requests_total",
			Help: "Total Nova requests by endpoint and outcome kind",
		},
		[]string{"endpoint", "outcome"}, // outcome: "ok", "auth_failed", "rate_limited", "http_error", "network_error", "unknown_error"
	)

	NovaRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "locus_nova_request_duration_seconds",
			Help:    "Duration of Nova requests in seconds, including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	NovaRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locus_nova_retries_total",
			Help: "Total Nova request retries after transient failures",
		},
		[]string{"endpoint"},
	)

	// Token authority metrics
	TokenResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locus_token_resolutions_total",
			Help: "Bearer token resolutions by the chain step that produced the token",
		},
		[]string{"source"}, // "override", "cache", "service_credential", "master_credential", "failed"
	)

	TokenPersistenceRefused = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "locus_token_persistence_refused_total",
			Help: "Credentials withheld from the cache because they look like single-use JWTs",
		},
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "locus_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locus_circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker",
		},
		[]string{"name", "result"}, // result: "success", "failure", "rejected"
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locus_circuit_breaker_state_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)

	// Polling metrics
	PollCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locus_poll_cycles_total",
			Help: "Poll cycles by result",
		},
		[]string{"result"}, // "ok", "list_failed", "auth_failed", "skipped"
	)

	PollCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "locus_poll_cycle_duration_seconds",
			Help:    "Duration of a full account poll cycle",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	DeviceOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locus_device_poll_outcomes_total",
			Help: "Per-device poll outcomes",
		},
		[]string{"outcome"}, // "accepted", "override", "filtered", "empty", "cooling_down", "in_flight", "failed", "auth_short_circuit"
	)

	CapabilityIndexSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "locus_capability_index_devices",
			Help: "Devices with a known ring capability per account",
		},
		[]string{"account"},
	)

	RegisteredAccounts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "locus_registered_accounts",
			Help: "Accounts currently registered with the engine",
		},
	)

	UnscopedCacheGuard = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "locus_unscoped_cache_errors_total",
			Help: "Requests that failed because a cache handle was not scoped to its account",
		},
	)

	// Stream metrics
	StreamClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "locus_stream_clients",
			Help: "Connected location stream websocket clients",
		},
	)

	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locus_api_requests_total",
			Help: "HTTP API requests by route and status code",
		},
		[]string{"route", "status"},
	)
)

// RecordNovaRequest records one Nova call. outcome is the classified error
// kind, or "ok".
func RecordNovaRequest(endpoint, outcome string, duration time.Duration) {
	NovaRequests.WithLabelValues(endpoint, outcome).Inc()
	NovaRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordPollCycle records a finished cycle.
func RecordPollCycle(result string, duration time.Duration) {
	PollCycles.WithLabelValues(result).Inc()
	if result != "skipped" {
		PollCycleDuration.Observe(duration.Seconds())
	}
}

// RecordAPIRequest records one HTTP API response.
func RecordAPIRequest(route string, status int) {
	APIRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}
