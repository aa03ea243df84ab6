// Locus - Device Location Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/locus

// Package api serves the engine over HTTP: account and device routes under
// /api/v1, a websocket location stream, health and Prometheus metrics.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/locus/internal/middleware"
	"github.com/tomtom215/locus/internal/models"
)

// RouterConfig configures NewRouter.
type RouterConfig struct {
	Middleware ChiMiddlewareConfig
	// RequestTimeout bounds every request except the stream. Location and
	// action requests wait on the location service, so it should exceed
	// the Nova request timeout.
	RequestTimeout time.Duration
}

// NewRouter wires the handler into a chi router.
func NewRouter(h *Handler, config RouterConfig) http.Handler {
	mw := NewChiMiddleware(config.Middleware)

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(mw.CORS())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, http.StatusNotFound, &models.APIError{Code: CodeNotFound, Message: "Route not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, http.StatusMethodNotAllowed, &models.APIError{Code: "METHOD_NOT_ALLOWED", Message: "Method not allowed"})
	})

	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// The stream is long-lived; timeouts and request metrics do not
		// apply to it.
		r.Get("/stream", h.Stream)

		r.Group(func(r chi.Router) {
			r.Use(middleware.PrometheusMetrics)
			r.Use(mw.RateLimit())
			if config.RequestTimeout > 0 {
				r.Use(chimiddleware.Timeout(config.RequestTimeout))
			}

			r.Post("/probe", h.Probe)
			r.Get("/accounts", h.ListAccounts)
			r.Route("/accounts/{id}", func(r chi.Router) {
				r.Get("/status", h.AccountStatus)
				r.Get("/devices", h.ListDevices)
				r.Route("/devices/{device}", func(r chi.Router) {
					r.Get("/location", h.DeviceLocation)
					r.Get("/readiness", h.DeviceReadiness)
					r.Post("/sound", h.DeviceSound)
				})
			})
		})
	})

	return r
}
