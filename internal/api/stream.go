// Locus - Device Location Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/locus

package api

import (
	"net/http"
	"slices"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/tomtom215/locus/internal/logging"
	"github.com/tomtom215/locus/internal/models"
	"github.com/tomtom215/locus/internal/websocket"
)

func (h *Handler) upgrader() *gorillaws.Upgrader {
	return &gorillaws.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      h.checkStreamOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
}

// checkStreamOrigin accepts browsers from configured origins only. The
// Origin header is required.
func (h *Handler) checkStreamOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		logging.Ctx(r.Context()).Warn().Msg("stream connection rejected: missing Origin header")
		return false
	}
	for _, allowed := range h.corsOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	logging.Ctx(r.Context()).Warn().Str("origin", sanitizeLogValue(origin)).Msg("stream connection rejected from unauthorized origin")
	return false
}

// Stream upgrades to a websocket carrying accepted location updates. With
// ?account=<id> only that account's updates are delivered.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		respondError(w, r, http.StatusServiceUnavailable, &models.APIError{
			Code:    CodeUnavailable,
			Message: "Location stream unavailable",
		})
		return
	}

	account := r.URL.Query().Get("account")
	if account != "" {
		if _, ok := accountParam(w, r, account); !ok {
			return
		}
		if !slices.Contains(h.engine.Accounts(), account) {
			respondError(w, r, http.StatusNotFound, &models.APIError{Code: CodeNotFound, Message: "Account not registered"})
			return
		}
	}

	conn, err := h.upgrader().Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the failure response.
		logging.Ctx(r.Context()).Debug().Err(err).Msg("stream upgrade failed")
		return
	}
	websocket.NewClient(h.hub, conn, account).Start()
}
