// Locus - Device Location Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/locus

package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/locus/internal/models"
	"github.com/tomtom215/locus/internal/nova"
	"github.com/tomtom215/locus/internal/poller"
	"github.com/tomtom215/locus/internal/websocket"
)

// Engine is the part of engine.Engine the API serves.
type Engine interface {
	Accounts() []string
	Status(id string) (models.AccountStatus, error)
	ListDevices(ctx context.Context, id string) ([]models.DeviceRecord, error)
	KnownDevices(id string) ([]models.DeviceRecord, error)
	DeviceStates(id string) ([]poller.DeviceState, error)
	Location(ctx context.Context, id, deviceID string) (models.LocationRecord, bool, error)
	PlaySound(ctx context.Context, id, deviceID string) (bool, error)
	StopSound(ctx context.Context, id, deviceID string) (bool, error)
	PushReady(id string) (bool, error)
	CanPlaySound(id, deviceID string) (bool, error)
	ProbeCredentials(ctx context.Context, email, master string) error
	UnscopedCacheFailures() int64
}

// Handler serves the HTTP API.
type Handler struct {
	engine      Engine
	hub         *websocket.Hub
	corsOrigins []string
	startedAt   time.Time
}

// NewHandler creates a Handler. hub may be nil, which disables the stream
// endpoint.
func NewHandler(engine Engine, hub *websocket.Hub, corsOrigins []string) *Handler {
	return &Handler{
		engine:      engine,
		hub:         hub,
		corsOrigins: corsOrigins,
		startedAt:   time.Now(),
	}
}

// HealthResponse is returned by /health.
type HealthResponse struct {
	Status        string  `json:"status"`
	Accounts      int     `json:"accounts"`
	NeedsReauth   int     `json:"needs_reauth"`
	StreamClients int     `json:"stream_clients"`
	UptimeSeconds float64 `json:"uptime_seconds"`

	// UnscopedCacheFailures counts requests that ran without an account
	// cache scope since startup.
	UnscopedCacheFailures int64 `json:"unscoped_cache_failures"`
}

// Health reports "degraded" while any account needs re-authentication or a
// request ran without an account cache scope.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	accounts := h.engine.Accounts()
	resp := HealthResponse{
		Status:                "healthy",
		Accounts:              len(accounts),
		UptimeSeconds:         time.Since(h.startedAt).Seconds(),
		UnscopedCacheFailures: h.engine.UnscopedCacheFailures(),
	}
	for _, id := range accounts {
		if st, err := h.engine.Status(id); err == nil && st.NeedsReauth {
			resp.NeedsReauth++
		}
	}
	if resp.NeedsReauth > 0 || resp.UnscopedCacheFailures > 0 {
		resp.Status = "degraded"
	}
	if h.hub != nil {
		resp.StreamClients = h.hub.ClientCount()
	}
	respondJSON(w, r, http.StatusOK, resp)
}

// ListAccounts lists every registered account with its status.
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	ids := h.engine.Accounts()
	statuses := make([]models.AccountStatus, 0, len(ids))
	for _, id := range ids {
		st, err := h.engine.Status(id)
		if err != nil {
			// Unregistered between the two calls.
			continue
		}
		statuses = append(statuses, st)
	}
	respondJSON(w, r, http.StatusOK, statuses)
}

// AccountStatus returns one account's status.
func (h *Handler) AccountStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := accountParam(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	st, err := h.engine.Status(id)
	if err != nil {
		respondEngineError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, st)
}

// DeviceView is a device with its polling state.
type DeviceView struct {
	models.DeviceRecord
	State *poller.DeviceState `json:"state,omitempty"`
}

// ListDevices lists the account's devices. With ?cached=true the last
// listing is returned without contacting the location service.
func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	id, ok := accountParam(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	var (
		devices []models.DeviceRecord
		err     error
	)
	if r.URL.Query().Get("cached") == "true" {
		devices, err = h.engine.KnownDevices(id)
	} else {
		devices, err = h.engine.ListDevices(r.Context(), id)
	}
	if err != nil {
		respondEngineError(w, r, err)
		return
	}

	states := map[string]poller.DeviceState{}
	if snapshot, err := h.engine.DeviceStates(id); err == nil {
		for _, s := range snapshot {
			states[s.DeviceID] = s
		}
	}
	views := make([]DeviceView, 0, len(devices))
	for _, d := range devices {
		view := DeviceView{DeviceRecord: d}
		if s, ok := states[d.CanonicalID]; ok {
			view.State = &s
		}
		views = append(views, view)
	}
	respondJSON(w, r, http.StatusOK, views)
}

// LocationResponse is a device's best known location. Stale is set when
// the live request failed and the record is the last accepted one.
type LocationResponse struct {
	DeviceID  string                `json:"device_id"`
	Location  models.LocationRecord `json:"location"`
	Stale     bool                  `json:"stale"`
	ErrorKind string                `json:"error_kind,omitempty"`
}

// DeviceLocation locates a device now.
func (h *Handler) DeviceLocation(w http.ResponseWriter, r *http.Request) {
	id, ok := accountParam(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	deviceID := chi.URLParam(r, "device")

	rec, found, err := h.engine.Location(r.Context(), id, deviceID)
	if !found {
		if err != nil {
			respondEngineError(w, r, err)
			return
		}
		respondError(w, r, http.StatusNotFound, &models.APIError{
			Code:    CodeNotFound,
			Message: "No location available for this device",
		})
		return
	}

	resp := LocationResponse{DeviceID: deviceID, Location: rec}
	if err != nil {
		resp.Stale = true
		if !errors.Is(err, poller.ErrDeviceInFlight) {
			resp.ErrorKind = nova.KindOf(err).String()
		}
	}
	respondJSON(w, r, http.StatusOK, resp)
}

// SoundRequest starts or stops a device's sound.
type SoundRequest struct {
	Action string `json:"action" validate:"required,oneof=play stop"`
}

// SoundResponse reports that an action was sent.
type SoundResponse struct {
	DeviceID string `json:"device_id"`
	Action   string `json:"action"`
	Sent     bool   `json:"sent"`
}

// DeviceSound plays or stops a sound on a device.
func (h *Handler) DeviceSound(w http.ResponseWriter, r *http.Request) {
	id, ok := accountParam(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	deviceID := chi.URLParam(r, "device")

	var req SoundRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var (
		sent bool
		err  error
	)
	if req.Action == "stop" {
		sent, err = h.engine.StopSound(r.Context(), id, deviceID)
	} else {
		sent, err = h.engine.PlaySound(r.Context(), id, deviceID)
	}
	if err != nil {
		respondEngineError(w, r, err)
		return
	}
	if !sent {
		h.respondActionUnavailable(w, r, id)
		return
	}
	respondJSON(w, r, http.StatusAccepted, SoundResponse{DeviceID: deviceID, Action: req.Action, Sent: true})
}

func (h *Handler) respondActionUnavailable(w http.ResponseWriter, r *http.Request, id string) {
	if ready, err := h.engine.PushReady(id); err == nil && ready {
		respondError(w, r, http.StatusConflict, &models.APIError{
			Code:    CodeCannotRing,
			Message: "The device does not support playing a sound",
		})
		return
	}
	respondError(w, r, http.StatusConflict, &models.APIError{
		Code:    CodePushNotReady,
		Message: "The push channel is not registered yet",
	})
}

// ReadinessResponse reports whether device actions would be sent.
type ReadinessResponse struct {
	DeviceID     string `json:"device_id"`
	PushReady    bool   `json:"push_ready"`
	CanPlaySound bool   `json:"can_play_sound"`
}

// DeviceReadiness reports action readiness without side effects.
func (h *Handler) DeviceReadiness(w http.ResponseWriter, r *http.Request) {
	id, ok := accountParam(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	deviceID := chi.URLParam(r, "device")

	ready, err := h.engine.PushReady(id)
	if err != nil {
		respondEngineError(w, r, err)
		return
	}
	canPlay, err := h.engine.CanPlaySound(id, deviceID)
	if err != nil {
		respondEngineError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, ReadinessResponse{DeviceID: deviceID, PushReady: ready, CanPlaySound: canPlay})
}

// ProbeRequest carries credentials to test.
type ProbeRequest struct {
	Email       string `json:"email" validate:"required,email"`
	MasterToken string `json:"master_token" validate:"required"`
}

// Probe runs the credential chain once without registering an account.
func (h *Handler) Probe(w http.ResponseWriter, r *http.Request) {
	var req ProbeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.engine.ProbeCredentials(r.Context(), req.Email, req.MasterToken); err != nil {
		respondEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
