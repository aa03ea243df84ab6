// Locus - Device Location Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/locus

package api

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/locus/internal/engine"
	"github.com/tomtom215/locus/internal/logging"
	"github.com/tomtom215/locus/internal/models"
	"github.com/tomtom215/locus/internal/nova"
	"github.com/tomtom215/locus/internal/poller"
	"github.com/tomtom215/locus/internal/validation"
)

// Error codes. See models.APIError.
const (
	CodeValidation          = "VALIDATION_ERROR"
	CodeNotFound            = "NOT_FOUND"
	CodeAuthFailed          = "AUTH_FAILED"
	CodeRateLimited         = "RATE_LIMITED"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeUpstreamError       = "UPSTREAM_ERROR"
	CodePushNotReady        = "PUSH_NOT_READY"
	CodeCannotRing          = "DEVICE_CANNOT_RING"
	CodeLocateInProgress    = "LOCATE_IN_PROGRESS"
	CodeUnavailable         = "SERVICE_UNAVAILABLE"
	CodeInternal            = "INTERNAL_ERROR"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// sanitizeLogValue escapes control characters so client input cannot forge
// log lines.
func sanitizeLogValue(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 0x20 || r == 0x7F {
			fmt.Fprintf(&b, "\\x%02x", r)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func metadata(r *http.Request) models.Metadata {
	return models.Metadata{
		Timestamp: time.Now().UTC(),
		RequestID: logging.RequestIDFromContext(r.Context()),
	}
}

func writeResponse(w http.ResponseWriter, r *http.Request, status int, response *models.APIResponse) {
	data, err := json.Marshal(response)
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	// Locations and device lists are live data.
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Ctx(r.Context()).Debug().Err(err).Msg("failed to write JSON response")
	}
}

// respondJSON sends a success envelope.
func respondJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeResponse(w, r, status, &models.APIResponse{
		Status:   "success",
		Data:     data,
		Metadata: metadata(r),
	})
}

// respondError sends an error envelope.
func respondError(w http.ResponseWriter, r *http.Request, status int, apiErr *models.APIError) {
	writeResponse(w, r, status, &models.APIResponse{
		Status:   "error",
		Metadata: metadata(r),
		Error:    apiErr,
	})
}

func respondValidation(w http.ResponseWriter, r *http.Request, verr *validation.RequestValidationError) {
	converted := verr.ToAPIError()
	respondError(w, r, http.StatusBadRequest, &models.APIError{
		Code:    converted.Code,
		Message: converted.Message,
		Details: converted.Details,
	})
}

// respondEngineError maps an engine failure onto a status code. Upstream
// error text is logged, never returned.
func respondEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *validation.RequestValidationError
	switch {
	case errors.Is(err, engine.ErrUnknownAccount):
		respondError(w, r, http.StatusNotFound, &models.APIError{Code: CodeNotFound, Message: "Account not registered"})
		return
	case errors.As(err, &verr):
		respondValidation(w, r, verr)
		return
	case errors.Is(err, poller.ErrClosed):
		respondError(w, r, http.StatusServiceUnavailable, &models.APIError{Code: CodeUnavailable, Message: "Account is shutting down"})
		return
	case errors.Is(err, poller.ErrDeviceInFlight):
		respondError(w, r, http.StatusConflict, &models.APIError{Code: CodeLocateInProgress, Message: "A location request for this device is already running"})
		return
	}

	kind := nova.KindOf(err)
	logging.Ctx(r.Context()).Warn().
		Str("path", sanitizeLogValue(r.URL.Path)).
		Str("kind", kind.String()).
		Err(err).
		Msg("request failed")

	switch kind {
	case nova.KindAuthFailed:
		respondError(w, r, http.StatusUnauthorized, &models.APIError{
			Code:    CodeAuthFailed,
			Message: "Credentials were rejected; the account needs re-authentication",
		})
	case nova.KindRateLimited:
		if wait := nova.RetryAfterOf(err); wait > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		}
		respondError(w, r, http.StatusTooManyRequests, &models.APIError{
			Code:    CodeRateLimited,
			Message: "The location service is rate limiting this account",
		})
	case nova.KindNetwork:
		respondError(w, r, http.StatusServiceUnavailable, &models.APIError{
			Code:    CodeUpstreamUnavailable,
			Message: "The location service is unreachable",
		})
	default:
		details := map[string]any{"kind": kind.String()}
		var nerr *nova.Error
		if errors.As(err, &nerr) && nerr.Status != 0 {
			details["upstream_status"] = nerr.Status
		}
		respondError(w, r, http.StatusBadGateway, &models.APIError{
			Code:    CodeUpstreamError,
			Message: "The location service returned an error",
			Details: details,
		})
	}
}

// decodeJSON reads a bounded JSON body into dst and validates it.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		respondError(w, r, http.StatusBadRequest, &models.APIError{Code: CodeValidation, Message: "Invalid JSON body"})
		return false
	}
	if verr := validation.ValidateStruct(dst); verr != nil {
		respondValidation(w, r, verr)
		return false
	}
	return true
}

// accountParam validates a path account id.
func accountParam(w http.ResponseWriter, r *http.Request, raw string) (string, bool) {
	if err := validation.ValidateAccountID(raw); err != nil {
		respondError(w, r, http.StatusBadRequest, &models.APIError{
			Code:    CodeValidation,
			Message: "Invalid account id",
		})
		return "", false
	}
	return raw, true
}
