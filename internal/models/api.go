// Locus - Device Location Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/locus

package models

import "time"

// APIResponse is the envelope for every JSON API response.
type APIResponse struct {
	Status   string    `json:"status"`
	Data     any       `json:"data"`
	Metadata Metadata  `json:"metadata"`
	Error    *APIError `json:"error,omitempty"`
}

// Metadata accompanies every response.
type Metadata struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// APIError is a machine-readable failure.
//
// Codes used by the API:
//   - VALIDATION_ERROR: malformed request or parameters
//   - NOT_FOUND: unknown account or device
//   - AUTH_FAILED: the account needs re-authentication
//   - RATE_LIMITED: the location service refused for quota reasons
//   - UPSTREAM_UNAVAILABLE: the location service could not be reached
//   - UPSTREAM_ERROR: the location service answered with a failure
//   - PUSH_NOT_READY: no push registration yet, device actions unavailable
type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}
