// Locus - Device Location Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/locus

package models

import (
	"strings"
	"time"
)

// NormalizeEmail trims and lower-cases an account email.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// AccountStatus is the externally visible health of one account.
type AccountStatus struct {
	AccountID     string    `json:"account_id"`
	NeedsReauth   bool      `json:"needs_reauth"`
	LastCycleAt   time.Time `json:"last_cycle_at,omitempty"`
	LastErrorKind string    `json:"last_error_kind,omitempty"`
	Devices       int       `json:"devices"`
}

// LocationUpdate is published whenever a location record is accepted.
type LocationUpdate struct {
	AccountID string         `json:"account_id"`
	DeviceID  string         `json:"device_id"`
	Record    LocationRecord `json:"record"`
	At        time.Time      `json:"at"`
}
