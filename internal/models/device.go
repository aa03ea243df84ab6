// Locus - Device Location Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/locus

// Package models holds the value types shared across Locus components.
package models

import "strings"

// Tristate is a capability hint that may be unknown.
type Tristate int8

const (
	Unknown Tristate = iota
	True
	False
)

// TristateOf converts a definite boolean.
func TristateOf(b bool) Tristate {
	if b {
		return True
	}
	return False
}

// Known reports whether t is definite.
func (t Tristate) Known() bool { return t != Unknown }

// Bool returns the definite value and whether it is known.
func (t Tristate) Bool() (value, known bool) {
	return t == True, t != Unknown
}

func (t Tristate) String() string {
	switch t {
	case True:
		return "true"
	case False:
		return "false"
	default:
		return "unknown"
	}
}

// MarshalJSON renders Unknown as null.
func (t Tristate) MarshalJSON() ([]byte, error) {
	switch t {
	case True:
		return []byte("true"), nil
	case False:
		return []byte("false"), nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts true, false or null.
func (t *Tristate) UnmarshalJSON(data []byte) error {
	switch strings.TrimSpace(string(data)) {
	case "true":
		*t = True
	case "false":
		*t = False
	default:
		*t = Unknown
	}
	return nil
}

// DeviceRecord is one device as reported by the location service.
type DeviceRecord struct {
	CanonicalID string   `json:"canonical_id"`
	Name        string   `json:"name"`
	CanRing     Tristate `json:"can_ring"`
}
