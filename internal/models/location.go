// Locus - Device Location Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/locus

package models

// StatusSemanticOverride tags records synthesized from a configured
// semantic location override.
const StatusSemanticOverride = "semantic_override"

// LocationRecord is one location observation. Optional fields are nil when
// the service did not report them. Records are values; callers copy, never
// mutate shared instances.
type LocationRecord struct {
	Latitude      float64  `json:"latitude"`
	Longitude     float64  `json:"longitude"`
	Altitude      *float64 `json:"altitude,omitempty"`
	Accuracy      *float64 `json:"accuracy,omitempty"`
	Timestamp     *int64   `json:"timestamp,omitempty"`
	IsOwnReport   bool     `json:"is_own_report"`
	Status        string   `json:"status,omitempty"`
	SemanticLabel *string  `json:"semantic_label,omitempty"`
	Battery       *int     `json:"battery,omitempty"`

	// Trusted marks records that bypass noise filtering.
	Trusted bool `json:"trusted"`
}

// SameFix reports whether r and other describe the same observation.
func (r LocationRecord) SameFix(other LocationRecord) bool {
	return r.Latitude == other.Latitude &&
		r.Longitude == other.Longitude &&
		int64PtrEqual(r.Timestamp, other.Timestamp)
}

func int64PtrEqual(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Float64 returns a pointer to v.
func Float64(v float64) *float64 { return &v }

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// String returns a pointer to v.
func String(v string) *string { return &v }
