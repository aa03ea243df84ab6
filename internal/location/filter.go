// Locus - Device Location Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/locus

package location

import (
	"math"

	"github.com/tomtom215/locus/internal/models"
)

// Filter decides whether a freshly selected record replaces the cached one.
// previous is nil when nothing is cached.
type Filter interface {
	Accept(candidate models.LocationRecord, previous *models.LocationRecord) (ok bool, reason string)
}

// FilterFunc adapts a function to Filter.
type FilterFunc func(candidate models.LocationRecord, previous *models.LocationRecord) (bool, string)

// Accept implements Filter.
func (f FilterFunc) Accept(c models.LocationRecord, p *models.LocationRecord) (bool, string) {
	return f(c, p)
}

// AcceptAll never rejects.
var AcceptAll Filter = FilterFunc(func(models.LocationRecord, *models.LocationRecord) (bool, string) {
	return true, ""
})

// NoiseFilterConfig configures NoiseFilter. Zero thresholds disable their
// checks.
type NoiseFilterConfig struct {
	// MaxCrowdAccuracyM rejects crowd-sourced fixes less accurate than this.
	MaxCrowdAccuracyM float64
	// MinMovementM rejects crowd-sourced fixes closer than this to the
	// cached fix.
	MinMovementM float64
}

// NoiseFilter rejects stale, repeated and low-confidence fixes. Trusted
// records always pass.
type NoiseFilter struct {
	cfg NoiseFilterConfig
}

// NewNoiseFilter returns a NoiseFilter.
func NewNoiseFilter(cfg NoiseFilterConfig) *NoiseFilter {
	return &NoiseFilter{cfg: cfg}
}

// Rejection reasons.
const (
	ReasonLowConfidence = "low_confidence"
	ReasonStale         = "stale"
	ReasonDuplicate     = "duplicate"
	ReasonStationary    = "stationary"
)

// Accept implements Filter.
func (f *NoiseFilter) Accept(c models.LocationRecord, prev *models.LocationRecord) (bool, string) {
	if c.Trusted {
		return true, ""
	}
	if !c.IsOwnReport && f.cfg.MaxCrowdAccuracyM > 0 && c.Accuracy != nil && *c.Accuracy > f.cfg.MaxCrowdAccuracyM {
		return false, ReasonLowConfidence
	}
	if prev == nil {
		return true, ""
	}
	if c.SameFix(*prev) {
		return false, ReasonDuplicate
	}
	if c.Timestamp != nil && prev.Timestamp != nil && *c.Timestamp < *prev.Timestamp {
		return false, ReasonStale
	}
	if !c.IsOwnReport && f.cfg.MinMovementM > 0 &&
		haversineMeters(c.Latitude, c.Longitude, prev.Latitude, prev.Longitude) < f.cfg.MinMovementM {
		return false, ReasonStationary
	}
	return true, ""
}

const earthRadiusM = 6371000.0

func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Asin(math.Min(1, math.Sqrt(a)))
}
