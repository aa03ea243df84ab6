// Locus - Device Location Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/locus

// Package location picks the single best location from a device's report
// and filters noisy fixes.
package location

import (
	"sort"
	"strings"

	"github.com/tomtom215/locus/internal/models"
)

// Override pins a semantic label to fixed coordinates.
type Override struct {
	Label     string
	Latitude  float64
	Longitude float64
	Accuracy  float64
}

// Selector chooses the best record. The zero value has no overrides.
type Selector struct {
	overrides map[string]Override
}

// NewSelector builds a selector. Labels compare case-insensitively; a later
// override with the same label replaces an earlier one.
func NewSelector(overrides []Override) *Selector {
	s := &Selector{overrides: make(map[string]Override, len(overrides))}
	for _, o := range overrides {
		key := normalizeLabel(o.Label)
		if key == "" {
			continue
		}
		s.overrides[key] = o
	}
	return s
}

func normalizeLabel(l string) string {
	return strings.ToLower(strings.TrimSpace(l))
}

// Rank sorts records best first without modifying the input:
// newest timestamp (missing ranks last), own report, smaller accuracy
// (missing ranks last), then original order.
func Rank(records []models.LocationRecord) []models.LocationRecord {
	ranked := make([]models.LocationRecord, len(records))
	copy(ranked, records)
	sort.SliceStable(ranked, func(i, j int) bool {
		return better(ranked[i], ranked[j])
	})
	return ranked
}

// better reports whether a strictly outranks b. Equal records keep their
// order through the stable sort.
func better(a, b models.LocationRecord) bool {
	switch {
	case a.Timestamp != nil && b.Timestamp == nil:
		return true
	case a.Timestamp == nil && b.Timestamp != nil:
		return false
	case a.Timestamp != nil && *a.Timestamp != *b.Timestamp:
		return *a.Timestamp > *b.Timestamp
	}

	if a.IsOwnReport != b.IsOwnReport {
		return a.IsOwnReport
	}

	switch {
	case a.Accuracy != nil && b.Accuracy == nil:
		return true
	case a.Accuracy == nil && b.Accuracy != nil:
		return false
	case a.Accuracy != nil && *a.Accuracy != *b.Accuracy:
		return *a.Accuracy < *b.Accuracy
	}
	return false
}

// SelectBest returns the best record. When any candidate carries a label
// matching an override, the best such candidate is replaced by a trusted
// record at the override coordinates. ok is false for no records.
func (s *Selector) SelectBest(records []models.LocationRecord) (models.LocationRecord, bool) {
	if len(records) == 0 {
		return models.LocationRecord{}, false
	}
	ranked := Rank(records)

	if s != nil && len(s.overrides) > 0 {
		for _, r := range ranked {
			if r.SemanticLabel == nil {
				continue
			}
			if o, ok := s.overrides[normalizeLabel(*r.SemanticLabel)]; ok {
				return synthesize(r, o), true
			}
		}
	}
	return ranked[0], true
}

func synthesize(src models.LocationRecord, o Override) models.LocationRecord {
	rec := models.LocationRecord{
		Latitude:      o.Latitude,
		Longitude:     o.Longitude,
		Timestamp:     src.Timestamp,
		IsOwnReport:   src.IsOwnReport,
		Status:        models.StatusSemanticOverride,
		SemanticLabel: src.SemanticLabel,
		Battery:       src.Battery,
		Trusted:       true,
	}
	if o.Accuracy > 0 {
		rec.Accuracy = models.Float64(o.Accuracy)
	}
	return rec
}
