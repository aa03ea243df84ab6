// Locus - Device Location Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/locus

package devicelist

import (
	"strings"
	"sync"

	"github.com/tomtom215/locus/internal/models"
)

// ringTokens are capability names that mean the device can play a sound.
var ringTokens = map[string]struct{}{
	"ring":       {},
	"play_sound": {},
	"playsound":  {},
	"sound":      {},
}

func isRingToken(name string) bool {
	_, ok := ringTokens[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// RingStrategy derives a ring capability from one representation in an
// entry. Strategies return Unknown when their representation is absent.
type RingStrategy func(e *Entry) models.Tristate

// DefaultRingStrategies is the resolution order: explicit flag, legacy
// flag, capability token list, capability map.
var DefaultRingStrategies = []RingStrategy{
	explicitRingFlag,
	legacyRingFlag,
	ringFromTokenList,
	ringFromCapabilityMap,
}

func explicitRingFlag(e *Entry) models.Tristate { return e.CanRing }

func legacyRingFlag(e *Entry) models.Tristate { return e.LegacyCanRing }

func ringFromTokenList(e *Entry) models.Tristate {
	if len(e.Capabilities) == 0 {
		return models.Unknown
	}
	for _, c := range e.Capabilities {
		if isRingToken(c) {
			return models.True
		}
	}
	return models.False
}

func ringFromCapabilityMap(e *Entry) models.Tristate {
	result := models.Unknown
	for _, c := range e.CapabilityMap {
		if !isRingToken(c.Name) {
			continue
		}
		if c.Enabled {
			return models.True
		}
		result = models.False
	}
	return result
}

// ResolveRing applies strategies in order; the first definite answer wins.
func ResolveRing(e *Entry, strategies []RingStrategy) models.Tristate {
	for _, s := range strategies {
		if v := s(e); v.Known() {
			return v
		}
	}
	return models.Unknown
}

// CapabilityIndex maps canonical device IDs to a known ring capability for
// one account. It only grows: definite values overwrite, unknown hints never
// erase a known value.
type CapabilityIndex struct {
	mu      sync.RWMutex
	canRing map[string]bool
}

// NewCapabilityIndex returns an empty index.
func NewCapabilityIndex() *CapabilityIndex {
	return &CapabilityIndex{canRing: make(map[string]bool)}
}

// Merge folds the definite hints of records into the index.
func (ci *CapabilityIndex) Merge(records []models.DeviceRecord) {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	for _, r := range records {
		if v, ok := r.CanRing.Bool(); ok {
			ci.canRing[r.CanonicalID] = v
		}
	}
}

// MergeIndex folds another index into ci.
func (ci *CapabilityIndex) MergeIndex(other *CapabilityIndex) {
	if other == nil || other == ci {
		return
	}
	snapshot := other.Snapshot()
	ci.mu.Lock()
	defer ci.mu.Unlock()
	for id, v := range snapshot {
		ci.canRing[id] = v
	}
}

// CanRing returns the known capability for id.
func (ci *CapabilityIndex) CanRing(id string) models.Tristate {
	ci.mu.RLock()
	defer ci.mu.RUnlock()
	v, ok := ci.canRing[id]
	if !ok {
		return models.Unknown
	}
	return models.TristateOf(v)
}

// Len returns the number of devices with a known capability.
func (ci *CapabilityIndex) Len() int {
	ci.mu.RLock()
	defer ci.mu.RUnlock()
	return len(ci.canRing)
}

// Snapshot returns a copy of the index.
func (ci *CapabilityIndex) Snapshot() map[string]bool {
	ci.mu.RLock()
	defer ci.mu.RUnlock()
	out := make(map[string]bool, len(ci.canRing))
	for k, v := range ci.canRing {
		out[k] = v
	}
	return out
}
