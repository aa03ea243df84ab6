// Locus - Device Location Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/locus

// Package devicelist decodes the location service's device list response.
//
// Wire layout (protobuf):
//
//	DevicesList  { 2: repeated DeviceEntry }
//	DeviceEntry  { 1: IdentityInfo, 2: display_name, 3: can_ring (bool),
//	               4: repeated capability (string),
//	               5: repeated CapabilityEntry, 6: legacy_can_ring (bool) }
//	IdentityInfo { 1: repeated canonic_id (string) }
//	CapabilityEntry { 1: name (string), 2: enabled (bool) }
//
// Unknown fields are skipped everywhere.
package devicelist

import (
	"errors"
	"fmt"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tomtom215/locus/internal/logging"
	"github.com/tomtom215/locus/internal/models"
	"github.com/tomtom215/locus/internal/nova"
)

// ErrMalformedEnvelope is returned when the response itself cannot be parsed.
var ErrMalformedEnvelope = errors.New("devicelist: malformed envelope")

// Capability is one name/enabled pair from the capability map.
type Capability struct {
	Name    string
	Enabled bool
}

// Entry is one device entry as it appears on the wire, before resolution.
type Entry struct {
	CanonicalIDs  []string
	Name          string
	CanRing       models.Tristate
	LegacyCanRing models.Tristate
	Capabilities  []string
	CapabilityMap []Capability
}

// CanonicalID returns the first non-empty canonical ID.
func (e *Entry) CanonicalID() string {
	for _, id := range e.CanonicalIDs {
		if id = strings.TrimSpace(id); id != "" {
			return id
		}
	}
	return ""
}

// Result is the outcome of one decode.
type Result struct {
	Devices []models.DeviceRecord
	Index   *CapabilityIndex
	// Skipped counts entries dropped as malformed or without an ID.
	Skipped int
}

// Decoder turns device list payloads into records.
type Decoder struct {
	strategies []RingStrategy
}

// NewDecoder returns a decoder using strategies, or DefaultRingStrategies
// when none are given.
func NewDecoder(strategies ...RingStrategy) *Decoder {
	if len(strategies) == 0 {
		strategies = DefaultRingStrategies
	}
	return &Decoder{strategies: strategies}
}

// Decode parses raw with the default strategies.
func Decode(raw []byte) (Result, error) {
	return NewDecoder().Decode(raw)
}

// Decode parses raw. Only an unparseable envelope is an error; bad entries
// are skipped. Output order is first appearance; duplicate IDs are merged,
// with the last entry carrying a definite ring hint winning.
func (d *Decoder) Decode(raw []byte) (Result, error) {
	entries, err := splitEnvelope(raw)
	if err != nil {
		return Result{}, err
	}

	res := Result{Index: NewCapabilityIndex()}
	position := make(map[string]int, len(entries))
	for _, data := range entries {
		entry, err := parseEntry(data)
		if err != nil {
			res.Skipped++
			logging.Debug().Err(err).Msg("skipping malformed device entry")
			continue
		}
		id := entry.CanonicalID()
		if id == "" {
			res.Skipped++
			continue
		}

		ring := ResolveRing(entry, d.strategies)
		name := strings.TrimSpace(entry.Name)

		if i, seen := position[id]; seen {
			if ring.Known() {
				res.Devices[i].CanRing = ring
			}
			if name != "" {
				res.Devices[i].Name = name
			}
			continue
		}
		position[id] = len(res.Devices)
		res.Devices = append(res.Devices, models.DeviceRecord{CanonicalID: id, Name: name, CanRing: ring})
	}

	res.Index.Merge(res.Devices)
	return res, nil
}

// splitEnvelope returns the raw bytes of each field-2 entry.
func splitEnvelope(raw []byte) ([][]byte, error) {
	var entries [][]byte
	err := nova.WalkFields(raw, func(f nova.Field) error {
		if f.Num == 2 && f.Type == protowire.BytesType {
			entries = append(entries, f.Bytes)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return entries, nil
}

func parseEntry(b []byte) (*Entry, error) {
	e := &Entry{}
	err := nova.WalkFields(b, func(f nova.Field) error {
		switch {
		case f.Num == 1 && f.Type == protowire.BytesType:
			ids, err := parseIdentity(f.Bytes)
			if err != nil {
				return fmt.Errorf("identity: %w", err)
			}
			e.CanonicalIDs = append(e.CanonicalIDs, ids...)
		case f.Num == 2 && f.Type == protowire.BytesType:
			e.Name = string(f.Bytes)
		case f.Num == 3 && f.Type == protowire.VarintType:
			e.CanRing = models.TristateOf(protowire.DecodeBool(f.Varint))
		case f.Num == 4 && f.Type == protowire.BytesType:
			e.Capabilities = append(e.Capabilities, string(f.Bytes))
		case f.Num == 5 && f.Type == protowire.BytesType:
			c, err := parseCapability(f.Bytes)
			if err != nil {
				return fmt.Errorf("capability: %w", err)
			}
			e.CapabilityMap = append(e.CapabilityMap, c)
		case f.Num == 6 && f.Type == protowire.VarintType:
			e.LegacyCanRing = models.TristateOf(protowire.DecodeBool(f.Varint))
		}
		return nil
	})
	return e, err
}

func parseIdentity(b []byte) ([]string, error) {
	var ids []string
	err := nova.WalkFields(b, func(f nova.Field) error {
		if f.Num == 1 && f.Type == protowire.BytesType {
			ids = append(ids, string(f.Bytes))
		}
		return nil
	})
	return ids, err
}

func parseCapability(b []byte) (Capability, error) {
	var c Capability
	err := nova.WalkFields(b, func(f nova.Field) error {
		switch {
		case f.Num == 1 && f.Type == protowire.BytesType:
			c.Name = string(f.Bytes)
		case f.Num == 2 && f.Type == protowire.VarintType:
			c.Enabled = protowire.DecodeBool(f.Varint)
		}
		return nil
	})
	return c, err
}
