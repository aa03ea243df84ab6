// Locus - Device Location Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/locus

package location

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tomtom215/locus/internal/models"
	"github.com/tomtom215/locus/internal/nova"
)

// ErrMalformedReport is returned when a location response cannot be parsed.
var ErrMalformedReport = errors.New("location: malformed report")

// DecodeReport parses a location response.
//
//	LocationReport { 1: repeated LocationEntry }
//	LocationEntry  { 1: latitude (double), 2: longitude (double),
//	                 3: altitude (double), 4: accuracy (double),
//	                 5: timestamp (varint, epoch seconds),
//	                 6: is_own_report (bool), 7: status (string),
//	                 8: semantic_label (string), 9: battery (varint) }
//
// Entries without both coordinates, or with coordinates out of range, are
// dropped. An empty payload yields no records.
func DecodeReport(raw []byte) ([]models.LocationRecord, error) {
	var records []models.LocationRecord
	err := nova.WalkFields(raw, func(f nova.Field) error {
		if f.Num != 1 || f.Type != protowire.BytesType {
			return nil
		}
		rec, ok, err := decodeEntry(f.Bytes)
		if err != nil || !ok {
			return nil //nolint:nilerr // a bad entry never fails the report
		}
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReport, err)
	}
	return records, nil
}

func decodeEntry(b []byte) (models.LocationRecord, bool, error) {
	var (
		rec          models.LocationRecord
		hasLat, hasL bool
	)
	err := nova.WalkFields(b, func(f nova.Field) error {
		switch {
		case f.Num == 1 && f.Type == protowire.Fixed64Type:
			rec.Latitude, hasLat = math.Float64frombits(f.Fixed64), true
		case f.Num == 2 && f.Type == protowire.Fixed64Type:
			rec.Longitude, hasL = math.Float64frombits(f.Fixed64), true
		case f.Num == 3 && f.Type == protowire.Fixed64Type:
			rec.Altitude = models.Float64(math.Float64frombits(f.Fixed64))
		case f.Num == 4 && f.Type == protowire.Fixed64Type:
			if acc := math.Float64frombits(f.Fixed64); acc >= 0 && !math.IsNaN(acc) {
				rec.Accuracy = models.Float64(acc)
			}
		case f.Num == 5 && f.Type == protowire.VarintType:
			if f.Varint > 0 && f.Varint <= math.MaxInt64 {
				rec.Timestamp = models.Int64(int64(f.Varint))
			}
		case f.Num == 6 && f.Type == protowire.VarintType:
			rec.IsOwnReport = protowire.DecodeBool(f.Varint)
		case f.Num == 7 && f.Type == protowire.BytesType:
			rec.Status = string(f.Bytes)
		case f.Num == 8 && f.Type == protowire.BytesType:
			if len(f.Bytes) > 0 {
				rec.SemanticLabel = models.String(string(f.Bytes))
			}
		case f.Num == 9 && f.Type == protowire.VarintType:
			if f.Varint <= 100 {
				rec.Battery = models.Int(int(f.Varint))
			}
		}
		return nil
	})
	if err != nil {
		return rec, false, err
	}
	if !hasLat || !hasL || !validCoordinates(rec.Latitude, rec.Longitude) {
		return rec, false, nil
	}
	return rec, true, nil
}

func validCoordinates(lat, lon float64) bool {
	return !math.IsNaN(lat) && !math.IsNaN(lon) &&
		lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// EncodeReport is the inverse of DecodeReport. Used by fakes and tests.
func EncodeReport(records []models.LocationRecord) []byte {
	var out []byte
	for _, r := range records {
		var e []byte
		e = appendDouble(e, 1, r.Latitude)
		e = appendDouble(e, 2, r.Longitude)
		if r.Altitude != nil {
			e = appendDouble(e, 3, *r.Altitude)
		}
		if r.Accuracy != nil {
			e = appendDouble(e, 4, *r.Accuracy)
		}
		if r.Timestamp != nil {
			e = protowire.AppendTag(e, 5, protowire.VarintType)
			e = protowire.AppendVarint(e, uint64(*r.Timestamp))
		}
		if r.IsOwnReport {
			e = protowire.AppendTag(e, 6, protowire.VarintType)
			e = protowire.AppendVarint(e, 1)
		}
		if r.Status != "" {
			e = protowire.AppendTag(e, 7, protowire.BytesType)
			e = protowire.AppendString(e, r.Status)
		}
		if r.SemanticLabel != nil {
			e = protowire.AppendTag(e, 8, protowire.BytesType)
			e = protowire.AppendString(e, *r.SemanticLabel)
		}
		if r.Battery != nil {
			e = protowire.AppendTag(e, 9, protowire.VarintType)
			e = protowire.AppendVarint(e, uint64(*r.Battery))
		}
		out = protowire.AppendTag(out, 1, protowire.BytesType)
		out = protowire.AppendBytes(out, e)
	}
	return out
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}
