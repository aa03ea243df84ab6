// Locus - Device Location Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/locus

package devicelist

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tomtom215/locus/internal/models"
)

// EncodeDevices builds a device list envelope using the explicit ring flag.
// Used by fakes and tests.
func EncodeDevices(records []models.DeviceRecord) []byte {
	var out []byte
	for _, r := range records {
		var identity []byte
		identity = protowire.AppendTag(identity, 1, protowire.BytesType)
		identity = protowire.AppendString(identity, r.CanonicalID)

		var e []byte
		e = protowire.AppendTag(e, 1, protowire.BytesType)
		e = protowire.AppendBytes(e, identity)
		if r.Name != "" {
			e = protowire.AppendTag(e, 2, protowire.BytesType)
			e = protowire.AppendString(e, r.Name)
		}
		if v, known := r.CanRing.Bool(); known {
			e = protowire.AppendTag(e, 3, protowire.VarintType)
			e = protowire.AppendVarint(e, protowire.EncodeBool(v))
		}

		out = protowire.AppendTag(out, 2, protowire.BytesType)
		out = protowire.AppendBytes(out, e)
	}
	return out
}
