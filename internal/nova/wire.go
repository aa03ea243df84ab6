// Locus - Device Location Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/locus

package nova

import (
	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// Endpoints on the location service.
const (
	EndpointListDevices   = "nbe_list_devices"
	EndpointLocate        = "nbe_locate"
	EndpointExecuteAction = "nbe_execute_action"
)

// Action is the verb carried by locate and execute-action requests.
type Action uint64

const (
	ActionLocate    Action = 1
	ActionPlaySound Action = 2
	ActionStopSound Action = 3
)

func (a Action) String() string {
	switch a {
	case ActionLocate:
		return "locate"
	case ActionPlaySound:
		return "play_sound"
	case ActionStopSound:
		return "stop_sound"
	default:
		return "unknown"
	}
}

// deviceTypeTracker selects spot trackers in list requests.
const deviceTypeTracker = 2

// EncodeListDevicesRequest builds the list-devices payload.
//
//	1: request_uuid (string)
//	2: device_type  (varint)
func EncodeListDevicesRequest(requestUUID string) []byte {
	if requestUUID == "" {
		requestUUID = uuid.NewString()
	}
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, requestUUID)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, deviceTypeTracker)
	return b
}

// EncodeActionRequest builds a locate or execute-action payload.
//
//	1: canonic_id   (string)
//	2: action       (varint)
//	3: request_uuid (string)
//	4: push_token   (string, optional)
func EncodeActionRequest(deviceID string, action Action, requestUUID, pushToken string) []byte {
	if requestUUID == "" {
		requestUUID = uuid.NewString()
	}
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, deviceID)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(action))
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendString(b, requestUUID)
	if pushToken != "" {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendString(b, pushToken)
	}
	return b
}

// Field is one decoded protobuf field. Only the member matching Type is set.
type Field struct {
	Num     protowire.Number
	Type    protowire.Type
	Bytes   []byte
	Varint  uint64
	Fixed64 uint64
}

// WalkFields calls fn for every top-level field in b. Group and fixed32
// fields are skipped. A malformed buffer stops the walk with an error.
func WalkFields(b []byte, fn func(Field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := Field{Num: num, Type: typ}
		var m int
		switch typ {
		case protowire.BytesType:
			f.Bytes, m = protowire.ConsumeBytes(b)
		case protowire.VarintType:
			f.Varint, m = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			f.Fixed64, m = protowire.ConsumeFixed64(b)
		default:
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			b = b[m:]
			continue
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		if err := fn(f); err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}
