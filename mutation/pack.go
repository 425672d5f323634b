// SPDX-License-Identifier: ISC
// Copyright (c) 2023-2026 Solarpunk Mesh Collective
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mutation

import (
	"unicode/utf8"

	"github.com/solarpunk-mesh/meshd/device"
	"github.com/solarpunk-mesh/meshd/fault"
	"github.com/solarpunk-mesh/meshd/util"
)

// record tag
// this is encoded as a Varint64 at the start of a packed record so a
// decoder can safely reject formats it does not understand
const (
	nullTag   = uint64(iota) // not used as a record type
	recordTag                // the only current record format
)

// Pack - serialise a record
//
// Pack Varint64(tag) followed by fields in order as the struct above;
// all variable fields are prefixed by Varint64(length), the origin
// device id is fixed length
func (record *Record) Pack() (Packed, error) {

	if len(record.EntityTable) > maxEntityTableLength ||
		0 == len(record.EntityTable) ||
		!utf8.ValidString(record.EntityTable) {
		return nil, fault.ErrNotMutationPack
	}
	if len(record.EntityId) > maxEntityIdLength || 0 == len(record.EntityId) {
		return nil, fault.ErrNotMutationPack
	}
	if len(record.Payload) > maxPayloadLength {
		return nil, fault.ErrNotMutationPack
	}
	if record.Operation >= invalidOperation {
		return nil, fault.ErrNotMutationPack
	}

	// concatenate bytes
	message := util.ToVarint64(recordTag)
	message = appendString(message, record.EntityTable)
	message = appendBytes(message, record.EntityId)
	message = appendUint64(message, uint64(record.Operation))
	message = appendUint64(message, uint64(record.PayloadKind))
	message = appendBytes(message, record.Payload)
	message = append(message, record.Origin[:]...)
	message = appendUint64(message, record.LogicalClock)

	return message, nil
}

// Unpack - turn a byte slice back into a record
//
// also returns the number of bytes used so records can be chained in
// a bundle payload
func (packed Packed) Unpack() (record *Record, n int, e error) {

	defer func() {
		if r := recover(); nil != r {
			record = nil
			n = 0
			e = fault.ErrNotMutationPack
		}
	}()

	tag, n := util.FromVarint64(packed)
	if 0 == n || recordTag != tag {
		return nil, 0, fault.ErrNotMutationPack
	}

	// entity table
	tableLength, tableOffset := util.ClippedVarint64(packed[n:], 1, maxEntityTableLength)
	if 0 == tableOffset {
		return nil, 0, fault.ErrNotMutationPack
	}
	n += tableOffset
	entityTable := string(packed[n : n+tableLength])
	n += tableLength

	// entity id
	idLength, idOffset := util.ClippedVarint64(packed[n:], 1, maxEntityIdLength)
	if 0 == idOffset {
		return nil, 0, fault.ErrNotMutationPack
	}
	n += idOffset
	entityId := make([]byte, idLength)
	copy(entityId, packed[n:n+idLength])
	n += idLength

	// operation
	operation, operationLength := util.FromVarint64(packed[n:])
	if 0 == operationLength || operation >= uint64(invalidOperation) {
		return nil, 0, fault.ErrNotMutationPack
	}
	n += operationLength

	// payload kind
	kind, kindLength := util.FromVarint64(packed[n:])
	if 0 == kindLength {
		return nil, 0, fault.ErrNotMutationPack
	}
	n += kindLength

	// payload (can be zero length)
	payloadLength, payloadOffset := util.ClippedVarint64(packed[n:], 0, maxPayloadLength) // Note: zero is valid here
	if 0 == payloadOffset {
		return nil, 0, fault.ErrNotMutationPack
	}
	n += payloadOffset
	payload := make([]byte, payloadLength)
	copy(payload, packed[n:n+payloadLength])
	n += payloadLength

	// origin device id
	origin, err := device.IDFromBytes(packed[n : n+device.IdLength])
	if nil != err {
		return nil, 0, fault.ErrNotMutationPack
	}
	n += device.IdLength

	// logical clock
	clock, clockLength := util.FromVarint64(packed[n:])
	if 0 == clockLength {
		return nil, 0, fault.ErrNotMutationPack
	}
	n += clockLength

	r := &Record{
		EntityTable:  entityTable,
		EntityId:     entityId,
		Operation:    Operation(operation),
		PayloadKind:  Kind(kind),
		Payload:      payload,
		Origin:       origin,
		LogicalClock: clock,
	}
	return r, n, nil
}

// append a single field to a buffer
//
// the field is prefixed by Varint64(length)
func appendString(buffer Packed, s string) Packed {
	l := util.ToVarint64(uint64(len(s)))
	buffer = append(buffer, l...)
	return append(buffer, s...)
}

// append a bytes to a buffer
//
// the field is prefixed by Varint64(length)
func appendBytes(buffer Packed, data []byte) Packed {
	l := util.ToVarint64(uint64(len(data)))
	buffer = append(buffer, l...)
	buffer = append(buffer, data...)
	return buffer
}

// append a Varint64 to buffer
func appendUint64(buffer Packed, value uint64) Packed {
	valueBytes := util.ToVarint64(value)
	buffer = append(buffer, valueBytes...)
	return buffer
}
