// SPDX-License-Identifier: ISC
// Copyright (c) 2023-2026 Solarpunk Mesh Collective
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bundle

import (
	"encoding/binary"
	"time"

	"golang.org/x/crypto/ed25519"

	"github.com/solarpunk-mesh/meshd/device"
	"github.com/solarpunk-mesh/meshd/fault"
	"github.com/solarpunk-mesh/meshd/mutation"
)

// wire layout constants
//
// header:  version:u8 | bundle_id:16B | ttl_class:u8 | created_at:i64 BE | record_count:u16 BE
// body:    record_count packed mutation records
// trailer: origin public key:32B | ed25519 signature:64B
//
// the trailer is fixed length; the signature covers header and body
const (
	headerLength  = 1 + IdLength + 1 + 8 + 2
	trailerLength = ed25519.PublicKeySize + ed25519.SignatureSize

	// fits the smallest negotiable per-bundle ceiling
	maxRecordsPerBundle = 65535
)

// Assemble - build and sign a bundle from mutation records
//
// the sequence number must be fresh for the identity; reusing one
// would collide bundle ids
func Assemble(identity *device.Identity, sequence uint64, class TTLClass, createdAt time.Time, records []*mutation.Record) (*Bundle, Packed, error) {

	if !class.Valid() {
		return nil, nil, fault.ErrInvalidTTLClass
	}
	if 0 == len(records) || len(records) > maxRecordsPerBundle {
		return nil, nil, fault.ErrNotBundlePack
	}

	b := &Bundle{
		Version:   Version,
		BundleId:  NewID(identity.DeviceId, sequence),
		Class:     class,
		CreatedAt: createdAt.UTC().Truncate(time.Second),
		Records:   records,
		PublicKey: identity.PublicKey,
	}

	message, err := b.packMessage()
	if nil != err {
		return nil, nil, err
	}

	b.Signature = identity.Sign(message)

	packed := make(Packed, 0, len(message)+trailerLength)
	packed = append(packed, message...)
	packed = append(packed, b.PublicKey...)
	packed = append(packed, b.Signature...)
	return b, packed, nil
}

// header and records, the signed portion of the wire format
func (b *Bundle) packMessage() (Packed, error) {

	message := make(Packed, 0, headerLength)
	message = append(message, b.Version)
	message = append(message, b.BundleId[:]...)
	message = append(message, byte(b.Class))

	createdAt := make([]byte, 8)
	binary.BigEndian.PutUint64(createdAt, uint64(b.CreatedAt.Unix()))
	message = append(message, createdAt...)

	recordCount := make([]byte, 2)
	binary.BigEndian.PutUint16(recordCount, uint16(len(b.Records)))
	message = append(message, recordCount...)

	for _, record := range b.Records {
		packedRecord, err := record.Pack()
		if nil != err {
			return nil, err
		}
		message = append(message, packedRecord...)
	}
	return message, nil
}

// Unpack - parse and integrity-check a received bundle
//
// an invalid signature is rejected here, unconditionally, before any
// trust or business logic can run; the origin public key must also
// hash to the bundle id's origin device id
func (packed Packed) Unpack() (b *Bundle, e error) {

	defer func() {
		if r := recover(); nil != r {
			b = nil
			e = fault.ErrNotBundlePack
		}
	}()

	if len(packed) < headerLength+trailerLength {
		return nil, fault.ErrNotBundlePack
	}

	version := packed[0]
	if Version != version {
		return nil, fault.ErrBundleVersion
	}

	n := 1
	id := ID{}
	copy(id[:], packed[n:n+IdLength])
	n += IdLength

	class := TTLClass(packed[n])
	if !class.Valid() {
		return nil, fault.ErrInvalidTTLClass
	}
	n += 1

	createdAt := time.Unix(int64(binary.BigEndian.Uint64(packed[n:n+8])), 0).UTC()
	n += 8

	recordCount := int(binary.BigEndian.Uint16(packed[n : n+2]))
	n += 2
	if 0 == recordCount {
		return nil, fault.ErrNotBundlePack
	}

	// signature covers everything before the trailer
	messageLength := len(packed) - trailerLength
	if n > messageLength {
		return nil, fault.ErrNotBundlePack
	}

	records := make([]*mutation.Record, 0, recordCount)
	for i := 0; i < recordCount; i += 1 {
		record, used, err := mutation.Packed(packed[n:messageLength]).Unpack()
		if nil != err {
			return nil, err
		}
		records = append(records, record)
		n += used
	}
	if n != messageLength {
		return nil, fault.ErrNotBundlePack
	}

	publicKey := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(publicKey, packed[n:n+ed25519.PublicKeySize])
	n += ed25519.PublicKeySize

	signature := make([]byte, ed25519.SignatureSize)
	copy(signature, packed[n:])

	// the claimed origin must be derivable from the signing key
	if device.IDFromPublicKey(publicKey) != id.Origin() {
		return nil, fault.ErrBundleSignature
	}

	if !device.Verify(publicKey, packed[:messageLength], signature) {
		return nil, fault.ErrBundleSignature
	}

	return &Bundle{
		Version:   version,
		BundleId:  id,
		Class:     class,
		CreatedAt: createdAt,
		Records:   records,
		PublicKey: publicKey,
		Signature: signature,
	}, nil
}
