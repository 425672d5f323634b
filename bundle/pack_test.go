// SPDX-License-Identifier: ISC
// Copyright (c) 2023-2026 Solarpunk Mesh Collective
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bundle_test

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/solarpunk-mesh/meshd/bundle"
	"github.com/solarpunk-mesh/meshd/device"
	"github.com/solarpunk-mesh/meshd/fault"
	"github.com/solarpunk-mesh/meshd/mutation"
)

// common test fixtures

func makeIdentity(t *testing.T) *device.Identity {
	identity, err := device.NewIdentity()
	if nil != err {
		t.Fatalf("identity error: %s", err)
	}
	return identity
}

func makeRecords(origin device.ID, count int) []*mutation.Record {
	records := make([]*mutation.Record, 0, count)
	for i := 0; i < count; i += 1 {
		records = append(records, &mutation.Record{
			EntityTable:  "listings",
			EntityId:     []byte{byte(i + 1)},
			Operation:    mutation.Insert,
			PayloadKind:  mutation.Listing,
			Payload:      []byte{0x01, byte(i)},
			Origin:       origin,
			LogicalClock: uint64(i + 1),
		})
	}
	return records
}

// test the packing/unpacking of a bundle
//
// ensures that assemble->unpack returns the same original value and
// that the wire header is bit exact
func TestAssembleUnpack(t *testing.T) {

	identity := makeIdentity(t)
	createdAt := time.Date(2026, 5, 17, 10, 30, 0, 0, time.UTC)
	records := makeRecords(identity.DeviceId, 3)

	b, packed, err := bundle.Assemble(identity, 9, bundle.Perishable, createdAt, records)
	if nil != err {
		t.Fatalf("assemble error: %s", err)
	}

	// header must be bit exact
	if bundle.Version != packed[0] {
		t.Errorf("version byte: %d  expected: %d", packed[0], bundle.Version)
	}
	expectedId := bundle.NewID(identity.DeviceId, 9)
	if expectedId != b.BundleId {
		t.Errorf("bundle id: %s  expected: %s", b.BundleId, expectedId)
	}
	if byte(bundle.Perishable) != packed[17] {
		t.Errorf("class byte: %d  expected: %d", packed[17], bundle.Perishable)
	}
	wireCreated := int64(binary.BigEndian.Uint64(packed[18:26]))
	if createdAt.Unix() != wireCreated {
		t.Errorf("created at: %d  expected: %d", wireCreated, createdAt.Unix())
	}
	if 3 != binary.BigEndian.Uint16(packed[26:28]) {
		t.Errorf("record count: %d  expected: 3", binary.BigEndian.Uint16(packed[26:28]))
	}

	unpacked, err := packed.Unpack()
	if nil != err {
		t.Fatalf("unpack error: %s", err)
	}
	if unpacked.BundleId != b.BundleId {
		t.Errorf("id: %s  expected: %s", unpacked.BundleId, b.BundleId)
	}
	if !unpacked.CreatedAt.Equal(createdAt) {
		t.Errorf("created at: %s  expected: %s", unpacked.CreatedAt, createdAt)
	}
	if len(unpacked.Records) != len(records) {
		t.Fatalf("records: %d  expected: %d", len(unpacked.Records), len(records))
	}

	// in-bundle order must be preserved
	for i, record := range unpacked.Records {
		if record.LogicalClock != uint64(i+1) {
			t.Errorf("record %d out of order: clock: %d", i, record.LogicalClock)
		}
	}
}

// a corrupted signature must be rejected before anything else sees the
// bundle
func TestUnpackBadSignature(t *testing.T) {

	identity := makeIdentity(t)
	_, packed, err := bundle.Assemble(identity, 1, bundle.Durable, time.Now(), makeRecords(identity.DeviceId, 1))
	if nil != err {
		t.Fatalf("assemble error: %s", err)
	}

	// flip one bit of the signature
	packed[len(packed)-1] ^= 0x01
	_, err = packed.Unpack()
	if fault.ErrBundleSignature != err {
		t.Errorf("error: %v  expected: %v", err, fault.ErrBundleSignature)
	}
}

// a tampered body must invalidate the signature
func TestUnpackTamperedBody(t *testing.T) {

	identity := makeIdentity(t)
	_, packed, err := bundle.Assemble(identity, 2, bundle.Emergency, time.Now(), makeRecords(identity.DeviceId, 2))
	if nil != err {
		t.Fatalf("assemble error: %s", err)
	}

	packed[30] ^= 0xff
	_, err = packed.Unpack()
	if nil == err {
		t.Errorf("tampered bundle accepted")
	}
}

// a signing key that does not hash to the origin id must be rejected
func TestUnpackForgedOrigin(t *testing.T) {

	identity := makeIdentity(t)
	forger := makeIdentity(t)

	// records claim the victim's origin, signed by the forger
	records := makeRecords(identity.DeviceId, 1)
	_, packed, err := bundle.Assemble(forger, 3, bundle.Durable, time.Now(), records)
	if nil != err {
		t.Fatalf("assemble error: %s", err)
	}

	// overwrite the origin half of the bundle id with the victim's
	copy(packed[1:9], identity.DeviceId[:])
	_, err = packed.Unpack()
	if fault.ErrBundleSignature != err {
		t.Errorf("error: %v  expected: %v", err, fault.ErrBundleSignature)
	}
}

// incompatible version byte must be rejected, not misinterpreted
func TestUnpackWrongVersion(t *testing.T) {

	identity := makeIdentity(t)
	_, packed, err := bundle.Assemble(identity, 4, bundle.Durable, time.Now(), makeRecords(identity.DeviceId, 1))
	if nil != err {
		t.Fatalf("assemble error: %s", err)
	}

	packed[0] = 0x7f
	_, err = packed.Unpack()
	if fault.ErrBundleVersion != err {
		t.Errorf("error: %v  expected: %v", err, fault.ErrBundleVersion)
	}
}

// truncated buffers must not panic
func TestUnpackTruncated(t *testing.T) {

	identity := makeIdentity(t)
	_, packed, err := bundle.Assemble(identity, 5, bundle.Durable, time.Now(), makeRecords(identity.DeviceId, 2))
	if nil != err {
		t.Fatalf("assemble error: %s", err)
	}

	for _, i := range []int{0, 1, 10, 27, 40, len(packed) - 1} {
		if i >= len(packed) {
			continue
		}
		_, err := packed[:i].Unpack()
		if nil == err {
			t.Errorf("truncation at: %d accepted", i)
		}
	}
}

// expiry bookkeeping
func TestExpiry(t *testing.T) {

	identity := makeIdentity(t)
	createdAt := time.Now().Add(-7 * time.Hour)
	b, _, err := bundle.Assemble(identity, 6, bundle.Emergency, createdAt, makeRecords(identity.DeviceId, 1))
	if nil != err {
		t.Fatalf("assemble error: %s", err)
	}

	lifetimes := bundle.DefaultLifetimes()
	if !b.Expired(time.Now(), lifetimes) {
		t.Errorf("seven hour old emergency bundle not expired")
	}
	if b.RemainingTTL(time.Now(), lifetimes) > 0 {
		t.Errorf("expired bundle has remaining ttl")
	}

	// the same age is fine for a durable bundle
	d, _, err := bundle.Assemble(identity, 7, bundle.Durable, createdAt, makeRecords(identity.DeviceId, 1))
	if nil != err {
		t.Fatalf("assemble error: %s", err)
	}
	if d.Expired(time.Now(), lifetimes) {
		t.Errorf("young durable bundle expired")
	}
}
