// SPDX-License-Identifier: ISC
// Copyright (c) 2023-2026 Solarpunk Mesh Collective
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package holding_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bitmark-inc/logger"

	"github.com/solarpunk-mesh/meshd/bundle"
	"github.com/solarpunk-mesh/meshd/device"
	"github.com/solarpunk-mesh/meshd/holding"
	"github.com/solarpunk-mesh/meshd/mutation"
	"github.com/solarpunk-mesh/meshd/storage"
)

const testingDirName = "testing"

func TestMain(m *testing.M) {
	_ = os.Mkdir(testingDirName, 0700)
	logging := logger.Configuration{
		Directory: testingDirName,
		File:      "testing.log",
		Size:      1048576,
		Count:     10,
		Console:   false,
		Levels: map[string]string{
			logger.DefaultTag: "critical",
		},
	}
	_ = logger.Initialise(logging)

	rc := m.Run()

	logger.Finalise()
	os.RemoveAll(testingDirName)
	os.Exit(rc)
}

func setup(t *testing.T) (*storage.Store, *holding.Store, *device.Identity) {
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.leveldb"))
	if nil != err {
		t.Fatalf("storage open error: %s", err)
	}
	identity, err := device.NewIdentity()
	if nil != err {
		t.Fatalf("identity error: %s", err)
	}
	return store, holding.New(store), identity
}

func makeBundle(t *testing.T, identity *device.Identity, sequence uint64, class bundle.TTLClass) (*bundle.Bundle, bundle.Packed) {
	records := []*mutation.Record{{
		EntityTable:  "listings",
		EntityId:     []byte{byte(sequence)},
		Operation:    mutation.Insert,
		PayloadKind:  mutation.Listing,
		Payload:      []byte("payload"),
		Origin:       identity.DeviceId,
		LogicalClock: sequence,
	}}
	b, packed, err := bundle.Assemble(identity, sequence, class, time.Now(), records)
	if nil != err {
		t.Fatalf("assemble error: %s", err)
	}
	return b, packed
}

func TestPutGetRemove(t *testing.T) {
	store, held, identity := setup(t)
	defer store.Close()

	b, packed := makeBundle(t, identity, 1, bundle.Durable)

	if held.Have(b.BundleId) {
		t.Errorf("empty holdings claim bundle")
	}

	held.Put(b, packed)
	if !held.Have(b.BundleId) {
		t.Fatalf("held bundle not found")
	}

	stored, ok := held.Get(b.BundleId)
	if !ok {
		t.Fatalf("packed bundle missing")
	}
	if _, err := stored.Unpack(); nil != err {
		t.Errorf("stored bundle no longer unpacks: %s", err)
	}

	meta, ok := held.Meta(b.BundleId)
	if !ok {
		t.Fatalf("status missing")
	}
	if bundle.Durable != meta.Class {
		t.Errorf("class: %s  expected: durable", meta.Class)
	}
	if len(packed) != meta.Size {
		t.Errorf("size: %d  expected: %d", meta.Size, len(packed))
	}
	if meta.Merged || 0 != meta.Propagated {
		t.Errorf("fresh bundle has history: %+v", meta)
	}

	if err := held.Remove(b.BundleId); nil != err {
		t.Fatalf("remove error: %s", err)
	}
	if held.Have(b.BundleId) {
		t.Errorf("removed bundle still held")
	}
	if _, ok := held.Get(b.BundleId); ok {
		t.Errorf("removed bundle data still present")
	}
}

func TestStatusTracking(t *testing.T) {
	store, held, identity := setup(t)
	defer store.Close()

	b, packed := makeBundle(t, identity, 1, bundle.Emergency)
	held.Put(b, packed)

	peerOne, _ := device.NewIdentity()
	peerTwo, _ := device.NewIdentity()

	held.MarkMerged(b.BundleId)
	held.MarkPropagated(b.BundleId, peerOne.DeviceId)
	held.MarkPropagated(b.BundleId, peerTwo.DeviceId)

	// the same peer again must not count twice
	held.MarkPropagated(b.BundleId, peerOne.DeviceId)

	meta, ok := held.Meta(b.BundleId)
	if !ok {
		t.Fatalf("status missing")
	}
	if !meta.Merged {
		t.Errorf("merged flag lost")
	}
	if 2 != meta.Propagated {
		t.Errorf("propagated: %d  expected: 2", meta.Propagated)
	}

	// re-holding keeps the status
	held.Put(b, packed)
	meta, _ = held.Meta(b.BundleId)
	if !meta.Merged || 2 != meta.Propagated {
		t.Errorf("re-hold reset status: %+v", meta)
	}
}

func TestAllAndUsedBytes(t *testing.T) {
	store, held, identity := setup(t)
	defer store.Close()

	total := 0
	for i := uint64(1); i <= 3; i += 1 {
		b, packed := makeBundle(t, identity, i, bundle.Perishable)
		held.Put(b, packed)
		total += len(packed)
	}

	// forward markers must not leak into the listing
	peer, _ := device.NewIdentity()
	first := bundle.NewID(identity.DeviceId, 1)
	held.MarkPropagated(first, peer.DeviceId)

	metas, err := held.All()
	if nil != err {
		t.Fatalf("all error: %s", err)
	}
	if 3 != len(metas) {
		t.Fatalf("metas: %d  expected: 3", len(metas))
	}

	used, err := held.UsedBytes()
	if nil != err {
		t.Fatalf("used error: %s", err)
	}
	if uint64(total) != used {
		t.Errorf("used: %d  expected: %d", used, total)
	}

	ids, err := held.Holdings()
	if nil != err {
		t.Fatalf("holdings error: %s", err)
	}
	if 3 != len(ids) {
		t.Errorf("holdings: %d  expected: 3", len(ids))
	}
}
