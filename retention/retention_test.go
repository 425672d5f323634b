// SPDX-License-Identifier: ISC
// Copyright (c) 2023-2026 Solarpunk Mesh Collective
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package retention_test

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
	"github.com/solarpunk-mesh/meshd/retention"
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

type fixture struct {
	store    *storage.Store
	held     *holding.Store
	identity *device.Identity
	now      time.Time
}

func setup(t *testing.T) *fixture {
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.leveldb"))
	if nil != err {
		t.Fatalf("storage open error: %s", err)
	}
	identity, err := device.NewIdentity()
	if nil != err {
		t.Fatalf("identity error: %s", err)
	}
	return &fixture{
		store:    store,
		held:     holding.New(store),
		identity: identity,
		now:      time.Now().UTC(),
	}
}

// hold a bundle created age ago; returns its id and packed size
func (f *fixture) hold(t *testing.T, sequence uint64, class bundle.TTLClass, age time.Duration) (bundle.ID, int) {
	records := []*mutation.Record{{
		EntityTable:  "listings",
		EntityId:     []byte{byte(sequence)},
		Operation:    mutation.Insert,
		PayloadKind:  mutation.Listing,
		Payload:      []byte("payload"),
		Origin:       f.identity.DeviceId,
		LogicalClock: sequence,
	}}
	b, packed, err := bundle.Assemble(f.identity, sequence, class, f.now.Add(-age), records)
	if nil != err {
		t.Fatalf("assemble error: %s", err)
	}
	f.held.Put(b, packed)
	return b.BundleId, len(packed)
}

func TestExpiredEvictedFirst(t *testing.T) {
	f := setup(t)
	defer f.store.Close()

	lifetimes := bundle.DefaultLifetimes()
	expired, _ := f.hold(t, 1, bundle.Perishable, lifetimes.For(bundle.Perishable)+time.Hour)
	live, _ := f.hold(t, 2, bundle.Perishable, time.Hour)

	// generous budget, only expiry applies
	cleaner := retention.New(f.held, lifetimes, 1<<30, time.Minute)
	evicted, err := cleaner.Cycle(f.now)
	if nil != err {
		t.Fatalf("cycle error: %s", err)
	}
	if 1 != evicted {
		t.Fatalf("evicted: %d  expected: 1", evicted)
	}
	if f.held.Have(expired) {
		t.Errorf("expired bundle survived")
	}
	if !f.held.Have(live) {
		t.Errorf("live bundle evicted")
	}
}

// over budget the lowest class gives way before higher ones
func TestClassPrecedence(t *testing.T) {
	f := setup(t)
	defer f.store.Close()

	durable, size := f.hold(t, 1, bundle.Durable, time.Hour)
	perishable, _ := f.hold(t, 2, bundle.Perishable, time.Hour)
	emergency, _ := f.hold(t, 3, bundle.Emergency, time.Hour)

	// mark the emergency propagated so it is a normal candidate
	peer, _ := device.NewIdentity()
	f.held.MarkPropagated(emergency, peer.DeviceId)

	// budget fits two of the three
	cleaner := retention.New(f.held, bundle.DefaultLifetimes(), uint64(2*size), time.Minute)
	if _, err := cleaner.Cycle(f.now); nil != err {
		t.Fatalf("cycle error: %s", err)
	}

	if f.held.Have(durable) {
		t.Errorf("durable survived over higher classes")
	}
	if !f.held.Have(perishable) || !f.held.Have(emergency) {
		t.Errorf("higher class evicted before durable")
	}
}

// forwarded bundles are preferred eviction victims over unforwarded
func TestForwardedPreferred(t *testing.T) {
	f := setup(t)
	defer f.store.Close()

	forwarded, size := f.hold(t, 1, bundle.Durable, 2*time.Hour)
	waiting, _ := f.hold(t, 2, bundle.Durable, time.Hour)

	peer, _ := device.NewIdentity()
	f.held.MarkMerged(forwarded)
	f.held.MarkPropagated(forwarded, peer.DeviceId)

	cleaner := retention.New(f.held, bundle.DefaultLifetimes(), uint64(size), time.Minute)
	if _, err := cleaner.Cycle(f.now); nil != err {
		t.Fatalf("cycle error: %s", err)
	}

	if f.held.Have(forwarded) {
		t.Errorf("forwarded bundle survived")
	}
	if !f.held.Have(waiting) {
		t.Errorf("unforwarded bundle evicted first")
	}
}

// an unpropagated emergency bundle outlives everything but real pressure
func TestEmergencyLastResort(t *testing.T) {
	f := setup(t)
	defer f.store.Close()

	emergency, size := f.hold(t, 1, bundle.Emergency, time.Hour)
	durable, _ := f.hold(t, 2, bundle.Durable, time.Hour)

	cleaner := retention.New(f.held, bundle.DefaultLifetimes(), uint64(size), time.Minute)
	if _, err := cleaner.Cycle(f.now); nil != err {
		t.Fatalf("cycle error: %s", err)
	}

	if !f.held.Have(emergency) {
		t.Errorf("unpropagated emergency evicted while others remained")
	}
	if f.held.Have(durable) {
		t.Errorf("durable survived instead of emergency")
	}

	// with nothing else left, last resort pressure applies
	cleaner = retention.New(f.held, bundle.DefaultLifetimes(), 1, time.Minute)
	if _, err := cleaner.Cycle(f.now); nil != err {
		t.Fatalf("cycle error: %s", err)
	}
	if f.held.Have(emergency) {
		t.Errorf("emergency survived last resort pressure")
	}
}

func TestOldestFirstWithinClass(t *testing.T) {
	f := setup(t)
	defer f.store.Close()

	older, size := f.hold(t, 1, bundle.Durable, 3*time.Hour)
	newer, _ := f.hold(t, 2, bundle.Durable, time.Hour)

	cleaner := retention.New(f.held, bundle.DefaultLifetimes(), uint64(size), time.Minute)
	if _, err := cleaner.Cycle(f.now); nil != err {
		t.Fatalf("cycle error: %s", err)
	}

	if f.held.Have(older) {
		t.Errorf("older bundle survived")
	}
	if !f.held.Have(newer) {
		t.Errorf("newer bundle evicted first")
	}
}
