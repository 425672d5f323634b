// SPDX-License-Identifier: ISC
// Copyright (c) 2023-2026 Solarpunk Mesh Collective
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package dedup_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bitmark-inc/logger"

	"github.com/solarpunk-mesh/meshd/bundle"
	"github.com/solarpunk-mesh/meshd/dedup"
	"github.com/solarpunk-mesh/meshd/device"
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

func setup(t *testing.T) (*storage.Store, *dedup.Index) {
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.leveldb"))
	if nil != err {
		t.Fatalf("storage open error: %s", err)
	}
	return store, dedup.New(store)
}

func makeBundleId(t *testing.T, sequence uint64) bundle.ID {
	identity, err := device.NewIdentity()
	if nil != err {
		t.Fatalf("identity error: %s", err)
	}
	return bundle.NewID(identity.DeviceId, sequence)
}

func TestMarkAndSeen(t *testing.T) {
	store, index := setup(t)
	defer store.Close()

	one := makeBundleId(t, 1)
	two := makeBundleId(t, 2)

	if index.Seen(one) {
		t.Errorf("unmarked bundle reported seen")
	}

	index.Mark(one)
	if !index.Seen(one) {
		t.Errorf("marked bundle not seen")
	}
	if index.Seen(two) {
		t.Errorf("mark leaked to a different bundle")
	}

	// double mark must be harmless
	index.Mark(one)
	if !index.Seen(one) {
		t.Errorf("double mark lost membership")
	}
}

// the mark must outlive the process, not just the hot cache
func TestPersistentMembership(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "test.leveldb")

	store, err := storage.Open(dir)
	if nil != err {
		t.Fatalf("storage open error: %s", err)
	}
	bundleId := makeBundleId(t, 7)
	dedup.New(store).Mark(bundleId)
	store.Close()

	store, err = storage.Open(dir)
	if nil != err {
		t.Fatalf("storage reopen error: %s", err)
	}
	defer store.Close()

	if !dedup.New(store).Seen(bundleId) {
		t.Errorf("membership lost across reopen")
	}
}
