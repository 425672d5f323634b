// SPDX-License-Identifier: ISC
// Copyright (c) 2023-2026 Solarpunk Mesh Collective
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package holding - the set of bundles a device currently carries
//
// bundles are held in their packed wire form together with a small
// status record.  status tracks two independent facts about a bundle:
// whether its records were merged locally and how many distinct peers
// it has been forwarded to.  a bundle may be propagated without ever
// being merged (trust rejected or opaque relay) and merged without
// ever being propagated.
package holding

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/bitmark-inc/logger"

	"github.com/solarpunk-mesh/meshd/bundle"
	"github.com/solarpunk-mesh/meshd/device"
	"github.com/solarpunk-mesh/meshd/fault"
	"github.com/solarpunk-mesh/meshd/storage"
)

// packed status record layout
//
//	class:u8 | flags:u8 | created_at:i64 BE | stored_at:i64 BE |
//	size:u32 BE | propagated:u32 BE
const statusLength = 1 + 1 + 8 + 8 + 4 + 4

const flagMerged = 0x01

// Meta - status of one held bundle
type Meta struct {
	BundleId   bundle.ID
	Class      bundle.TTLClass
	CreatedAt  time.Time
	StoredAt   time.Time
	Size       int
	Merged     bool
	Propagated uint64
}

// Store - persistent bundle holdings
type Store struct {
	sync.RWMutex

	log   *logger.L
	pools *storage.Store
}

// New - attach holdings to their storage pools
func New(pools *storage.Store) *Store {
	return &Store{
		log:   logger.New("holding"),
		pools: pools,
	}
}

// Put - hold a bundle
//
// re-holding an already held bundle keeps the existing status
func (store *Store) Put(b *bundle.Bundle, packed bundle.Packed) {
	store.Lock()
	defer store.Unlock()

	if store.pools.Status.Has(b.BundleId[:]) {
		return
	}

	store.pools.Bundles.Put(b.BundleId[:], packed)
	store.pools.Status.Put(b.BundleId[:], packStatus(&Meta{
		Class:     b.Class,
		CreatedAt: b.CreatedAt,
		StoredAt:  time.Now().UTC(),
		Size:      len(packed),
	}))
	store.log.Debugf("hold: %s  class: %s  size: %d", b.BundleId, b.Class, len(packed))
}

// Get - fetch the packed form of a held bundle
func (store *Store) Get(bundleId bundle.ID) (bundle.Packed, bool) {
	store.RLock()
	defer store.RUnlock()

	packed := store.pools.Bundles.Get(bundleId[:])
	if nil == packed {
		return nil, false
	}
	return bundle.Packed(packed), true
}

// Have - membership test
func (store *Store) Have(bundleId bundle.ID) bool {
	store.RLock()
	defer store.RUnlock()
	return store.pools.Status.Has(bundleId[:])
}

// Meta - status of a held bundle
func (store *Store) Meta(bundleId bundle.ID) (*Meta, bool) {
	store.RLock()
	defer store.RUnlock()
	return store.meta(bundleId)
}

// internal: caller holds the lock
func (store *Store) meta(bundleId bundle.ID) (*Meta, bool) {
	packed := store.pools.Status.Get(bundleId[:])
	if nil == packed {
		return nil, false
	}
	meta, err := unpackStatus(packed)
	if nil != err {
		logger.Panicf("holding: corrupt status for: %s", bundleId)
	}
	meta.BundleId = bundleId
	return meta, true
}

// All - status of every held bundle
func (store *Store) All() ([]*Meta, error) {
	store.RLock()
	defer store.RUnlock()

	metas := []*Meta{}
	err := store.pools.Status.NewFetchCursor().Map(func(key []byte, value []byte) error {
		if bundle.IdLength != len(key) {
			return nil // forward marker, not a status record
		}
		meta, err := unpackStatus(value)
		if nil != err {
			return err
		}
		copy(meta.BundleId[:], key)
		metas = append(metas, meta)
		return nil
	})
	if nil != err {
		return nil, err
	}
	return metas, nil
}

// Holdings - ids of every held bundle, for inventory summaries
func (store *Store) Holdings() ([]bundle.ID, error) {
	metas, err := store.All()
	if nil != err {
		return nil, err
	}
	ids := make([]bundle.ID, len(metas))
	for i, meta := range metas {
		ids[i] = meta.BundleId
	}
	return ids, nil
}

// UsedBytes - total packed size of all held bundles
func (store *Store) UsedBytes() (uint64, error) {
	metas, err := store.All()
	if nil != err {
		return 0, err
	}
	total := uint64(0)
	for _, meta := range metas {
		total += uint64(meta.Size)
	}
	return total, nil
}

// MarkMerged - record that the bundle's records were applied locally
func (store *Store) MarkMerged(bundleId bundle.ID) {
	store.Lock()
	defer store.Unlock()

	meta, ok := store.meta(bundleId)
	if !ok {
		return
	}
	if meta.Merged {
		return
	}
	meta.Merged = true
	store.pools.Status.Put(bundleId[:], packStatus(meta))
}

// MarkPropagated - record a successful forward to a peer
//
// forwarding to the same peer twice counts once
func (store *Store) MarkPropagated(bundleId bundle.ID, peer device.ID) {
	store.Lock()
	defer store.Unlock()

	meta, ok := store.meta(bundleId)
	if !ok {
		return
	}

	marker := forwardMarker(bundleId, peer)
	if store.pools.Status.Has(marker) {
		return
	}
	store.pools.Status.Put(marker, []byte{})
	meta.Propagated += 1
	store.pools.Status.Put(bundleId[:], packStatus(meta))
}

// Remove - drop a bundle, its status and its forward markers
func (store *Store) Remove(bundleId bundle.ID) error {
	store.Lock()
	defer store.Unlock()

	store.pools.Bundles.Delete(bundleId[:])
	store.pools.Status.Delete(bundleId[:])

	// sweep the forward markers sharing the id prefix
	markers := [][]byte{}
	err := store.pools.Status.NewFetchCursor().Seek(bundleId[:]).Map(func(key []byte, value []byte) error {
		var prefix bundle.ID
		copy(prefix[:], key)
		if len(key) < bundle.IdLength || prefix != bundleId {
			return storage.ErrStopIteration
		}
		if len(key) == bundle.IdLength+device.IdLength {
			markers = append(markers, append([]byte{}, key...))
		}
		return nil
	})
	if nil != err {
		return err
	}
	for _, marker := range markers {
		store.pools.Status.Delete(marker)
	}
	store.log.Debugf("drop: %s", bundleId)
	return nil
}

func forwardMarker(bundleId bundle.ID, peer device.ID) []byte {
	marker := make([]byte, 0, bundle.IdLength+device.IdLength)
	marker = append(marker, bundleId[:]...)
	return append(marker, peer[:]...)
}

func packStatus(meta *Meta) []byte {
	packed := make([]byte, statusLength)
	packed[0] = byte(meta.Class)
	if meta.Merged {
		packed[1] |= flagMerged
	}
	binary.BigEndian.PutUint64(packed[2:], uint64(meta.CreatedAt.Unix()))
	binary.BigEndian.PutUint64(packed[10:], uint64(meta.StoredAt.Unix()))
	binary.BigEndian.PutUint32(packed[18:], uint32(meta.Size))
	binary.BigEndian.PutUint32(packed[22:], uint32(meta.Propagated))
	return packed
}

func unpackStatus(packed []byte) (*Meta, error) {
	if statusLength != len(packed) {
		return nil, fault.ErrStorageCorruption
	}
	return &Meta{
		Class:      bundle.TTLClass(packed[0]),
		Merged:     0 != packed[1]&flagMerged,
		CreatedAt:  time.Unix(int64(binary.BigEndian.Uint64(packed[2:])), 0).UTC(),
		StoredAt:   time.Unix(int64(binary.BigEndian.Uint64(packed[10:])), 0).UTC(),
		Size:       int(binary.BigEndian.Uint32(packed[18:])),
		Propagated: uint64(binary.BigEndian.Uint32(packed[22:])),
	}, nil
}
