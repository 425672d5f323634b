// SPDX-License-Identifier: ISC
// Copyright (c) 2023-2026 Solarpunk Mesh Collective
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package dedup - persistent record of bundle ids already merged
//
// membership is monotonic: once a bundle id is marked the mark is
// never removed, even after the bundle data itself has been reclaimed
// by retention.  a hot cache in front of the database absorbs the
// repeated lookups produced by chatty neighbours re-offering the same
// inventory.
package dedup

import (
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/solarpunk-mesh/meshd/bundle"
	"github.com/solarpunk-mesh/meshd/storage"
)

const (
	hotExpiry  = 30 * time.Minute
	hotCleanup = time.Hour
)

// Index - seen-set for incoming bundles
type Index struct {
	pool *storage.PoolHandle
	hot  *cache.Cache
}

// New - attach a dedup index to its storage pool
func New(store *storage.Store) *Index {
	return &Index{
		pool: store.Dedup,
		hot:  cache.New(hotExpiry, hotCleanup),
	}
}

// Seen - true if the bundle was already merged at some point
func (index *Index) Seen(bundleId bundle.ID) bool {
	key := bundleId.String()
	if _, found := index.hot.Get(key); found {
		return true
	}
	if index.pool.Has(bundleId[:]) {
		index.hot.Set(key, struct{}{}, cache.DefaultExpiration)
		return true
	}
	return false
}

// Mark - record a bundle id as merged
//
// marking an already marked id is a no-op
func (index *Index) Mark(bundleId bundle.ID) {
	index.pool.Put(bundleId[:], []byte{})
	index.hot.Set(bundleId.String(), struct{}{}, cache.DefaultExpiration)
}
