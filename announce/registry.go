// SPDX-License-Identifier: ISC
// Copyright (c) 2023-2026 Solarpunk Mesh Collective
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package announce - registry of devices this node has learnt about
//
// entries come from rendezvous TXT records, from direct contacts, or
// from the persistent pool on restart.  the registry is arena backed:
// entries live in one slice and every index (device id, area name)
// stores positions into it, so membership in several areas never
// duplicates an entry.
package announce

import (
	"sync"
	"time"

	"github.com/bitmark-inc/logger"

	"github.com/solarpunk-mesh/meshd/device"
	"github.com/solarpunk-mesh/meshd/fault"
	"github.com/solarpunk-mesh/meshd/storage"
	"github.com/solarpunk-mesh/meshd/util"
)

// Entry - one known device
type Entry struct {
	DeviceId     device.ID
	PublicKey    []byte   // 32 byte ed25519, device id derives from it
	TransportKey []byte   // 32 byte curve key for encrypted links
	Listeners    []string // canonical host:port endpoints
	Areas        []string // geographic communities the device serves
	LastContact  time.Time
}

// Registry - arena indexed peer registry
type Registry struct {
	sync.RWMutex

	log   *logger.L
	pool  *storage.PoolHandle
	arena []Entry
	index map[device.ID]int
	areas map[string][]int
}

// NewRegistry - load the registry from its storage pool
func NewRegistry(store *storage.Store) (*Registry, error) {
	registry := &Registry{
		log:   logger.New("announce"),
		pool:  store.Peers,
		index: map[device.ID]int{},
		areas: map[string][]int{},
	}

	err := store.Peers.NewFetchCursor().Map(func(key []byte, value []byte) error {
		deviceId, err := device.IDFromBytes(key)
		if nil != err {
			return fault.ErrStorageCorruption
		}
		entry, err := unpackEntry(deviceId, value)
		if nil != err {
			return err
		}
		registry.insert(*entry)
		return nil
	})
	if nil != err {
		return nil, err
	}
	registry.log.Infof("loaded: %d peers", len(registry.arena))
	return registry, nil
}

// Add - insert or refresh an entry
//
// an existing entry is replaced wholesale, but a newer last contact
// time is never moved backwards
func (registry *Registry) Add(entry Entry) {
	registry.Lock()
	defer registry.Unlock()

	if i, ok := registry.index[entry.DeviceId]; ok {
		if entry.LastContact.Before(registry.arena[i].LastContact) {
			entry.LastContact = registry.arena[i].LastContact
		}
		registry.unindexAreas(i)
		registry.arena[i] = entry
		registry.indexAreas(i)
	} else {
		registry.insert(entry)
	}
	registry.pool.Put(entry.DeviceId[:], packEntry(&entry))
}

// Touch - record a completed contact with a device
func (registry *Registry) Touch(deviceId device.ID, when time.Time) {
	registry.Lock()
	defer registry.Unlock()

	i, ok := registry.index[deviceId]
	if !ok {
		return
	}
	if when.After(registry.arena[i].LastContact) {
		registry.arena[i].LastContact = when
		registry.pool.Put(deviceId[:], packEntry(&registry.arena[i]))
	}
}

// Get - fetch one entry
func (registry *Registry) Get(deviceId device.ID) (Entry, bool) {
	registry.RLock()
	defer registry.RUnlock()

	i, ok := registry.index[deviceId]
	if !ok {
		return Entry{}, false
	}
	return registry.arena[i], true
}

// InArea - every known device serving an area
func (registry *Registry) InArea(area string) []Entry {
	registry.RLock()
	defer registry.RUnlock()

	indices := registry.areas[area]
	entries := make([]Entry, len(indices))
	for n, i := range indices {
		entries[n] = registry.arena[i]
	}
	return entries
}

// All - every known device
func (registry *Registry) All() []Entry {
	registry.RLock()
	defer registry.RUnlock()

	entries := make([]Entry, len(registry.arena))
	copy(entries, registry.arena)
	return entries
}

// Count - number of known devices
func (registry *Registry) Count() int {
	registry.RLock()
	defer registry.RUnlock()
	return len(registry.arena)
}

// Expire - drop devices not contacted within maxAge
func (registry *Registry) Expire(maxAge time.Duration, now time.Time) int {
	registry.Lock()
	defer registry.Unlock()

	dropped := 0
	for i := 0; i < len(registry.arena); {
		entry := registry.arena[i]
		if entry.LastContact.IsZero() || now.Sub(entry.LastContact) <= maxAge {
			i += 1
			continue
		}
		registry.remove(i)
		registry.pool.Delete(entry.DeviceId[:])
		dropped += 1
	}
	if dropped > 0 {
		registry.log.Infof("expired: %d peers", dropped)
	}
	return dropped
}

// internal: caller holds the lock

func (registry *Registry) insert(entry Entry) {
	registry.arena = append(registry.arena, entry)
	i := len(registry.arena) - 1
	registry.index[entry.DeviceId] = i
	registry.indexAreas(i)
}

func (registry *Registry) indexAreas(i int) {
	for _, area := range registry.arena[i].Areas {
		registry.areas[area] = append(registry.areas[area], i)
	}
}

func (registry *Registry) unindexAreas(i int) {
	for _, area := range registry.arena[i].Areas {
		indices := registry.areas[area]
		for n, j := range indices {
			if i == j {
				registry.areas[area] = append(indices[:n], indices[n+1:]...)
				break
			}
		}
		if 0 == len(registry.areas[area]) {
			delete(registry.areas, area)
		}
	}
}

// remove by swapping the last arena slot in, fixing the indices
func (registry *Registry) remove(i int) {
	registry.unindexAreas(i)
	delete(registry.index, registry.arena[i].DeviceId)

	last := len(registry.arena) - 1
	if i != last {
		registry.unindexAreas(last)
		registry.arena[i] = registry.arena[last]
		registry.index[registry.arena[i].DeviceId] = i
		registry.arena = registry.arena[:last]
		registry.indexAreas(i)
	} else {
		registry.arena = registry.arena[:last]
	}
}

// entry storage codec: pubkey, listeners, areas as length prefixed
// fields, last contact as varint unix seconds

func packEntry(entry *Entry) []byte {
	packed := util.ToVarint64(uint64(len(entry.PublicKey)))
	packed = append(packed, entry.PublicKey...)
	packed = append(packed, util.ToVarint64(uint64(len(entry.TransportKey)))...)
	packed = append(packed, entry.TransportKey...)
	packed = append(packed, packStrings(entry.Listeners)...)
	packed = append(packed, packStrings(entry.Areas)...)
	when := uint64(0)
	if !entry.LastContact.IsZero() {
		when = uint64(entry.LastContact.Unix())
	}
	return append(packed, util.ToVarint64(when)...)
}

func packStrings(items []string) []byte {
	packed := util.ToVarint64(uint64(len(items)))
	for _, item := range items {
		packed = append(packed, util.ToVarint64(uint64(len(item)))...)
		packed = append(packed, item...)
	}
	return packed
}

func unpackEntry(deviceId device.ID, packed []byte) (entry *Entry, e error) {
	defer func() {
		if r := recover(); nil != r {
			entry = nil
			e = fault.ErrStorageCorruption
		}
	}()

	entry = &Entry{DeviceId: deviceId}

	length, n := util.FromVarint64(packed)
	packed = packed[n:]
	entry.PublicKey = append([]byte{}, packed[:length]...)
	packed = packed[length:]

	length, n = util.FromVarint64(packed)
	packed = packed[n:]
	entry.TransportKey = append([]byte{}, packed[:length]...)
	packed = packed[length:]

	var err error
	entry.Listeners, packed, err = unpackStrings(packed)
	if nil != err {
		return nil, err
	}
	entry.Areas, packed, err = unpackStrings(packed)
	if nil != err {
		return nil, err
	}

	when, n := util.FromVarint64(packed)
	if 0 == n {
		return nil, fault.ErrStorageCorruption
	}
	if when > 0 {
		entry.LastContact = time.Unix(int64(when), 0).UTC()
	}
	return entry, nil
}

func unpackStrings(packed []byte) ([]string, []byte, error) {
	count, n := util.FromVarint64(packed)
	if 0 == n {
		return nil, nil, fault.ErrStorageCorruption
	}
	packed = packed[n:]

	items := make([]string, 0, count)
	for i := uint64(0); i < count; i += 1 {
		length, n := util.FromVarint64(packed)
		if 0 == n {
			return nil, nil, fault.ErrStorageCorruption
		}
		packed = packed[n:]
		if uint64(len(packed)) < length {
			return nil, nil, fault.ErrStorageCorruption
		}
		items = append(items, string(packed[:length]))
		packed = packed[length:]
	}
	return items, packed, nil
}
