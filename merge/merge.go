// SPDX-License-Identifier: ISC
// Copyright (c) 2023-2026 Solarpunk Mesh Collective
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package merge - folds accepted bundles into local entity state
//
// resolution is a total deterministic order over records: higher
// logical clock wins, ties broken by the larger origin device id.
// arrival order never participates, so any two devices that have seen
// the same records hold the same state.  delete records are kept as
// tombstones so an older update arriving later cannot resurrect the
// entity.  losing writes are retained in a bounded per-entity audit
// trail.
package merge

import (
	"sync"

	"github.com/bitmark-inc/logger"

	"github.com/solarpunk-mesh/meshd/bundle"
	"github.com/solarpunk-mesh/meshd/dedup"
	"github.com/solarpunk-mesh/meshd/fault"
	"github.com/solarpunk-mesh/meshd/mutation"
	"github.com/solarpunk-mesh/meshd/storage"
	"github.com/solarpunk-mesh/meshd/util"
)

// AuditLimit - losing writes retained per entity, oldest evicted first
const AuditLimit = 16

// ClockObserver - sink for logical clock values seen on foreign records
type ClockObserver interface {
	ObserveClock(remote uint64)
}

// Result - outcome of applying one bundle
type Result struct {
	Duplicate  bool // bundle had been merged before, nothing changed
	Applied    int  // records that became current entity state
	Superseded int  // records that lost resolution and went to audit
}

// Engine - the merge engine for one device
type Engine struct {
	sync.Mutex

	log   *logger.L
	store *storage.Store
	index *dedup.Index
	clock ClockObserver
}

// New - create a merge engine over its pools
func New(store *storage.Store, index *dedup.Index, clock ClockObserver) *Engine {
	return &Engine{
		log:   logger.New("merge"),
		store: store,
		index: index,
		clock: clock,
	}
}

// Apply - merge an accepted bundle's records into entity state
//
// applying the same bundle twice is a no-op; records are processed in
// their in-bundle order
func (engine *Engine) Apply(b *bundle.Bundle) (*Result, error) {
	engine.Lock()
	defer engine.Unlock()

	if engine.index.Seen(b.BundleId) {
		return &Result{Duplicate: true}, nil
	}

	result := &Result{}
	highest := uint64(0)

	for _, record := range b.Records {
		if record.LogicalClock > highest {
			highest = record.LogicalClock
		}
		won, err := engine.resolve(record)
		if nil != err {
			return nil, err
		}
		if won {
			result.Applied += 1
		} else {
			result.Superseded += 1
		}
	}

	engine.index.Mark(b.BundleId)
	if highest > 0 && nil != engine.clock {
		engine.clock.ObserveClock(highest)
	}

	engine.log.Infof("apply: %s  applied: %d  superseded: %d", b.BundleId, result.Applied, result.Superseded)
	return result, nil
}

// ApplySnapshot - fold entity records fetched from a trusted peer
// during full-state resynchronisation
//
// snapshot records go through the same deterministic resolution as
// bundled ones, so replaying a snapshot over partial local state is
// safe
func (engine *Engine) ApplySnapshot(records []*mutation.Record) (*Result, error) {
	engine.Lock()
	defer engine.Unlock()

	result := &Result{}
	highest := uint64(0)

	for _, record := range records {
		if record.LogicalClock > highest {
			highest = record.LogicalClock
		}
		won, err := engine.resolve(record)
		if nil != err {
			return nil, err
		}
		if won {
			result.Applied += 1
		} else {
			result.Superseded += 1
		}
	}
	if highest > 0 && nil != engine.clock {
		engine.clock.ObserveClock(highest)
	}
	return result, nil
}

// Snapshot - walk current entity state in storage order
//
// feeds the serving side of a resynchronisation; after returns false
// to stop early
func (engine *Engine) Snapshot(after []byte, limit int) (records []*mutation.Record, keys [][]byte, err error) {
	cursor := engine.store.Entities.NewFetchCursor()
	if 0 != len(after) {
		next := append(append([]byte{}, after...), 0x00)
		cursor.Seek(next)
	}

	elements, err := cursor.Fetch(limit)
	if nil != err {
		return nil, nil, err
	}
	for _, element := range elements {
		record, n, err := mutation.Packed(element.Value).Unpack()
		if nil != err || n != len(element.Value) {
			return nil, nil, fault.ErrStorageCorruption
		}
		records = append(records, record)
		keys = append(keys, element.Key)
	}
	return records, keys, nil
}

// resolve one record against current entity state, true if it won
func (engine *Engine) resolve(record *mutation.Record) (bool, error) {
	key := entityKey(record.EntityTable, record.EntityId)

	currentPacked := engine.store.Entities.Get(key)
	if nil == currentPacked {
		return true, engine.install(key, record)
	}

	current, n, err := mutation.Packed(currentPacked).Unpack()
	if nil != err || n != len(currentPacked) {
		return false, fault.ErrStorageCorruption
	}

	// identical origin and clock means the same write seen again
	if record.LogicalClock == current.LogicalClock && 0 == record.Origin.Compare(current.Origin) {
		return true, nil
	}

	if record.Supersedes(current) {
		if err := engine.audit(key, current); nil != err {
			return false, err
		}
		return true, engine.install(key, record)
	}

	return false, engine.audit(key, record)
}

func (engine *Engine) install(key []byte, record *mutation.Record) error {
	packed, err := record.Pack()
	if nil != err {
		return err
	}
	engine.store.Entities.Put(key, packed)
	return nil
}

// append a losing write to the entity's audit trail, dropping the
// oldest entry past the limit
func (engine *Engine) audit(key []byte, record *mutation.Record) error {
	packed, err := record.Pack()
	if nil != err {
		return err
	}

	trail := engine.store.Audit.Get(key)
	trail = append(trail, packed...)

	// trim from the front while over the limit
	count, err := countChain(trail)
	if nil != err {
		return fault.ErrStorageCorruption
	}
	for count > AuditLimit {
		_, n, err := mutation.Packed(trail).Unpack()
		if nil != err {
			return fault.ErrStorageCorruption
		}
		trail = trail[n:]
		count -= 1
	}

	engine.store.Audit.Put(key, trail)
	return nil
}

// Entity - current state of an entity, false if never written
//
// a delete tombstone is still a record; callers see Operation ==
// mutation.Delete and treat the entity as absent
func (engine *Engine) Entity(entityTable string, entityId []byte) (*mutation.Record, bool) {
	packed := engine.store.Entities.Get(entityKey(entityTable, entityId))
	if nil == packed {
		return nil, false
	}
	record, n, err := mutation.Packed(packed).Unpack()
	if nil != err || n != len(packed) {
		logger.Panicf("merge: corrupt entity state for: %s/%x", entityTable, entityId)
	}
	return record, true
}

// AuditTrail - retained losing writes for an entity, oldest first
func (engine *Engine) AuditTrail(entityTable string, entityId []byte) ([]*mutation.Record, error) {
	trail := engine.store.Audit.Get(entityKey(entityTable, entityId))

	records := []*mutation.Record{}
	for 0 != len(trail) {
		record, n, err := mutation.Packed(trail).Unpack()
		if nil != err {
			return nil, fault.ErrStorageCorruption
		}
		records = append(records, record)
		trail = trail[n:]
	}
	return records, nil
}

// count the records in a packed chain
func countChain(chain []byte) (int, error) {
	count := 0
	for 0 != len(chain) {
		_, n, err := mutation.Packed(chain).Unpack()
		if nil != err {
			return 0, err
		}
		chain = chain[n:]
		count += 1
	}
	return count, nil
}

// storage key for an entity: varint table length, table, entity id
func entityKey(entityTable string, entityId []byte) []byte {
	key := util.ToVarint64(uint64(len(entityTable)))
	key = append(key, entityTable...)
	return append(key, entityId...)
}
