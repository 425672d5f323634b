// SPDX-License-Identifier: ISC
// Copyright (c) 2023-2026 Solarpunk Mesh Collective
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package outbox - durable append-only log of locally originated mutations
//
// every local change enters the system here.  the log assigns each
// record a sequence number and a Lamport clock value before it is
// persisted; both counters survive restarts.  appends are single
// writer, reads may run concurrently.
package outbox

import (
	"encoding/binary"
	"sync"

	"github.com/bitmark-inc/logger"

	"github.com/solarpunk-mesh/meshd/device"
	"github.com/solarpunk-mesh/meshd/fault"
	"github.com/solarpunk-mesh/meshd/mutation"
	"github.com/solarpunk-mesh/meshd/storage"
)

// named counters in the state pool
var (
	sequenceKey = []byte("outbox.sequence")
	sealedKey   = []byte("outbox.sealed")
	clockKey    = []byte("lamport.clock")
)

// Log - the per-device mutation log
type Log struct {
	sync.Mutex // to keep appends single writer

	log    *logger.L
	origin device.ID
	store  *storage.Store

	// cached counters, authoritative copy is the state pool
	nextSequence uint64
	sealed       uint64
	clock        uint64
}

// Entry - a stored mutation and its position in the log
type Entry struct {
	Sequence uint64
	Record   *mutation.Record
}

// New - open the mutation log backed by its storage pools
func New(origin device.ID, store *storage.Store) *Log {
	l := &Log{
		log:    logger.New("outbox"),
		origin: origin,
		store:  store,
	}
	if n, ok := store.State.GetN(sequenceKey); ok {
		l.nextSequence = n
	} else {
		l.nextSequence = 1
	}
	if n, ok := store.State.GetN(sealedKey); ok {
		l.sealed = n
	}
	if n, ok := store.State.GetN(clockKey); ok {
		l.clock = n
	}
	l.log.Infof("opened: next sequence: %d  clock: %d", l.nextSequence, l.clock)
	return l
}

// Append - record a local change
//
// assigns the next sequence number and ticks the Lamport clock; the
// returned record is ready for bundling
func (l *Log) Append(entityTable string, entityId []byte, operation mutation.Operation, kind mutation.Kind, payload []byte) (*mutation.Record, uint64, error) {
	l.Lock()
	defer l.Unlock()

	l.clock += 1

	record := &mutation.Record{
		EntityTable:  entityTable,
		EntityId:     entityId,
		Operation:    operation,
		PayloadKind:  kind,
		Payload:      payload,
		Origin:       l.origin,
		LogicalClock: l.clock,
	}

	packed, err := record.Pack()
	if nil != err {
		l.clock -= 1
		return nil, 0, err
	}

	sequence := l.nextSequence
	l.store.Outbox.Put(sequenceKeyBytes(sequence), packed)
	l.store.State.PutN(clockKey, l.clock)
	l.nextSequence += 1
	l.store.State.PutN(sequenceKey, l.nextSequence)

	l.log.Debugf("append: sequence: %d  %s %s/%x", sequence, operation, entityTable, entityId)
	return record, sequence, nil
}

// ObserveClock - Lamport merge with a clock value seen on a foreign record
//
// called by the merge engine so later local changes supersede anything
// already witnessed
func (l *Log) ObserveClock(remote uint64) {
	l.Lock()
	defer l.Unlock()

	if remote > l.clock {
		l.clock = remote
		l.store.State.PutN(clockKey, l.clock)
	}
}

// Clock - current Lamport clock value
func (l *Log) Clock() uint64 {
	l.Lock()
	defer l.Unlock()
	return l.clock
}

// NextSequence - sequence number the next append will receive
func (l *Log) NextSequence() uint64 {
	l.Lock()
	defer l.Unlock()
	return l.nextSequence
}

// ReadSince - fetch up to count entries starting at a sequence number
func (l *Log) ReadSince(sequence uint64, count int) ([]Entry, error) {
	elements, err := l.store.Outbox.NewFetchCursor().Seek(sequenceKeyBytes(sequence)).Fetch(count)
	if nil != err {
		return nil, err
	}

	entries := make([]Entry, 0, len(elements))
	for _, element := range elements {
		if 8 != len(element.Key) {
			return nil, fault.ErrStorageCorruption
		}
		record, n, err := mutation.Packed(element.Value).Unpack()
		if nil != err {
			return nil, fault.ErrStorageCorruption
		}
		if n != len(element.Value) {
			return nil, fault.ErrStorageCorruption
		}
		entries = append(entries, Entry{
			Sequence: binary.BigEndian.Uint64(element.Key),
			Record:   record,
		})
	}
	return entries, nil
}

// Unsealed - entries appended since the last sealed bundle
func (l *Log) Unsealed(limit int) ([]Entry, error) {
	l.Lock()
	sealed := l.sealed
	l.Unlock()
	return l.ReadSince(sealed+1, limit)
}

// MarkSealed - advance the sealed watermark after bundling
//
// entries at or below the watermark have been captured in a bundle and
// will not be bundled again
func (l *Log) MarkSealed(sequence uint64) {
	l.Lock()
	defer l.Unlock()

	if sequence > l.sealed {
		l.sealed = sequence
		l.store.State.PutN(sealedKey, l.sealed)
	}
}

// Sealed - current sealed watermark
func (l *Log) Sealed() uint64 {
	l.Lock()
	defer l.Unlock()
	return l.sealed
}

func sequenceKeyBytes(sequence uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, sequence)
	return key
}
