// SPDX-License-Identifier: ISC
// Copyright (c) 2023-2026 Solarpunk Mesh Collective
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package mutation - the record of one logical change to a shared entity
//
// mutation records are immutable once appended to the outbox; they are
// batched into bundles for transfer and replayed by the merge engine
package mutation

import (
	"github.com/solarpunk-mesh/meshd/device"
)

// Operation - the kind of change
type Operation uint64

// enumerate the possible operations
// this is encoded as a Varint64 inside a packed record
const (
	Insert Operation = iota
	Update
	Delete
	invalidOperation
)

// Kind - tag for the payload union
//
// known kinds may be interpreted by the application layer; Opaque is
// stored and forwarded but never interpreted, which keeps older
// devices able to carry newer records
type Kind uint64

// enumerate the payload kinds
const (
	Opaque Kind = iota
	Listing
	Match
	Exchange

	// this item must be last
	unknownKind
)

// byte sizes for various fields
const (
	maxEntityTableLength = 64
	maxEntityIdLength    = 256
	maxPayloadLength     = 32768
)

// Record - one logical change
type Record struct {
	EntityTable  string    `json:"entityTable"`  // utf-8 name of the shared table
	EntityId     []byte    `json:"entityId"`     // application chosen key
	Operation    Operation `json:"operation"`    // insert, update or delete
	PayloadKind  Kind      `json:"payloadKind"`  // tagged union selector
	Payload      []byte    `json:"payload"`      // opaque bytes
	Origin       device.ID `json:"origin"`       // originating device
	LogicalClock uint64    `json:"logicalClock"` // per-device Lamport scalar
}

// Packed - packed records are just a byte slice
type Packed []byte

// Known - check if the payload kind is one this build understands
//
// unknown kinds are still valid records; they are treated as Opaque
func (kind Kind) Known() bool {
	return kind < unknownKind
}

// String - name of an operation
func (operation Operation) String() string {
	switch operation {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return "*unknown*"
	}
}

// Supersedes - deterministic conflict order between two records for
// the same entity
//
// higher logical clock wins; on a tie the lexicographically larger
// origin device id wins. Arrival order never participates, so every
// device resolves the same way.
func (record *Record) Supersedes(other *Record) bool {
	if record.LogicalClock != other.LogicalClock {
		return record.LogicalClock > other.LogicalClock
	}
	return record.Origin.Compare(other.Origin) > 0
}
