// SPDX-License-Identifier: ISC
// Copyright (c) 2023-2026 Solarpunk Mesh Collective
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package bundle - the immutable, signed transfer unit
//
// a bundle carries one or more mutation records from its origin device
// across intermittent contacts until every reachable replica holds it;
// it is never modified after creation, only marked in local bookkeeping
package bundle

import (
	"encoding/binary"
	"encoding/hex"
	"time"

	"golang.org/x/crypto/ed25519"

	"github.com/solarpunk-mesh/meshd/device"
	"github.com/solarpunk-mesh/meshd/mutation"
)

// Version - current bundle wire format version
const Version = 0x01

// IdLength - bytes in a bundle id
const IdLength = 16

// ID - globally unique bundle identifier
//
// origin device id (8 bytes) followed by the origin sequence number
// (8 bytes big endian)
type ID [IdLength]byte

// TTLClass - urgency and lifetime category
type TTLClass uint8

// enumerate the TTL classes in descending propagation priority
const (
	Emergency TTLClass = iota
	Perishable
	Durable
	invalidClass
)

// Lifetimes - per-class default lifetimes
//
// supplied by the role configuration; zero values fall back to the
// built-in defaults
type Lifetimes struct {
	Emergency  time.Duration `gluamapper:"emergency"`
	Perishable time.Duration `gluamapper:"perishable"`
	Durable    time.Duration `gluamapper:"durable"`
}

// DefaultLifetimes - the built-in lifetime table
func DefaultLifetimes() Lifetimes {
	return Lifetimes{
		Emergency:  6 * time.Hour,
		Perishable: 72 * time.Hour,
		Durable:    30 * 24 * time.Hour,
	}
}

// For - lifetime of a class
func (lifetimes Lifetimes) For(class TTLClass) time.Duration {
	switch class {
	case Emergency:
		return lifetimes.Emergency
	case Perishable:
		return lifetimes.Perishable
	default:
		return lifetimes.Durable
	}
}

// Bundle - the unpacked transfer unit
type Bundle struct {
	Version   uint8              `json:"version"`
	BundleId  ID                 `json:"id"`
	Class     TTLClass           `json:"ttlClass"`
	CreatedAt time.Time          `json:"createdAt"`
	Records   []*mutation.Record `json:"records"`
	PublicKey ed25519.PublicKey  `json:"publicKey"` // origin signing key
	Signature []byte             `json:"signature"` // over header and records
}

// Packed - packed bundles are just a byte slice
type Packed []byte

// NewID - compose a bundle id
func NewID(origin device.ID, sequence uint64) ID {
	id := ID{}
	copy(id[:device.IdLength], origin[:])
	binary.BigEndian.PutUint64(id[device.IdLength:], sequence)
	return id
}

// Origin - the originating device of a bundle id
func (id ID) Origin() device.ID {
	origin := device.ID{}
	copy(origin[:], id[:device.IdLength])
	return origin
}

// Sequence - the origin sequence number of a bundle id
func (id ID) Sequence() uint64 {
	return binary.BigEndian.Uint64(id[device.IdLength:])
}

// String - hex representation of a bundle id
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Valid - check the class is one of the defined values
func (class TTLClass) Valid() bool {
	return class < invalidClass
}

// String - name of a TTL class
func (class TTLClass) String() string {
	switch class {
	case Emergency:
		return "emergency"
	case Perishable:
		return "perishable"
	case Durable:
		return "durable"
	default:
		return "*unknown*"
	}
}

// Origin - the originating device of a bundle
func (b *Bundle) Origin() device.ID {
	return b.BundleId.Origin()
}

// ExpiresAt - absolute expiry instant under a lifetime table
func (b *Bundle) ExpiresAt(lifetimes Lifetimes) time.Time {
	return b.CreatedAt.Add(lifetimes.For(b.Class))
}

// Expired - check local age against the class lifetime
func (b *Bundle) Expired(now time.Time, lifetimes Lifetimes) bool {
	return now.After(b.ExpiresAt(lifetimes))
}

// RemainingTTL - time left before expiry; negative when expired
func (b *Bundle) RemainingTTL(now time.Time, lifetimes Lifetimes) time.Duration {
	return b.ExpiresAt(lifetimes).Sub(now)
}
