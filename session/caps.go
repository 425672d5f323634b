// SPDX-License-Identifier: ISC
// Copyright (c) 2023-2026 Solarpunk Mesh Collective
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package session

import (
	"github.com/solarpunk-mesh/meshd/bundle"
	"github.com/solarpunk-mesh/meshd/fault"
	"github.com/solarpunk-mesh/meshd/util"
)

// Capabilities - what one side can handle during a contact
//
// both sides exchange these after the handshake and run the rest of
// the session against the pairwise minimum, so neither propagation
// engine ever selects what the other cannot take
type Capabilities struct {
	MaxBundleBytes uint64 // largest single bundle accepted
	ByteBudget     uint64 // total transfer bytes this contact
	BundleBudget   uint64 // total bundles this contact
	Classes        uint8  // bitmask of accepted ttl classes
}

// class bitmask bits
const (
	ClassBitEmergency  = 1 << uint(bundle.Emergency)
	ClassBitPerishable = 1 << uint(bundle.Perishable)
	ClassBitDurable    = 1 << uint(bundle.Durable)

	ClassBitAll = ClassBitEmergency | ClassBitPerishable | ClassBitDurable
)

// Accepts - does the capability set take a class
func (caps *Capabilities) Accepts(class bundle.TTLClass) bool {
	return 0 != caps.Classes&(1<<uint(class))
}

// Negotiate - pairwise minimum of both sides
func Negotiate(local *Capabilities, remote *Capabilities) *Capabilities {
	return &Capabilities{
		MaxBundleBytes: minimum(local.MaxBundleBytes, remote.MaxBundleBytes),
		ByteBudget:     minimum(local.ByteBudget, remote.ByteBudget),
		BundleBudget:   minimum(local.BundleBudget, remote.BundleBudget),
		Classes:        local.Classes & remote.Classes,
	}
}

// Pack - serialise for the wire as a varint sequence
func (caps *Capabilities) Pack() []byte {
	packed := util.ToVarint64(caps.MaxBundleBytes)
	packed = append(packed, util.ToVarint64(caps.ByteBudget)...)
	packed = append(packed, util.ToVarint64(caps.BundleBudget)...)
	return append(packed, caps.Classes)
}

// UnpackCapabilities - recover from wire form
func UnpackCapabilities(packed []byte) (*Capabilities, error) {
	caps := &Capabilities{}

	for _, field := range []*uint64{&caps.MaxBundleBytes, &caps.ByteBudget, &caps.BundleBudget} {
		value, n := util.FromVarint64(packed)
		if 0 == n {
			return nil, fault.ErrUnexpectedSessionCommand
		}
		*field = value
		packed = packed[n:]
	}
	if 1 != len(packed) {
		return nil, fault.ErrUnexpectedSessionCommand
	}
	caps.Classes = packed[0]
	return caps, nil
}

func minimum(a uint64, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
