// SPDX-License-Identifier: ISC
// Copyright (c) 2023-2026 Solarpunk Mesh Collective
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package transport - moves frames between two physically connected
// devices
//
// an adapter only knows how to discover reachable peers and shuttle
// multipart messages; session semantics live above it.  nothing here
// assumes a contact lasts long enough to finish a round: every send
// and receive can fail mid-way and the caller must treat the channel
// as gone.
package transport

import (
	"context"

	"github.com/solarpunk-mesh/meshd/device"
)

// PeerHandle - enough information to reach one peer
type PeerHandle struct {
	DeviceId  device.ID
	Address   string // canonical host:port
	ServerKey []byte // peer's 32 byte transport public key
	Areas     []string
}

// Channel - an open message channel to one peer
//
// message oriented: one Send carries one multipart message and one
// Receive returns exactly one
type Channel interface {
	Send(parts [][]byte) error
	Receive() ([][]byte, error)
	Close() error
}

// Adapter - one way of finding and reaching peers
type Adapter interface {
	// Discover - emit reachable peers until the context ends
	Discover(ctx context.Context) (<-chan PeerHandle, error)

	// Connect - open a channel to a discovered peer
	Connect(peer PeerHandle) (Channel, error)
}

// Handler - server side request processing
//
// one multipart request in, one multipart reply out
type Handler interface {
	Handle(request [][]byte) [][]byte
}

// Directory - where an adapter learns its candidate peers
type Directory interface {
	Peers() []PeerHandle
}
