// SPDX-License-Identifier: ISC
// Copyright (c) 2023-2026 Solarpunk Mesh Collective
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"sync"

	"github.com/solarpunk-mesh/meshd/fault"
)

// pipe buffering; a session never has more than a few frames in flight
const pipeDepth = 16

// PipeEnd - one side of an in-memory channel pair
type PipeEnd struct {
	sendLock sync.Mutex
	out      chan [][]byte
	in       chan [][]byte
	closed   chan struct{}
	once     sync.Once
	remote   *PipeEnd
}

// NewPipePair - two connected channel ends
//
// frames written to one end arrive at the other; closing either end
// fails both directions
func NewPipePair() (*PipeEnd, *PipeEnd) {
	forward := make(chan [][]byte, pipeDepth)
	backward := make(chan [][]byte, pipeDepth)

	a := &PipeEnd{out: forward, in: backward, closed: make(chan struct{})}
	b := &PipeEnd{out: backward, in: forward, closed: make(chan struct{})}
	a.remote = b
	b.remote = a
	return a, b
}

// Send - deliver one multipart message to the other end
func (end *PipeEnd) Send(parts [][]byte) error {
	end.sendLock.Lock()
	defer end.sendLock.Unlock()

	message := make([][]byte, len(parts))
	for i, part := range parts {
		message[i] = append([]byte{}, part...)
	}

	select {
	case <-end.closed:
		return fault.ErrChannelClosed
	case <-end.remote.closed:
		return fault.ErrChannelClosed
	case end.out <- message:
		return nil
	}
}

// Receive - next multipart message from the other end
func (end *PipeEnd) Receive() ([][]byte, error) {
	select {
	case message, ok := <-end.in:
		if !ok {
			return nil, fault.ErrChannelClosed
		}
		return message, nil
	case <-end.closed:
		return nil, fault.ErrChannelClosed
	case <-end.remote.closed:
		// drain anything already delivered before failing
		select {
		case message := <-end.in:
			return message, nil
		default:
			return nil, fault.ErrChannelClosed
		}
	}
}

// Close - tear the pair down
func (end *PipeEnd) Close() error {
	end.once.Do(func() { close(end.closed) })
	return nil
}

// Pipe - in-memory adapter used by tests and simulation
//
// connecting to a peer creates a pair and hands the far end to the
// accept callback, standing in for the remote device's listener
type Pipe struct {
	sync.Mutex
	peers  []PeerHandle
	accept func(peer PeerHandle, channel Channel)
}

// NewPipe - create an adapter with a fixed peer set
func NewPipe(peers []PeerHandle, accept func(peer PeerHandle, channel Channel)) *Pipe {
	return &Pipe{
		peers:  peers,
		accept: accept,
	}
}

// Discover - emit the fixed peer set once
func (p *Pipe) Discover(ctx context.Context) (<-chan PeerHandle, error) {
	p.Lock()
	peers := append([]PeerHandle{}, p.peers...)
	p.Unlock()

	found := make(chan PeerHandle)
	go func() {
		defer close(found)
		for _, peer := range peers {
			select {
			case found <- peer:
			case <-ctx.Done():
				return
			}
		}
	}()
	return found, nil
}

// Connect - create a pair and deliver the far end
func (p *Pipe) Connect(peer PeerHandle) (Channel, error) {
	p.Lock()
	accept := p.accept
	p.Unlock()

	if nil == accept {
		return nil, fault.ErrNotConnected
	}
	near, far := NewPipePair()
	go accept(peer, far)
	return near, nil
}
