// SPDX-License-Identifier: ISC
// Copyright (c) 2023-2026 Solarpunk Mesh Collective
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package session - drives one bundle-exchange round per physical contact
//
// a session is ephemeral: created when a peer is discovered, destroyed
// on disconnect, never persisted.  the caller side walks the state
// machine
//
//	Discovered → Handshaking → CapabilityNegotiated →
//	ExchangingInventory → ExchangingBundles → Closed
//
// with Failed reachable from any non-terminal state.  a bundle counts
// as delivered only when its explicit acknowledgment arrived before
// the failure; partial transfers are discarded and the bundle stays
// queued for the next contact with any peer.
package session

import (
	"bytes"
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/bitmark-inc/logger"

	"github.com/solarpunk-mesh/meshd/announce"
	"github.com/solarpunk-mesh/meshd/bundle"
	"github.com/solarpunk-mesh/meshd/dedup"
	"github.com/solarpunk-mesh/meshd/device"
	"github.com/solarpunk-mesh/meshd/fault"
	"github.com/solarpunk-mesh/meshd/holding"
	"github.com/solarpunk-mesh/meshd/inventory"
	"github.com/solarpunk-mesh/meshd/merge"
	"github.com/solarpunk-mesh/meshd/mode"
	"github.com/solarpunk-mesh/meshd/mutation"
	"github.com/solarpunk-mesh/meshd/propagation"
	"github.com/solarpunk-mesh/meshd/transport"
	"github.com/solarpunk-mesh/meshd/trust"
)

// State - where a session is in its life
type State int

// the state machine; Closed and Failed are terminal
const (
	StateDiscovered State = iota
	StateHandshaking
	StateCapabilityNegotiated
	StateExchangingInventory
	StateExchangingBundles
	StateClosed
	StateFailed
)

// String - printable state name
func (state State) String() string {
	switch state {
	case StateDiscovered:
		return "Discovered"
	case StateHandshaking:
		return "Handshaking"
	case StateCapabilityNegotiated:
		return "CapabilityNegotiated"
	case StateExchangingInventory:
		return "ExchangingInventory"
	case StateExchangingBundles:
		return "ExchangingBundles"
	case StateClosed:
		return "Closed"
	case StateFailed:
		return "Failed"
	default:
		return "*unknown*"
	}
}

// protocol commands, first frame of every message
const (
	cmdHello     = "hello"
	cmdCaps      = "caps"
	cmdInventory = "inv"
	cmdBundle    = "data"
	cmdFetch     = "fetch"
	cmdSnapshot  = "snap"
	cmdDone      = "done"
	cmdAck       = "ack"
	cmdSkip      = "skip" // one bundle refused, the round continues
	cmdFail      = "fail"
)

// Version - protocol version, handshake rejects a mismatch
const Version = 0x01

// snapshot page size during resynchronisation
const snapshotPage = 64

// Config - everything a session needs from its node
type Config struct {
	Identity  *device.Identity
	Held      *holding.Store
	Index     *dedup.Index
	Engine    *merge.Engine
	Filter    trust.Filter
	Registry  *announce.Registry
	Mode      *mode.State
	Lifetimes bundle.Lifetimes
	Local     Capabilities
	Timeout   time.Duration // hard wall-clock limit per session
	RateLimit uint64        // bytes per second of bundle transfer, 0 = unpaced
}

// Session - the caller side of one contact
type Session struct {
	log      *logger.L
	cfg      *Config
	peer     transport.PeerHandle
	channel  transport.Channel
	state    State
	caps     *Capabilities
	counters *Counters
	deadline time.Time
	limiter  *rate.Limiter
}

// NewSession - wrap an open channel for one exchange round
func NewSession(cfg *Config, peer transport.PeerHandle, channel transport.Channel, counters *Counters) *Session {
	return &Session{
		log:      logger.New("session"),
		cfg:      cfg,
		peer:     peer,
		channel:  channel,
		state:    StateDiscovered,
		counters: counters,
	}
}

// State - current state, for tests and status surfaces
func (s *Session) State() State {
	return s.state
}

// Run - drive the whole round
//
// any error leaves the session Failed with the channel closed
func (s *Session) Run() error {
	defer s.channel.Close()

	s.deadline = time.Now().Add(s.cfg.Timeout)
	if s.cfg.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(s.cfg.RateLimit), int(s.cfg.RateLimit))
	}

	err := s.exchange()
	if nil != err {
		s.state = StateFailed
		s.counters.failed.Add(1)
		s.log.Warnf("session with %s failed in %s: %s", s.peer.DeviceId, s.state, err)
		return err
	}

	s.state = StateClosed
	s.counters.completed.Add(1)
	if nil != s.cfg.Registry {
		s.cfg.Registry.Touch(s.peer.DeviceId, time.Now().UTC())
	}
	return nil
}

func (s *Session) exchange() error {

	// handshake: identity and protocol version only, no trust here
	s.state = StateHandshaking
	reply, err := s.roundTrip([][]byte{[]byte(cmdHello), s.cfg.Identity.DeviceId[:], {Version}})
	if nil != err {
		return err
	}
	if len(reply) < 3 || Version != reply[2][0] {
		return fault.ErrIncompatiblePeer
	}
	peerId, err := device.IDFromBytes(reply[1])
	if nil != err {
		return fault.ErrIncompatiblePeer
	}
	var zeroId device.ID
	if 0 != bytes.Compare(zeroId[:], s.peer.DeviceId[:]) && 0 != peerId.Compare(s.peer.DeviceId) {
		// the device answering is not the one announced
		return fault.ErrIncompatiblePeer
	}
	s.peer.DeviceId = peerId

	// capability negotiation
	reply, err = s.roundTrip([][]byte{[]byte(cmdCaps), s.cfg.Identity.DeviceId[:], s.cfg.Local.Pack()})
	if nil != err {
		return err
	}
	if len(reply) < 2 {
		return fault.ErrUnexpectedSessionCommand
	}
	remote, err := UnpackCapabilities(reply[1])
	if nil != err {
		return err
	}
	s.caps = Negotiate(&s.cfg.Local, remote)
	s.state = StateCapabilityNegotiated

	// a corrupted store is rebuilt from a trusted peer before any
	// normal exchange
	if nil != s.cfg.Mode && s.cfg.Mode.Is(mode.Resynchronise) {
		if err := s.resynchronise(); nil != err {
			return err
		}
		s.cfg.Mode.Set(mode.Normal)
	}

	// inventory exchange
	s.state = StateExchangingInventory
	holdings, err := s.cfg.Held.Holdings()
	if nil != err {
		return err
	}
	mine, err := inventory.NewSummary(holdings).Pack()
	if nil != err {
		return err
	}
	reply, err = s.roundTrip([][]byte{[]byte(cmdInventory), s.cfg.Identity.DeviceId[:], mine})
	if nil != err {
		return err
	}
	if len(reply) < 2 {
		return fault.ErrUnexpectedSessionCommand
	}
	theirs, err := inventory.Packed(reply[1]).Unpack()
	if nil != err {
		return err
	}

	// both directions of bundle flow
	s.state = StateExchangingBundles
	if err := s.sendBundles(theirs); nil != err {
		return err
	}
	if err := s.fetchBundles(); nil != err {
		return err
	}

	_, err = s.roundTrip([][]byte{[]byte(cmdDone), s.cfg.Identity.DeviceId[:]})
	return err
}

// push selected bundles, one acknowledged at a time
func (s *Session) sendBundles(theirs *inventory.Summary) error {
	selected, err := selectOutbound(s.cfg, s.caps, theirs, s.peer.DeviceId, time.Now())
	if nil != err {
		return err
	}

	for _, meta := range selected {
		packed, ok := s.cfg.Held.Get(meta.BundleId)
		if !ok {
			continue // evicted since selection
		}

		if nil != s.limiter {
			ctx, cancel := context.WithDeadline(context.Background(), s.deadline)
			err := s.limiter.WaitN(ctx, len(packed))
			cancel()
			if nil != err {
				return fault.ErrSessionTimeout
			}
		}

		reply, err := s.roundTrip([][]byte{[]byte(cmdBundle), s.cfg.Identity.DeviceId[:], packed})
		if nil != err {
			return err
		}
		if cmdSkip == string(reply[0]) {
			// the peer refused this one bundle; it stays queued for
			// the next contact
			s.log.Warnf("bundle %s refused by %s", meta.BundleId, s.peer.DeviceId)
			continue
		}
		if len(reply) < 2 || cmdAck != string(reply[0]) || !bytes.Equal(meta.BundleId[:], reply[1]) {
			return fault.ErrTransferAborted
		}

		// only the explicit ack makes it delivered
		s.cfg.Held.MarkPropagated(meta.BundleId, s.peer.DeviceId)
		s.counters.sent.Add(1)
	}
	return nil
}

// pull the peer's selection for us, acknowledging one by one
func (s *Session) fetchBundles() error {
	lastAck := []byte{}
	for {
		reply, err := s.roundTrip([][]byte{[]byte(cmdFetch), s.cfg.Identity.DeviceId[:], lastAck})
		if nil != err {
			return err
		}
		switch string(reply[0]) {
		case cmdDone:
			return nil
		case cmdBundle:
			if len(reply) < 2 {
				return fault.ErrUnexpectedSessionCommand
			}
			bundleId, err := Ingest(s.cfg, reply[1], s.counters)
			if nil != err {
				// a malformed or oversized bundle is dropped
				// without acknowledgment; the round continues
				s.log.Warnf("bundle from %s dropped: %s", s.peer.DeviceId, err)
				lastAck = []byte{}
				continue
			}
			lastAck = bundleId[:]
		default:
			return fault.ErrUnexpectedSessionCommand
		}
	}
}

// pull the complete entity snapshot from a trusted peer
func (s *Session) resynchronise() error {
	if !s.cfg.Filter.Accept(&trust.Meta{Origin: s.peer.DeviceId}) {
		return fault.ErrSnapshotRequiresTrust
	}

	after := []byte{}
	for {
		reply, err := s.roundTrip([][]byte{[]byte(cmdSnapshot), s.cfg.Identity.DeviceId[:], after})
		if nil != err {
			return err
		}
		if cmdSnapshot != string(reply[0]) || len(reply) < 2 {
			return fault.ErrUnexpectedSessionCommand
		}
		if 0 == len(reply[2:]) {
			return nil // snapshot exhausted
		}

		records := make([]*mutation.Record, 0, len(reply)-2)
		for _, packed := range reply[2:] {
			record, n, err := mutation.Packed(packed).Unpack()
			if nil != err || n != len(packed) {
				return fault.ErrUnexpectedSessionCommand
			}
			records = append(records, record)
		}
		if _, err := s.cfg.Engine.ApplySnapshot(records); nil != err {
			return err
		}
		after = reply[1]
	}
}

// one request/reply with deadline and failure mapping
func (s *Session) roundTrip(request [][]byte) ([][]byte, error) {
	if time.Now().After(s.deadline) {
		return nil, fault.ErrSessionTimeout
	}
	if err := s.channel.Send(request); nil != err {
		return nil, err
	}
	reply, err := s.channel.Receive()
	if nil != err {
		return nil, err
	}
	if 0 == len(reply) {
		return nil, fault.ErrUnexpectedSessionCommand
	}
	if cmdFail == string(reply[0]) {
		return nil, fault.ErrUnexpectedSessionCommand
	}
	return reply, nil
}

// selectOutbound - trust-gate the holdings then run priority selection
func selectOutbound(cfg *Config, caps *Capabilities, theirs *inventory.Summary, peer device.ID, now time.Time) ([]*holding.Meta, error) {
	all, err := cfg.Held.All()
	if nil != err {
		return nil, err
	}

	candidates := make([]*holding.Meta, 0, len(all))
	for _, meta := range all {
		if !caps.Accepts(meta.Class) {
			continue
		}
		if uint64(meta.Size) > caps.MaxBundleBytes {
			continue
		}
		if !cfg.Filter.MayForward(&trust.Meta{
			BundleId: meta.BundleId,
			Origin:   meta.BundleId.Origin(),
			Class:    meta.Class,
			Size:     meta.Size,
		}, peer) {
			continue
		}
		candidates = append(candidates, meta)
	}

	return propagation.Select(candidates, theirs, propagation.Budget{
		MaxBytes:   caps.ByteBudget,
		MaxBundles: int(caps.BundleBudget),
	}, now, cfg.Lifetimes), nil
}

// Ingest - validate, trust-gate, hold and merge one incoming bundle
//
// shared by both sides of a session.  a bundle is acknowledged to the
// sender even when the trust filter rejects it, so the peer stops
// offering it, but a rejected bundle is never held or merged.
func Ingest(cfg *Config, packed []byte, counters *Counters) (bundle.ID, error) {
	var zero bundle.ID

	if uint64(len(packed)) > cfg.Local.MaxBundleBytes {
		return zero, fault.ErrBundleTooLarge
	}

	b, err := bundle.Packed(packed).Unpack()
	if nil != err {
		return zero, err
	}
	counters.received.Add(1)

	if cfg.Index.Seen(b.BundleId) {
		counters.duplicates.Add(1)
		return b.BundleId, nil
	}

	if b.Expired(time.Now(), cfg.Lifetimes) {
		// acknowledged but dropped, nobody needs it anymore
		cfg.Index.Mark(b.BundleId)
		return b.BundleId, nil
	}

	if !cfg.Filter.Accept(trust.MetaFor(b, len(packed))) {
		cfg.Index.Mark(b.BundleId)
		counters.rejected.Add(1)
		return b.BundleId, nil
	}

	cfg.Held.Put(b, packed)
	result, err := cfg.Engine.Apply(b)
	if nil != err {
		return zero, err
	}
	if !result.Duplicate {
		cfg.Held.MarkMerged(b.BundleId)
		counters.merged.Add(1)
	}
	return b.BundleId, nil
}
