// SPDX-License-Identifier: ISC
// Copyright (c) 2023-2026 Solarpunk Mesh Collective
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package session

import (
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/bitmark-inc/logger"

	"github.com/solarpunk-mesh/meshd/bundle"
	"github.com/solarpunk-mesh/meshd/device"
	"github.com/solarpunk-mesh/meshd/holding"
	"github.com/solarpunk-mesh/meshd/inventory"
	"github.com/solarpunk-mesh/meshd/trust"
)

// abandoned answering-side state ages out with the contact window
const (
	peerStateExpiry  = 10 * time.Minute
	peerStateCleanup = 30 * time.Minute
)

// peerState - answering-side view of one contact
//
// the wire protocol is strict request/reply, so the answering side
// keeps only this small amount of state between requests
type peerState struct {
	caps     *Capabilities
	summary  *inventory.Summary
	queue    []*holding.Meta
	selected bool
}

// Server - answers the caller side of sessions, one request at a time
type Server struct {
	log      *logger.L
	cfg      *Config
	counters *Counters
	contacts *cache.Cache
}

// NewServer - create the answering side
func NewServer(cfg *Config, counters *Counters) *Server {
	return &Server{
		log:      logger.New("answer"),
		cfg:      cfg,
		counters: counters,
		contacts: cache.New(peerStateExpiry, peerStateCleanup),
	}
}

// Handle - process one request, transport.Handler interface
func (server *Server) Handle(request [][]byte) [][]byte {
	if len(request) < 2 {
		return fail("short request")
	}
	command := string(request[0])
	clientId, err := device.IDFromBytes(request[1])
	if nil != err {
		return fail("bad device id")
	}
	arguments := request[2:]

	switch command {
	case cmdHello:
		if 0 == len(arguments) || 1 != len(arguments[0]) || Version != arguments[0][0] {
			return fail("incompatible version")
		}
		return [][]byte{[]byte(cmdHello), server.cfg.Identity.DeviceId[:], {Version}}

	case cmdCaps:
		if 0 == len(arguments) {
			return fail("missing capabilities")
		}
		remote, err := UnpackCapabilities(arguments[0])
		if nil != err {
			return fail("bad capabilities")
		}
		server.contacts.Set(clientId.String(), &peerState{
			caps: Negotiate(&server.cfg.Local, remote),
		}, cache.DefaultExpiration)
		return [][]byte{[]byte(cmdCaps), server.cfg.Local.Pack()}

	case cmdInventory:
		state, ok := server.contact(clientId)
		if !ok {
			return fail("no negotiated session")
		}
		if 0 == len(arguments) {
			return fail("missing inventory")
		}
		summary, err := inventory.Packed(arguments[0]).Unpack()
		if nil != err {
			return fail("bad inventory")
		}
		state.summary = summary

		holdings, err := server.cfg.Held.Holdings()
		if nil != err {
			return fail("holdings unavailable")
		}
		mine, err := inventory.NewSummary(holdings).Pack()
		if nil != err {
			return fail("holdings unavailable")
		}
		return [][]byte{[]byte(cmdInventory), mine}

	case cmdBundle:
		if 0 == len(arguments) {
			return fail("missing bundle")
		}
		bundleId, err := Ingest(server.cfg, arguments[0], server.counters)
		if nil != err {
			// refuse just this bundle, the session survives
			server.log.Warnf("bundle from %s refused: %s", clientId, err)
			return [][]byte{[]byte(cmdSkip), []byte(err.Error())}
		}
		return [][]byte{[]byte(cmdAck), bundleId[:]}

	case cmdFetch:
		state, ok := server.contact(clientId)
		if !ok {
			return fail("no negotiated session")
		}
		return server.nextBundle(clientId, state, arguments)

	case cmdSnapshot:
		return server.snapshot(clientId, arguments)

	case cmdDone:
		server.contacts.Delete(clientId.String())
		return [][]byte{[]byte(cmdDone)}

	default:
		return fail("unknown command")
	}
}

// serve the peer's selection queue, one acknowledged bundle at a time
func (server *Server) nextBundle(clientId device.ID, state *peerState, arguments [][]byte) [][]byte {

	// the previous bundle's ack rides on this request
	if 0 != len(arguments) && bundle.IdLength == len(arguments[0]) {
		var acked bundle.ID
		copy(acked[:], arguments[0])
		server.cfg.Held.MarkPropagated(acked, clientId)
		server.counters.sent.Add(1)
	}

	if !state.selected {
		queue, err := selectOutbound(server.cfg, state.caps, state.summary, clientId, time.Now())
		if nil != err {
			return fail("selection failed")
		}
		state.queue = queue
		state.selected = true
	}

	for 0 != len(state.queue) {
		meta := state.queue[0]
		state.queue = state.queue[1:]
		packed, ok := server.cfg.Held.Get(meta.BundleId)
		if !ok {
			continue // evicted since selection
		}
		return [][]byte{[]byte(cmdBundle), packed}
	}
	return [][]byte{[]byte(cmdDone)}
}

// serve one page of the entity snapshot to a trusted peer
func (server *Server) snapshot(clientId device.ID, arguments [][]byte) [][]byte {
	if !server.cfg.Filter.Accept(&trust.Meta{Origin: clientId}) {
		return fail("snapshot requires trust")
	}

	after := []byte{}
	if 0 != len(arguments) {
		after = arguments[0]
	}

	records, keys, err := server.cfg.Engine.Snapshot(after, snapshotPage)
	if nil != err {
		return fail("snapshot unavailable")
	}

	if 0 == len(records) {
		return [][]byte{[]byte(cmdSnapshot), after}
	}

	reply := [][]byte{[]byte(cmdSnapshot), keys[len(keys)-1]}
	for _, record := range records {
		packed, err := record.Pack()
		if nil != err {
			return fail("snapshot unavailable")
		}
		reply = append(reply, packed)
	}
	return reply
}

func (server *Server) contact(clientId device.ID) (*peerState, bool) {
	item, ok := server.contacts.Get(clientId.String())
	if !ok {
		return nil, false
	}
	state, ok := item.(*peerState)
	return state, ok
}

func fail(message string) [][]byte {
	return [][]byte{[]byte(cmdFail), []byte(message)}
}
