// SPDX-License-Identifier: ISC
// Copyright (c) 2023-2026 Solarpunk Mesh Collective
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package session_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bitmark-inc/logger"

	"github.com/solarpunk-mesh/meshd/bundle"
	"github.com/solarpunk-mesh/meshd/dedup"
	"github.com/solarpunk-mesh/meshd/device"
	"github.com/solarpunk-mesh/meshd/holding"
	"github.com/solarpunk-mesh/meshd/merge"
	"github.com/solarpunk-mesh/meshd/mode"
	"github.com/solarpunk-mesh/meshd/mutation"
	"github.com/solarpunk-mesh/meshd/outbox"
	"github.com/solarpunk-mesh/meshd/session"
	"github.com/solarpunk-mesh/meshd/storage"
	"github.com/solarpunk-mesh/meshd/transport"
	"github.com/solarpunk-mesh/meshd/trust"
)

const testingDirName = "testing"

func TestMain(m *testing.M) {
	_ = os.Mkdir(testingDirName, 0700)
	logging := logger.Configuration{
		Directory: testingDirName,
		File:      "testing.log",
		Size:      1048576,
		Count:     10,
		Console:   false,
		Levels: map[string]string{
			logger.DefaultTag: "critical",
		},
	}
	_ = logger.Initialise(logging)

	rc := m.Run()

	logger.Finalise()
	os.RemoveAll(testingDirName)
	os.Exit(rc)
}

// a complete in-memory node for exchange tests
type testNode struct {
	identity *device.Identity
	store    *storage.Store
	log      *outbox.Log
	held     *holding.Store
	index    *dedup.Index
	engine   *merge.Engine
	mode     *mode.State
	cfg      *session.Config
	counters *session.Counters
	server   *session.Server
	sequence uint64
}

func newTestNode(t *testing.T, filter trust.Filter) *testNode {
	store, err := storage.Open(filepath.Join(t.TempDir(), "node.leveldb"))
	if nil != err {
		t.Fatalf("storage open error: %s", err)
	}
	t.Cleanup(store.Close)

	identity, err := device.NewIdentity()
	if nil != err {
		t.Fatalf("identity error: %s", err)
	}

	node := &testNode{
		identity: identity,
		store:    store,
		held:     holding.New(store),
		index:    dedup.New(store),
		mode:     mode.New(logger.New("mode")),
	}
	node.log = outbox.New(identity.DeviceId, store)
	node.engine = merge.New(store, node.index, node.log)
	node.mode.Set(mode.Normal)

	node.cfg = &session.Config{
		Identity:  identity,
		Held:      node.held,
		Index:     node.index,
		Engine:    node.engine,
		Filter:    filter,
		Mode:      node.mode,
		Lifetimes: bundle.DefaultLifetimes(),
		Local: session.Capabilities{
			MaxBundleBytes: 1 << 20,
			ByteBudget:     1 << 22,
			BundleBudget:   100,
			Classes:        session.ClassBitAll,
		},
		Timeout: 30 * time.Second,
	}
	node.counters = &session.Counters{}
	node.server = session.NewServer(node.cfg, node.counters)
	return node
}

// append one local mutation and seal it into a held bundle
func (node *testNode) publish(t *testing.T, class bundle.TTLClass, entityId string, payload string) bundle.ID {
	record, sequence, err := node.log.Append("listings", []byte(entityId), mutation.Update, mutation.Listing, []byte(payload))
	if nil != err {
		t.Fatalf("append error: %s", err)
	}

	node.sequence += 1
	b, packed, err := bundle.Assemble(node.identity, node.sequence, class, time.Now(), []*mutation.Record{record})
	if nil != err {
		t.Fatalf("assemble error: %s", err)
	}
	node.held.Put(b, packed)
	node.log.MarkSealed(sequence)

	// local bundles count as merged already
	if _, err := node.engine.Apply(b); nil != err {
		t.Fatalf("local apply error: %s", err)
	}
	node.held.MarkMerged(b.BundleId)
	return b.BundleId
}

// answer requests on the far end until the channel dies
func serve(server *session.Server, channel transport.Channel) {
	for {
		request, err := channel.Receive()
		if nil != err {
			return
		}
		if err := channel.Send(server.Handle(request)); nil != err {
			return
		}
	}
}

// run one full caller-side session from a to b over a pipe
func runSession(t *testing.T, a *testNode, b *testNode) error {
	near, far := transport.NewPipePair()
	go serve(b.server, far)

	s := session.NewSession(a.cfg, transport.PeerHandle{DeviceId: b.identity.DeviceId}, near, a.counters)
	err := s.Run()
	far.Close()
	return err
}

// after one round both devices hold each other's bundles and agree on
// entity state
func TestTwoNodeExchange(t *testing.T) {
	alpha := newTestNode(t, trust.PermitAll{})
	beta := newTestNode(t, trust.PermitAll{})

	fromAlpha := alpha.publish(t, bundle.Durable, "apples", "from alpha")
	fromBeta := beta.publish(t, bundle.Durable, "bread", "from beta")

	if err := runSession(t, alpha, beta); nil != err {
		t.Fatalf("session error: %s", err)
	}

	if !beta.held.Have(fromAlpha) {
		t.Errorf("beta missing alpha's bundle")
	}
	if !alpha.held.Have(fromBeta) {
		t.Errorf("alpha missing beta's bundle")
	}

	for name, node := range map[string]*testNode{"alpha": alpha, "beta": beta} {
		apples, ok := node.engine.Entity("listings", []byte("apples"))
		if !ok || "from alpha" != string(apples.Payload) {
			t.Errorf("%s: apples state wrong", name)
		}
		bread, ok := node.engine.Entity("listings", []byte("bread"))
		if !ok || "from beta" != string(bread.Payload) {
			t.Errorf("%s: bread state wrong", name)
		}
	}

	// delivery was acknowledged per bundle
	meta, _ := alpha.held.Meta(fromAlpha)
	if 1 != meta.Propagated {
		t.Errorf("alpha's bundle propagated: %d  expected: 1", meta.Propagated)
	}
}

// a second round moves nothing new
func TestExchangeIdempotent(t *testing.T) {
	alpha := newTestNode(t, trust.PermitAll{})
	beta := newTestNode(t, trust.PermitAll{})

	alpha.publish(t, bundle.Durable, "apples", "from alpha")

	for i := 0; i < 2; i += 1 {
		if err := runSession(t, alpha, beta); nil != err {
			t.Fatalf("round %d error: %s", i, err)
		}
	}

	stats := beta.counters.Snapshot()
	if 1 != stats.BundlesMerged {
		t.Errorf("beta merged: %d  expected: 1", stats.BundlesMerged)
	}
}

// third hop: a bundle relays through a middle device to one that never
// met the origin
func TestRelayThroughBridge(t *testing.T) {
	origin := newTestNode(t, trust.PermitAll{})
	bridge := newTestNode(t, trust.PermitAll{})
	remote := newTestNode(t, trust.PermitAll{})

	bundleId := origin.publish(t, bundle.Emergency, "water", "well contaminated")

	if err := runSession(t, origin, bridge); nil != err {
		t.Fatalf("first hop error: %s", err)
	}
	if err := runSession(t, bridge, remote); nil != err {
		t.Fatalf("second hop error: %s", err)
	}

	if !remote.held.Have(bundleId) {
		t.Fatalf("bundle did not relay")
	}
	state, ok := remote.engine.Entity("listings", []byte("water"))
	if !ok || "well contaminated" != string(state.Payload) {
		t.Errorf("relayed state wrong")
	}
}

// seal a bundle then damage its stored bytes, simulating on-disk rot
// that only shows up at the receiving end
func (node *testNode) publishDamaged(t *testing.T, entityId string, payload string) bundle.ID {
	record, sequence, err := node.log.Append("listings", []byte(entityId), mutation.Update, mutation.Listing, []byte(payload))
	if nil != err {
		t.Fatalf("append error: %s", err)
	}

	node.sequence += 1
	b, packed, err := bundle.Assemble(node.identity, node.sequence, bundle.Durable, time.Now(), []*mutation.Record{record})
	if nil != err {
		t.Fatalf("assemble error: %s", err)
	}
	damaged := make(bundle.Packed, len(packed))
	copy(damaged, packed)
	damaged[len(damaged)-1] ^= 0x01 // break the signature
	node.held.Put(b, damaged)
	node.log.MarkSealed(sequence)
	node.held.MarkMerged(b.BundleId)
	return b.BundleId
}

// an undecodable bundle is refused on its own; the round still
// carries every healthy bundle in both directions
func TestDamagedBundleDoesNotAbortSession(t *testing.T) {
	alpha := newTestNode(t, trust.PermitAll{})
	beta := newTestNode(t, trust.PermitAll{})

	goodFromAlpha := alpha.publish(t, bundle.Durable, "apples", "from alpha")
	badFromAlpha := alpha.publishDamaged(t, "milk", "spoiled")
	goodFromBeta := beta.publish(t, bundle.Durable, "bread", "from beta")
	badFromBeta := beta.publishDamaged(t, "eggs", "cracked")

	if err := runSession(t, alpha, beta); nil != err {
		t.Fatalf("session error: %s", err)
	}

	if !beta.held.Have(goodFromAlpha) {
		t.Errorf("beta missing alpha's healthy bundle")
	}
	if !alpha.held.Have(goodFromBeta) {
		t.Errorf("alpha missing beta's healthy bundle")
	}
	if beta.held.Have(badFromAlpha) {
		t.Errorf("beta accepted a damaged bundle")
	}
	if alpha.held.Have(badFromBeta) {
		t.Errorf("alpha accepted a damaged bundle")
	}

	// a refused bundle is never acknowledged
	meta, _ := alpha.held.Meta(badFromAlpha)
	if 0 != meta.Propagated {
		t.Errorf("damaged bundle propagated: %d  expected: 0", meta.Propagated)
	}
}

// a trust-rejected bundle is acknowledged and remembered but never
// merged or held
func TestTrustRejection(t *testing.T) {
	alpha := newTestNode(t, trust.PermitAll{})

	bundleId := alpha.publish(t, bundle.Durable, "apples", "from alpha")

	deny, err := trust.NewStaticList(nil, []string{alpha.identity.DeviceId.String()})
	if nil != err {
		t.Fatalf("list error: %s", err)
	}
	beta := newTestNode(t, deny)

	if err := runSession(t, alpha, beta); nil != err {
		t.Fatalf("session error: %s", err)
	}

	if beta.held.Have(bundleId) {
		t.Errorf("rejected bundle held")
	}
	if _, ok := beta.engine.Entity("listings", []byte("apples")); ok {
		t.Errorf("rejected bundle merged")
	}
	if !beta.index.Seen(bundleId) {
		t.Errorf("rejected bundle not recorded in dedup")
	}
	if 1 != beta.counters.Snapshot().BundlesRejected {
		t.Errorf("rejection not counted")
	}
}

// an unACKed transfer is not delivered: the sender keeps the bundle
// queued for the next contact
func TestPartialTransferNotDelivered(t *testing.T) {
	alpha := newTestNode(t, trust.PermitAll{})
	beta := newTestNode(t, trust.PermitAll{})

	bundleId := alpha.publish(t, bundle.Durable, "apples", "from alpha")

	// a channel that dies before the first bundle ack
	near, far := transport.NewPipePair()
	go func() {
		for {
			request, err := far.Receive()
			if nil != err {
				return
			}
			if "data" == string(request[0]) {
				// cut the link instead of acknowledging
				far.Close()
				return
			}
			if err := far.Send(beta.server.Handle(request)); nil != err {
				return
			}
		}
	}()

	s := session.NewSession(alpha.cfg, transport.PeerHandle{DeviceId: beta.identity.DeviceId}, near, alpha.counters)
	if err := s.Run(); nil == err {
		t.Fatalf("session should have failed")
	}
	if session.StateFailed != s.State() {
		t.Errorf("state: %s  expected: Failed", s.State())
	}

	meta, ok := alpha.held.Meta(bundleId)
	if !ok {
		t.Fatalf("bundle evicted")
	}
	if 0 != meta.Propagated {
		t.Errorf("unacknowledged transfer counted as delivered")
	}

	// the next contact succeeds and delivers it
	if err := runSession(t, alpha, beta); nil != err {
		t.Fatalf("retry error: %s", err)
	}
	if !beta.held.Have(bundleId) {
		t.Errorf("bundle not delivered on retry")
	}
}

// a resynchronising node rebuilds entity state from a trusted peer
func TestResynchronise(t *testing.T) {
	healthy := newTestNode(t, trust.PermitAll{})
	for _, entity := range []string{"apples", "bread", "tools"} {
		healthy.publish(t, bundle.Durable, entity, "state "+entity)
	}

	broken := newTestNode(t, trust.PermitAll{})
	broken.mode.Set(mode.Resynchronise)

	if err := runSession(t, broken, healthy); nil != err {
		t.Fatalf("session error: %s", err)
	}

	if !broken.mode.Is(mode.Normal) {
		t.Errorf("mode after resync: not normal")
	}
	for _, entity := range []string{"apples", "bread", "tools"} {
		state, ok := broken.engine.Entity("listings", []byte(entity))
		if !ok || "state "+entity != string(state.Payload) {
			t.Errorf("%s: not recovered", entity)
		}
	}
}

// handshake refuses a different protocol version
func TestVersionMismatch(t *testing.T) {
	alpha := newTestNode(t, trust.PermitAll{})

	near, far := transport.NewPipePair()
	go func() {
		request, err := far.Receive()
		if nil != err {
			return
		}
		// answer hello with a bad version
		_ = request
		far.Send([][]byte{[]byte("hello"), make([]byte, device.IdLength), {0x7f}})
	}()

	s := session.NewSession(alpha.cfg, transport.PeerHandle{}, near, alpha.counters)
	if err := s.Run(); nil == err {
		t.Fatalf("incompatible peer accepted")
	}
	if session.StateFailed != s.State() {
		t.Errorf("state: %s  expected: Failed", s.State())
	}
}

func TestCapabilityNegotiation(t *testing.T) {
	local := &session.Capabilities{
		MaxBundleBytes: 1 << 20,
		ByteBudget:     5000,
		BundleBudget:   10,
		Classes:        session.ClassBitAll,
	}
	remote := &session.Capabilities{
		MaxBundleBytes: 1 << 16,
		ByteBudget:     9000,
		BundleBudget:   3,
		Classes:        session.ClassBitEmergency | session.ClassBitPerishable,
	}

	negotiated := session.Negotiate(local, remote)
	if uint64(1<<16) != negotiated.MaxBundleBytes {
		t.Errorf("max bundle bytes: %d", negotiated.MaxBundleBytes)
	}
	if 5000 != negotiated.ByteBudget {
		t.Errorf("byte budget: %d", negotiated.ByteBudget)
	}
	if 3 != negotiated.BundleBudget {
		t.Errorf("bundle budget: %d", negotiated.BundleBudget)
	}
	if negotiated.Accepts(bundle.Durable) {
		t.Errorf("durable accepted after negotiation")
	}
	if !negotiated.Accepts(bundle.Emergency) {
		t.Errorf("emergency lost in negotiation")
	}

	// wire round trip
	unpacked, err := session.UnpackCapabilities(negotiated.Pack())
	if nil != err {
		t.Fatalf("unpack error: %s", err)
	}
	if *unpacked != *negotiated {
		t.Errorf("capabilities: %+v  expected: %+v", unpacked, negotiated)
	}
}
