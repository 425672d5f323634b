// SPDX-License-Identifier: ISC
// Copyright (c) 2023-2026 Solarpunk Mesh Collective
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package meshnode - one running device
//
// a Node owns every component of a device: the store, the mutation
// log, the bundle holdings, the merge engine, the peer registry and
// the contact machinery.  there is no package level state; create as
// many nodes as needed, each with its own database.
package meshnode

import (
	"os"
	"sync"
	"time"

	"github.com/bitmark-inc/logger"

	"github.com/solarpunk-mesh/meshd/announce"
	"github.com/solarpunk-mesh/meshd/background"
	"github.com/solarpunk-mesh/meshd/bundle"
	"github.com/solarpunk-mesh/meshd/dedup"
	"github.com/solarpunk-mesh/meshd/device"
	"github.com/solarpunk-mesh/meshd/fault"
	"github.com/solarpunk-mesh/meshd/holding"
	"github.com/solarpunk-mesh/meshd/merge"
	"github.com/solarpunk-mesh/meshd/mode"
	"github.com/solarpunk-mesh/meshd/mutation"
	"github.com/solarpunk-mesh/meshd/outbox"
	"github.com/solarpunk-mesh/meshd/retention"
	"github.com/solarpunk-mesh/meshd/role"
	"github.com/solarpunk-mesh/meshd/session"
	"github.com/solarpunk-mesh/meshd/storage"
	"github.com/solarpunk-mesh/meshd/transport"
	"github.com/solarpunk-mesh/meshd/trust"
)

// state pool key for the origin bundle sequence counter
var bundleSequenceKey = []byte("bundle.sequence")

// how many unbundled mutations one seal pass will take
const sealBatch = 256

// defaults applied by New for zero valued options
const (
	defaultMaxBundleBytes = 1048576
	defaultSessionTimeout = 2 * time.Minute
	defaultSealInterval   = 30 * time.Second
	defaultDomainInterval = time.Hour
)

// Options - everything needed to construct a node
type Options struct {
	Database        string           // leveldb directory
	Identity        *device.Identity // signing identity, required
	Role            role.Role
	Areas           []string // geographic communities served
	Domain          string   // rendezvous DNS domain, empty disables
	Listen          string   // transport bind address, empty disables
	TransportPublic []byte   // 32 byte curve transport keys
	TransportSecret []byte
	Lifetimes       bundle.Lifetimes
	TrustAllow      []string // base58 device ids, empty allows all
	TrustDeny       []string
	SessionTimeout  time.Duration
	RateLimit       uint64 // bytes per second per contact, 0 = unpaced
	SealInterval    time.Duration
	MaxBundleBytes  uint64
}

// Node - a fully wired device
type Node struct {
	sync.Mutex

	log      *logger.L
	options  Options
	preset   role.Preset
	identity *device.Identity

	store    *storage.Store
	outbox   *outbox.Log
	index    *dedup.Index
	held     *holding.Store
	engine   *merge.Engine
	filter   trust.Filter
	registry *announce.Registry
	state    *mode.State
	counters *session.Counters
	cfg      *session.Config
	answer   *session.Server
	cleaner  *retention.Cleaner

	bundleSequence uint64
	processes      *background.T
}

// New - construct a stopped node
//
// a corrupt or unreadable database is wiped and recreated and the
// node starts in Resynchronise until a trusted peer has replayed the
// entity snapshot
func New(options Options) (*Node, error) {
	if nil == options.Identity {
		return nil, fault.ErrNotInitialised
	}
	if "" == options.Database {
		return nil, fault.ErrInvalidDatabaseName
	}

	log := logger.New("node")

	preset := options.Role.Preset()
	lifetimes := options.Lifetimes
	if 0 == lifetimes.Emergency && 0 == lifetimes.Perishable && 0 == lifetimes.Durable {
		lifetimes = bundle.DefaultLifetimes()
	}
	if 0 == options.MaxBundleBytes {
		options.MaxBundleBytes = defaultMaxBundleBytes
	}
	if 0 == options.SessionTimeout {
		options.SessionTimeout = defaultSessionTimeout
	}
	if 0 == options.SealInterval {
		options.SealInterval = defaultSealInterval
	}

	state := mode.New(log) // starts in Resynchronise

	store, err := storage.Open(options.Database)
	if fault.ErrStorageCorruption == err {
		log.Criticalf("database unreadable, rebuilding: %s", options.Database)
		if err = os.RemoveAll(options.Database); nil != err {
			return nil, err
		}
		store, err = storage.Open(options.Database)
		if nil != err {
			return nil, err
		}
		// stay in Resynchronise: the entity state must come back
		// from a trusted peer
	} else if nil != err {
		return nil, err
	} else {
		state.Set(mode.Normal)
	}

	var filter trust.Filter = trust.PermitAll{}
	if 0 != len(options.TrustAllow) || 0 != len(options.TrustDeny) {
		filter, err = trust.NewStaticList(options.TrustAllow, options.TrustDeny)
		if nil != err {
			store.Close()
			return nil, err
		}
	}

	registry, err := announce.NewRegistry(store)
	if nil != err {
		store.Close()
		return nil, err
	}

	log.Infof("device: %s  role: %s", options.Identity.DeviceId, options.Role)

	node := &Node{
		log:      log,
		options:  options,
		preset:   preset,
		identity: options.Identity,
		store:    store,
		outbox:   outbox.New(options.Identity.DeviceId, store),
		index:    dedup.New(store),
		held:     holding.New(store),
		filter:   filter,
		registry: registry,
		state:    state,
		counters: &session.Counters{},
	}
	node.engine = merge.New(store, node.index, node.outbox)
	if n, ok := store.State.GetN(bundleSequenceKey); ok {
		node.bundleSequence = n
	}

	node.cfg = &session.Config{
		Identity:  node.identity,
		Held:      node.held,
		Index:     node.index,
		Engine:    node.engine,
		Filter:    node.filter,
		Registry:  node.registry,
		Mode:      node.state,
		Lifetimes: lifetimes,
		Local: session.Capabilities{
			MaxBundleBytes: options.MaxBundleBytes,
			ByteBudget:     uint64(preset.ContactByteBudget),
			BundleBudget:   uint64(preset.ContactBundleBudget),
			Classes:        session.ClassBitAll,
		},
		Timeout:   options.SessionTimeout,
		RateLimit: options.RateLimit,
	}
	node.answer = session.NewServer(node.cfg, node.counters)
	node.cleaner = retention.New(node.held, lifetimes, uint64(preset.RetentionBudget), preset.RetentionInterval)

	return node, nil
}

// Start - launch the background processes
func (node *Node) Start() error {
	node.Lock()
	defer node.Unlock()

	if nil != node.processes {
		return fault.ErrAlreadyInitialised
	}

	processes := background.Processes{
		node.cleaner,
		&bundler{
			log:      node.log,
			node:     node,
			interval: node.options.SealInterval,
		},
	}

	if "" != node.options.Domain {
		processes = append(processes, announce.NewRendezvous(
			node.options.Domain, node.registry, defaultDomainInterval, nil))
	}

	if "" != node.options.Listen {
		adapter, err := transport.NewZMQ(&transport.ZMQConfiguration{
			PrivateKey:   node.options.TransportSecret,
			PublicKey:    node.options.TransportPublic,
			Listen:       node.options.Listen,
			Timeout:      node.options.SessionTimeout,
			PollInterval: node.preset.DiscoveryInterval,
		}, &directory{
			registry: node.registry,
			self:     node.identity.DeviceId,
		})
		if nil != err {
			return err
		}
		processes = append(processes,
			adapter.NewServer(node.answer),
			session.NewManager(node.cfg, adapter, node.counters, node.preset.MaximumSessions),
		)
	}

	node.processes = background.Start(processes, nil)
	return nil
}

// Stop - stop the background processes and close the store
func (node *Node) Stop() {
	node.Lock()
	defer node.Unlock()

	if nil != node.processes {
		node.processes.Stop()
		node.processes = nil
	}
	node.state.Set(mode.Stopped)
	node.store.Close()
}

// Append - record a local mutation in the outbox
//
// the mutation travels with the next sealed bundle; a caller that
// needs it on the wire immediately follows up with SealNow
func (node *Node) Append(entityTable string, entityId []byte, operation mutation.Operation, kind mutation.Kind, payload []byte) (uint64, error) {
	_, sequence, err := node.outbox.Append(entityTable, entityId, operation, kind, payload)
	return sequence, err
}

// SealNow - drain the unbundled outbox into one signed bundle
//
// the bundle is held, merged locally and becomes visible to every
// following contact.  returns ErrOutboxEmpty when there is nothing
// to seal
func (node *Node) SealNow(class bundle.TTLClass) (*bundle.Bundle, error) {
	node.Lock()
	defer node.Unlock()

	entries, err := node.outbox.Unsealed(sealBatch)
	if nil != err {
		return nil, err
	}
	if 0 == len(entries) {
		return nil, fault.ErrOutboxEmpty
	}

	records := make([]*mutation.Record, len(entries))
	for i, entry := range entries {
		records[i] = entry.Record
	}

	sequence := node.bundleSequence + 1
	b, packed, err := bundle.Assemble(node.identity, sequence, class, time.Now().UTC(), records)
	if nil != err {
		return nil, err
	}

	node.held.Put(b, packed)
	if _, err = node.engine.Apply(b); nil != err {
		return nil, err
	}
	node.held.MarkMerged(b.BundleId)

	node.outbox.MarkSealed(entries[len(entries)-1].Sequence)
	node.bundleSequence = sequence
	node.store.State.PutN(bundleSequenceKey, sequence)

	node.log.Infof("sealed: %s  records: %d  class: %s", b.BundleId, len(records), class)
	return b, nil
}

// Entity - current winning payload for one entity, if any
func (node *Node) Entity(entityTable string, entityId []byte) (*mutation.Record, bool) {
	return node.engine.Entity(entityTable, entityId)
}

// AuditTrail - superseded mutations retained for one entity
func (node *Node) AuditTrail(entityTable string, entityId []byte) ([]*mutation.Record, error) {
	return node.engine.AuditTrail(entityTable, entityId)
}

// Statistics - point in time node status
type Statistics struct {
	DeviceId string             `json:"deviceId"`
	Role     string             `json:"role"`
	Mode     string             `json:"mode"`
	Clock    uint64             `json:"logicalClock"`
	Peers    int                `json:"peers"`
	Bundles  int                `json:"bundles"`
	Bytes    uint64             `json:"bundleBytes"`
	Evicted  uint64             `json:"evicted"`
	Session  session.Statistics `json:"session"`
}

// Statistics - snapshot counters for a status surface
func (node *Node) Statistics() Statistics {
	holdings, _ := node.held.Holdings()
	used, _ := node.held.UsedBytes()
	return Statistics{
		DeviceId: node.identity.DeviceId.String(),
		Role:     node.options.Role.String(),
		Mode:     node.state.String(),
		Clock:    node.outbox.Clock(),
		Peers:    node.registry.Count(),
		Bundles:  len(holdings),
		Bytes:    used,
		Evicted:  node.cleaner.Evicted(),
		Session:  node.counters.Snapshot(),
	}
}

// Registry - the peer registry, for direct peer injection
func (node *Node) Registry() *announce.Registry {
	return node.registry
}

// Mode - current operating mode
func (node *Node) Mode() mode.Mode {
	if node.state.Is(mode.Resynchronise) {
		return mode.Resynchronise
	}
	if node.state.Is(mode.Normal) {
		return mode.Normal
	}
	return mode.Stopped
}

// directory - adapt the peer registry for transport discovery
type directory struct {
	registry *announce.Registry
	self     device.ID
}

// Peers - every reachable registry entry except this node
func (d *directory) Peers() []transport.PeerHandle {
	entries := d.registry.All()
	peers := make([]transport.PeerHandle, 0, len(entries))
	for _, entry := range entries {
		if 0 == entry.DeviceId.Compare(d.self) {
			continue
		}
		if 0 == len(entry.Listeners) || 32 != len(entry.TransportKey) {
			continue
		}
		peers = append(peers, transport.PeerHandle{
			DeviceId:  entry.DeviceId,
			Address:   entry.Listeners[0],
			ServerKey: entry.TransportKey,
			Areas:     entry.Areas,
		})
	}
	return peers
}
