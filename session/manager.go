// SPDX-License-Identifier: ISC
// Copyright (c) 2023-2026 Solarpunk Mesh Collective
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package session

import (
	"context"
	"sync"

	"github.com/bitmark-inc/logger"

	"github.com/solarpunk-mesh/meshd/transport"
)

// Manager - long-lived discovery loop feeding a bounded session pool
//
// one background task watches the adapter for peers; every discovered
// peer gets its own session goroutine, capped by the worker limit.
// unbounded concurrency is deliberately not allowed: radio and battery
// budgets bind before bandwidth does on the devices this runs on.
type Manager struct {
	log      *logger.L
	cfg      *Config
	adapter  transport.Adapter
	counters *Counters
	maximum  int
	wg       sync.WaitGroup
}

// NewManager - create the discovery and session driver
func NewManager(cfg *Config, adapter transport.Adapter, counters *Counters, maximumSessions int) *Manager {
	if maximumSessions < 1 {
		maximumSessions = 1
	}
	return &Manager{
		log:      logger.New("contacts"),
		cfg:      cfg,
		adapter:  adapter,
		counters: counters,
		maximum:  maximumSessions,
	}
}

// Counters - the statistics shared with the answering side
func (manager *Manager) Counters() *Counters {
	return manager.counters
}

// Run - background processing interface
func (manager *Manager) Run(args interface{}, shutdown <-chan struct{}) {
	log := manager.log
	log.Info("starting…")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-shutdown
		cancel()
	}()

	found, err := manager.adapter.Discover(ctx)
	if nil != err {
		log.Criticalf("discover error: %s", err)
		return
	}

	// bounded worker pool
	slots := make(chan struct{}, manager.maximum)

loop:
	for {
		select {
		case <-shutdown:
			break loop
		case peer, ok := <-found:
			if !ok {
				break loop
			}
			select {
			case slots <- struct{}{}:
			case <-shutdown:
				break loop
			}

			manager.wg.Add(1)
			go func(peer transport.PeerHandle) {
				defer func() {
					<-slots
					manager.wg.Done()
				}()
				manager.contact(peer)
			}(peer)
		}
	}

	manager.wg.Wait()
	log.Info("stopped")
}

// contact - one full session with one peer
func (manager *Manager) contact(peer transport.PeerHandle) {
	channel, err := manager.adapter.Connect(peer)
	if nil != err {
		manager.log.Warnf("connect %s error: %s", peer.Address, err)
		manager.counters.failed.Add(1)
		return
	}

	s := NewSession(manager.cfg, peer, channel, manager.counters)
	if err := s.Run(); nil != err {
		manager.log.Warnf("session %s error: %s", peer.DeviceId, err)
	}
}
