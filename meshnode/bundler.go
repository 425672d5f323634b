// SPDX-License-Identifier: ISC
// Copyright (c) 2023-2026 Solarpunk Mesh Collective
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package meshnode

import (
	"time"

	"github.com/bitmark-inc/logger"

	"github.com/solarpunk-mesh/meshd/bundle"
	"github.com/solarpunk-mesh/meshd/fault"
)

// bundler - periodically seal the outbox into durable bundles
//
// callers needing a faster or more urgent class use SealNow directly;
// the background pass only guarantees no mutation lingers unbundled
type bundler struct {
	log      *logger.L
	node     *Node
	interval time.Duration
}

// Run - background processing interface
func (b *bundler) Run(args interface{}, shutdown <-chan struct{}) {
	log := b.log
	log.Info("bundler: starting…")

loop:
	for {
		select {
		case <-shutdown:
			break loop
		case <-time.After(b.interval):
			_, err := b.node.SealNow(bundle.Durable)
			if nil != err && fault.ErrOutboxEmpty != err {
				log.Errorf("bundler: seal error: %s", err)
			}
		}
	}
	log.Info("bundler: stopped")
}
