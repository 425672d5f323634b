// SPDX-License-Identifier: ISC
// Copyright (c) 2023-2026 Solarpunk Mesh Collective
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package retention - keeps held bundles inside the role's storage budget
//
// runs as a periodic background task.  every cycle drops expired
// bundles outright, then, while still over budget, evicts in a fixed
// order: lowest ttl class first, forwarded bundles before unforwarded
// ones, oldest first.  an emergency bundle that has never been
// propagated is only evicted once nothing else is left to give up.
//
// the eviction set is decided against a snapshot of the holdings;
// deletes run afterwards so active sessions are never blocked behind
// the sweep.
package retention

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/bitmark-inc/logger"

	"github.com/solarpunk-mesh/meshd/bundle"
	"github.com/solarpunk-mesh/meshd/holding"
)

// Cleaner - the retention background task
type Cleaner struct {
	log       *logger.L
	held      *holding.Store
	lifetimes bundle.Lifetimes
	budget    uint64 // bytes
	interval  time.Duration
	evicted   atomic.Uint64
}

// New - create a cleaner for a role's byte budget
func New(held *holding.Store, lifetimes bundle.Lifetimes, budget uint64, interval time.Duration) *Cleaner {
	return &Cleaner{
		log:       logger.New("retention"),
		held:      held,
		lifetimes: lifetimes,
		budget:    budget,
		interval:  interval,
	}
}

// Run - background process loop
func (cleaner *Cleaner) Run(args interface{}, shutdown <-chan struct{}) {
	log := cleaner.log
	log.Info("starting…")

loop:
	for {
		select {
		case <-shutdown:
			break loop
		case <-time.After(cleaner.interval):
			evicted, err := cleaner.Cycle(time.Now())
			if nil != err {
				log.Errorf("cycle error: %s", err)
			} else if evicted > 0 {
				log.Infof("evicted: %d bundles", evicted)
			}
		}
	}
	log.Info("stopped")
}

// Cycle - one retention pass at the given instant
func (cleaner *Cleaner) Cycle(now time.Time) (int, error) {
	metas, err := cleaner.held.All()
	if nil != err {
		return 0, err
	}

	evict := []bundle.ID{}
	live := []*holding.Meta{}
	used := uint64(0)

	for _, meta := range metas {
		if now.Sub(meta.CreatedAt) >= cleaner.lifetimes.For(meta.Class) {
			evict = append(evict, meta.BundleId)
			continue
		}
		live = append(live, meta)
		used += uint64(meta.Size)
	}

	if used > cleaner.budget {
		sort.SliceStable(live, evictionOrder(live))
		for _, meta := range live {
			if used <= cleaner.budget {
				break
			}
			evict = append(evict, meta.BundleId)
			used -= uint64(meta.Size)
		}
	}

	// deletes happen outside any decision locking
	for _, bundleId := range evict {
		if err := cleaner.held.Remove(bundleId); nil != err {
			return len(evict), err
		}
		cleaner.evicted.Add(1)
	}
	return len(evict), nil
}

// Evicted - bundles evicted since the cleaner was created
func (cleaner *Cleaner) Evicted() uint64 {
	return cleaner.evicted.Load()
}

// evictionOrder - earlier in the sort is evicted sooner
func evictionOrder(live []*holding.Meta) func(i, j int) bool {
	return func(i, j int) bool {
		a, b := live[i], live[j]

		// unpropagated emergency traffic goes last of all
		la, lb := lastResort(a), lastResort(b)
		if la != lb {
			return lb
		}

		// lower ttl class gives way first
		if a.Class != b.Class {
			return classOrder(a.Class) < classOrder(b.Class)
		}

		// a bundle that already did its forwarding job goes before
		// one still waiting to be carried onward
		fa, fb := a.Merged && a.Propagated > 0, b.Merged && b.Propagated > 0
		if fa != fb {
			return fa
		}

		return a.CreatedAt.Before(b.CreatedAt)
	}
}

func lastResort(meta *holding.Meta) bool {
	return bundle.Emergency == meta.Class && 0 == meta.Propagated
}

// eviction precedence of the ttl classes, lowest evicted first
func classOrder(class bundle.TTLClass) int {
	switch class {
	case bundle.Durable:
		return 0
	case bundle.Perishable:
		return 1
	case bundle.Emergency:
		return 2
	default:
		return -1
	}
}
