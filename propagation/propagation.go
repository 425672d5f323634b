// SPDX-License-Identifier: ISC
// Copyright (c) 2023-2026 Solarpunk Mesh Collective
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package propagation - chooses which held bundles go to a peer
//
// plain FIFO would let emergency traffic starve behind a backlog of
// durable bundles during a short contact, so selection runs in three
// strict tiers: emergency bundles the peer lacks go first, oldest
// leading; then perishable bundles ordered by how close they are to
// expiring; then durable bundles in creation order.  the negotiated
// per-contact budget caps both bytes and bundle count.
//
// selection is a pure computation: no locks, no blocking calls, no
// side effects.  the session task gathers candidates and applies trust
// gating before calling in.
package propagation

import (
	"sort"
	"time"

	"github.com/solarpunk-mesh/meshd/bundle"
	"github.com/solarpunk-mesh/meshd/holding"
	"github.com/solarpunk-mesh/meshd/inventory"
)

// Budget - negotiated per-contact transfer limits
type Budget struct {
	MaxBytes   uint64
	MaxBundles int
}

// Select - pick and order bundles for one peer
//
// candidates the peer already holds, or that have expired, are never
// selected.  a bundle too large for the remaining byte budget is
// skipped without ending the scan, so a later smaller bundle of the
// same tier may still travel.
func Select(candidates []*holding.Meta, peer *inventory.Summary, budget Budget, now time.Time, lifetimes bundle.Lifetimes) []*holding.Meta {

	var emergency, perishable, durable []*holding.Meta

	for _, meta := range candidates {
		if nil != peer && peer.Contains(meta.BundleId) {
			continue
		}
		age := now.Sub(meta.CreatedAt)
		if age >= lifetimes.For(meta.Class) {
			continue // expired
		}
		switch meta.Class {
		case bundle.Emergency:
			emergency = append(emergency, meta)
		case bundle.Perishable:
			perishable = append(perishable, meta)
		case bundle.Durable:
			durable = append(durable, meta)
		}
	}

	// tier 1: oldest first
	sort.SliceStable(emergency, func(i, j int) bool {
		return emergency[i].CreatedAt.Before(emergency[j].CreatedAt)
	})

	// tier 2: closest to expiry first
	sort.SliceStable(perishable, func(i, j int) bool {
		ri := lifetimes.For(bundle.Perishable) - now.Sub(perishable[i].CreatedAt)
		rj := lifetimes.For(bundle.Perishable) - now.Sub(perishable[j].CreatedAt)
		return ri < rj
	})

	// tier 3: FIFO by creation
	sort.SliceStable(durable, func(i, j int) bool {
		return durable[i].CreatedAt.Before(durable[j].CreatedAt)
	})

	selected := make([]*holding.Meta, 0, budget.MaxBundles)
	usedBytes := uint64(0)

tiers:
	for _, tier := range [][]*holding.Meta{emergency, perishable, durable} {
		for _, meta := range tier {
			if len(selected) >= budget.MaxBundles {
				break tiers
			}
			if usedBytes+uint64(meta.Size) > budget.MaxBytes {
				continue
			}
			selected = append(selected, meta)
			usedBytes += uint64(meta.Size)
		}
	}

	return selected
}
