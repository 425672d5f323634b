// SPDX-License-Identifier: ISC
// Copyright (c) 2023-2026 Solarpunk Mesh Collective
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package trust - synchronous hooks deciding which bundles to merge
// and forward
//
// the sync engine calls the filter with bundle metadata only, never
// payload contents.  a rejected bundle is still recorded in dedup so
// it is not re-fetched, but its records never reach the merge engine.
// forwarding is gated per edge: a bundle acceptable locally may still
// be withheld from a particular peer.
package trust

import (
	"github.com/solarpunk-mesh/meshd/bundle"
	"github.com/solarpunk-mesh/meshd/device"
)

// Meta - what a filter is allowed to see about a bundle
type Meta struct {
	BundleId    bundle.ID
	Origin      device.ID
	Class       bundle.TTLClass
	RecordCount int
	Size        int
}

// Filter - the decision hooks
type Filter interface {
	// Accept - merge this bundle's records locally?
	Accept(meta *Meta) bool

	// MayForward - relay this bundle to the given peer?
	MayForward(meta *Meta, peer device.ID) bool
}

// PermitAll - the default filter, accepts and forwards everything
type PermitAll struct{}

// Accept - always true
func (PermitAll) Accept(meta *Meta) bool { return true }

// MayForward - always true
func (PermitAll) MayForward(meta *Meta, peer device.ID) bool { return true }

// StaticList - configuration driven allow/deny by origin device id
//
// an empty allow list means every origin is allowed; the deny list
// always wins over the allow list
type StaticList struct {
	allow map[device.ID]struct{}
	deny  map[device.ID]struct{}
}

// NewStaticList - build a filter from configured device id strings
func NewStaticList(allow []string, deny []string) (*StaticList, error) {
	list := &StaticList{
		allow: map[device.ID]struct{}{},
		deny:  map[device.ID]struct{}{},
	}
	for _, s := range allow {
		var id device.ID
		if err := id.UnmarshalText([]byte(s)); nil != err {
			return nil, err
		}
		list.allow[id] = struct{}{}
	}
	for _, s := range deny {
		var id device.ID
		if err := id.UnmarshalText([]byte(s)); nil != err {
			return nil, err
		}
		list.deny[id] = struct{}{}
	}
	return list, nil
}

// Accept - origin must pass the lists
func (list *StaticList) Accept(meta *Meta) bool {
	return list.pass(meta.Origin)
}

// MayForward - both the origin and the receiving peer must pass
//
// never relay a denied origin's data, and never feed an allowed
// origin's data to a denied peer
func (list *StaticList) MayForward(meta *Meta, peer device.ID) bool {
	return list.pass(meta.Origin) && list.pass(peer)
}

func (list *StaticList) pass(id device.ID) bool {
	if _, denied := list.deny[id]; denied {
		return false
	}
	if 0 == len(list.allow) {
		return true
	}
	_, allowed := list.allow[id]
	return allowed
}

// MetaFor - trust metadata of a decoded bundle
func MetaFor(b *bundle.Bundle, size int) *Meta {
	return &Meta{
		BundleId:    b.BundleId,
		Origin:      b.Origin(),
		Class:       b.Class,
		RecordCount: len(b.Records),
		Size:        size,
	}
}
