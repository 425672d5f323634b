// SPDX-License-Identifier: ISC
// Copyright (c) 2023-2026 Solarpunk Mesh Collective
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package trust_test

import (
	"testing"

	"github.com/solarpunk-mesh/meshd/bundle"
	"github.com/solarpunk-mesh/meshd/device"
	"github.com/solarpunk-mesh/meshd/trust"
)

func makeMeta(t *testing.T) (*trust.Meta, device.ID) {
	origin, err := device.NewIdentity()
	if nil != err {
		t.Fatalf("identity error: %s", err)
	}
	peer, err := device.NewIdentity()
	if nil != err {
		t.Fatalf("identity error: %s", err)
	}
	meta := &trust.Meta{
		BundleId:    bundle.NewID(origin.DeviceId, 1),
		Origin:      origin.DeviceId,
		Class:       bundle.Durable,
		RecordCount: 1,
		Size:        100,
	}
	return meta, peer.DeviceId
}

func TestPermitAll(t *testing.T) {
	meta, peer := makeMeta(t)

	filter := trust.PermitAll{}
	if !filter.Accept(meta) {
		t.Errorf("permit all rejected a bundle")
	}
	if !filter.MayForward(meta, peer) {
		t.Errorf("permit all blocked a forward")
	}
}

func TestStaticListDeny(t *testing.T) {
	meta, peer := makeMeta(t)

	filter, err := trust.NewStaticList(nil, []string{meta.Origin.String()})
	if nil != err {
		t.Fatalf("list error: %s", err)
	}

	if filter.Accept(meta) {
		t.Errorf("denied origin accepted")
	}
	if filter.MayForward(meta, peer) {
		t.Errorf("denied origin forwarded")
	}
}

func TestStaticListAllow(t *testing.T) {
	meta, peer := makeMeta(t)

	// allow list without the origin
	filter, err := trust.NewStaticList([]string{peer.String()}, nil)
	if nil != err {
		t.Fatalf("list error: %s", err)
	}
	if filter.Accept(meta) {
		t.Errorf("origin outside allow list accepted")
	}

	// allow list with the origin
	filter, err = trust.NewStaticList([]string{meta.Origin.String(), peer.String()}, nil)
	if nil != err {
		t.Fatalf("list error: %s", err)
	}
	if !filter.Accept(meta) {
		t.Errorf("allowed origin rejected")
	}
	if !filter.MayForward(meta, peer) {
		t.Errorf("allowed pair blocked")
	}
}

// deny always beats allow, and the peer is gated too
func TestStaticListEdgeGating(t *testing.T) {
	meta, peer := makeMeta(t)

	filter, err := trust.NewStaticList(
		[]string{meta.Origin.String(), peer.String()},
		[]string{peer.String()},
	)
	if nil != err {
		t.Fatalf("list error: %s", err)
	}

	if !filter.Accept(meta) {
		t.Errorf("origin rejected")
	}
	if filter.MayForward(meta, peer) {
		t.Errorf("forward to denied peer allowed")
	}
}

func TestStaticListBadId(t *testing.T) {
	_, err := trust.NewStaticList([]string{"not-a-device-id-%%"}, nil)
	if nil == err {
		t.Errorf("malformed device id accepted")
	}
}
