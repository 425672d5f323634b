// SPDX-License-Identifier: ISC
// Copyright (c) 2023-2026 Solarpunk Mesh Collective
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package util_test

import (
	"bytes"
	"testing"

	"github.com/solarpunk-mesh/meshd/util"
)

// test Varint64 round trip over representative boundaries
func TestVarint64(t *testing.T) {

	testData := []struct {
		value   uint64
		encoded []byte
	}{
		{0, []byte{0x00}},
		{1, []byte{0x01}},
		{0x7f, []byte{0x7f}},
		{0x80, []byte{0x80, 0x01}},
		{0x3fff, []byte{0xff, 0x7f}},
		{0x4000, []byte{0x80, 0x80, 0x01}},
		{0xffffffffffffffff, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}},
	}

	for i, item := range testData {
		encoded := util.ToVarint64(item.value)
		if !bytes.Equal(encoded, item.encoded) {
			t.Errorf("%d: encode: %d  actual: %x  expected: %x", i, item.value, encoded, item.encoded)
		}

		value, count := util.FromVarint64(encoded)
		if count != len(item.encoded) {
			t.Errorf("%d: decode used: %d bytes  expected: %d", i, count, len(item.encoded))
		}
		if value != item.value {
			t.Errorf("%d: decode: %x  actual: %d  expected: %d", i, encoded, value, item.value)
		}
	}
}

// truncated buffers must return 0, 0
func TestVarint64Truncated(t *testing.T) {

	value, count := util.FromVarint64([]byte{})
	if 0 != value || 0 != count {
		t.Errorf("empty buffer: %d, %d  expected: 0, 0", value, count)
	}

	value, count = util.FromVarint64([]byte{0x80, 0x80})
	if 0 != value || 0 != count {
		t.Errorf("truncated buffer: %d, %d  expected: 0, 0", value, count)
	}
}

// range clipping
func TestClippedVarint64(t *testing.T) {

	buffer := util.ToVarint64(300)

	v, n := util.ClippedVarint64(buffer, 1, 1000)
	if 300 != v || len(buffer) != n {
		t.Errorf("clipped: %d, %d  expected: 300, %d", v, n, len(buffer))
	}

	v, n = util.ClippedVarint64(buffer, 1, 100)
	if 0 != v || 0 != n {
		t.Errorf("out of range accepted: %d, %d", v, n)
	}

	v, n = util.ClippedVarint64(buffer, 100, 10)
	if 0 != v || 0 != n {
		t.Errorf("inverted range accepted: %d, %d", v, n)
	}
}
