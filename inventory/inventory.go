// SPDX-License-Identifier: ISC
// Copyright (c) 2023-2026 Solarpunk Mesh Collective
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package inventory - compact description of the bundles a device holds
//
// a summary is exchanged during a session so each side can compute
// which of its bundles the other is missing.  small holdings are sent
// as an explicit id list; beyond a threshold the list is replaced by a
// bloom filter.  the filter can produce false positives, so a bundle
// may occasionally be skipped that the peer did not actually hold; it
// can never produce false negatives, so no bundle is ever sent twice
// because of the summary.
package inventory

import (
	"github.com/bits-and-blooms/bloom/v3"

	"github.com/solarpunk-mesh/meshd/bundle"
	"github.com/solarpunk-mesh/meshd/fault"
	"github.com/solarpunk-mesh/meshd/util"
)

// leading type byte of a packed summary
const (
	taggedExplicit = 0x01
	taggedBloom    = 0x02
)

const (
	// ExplicitLimit - holdings at or below this size are sent verbatim
	ExplicitLimit = 128

	// false positive rate for the bloom encoding
	bloomFalsePositiveRate = 0.01

	// cap on a packed summary coming off the wire
	maximumPackedLength = 1048576
)

// Summary - one side's bundle holdings in transferable form
type Summary struct {
	explicit map[bundle.ID]struct{}
	filter   *bloom.BloomFilter
}

// Packed - byte form of a summary
type Packed []byte

// NewSummary - summarise a set of bundle ids
//
// the representation is chosen from the holding size
func NewSummary(holdings []bundle.ID) *Summary {
	if len(holdings) <= ExplicitLimit {
		explicit := make(map[bundle.ID]struct{}, len(holdings))
		for _, bundleId := range holdings {
			explicit[bundleId] = struct{}{}
		}
		return &Summary{explicit: explicit}
	}

	filter := bloom.NewWithEstimates(uint(len(holdings)), bloomFalsePositiveRate)
	for _, bundleId := range holdings {
		filter.Add(bundleId[:])
	}
	return &Summary{filter: filter}
}

// Contains - probable membership test
//
// exact for explicit summaries, may err towards true for bloom ones
func (summary *Summary) Contains(bundleId bundle.ID) bool {
	if nil != summary.explicit {
		_, ok := summary.explicit[bundleId]
		return ok
	}
	if nil != summary.filter {
		return summary.filter.Test(bundleId[:])
	}
	return false
}

// IsExact - true when Contains answers without false positives
func (summary *Summary) IsExact() bool {
	return nil == summary.filter
}

// Pack - serialise for the wire
//
// format: type byte, then either varint count followed by raw 16 byte
// ids, or the bloom filter's binary encoding
func (summary *Summary) Pack() (Packed, error) {
	if nil != summary.filter {
		encoded, err := summary.filter.MarshalBinary()
		if nil != err {
			return nil, err
		}
		packed := make(Packed, 1, 1+len(encoded))
		packed[0] = taggedBloom
		return append(packed, encoded...), nil
	}

	packed := make(Packed, 1, 1+util.Varint64MaximumBytes+bundle.IdLength*len(summary.explicit))
	packed[0] = taggedExplicit
	packed = append(packed, util.ToVarint64(uint64(len(summary.explicit)))...)
	for bundleId := range summary.explicit {
		packed = append(packed, bundleId[:]...)
	}
	return packed, nil
}

// Unpack - recover a summary from its wire form
func (packed Packed) Unpack() (*Summary, error) {
	if 0 == len(packed) || len(packed) > maximumPackedLength {
		return nil, fault.ErrInvalidInventorySummary
	}

	switch packed[0] {

	case taggedExplicit:
		count, n := util.FromVarint64(packed[1:])
		if 0 == n {
			return nil, fault.ErrInvalidInventorySummary
		}
		rest := packed[1+n:]
		if 0 != len(rest)%bundle.IdLength {
			return nil, fault.ErrInvalidInventorySummary
		}
		if count > maximumPackedLength/bundle.IdLength || count != uint64(len(rest)/bundle.IdLength) {
			return nil, fault.ErrInvalidInventorySummary
		}
		explicit := make(map[bundle.ID]struct{}, count)
		for i := uint64(0); i < count; i += 1 {
			var bundleId bundle.ID
			copy(bundleId[:], rest[i*bundle.IdLength:])
			explicit[bundleId] = struct{}{}
		}
		return &Summary{explicit: explicit}, nil

	case taggedBloom:
		filter := &bloom.BloomFilter{}
		if err := filter.UnmarshalBinary(packed[1:]); nil != err {
			return nil, fault.ErrInvalidInventorySummary
		}
		return &Summary{filter: filter}, nil

	default:
		return nil, fault.ErrInvalidInventorySummary
	}
}
