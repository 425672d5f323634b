// SPDX-License-Identifier: ISC
// Copyright (c) 2023-2026 Solarpunk Mesh Collective
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package session

import (
	"sync/atomic"
)

// Counters - running totals across all sessions of one node
type Counters struct {
	sent       atomic.Uint64
	received   atomic.Uint64
	merged     atomic.Uint64
	rejected   atomic.Uint64
	duplicates atomic.Uint64
	completed  atomic.Uint64
	failed     atomic.Uint64
}

// Statistics - a point-in-time snapshot of the counters
type Statistics struct {
	BundlesSent       uint64 `json:"bundlesSent"`
	BundlesReceived   uint64 `json:"bundlesReceived"`
	BundlesMerged     uint64 `json:"bundlesMerged"`
	BundlesRejected   uint64 `json:"bundlesRejected"`
	Duplicates        uint64 `json:"duplicates"`
	SessionsCompleted uint64 `json:"sessionsCompleted"`
	SessionsFailed    uint64 `json:"sessionsFailed"`
}

// Snapshot - read all counters at once
func (counters *Counters) Snapshot() Statistics {
	return Statistics{
		BundlesSent:       counters.sent.Load(),
		BundlesReceived:   counters.received.Load(),
		BundlesMerged:     counters.merged.Load(),
		BundlesRejected:   counters.rejected.Load(),
		Duplicates:        counters.duplicates.Load(),
		SessionsCompleted: counters.completed.Load(),
		SessionsFailed:    counters.failed.Load(),
	}
}
