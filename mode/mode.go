// SPDX-License-Identifier: ISC
// Copyright (c) 2023-2026 Solarpunk Mesh Collective
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package mode - overall operating state of a node
//
// the only state the UI layer is expected to surface is Resynchronise,
// which marks a node whose local store was found corrupt
package mode

import (
	"sync"

	"github.com/bitmark-inc/logger"
)

// Mode - type to hold the mode
type Mode int

// all possible modes
const (
	Stopped Mode = iota
	Resynchronise
	Normal
)

// State - per-node mode holder
type State struct {
	sync.RWMutex
	log  *logger.L
	mode Mode
}

// New - create a mode holder, initially in Resynchronise until the
// local store is verified
func New(log *logger.L) *State {
	return &State{
		log:  log,
		mode: Resynchronise,
	}
}

// Set - change mode
func (state *State) Set(mode Mode) {
	state.Lock()
	state.mode = mode
	state.Unlock()

	state.log.Infof("set: %s", mode)
}

// Is - check mode
func (state *State) Is(mode Mode) bool {
	state.RLock()
	defer state.RUnlock()
	return mode == state.mode
}

// String - current mode rendered for the status surface
func (state *State) String() string {
	state.RLock()
	defer state.RUnlock()
	return state.mode.String()
}

// String - name of a mode
func (mode Mode) String() string {
	switch mode {
	case Stopped:
		return "Stopped"
	case Resynchronise:
		return "Resynchronise"
	case Normal:
		return "Normal"
	default:
		return "*Unknown*"
	}
}
