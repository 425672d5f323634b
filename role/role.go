// SPDX-License-Identifier: ISC
// Copyright (c) 2023-2026 Solarpunk Mesh Collective
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package role - device role presets
//
// a role only selects resource budgets and intervals; it never changes
// merge or ordering behaviour
package role

import (
	"strings"
	"time"

	"github.com/solarpunk-mesh/meshd/fault"
)

// Role - the provisioned device role
type Role int

// all supported roles
const (
	Citizen Role = iota
	Bridge
	AccessPoint
	Library
)

// role names as used in configuration files
const (
	citizenName     = "citizen"
	bridgeName      = "bridge"
	accessPointName = "ap"
	libraryName     = "library"
)

// Preset - resource budgets supplied by a role
type Preset struct {
	RetentionBudget     int64         // total bundle bytes retained
	MaximumSessions     int           // concurrent peer sessions
	ContactByteBudget   int64         // bytes transferred per contact
	ContactBundleBudget int           // bundles transferred per contact
	DiscoveryInterval   time.Duration // pause between discovery cycles
	RetentionInterval   time.Duration // pause between eviction cycles
}

// budgets sized for old low-end phones at the bottom end and
// fixed library machines at the top
var presets = map[Role]Preset{
	Citizen: {
		RetentionBudget:     16 * 1024 * 1024,
		MaximumSessions:     2,
		ContactByteBudget:   512 * 1024,
		ContactBundleBudget: 64,
		DiscoveryInterval:   30 * time.Second,
		RetentionInterval:   5 * time.Minute,
	},
	Bridge: {
		RetentionBudget:     256 * 1024 * 1024,
		MaximumSessions:     4,
		ContactByteBudget:   8 * 1024 * 1024,
		ContactBundleBudget: 1024,
		DiscoveryInterval:   15 * time.Second,
		RetentionInterval:   5 * time.Minute,
	},
	AccessPoint: {
		RetentionBudget:     512 * 1024 * 1024,
		MaximumSessions:     16,
		ContactByteBudget:   16 * 1024 * 1024,
		ContactBundleBudget: 2048,
		DiscoveryInterval:   10 * time.Second,
		RetentionInterval:   2 * time.Minute,
	},
	Library: {
		RetentionBudget:     4 * 1024 * 1024 * 1024,
		MaximumSessions:     16,
		ContactByteBudget:   64 * 1024 * 1024,
		ContactBundleBudget: 8192,
		DiscoveryInterval:   10 * time.Second,
		RetentionInterval:   10 * time.Minute,
	},
}

// FromName - convert a configuration name to a Role
func FromName(name string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case citizenName:
		return Citizen, nil
	case bridgeName:
		return Bridge, nil
	case accessPointName:
		return AccessPoint, nil
	case libraryName:
		return Library, nil
	default:
		return Citizen, fault.ErrInvalidRole
	}
}

// Valid - check a role name is supported
func Valid(name string) bool {
	_, err := FromName(name)
	return nil == err
}

// Preset - the budgets for a role
func (role Role) Preset() Preset {
	return presets[role]
}

// String - canonical name of a role
func (role Role) String() string {
	switch role {
	case Citizen:
		return citizenName
	case Bridge:
		return bridgeName
	case AccessPoint:
		return accessPointName
	case Library:
		return libraryName
	default:
		return "*unknown*"
	}
}
