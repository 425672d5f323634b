// SPDX-License-Identifier: ISC
// Copyright (c) 2023-2026 Solarpunk Mesh Collective
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"path/filepath"
	"time"

	"github.com/bitmark-inc/logger"

	"github.com/solarpunk-mesh/meshd/bundle"
	"github.com/solarpunk-mesh/meshd/configuration"
	"github.com/solarpunk-mesh/meshd/fault"
	"github.com/solarpunk-mesh/meshd/role"
	"github.com/solarpunk-mesh/meshd/util"
)

// basic defaults (directories and files are relative to the "data_directory" from the configuration file)
const (
	defaultDataDirectory = "" // this will error; use "." for the same directory as the config file

	defaultDevicePublicKeyFile     = "device.public"
	defaultDevicePrivateKeyFile    = "device.private"
	defaultTransportPublicKeyFile  = "transport.public"
	defaultTransportPrivateKeyFile = "transport.private"

	defaultDatabase = "mesh.leveldb"

	defaultLogDirectory = "log"
	defaultLogFile      = "meshd.log"
	defaultLogCount     = 10          //  number of log files retained
	defaultLogSize      = 1024 * 1024 // rotate when <logfile> exceeds this size

	defaultListen       = "*:4130"
	defaultSealSeconds  = 30
	defaultMaximumSize  = 1048576
	defaultRendezvous   = "none"
	defaultRoleName     = "citizen"
	defaultSessionLimit = 120 // seconds of wall clock per contact
)

// KeyFilesType - a public and private key file pair
type KeyFilesType struct {
	Public  string `gluamapper:"public" json:"public"`
	Private string `gluamapper:"private" json:"private"`
}

// TrustType - static allow and deny lists of base58 device ids
type TrustType struct {
	Allow []string `gluamapper:"allow" json:"allow"`
	Deny  []string `gluamapper:"deny" json:"deny"`
}

// LifetimesType - per class bundle lifetimes in hours, 0 = default
type LifetimesType struct {
	EmergencyHours  int `gluamapper:"emergency_hours" json:"emergency_hours"`
	PerishableHours int `gluamapper:"perishable_hours" json:"perishable_hours"`
	DurableHours    int `gluamapper:"durable_hours" json:"durable_hours"`
}

// Configuration - the meshd configuration file
type Configuration struct {
	DataDirectory string   `gluamapper:"data_directory" json:"data_directory"`
	PidFile       string   `gluamapper:"pidfile" json:"pidfile"`
	Role          string   `gluamapper:"role" json:"role"`
	Areas         []string `gluamapper:"areas" json:"areas"`
	Nodes         string   `gluamapper:"nodes" json:"nodes"`
	Listen        string   `gluamapper:"listen" json:"listen"`
	Database      string   `gluamapper:"database" json:"database"`

	DeviceKeys    KeyFilesType `gluamapper:"device_keys" json:"device_keys"`
	TransportKeys KeyFilesType `gluamapper:"transport_keys" json:"transport_keys"`

	Trust     TrustType     `gluamapper:"trust" json:"trust"`
	Lifetimes LifetimesType `gluamapper:"lifetimes" json:"lifetimes"`

	SealSeconds       int `gluamapper:"seal_seconds" json:"seal_seconds"`
	SessionSeconds    int `gluamapper:"session_seconds" json:"session_seconds"`
	RateLimit         int `gluamapper:"rate_limit" json:"rate_limit"`
	MaximumBundleSize int `gluamapper:"maximum_bundle_size" json:"maximum_bundle_size"`

	Logging logger.Configuration `gluamapper:"logging" json:"logging"`
}

// will read decode and verify the configuration
func getConfiguration(configurationFileName string) (*Configuration, error) {

	configurationFileName, err := filepath.Abs(filepath.Clean(configurationFileName))
	if nil != err {
		return nil, err
	}

	options := &Configuration{
		DataDirectory: defaultDataDirectory,
		PidFile:       "", // no PidFile by default
		Role:          defaultRoleName,
		Nodes:         defaultRendezvous,
		Listen:        defaultListen,
		Database:      defaultDatabase,

		DeviceKeys: KeyFilesType{
			Public:  defaultDevicePublicKeyFile,
			Private: defaultDevicePrivateKeyFile,
		},
		TransportKeys: KeyFilesType{
			Public:  defaultTransportPublicKeyFile,
			Private: defaultTransportPrivateKeyFile,
		},

		SealSeconds:       defaultSealSeconds,
		SessionSeconds:    defaultSessionLimit,
		MaximumBundleSize: defaultMaximumSize,

		Logging: logger.Configuration{
			Directory: defaultLogDirectory,
			File:      defaultLogFile,
			Size:      defaultLogSize,
			Count:     defaultLogCount,
			Levels: map[string]string{
				logger.DefaultTag: "critical",
			},
		},
	}

	if err := configuration.ParseConfigurationFile(configurationFileName, options); nil != err {
		return nil, err
	}

	if "" == options.DataDirectory {
		return nil, fault.ErrInvalidDatabaseName
	}
	if "." == options.DataDirectory {
		options.DataDirectory, _ = filepath.Split(configurationFileName)
	}
	options.DataDirectory, err = filepath.Abs(filepath.Clean(options.DataDirectory))
	if nil != err {
		return nil, err
	}

	if !role.Valid(options.Role) {
		return nil, fault.ErrInvalidRole
	}

	// force all relevant items to be absolute paths
	// if not, assign them to the data directory
	mustBeAbsolute := []*string{
		&options.Database,
		&options.DeviceKeys.Public,
		&options.DeviceKeys.Private,
		&options.TransportKeys.Public,
		&options.TransportKeys.Private,
		&options.Logging.Directory,
	}
	for _, f := range mustBeAbsolute {
		*f = util.EnsureAbsolute(options.DataDirectory, *f)
	}

	// optional absolute paths
	mustBeAbsoluteOrBlank := []*string{
		&options.PidFile,
	}
	for _, f := range mustBeAbsoluteOrBlank {
		if "" != *f {
			*f = util.EnsureAbsolute(options.DataDirectory, *f)
		}
	}

	return options, nil
}

// lifetimes - convert the configured hour counts
func (options *Configuration) lifetimes() bundle.Lifetimes {
	lifetimes := bundle.DefaultLifetimes()
	if options.Lifetimes.EmergencyHours > 0 {
		lifetimes.Emergency = time.Duration(options.Lifetimes.EmergencyHours) * time.Hour
	}
	if options.Lifetimes.PerishableHours > 0 {
		lifetimes.Perishable = time.Duration(options.Lifetimes.PerishableHours) * time.Hour
	}
	if options.Lifetimes.DurableHours > 0 {
		lifetimes.Durable = time.Duration(options.Lifetimes.DurableHours) * time.Hour
	}
	return lifetimes
}

// domain - the rendezvous domain, empty when disabled
func (options *Configuration) domain() string {
	switch options.Nodes {
	case "", "none":
		return ""
	default:
		return options.Nodes
	}
}
