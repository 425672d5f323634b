// SPDX-License-Identifier: ISC
// Copyright (c) 2023-2026 Solarpunk Mesh Collective
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitmark-inc/exitwithstatus"
	"github.com/bitmark-inc/getoptions"
	"github.com/bitmark-inc/logger"

	"github.com/solarpunk-mesh/meshd/device"
	"github.com/solarpunk-mesh/meshd/meshnode"
	"github.com/solarpunk-mesh/meshd/role"
	"github.com/solarpunk-mesh/meshd/transport"
)

// set by the linker: go build -ldflags "-X main.version=M.N" ./...
var version = "zero" // do not change this value

// main program
func main() {
	// ensure exit handler is first
	defer exitwithstatus.Handler()

	flags := []getoptions.Option{
		{Long: "help", HasArg: getoptions.NO_ARGUMENT, Short: 'h'},
		{Long: "verbose", HasArg: getoptions.NO_ARGUMENT, Short: 'v'},
		{Long: "quiet", HasArg: getoptions.NO_ARGUMENT, Short: 'q'},
		{Long: "version", HasArg: getoptions.NO_ARGUMENT, Short: 'V'},
		{Long: "config-file", HasArg: getoptions.REQUIRED_ARGUMENT, Short: 'c'},
	}

	program, options, arguments, err := getoptions.GetOS(flags)
	if nil != err {
		exitwithstatus.Message("%s: getoptions error: %s", program, err)
	}

	if len(options["version"]) > 0 {
		processSetupCommand(program, []string{"version"})
		return
	}

	if len(options["help"]) > 0 {
		processSetupCommand(program, []string{"help"})
		return
	}

	// these commands do not require the configuration
	if len(arguments) > 0 && processSetupCommand(program, arguments) {
		return
	}

	if 1 != len(options["config-file"]) {
		exitwithstatus.Message("%s: only one config-file option is required, %d were detected", program, len(options["config-file"]))
	}

	// read options and parse the configuration file
	configurationFile := options["config-file"][0]
	theConfiguration, err := getConfiguration(configurationFile)
	if nil != err {
		exitwithstatus.Message("%s: failed to read configuration from: %q  error: %s", program, configurationFile, err)
	}

	// these commands require the configuration and
	// perform enquiries on the configuration
	if len(arguments) > 0 && processConfigCommand(arguments, theConfiguration) {
		return
	}

	// start logging
	if err = logger.Initialise(theConfiguration.Logging); nil != err {
		exitwithstatus.Message("%s: logger setup failed with error: %s", program, err)
	}
	defer logger.Finalise()

	// create a logger channel for the main program
	log := logger.New("main")
	defer log.Info("finished")
	log.Info("starting…")
	log.Infof("version: %s", version)

	// ------------------
	// start of real main
	// ------------------

	// optional PID file
	// use if not running under a supervisor program like daemon(8)
	if "" != theConfiguration.PidFile {
		lockFile, err := os.OpenFile(theConfiguration.PidFile, os.O_WRONLY|os.O_EXCL|os.O_CREATE, os.ModeExclusive|0600)
		if err != nil {
			if os.IsExist(err) {
				exitwithstatus.Message("%s: another instance is already running", program)
			}
			exitwithstatus.Message("%s: PID file: %q creation failed, error: %s", program, theConfiguration.PidFile, err)
		}
		fmt.Fprintf(lockFile, "%d\n", os.Getpid())
		lockFile.Close()
		defer os.Remove(theConfiguration.PidFile)
	}

	// load the signing identity
	identity, err := device.LoadIdentity(theConfiguration.DeviceKeys.Private)
	if nil != err {
		log.Criticalf("device identity: %q error: %s", theConfiguration.DeviceKeys.Private, err)
		exitwithstatus.Message("device identity: %q error: %s  (run: %s gen-device-identity)", theConfiguration.DeviceKeys.Private, err, program)
	}
	log.Infof("device id: %s", identity.DeviceId)

	// load the transport keys
	transportPublic, transportPrivate, err := transport.ReadKeyPair(theConfiguration.TransportKeys.Public, theConfiguration.TransportKeys.Private)
	if nil != err {
		log.Criticalf("transport keys: %q error: %s", theConfiguration.TransportKeys.Private, err)
		exitwithstatus.Message("transport keys: %q error: %s  (run: %s gen-transport-keys)", theConfiguration.TransportKeys.Private, err, program)
	}

	deviceRole, err := role.FromName(theConfiguration.Role)
	if nil != err {
		exitwithstatus.Message("%s: invalid role: %q", program, theConfiguration.Role)
	}

	// general info
	log.Infof("role: %s", deviceRole)
	log.Infof("database: %q", theConfiguration.Database)
	log.Infof("rendezvous: %q", theConfiguration.domain())
	log.Infof("listen: %q", theConfiguration.Listen)

	node, err := meshnode.New(meshnode.Options{
		Database:        theConfiguration.Database,
		Identity:        identity,
		Role:            deviceRole,
		Areas:           theConfiguration.Areas,
		Domain:          theConfiguration.domain(),
		Listen:          theConfiguration.Listen,
		TransportPublic: transportPublic,
		TransportSecret: transportPrivate,
		Lifetimes:       theConfiguration.lifetimes(),
		TrustAllow:      theConfiguration.Trust.Allow,
		TrustDeny:       theConfiguration.Trust.Deny,
		SessionTimeout:  time.Duration(theConfiguration.SessionSeconds) * time.Second,
		RateLimit:       uint64(theConfiguration.RateLimit),
		SealInterval:    time.Duration(theConfiguration.SealSeconds) * time.Second,
		MaxBundleBytes:  uint64(theConfiguration.MaximumBundleSize),
	})
	if nil != err {
		log.Criticalf("node create error: %s", err)
		exitwithstatus.Message("node create error: %s", err)
	}

	if err = node.Start(); nil != err {
		log.Criticalf("node start error: %s", err)
		exitwithstatus.Message("node start error: %s", err)
	}
	defer node.Stop()

	// wait for CTRL-C before shutting down to allow manual testing
	if 0 == len(options["quiet"]) {
		fmt.Printf("\n\nWaiting for CTRL-C (SIGINT) or 'kill <pid>' (SIGTERM)…")
	}

	// turn Signals into channel messages
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	sig := <-ch
	log.Infof("received signal: %v", sig)
	if 0 == len(options["quiet"]) {
		fmt.Printf("\nreceived signal: %v\n", sig)
		fmt.Printf("\nshutting down…\n")
	}

	// final status for the logs
	if statistics, err := json.Marshal(node.Statistics()); nil == err {
		log.Infof("statistics: %s", statistics)
	}

	log.Info("shutting down…")
}
