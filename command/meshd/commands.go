// SPDX-License-Identifier: ISC
// Copyright (c) 2023-2026 Solarpunk Mesh Collective
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/bitmark-inc/exitwithstatus"

	"github.com/solarpunk-mesh/meshd/device"
	"github.com/solarpunk-mesh/meshd/transport"
)

const (
	devicePublicKeyFilename  = "device.public"
	devicePrivateKeyFilename = "device.private"

	transportPublicKeyFilename  = "transport.public"
	transportPrivateKeyFilename = "transport.private"
)

// setup command handler
//
// commands that run to create key files; these commands cannot access
// any internal database or states or the configuration file
func processSetupCommand(program string, arguments []string) bool {

	command := "help"
	if len(arguments) > 0 {
		command = arguments[0]
		arguments = arguments[1:]
	}

	switch command {
	case "gen-device-identity", "device":
		directory := "."
		if len(arguments) >= 1 && "" != arguments[0] {
			directory = arguments[0]
		}
		publicKeyFilename := filepath.Join(directory, devicePublicKeyFilename)
		privateKeyFilename := filepath.Join(directory, devicePrivateKeyFilename)

		if err := device.MakeKeyFiles(publicKeyFilename, privateKeyFilename); nil != err {
			fmt.Printf("generate device identity: %q error: %s\n", privateKeyFilename, err)
			exitwithstatus.Exit(1)
		}
		identity, err := device.LoadIdentity(privateKeyFilename)
		if nil != err {
			fmt.Printf("reload device identity: %q error: %s\n", privateKeyFilename, err)
			exitwithstatus.Exit(1)
		}
		fmt.Printf("generated private key: %q and public key: %q\n", privateKeyFilename, publicKeyFilename)
		fmt.Printf("device id: %s\n", identity.DeviceId)

	case "gen-transport-keys", "transport":
		directory := "."
		if len(arguments) >= 1 && "" != arguments[0] {
			directory = arguments[0]
		}
		publicKeyFilename := filepath.Join(directory, transportPublicKeyFilename)
		privateKeyFilename := filepath.Join(directory, transportPrivateKeyFilename)

		if err := transport.MakeKeyPair(publicKeyFilename, privateKeyFilename); nil != err {
			fmt.Printf("generate transport keys: %q error: %s\n", privateKeyFilename, err)
			exitwithstatus.Exit(1)
		}
		fmt.Printf("generated private key: %q and public key: %q\n", privateKeyFilename, publicKeyFilename)

	case "dns-txt", "txt":
		return false // defer processing until configuration is read

	case "config-test", "cfg":
		return false

	case "start", "run":
		return false // continue processing

	case "version", "v":
		fmt.Printf("%s\n", version)

	default:
		switch command {
		case "help", "h", "?":
		case "", " ":
			fmt.Printf("error: missing command\n")
		default:
			fmt.Printf("error: no such command: %q\n", command)
		}
		fmt.Printf("usage: %s [--help] [--verbose] [--quiet] --config-file=FILE [[command|help] arguments...]\n\n", program)

		fmt.Printf("supported commands:\n\n")
		fmt.Printf("  help                         (h)         - display this message\n\n")
		fmt.Printf("  version                      (v)         - display version string\n\n")

		fmt.Printf("  gen-device-identity [DIR]    (device)    - create private key in: %q\n", "DIR/"+devicePrivateKeyFilename)
		fmt.Printf("                                             and the public key in: %q\n", "DIR/"+devicePublicKeyFilename)
		fmt.Printf("\n")

		fmt.Printf("  gen-transport-keys [DIR]     (transport) - create private key in: %q\n", "DIR/"+transportPrivateKeyFilename)
		fmt.Printf("                                             and the public key in: %q\n", "DIR/"+transportPublicKeyFilename)
		fmt.Printf("\n")

		fmt.Printf("  dns-txt                      (txt)       - display the data to put in a dns TXT record\n")
		fmt.Printf("\n")

		fmt.Printf("  config-test                  (cfg)       - just check the configuration file\n")
		fmt.Printf("\n")

		fmt.Printf("  start                        (run)       - just run the program, same as no arguments\n")
		fmt.Printf("                                             for convenience when passing script arguments\n")
		fmt.Printf("\n")

		exitwithstatus.Exit(1)
	}

	// indicate processing complete and perform normal exit from main
	return true
}

// configuration file enquiry commands
// have configuration file read and decoded, but nothing else
func processConfigCommand(arguments []string, options *Configuration) bool {

	command := "help"
	if len(arguments) > 0 {
		command = arguments[0]
	}

	switch command {
	case "dns-txt", "txt":
		dnsTXT(options)

	case "config-test", "cfg":
		b, err := json.Marshal(options)
		if nil != err {
			exitwithstatus.Message("error: %s", err)
		}
		var out bytes.Buffer
		json.Indent(&out, b, "", "  ")
		out.WriteTo(os.Stdout)
		os.Stdout.WriteString("\n")

	default: // unknown commands fall through to the normal run
		return false
	}

	// indicate processing complete and perform normal exit from main
	return true
}

// display the TXT record a community operator publishes under the
// rendezvous domain so other devices can find this one
func dnsTXT(options *Configuration) {
	devicePublicKey, err := readTaggedPublicKey(options.DeviceKeys.Public)
	if nil != err {
		exitwithstatus.Message("device public key: %q error: %s", options.DeviceKeys.Public, err)
	}
	transportPublicKey, err := readTaggedPublicKey(options.TransportKeys.Public)
	if nil != err {
		exitwithstatus.Message("transport public key: %q error: %s", options.TransportKeys.Public, err)
	}

	host, port, err := net.SplitHostPort(options.Listen)
	if nil != err {
		exitwithstatus.Message("listen: %q error: %s", options.Listen, err)
	}
	address := "<PUBLIC-IP>"
	if IP := net.ParseIP(host); nil != IP && !IP.IsUnspecified() {
		address = IP.String()
	}

	fmt.Printf("mesh-sync=v1 a=%s p=%s k=%s z=%s n=%s\n",
		address, port,
		hex.EncodeToString(devicePublicKey),
		hex.EncodeToString(transportPublicKey),
		strings.Join(options.Areas, ";"))
}

// read a "PUBLIC:<hex>" tagged key file
func readTaggedPublicKey(name string) ([]byte, error) {
	data, err := os.ReadFile(name)
	if nil != err {
		return nil, err
	}
	s := strings.TrimSpace(string(data))
	const tag = "PUBLIC:"
	if !strings.HasPrefix(s, tag) {
		return nil, fmt.Errorf("missing %q tag in: %q", tag, name)
	}
	return hex.DecodeString(s[len(tag):])
}
