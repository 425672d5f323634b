// SPDX-License-Identifier: ISC
// Copyright (c) 2023-2026 Solarpunk Mesh Collective
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package announce

import (
	"crypto/ed25519"
	"encoding/hex"
	"net"
	"strconv"
	"strings"

	"github.com/solarpunk-mesh/meshd/device"
	"github.com/solarpunk-mesh/meshd/fault"
)

// the tag to detect applicable TXT records from DNS
var supportedTags = map[string]struct{}{
	"mesh-sync=v1": {},
}

const publicKeyLength = 2 * ed25519.PublicKeySize // hex characters

type tagline struct {
	ipv4         net.IP
	ipv6         net.IP
	port         uint16
	publicKey    []byte
	transportKey []byte
	areas        []string
}

// decode DNS TXT records of the form
//
//	<TAG> a=<IPv4;IPv6> p=<PORT> k=<HEX-PUBLIC-KEY> z=<HEX-CURVE-KEY> n=<AREA;AREA…>
//
// other invalid combinations or extraneous items are ignored
func parseTag(s string) (*tagline, error) {

	t := &tagline{}

	countA := 0
	countK := 0
	countP := 0

words:
	for i, w := range strings.Split(strings.TrimSpace(s), " ") {

		if 0 == i {
			if _, ok := supportedTags[w]; ok {
				continue words
			}
			return nil, fault.ErrInvalidDnsTxtRecord
		}

		// ignore empty
		if "" == w {
			continue words
		}

		// require form: <letter>=<word>
		if len(w) < 3 || '=' != w[1] {
			return nil, fault.ErrInvalidDnsTxtRecord
		}

		parameter := w[2:]
		err := error(nil)
		switch w[0] {
		case 'a':
		addresses:
			for _, address := range strings.Split(parameter, ";") {
				if '[' == address[0] {
					end := len(address) - 1
					if ']' == address[end] {
						address = address[1:end]
					}
				}
				IP := net.ParseIP(address)
				if nil == IP {
					err = fault.ErrInvalidIPAddress
					break addresses
				}
				if nil != IP.To4() {
					t.ipv4 = IP
				} else {
					t.ipv6 = IP
				}
			}
			countA += 1

		case 'p':
			t.port, err = getPort(parameter)
			countP += 1

		case 'k':
			if publicKeyLength != len(parameter) {
				err = fault.ErrInvalidKeyLength
			} else {
				t.publicKey, err = hex.DecodeString(parameter)
			}
			countK += 1

		case 'z':
			if publicKeyLength != len(parameter) {
				err = fault.ErrInvalidKeyLength
			} else {
				t.transportKey, err = hex.DecodeString(parameter)
			}

		case 'n':
			t.areas = append(t.areas, strings.Split(parameter, ";")...)

		default:
			// ignore unknown parameters for forward compatibility
		}
		if nil != err {
			return nil, err
		}
	}

	// verify that all required items were present exactly once
	if 1 != countA || 1 != countK || 1 != countP {
		return nil, fault.ErrInvalidDnsTxtRecord
	}

	return t, nil
}

func getPort(s string) (uint16, error) {
	port, err := strconv.Atoi(s)
	if nil != err || port < 1 || port > 65535 {
		return 0, fault.ErrInvalidPortNumber
	}
	return uint16(port), nil
}

// entry - registry entry for a parsed tag
func (t *tagline) entry() Entry {
	port := strconv.Itoa(int(t.port))
	listeners := []string{}
	if nil != t.ipv4 {
		listeners = append(listeners, net.JoinHostPort(t.ipv4.String(), port))
	}
	if nil != t.ipv6 {
		listeners = append(listeners, net.JoinHostPort(t.ipv6.String(), port))
	}
	return Entry{
		DeviceId:     device.IDFromPublicKey(t.publicKey),
		PublicKey:    t.publicKey,
		TransportKey: t.transportKey,
		Listeners:    listeners,
		Areas:        t.areas,
	}
}
