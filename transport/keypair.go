// SPDX-License-Identifier: ISC
// Copyright (c) 2023-2026 Solarpunk Mesh Collective
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package transport

import (
	"encoding/hex"
	"os"
	"strings"

	zmq "github.com/pebbe/zmq4"

	"github.com/solarpunk-mesh/meshd/fault"
)

const (
	taggedPublic  = "PUBLIC:"
	taggedPrivate = "PRIVATE:"
)

// MakeKeyPair - create a transport keypair and write it to two files
//
// these are link encryption keys, separate from the device's signing
// identity
func MakeKeyPair(publicKeyFileName string, privateKeyFileName string) error {
	if fileExists(publicKeyFileName) || fileExists(privateKeyFileName) {
		return fault.ErrKeyFileAlreadyExists
	}

	// keys are created in Z85 (ZeroMQ Base-85 Encoding), stored as hex
	publicKey, privateKey, err := zmq.NewCurveKeypair()
	if nil != err {
		return err
	}

	publicData := taggedPublic + hex.EncodeToString([]byte(zmq.Z85decode(publicKey))) + "\n"
	privateData := taggedPrivate + hex.EncodeToString([]byte(zmq.Z85decode(privateKey))) + "\n"

	if err = os.WriteFile(publicKeyFileName, []byte(publicData), 0666); nil != err {
		return err
	}
	if err = os.WriteFile(privateKeyFileName, []byte(privateData), 0600); nil != err {
		os.Remove(publicKeyFileName)
		return err
	}
	return nil
}

// ReadKeyPair - load both transport keys
func ReadKeyPair(publicKeyFileName string, privateKeyFileName string) (publicKey []byte, privateKey []byte, err error) {
	publicKey, err = readKeyFile(publicKeyFileName, taggedPublic)
	if nil != err {
		return nil, nil, err
	}
	privateKey, err = readKeyFile(privateKeyFileName, taggedPrivate)
	if nil != err {
		return nil, nil, err
	}
	return publicKey, privateKey, nil
}

func readKeyFile(fileName string, tag string) ([]byte, error) {
	if !fileExists(fileName) {
		return nil, fault.ErrKeyFileNotFound
	}
	data, err := os.ReadFile(fileName)
	if nil != err {
		return nil, err
	}
	s := strings.TrimSpace(string(data))
	if !strings.HasPrefix(s, tag) {
		return nil, fault.ErrKeyFileNotFound
	}
	key, err := hex.DecodeString(s[len(tag):])
	if nil != err {
		return nil, err
	}
	if publicKeySize != len(key) {
		return nil, fault.ErrInvalidKeyLength
	}
	return key, nil
}

func fileExists(name string) bool {
	_, err := os.Stat(name)
	return nil == err
}
