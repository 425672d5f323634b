// SPDX-License-Identifier: ISC
// Copyright (c) 2023-2026 Solarpunk Mesh Collective
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package device

import (
	"encoding/hex"
	"os"
	"strings"

	"github.com/solarpunk-mesh/meshd/fault"
)

// key files hold a single tagged hex line
const (
	taggedPrivate = "PRIVATE:"
	taggedPublic  = "PUBLIC:"
)

// MakeKeyFiles - generate a new identity and write its keys to
// separate files
//
// refuses to overwrite existing files
func MakeKeyFiles(publicKeyFileName string, privateKeyFileName string) error {
	if fileExists(publicKeyFileName) || fileExists(privateKeyFileName) {
		return fault.ErrKeyFileAlreadyExists
	}

	identity, err := NewIdentity()
	if nil != err {
		return err
	}

	publicText := taggedPublic + hex.EncodeToString(identity.PublicKey) + "\n"
	privateText := taggedPrivate + hex.EncodeToString(identity.privateKey) + "\n"

	if err = os.WriteFile(publicKeyFileName, []byte(publicText), 0666); nil != err {
		return err
	}

	if err = os.WriteFile(privateKeyFileName, []byte(privateText), 0600); nil != err {
		os.Remove(publicKeyFileName)
		return err
	}

	return nil
}

// LoadIdentity - read a private key file and rebuild the identity
func LoadIdentity(privateKeyFileName string) (*Identity, error) {
	data, err := os.ReadFile(privateKeyFileName)
	if nil != err {
		if os.IsNotExist(err) {
			return nil, fault.ErrKeyFileNotFound
		}
		return nil, err
	}

	s := strings.TrimSpace(string(data))
	if !strings.HasPrefix(s, taggedPrivate) {
		return nil, fault.ErrInvalidKeyLength
	}

	h, err := hex.DecodeString(s[len(taggedPrivate):])
	if nil != err {
		return nil, err
	}
	return IdentityFromPrivateKey(h)
}

func fileExists(name string) bool {
	_, err := os.Stat(name)
	return nil == err
}
