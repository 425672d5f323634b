// SPDX-License-Identifier: ISC
// Copyright (c) 2023-2026 Solarpunk Mesh Collective
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package device - long-lived device identity
//
// every device owns an ed25519 keypair; the device id is derived from
// the public key and is the origin marker carried by every bundle
package device

import (
	"bytes"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/ed25519"
	"golang.org/x/crypto/sha3"

	"github.com/solarpunk-mesh/meshd/fault"
)

// IdLength - bytes in a device id
const IdLength = 8

// ID - compact device identifier
//
// the first IdLength bytes of SHA3-256(public key)
type ID [IdLength]byte

// IDFromPublicKey - derive the device id for a public key
func IDFromPublicKey(publicKey ed25519.PublicKey) ID {
	digest := sha3.Sum256(publicKey)
	id := ID{}
	copy(id[:], digest[:IdLength])
	return id
}

// IDFromBytes - convert a byte slice to a device id
func IDFromBytes(buffer []byte) (ID, error) {
	id := ID{}
	if IdLength != len(buffer) {
		return id, fault.ErrInvalidDeviceId
	}
	copy(id[:], buffer)
	return id, nil
}

// Compare - total order over device ids, used as the merge tiebreak
//
// returns -1, 0, +1 like bytes.Compare
func (id ID) Compare(other ID) int {
	return bytes.Compare(id[:], other[:])
}

// String - base58 representation of a device id
func (id ID) String() string {
	return base58.Encode(id[:])
}

// MarshalText - base58 for JSON and status surfaces
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText - base58 to device id
func (id *ID) UnmarshalText(s []byte) error {
	buffer, err := base58.Decode(string(s))
	if nil != err {
		return err
	}
	if IdLength != len(buffer) {
		return fault.ErrInvalidDeviceId
	}
	copy(id[:], buffer)
	return nil
}

// Identity - a device keypair and its derived id
type Identity struct {
	DeviceId   ID
	PublicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
}

// NewIdentity - generate a fresh identity
func NewIdentity() (*Identity, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(nil)
	if nil != err {
		return nil, err
	}
	return &Identity{
		DeviceId:   IDFromPublicKey(publicKey),
		PublicKey:  publicKey,
		privateKey: privateKey,
	}, nil
}

// IdentityFromPrivateKey - rebuild an identity from stored key bytes
func IdentityFromPrivateKey(privateKey []byte) (*Identity, error) {
	if ed25519.PrivateKeySize != len(privateKey) {
		return nil, fault.ErrInvalidKeyLength
	}
	key := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
	copy(key, privateKey)
	publicKey := key.Public().(ed25519.PublicKey)
	return &Identity{
		DeviceId:   IDFromPublicKey(publicKey),
		PublicKey:  publicKey,
		privateKey: key,
	}, nil
}

// Sign - sign a message with the device private key
func (identity *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(identity.privateKey, message)
}

// Verify - check a signature against a public key
func Verify(publicKey ed25519.PublicKey, message []byte, signature []byte) bool {
	if ed25519.PublicKeySize != len(publicKey) {
		return false
	}
	if ed25519.SignatureSize != len(signature) {
		return false
	}
	return ed25519.Verify(publicKey, message, signature)
}
