// SPDX-License-Identifier: ISC
// Copyright (c) 2023-2026 Solarpunk Mesh Collective
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package device_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/solarpunk-mesh/meshd/device"
)

// identity derivation must be stable and signatures must verify
func TestIdentitySignVerify(t *testing.T) {

	identity, err := device.NewIdentity()
	assert.Nil(t, err, "new identity")

	derived := device.IDFromPublicKey(identity.PublicKey)
	assert.Equal(t, identity.DeviceId, derived, "device id derivation")

	message := []byte("exchange round one")
	signature := identity.Sign(message)

	assert.True(t, device.Verify(identity.PublicKey, message, signature), "valid signature rejected")

	// a corrupted signature must fail
	signature[0] ^= 0xff
	assert.False(t, device.Verify(identity.PublicKey, message, signature), "corrupt signature accepted")
}

// text round trip via base58
func TestIDText(t *testing.T) {

	identity, err := device.NewIdentity()
	assert.Nil(t, err, "new identity")

	text, err := identity.DeviceId.MarshalText()
	assert.Nil(t, err, "marshal")

	var id device.ID
	err = id.UnmarshalText(text)
	assert.Nil(t, err, "unmarshal")
	assert.Equal(t, identity.DeviceId, id, "text round trip")
}

// key files must round trip the identity and refuse overwrite
func TestKeyFiles(t *testing.T) {

	dir := t.TempDir()
	publicFile := filepath.Join(dir, "device.public")
	privateFile := filepath.Join(dir, "device.private")

	err := device.MakeKeyFiles(publicFile, privateFile)
	assert.Nil(t, err, "make key files")

	err = device.MakeKeyFiles(publicFile, privateFile)
	assert.NotNil(t, err, "overwrite permitted")

	identity, err := device.LoadIdentity(privateFile)
	assert.Nil(t, err, "load identity")
	assert.NotNil(t, identity, "nil identity")

	// private file mode must exclude other users
	info, err := os.Stat(privateFile)
	assert.Nil(t, err, "stat private file")
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm(), "private file mode")
}
