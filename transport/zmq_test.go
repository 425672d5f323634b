// SPDX-License-Identifier: ISC
// Copyright (c) 2023-2026 Solarpunk Mesh Collective
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package transport

import (
	"os"
	"testing"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/bitmark-inc/logger"
)

const testingDirName = "testing"

func TestMain(m *testing.M) {
	_ = os.Mkdir(testingDirName, 0700)
	logging := logger.Configuration{
		Directory: testingDirName,
		File:      "testing.log",
		Size:      1048576,
		Count:     10,
		Console:   false,
		Levels: map[string]string{
			logger.DefaultTag: "critical",
		},
	}
	_ = logger.Initialise(logging)

	rc := m.Run()

	logger.Finalise()
	os.RemoveAll(testingDirName)
	os.Exit(rc)
}

// the answering socket must be replaceable on its address, as happens
// when a reply fails to send and the socket is discarded
func TestAnswerSocketRebind(t *testing.T) {
	publicKey, privateKey, err := zmq.NewCurveKeypair()
	if nil != err {
		t.Fatalf("keypair error: %s", err)
	}

	z, err := NewZMQ(&ZMQConfiguration{
		PublicKey:  []byte(zmq.Z85decode(publicKey)),
		PrivateKey: []byte(zmq.Z85decode(privateKey)),
		Listen:     "127.0.0.1:41299",
		Timeout:    time.Second,
	}, nil)
	if nil != err {
		t.Fatalf("adapter error: %s", err)
	}

	first, err := z.bindAnswer()
	if nil != err {
		t.Fatalf("bind error: %s", err)
	}
	if err := first.Close(); nil != err {
		t.Fatalf("close error: %s", err)
	}

	second, err := z.bindAnswer()
	if nil != err {
		t.Fatalf("rebind error: %s", err)
	}
	second.Close()
}
