// SPDX-License-Identifier: ISC
// Copyright (c) 2023-2026 Solarpunk Mesh Collective
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	zmq "github.com/pebbe/zmq4"

	cache "github.com/patrickmn/go-cache"

	"github.com/bitmark-inc/logger"

	"github.com/solarpunk-mesh/meshd/fault"
)

// curve key sizes
const (
	publicKeySize  = 32
	privateKeySize = 32
	identifierSize = 32
)

// ZMQConfiguration - settings for the CurveZMQ adapter
type ZMQConfiguration struct {
	PrivateKey   []byte        // this node's curve secret key
	PublicKey    []byte        // this node's curve public key
	Listen       string        // bind address, e.g. "*:4130"
	Timeout      time.Duration // per send/receive
	PollInterval time.Duration // directory scan cadence
}

// ZMQ - direct P2P and AP-uplink links over encrypted REQ/REP
type ZMQ struct {
	log          *logger.L
	privateKey   []byte
	publicKey    []byte
	listen       string
	timeout      time.Duration
	pollInterval time.Duration
	directory    Directory

	// suppresses re-announcing a peer for a while after discovery
	recent *cache.Cache
}

// NewZMQ - create the adapter
func NewZMQ(configuration *ZMQConfiguration, directory Directory) (*ZMQ, error) {
	if publicKeySize != len(configuration.PublicKey) || privateKeySize != len(configuration.PrivateKey) {
		return nil, fault.ErrInvalidKeyLength
	}
	timeout := configuration.Timeout
	if 0 == timeout {
		timeout = 30 * time.Second
	}
	pollInterval := configuration.PollInterval
	if 0 == pollInterval {
		pollInterval = time.Minute
	}
	return &ZMQ{
		log:          logger.New("transport"),
		privateKey:   append([]byte{}, configuration.PrivateKey...),
		publicKey:    append([]byte{}, configuration.PublicKey...),
		listen:       configuration.Listen,
		timeout:      timeout,
		pollInterval: pollInterval,
		directory:    directory,
		recent:       cache.New(5*time.Minute, 10*time.Minute),
	}, nil
}

// Discover - emit directory peers as they become interesting
//
// a peer is re-emitted only after its suppression entry expires, so a
// stable neighbour does not trigger a session storm
func (z *ZMQ) Discover(ctx context.Context) (<-chan PeerHandle, error) {
	if nil == z.directory {
		return nil, fault.ErrNotConnected
	}

	found := make(chan PeerHandle)

	go func() {
		defer close(found)
		for {
			for _, peer := range z.directory.Peers() {
				key := peer.DeviceId.String()
				if _, suppressed := z.recent.Get(key); suppressed {
					continue
				}
				z.recent.Set(key, struct{}{}, cache.DefaultExpiration)
				select {
				case found <- peer:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-time.After(z.pollInterval):
			case <-ctx.Done():
				return
			}
		}
	}()

	return found, nil
}

// Connect - open an encrypted REQ channel to a peer
func (z *ZMQ) Connect(peer PeerHandle) (Channel, error) {
	if publicKeySize != len(peer.ServerKey) {
		return nil, fault.ErrInvalidKeyLength
	}

	socket, err := zmq.NewSocket(zmq.REQ)
	if nil != err {
		return nil, err
	}

	// a secure random identifier
	randomIdBytes := make([]byte, identifierSize)
	_, err = rand.Read(randomIdBytes)
	if nil != err {
		socket.Close()
		return nil, err
	}

	// set up as curve client
	err = socket.SetCurveServer(0)
	if nil != err {
		goto failure
	}
	err = socket.SetCurvePublickey(string(z.publicKey))
	if nil != err {
		goto failure
	}
	err = socket.SetCurveSecretkey(string(z.privateKey))
	if nil != err {
		goto failure
	}
	err = socket.SetCurveServerkey(string(peer.ServerKey))
	if nil != err {
		goto failure
	}
	err = socket.SetIdentity(string(randomIdBytes))
	if nil != err {
		goto failure
	}

	err = socket.SetSndtimeo(z.timeout)
	if nil != err {
		goto failure
	}
	err = socket.SetRcvtimeo(z.timeout)
	if nil != err {
		goto failure
	}
	err = socket.SetLinger(0)
	if nil != err {
		goto failure
	}
	err = socket.SetReqCorrelate(1)
	if nil != err {
		goto failure
	}
	err = socket.SetReqRelaxed(1)
	if nil != err {
		goto failure
	}

	err = socket.Connect("tcp://" + peer.Address)
	if nil != err {
		goto failure
	}

	z.log.Infof("connected: %s at %s", peer.DeviceId, peer.Address)
	return &zmqChannel{socket: socket}, nil

failure:
	socket.Close()
	return nil, err
}

// zmqChannel - one open socket
type zmqChannel struct {
	sync.Mutex
	socket *zmq.Socket
}

func (channel *zmqChannel) Send(parts [][]byte) error {
	channel.Lock()
	defer channel.Unlock()

	if nil == channel.socket {
		return fault.ErrChannelClosed
	}
	message := make([]interface{}, len(parts))
	for i, part := range parts {
		message[i] = part
	}
	_, err := channel.socket.SendMessage(message...)
	if nil != err {
		return fault.ErrTransportFailed
	}
	return nil
}

func (channel *zmqChannel) Receive() ([][]byte, error) {
	channel.Lock()
	defer channel.Unlock()

	if nil == channel.socket {
		return nil, fault.ErrChannelClosed
	}
	parts, err := channel.socket.RecvMessageBytes(0)
	if nil != err {
		return nil, fault.ErrTransportFailed
	}
	return parts, nil
}

func (channel *zmqChannel) Close() error {
	channel.Lock()
	defer channel.Unlock()

	if nil == channel.socket {
		return nil
	}
	err := channel.socket.Close()
	channel.socket = nil
	return err
}

// Server - REP loop answering session requests, a background process
type Server struct {
	log     *logger.L
	z       *ZMQ
	handler Handler
}

// NewServer - create the listening side of the adapter
func (z *ZMQ) NewServer(handler Handler) *Server {
	return &Server{
		log:     logger.New("listener"),
		z:       z,
		handler: handler,
	}
}

// create and bind the answering socket
func (z *ZMQ) bindAnswer() (*zmq.Socket, error) {
	socket, err := zmq.NewSocket(zmq.REP)
	if nil != err {
		return nil, err
	}

	err = socket.SetCurveServer(1)
	if nil == err {
		err = socket.SetCurveSecretkey(string(z.privateKey))
	}
	if nil == err {
		err = socket.SetLinger(0)
	}
	if nil == err {
		// short receive timeout so shutdown is noticed promptly
		err = socket.SetRcvtimeo(time.Second)
	}
	if nil == err {
		err = socket.SetSndtimeo(z.timeout)
	}
	if nil == err {
		err = socket.Bind("tcp://" + z.listen)
	}
	if nil != err {
		socket.Close()
		return nil, err
	}
	return socket, nil
}

// Run - background processing interface
func (server *Server) Run(args interface{}, shutdown <-chan struct{}) {
	log := server.log
	z := server.z

	socket, err := z.bindAnswer()
	if nil != err {
		log.Criticalf("bind %q error: %s", z.listen, err)
		return
	}
	defer func() {
		if nil != socket {
			socket.Close()
		}
	}()
	log.Infof("listening: %s", z.listen)

loop:
	for {
		select {
		case <-shutdown:
			break loop
		default:
		}

		request, err := socket.RecvMessageBytes(0)
		if nil != err {
			continue loop // timeout or transient error
		}

		reply := server.handler.Handle(request)
		message := make([]interface{}, len(reply))
		for i, part := range reply {
			message[i] = part
		}
		if _, err := socket.SendMessage(message...); nil != err {
			// a REP socket that failed to send is out of its
			// request/reply cycle and will refuse all further
			// traffic; replace it
			log.Warnf("reply error: %s", err)
			socket.Close()
			socket, err = z.bindAnswer()
			if nil != err {
				log.Criticalf("rebind %q error: %s", z.listen, err)
				break loop
			}
		}
	}
	log.Info("stopped")
}
