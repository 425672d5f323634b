// SPDX-License-Identifier: ISC
// Copyright (c) 2023-2026 Solarpunk Mesh Collective
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// error instances
//
// Provides a single instance of errors to allow easy comparison
package fault

// error base
type GenericError string

// to allow for different classes of errors
type ExistsError GenericError
type InvalidError GenericError
type NotFoundError GenericError
type ProcessError GenericError

// common errors - keep in alphabetic order
var (
	ErrAlreadyInitialised        = ExistsError("already initialised")
	ErrBundleAlreadySeen         = ExistsError("bundle already seen")
	ErrBudgetExceeded            = ProcessError("retention budget exceeded")
	ErrBundleExpired             = InvalidError("bundle expired")
	ErrBundleSignature           = InvalidError("bundle signature is invalid")
	ErrBundleTooLarge            = InvalidError("bundle exceeds negotiated size")
	ErrBundleVersion             = InvalidError("bundle version is not supported")
	ErrChannelClosed             = ProcessError("transport channel is closed")
	ErrIncompatiblePeer          = InvalidError("peer protocol version is incompatible")
	ErrInvalidDatabaseName       = InvalidError("database name is invalid")
	ErrInvalidDeviceId           = InvalidError("device id is invalid")
	ErrInvalidDnsTxtRecord       = InvalidError("invalid dns txt record")
	ErrInvalidInventorySummary   = InvalidError("inventory summary is invalid")
	ErrInvalidIPAddress          = InvalidError("invalid ip address")
	ErrInvalidKeyLength          = InvalidError("key length is invalid")
	ErrInvalidLoggerChannel      = InvalidError("invalid logger channel")
	ErrInvalidPortNumber         = InvalidError("invalid port number")
	ErrInvalidRole               = InvalidError("role is not supported")
	ErrInvalidTTLClass           = InvalidError("ttl class is invalid")
	ErrKeyFileAlreadyExists      = ExistsError("key file already exists")
	ErrKeyFileNotFound           = NotFoundError("key file not found")
	ErrNotBundlePack             = InvalidError("not a bundle pack")
	ErrNotConnected              = ProcessError("not connected")
	ErrNotInitialised            = NotFoundError("not initialised")
	ErrNotMutationPack           = InvalidError("not a mutation pack")
	ErrOutboxEmpty               = NotFoundError("outbox has no unbundled mutations")
	ErrPeerNotFound              = NotFoundError("peer not found")
	ErrSessionLimitReached       = ProcessError("session limit reached")
	ErrSessionTimeout            = ProcessError("session wall clock expired")
	ErrSnapshotRequiresTrust     = ProcessError("snapshot requires a trusted peer")
	ErrStorageCorruption         = ProcessError("local store is unreadable, resync required")
	ErrTransferAborted           = ProcessError("transfer aborted before acknowledgment")
	ErrTransportFailed           = ProcessError("transport send or receive failed")
	ErrTrustRejected             = ProcessError("bundle rejected by trust filter")
	ErrUnexpectedSessionCommand  = InvalidError("unexpected session command")
	ErrWrongNetworkForDevice     = InvalidError("device key is for a different network")
)

// the error interface base method
func (e GenericError) Error() string { return string(e) }

// the error interface methods
func (e ExistsError) Error() string   { return string(e) }
func (e InvalidError) Error() string  { return string(e) }
func (e NotFoundError) Error() string { return string(e) }
func (e ProcessError) Error() string  { return string(e) }

// determine the class of an error
func IsErrExists(e error) bool   { _, ok := e.(ExistsError); return ok }
func IsErrInvalid(e error) bool  { _, ok := e.(InvalidError); return ok }
func IsErrNotFound(e error) bool { _, ok := e.(NotFoundError); return ok }
func IsErrProcess(e error) bool  { _, ok := e.(ProcessError); return ok }
