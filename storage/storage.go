// SPDX-License-Identifier: ISC
// Copyright (c) 2023-2026 Solarpunk Mesh Collective
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package storage - the persistent pools backing a node
//
// all shared persistent state lives here: the outbox, the bundle
// store and its status records, the dedup set, the merged entity
// replica with its audit trail, and the known-peer registry. Every
// pool is a key prefix inside one LevelDB database.
package storage

import (
	"encoding/binary"
	"fmt"
	"reflect"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	ldb_errors "github.com/syndtr/goleveldb/leveldb/errors"
	ldb_opt "github.com/syndtr/goleveldb/leveldb/opt"

	"github.com/solarpunk-mesh/meshd/fault"
)

// Store - the set of pools for one device
//
// note all pool fields must be exported (i.e. initial capital) or
// initialisation will panic
type Store struct {
	Outbox   *PoolHandle `prefix:"O"` // sequence number → packed mutation
	State    *PoolHandle `prefix:"N"` // named counters: logical clock, sequences
	Bundles  *PoolHandle `prefix:"B"` // bundle id → packed bundle
	Status   *PoolHandle `prefix:"M"` // bundle id → packed status record
	Dedup    *PoolHandle `prefix:"D"` // bundle id → first-seen timestamp
	Entities *PoolHandle `prefix:"E"` // table ∘ entity id → winning packed mutation
	Audit    *PoolHandle `prefix:"A"` // table ∘ entity id ∘ counter → losing packed mutation
	Peers    *PoolHandle `prefix:"P"` // device id → packed peer entry

	database *leveldb.DB
	lock     sync.RWMutex
}

// for database version
var versionKey = []byte{0x00, 'V', 'E', 'R', 'S', 'I', 'O', 'N'}

const currentDBVersion = 0x100

// Open - open (creating if missing) the database for one device
//
// a corrupt or downgraded database is reported as storage corruption
// so the caller can force a full-state resync instead of attempting
// incremental repair
func Open(database string) (*Store, error) {

	opt := &ldb_opt.Options{
		ErrorIfExist:   false,
		ErrorIfMissing: false,
	}

	db, err := leveldb.OpenFile(database, opt)
	if ldb_errors.IsCorrupted(err) {
		return nil, fault.ErrStorageCorruption
	} else if nil != err {
		return nil, err
	}

	version, err := getVersion(db)
	if nil != err {
		db.Close()
		return nil, fault.ErrStorageCorruption
	}

	switch {
	case version > currentDBVersion:
		db.Close()
		return nil, fmt.Errorf("database version: %d > current version: %d", version, currentDBVersion)
	case 0 == version:
		// database was empty so tag as current version
		if err := putVersion(db, currentDBVersion); nil != err {
			db.Close()
			return nil, err
		}
	}

	store := &Store{database: db}

	// this will be a struct type
	storeType := reflect.TypeOf(store).Elem()

	// get write access by using pointer + Elem()
	storeValue := reflect.ValueOf(store).Elem()

	// scan each pool field
	for i := 0; i < storeType.NumField(); i += 1 {

		fieldInfo := storeType.Field(i)

		prefixTag := fieldInfo.Tag.Get("prefix")
		if "" == prefixTag {
			continue // not a pool
		}
		if 1 != len(prefixTag) {
			db.Close()
			return nil, fmt.Errorf("pool: %v has invalid prefix: %q", fieldInfo.Name, prefixTag)
		}

		prefix := prefixTag[0]
		limit := []byte(nil)
		if prefix < 255 {
			limit = []byte{prefix + 1}
		}

		p := &PoolHandle{
			prefix: prefix,
			limit:  limit,
			store:  store,
		}
		storeValue.Field(i).Set(reflect.ValueOf(p))
	}

	return store, nil
}

// Close - close the database
func (store *Store) Close() {
	store.lock.Lock()
	defer store.lock.Unlock()

	if nil != store.database {
		store.database.Close()
		store.database = nil
	}
}

// return the stored version number, zero for an empty database
func getVersion(db *leveldb.DB) (int, error) {
	versionValue, err := db.Get(versionKey, nil)
	if leveldb.ErrNotFound == err {
		return 0, nil
	} else if nil != err {
		return 0, err
	}

	if 4 != len(versionValue) {
		return 0, fmt.Errorf("incompatible database version length: expected: %d  actual: %d", 4, len(versionValue))
	}

	return int(binary.BigEndian.Uint32(versionValue)), nil
}

func putVersion(db *leveldb.DB, version int) error {
	currentVersion := make([]byte, 4)
	binary.BigEndian.PutUint32(currentVersion, uint32(version))

	return db.Put(versionKey, currentVersion, nil)
}
