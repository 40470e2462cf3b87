// Copyright 2018-present the LeaseCore Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package bolt implements the lease store contract on an embedded bbolt
// database: one bucket per family, one JSON document per lease, keyed by
// the primary key bytes. Secondary lookups scan the bucket; the backend
// targets small single-node deployments where that is cheaper than
// maintaining index buckets.
package bolt

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/leasecore/leasecore/lease"
	"github.com/leasecore/leasecore/store"
)

// expectedVersion is the document layout this build understands.
var expectedVersion = store.Version{Major: 1, Minor: 0}

var (
	bucketMeta    = []byte("meta")
	bucketLeases4 = []byte("leases4")
	bucketLeases6 = []byte("leases6")
	keyVersion    = []byte("schema_version")
)

// DB is one open lease database shared by both family stores.
type DB struct {
	db *bolt.DB
}

// Open opens (creating if needed) the database file and verifies the
// document layout version.
func Open(path string) (*DB, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", lease.ErrDBOperation, path, err)
	}
	var ver store.Version
	err = db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		for _, name := range [][]byte{bucketLeases4, bucketLeases6} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		raw := meta.Get(keyVersion)
		if raw == nil {
			ver = expectedVersion
			enc, err := json.Marshal(ver)
			if err != nil {
				return err
			}
			return meta.Put(keyVersion, enc)
		}
		return json.Unmarshal(raw, &ver)
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: init %s: %v", lease.ErrDBOperation, path, err)
	}
	if !ver.Compatible(expectedVersion) {
		db.Close()
		return nil, fmt.Errorf("%w: document layout %s, expected major %d",
			lease.ErrDBIncompatible, ver, expectedVersion.Major)
	}
	return &DB{db: db}, nil
}

func (d *DB) version() (store.Version, error) {
	var ver store.Version
	err := d.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get(keyVersion)
		return json.Unmarshal(raw, &ver)
	})
	if err != nil {
		return ver, fmt.Errorf("%w: read version: %v", lease.ErrDBOperation, err)
	}
	return ver, nil
}

// Leases4 returns the IPv4 store view.
func (d *DB) Leases4() *Store4 { return &Store4{db: d.db, shared: d} }

// Leases6 returns the IPv6 store view.
func (d *DB) Leases6() *Store6 { return &Store6{db: d.db, shared: d} }

// Close closes the database file.
func (d *DB) Close() error { return d.db.Close() }
