// Copyright 2018-present the LeaseCore Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package redis implements the lease store contract on a redis server.
// Every lease is one hash, secondary lookups go through index sets and the
// expiry/modification orderings through sorted sets. Inserts run under
// WATCH so that two servers racing for one address serialize on the
// primary-key hash.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/leasecore/leasecore/lease"
	"github.com/leasecore/leasecore/store"
)

// expectedVersion is the key-layout version this build understands.
var expectedVersion = store.Version{Major: 1, Minor: 0}

const versionKey = "leasedb:version"

// watchRetries bounds how often a WATCH-guarded write is retried when a
// concurrent writer invalidates the transaction.
const watchRetries = 8

// DB is one open redis lease database shared by both family stores.
type DB struct {
	pool *redis.Pool
}

// Open connects to the redis server at addr and verifies the key-layout
// version. A major mismatch fails with ErrDBIncompatible.
func Open(addr string) (*DB, error) {
	if addr == "" {
		return nil, fmt.Errorf("%w: redis server address cannot be empty", lease.ErrInvalidParameter)
	}
	pool := &redis.Pool{
		MaxIdle:     10,
		IdleTimeout: 240 * time.Second,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", addr)
		},
	}
	d := &DB{pool: pool}
	if err := d.checkVersion(); err != nil {
		pool.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) checkVersion() error {
	conn := d.pool.Get()
	defer conn.Close()

	fields, err := redis.Int64Map(conn.Do("HGETALL", versionKey))
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", lease.ErrDBOperation, versionKey, err)
	}
	if len(fields) == 0 {
		if _, err := conn.Do("HSET", versionKey,
			"major", expectedVersion.Major, "minor", expectedVersion.Minor); err != nil {
			return fmt.Errorf("%w: stamp %s: %v", lease.ErrDBOperation, versionKey, err)
		}
		return nil
	}
	ver := store.Version{Major: uint32(fields["major"]), Minor: uint32(fields["minor"])}
	if !ver.Compatible(expectedVersion) {
		return fmt.Errorf("%w: key layout %s, expected major %d",
			lease.ErrDBIncompatible, ver, expectedVersion.Major)
	}
	return nil
}

func (d *DB) version(ctx context.Context) (store.Version, error) {
	conn, err := d.conn(ctx)
	if err != nil {
		return store.Version{}, err
	}
	defer conn.Close()

	fields, err := redis.Int64Map(conn.Do("HGETALL", versionKey))
	if err != nil {
		return store.Version{}, fmt.Errorf("%w: read %s: %v", lease.ErrDBOperation, versionKey, err)
	}
	return store.Version{Major: uint32(fields["major"]), Minor: uint32(fields["minor"])}, nil
}

// conn checks out a connection, honoring context cancellation.
func (d *DB) conn(ctx context.Context) (redis.Conn, error) {
	conn, err := d.pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: get redis connection: %v", lease.ErrDBOperation, err)
	}
	return conn, nil
}

// Leases4 returns the IPv4 store view.
func (d *DB) Leases4() *Store4 { return &Store4{db: d} }

// Leases6 returns the IPv6 store view.
func (d *DB) Leases6() *Store6 { return &Store6{db: d} }

// Close closes the connection pool.
func (d *DB) Close() error { return d.pool.Close() }
