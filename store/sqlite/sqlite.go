// Copyright 2018-present the LeaseCore Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package sqlite implements the lease store contract on an embedded
// relational database. IPv4 addresses are stored as host-order integers and
// IPv6 addresses as 16-byte blobs so that SQL ordering matches address
// ordering. The expire column is denormalized from cltt + valid_lft to let
// the reclaimer query oldest-first with an index scan.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/leasecore/leasecore/lease"
	"github.com/leasecore/leasecore/store"
)

// errDuplicateRow is the internal marker for a primary-key collision on
// insert; callers translate it into the boolean false return.
var errDuplicateRow = errors.New("duplicate row")

// isConstraintError reports whether the driver rejected a write on a
// uniqueness constraint.
func isConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

// expectedVersion is the schema this build reads and writes. Bump the major
// on any change an older build could misread.
var expectedVersion = store.Version{Major: 1, Minor: 0}

const schema = `
CREATE TABLE IF NOT EXISTS schema_version (
	major INTEGER NOT NULL,
	minor INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS leases4 (
	address INTEGER PRIMARY KEY,
	hwaddr BLOB,
	hwtype INTEGER NOT NULL DEFAULT 0,
	client_id BLOB,
	valid_lft INTEGER NOT NULL,
	t1 INTEGER NOT NULL,
	t2 INTEGER NOT NULL,
	cltt INTEGER NOT NULL,
	expire INTEGER NOT NULL,
	subnet_id INTEGER NOT NULL,
	fixed INTEGER NOT NULL,
	hostname TEXT NOT NULL DEFAULT '',
	fqdn_fwd INTEGER NOT NULL,
	fqdn_rev INTEGER NOT NULL,
	state INTEGER NOT NULL,
	user_context TEXT,
	modified_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS leases4_hwaddr ON leases4(hwaddr);
CREATE INDEX IF NOT EXISTS leases4_client_id ON leases4(client_id);
CREATE INDEX IF NOT EXISTS leases4_subnet_id ON leases4(subnet_id);
CREATE INDEX IF NOT EXISTS leases4_expire_state ON leases4(state, expire);
CREATE TABLE IF NOT EXISTS leases6 (
	address BLOB NOT NULL,
	lease_type INTEGER NOT NULL,
	prefix_len INTEGER NOT NULL,
	duid BLOB NOT NULL,
	iaid INTEGER NOT NULL,
	hwaddr BLOB,
	hwtype INTEGER NOT NULL DEFAULT 0,
	preferred_lft INTEGER NOT NULL,
	valid_lft INTEGER NOT NULL,
	t1 INTEGER NOT NULL,
	t2 INTEGER NOT NULL,
	cltt INTEGER NOT NULL,
	expire INTEGER NOT NULL,
	subnet_id INTEGER NOT NULL,
	fixed INTEGER NOT NULL,
	hostname TEXT NOT NULL DEFAULT '',
	fqdn_fwd INTEGER NOT NULL,
	fqdn_rev INTEGER NOT NULL,
	state INTEGER NOT NULL,
	user_context TEXT,
	modified_at INTEGER NOT NULL,
	PRIMARY KEY (address, lease_type)
);
CREATE INDEX IF NOT EXISTS leases6_duid_iaid ON leases6(duid, iaid);
CREATE INDEX IF NOT EXISTS leases6_subnet_id ON leases6(subnet_id);
CREATE INDEX IF NOT EXISTS leases6_expire_state ON leases6(state, expire);
`

// DB is one open lease database. Both family stores share it.
type DB struct {
	db *sql.DB
}

// Open opens (creating if needed) a lease database and verifies its schema
// version. A major-version mismatch fails with ErrDBIncompatible.
func Open(dsn string) (*DB, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", lease.ErrDBOperation, dsn, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create schema: %v", lease.ErrDBOperation, err)
	}
	ver, err := readVersion(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	if !ver.Compatible(expectedVersion) {
		db.Close()
		return nil, fmt.Errorf("%w: on-disk schema %s, expected major %d",
			lease.ErrDBIncompatible, ver, expectedVersion.Major)
	}
	return &DB{db: db}, nil
}

func readVersion(db *sql.DB) (store.Version, error) {
	var v store.Version
	err := db.QueryRow("SELECT major, minor FROM schema_version").Scan(&v.Major, &v.Minor)
	switch {
	case err == sql.ErrNoRows:
		// fresh database, stamp it
		if _, err := db.Exec("INSERT INTO schema_version (major, minor) VALUES (?, ?)",
			expectedVersion.Major, expectedVersion.Minor); err != nil {
			return v, fmt.Errorf("%w: stamp schema version: %v", lease.ErrDBOperation, err)
		}
		return expectedVersion, nil
	case err != nil:
		return v, fmt.Errorf("%w: read schema version: %v", lease.ErrDBOperation, err)
	}
	return v, nil
}

// Leases4 returns the IPv4 store view of the database.
func (d *DB) Leases4() *Store4 { return &Store4{db: d.db} }

// Leases6 returns the IPv6 store view of the database.
func (d *DB) Leases6() *Store6 { return &Store6{db: d.db} }

// Close closes the underlying database.
func (d *DB) Close() error { return d.db.Close() }

func encodeContext(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("%w: encode user context: %v", lease.ErrBadValue, err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func decodeContext(s sql.NullString) (map[string]any, error) {
	if !s.Valid {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, fmt.Errorf("%w: decode user context: %v", lease.ErrDBOperation, err)
	}
	return m, nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
