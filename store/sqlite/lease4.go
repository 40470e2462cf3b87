// Copyright 2018-present the LeaseCore Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"

	"github.com/insomniacslk/dhcp/iana"

	"github.com/leasecore/leasecore/lease"
	"github.com/leasecore/leasecore/store"
)

// Store4 is the relational IPv4 lease store.
type Store4 struct {
	db *sql.DB
}

// Name implements store.Backend.
func (s *Store4) Name() string { return "sqlite" }

// Description implements store.Backend.
func (s *Store4) Description() string { return "sqlite IPv4 lease store" }

// Version implements store.Backend.
func (s *Store4) Version(ctx context.Context) (store.Version, error) {
	var v store.Version
	err := s.db.QueryRowContext(ctx, "SELECT major, minor FROM schema_version").Scan(&v.Major, &v.Minor)
	if err != nil {
		return v, fmt.Errorf("%w: read schema version: %v", lease.ErrDBOperation, err)
	}
	return v, nil
}

// Close implements store.Backend. The handle is shared with the IPv6 view;
// close the DB instead.
func (s *Store4) Close() error { return nil }

func addr4Key(addr netip.Addr) int64 {
	b := addr.As4()
	return int64(binary.BigEndian.Uint32(b[:]))
}

func keyAddr4(key int64) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(key))
	return netip.AddrFrom4(b)
}

const lease4Columns = `address, hwaddr, hwtype, client_id, valid_lft, t1, t2, cltt,
	subnet_id, fixed, hostname, fqdn_fwd, fqdn_rev, state, user_context, modified_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLease4(r rowScanner) (*lease.Lease4, error) {
	var (
		addrKey          int64
		hwaddr, clientID []byte
		hwtype           int64
		cltt, modified   int64
		fixed, fwd, rev  bool
		state            int
		userContext      sql.NullString
		l                lease.Lease4
	)
	err := r.Scan(&addrKey, &hwaddr, &hwtype, &clientID, &l.ValidLft, &l.T1, &l.T2, &cltt,
		&l.SubnetID, &fixed, &l.Hostname, &fwd, &rev, &state, &userContext, &modified)
	if err != nil {
		return nil, err
	}
	l.Addr = keyAddr4(addrKey)
	if hwaddr != nil {
		l.HWAddr = &lease.HWAddr{Type: iana.HWType(hwtype), Addr: hwaddr}
	}
	if clientID != nil {
		l.ClientID = clientID
	}
	l.CLTT = time.Unix(cltt, 0)
	l.Fixed, l.FQDNFwd, l.FQDNRev = fixed, fwd, rev
	l.State = lease.State(state)
	l.ModifiedAt = time.Unix(0, modified)
	ctxMap, err := decodeContext(userContext)
	if err != nil {
		return nil, err
	}
	l.UserContext = ctxMap
	return &l, nil
}

// write persists the lease image. replace distinguishes the update path
// (overwrite in place) from the insert path, where a plain INSERT lets the
// primary key arbitrate racing writers.
func (s *Store4) write(ctx context.Context, tx *sql.Tx, l *lease.Lease4, modified time.Time, replace bool) error {
	var hwaddr []byte
	var hwtype int64
	if l.HWAddr != nil {
		hwaddr = l.HWAddr.Addr
		hwtype = int64(l.HWAddr.Type)
	}
	userContext, err := encodeContext(l.UserContext)
	if err != nil {
		return err
	}
	verb := "INSERT"
	if replace {
		verb = "INSERT OR REPLACE"
	}
	_, err = tx.ExecContext(ctx, verb+` INTO leases4
		(address, hwaddr, hwtype, client_id, valid_lft, t1, t2, cltt, expire,
		 subnet_id, fixed, hostname, fqdn_fwd, fqdn_rev, state, user_context, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		addr4Key(l.Addr), hwaddr, hwtype, []byte(l.ClientID), l.ValidLft, l.T1, l.T2,
		unixOrZero(l.CLTT), unixOrZero(l.CLTT)+int64(l.ValidLft),
		l.SubnetID, l.Fixed, lease.CanonicalHostname(l.Hostname), l.FQDNFwd, l.FQDNRev,
		int(l.State), userContext, modified.UnixNano())
	if err != nil {
		if isConstraintError(err) {
			return errDuplicateRow
		}
		return fmt.Errorf("%w: write lease4 %s: %v", lease.ErrDBOperation, l.Addr, err)
	}
	return nil
}

// AddLease implements store.Store4.
func (s *Store4) AddLease(ctx context.Context, l *lease.Lease4) (bool, error) {
	if err := l.Valid(); err != nil {
		return false, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("%w: begin: %v", lease.ErrDBOperation, err)
	}
	defer tx.Rollback()

	var state int
	err = tx.QueryRowContext(ctx, "SELECT state FROM leases4 WHERE address = ?",
		addr4Key(l.Addr)).Scan(&state)
	switch {
	case err == nil:
		if lease.State(state).Live() {
			return false, nil
		}
		// the reclaimed row no longer owns the address
		if _, err := tx.ExecContext(ctx, "DELETE FROM leases4 WHERE address = ?", addr4Key(l.Addr)); err != nil {
			return false, fmt.Errorf("%w: clear reclaimed lease4 %s: %v", lease.ErrDBOperation, l.Addr, err)
		}
	case err != sql.ErrNoRows:
		return false, fmt.Errorf("%w: probe lease4 %s: %v", lease.ErrDBOperation, l.Addr, err)
	}

	modified := time.Now()
	if err := s.write(ctx, tx, l, modified, false); err != nil {
		if err == errDuplicateRow {
			// another writer slipped in between probe and insert
			return false, nil
		}
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("%w: commit: %v", lease.ErrDBOperation, err)
	}
	l.ModifiedAt = modified
	return true, nil
}

// GetByAddress implements store.Store4.
func (s *Store4) GetByAddress(ctx context.Context, addr netip.Addr, subnet lease.SubnetID) (*lease.Lease4, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+lease4Columns+" FROM leases4 WHERE address = ?", addr4Key(addr))
	l, err := scanLease4(row)
	switch {
	case err == sql.ErrNoRows:
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("%w: get lease4 %s: %v", lease.ErrDBOperation, addr, err)
	}
	if subnet != 0 && l.SubnetID != subnet {
		return nil, nil
	}
	return l, nil
}

func (s *Store4) query(ctx context.Context, q string, args ...any) ([]*lease.Lease4, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query leases4: %v", lease.ErrDBOperation, err)
	}
	defer rows.Close()

	var out []*lease.Lease4
	for rows.Next() {
		l, err := scanLease4(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan lease4: %v", lease.ErrDBOperation, err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate leases4: %v", lease.ErrDBOperation, err)
	}
	return out, nil
}

// GetByHWAddr implements store.Store4.
func (s *Store4) GetByHWAddr(ctx context.Context, hw lease.HWAddr, subnet lease.SubnetID) ([]*lease.Lease4, error) {
	if subnet != 0 {
		return s.query(ctx, "SELECT "+lease4Columns+
			" FROM leases4 WHERE hwaddr = ? AND subnet_id = ? ORDER BY address",
			[]byte(hw.Addr), subnet)
	}
	return s.query(ctx, "SELECT "+lease4Columns+
		" FROM leases4 WHERE hwaddr = ? ORDER BY address", []byte(hw.Addr))
}

// GetByClientID implements store.Store4.
func (s *Store4) GetByClientID(ctx context.Context, cid lease.ClientID, subnet lease.SubnetID) ([]*lease.Lease4, error) {
	if subnet != 0 {
		return s.query(ctx, "SELECT "+lease4Columns+
			" FROM leases4 WHERE client_id = ? AND subnet_id = ? ORDER BY address",
			[]byte(cid), subnet)
	}
	return s.query(ctx, "SELECT "+lease4Columns+
		" FROM leases4 WHERE client_id = ? ORDER BY address", []byte(cid))
}

// GetBySubnet implements store.Store4.
func (s *Store4) GetBySubnet(ctx context.Context, subnet lease.SubnetID) ([]*lease.Lease4, error) {
	return s.query(ctx, "SELECT "+lease4Columns+
		" FROM leases4 WHERE subnet_id = ? ORDER BY address", subnet)
}

// GetExpired implements store.Store4.
func (s *Store4) GetExpired(ctx context.Context, max int) ([]*lease.Lease4, error) {
	limit := max
	if limit <= 0 {
		limit = -1
	}
	return s.query(ctx, "SELECT "+lease4Columns+
		" FROM leases4 WHERE state != ? AND expire <= ? ORDER BY expire LIMIT ?",
		int(lease.StateExpiredReclaimed), time.Now().Unix(), limit)
}

// GetModifiedSince implements store.Store4.
func (s *Store4) GetModifiedSince(ctx context.Context, since time.Time) ([]*lease.Lease4, error) {
	return s.query(ctx, "SELECT "+lease4Columns+
		" FROM leases4 WHERE modified_at > ? ORDER BY modified_at", since.UnixNano())
}

// Update implements store.Store4.
func (s *Store4) Update(ctx context.Context, l *lease.Lease4) error {
	if err := l.Valid(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", lease.ErrDBOperation, err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM leases4 WHERE address = ?",
		addr4Key(l.Addr)).Scan(&exists)
	switch {
	case err == sql.ErrNoRows:
		return fmt.Errorf("%w: lease4 %s", lease.ErrNoSuchLease, l.Addr)
	case err != nil:
		return fmt.Errorf("%w: probe lease4 %s: %v", lease.ErrDBOperation, l.Addr, err)
	}

	modified := time.Now()
	if err := s.write(ctx, tx, l, modified, true); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", lease.ErrDBOperation, err)
	}
	l.ModifiedAt = modified
	return nil
}

// DeleteByAddress implements store.Store4.
func (s *Store4) DeleteByAddress(ctx context.Context, addr netip.Addr) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM leases4 WHERE address = ?", addr4Key(addr))
	if err != nil {
		return false, fmt.Errorf("%w: delete lease4 %s: %v", lease.ErrDBOperation, addr, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: delete lease4 %s: %v", lease.ErrDBOperation, addr, err)
	}
	return n > 0, nil
}
