// Copyright 2018-present the LeaseCore Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/netip"
	"time"

	"github.com/insomniacslk/dhcp/iana"

	"github.com/leasecore/leasecore/lease"
	"github.com/leasecore/leasecore/store"
)

// Store6 is the relational IPv6 lease store.
type Store6 struct {
	db *sql.DB
}

// Name implements store.Backend.
func (s *Store6) Name() string { return "sqlite" }

// Description implements store.Backend.
func (s *Store6) Description() string { return "sqlite IPv6 lease store" }

// Version implements store.Backend.
func (s *Store6) Version(ctx context.Context) (store.Version, error) {
	var v store.Version
	err := s.db.QueryRowContext(ctx, "SELECT major, minor FROM schema_version").Scan(&v.Major, &v.Minor)
	if err != nil {
		return v, fmt.Errorf("%w: read schema version: %v", lease.ErrDBOperation, err)
	}
	return v, nil
}

// Close implements store.Backend. The handle is shared with the IPv4 view;
// close the DB instead.
func (s *Store6) Close() error { return nil }

func addr6Key(addr netip.Addr) []byte {
	b := addr.As16()
	return b[:]
}

const lease6Columns = `address, lease_type, prefix_len, duid, iaid, hwaddr, hwtype,
	preferred_lft, valid_lft, t1, t2, cltt, subnet_id, fixed, hostname,
	fqdn_fwd, fqdn_rev, state, user_context, modified_at`

func scanLease6(r rowScanner) (*lease.Lease6, error) {
	var (
		addrRaw         []byte
		leaseType       int
		duid, hwaddr    []byte
		hwtype          int64
		cltt, modified  int64
		fixed, fwd, rev bool
		state           int
		userContext     sql.NullString
		l               lease.Lease6
	)
	err := r.Scan(&addrRaw, &leaseType, &l.PrefixLen, &duid, &l.IAID, &hwaddr, &hwtype,
		&l.PreferredLft, &l.ValidLft, &l.T1, &l.T2, &cltt, &l.SubnetID, &fixed,
		&l.Hostname, &fwd, &rev, &state, &userContext, &modified)
	if err != nil {
		return nil, err
	}
	addr, ok := netip.AddrFromSlice(addrRaw)
	if !ok {
		return nil, fmt.Errorf("%w: malformed address blob (%d bytes)", lease.ErrDBOperation, len(addrRaw))
	}
	l.Addr = addr
	l.Type = lease.Type6(leaseType)
	l.DUID = duid
	if hwaddr != nil {
		l.HWAddr = &lease.HWAddr{Type: iana.HWType(hwtype), Addr: hwaddr}
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

func (s *Store6) write(ctx context.Context, tx *sql.Tx, l *lease.Lease6, modified time.Time, replace bool) error {
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
	_, err = tx.ExecContext(ctx, verb+` INTO leases6
		(address, lease_type, prefix_len, duid, iaid, hwaddr, hwtype,
		 preferred_lft, valid_lft, t1, t2, cltt, expire, subnet_id, fixed,
		 hostname, fqdn_fwd, fqdn_rev, state, user_context, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		addr6Key(l.Addr), int(l.Type), l.PrefixLen, []byte(l.DUID), l.IAID, hwaddr, hwtype,
		l.PreferredLft, l.ValidLft, l.T1, l.T2, unixOrZero(l.CLTT),
		unixOrZero(l.CLTT)+int64(l.ValidLft), l.SubnetID, l.Fixed,
		lease.CanonicalHostname(l.Hostname), l.FQDNFwd, l.FQDNRev,
		int(l.State), userContext, modified.UnixNano())
	if err != nil {
		if isConstraintError(err) {
			return errDuplicateRow
		}
		return fmt.Errorf("%w: write lease6 %s/%s: %v", lease.ErrDBOperation, l.Addr, l.Type, err)
	}
	return nil
}

// AddLease implements store.Store6.
func (s *Store6) AddLease(ctx context.Context, l *lease.Lease6) (bool, error) {
	if err := l.Valid(); err != nil {
		return false, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("%w: begin: %v", lease.ErrDBOperation, err)
	}
	defer tx.Rollback()

	var state int
	err = tx.QueryRowContext(ctx,
		"SELECT state FROM leases6 WHERE address = ? AND lease_type = ?",
		addr6Key(l.Addr), int(l.Type)).Scan(&state)
	switch {
	case err == nil:
		if lease.State(state).Live() {
			return false, nil
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM leases6 WHERE address = ? AND lease_type = ?",
			addr6Key(l.Addr), int(l.Type)); err != nil {
			return false, fmt.Errorf("%w: clear reclaimed lease6 %s/%s: %v", lease.ErrDBOperation, l.Addr, l.Type, err)
		}
	case err != sql.ErrNoRows:
		return false, fmt.Errorf("%w: probe lease6 %s/%s: %v", lease.ErrDBOperation, l.Addr, l.Type, err)
	}

	modified := time.Now()
	if err := s.write(ctx, tx, l, modified, false); err != nil {
		if err == errDuplicateRow {
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

// GetByAddress implements store.Store6.
func (s *Store6) GetByAddress(ctx context.Context, typ lease.Type6, addr netip.Addr, subnet lease.SubnetID) (*lease.Lease6, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+lease6Columns+" FROM leases6 WHERE address = ? AND lease_type = ?",
		addr6Key(addr), int(typ))
	l, err := scanLease6(row)
	switch {
	case err == sql.ErrNoRows:
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("%w: get lease6 %s/%s: %v", lease.ErrDBOperation, addr, typ, err)
	}
	if subnet != 0 && l.SubnetID != subnet {
		return nil, nil
	}
	return l, nil
}

func (s *Store6) query(ctx context.Context, q string, args ...any) ([]*lease.Lease6, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query leases6: %v", lease.ErrDBOperation, err)
	}
	defer rows.Close()

	var out []*lease.Lease6
	for rows.Next() {
		l, err := scanLease6(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan lease6: %v", lease.ErrDBOperation, err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate leases6: %v", lease.ErrDBOperation, err)
	}
	return out, nil
}

// GetByDUID implements store.Store6.
func (s *Store6) GetByDUID(ctx context.Context, duid lease.DUID, iaid lease.IAID, subnet lease.SubnetID) ([]*lease.Lease6, error) {
	if subnet != 0 {
		return s.query(ctx, "SELECT "+lease6Columns+
			" FROM leases6 WHERE duid = ? AND iaid = ? AND subnet_id = ? ORDER BY address, lease_type",
			[]byte(duid), iaid, subnet)
	}
	return s.query(ctx, "SELECT "+lease6Columns+
		" FROM leases6 WHERE duid = ? AND iaid = ? ORDER BY address, lease_type",
		[]byte(duid), iaid)
}

// GetBySubnet implements store.Store6.
func (s *Store6) GetBySubnet(ctx context.Context, subnet lease.SubnetID) ([]*lease.Lease6, error) {
	return s.query(ctx, "SELECT "+lease6Columns+
		" FROM leases6 WHERE subnet_id = ? ORDER BY address, lease_type", subnet)
}

// GetExpired implements store.Store6.
func (s *Store6) GetExpired(ctx context.Context, max int) ([]*lease.Lease6, error) {
	limit := max
	if limit <= 0 {
		limit = -1
	}
	return s.query(ctx, "SELECT "+lease6Columns+
		" FROM leases6 WHERE state != ? AND expire <= ? ORDER BY expire LIMIT ?",
		int(lease.StateExpiredReclaimed), time.Now().Unix(), limit)
}

// GetModifiedSince implements store.Store6.
func (s *Store6) GetModifiedSince(ctx context.Context, since time.Time) ([]*lease.Lease6, error) {
	return s.query(ctx, "SELECT "+lease6Columns+
		" FROM leases6 WHERE modified_at > ? ORDER BY modified_at", since.UnixNano())
}

// Update implements store.Store6.
func (s *Store6) Update(ctx context.Context, l *lease.Lease6) error {
	if err := l.Valid(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", lease.ErrDBOperation, err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		"SELECT 1 FROM leases6 WHERE address = ? AND lease_type = ?",
		addr6Key(l.Addr), int(l.Type)).Scan(&exists)
	switch {
	case err == sql.ErrNoRows:
		return fmt.Errorf("%w: lease6 %s/%s", lease.ErrNoSuchLease, l.Addr, l.Type)
	case err != nil:
		return fmt.Errorf("%w: probe lease6 %s/%s: %v", lease.ErrDBOperation, l.Addr, l.Type, err)
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

// DeleteByAddress implements store.Store6.
func (s *Store6) DeleteByAddress(ctx context.Context, typ lease.Type6, addr netip.Addr) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM leases6 WHERE address = ? AND lease_type = ?", addr6Key(addr), int(typ))
	if err != nil {
		return false, fmt.Errorf("%w: delete lease6 %s/%s: %v", lease.ErrDBOperation, addr, typ, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: delete lease6 %s/%s: %v", lease.ErrDBOperation, addr, typ, err)
	}
	return n > 0, nil
}
