// Copyright 2018-present the LeaseCore Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package bolt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/leasecore/leasecore/lease"
	"github.com/leasecore/leasecore/store"
)

// Store4 is the bbolt IPv4 lease store.
type Store4 struct {
	db     *bolt.DB
	shared *DB
}

// Name implements store.Backend.
func (s *Store4) Name() string { return "bolt" }

// Description implements store.Backend.
func (s *Store4) Description() string { return "bbolt IPv4 lease store" }

// Version implements store.Backend.
func (s *Store4) Version(context.Context) (store.Version, error) { return s.shared.version() }

// Close implements store.Backend. The file is shared with the IPv6 view;
// close the DB instead.
func (s *Store4) Close() error { return nil }

func key4(addr netip.Addr) []byte {
	b := addr.As4()
	return b[:]
}

func put4(b *bolt.Bucket, l *lease.Lease4) error {
	raw, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("%w: encode lease4 %s: %v", lease.ErrBadValue, l.Addr, err)
	}
	return b.Put(key4(l.Addr), raw)
}

func get4(b *bolt.Bucket, addr netip.Addr) (*lease.Lease4, error) {
	raw := b.Get(key4(addr))
	if raw == nil {
		return nil, nil
	}
	var l lease.Lease4
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, fmt.Errorf("%w: decode lease4 %s: %v", lease.ErrDBOperation, addr, err)
	}
	return &l, nil
}

// AddLease implements store.Store4.
func (s *Store4) AddLease(_ context.Context, l *lease.Lease4) (bool, error) {
	if err := l.Valid(); err != nil {
		return false, err
	}
	inserted := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases4)
		old, err := get4(b, l.Addr)
		if err != nil {
			return err
		}
		if old != nil && old.State.Live() {
			return nil
		}
		stored := l.Clone()
		stored.Hostname = lease.CanonicalHostname(stored.Hostname)
		stored.ModifiedAt = time.Now()
		if err := put4(b, stored); err != nil {
			return err
		}
		l.ModifiedAt = stored.ModifiedAt
		inserted = true
		return nil
	})
	if err != nil {
		return false, wrapDB(err)
	}
	return inserted, nil
}

// wrapDB tags raw bbolt failures as transient DB errors while letting
// already-classified taxonomy errors through untouched.
func wrapDB(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{
		lease.ErrBadValue, lease.ErrNoSuchLease, lease.ErrDBOperation, lease.ErrDBIncompatible,
	} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", lease.ErrDBOperation, err)
}

// GetByAddress implements store.Store4.
func (s *Store4) GetByAddress(_ context.Context, addr netip.Addr, subnet lease.SubnetID) (*lease.Lease4, error) {
	var out *lease.Lease4
	err := s.db.View(func(tx *bolt.Tx) error {
		l, err := get4(tx.Bucket(bucketLeases4), addr)
		if err != nil {
			return err
		}
		if l != nil && (subnet == 0 || l.SubnetID == subnet) {
			out = l
		}
		return nil
	})
	return out, wrapDB(err)
}

// scan4 collects leases matching the predicate, in bucket (address) order.
func (s *Store4) scan4(match func(*lease.Lease4) bool) ([]*lease.Lease4, error) {
	var out []*lease.Lease4
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLeases4).ForEach(func(k, v []byte) error {
			var l lease.Lease4
			if err := json.Unmarshal(v, &l); err != nil {
				return fmt.Errorf("%w: decode lease4 key %x: %v", lease.ErrDBOperation, k, err)
			}
			if match(&l) {
				out = append(out, &l)
			}
			return nil
		})
	})
	if err != nil {
		return nil, wrapDB(err)
	}
	return out, nil
}

// GetByHWAddr implements store.Store4.
func (s *Store4) GetByHWAddr(_ context.Context, hw lease.HWAddr, subnet lease.SubnetID) ([]*lease.Lease4, error) {
	return s.scan4(func(l *lease.Lease4) bool {
		return l.HWAddr != nil && bytes.Equal(l.HWAddr.Addr, hw.Addr) &&
			(subnet == 0 || l.SubnetID == subnet)
	})
}

// GetByClientID implements store.Store4.
func (s *Store4) GetByClientID(_ context.Context, cid lease.ClientID, subnet lease.SubnetID) ([]*lease.Lease4, error) {
	return s.scan4(func(l *lease.Lease4) bool {
		return bytes.Equal(l.ClientID, cid) && (subnet == 0 || l.SubnetID == subnet)
	})
}

// GetBySubnet implements store.Store4.
func (s *Store4) GetBySubnet(_ context.Context, subnet lease.SubnetID) ([]*lease.Lease4, error) {
	return s.scan4(func(l *lease.Lease4) bool { return l.SubnetID == subnet })
}

// GetExpired implements store.Store4.
func (s *Store4) GetExpired(_ context.Context, max int) ([]*lease.Lease4, error) {
	now := time.Now()
	out, err := s.scan4(func(l *lease.Lease4) bool {
		return l.State.Live() && l.Expired(now)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Expiry().Before(out[j].Expiry()) })
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out, nil
}

// GetModifiedSince implements store.Store4.
func (s *Store4) GetModifiedSince(_ context.Context, since time.Time) ([]*lease.Lease4, error) {
	out, err := s.scan4(func(l *lease.Lease4) bool { return l.ModifiedAt.After(since) })
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModifiedAt.Before(out[j].ModifiedAt) })
	return out, nil
}

// Update implements store.Store4.
func (s *Store4) Update(_ context.Context, l *lease.Lease4) error {
	if err := l.Valid(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases4)
		old, err := get4(b, l.Addr)
		if err != nil {
			return err
		}
		if old == nil {
			return fmt.Errorf("%w: lease4 %s", lease.ErrNoSuchLease, l.Addr)
		}
		stored := l.Clone()
		stored.Hostname = lease.CanonicalHostname(stored.Hostname)
		stored.ModifiedAt = time.Now()
		if err := put4(b, stored); err != nil {
			return err
		}
		l.ModifiedAt = stored.ModifiedAt
		return nil
	})
	return wrapDB(err)
}

// DeleteByAddress implements store.Store4.
func (s *Store4) DeleteByAddress(_ context.Context, addr netip.Addr) (bool, error) {
	removed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases4)
		if b.Get(key4(addr)) == nil {
			return nil
		}
		removed = true
		return b.Delete(key4(addr))
	})
	return removed, wrapDB(err)
}
