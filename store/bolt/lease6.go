// Copyright 2018-present the LeaseCore Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package bolt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/leasecore/leasecore/lease"
	"github.com/leasecore/leasecore/store"
)

// Store6 is the bbolt IPv6 lease store.
type Store6 struct {
	db     *bolt.DB
	shared *DB
}

// Name implements store.Backend.
func (s *Store6) Name() string { return "bolt" }

// Description implements store.Backend.
func (s *Store6) Description() string { return "bbolt IPv6 lease store" }

// Version implements store.Backend.
func (s *Store6) Version(context.Context) (store.Version, error) { return s.shared.version() }

// Close implements store.Backend.
func (s *Store6) Close() error { return nil }

// key6 prefixes the 16 address bytes with the lease type so that NA, TA
// and PD rows on one address stay distinct.
func key6(typ lease.Type6, addr netip.Addr) []byte {
	b := addr.As16()
	return append([]byte{byte(typ)}, b[:]...)
}

func put6(b *bolt.Bucket, l *lease.Lease6) error {
	raw, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("%w: encode lease6 %s/%s: %v", lease.ErrBadValue, l.Addr, l.Type, err)
	}
	return b.Put(key6(l.Type, l.Addr), raw)
}

func get6(b *bolt.Bucket, typ lease.Type6, addr netip.Addr) (*lease.Lease6, error) {
	raw := b.Get(key6(typ, addr))
	if raw == nil {
		return nil, nil
	}
	var l lease.Lease6
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, fmt.Errorf("%w: decode lease6 %s/%s: %v", lease.ErrDBOperation, addr, typ, err)
	}
	return &l, nil
}

// AddLease implements store.Store6.
func (s *Store6) AddLease(_ context.Context, l *lease.Lease6) (bool, error) {
	if err := l.Valid(); err != nil {
		return false, err
	}
	inserted := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases6)
		old, err := get6(b, l.Type, l.Addr)
		if err != nil {
			return err
		}
		if old != nil && old.State.Live() {
			return nil
		}
		stored := l.Clone()
		stored.Hostname = lease.CanonicalHostname(stored.Hostname)
		stored.ModifiedAt = time.Now()
		if err := put6(b, stored); err != nil {
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

// GetByAddress implements store.Store6.
func (s *Store6) GetByAddress(_ context.Context, typ lease.Type6, addr netip.Addr, subnet lease.SubnetID) (*lease.Lease6, error) {
	var out *lease.Lease6
	err := s.db.View(func(tx *bolt.Tx) error {
		l, err := get6(tx.Bucket(bucketLeases6), typ, addr)
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

func (s *Store6) scan6(match func(*lease.Lease6) bool) ([]*lease.Lease6, error) {
	var out []*lease.Lease6
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLeases6).ForEach(func(k, v []byte) error {
			var l lease.Lease6
			if err := json.Unmarshal(v, &l); err != nil {
				return fmt.Errorf("%w: decode lease6 key %x: %v", lease.ErrDBOperation, k, err)
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
	sort.Slice(out, func(i, j int) bool {
		if out[i].Addr != out[j].Addr {
			return out[i].Addr.Less(out[j].Addr)
		}
		return out[i].Type < out[j].Type
	})
	return out, nil
}

// GetByDUID implements store.Store6.
func (s *Store6) GetByDUID(_ context.Context, duid lease.DUID, iaid lease.IAID, subnet lease.SubnetID) ([]*lease.Lease6, error) {
	return s.scan6(func(l *lease.Lease6) bool {
		return bytes.Equal(l.DUID, duid) && l.IAID == iaid &&
			(subnet == 0 || l.SubnetID == subnet)
	})
}

// GetBySubnet implements store.Store6.
func (s *Store6) GetBySubnet(_ context.Context, subnet lease.SubnetID) ([]*lease.Lease6, error) {
	return s.scan6(func(l *lease.Lease6) bool { return l.SubnetID == subnet })
}

// GetExpired implements store.Store6.
func (s *Store6) GetExpired(_ context.Context, max int) ([]*lease.Lease6, error) {
	now := time.Now()
	out, err := s.scan6(func(l *lease.Lease6) bool {
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

// GetModifiedSince implements store.Store6.
func (s *Store6) GetModifiedSince(_ context.Context, since time.Time) ([]*lease.Lease6, error) {
	out, err := s.scan6(func(l *lease.Lease6) bool { return l.ModifiedAt.After(since) })
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModifiedAt.Before(out[j].ModifiedAt) })
	return out, nil
}

// Update implements store.Store6.
func (s *Store6) Update(_ context.Context, l *lease.Lease6) error {
	if err := l.Valid(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases6)
		old, err := get6(b, l.Type, l.Addr)
		if err != nil {
			return err
		}
		if old == nil {
			return fmt.Errorf("%w: lease6 %s/%s", lease.ErrNoSuchLease, l.Addr, l.Type)
		}
		stored := l.Clone()
		stored.Hostname = lease.CanonicalHostname(stored.Hostname)
		stored.ModifiedAt = time.Now()
		if err := put6(b, stored); err != nil {
			return err
		}
		l.ModifiedAt = stored.ModifiedAt
		return nil
	})
	return wrapDB(err)
}

// DeleteByAddress implements store.Store6.
func (s *Store6) DeleteByAddress(_ context.Context, typ lease.Type6, addr netip.Addr) (bool, error) {
	removed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases6)
		if b.Get(key6(typ, addr)) == nil {
			return nil
		}
		removed = true
		return b.Delete(key6(typ, addr))
	})
	return removed, wrapDB(err)
}
