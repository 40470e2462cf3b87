// Copyright 2018-present the LeaseCore Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package memory

import (
	"context"
	"net/netip"
	"sort"
	"time"

	"github.com/leasecore/leasecore/lease"
	"github.com/leasecore/leasecore/store"
)

// key6 is the primary key of an IPv6 lease. A delegated prefix is keyed by
// its base address.
type key6 struct {
	addr netip.Addr
	typ  lease.Type6
}

// Store6 is the in-memory IPv6 lease store.
type Store6 struct {
	locker

	leases   map[key6]*lease.Lease6
	byDUID   map[string]map[key6]struct{}
	bySubnet map[lease.SubnetID]map[key6]struct{}
}

// NewStore6 builds an empty store.
func NewStore6(multiThreaded bool) *Store6 {
	return &Store6{
		locker:   locker{mt: multiThreaded},
		leases:   make(map[key6]*lease.Lease6),
		byDUID:   make(map[string]map[key6]struct{}),
		bySubnet: make(map[lease.SubnetID]map[key6]struct{}),
	}
}

// Name implements store.Backend.
func (s *Store6) Name() string { return "memory" }

// Description implements store.Backend.
func (s *Store6) Description() string { return "in-memory IPv6 lease store" }

// Version implements store.Backend.
func (s *Store6) Version(context.Context) (store.Version, error) { return schemaVersion, nil }

// Close implements store.Backend.
func (s *Store6) Close() error { return nil }

func (s *Store6) link(l *lease.Lease6) {
	k := key6{l.Addr, l.Type}
	set, ok := s.byDUID[l.DUID.Key()]
	if !ok {
		set = make(map[key6]struct{})
		s.byDUID[l.DUID.Key()] = set
	}
	set[k] = struct{}{}
	sub, ok := s.bySubnet[l.SubnetID]
	if !ok {
		sub = make(map[key6]struct{})
		s.bySubnet[l.SubnetID] = sub
	}
	sub[k] = struct{}{}
}

func (s *Store6) unlink(l *lease.Lease6) {
	k := key6{l.Addr, l.Type}
	if set, ok := s.byDUID[l.DUID.Key()]; ok {
		delete(set, k)
		if len(set) == 0 {
			delete(s.byDUID, l.DUID.Key())
		}
	}
	if sub, ok := s.bySubnet[l.SubnetID]; ok {
		delete(sub, k)
		if len(sub) == 0 {
			delete(s.bySubnet, l.SubnetID)
		}
	}
}

// AddLease implements store.Store6.
func (s *Store6) AddLease(_ context.Context, l *lease.Lease6) (bool, error) {
	if err := l.Valid(); err != nil {
		return false, err
	}
	s.lock()
	defer s.unlock()

	k := key6{l.Addr, l.Type}
	if prev, ok := s.leases[k]; ok {
		if prev.State.Live() {
			return false, nil
		}
		s.unlink(prev)
	}
	stored := l.Clone()
	stored.Hostname = lease.CanonicalHostname(stored.Hostname)
	stored.ModifiedAt = time.Now()
	s.leases[k] = stored
	s.link(stored)
	l.ModifiedAt = stored.ModifiedAt
	return true, nil
}

// GetByAddress implements store.Store6.
func (s *Store6) GetByAddress(_ context.Context, typ lease.Type6, addr netip.Addr, subnet lease.SubnetID) (*lease.Lease6, error) {
	s.rlock()
	defer s.runlock()

	l, ok := s.leases[key6{addr, typ}]
	if !ok || (subnet != 0 && l.SubnetID != subnet) {
		return nil, nil
	}
	return l.Clone(), nil
}

func (s *Store6) collect(set map[key6]struct{}, subnet lease.SubnetID, filter func(*lease.Lease6) bool) []*lease.Lease6 {
	out := make([]*lease.Lease6, 0, len(set))
	for k := range set {
		l := s.leases[k]
		if subnet != 0 && l.SubnetID != subnet {
			continue
		}
		if filter != nil && !filter(l) {
			continue
		}
		out = append(out, l.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Addr != out[j].Addr {
			return out[i].Addr.Less(out[j].Addr)
		}
		return out[i].Type < out[j].Type
	})
	return out
}

// GetByDUID implements store.Store6.
func (s *Store6) GetByDUID(_ context.Context, duid lease.DUID, iaid lease.IAID, subnet lease.SubnetID) ([]*lease.Lease6, error) {
	s.rlock()
	defer s.runlock()
	return s.collect(s.byDUID[duid.Key()], subnet, func(l *lease.Lease6) bool {
		return l.IAID == iaid
	}), nil
}

// GetBySubnet implements store.Store6.
func (s *Store6) GetBySubnet(_ context.Context, subnet lease.SubnetID) ([]*lease.Lease6, error) {
	s.rlock()
	defer s.runlock()
	return s.collect(s.bySubnet[subnet], 0, nil), nil
}

// GetExpired implements store.Store6.
func (s *Store6) GetExpired(_ context.Context, max int) ([]*lease.Lease6, error) {
	s.rlock()
	defer s.runlock()

	now := time.Now()
	var out []*lease.Lease6
	for _, l := range s.leases {
		if l.State.Live() && l.Expired(now) {
			out = append(out, l.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Expiry().Before(out[j].Expiry()) })
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out, nil
}

// GetModifiedSince implements store.Store6.
func (s *Store6) GetModifiedSince(_ context.Context, since time.Time) ([]*lease.Lease6, error) {
	s.rlock()
	defer s.runlock()

	var out []*lease.Lease6
	for _, l := range s.leases {
		if l.ModifiedAt.After(since) {
			out = append(out, l.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModifiedAt.Before(out[j].ModifiedAt) })
	return out, nil
}

// Update implements store.Store6.
func (s *Store6) Update(_ context.Context, l *lease.Lease6) error {
	if err := l.Valid(); err != nil {
		return err
	}
	s.lock()
	defer s.unlock()

	k := key6{l.Addr, l.Type}
	prev, ok := s.leases[k]
	if !ok {
		return lease.ErrNoSuchLease
	}
	s.unlink(prev)
	stored := l.Clone()
	stored.Hostname = lease.CanonicalHostname(stored.Hostname)
	stored.ModifiedAt = time.Now()
	s.leases[k] = stored
	s.link(stored)
	l.ModifiedAt = stored.ModifiedAt
	return nil
}

// DeleteByAddress implements store.Store6.
func (s *Store6) DeleteByAddress(_ context.Context, typ lease.Type6, addr netip.Addr) (bool, error) {
	s.lock()
	defer s.unlock()

	k := key6{addr, typ}
	l, ok := s.leases[k]
	if !ok {
		return false, nil
	}
	s.unlink(l)
	delete(s.leases, k)
	return true, nil
}
