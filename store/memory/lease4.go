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

// Store4 is the in-memory IPv4 lease store.
type Store4 struct {
	locker

	leases   map[netip.Addr]*lease.Lease4
	byHW     map[string]map[netip.Addr]struct{}
	byCID    map[string]map[netip.Addr]struct{}
	bySubnet map[lease.SubnetID]map[netip.Addr]struct{}
}

// NewStore4 builds an empty store. multiThreaded enables internal locking;
// leave it off when the server runs a single worker.
func NewStore4(multiThreaded bool) *Store4 {
	return &Store4{
		locker:   locker{mt: multiThreaded},
		leases:   make(map[netip.Addr]*lease.Lease4),
		byHW:     make(map[string]map[netip.Addr]struct{}),
		byCID:    make(map[string]map[netip.Addr]struct{}),
		bySubnet: make(map[lease.SubnetID]map[netip.Addr]struct{}),
	}
}

// Name implements store.Backend.
func (s *Store4) Name() string { return "memory" }

// Description implements store.Backend.
func (s *Store4) Description() string { return "in-memory IPv4 lease store" }

// Version implements store.Backend.
func (s *Store4) Version(context.Context) (store.Version, error) { return schemaVersion, nil }

// Close implements store.Backend.
func (s *Store4) Close() error { return nil }

func index(m map[string]map[netip.Addr]struct{}, key string, addr netip.Addr) {
	set, ok := m[key]
	if !ok {
		set = make(map[netip.Addr]struct{})
		m[key] = set
	}
	set[addr] = struct{}{}
}

func unindex(m map[string]map[netip.Addr]struct{}, key string, addr netip.Addr) {
	if set, ok := m[key]; ok {
		delete(set, addr)
		if len(set) == 0 {
			delete(m, key)
		}
	}
}

func (s *Store4) link(l *lease.Lease4) {
	if l.HWAddr != nil {
		index(s.byHW, l.HWAddr.Key(), l.Addr)
	}
	if l.ClientID != nil {
		index(s.byCID, l.ClientID.Key(), l.Addr)
	}
	set, ok := s.bySubnet[l.SubnetID]
	if !ok {
		set = make(map[netip.Addr]struct{})
		s.bySubnet[l.SubnetID] = set
	}
	set[l.Addr] = struct{}{}
}

func (s *Store4) unlink(l *lease.Lease4) {
	if l.HWAddr != nil {
		unindex(s.byHW, l.HWAddr.Key(), l.Addr)
	}
	if l.ClientID != nil {
		unindex(s.byCID, l.ClientID.Key(), l.Addr)
	}
	if set, ok := s.bySubnet[l.SubnetID]; ok {
		delete(set, l.Addr)
		if len(set) == 0 {
			delete(s.bySubnet, l.SubnetID)
		}
	}
}

// AddLease implements store.Store4.
func (s *Store4) AddLease(_ context.Context, l *lease.Lease4) (bool, error) {
	if err := l.Valid(); err != nil {
		return false, err
	}
	s.lock()
	defer s.unlock()

	if prev, ok := s.leases[l.Addr]; ok {
		if prev.State.Live() {
			return false, nil
		}
		// a reclaimed row no longer owns the address
		s.unlink(prev)
	}
	stored := l.Clone()
	stored.Hostname = lease.CanonicalHostname(stored.Hostname)
	stored.ModifiedAt = time.Now()
	s.leases[stored.Addr] = stored
	s.link(stored)
	l.ModifiedAt = stored.ModifiedAt
	return true, nil
}

// GetByAddress implements store.Store4.
func (s *Store4) GetByAddress(_ context.Context, addr netip.Addr, subnet lease.SubnetID) (*lease.Lease4, error) {
	s.rlock()
	defer s.runlock()

	l, ok := s.leases[addr]
	if !ok || (subnet != 0 && l.SubnetID != subnet) {
		return nil, nil
	}
	return l.Clone(), nil
}

func (s *Store4) collect(set map[netip.Addr]struct{}, subnet lease.SubnetID) []*lease.Lease4 {
	out := make([]*lease.Lease4, 0, len(set))
	for addr := range set {
		l := s.leases[addr]
		if subnet != 0 && l.SubnetID != subnet {
			continue
		}
		out = append(out, l.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr.Less(out[j].Addr) })
	return out
}

// GetByHWAddr implements store.Store4.
func (s *Store4) GetByHWAddr(_ context.Context, hw lease.HWAddr, subnet lease.SubnetID) ([]*lease.Lease4, error) {
	s.rlock()
	defer s.runlock()
	return s.collect(s.byHW[hw.Key()], subnet), nil
}

// GetByClientID implements store.Store4.
func (s *Store4) GetByClientID(_ context.Context, cid lease.ClientID, subnet lease.SubnetID) ([]*lease.Lease4, error) {
	s.rlock()
	defer s.runlock()
	return s.collect(s.byCID[cid.Key()], subnet), nil
}

// GetBySubnet implements store.Store4.
func (s *Store4) GetBySubnet(_ context.Context, subnet lease.SubnetID) ([]*lease.Lease4, error) {
	s.rlock()
	defer s.runlock()
	return s.collect(s.bySubnet[subnet], 0), nil
}

// GetExpired implements store.Store4.
func (s *Store4) GetExpired(_ context.Context, max int) ([]*lease.Lease4, error) {
	s.rlock()
	defer s.runlock()

	now := time.Now()
	var out []*lease.Lease4
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

// GetModifiedSince implements store.Store4.
func (s *Store4) GetModifiedSince(_ context.Context, since time.Time) ([]*lease.Lease4, error) {
	s.rlock()
	defer s.runlock()

	var out []*lease.Lease4
	for _, l := range s.leases {
		if l.ModifiedAt.After(since) {
			out = append(out, l.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModifiedAt.Before(out[j].ModifiedAt) })
	return out, nil
}

// Update implements store.Store4.
func (s *Store4) Update(_ context.Context, l *lease.Lease4) error {
	if err := l.Valid(); err != nil {
		return err
	}
	s.lock()
	defer s.unlock()

	prev, ok := s.leases[l.Addr]
	if !ok {
		return lease.ErrNoSuchLease
	}
	s.unlink(prev)
	stored := l.Clone()
	stored.Hostname = lease.CanonicalHostname(stored.Hostname)
	stored.ModifiedAt = time.Now()
	s.leases[stored.Addr] = stored
	s.link(stored)
	l.ModifiedAt = stored.ModifiedAt
	return nil
}

// DeleteByAddress implements store.Store4.
func (s *Store4) DeleteByAddress(_ context.Context, addr netip.Addr) (bool, error) {
	s.lock()
	defer s.unlock()

	l, ok := s.leases[addr]
	if !ok {
		return false, nil
	}
	s.unlink(l)
	delete(s.leases, addr)
	return true, nil
}
