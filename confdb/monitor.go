// Copyright 2018-present the LeaseCore Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package confdb

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/leasecore/leasecore/lease"
	"github.com/leasecore/leasecore/logger"
)

var monitorLog = logger.GetLogger("confdb/monitor")

// Snapshot4 is an immutable view of the IPv4 configuration. The allocation
// engine reads it without locks; the monitor replaces the whole snapshot
// with a pointer swap when the audit log moves.
type Snapshot4 struct {
	Subnets    map[lease.SubnetID]*Subnet4
	Networks   map[string]*SharedNetwork4
	Hosts      map[string]*HostReservation
	Parameters map[string]*GlobalParameter

	networkOf map[lease.SubnetID]string
	BuiltAt   time.Time
}

// Candidates returns the subnets eligible for allocation when the request
// handler selected `id`: the subnet itself, or every member of its shared
// network in declaration order.
func (s *Snapshot4) Candidates(id lease.SubnetID) []*Subnet4 {
	sub, ok := s.Subnets[id]
	if !ok {
		return nil
	}
	name, shared := s.networkOf[id]
	if !shared {
		return []*Subnet4{sub}
	}
	network := s.Networks[name]
	out := make([]*Subnet4, 0, len(network.Subnets))
	for _, member := range network.Subnets {
		if ms, ok := s.Subnets[member]; ok {
			out = append(out, ms)
		}
	}
	return out
}

// Host returns the reservation for the identifier in the subnet, or nil.
func (s *Snapshot4) Host(subnet lease.SubnetID, idType string, id []byte) *HostReservation {
	return s.Hosts[hostKey(subnet, idType, id)]
}

// ReservedAddrs returns the set of reserved addresses in a subnet, used by
// the engine to keep free-pool allocation away from reservations.
func (s *Snapshot4) ReservedAddrs(subnet lease.SubnetID) map[string]*HostReservation {
	out := make(map[string]*HostReservation)
	for _, h := range s.Hosts {
		if h.SubnetID == subnet {
			out[h.Addr.String()] = h
		}
	}
	return out
}

// Snapshot6 is the IPv6 twin of Snapshot4.
type Snapshot6 struct {
	Subnets    map[lease.SubnetID]*Subnet6
	Networks   map[string]*SharedNetwork6
	Hosts      map[string]*HostReservation
	Parameters map[string]*GlobalParameter

	networkOf map[lease.SubnetID]string
	BuiltAt   time.Time
}

// Candidates returns the allocation-eligible subnets for the selection.
func (s *Snapshot6) Candidates(id lease.SubnetID) []*Subnet6 {
	sub, ok := s.Subnets[id]
	if !ok {
		return nil
	}
	name, shared := s.networkOf[id]
	if !shared {
		return []*Subnet6{sub}
	}
	network := s.Networks[name]
	out := make([]*Subnet6, 0, len(network.Subnets))
	for _, member := range network.Subnets {
		if ms, ok := s.Subnets[member]; ok {
			out = append(out, ms)
		}
	}
	return out
}

// Host returns the reservation for the identifier in the subnet, or nil.
func (s *Snapshot6) Host(subnet lease.SubnetID, idType string, id []byte) *HostReservation {
	return s.Hosts[hostKey(subnet, idType, id)]
}

// ReservedAddrs returns the reserved addresses of a subnet.
func (s *Snapshot6) ReservedAddrs(subnet lease.SubnetID) map[string]*HostReservation {
	out := make(map[string]*HostReservation)
	for _, h := range s.Hosts {
		if h.SubnetID == subnet {
			out[h.Addr.String()] = h
		}
	}
	return out
}

// Monitor4 tails the audit log of an IPv4 configuration backend and keeps
// a current snapshot published for lock-free readers.
type Monitor4 struct {
	backend  Backend4
	sel      ServerSelector
	interval time.Duration

	snap      atomic.Pointer[Snapshot4]
	lastAudit time.Time
}

// NewMonitor4 builds a monitor and its first snapshot.
func NewMonitor4(ctx context.Context, backend Backend4, sel ServerSelector, interval time.Duration) (*Monitor4, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: nil backend", lease.ErrInvalidParameter)
	}
	if err := sel.checkReadable(); err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	m := &Monitor4{backend: backend, sel: sel, interval: interval}
	if err := m.Refresh(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Snapshot returns the currently published configuration view.
func (m *Monitor4) Snapshot() *Snapshot4 { return m.snap.Load() }

// Refresh rebuilds the snapshot off-path and publishes it.
func (m *Monitor4) Refresh(ctx context.Context) error {
	subnets, err := m.backend.GetAllSubnets4(ctx, m.sel)
	if err != nil {
		return err
	}
	networks, err := m.backend.GetAllSharedNetworks4(ctx, m.sel)
	if err != nil {
		return err
	}
	params, err := m.backend.GetAllGlobalParameters(ctx, m.sel)
	if err != nil {
		return err
	}
	snap := &Snapshot4{
		Subnets:    make(map[lease.SubnetID]*Subnet4, len(subnets)),
		Networks:   make(map[string]*SharedNetwork4, len(networks)),
		Hosts:      make(map[string]*HostReservation),
		Parameters: make(map[string]*GlobalParameter, len(params)),
		networkOf:  make(map[lease.SubnetID]string),
		BuiltAt:    time.Now(),
	}
	for _, s := range subnets {
		snap.Subnets[s.ID] = s
		hosts, err := m.backend.GetHostsBySubnet(ctx, m.sel, s.ID)
		if err != nil {
			return err
		}
		for _, h := range hosts {
			snap.Hosts[h.Key()] = h
		}
	}
	for _, n := range networks {
		snap.Networks[n.Name] = n
		for _, member := range n.Subnets {
			snap.networkOf[member] = n.Name
		}
	}
	for _, p := range params {
		snap.Parameters[p.Value.Name] = p
	}
	m.snap.Store(snap)
	return nil
}

// Run polls the audit log until the context is cancelled. On change it
// rebuilds and publishes a new snapshot; requests in flight keep the
// snapshot they started with.
func (m *Monitor4) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.poll(ctx); err != nil {
				monitorLog.Warningf("DHCPv4 configuration poll failed: %v", err)
			}
		}
	}
}

func (m *Monitor4) poll(ctx context.Context) error {
	entries, err := m.backend.GetRecentAuditEntries(ctx, m.sel, m.lastAudit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	monitorLog.Infof("DHCPv4 configuration changed (%d audit entries), rebuilding snapshot", len(entries))
	if err := m.Refresh(ctx); err != nil {
		return err
	}
	m.lastAudit = entries[len(entries)-1].ModifiedAt
	return nil
}

// Monitor6 tails the audit log of an IPv6 configuration backend. Same
// shape as Monitor4; the two families evolve independently so the small
// duplication beats a shared abstraction here.
type Monitor6 struct {
	backend  Backend6
	sel      ServerSelector
	interval time.Duration

	snap      atomic.Pointer[Snapshot6]
	lastAudit time.Time
}

// NewMonitor6 builds a monitor and its first snapshot.
func NewMonitor6(ctx context.Context, backend Backend6, sel ServerSelector, interval time.Duration) (*Monitor6, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: nil backend", lease.ErrInvalidParameter)
	}
	if err := sel.checkReadable(); err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	m := &Monitor6{backend: backend, sel: sel, interval: interval}
	if err := m.Refresh(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Snapshot returns the currently published configuration view.
func (m *Monitor6) Snapshot() *Snapshot6 { return m.snap.Load() }

// Refresh rebuilds the snapshot off-path and publishes it.
func (m *Monitor6) Refresh(ctx context.Context) error {
	subnets, err := m.backend.GetAllSubnets6(ctx, m.sel)
	if err != nil {
		return err
	}
	networks, err := m.backend.GetAllSharedNetworks6(ctx, m.sel)
	if err != nil {
		return err
	}
	params, err := m.backend.GetAllGlobalParameters(ctx, m.sel)
	if err != nil {
		return err
	}
	snap := &Snapshot6{
		Subnets:    make(map[lease.SubnetID]*Subnet6, len(subnets)),
		Networks:   make(map[string]*SharedNetwork6, len(networks)),
		Hosts:      make(map[string]*HostReservation),
		Parameters: make(map[string]*GlobalParameter, len(params)),
		networkOf:  make(map[lease.SubnetID]string),
		BuiltAt:    time.Now(),
	}
	for _, s := range subnets {
		snap.Subnets[s.ID] = s
		hosts, err := m.backend.GetHostsBySubnet(ctx, m.sel, s.ID)
		if err != nil {
			return err
		}
		for _, h := range hosts {
			snap.Hosts[h.Key()] = h
		}
	}
	for _, n := range networks {
		snap.Networks[n.Name] = n
		for _, member := range n.Subnets {
			snap.networkOf[member] = n.Name
		}
	}
	for _, p := range params {
		snap.Parameters[p.Value.Name] = p
	}
	m.snap.Store(snap)
	return nil
}

// Run polls the audit log until the context is cancelled.
func (m *Monitor6) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.poll(ctx); err != nil {
				monitorLog.Warningf("DHCPv6 configuration poll failed: %v", err)
			}
		}
	}
}

func (m *Monitor6) poll(ctx context.Context) error {
	entries, err := m.backend.GetRecentAuditEntries(ctx, m.sel, m.lastAudit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	monitorLog.Infof("DHCPv6 configuration changed (%d audit entries), rebuilding snapshot", len(entries))
	if err := m.Refresh(ctx); err != nil {
		return err
	}
	m.lastAudit = entries[len(entries)-1].ModifiedAt
	return nil
}
