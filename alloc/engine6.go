// Copyright 2018-present the LeaseCore Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package alloc

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/leasecore/leasecore/confdb"
	"github.com/leasecore/leasecore/lease"
	"github.com/leasecore/leasecore/store"
)

// Context6 is one parsed IPv6 request as the engine sees it. Type selects
// between address (IA_NA/IA_TA) and prefix (IA_PD) allocation.
type Context6 struct {
	DUID          lease.DUID
	IAID          lease.IAID
	HWAddr        *lease.HWAddr
	Type          lease.Type6
	RequestedAddr netip.Addr
	SubnetID      lease.SubnetID
	Classes       []string
	Hostname      string
	Deadline      time.Time
}

func (rc *Context6) expired(now time.Time) bool {
	return !rc.Deadline.IsZero() && now.After(rc.Deadline)
}

// Engine6 allocates IPv6 leases and delegated prefixes.
type Engine6 struct {
	store    store.Store6
	snapshot func() *confdb.Snapshot6
	cfg      Config
	picker   *picker
}

// NewEngine6 builds an engine reading configuration through the snapshot
// function, typically confdb.Monitor6.Snapshot.
func NewEngine6(st store.Store6, snapshot func() *confdb.Snapshot6, cfg Config) (*Engine6, error) {
	if st == nil || snapshot == nil {
		return nil, fmt.Errorf("%w: engine needs a store and a snapshot source", lease.ErrInvalidParameter)
	}
	return &Engine6{store: st, snapshot: snapshot, cfg: cfg, picker: newPicker(cfg.Picker)}, nil
}

// Allocate produces a lease for the request, renew-first like the IPv4
// engine.
func (e *Engine6) Allocate(ctx context.Context, rc *Context6) (*lease.Lease6, error) {
	if err := rc.DUID.Valid(); err != nil {
		return nil, err
	}
	snap := e.snapshot()
	if snap == nil {
		return nil, fmt.Errorf("%w: no configuration snapshot published", lease.ErrInvalidOperation)
	}
	candidates := snap.Candidates(rc.SubnetID)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no subnet %d in configuration", lease.ErrNoAddressAvailable, rc.SubnetID)
	}
	now := time.Now()
	for _, subnet := range candidates {
		if rc.expired(now) || ctx.Err() != nil {
			return nil, fmt.Errorf("%w: request deadline passed", lease.ErrNoAddressAvailable)
		}
		if l, err := e.tryRenew(ctx, rc, snap, subnet); err != nil {
			return nil, err
		} else if l != nil {
			return l, nil
		}
		if rc.Type != lease.TypePD {
			if l, err := e.tryReserved(ctx, rc, snap, subnet); err != nil {
				return nil, err
			} else if l != nil {
				return l, nil
			}
		}
		if l, err := e.tryPools(ctx, rc, snap, subnet); err != nil {
			return nil, err
		} else if l != nil {
			return l, nil
		}
	}
	return nil, fmt.Errorf("%w: subnet %d and its shared network are exhausted",
		lease.ErrNoAddressAvailable, rc.SubnetID)
}

func (e *Engine6) tryRenew(ctx context.Context, rc *Context6, snap *confdb.Snapshot6, subnet *confdb.Subnet6) (*lease.Lease6, error) {
	var existing *lease.Lease6
	err := withRetry(ctx, e.cfg, rc.Deadline, func() error {
		leases, err := e.store.GetByDUID(ctx, rc.DUID, rc.IAID, subnet.ID)
		if err != nil {
			return err
		}
		for _, l := range leases {
			if l.Type == rc.Type {
				existing = l
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if existing == nil || existing.State != lease.StateDefault || existing.Expired(time.Now()) {
		return nil, nil
	}
	if rc.Type != lease.TypePD {
		if h := snap.ReservedAddrs(subnet.ID)[existing.Addr.String()]; h != nil {
			if !reservationMatches(h, rc.HWAddr, nil, rc.DUID) {
				log.Warningf("lease %s held by client is now reserved for another host, reallocating", existing.Addr)
				return nil, nil
			}
		} else if !inPools(subnet.Pools, existing.Addr) {
			log.Infof("lease %s no longer in an active pool of subnet %d, reallocating", existing.Addr, subnet.ID)
			return nil, nil
		}
	}
	renewed := existing.Clone()
	renewed.CLTT = time.Now()
	renewed.PreferredLft = subnet.PreferredLft
	renewed.ValidLft = subnet.ValidLft
	renewed.T1 = subnet.T1
	renewed.T2 = subnet.T2
	if rc.Hostname != "" {
		renewed.Hostname = rc.Hostname
	}
	if err := withRetry(ctx, e.cfg, rc.Deadline, func() error {
		return e.store.Update(ctx, renewed)
	}); err != nil {
		return nil, err
	}
	log.Debugf("renewed %s lease %s for %x in subnet %d", renewed.Type, renewed.Addr, rc.DUID, subnet.ID)
	return renewed, nil
}

func (e *Engine6) tryReserved(ctx context.Context, rc *Context6, snap *confdb.Snapshot6, subnet *confdb.Subnet6) (*lease.Lease6, error) {
	host := snap.Host(subnet.ID, "duid", rc.DUID)
	if host == nil {
		return nil, nil
	}
	l, err := e.commitNew(ctx, rc, subnet, host.Addr, 128, true)
	if err != nil {
		return nil, err
	}
	if l == nil {
		log.Errorf("reserved address %s for client %x is held by another lease", host.Addr, rc.DUID)
	}
	return l, nil
}

func (e *Engine6) tryPools(ctx context.Context, rc *Context6, snap *confdb.Snapshot6, subnet *confdb.Subnet6) (*lease.Lease6, error) {
	if rc.Type == lease.TypePD {
		return e.tryPDPools(ctx, rc, subnet)
	}
	size := poolsSize(subnet.Pools)
	if size == 0 {
		return nil, nil
	}
	if rc.RequestedAddr.IsValid() && inPools(subnet.Pools, rc.RequestedAddr) {
		if h := snap.ReservedAddrs(subnet.ID)[rc.RequestedAddr.String()]; h == nil || reservationMatches(h, rc.HWAddr, nil, rc.DUID) {
			l, err := e.commitNew(ctx, rc, subnet, rc.RequestedAddr, 128, false)
			if err != nil || l != nil {
				return l, err
			}
		}
	}
	reserved := snap.ReservedAddrs(subnet.ID)
	sw := e.picker.start(subnet.ID, size, rc.DUID)
	budget := e.cfg.retryLimit(subnet.MaxRetries)
	for attempt := 0; attempt < budget; attempt++ {
		if rc.expired(time.Now()) || ctx.Err() != nil {
			return nil, fmt.Errorf("%w: request deadline passed", lease.ErrNoAddressAvailable)
		}
		off, ok := sw.take()
		if !ok {
			return nil, nil
		}
		addr, ok := addrAt(subnet.Pools, off)
		if !ok {
			return nil, nil
		}
		if h := reserved[addr.String()]; h != nil && !reservationMatches(h, rc.HWAddr, nil, rc.DUID) {
			continue
		}
		l, err := e.commitNew(ctx, rc, subnet, addr, 128, false)
		if err != nil {
			return nil, err
		}
		if l != nil {
			return l, nil
		}
	}
	return nil, nil
}

// tryPDPools carves a delegated prefix out of the subnet's pd-pools. The
// hint is honored when it names a free prefix of the pool's delegation
// size.
func (e *Engine6) tryPDPools(ctx context.Context, rc *Context6, subnet *confdb.Subnet6) (*lease.Lease6, error) {
	budget := e.cfg.retryLimit(subnet.MaxRetries)
	for _, pool := range subnet.PDPools {
		size := pdPoolSize(pool)
		if size == 0 {
			continue
		}
		if rc.RequestedAddr.IsValid() && pool.Prefix.Contains(rc.RequestedAddr) &&
			netip.PrefixFrom(rc.RequestedAddr, int(pool.DelegatedLen)).Masked().Addr() == rc.RequestedAddr {
			l, err := e.commitNew(ctx, rc, subnet, rc.RequestedAddr, pool.DelegatedLen, false)
			if err != nil || l != nil {
				return l, err
			}
		}
		sw := e.picker.start(subnet.ID, size, rc.DUID)
		for attempt := 0; attempt < budget; attempt++ {
			if rc.expired(time.Now()) || ctx.Err() != nil {
				return nil, fmt.Errorf("%w: request deadline passed", lease.ErrNoAddressAvailable)
			}
			off, ok := sw.take()
			if !ok {
				break
			}
			l, err := e.commitNew(ctx, rc, subnet, pdPrefixAt(pool, off), pool.DelegatedLen, false)
			if err != nil {
				return nil, err
			}
			if l != nil {
				return l, nil
			}
		}
	}
	return nil, nil
}

func (e *Engine6) commitNew(ctx context.Context, rc *Context6, subnet *confdb.Subnet6, addr netip.Addr, prefixLen uint8, fixed bool) (*lease.Lease6, error) {
	var current *lease.Lease6
	if err := withRetry(ctx, e.cfg, rc.Deadline, func() error {
		var err error
		current, err = e.store.GetByAddress(ctx, rc.Type, addr, 0)
		return err
	}); err != nil {
		return nil, err
	}
	if current != nil && current.State.Live() {
		return nil, nil
	}
	l := &lease.Lease6{
		Addr:         addr,
		PrefixLen:    prefixLen,
		Type:         rc.Type,
		DUID:         rc.DUID,
		IAID:         rc.IAID,
		HWAddr:       rc.HWAddr,
		PreferredLft: subnet.PreferredLft,
		ValidLft:     subnet.ValidLft,
		T1:           subnet.T1,
		T2:           subnet.T2,
		CLTT:         time.Now(),
		SubnetID:     subnet.ID,
		Fixed:        fixed,
		Hostname:     rc.Hostname,
		State:        lease.StateDefault,
	}
	var inserted bool
	if err := withRetry(ctx, e.cfg, rc.Deadline, func() error {
		var err error
		inserted, err = e.store.AddLease(ctx, l)
		return err
	}); err != nil {
		return nil, err
	}
	if !inserted {
		return nil, nil
	}
	log.Debugf("allocated %s %s/%d for %x in subnet %d", rc.Type, addr, prefixLen, rc.DUID, subnet.ID)
	return l, nil
}

// Release returns the client's lease or delegated prefix.
func (e *Engine6) Release(ctx context.Context, typ lease.Type6, addr netip.Addr, duid lease.DUID) error {
	l, err := e.store.GetByAddress(ctx, typ, addr, 0)
	if err != nil {
		return err
	}
	if l == nil || !l.State.Live() {
		return fmt.Errorf("%w: no active %s lease on %s", lease.ErrNoSuchLease, typ, addr)
	}
	if duid != nil && string(duid) != string(l.DUID) {
		return fmt.Errorf("%w: lease %s belongs to another client", lease.ErrBadValue, addr)
	}
	l.State = lease.StateExpiredReclaimed
	l.ValidLft = 0
	l.PreferredLft = 0
	l.T1, l.T2 = 0, 0
	return e.store.Update(ctx, l)
}

// Decline quarantines an address the client refused.
func (e *Engine6) Decline(ctx context.Context, addr netip.Addr) error {
	l, err := e.store.GetByAddress(ctx, lease.TypeNA, addr, 0)
	if err != nil {
		return err
	}
	if l == nil || !l.State.Live() {
		return fmt.Errorf("%w: no active lease on %s", lease.ErrNoSuchLease, addr)
	}
	l.State = lease.StateDeclined
	l.HWAddr = nil
	l.Hostname = ""
	l.CLTT = time.Now()
	l.ValidLft = uint32(e.cfg.quarantine() / time.Second)
	l.PreferredLft = 0
	l.T1, l.T2 = 0, 0
	log.Warningf("address %s declined, quarantined for %s", addr, e.cfg.quarantine())
	return e.store.Update(ctx, l)
}
