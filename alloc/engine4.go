// Copyright 2018-present the LeaseCore Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package alloc implements the allocation engine: given a request context
// and the published configuration snapshot it produces or revises a lease
// through the lease store, honoring pool boundaries, reservations and the
// insert-race collision rules.
package alloc

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/leasecore/leasecore/confdb"
	"github.com/leasecore/leasecore/lease"
	"github.com/leasecore/leasecore/logger"
	"github.com/leasecore/leasecore/store"
)

var log = logger.GetLogger("alloc")

// Config carries the engine knobs shared by both families.
type Config struct {
	// Picker selects the candidate-address strategy.
	Picker PickerKind

	// RetryLimit bounds probe/insert attempts per subnet when the
	// subnet does not set its own. Zero means the default of 50.
	RetryLimit int

	// DBRetries and DBBackoff bound the retry loop around transient
	// store failures.
	DBRetries int
	DBBackoff time.Duration

	// DeclineQuarantine is how long a declined address stays out of the
	// free pool.
	DeclineQuarantine time.Duration

	// ReclaimHorizon ages expired-reclaimed rows out of the store.
	ReclaimHorizon time.Duration
}

const defaultRetryLimit = 50

func (c Config) retryLimit(subnetLimit int) int {
	if subnetLimit > 0 {
		return subnetLimit
	}
	if c.RetryLimit > 0 {
		return c.RetryLimit
	}
	return defaultRetryLimit
}

func (c Config) dbRetries() int {
	if c.DBRetries > 0 {
		return c.DBRetries
	}
	return 3
}

func (c Config) dbBackoff() time.Duration {
	if c.DBBackoff > 0 {
		return c.DBBackoff
	}
	return 10 * time.Millisecond
}

func (c Config) quarantine() time.Duration {
	if c.DeclineQuarantine > 0 {
		return c.DeclineQuarantine
	}
	return time.Hour
}

// Context4 is one parsed IPv4 request as the engine sees it.
type Context4 struct {
	HWAddr        *lease.HWAddr
	ClientID      lease.ClientID
	RequestedAddr netip.Addr
	SubnetID      lease.SubnetID
	Classes       []string
	Hostname      string
	Deadline      time.Time
}

func (rc *Context4) clientKey() []byte {
	if rc.ClientID != nil {
		return rc.ClientID
	}
	if rc.HWAddr != nil {
		return rc.HWAddr.Addr
	}
	return nil
}

func (rc *Context4) expired(now time.Time) bool {
	return !rc.Deadline.IsZero() && now.After(rc.Deadline)
}

// Engine4 allocates IPv4 leases.
type Engine4 struct {
	store    store.Store4
	snapshot func() *confdb.Snapshot4
	cfg      Config
	picker   *picker
}

// NewEngine4 builds an engine reading configuration through the snapshot
// function, typically confdb.Monitor4.Snapshot.
func NewEngine4(st store.Store4, snapshot func() *confdb.Snapshot4, cfg Config) (*Engine4, error) {
	if st == nil || snapshot == nil {
		return nil, fmt.Errorf("%w: engine needs a store and a snapshot source", lease.ErrInvalidParameter)
	}
	return &Engine4{store: st, snapshot: snapshot, cfg: cfg, picker: newPicker(cfg.Picker)}, nil
}

// withRetry retries fn on transient store failures with bounded backoff.
func withRetry(ctx context.Context, cfg Config, deadline time.Time, fn func() error) error {
	var err error
	for attempt := 0; attempt <= cfg.dbRetries(); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(cfg.dbBackoff() << (attempt - 1)):
			}
			if !deadline.IsZero() && time.Now().After(deadline) {
				return err
			}
		}
		err = fn()
		if err == nil || !errors.Is(err, lease.ErrDBOperation) {
			return err
		}
		log.Warningf("transient store failure (attempt %d): %v", attempt+1, err)
	}
	return err
}

// Allocate produces a lease for the request: renewal of the client's
// existing lease when possible, the client's reservation next, free-pool
// allocation otherwise. The lease is committed before return; on failure
// the store is untouched.
func (e *Engine4) Allocate(ctx context.Context, rc *Context4) (*lease.Lease4, error) {
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
		if l, err := e.tryReserved(ctx, rc, snap, subnet); err != nil {
			return nil, err
		} else if l != nil {
			return l, nil
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

// existingLease finds the client's current lease in the subnet, by
// client-id first, hardware address second.
func (e *Engine4) existingLease(ctx context.Context, rc *Context4, subnet lease.SubnetID) (*lease.Lease4, error) {
	if rc.ClientID != nil {
		leases, err := e.store.GetByClientID(ctx, rc.ClientID, subnet)
		if err != nil {
			return nil, err
		}
		if len(leases) > 0 {
			return leases[0], nil
		}
	}
	if rc.HWAddr != nil {
		leases, err := e.store.GetByHWAddr(ctx, *rc.HWAddr, subnet)
		if err != nil {
			return nil, err
		}
		if len(leases) > 0 {
			return leases[0], nil
		}
	}
	return nil, nil
}

// reservedForOther4 reports whether the address is reserved for a client
// other than the requester.
func reservedForOther4(snap *confdb.Snapshot4, subnet lease.SubnetID, addr netip.Addr, rc *Context4) bool {
	reserved := snap.ReservedAddrs(subnet)
	h, ok := reserved[addr.String()]
	if !ok {
		return false
	}
	return !reservationMatches(h, rc.HWAddr, rc.ClientID, nil)
}

// reservationMatches reports whether a reservation names one of the
// request's identifiers.
func reservationMatches(h *confdb.HostReservation, hw *lease.HWAddr, cid lease.ClientID, duid lease.DUID) bool {
	switch h.IdentifierType {
	case "hw-address":
		return hw != nil && hw.Key() == (&lease.HWAddr{Addr: h.Identifier}).Key()
	case "client-id":
		return cid != nil && string(cid) == string(h.Identifier)
	case "duid":
		return duid != nil && string(duid) == string(h.Identifier)
	}
	return false
}

// tryRenew extends the client's existing lease if it still fits the
// configuration: the address must lie in an active pool (or be the
// client's own reservation) and must not be reserved for someone else.
func (e *Engine4) tryRenew(ctx context.Context, rc *Context4, snap *confdb.Snapshot4, subnet *confdb.Subnet4) (*lease.Lease4, error) {
	var existing *lease.Lease4
	err := withRetry(ctx, e.cfg, rc.Deadline, func() error {
		var err error
		existing, err = e.existingLease(ctx, rc, subnet.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if existing == nil || existing.State != lease.StateDefault || existing.Expired(time.Now()) {
		return nil, nil
	}
	ownReservation := false
	if h := snap.ReservedAddrs(subnet.ID)[existing.Addr.String()]; h != nil {
		if !reservationMatches(h, rc.HWAddr, rc.ClientID, nil) {
			log.Warningf("lease %s held by client is now reserved for another host, reallocating", existing.Addr)
			return nil, nil
		}
		ownReservation = true
	}
	if !ownReservation && !inPools(subnet.Pools, existing.Addr) {
		log.Infof("lease %s no longer in an active pool of subnet %d, reallocating", existing.Addr, subnet.ID)
		return nil, nil
	}
	renewed := existing.Clone()
	renewed.CLTT = time.Now()
	renewed.ValidLft = subnet.ValidLft
	renewed.T1 = subnet.T1
	renewed.T2 = subnet.T2
	renewed.Fixed = ownReservation
	if rc.Hostname != "" {
		renewed.Hostname = rc.Hostname
	}
	if err := withRetry(ctx, e.cfg, rc.Deadline, func() error {
		return e.store.Update(ctx, renewed)
	}); err != nil {
		return nil, err
	}
	log.Debugf("renewed lease %s for %x in subnet %d", renewed.Addr, rc.clientKey(), subnet.ID)
	return renewed, nil
}

// tryReserved allocates the client's host reservation. A reservation held
// by another client's lease is logged and skipped; the caller falls back
// to the free pools.
func (e *Engine4) tryReserved(ctx context.Context, rc *Context4, snap *confdb.Snapshot4, subnet *confdb.Subnet4) (*lease.Lease4, error) {
	var host *confdb.HostReservation
	if rc.HWAddr != nil {
		host = snap.Host(subnet.ID, "hw-address", rc.HWAddr.Addr)
	}
	if host == nil && rc.ClientID != nil {
		host = snap.Host(subnet.ID, "client-id", rc.ClientID)
	}
	if host == nil {
		return nil, nil
	}
	l, err := e.commitNew(ctx, rc, subnet, host.Addr, true)
	if err != nil {
		return nil, err
	}
	if l == nil {
		log.Errorf("reserved address %s for client %x is held by another lease",
			host.Addr, rc.clientKey())
	}
	return l, nil
}

// tryPools walks candidate addresses from the subnet's pools, bounded by
// the retry budget and the request deadline.
func (e *Engine4) tryPools(ctx context.Context, rc *Context4, snap *confdb.Snapshot4, subnet *confdb.Subnet4) (*lease.Lease4, error) {
	size := poolsSize(subnet.Pools)
	if size == 0 {
		return nil, nil
	}
	// honor the requested address first when it is usable
	if rc.RequestedAddr.IsValid() && inPools(subnet.Pools, rc.RequestedAddr) &&
		!reservedForOther4(snap, subnet.ID, rc.RequestedAddr, rc) {
		l, err := e.commitNew(ctx, rc, subnet, rc.RequestedAddr, false)
		if err != nil || l != nil {
			return l, err
		}
	}
	sw := e.picker.start(subnet.ID, size, rc.clientKey())
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
		if reservedForOther4(snap, subnet.ID, addr, rc) {
			continue
		}
		l, err := e.commitNew(ctx, rc, subnet, addr, false)
		if err != nil {
			return nil, err
		}
		if l != nil {
			return l, nil
		}
		// lost the address: the next take() walks upward from here
	}
	return nil, nil
}

// commitNew probes and inserts a lease on addr. A nil, nil return means
// the address is taken.
func (e *Engine4) commitNew(ctx context.Context, rc *Context4, subnet *confdb.Subnet4, addr netip.Addr, fixed bool) (*lease.Lease4, error) {
	var current *lease.Lease4
	if err := withRetry(ctx, e.cfg, rc.Deadline, func() error {
		var err error
		current, err = e.store.GetByAddress(ctx, addr, 0)
		return err
	}); err != nil {
		return nil, err
	}
	if current != nil && current.State.Live() {
		return nil, nil
	}
	l := &lease.Lease4{
		Addr:     addr,
		HWAddr:   rc.HWAddr,
		ClientID: rc.ClientID,
		ValidLft: subnet.ValidLft,
		T1:       subnet.T1,
		T2:       subnet.T2,
		CLTT:     time.Now(),
		SubnetID: subnet.ID,
		Fixed:    fixed,
		Hostname: rc.Hostname,
		State:    lease.StateDefault,
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
		// another worker won the insert race
		return nil, nil
	}
	log.Debugf("allocated %s for %x in subnet %d", addr, rc.clientKey(), subnet.ID)
	return l, nil
}

// Release returns the client's lease: the row moves straight to
// expired-reclaimed so the address is immediately allocatable.
func (e *Engine4) Release(ctx context.Context, addr netip.Addr, cid lease.ClientID) error {
	l, err := e.store.GetByAddress(ctx, addr, 0)
	if err != nil {
		return err
	}
	if l == nil || !l.State.Live() {
		return fmt.Errorf("%w: no active lease on %s", lease.ErrNoSuchLease, addr)
	}
	if cid != nil && l.ClientID != nil && string(cid) != string(l.ClientID) {
		return fmt.Errorf("%w: lease %s belongs to another client", lease.ErrBadValue, addr)
	}
	l.State = lease.StateExpiredReclaimed
	l.ValidLft = 0
	l.T1, l.T2 = 0, 0
	return e.store.Update(ctx, l)
}

// Decline quarantines an address the client reported as in use elsewhere:
// identifiers are cleared and the lease expires after the quarantine
// horizon, at which point the reclaimer frees it.
func (e *Engine4) Decline(ctx context.Context, addr netip.Addr) error {
	l, err := e.store.GetByAddress(ctx, addr, 0)
	if err != nil {
		return err
	}
	if l == nil || !l.State.Live() {
		return fmt.Errorf("%w: no active lease on %s", lease.ErrNoSuchLease, addr)
	}
	l.State = lease.StateDeclined
	l.HWAddr = nil
	l.ClientID = nil
	l.Hostname = ""
	l.CLTT = time.Now()
	l.ValidLft = uint32(e.cfg.quarantine() / time.Second)
	l.T1, l.T2 = 0, 0
	log.Warningf("address %s declined, quarantined for %s", addr, e.cfg.quarantine())
	return e.store.Update(ctx, l)
}
