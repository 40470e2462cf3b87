// Copyright 2018-present the LeaseCore Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package store defines the capability contract every lease backend
// implements. Backends persist lease records, serialize conflicting writes
// on the same primary key and never hand out torn rows; beyond that the
// on-disk layout is theirs.
//
// Lookup methods taking a subnet id treat the reserved id zero as "any
// subnet". Lookups return rows regardless of lease state; only AddLease
// cares about liveness (a live row blocks the insert, an expired-reclaimed
// row is overwritten).
package store

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/leasecore/leasecore/lease"
)

// Version is the schema version recorded by a persistent backend.
type Version struct {
	Major uint32
	Minor uint32
}

// String renders the version as major.minor.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Compatible reports whether an on-disk version can be opened by code
// expecting `want`. Only the major number gates.
func (v Version) Compatible(want Version) bool {
	return v.Major == want.Major
}

// Backend carries the introspection surface shared by all lease stores.
type Backend interface {
	// Name returns the short backend type name, e.g. "memory" or
	// "sqlite".
	Name() string

	// Description returns a human-oriented one-liner for logs.
	Description() string

	// Version returns the backend's schema version. Opening a backend
	// whose on-disk major version differs from the build's expected one
	// fails with ErrDBIncompatible; Version never does.
	Version(ctx context.Context) (Version, error)

	// Close releases the backend's resources.
	Close() error
}

// Store4 persists IPv4 leases keyed by address.
type Store4 interface {
	Backend

	// AddLease inserts a lease. It returns false when a live lease
	// already occupies the address; an expired-reclaimed row is
	// overwritten. Callers mutate existing rows with Update, never by
	// re-adding.
	AddLease(ctx context.Context, l *lease.Lease4) (bool, error)

	// GetByAddress returns the lease on the address, or nil. A non-zero
	// subnet filters the result to that subnet.
	GetByAddress(ctx context.Context, addr netip.Addr, subnet lease.SubnetID) (*lease.Lease4, error)

	// GetByHWAddr returns the leases held by a hardware address, at most
	// one per subnet.
	GetByHWAddr(ctx context.Context, hw lease.HWAddr, subnet lease.SubnetID) ([]*lease.Lease4, error)

	// GetByClientID returns the leases held by a client identifier, at
	// most one per subnet.
	GetByClientID(ctx context.Context, cid lease.ClientID, subnet lease.SubnetID) ([]*lease.Lease4, error)

	// GetBySubnet returns every lease in the subnet, ordered by address.
	GetBySubnet(ctx context.Context, subnet lease.SubnetID) ([]*lease.Lease4, error)

	// GetExpired returns up to max leases past their valid lifetime and
	// not yet reclaimed, oldest expiry first.
	GetExpired(ctx context.Context, max int) ([]*lease.Lease4, error)

	// GetModifiedSince returns leases written after the given instant,
	// ordered by modification time.
	GetModifiedSince(ctx context.Context, since time.Time) ([]*lease.Lease4, error)

	// Update rewrites an existing lease. It fails with ErrNoSuchLease
	// when the address has no row.
	Update(ctx context.Context, l *lease.Lease4) error

	// DeleteByAddress removes the row on the address and reports whether
	// one was removed. Deleting an absent row is not an error.
	DeleteByAddress(ctx context.Context, addr netip.Addr) (bool, error)
}

// Store6 persists IPv6 leases and delegated prefixes keyed by the
// (address, lease-type) tuple.
type Store6 interface {
	Backend

	// AddLease inserts a lease; false when a live lease occupies the
	// same (address, type) tuple.
	AddLease(ctx context.Context, l *lease.Lease6) (bool, error)

	// GetByAddress returns the lease on (type, address), or nil.
	GetByAddress(ctx context.Context, typ lease.Type6, addr netip.Addr, subnet lease.SubnetID) (*lease.Lease6, error)

	// GetByDUID returns the leases held by (DUID, IAID), at most one per
	// subnet and type.
	GetByDUID(ctx context.Context, duid lease.DUID, iaid lease.IAID, subnet lease.SubnetID) ([]*lease.Lease6, error)

	// GetBySubnet returns every lease in the subnet, ordered by address.
	GetBySubnet(ctx context.Context, subnet lease.SubnetID) ([]*lease.Lease6, error)

	// GetExpired returns up to max unreclaimed expired leases, oldest
	// expiry first.
	GetExpired(ctx context.Context, max int) ([]*lease.Lease6, error)

	// GetModifiedSince returns leases written after the given instant.
	GetModifiedSince(ctx context.Context, since time.Time) ([]*lease.Lease6, error)

	// Update rewrites an existing lease; ErrNoSuchLease when the
	// (address, type) tuple has no row.
	Update(ctx context.Context, l *lease.Lease6) error

	// DeleteByAddress removes the row on (type, address).
	DeleteByAddress(ctx context.Context, typ lease.Type6, addr netip.Addr) (bool, error)
}
