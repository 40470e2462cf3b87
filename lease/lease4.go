// Copyright 2018-present the LeaseCore Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package lease

import (
	"fmt"
	"net/netip"
	"time"
)

// Lease4 is one granted IPv4 lease. The address is the primary key: at most
// one live (state != expired-reclaimed) lease may exist per address.
type Lease4 struct {
	Addr     netip.Addr
	HWAddr   *HWAddr
	ClientID ClientID

	ValidLft uint32
	T1       uint32
	T2       uint32
	CLTT     time.Time

	SubnetID SubnetID
	Fixed    bool
	Hostname string
	FQDNFwd  bool
	FQDNRev  bool
	State    State

	UserContext map[string]any

	// ModifiedAt is maintained by the store on every write; it backs
	// GetModifiedSince and is not part of the record identity.
	ModifiedAt time.Time
}

// Expiry returns the instant the lease stops being active.
func (l *Lease4) Expiry() time.Time {
	return expiry(l.CLTT, l.ValidLft)
}

// Expired reports whether the lease is past its valid lifetime at `now`.
// Released leases (valid lifetime zero) are expired immediately.
func (l *Lease4) Expired(now time.Time) bool {
	return !l.Expiry().After(now)
}

// Valid checks the record's field constraints.
func (l *Lease4) Valid() error {
	if !l.Addr.Is4() {
		return fmt.Errorf("%w: lease4 address %s is not IPv4", ErrBadValue, l.Addr)
	}
	if l.SubnetID == 0 {
		return fmt.Errorf("%w: lease4 %s has reserved subnet id 0", ErrBadValue, l.Addr)
	}
	if l.HWAddr != nil {
		if err := l.HWAddr.Valid(); err != nil {
			return err
		}
	}
	if l.ClientID != nil {
		if err := l.ClientID.Valid(); err != nil {
			return err
		}
	}
	return checkTimers(l.T1, l.T2, l.ValidLft)
}

// Clone returns a deep copy. Stores hand out clones so callers can mutate
// results freely without racing the backend's own image.
func (l *Lease4) Clone() *Lease4 {
	c := *l
	if l.HWAddr != nil {
		hw := *l.HWAddr
		hw.Addr = append(hw.Addr[:0:0], hw.Addr...)
		c.HWAddr = &hw
	}
	c.ClientID = append(l.ClientID[:0:0], l.ClientID...)
	if l.UserContext != nil {
		c.UserContext = make(map[string]any, len(l.UserContext))
		for k, v := range l.UserContext {
			c.UserContext[k] = v
		}
	}
	return &c
}
