// Copyright 2018-present the LeaseCore Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package lease defines the lease records handled by the allocation engine
// and the identifiers that key them. Lease4 and Lease6 are plain records
// with direct field access; they sit on the hot path of every request and
// are copied by value between the engine and the stores.
package lease

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/insomniacslk/dhcp/iana"
)

// SubnetID identifies a subnet within one server configuration. Zero is
// reserved and never names a real subnet.
type SubnetID uint32

// ClientID is the opaque DHCPv4 client identifier (option 61), 2 to 255
// bytes.
type ClientID []byte

// DUID is the DHCPv6 client identifier, 1 to 128 bytes.
type DUID []byte

// IAID is an identity association id, meaningful only relative to a DUID.
type IAID uint32

// HWAddr is a hardware address plus its hardware-type tag.
type HWAddr struct {
	Type iana.HWType
	Addr net.HardwareAddr
}

// String renders the address in the usual colon-separated form.
func (h HWAddr) String() string {
	return h.Addr.String()
}

// Key returns the canonical map/index key for the address. The type tag is
// not part of the key: two clients must not share address bytes across
// hardware types on the same link anyway.
func (h HWAddr) Key() string {
	return strings.ToLower(h.Addr.String())
}

// Valid checks the length bounds on the address data.
func (h HWAddr) Valid() error {
	if len(h.Addr) < 1 || len(h.Addr) > 20 {
		return fmt.Errorf("%w: hardware address must be 1-20 bytes, got %d", ErrBadValue, len(h.Addr))
	}
	return nil
}

// Valid checks the length bounds of a client identifier.
func (c ClientID) Valid() error {
	if len(c) < 2 || len(c) > 255 {
		return fmt.Errorf("%w: client identifier must be 2-255 bytes, got %d", ErrBadValue, len(c))
	}
	return nil
}

// Key returns the canonical map/index key for the identifier.
func (c ClientID) Key() string { return string(c) }

// Valid checks the length bounds of a DUID.
func (d DUID) Valid() error {
	if len(d) < 1 || len(d) > 128 {
		return fmt.Errorf("%w: DUID must be 1-128 bytes, got %d", ErrBadValue, len(d))
	}
	return nil
}

// Key returns the canonical map/index key for the DUID.
func (d DUID) Key() string { return string(d) }

// State is the lifecycle state of a stored lease.
type State int

// Lease states. Reclaimed rows may persist for history; everything keyed
// on "live" leases ignores them.
const (
	StateDefault State = iota
	StateDeclined
	StateExpiredReclaimed
)

// String implements fmt.Stringer for log output.
func (s State) String() string {
	switch s {
	case StateDefault:
		return "default"
	case StateDeclined:
		return "declined"
	case StateExpiredReclaimed:
		return "expired-reclaimed"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// Live reports whether a lease in this state occupies its address.
func (s State) Live() bool {
	return s != StateExpiredReclaimed
}

// checkTimers validates the T1 <= T2 <= valid ordering whenever any of the
// renewal timers is set.
func checkTimers(t1, t2, valid uint32) error {
	if t1 == 0 && t2 == 0 {
		return nil
	}
	if t2 != 0 && t1 > t2 {
		return fmt.Errorf("%w: T1 (%d) must not exceed T2 (%d)", ErrBadValue, t1, t2)
	}
	if t2 > valid {
		return fmt.Errorf("%w: T2 (%d) must not exceed valid lifetime (%d)", ErrBadValue, t2, valid)
	}
	if t2 == 0 && t1 > valid {
		return fmt.Errorf("%w: T1 (%d) must not exceed valid lifetime (%d)", ErrBadValue, t1, valid)
	}
	return nil
}

// expiry computes the instant a lease stops being active.
func expiry(cltt time.Time, validLft uint32) time.Time {
	return cltt.Add(time.Duration(validLft) * time.Second)
}

// CanonicalHostname lower-cases a hostname the way the stores persist it.
// Canonicalization happens at write time so readers never observe mixed
// case for the same host.
func CanonicalHostname(name string) string {
	return strings.ToLower(name)
}
