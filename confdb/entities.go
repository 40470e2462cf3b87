// Copyright 2018-present the LeaseCore Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package confdb holds the persistent server configuration: subnets,
// shared networks, option definitions, option instances at their five
// scopes, global parameters and host reservations, all partitioned by
// server selector and journaled in an audit log that other instances tail
// to detect change.
package confdb

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/leasecore/leasecore/lease"
	"github.com/leasecore/leasecore/stamped"
)

// Pool is a contiguous address range inside a subnet.
type Pool struct {
	Start   netip.Addr
	End     netip.Addr
	Options []OptionDesc
}

// Contains reports whether the address falls inside the range.
func (p Pool) Contains(addr netip.Addr) bool {
	return p.Start.Compare(addr) <= 0 && addr.Compare(p.End) <= 0
}

// Size returns the number of addresses in the pool. Ranges are validated
// to fit an IPv4 pool or a bounded IPv6 pool, so a uint64 is enough.
func (p Pool) Size() uint64 {
	if p.Start.Is4() {
		s, e := p.Start.As4(), p.End.As4()
		return uint64(be32(e[:])) - uint64(be32(s[:])) + 1
	}
	// bounded v6 pools share their /64; offset within the low 64 bits
	s, e := p.Start.As16(), p.End.As16()
	return be64(e[8:]) - be64(s[8:]) + 1
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func be64(b []byte) uint64 {
	var v uint64
	for _, x := range b[:8] {
		v = v<<8 | uint64(x)
	}
	return v
}

func (p Pool) valid(prefix netip.Prefix) error {
	if p.Start.Compare(p.End) > 0 {
		return fmt.Errorf("%w: pool start %s above end %s", lease.ErrBadValue, p.Start, p.End)
	}
	if !prefix.Contains(p.Start) || !prefix.Contains(p.End) {
		return fmt.Errorf("%w: pool %s-%s outside subnet %s", lease.ErrBadValue, p.Start, p.End, prefix)
	}
	if p.Start.Is6() {
		s, e := p.Start.As16(), p.End.As16()
		if be64(s[:8]) != be64(e[:8]) {
			return fmt.Errorf("%w: pool %s-%s spans more than one /64", lease.ErrBadValue, p.Start, p.End)
		}
	}
	return nil
}

// overlaps reports whether two ranges share any address.
func (p Pool) overlaps(other Pool) bool {
	return p.Start.Compare(other.End) <= 0 && other.Start.Compare(p.End) <= 0
}

// PDPool is a prefix-delegation pool: whole /DelegatedLen prefixes are
// carved out of Prefix.
type PDPool struct {
	Prefix       netip.Prefix
	DelegatedLen uint8
	Options      []OptionDesc
}

func (p PDPool) valid() error {
	if int(p.DelegatedLen) < p.Prefix.Bits() || p.DelegatedLen > 128 {
		return fmt.Errorf("%w: delegated length %d outside pd-pool %s", lease.ErrBadValue, p.DelegatedLen, p.Prefix)
	}
	return nil
}

// Subnet4 is one IPv4 subnet with its pools and options.
type Subnet4 struct {
	ID      lease.SubnetID
	Prefix  netip.Prefix
	Pools   []Pool
	Options []OptionDesc

	ValidLft   uint32
	T1         uint32
	T2         uint32
	MaxRetries int

	UserContext map[string]any
	ServerTags  []string
	ModifiedAt  time.Time
}

// Valid checks the subnet's internal invariants: non-zero id, pools inside
// the prefix and pairwise disjoint.
func (s *Subnet4) Valid() error {
	if s.ID == 0 {
		return fmt.Errorf("%w: subnet id 0 is reserved", lease.ErrBadValue)
	}
	if !s.Prefix.Addr().Is4() {
		return fmt.Errorf("%w: subnet4 %d prefix %s is not IPv4", lease.ErrBadValue, s.ID, s.Prefix)
	}
	return validatePools(s.Pools, s.Prefix)
}

func validatePools(pools []Pool, prefix netip.Prefix) error {
	for i, p := range pools {
		if err := p.valid(prefix); err != nil {
			return err
		}
		for _, q := range pools[:i] {
			if p.overlaps(q) {
				return fmt.Errorf("%w: pools %s-%s and %s-%s overlap",
					lease.ErrBadValue, q.Start, q.End, p.Start, p.End)
			}
		}
	}
	return nil
}

// Subnet6 is one IPv6 subnet with its address pools and pd-pools.
type Subnet6 struct {
	ID      lease.SubnetID
	Prefix  netip.Prefix
	Pools   []Pool
	PDPools []PDPool
	Options []OptionDesc

	PreferredLft uint32
	ValidLft     uint32
	T1           uint32
	T2           uint32
	MaxRetries   int

	UserContext map[string]any
	ServerTags  []string
	ModifiedAt  time.Time
}

// Valid checks the subnet's internal invariants.
func (s *Subnet6) Valid() error {
	if s.ID == 0 {
		return fmt.Errorf("%w: subnet id 0 is reserved", lease.ErrBadValue)
	}
	if !s.Prefix.Addr().Is6() || s.Prefix.Addr().Is4In6() {
		return fmt.Errorf("%w: subnet6 %d prefix %s is not IPv6", lease.ErrBadValue, s.ID, s.Prefix)
	}
	if err := validatePools(s.Pools, s.Prefix); err != nil {
		return err
	}
	for _, p := range s.PDPools {
		if err := p.valid(); err != nil {
			return err
		}
	}
	return nil
}

// SharedNetwork4 groups subnets treated as one allocation pool. Member
// order is declaration order; the allocation engine walks members in this
// order, which is the documented tie-break among pools of a shared
// network.
type SharedNetwork4 struct {
	Name    string
	Subnets []lease.SubnetID
	Options []OptionDesc

	UserContext map[string]any
	ServerTags  []string
	ModifiedAt  time.Time
}

// SharedNetwork6 is the IPv6 variant.
type SharedNetwork6 struct {
	Name    string
	Subnets []lease.SubnetID
	Options []OptionDesc

	UserContext map[string]any
	ServerTags  []string
	ModifiedAt  time.Time
}

// stdOptionCodeMax bounds the standard option code range; custom
// definitions above it must be unique per (code, space) and server tag.
const stdOptionCodeMax = 127

// OptionDef defines the shape of a custom option.
type OptionDef struct {
	Code              uint16
	Space             string
	Name              string
	RecordType        string
	Array             bool
	EncapsulatedSpace string

	ServerTags []string
	ModifiedAt time.Time
}

// OptionScope names the five places an option instance may attach.
type OptionScope int

// Option scopes.
const (
	ScopeGlobal OptionScope = iota
	ScopeSharedNetwork
	ScopeSubnet
	ScopePool
	ScopePDPool
)

// String implements fmt.Stringer.
func (s OptionScope) String() string {
	switch s {
	case ScopeGlobal:
		return "global"
	case ScopeSharedNetwork:
		return "shared-network"
	case ScopeSubnet:
		return "subnet"
	case ScopePool:
		return "pool"
	case ScopePDPool:
		return "pd-pool"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// OptionKey addresses one of the five option scopes. Exactly the fields of
// the chosen scope are set: nothing for global, the network name, the
// subnet id, the pool bounds, or the delegated prefix.
type OptionKey struct {
	Scope       OptionScope
	NetworkName string
	SubnetID    lease.SubnetID
	PoolStart   netip.Addr
	PoolEnd     netip.Addr
	PDPrefix    netip.Prefix
}

// GlobalOption addresses the global scope.
func GlobalOption() OptionKey { return OptionKey{Scope: ScopeGlobal} }

// NetworkOption addresses a shared network's option set.
func NetworkOption(name string) OptionKey {
	return OptionKey{Scope: ScopeSharedNetwork, NetworkName: name}
}

// SubnetOption addresses a subnet's option set.
func SubnetOption(id lease.SubnetID) OptionKey {
	return OptionKey{Scope: ScopeSubnet, SubnetID: id}
}

// PoolOption addresses a pool's option set by its bounds.
func PoolOption(start, end netip.Addr) OptionKey {
	return OptionKey{Scope: ScopePool, PoolStart: start, PoolEnd: end}
}

// PDPoolOption addresses a pd-pool's option set by its prefix.
func PDPoolOption(prefix netip.Prefix) OptionKey {
	return OptionKey{Scope: ScopePDPool, PDPrefix: prefix}
}

// storageKey renders the scope address as a stable string. No two scopes
// may collide, so the scope name is always part of the key.
func (k OptionKey) storageKey() string {
	switch k.Scope {
	case ScopeGlobal:
		return "global"
	case ScopeSharedNetwork:
		return "network:" + k.NetworkName
	case ScopeSubnet:
		return "subnet:" + strconv.FormatUint(uint64(k.SubnetID), 10)
	case ScopePool:
		return "pool:" + k.PoolStart.String() + "-" + k.PoolEnd.String()
	case ScopePDPool:
		return "pdpool:" + k.PDPrefix.String()
	}
	return "invalid"
}

// Valid rejects half-filled keys.
func (k OptionKey) Valid() error {
	switch k.Scope {
	case ScopeGlobal:
		return nil
	case ScopeSharedNetwork:
		if k.NetworkName == "" {
			return fmt.Errorf("%w: shared-network option key needs a name", lease.ErrBadValue)
		}
	case ScopeSubnet:
		if k.SubnetID == 0 {
			return fmt.Errorf("%w: subnet option key needs a subnet id", lease.ErrBadValue)
		}
	case ScopePool:
		if !k.PoolStart.IsValid() || !k.PoolEnd.IsValid() {
			return fmt.Errorf("%w: pool option key needs both bounds", lease.ErrBadValue)
		}
	case ScopePDPool:
		if !k.PDPrefix.IsValid() {
			return fmt.Errorf("%w: pd-pool option key needs a prefix", lease.ErrBadValue)
		}
	default:
		return fmt.Errorf("%w: unknown option scope %d", lease.ErrBadValue, int(k.Scope))
	}
	return nil
}

// OptionDesc is one option instance: a formatted value plus its persist
// and cancellation flags.
type OptionDesc struct {
	Code      uint16
	Space     string
	Value     string
	Persist   bool
	Cancelled bool

	ServerTags []string
	ModifiedAt time.Time
}

// ScopedOption pairs an option instance with the scope it attaches to;
// returned by modified-options queries where the scope would otherwise be
// lost.
type ScopedOption struct {
	Key  OptionKey
	Desc OptionDesc
}

// GlobalParameter is a stamped value scoped to a set of server tags.
type GlobalParameter struct {
	Value      *stamped.Value
	ServerTags []string
}

// ModifiedAt returns the stamp of the underlying value.
func (g GlobalParameter) ModifiedAt() time.Time {
	if g.Value == nil {
		return time.Time{}
	}
	return g.Value.ModifiedAt
}

// HostReservation binds a client identifier to a fixed address or prefix
// within a subnet.
type HostReservation struct {
	SubnetID       lease.SubnetID
	IdentifierType string // hw-address, client-id or duid
	Identifier     []byte
	Addr           netip.Addr
	PrefixLen      uint8 // 0 for plain addresses
	Hostname       string

	ServerTags []string
	ModifiedAt time.Time
}

// Key returns the reservation's identity within its subnet.
func (h *HostReservation) Key() string {
	return strconv.FormatUint(uint64(h.SubnetID), 10) + ":" + h.IdentifierType + ":" + strings.ToLower(fmt.Sprintf("%x", h.Identifier))
}

// Valid checks the reservation's field constraints.
func (h *HostReservation) Valid() error {
	if h.SubnetID == 0 {
		return fmt.Errorf("%w: reservation needs a subnet id", lease.ErrBadValue)
	}
	switch h.IdentifierType {
	case "hw-address", "client-id", "duid":
	default:
		return fmt.Errorf("%w: unknown identifier type %q", lease.ErrBadValue, h.IdentifierType)
	}
	if len(h.Identifier) == 0 {
		return fmt.Errorf("%w: reservation needs an identifier", lease.ErrBadValue)
	}
	if !h.Addr.IsValid() {
		return fmt.Errorf("%w: reservation needs an address", lease.ErrBadValue)
	}
	return nil
}
