// Copyright 2018-present the LeaseCore Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package alloc

import (
	"net/netip"

	"github.com/leasecore/leasecore/confdb"
)

// addrAdd returns addr + delta. Works for both families; IPv6 carries
// through the full 128 bits.
func addrAdd(addr netip.Addr, delta uint64) netip.Addr {
	if addr.Is4() {
		b := addr.As4()
		v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
		v += uint32(delta)
		return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
	}
	return addrAdd128(addr, 0, delta)
}

// addrAdd128 returns addr + (hi<<64 | lo) over the 16-byte address.
func addrAdd128(addr netip.Addr, hi, lo uint64) netip.Addr {
	b := addr.As16()
	alo := be64(b[8:16])
	ahi := be64(b[0:8])
	slo := alo + lo
	carry := uint64(0)
	if slo < alo {
		carry = 1
	}
	shi := ahi + hi + carry
	putBe64(b[0:8], shi)
	putBe64(b[8:16], slo)
	return netip.AddrFrom16(b)
}

// addrDiff returns addr - base for addresses inside one bounded pool. The
// caller guarantees base <= addr and that the pool spans fewer than 2^64
// addresses.
func addrDiff(addr, base netip.Addr) uint64 {
	if addr.Is4() {
		a, b := addr.As4(), base.As4()
		return uint64(be32(a[:])) - uint64(be32(b[:]))
	}
	a, b := addr.As16(), base.As16()
	return be64(a[8:16]) - be64(b[8:16])
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

func putBe64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

// poolsSize returns the total number of addresses across the pools.
func poolsSize(pools []confdb.Pool) uint64 {
	var total uint64
	for _, p := range pools {
		total += p.Size()
	}
	return total
}

// addrAt maps a flat offset across the ordered pools to an address.
func addrAt(pools []confdb.Pool, offset uint64) (netip.Addr, bool) {
	for _, p := range pools {
		size := p.Size()
		if offset < size {
			return addrAdd(p.Start, offset), true
		}
		offset -= size
	}
	return netip.Addr{}, false
}

// offsetOf maps an address back to its flat offset across the pools.
func offsetOf(pools []confdb.Pool, addr netip.Addr) (uint64, bool) {
	var base uint64
	for _, p := range pools {
		if p.Contains(addr) {
			return base + addrDiff(addr, p.Start), true
		}
		base += p.Size()
	}
	return 0, false
}

// inPools reports whether the address lies inside any of the pools.
func inPools(pools []confdb.Pool, addr netip.Addr) bool {
	_, ok := offsetOf(pools, addr)
	return ok
}

// maxDelegations bounds how many prefixes one pd-pool may expose; a pool
// with billions of delegations is walked through this window only.
const maxDelegations = 1 << 20

// pdPoolSize returns the number of delegated prefixes a pd-pool yields,
// clamped to maxDelegations.
func pdPoolSize(p confdb.PDPool) uint64 {
	order := int(p.DelegatedLen) - p.Prefix.Bits()
	if order >= 20 {
		return maxDelegations
	}
	return uint64(1) << order
}

// pdPrefixAt returns the base address of the offset-th delegated prefix.
func pdPrefixAt(p confdb.PDPool, offset uint64) netip.Addr {
	shift := 128 - uint(p.DelegatedLen)
	var hi, lo uint64
	switch {
	case shift >= 64:
		hi = offset << (shift - 64)
	case shift == 0:
		lo = offset
	default:
		lo = offset << shift
		hi = offset >> (64 - shift)
	}
	return addrAdd128(p.Prefix.Addr(), hi, lo)
}
