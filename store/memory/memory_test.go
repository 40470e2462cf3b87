// Copyright 2018-present the LeaseCore Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package memory

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/iana"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leasecore/leasecore/lease"
)

func mac(t *testing.T, s string) *lease.HWAddr {
	t.Helper()
	hw, err := net.ParseMAC(s)
	require.NoError(t, err)
	return &lease.HWAddr{Type: iana.HWTypeEthernet, Addr: hw}
}

func lease4(t *testing.T, addr string, subnet lease.SubnetID) *lease.Lease4 {
	t.Helper()
	return &lease.Lease4{
		Addr:     netip.MustParseAddr(addr),
		HWAddr:   mac(t, "00:11:22:33:44:55"),
		ClientID: lease.ClientID{0x01, 0x02, 0x03},
		ValidLft: 3600,
		CLTT:     time.Now(),
		SubnetID: subnet,
	}
}

func TestAddLeaseConflicts(t *testing.T) {
	ctx := context.Background()
	s := NewStore4(true)

	l := lease4(t, "192.0.2.3", 7)
	ok, err := s.AddLease(ctx, l)
	require.NoError(t, err)
	assert.True(t, ok)

	// same address, live row: insert must lose
	dup := lease4(t, "192.0.2.3", 7)
	dup.ClientID = lease.ClientID{0x0a, 0x0b}
	ok, err = s.AddLease(ctx, dup)
	require.NoError(t, err)
	assert.False(t, ok)

	// reclaim the row, then the address is insertable again
	l.State = lease.StateExpiredReclaimed
	require.NoError(t, s.Update(ctx, l))
	ok, err = s.AddLease(ctx, dup)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetByAddress(ctx, l.Addr, 0)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, dup.ClientID, got.ClientID)
}

func TestLookups(t *testing.T) {
	ctx := context.Background()
	s := NewStore4(true)

	a := lease4(t, "192.0.2.3", 7)
	b := lease4(t, "198.51.100.9", 8)
	for _, l := range []*lease.Lease4{a, b} {
		ok, err := s.AddLease(ctx, l)
		require.NoError(t, err)
		require.True(t, ok)
	}

	got, err := s.GetByAddress(ctx, a.Addr, 7)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, a.Addr, got.Addr)

	// subnet filter excludes the row
	got, err = s.GetByAddress(ctx, a.Addr, 8)
	require.NoError(t, err)
	assert.Nil(t, got)

	// same client in both subnets: unfiltered lookup sees both
	all, err := s.GetByClientID(ctx, a.ClientID, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	one, err := s.GetByClientID(ctx, a.ClientID, 8)
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, b.Addr, one[0].Addr)

	hw, err := s.GetByHWAddr(ctx, *a.HWAddr, 0)
	require.NoError(t, err)
	assert.Len(t, hw, 2)

	sub, err := s.GetBySubnet(ctx, 7)
	require.NoError(t, err)
	require.Len(t, sub, 1)
	assert.Equal(t, a.Addr, sub[0].Addr)
}

func TestUpdateMissingRow(t *testing.T) {
	ctx := context.Background()
	s := NewStore4(true)
	err := s.Update(ctx, lease4(t, "192.0.2.50", 7))
	assert.ErrorIs(t, err, lease.ErrNoSuchLease)
}

func TestDeleteByAddress(t *testing.T) {
	ctx := context.Background()
	s := NewStore4(true)

	l := lease4(t, "192.0.2.3", 7)
	_, err := s.AddLease(ctx, l)
	require.NoError(t, err)

	removed, err := s.DeleteByAddress(ctx, l.Addr)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.DeleteByAddress(ctx, l.Addr)
	require.NoError(t, err)
	assert.False(t, removed)

	// index entries must be gone too
	got, err := s.GetByClientID(ctx, l.ClientID, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestHostnameCanonicalizedAtWrite(t *testing.T) {
	ctx := context.Background()
	s := NewStore4(true)

	l := lease4(t, "192.0.2.3", 7)
	l.Hostname = "Printer-Floor2.Example.ORG"
	_, err := s.AddLease(ctx, l)
	require.NoError(t, err)

	got, err := s.GetByAddress(ctx, l.Addr, 0)
	require.NoError(t, err)
	assert.Equal(t, "printer-floor2.example.org", got.Hostname)
}

func TestGetExpiredOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewStore4(true)

	now := time.Now()
	mk := func(addr string, age time.Duration) *lease.Lease4 {
		l := lease4(t, addr, 7)
		l.ValidLft = 10
		l.CLTT = now.Add(-age)
		return l
	}
	// oldest expiry is c, then b, then a; d is still active
	a := mk("192.0.2.1", 20*time.Second)
	b := mk("192.0.2.2", 30*time.Second)
	c := mk("192.0.2.4", 40*time.Second)
	d := mk("192.0.2.5", 0)
	d.ValidLft = 3600
	for _, l := range []*lease.Lease4{a, b, c, d} {
		ok, err := s.AddLease(ctx, l)
		require.NoError(t, err)
		require.True(t, ok)
	}

	expired, err := s.GetExpired(ctx, 10)
	require.NoError(t, err)
	require.Len(t, expired, 3)
	assert.Equal(t, c.Addr, expired[0].Addr)
	assert.Equal(t, b.Addr, expired[1].Addr)
	assert.Equal(t, a.Addr, expired[2].Addr)

	limited, err := s.GetExpired(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	// reclaimed rows drop out of the expired view
	c.State = lease.StateExpiredReclaimed
	require.NoError(t, s.Update(ctx, c))
	expired, err = s.GetExpired(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, expired, 2)
}

func TestGetModifiedSince(t *testing.T) {
	ctx := context.Background()
	s := NewStore4(true)

	l := lease4(t, "192.0.2.3", 7)
	_, err := s.AddLease(ctx, l)
	require.NoError(t, err)

	mark := l.ModifiedAt
	out, err := s.GetModifiedSince(ctx, mark)
	require.NoError(t, err)
	assert.Empty(t, out)

	require.NoError(t, s.Update(ctx, l))
	out, err = s.GetModifiedSince(ctx, mark)
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

// Concurrent inserts on one address: exactly one winner, ever.
func TestConcurrentAddUniqueness(t *testing.T) {
	ctx := context.Background()
	s := NewStore4(true)
	addr := netip.MustParseAddr("192.0.2.77")

	const workers = 32
	var wg sync.WaitGroup
	wins := make(chan int, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l := lease4(t, addr.String(), 7)
			l.ClientID = lease.ClientID{byte(i), 0xff}
			ok, err := s.AddLease(ctx, l)
			assert.NoError(t, err)
			if ok {
				wins <- i
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []int
	for w := range wins {
		winners = append(winners, w)
	}
	assert.Len(t, winners, 1)
}

func lease6(t *testing.T, addr string, plen uint8, typ lease.Type6) *lease.Lease6 {
	t.Helper()
	return &lease.Lease6{
		Addr:      netip.MustParseAddr(addr),
		PrefixLen: plen,
		Type:      typ,
		DUID:      lease.DUID{0x00, 0x01, 0xaf},
		IAID:      42,
		ValidLft:  7200,
		CLTT:      time.Now(),
		SubnetID:  11,
	}
}

func TestLease6KeyIncludesType(t *testing.T) {
	ctx := context.Background()
	s := NewStore6(true)

	pd := lease6(t, "2001:db8::", 56, lease.TypePD)
	ok, err := s.AddLease(ctx, pd)
	require.NoError(t, err)
	assert.True(t, ok)

	// same prefix, same type: conflict
	pd2 := lease6(t, "2001:db8::", 56, lease.TypePD)
	ok, err = s.AddLease(ctx, pd2)
	require.NoError(t, err)
	assert.False(t, ok)

	// same address, different type: distinct primary key
	na := lease6(t, "2001:db8::", 128, lease.TypeNA)
	ok, err = s.AddLease(ctx, na)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetByAddress(ctx, lease.TypePD, pd.Addr, 0)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, uint8(56), got.PrefixLen)
}

func TestGetByDUIDFiltersIAID(t *testing.T) {
	ctx := context.Background()
	s := NewStore6(true)

	a := lease6(t, "2001:db8::10", 128, lease.TypeNA)
	b := lease6(t, "2001:db8::11", 128, lease.TypeNA)
	b.IAID = 43
	for _, l := range []*lease.Lease6{a, b} {
		ok, err := s.AddLease(ctx, l)
		require.NoError(t, err)
		require.True(t, ok)
	}

	got, err := s.GetByDUID(ctx, a.DUID, 42, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a.Addr, got[0].Addr)
}

func TestLease6Validation(t *testing.T) {
	ctx := context.Background()
	s := NewStore6(true)

	bad := lease6(t, "2001:db8::1", 64, lease.TypeNA) // NA with a short prefix
	_, err := s.AddLease(ctx, bad)
	assert.ErrorIs(t, err, lease.ErrBadValue)

	bad = lease6(t, "2001:db8::1", 128, lease.TypeNA)
	bad.DUID = nil
	_, err = s.AddLease(ctx, bad)
	assert.ErrorIs(t, err, lease.ErrBadValue)
}
