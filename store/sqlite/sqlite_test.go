// Copyright 2018-present the LeaseCore Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package sqlite

import (
	"context"
	"net"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/iana"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leasecore/leasecore/lease"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	return db
}

func mac(t *testing.T, s string) *lease.HWAddr {
	t.Helper()
	hw, err := net.ParseMAC(s)
	require.NoError(t, err)
	return &lease.HWAddr{Type: iana.HWTypeEthernet, Addr: hw}
}

func sample4(t *testing.T, addr string) *lease.Lease4 {
	t.Helper()
	return &lease.Lease4{
		Addr:     netip.MustParseAddr(addr),
		HWAddr:   mac(t, "00:11:22:33:44:55"),
		ClientID: lease.ClientID{0x01, 0x02, 0x03},
		ValidLft: 3600,
		T1:       900,
		T2:       1800,
		CLTT:     time.Now().Truncate(time.Second),
		SubnetID: 7,
		Hostname: "Workstation.Example.ORG",
		UserContext: map[string]any{
			"ISC": map[string]any{"relay-info": "circuit-7"},
		},
	}
}

func TestOpenStampsFreshSchema(t *testing.T) {
	db := testDB(t)
	v, err := db.Leases4().Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, expectedVersion, v)
}

func TestOpenRejectsMajorMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leases.db")

	db, err := Open(path)
	require.NoError(t, err)
	_, err = db.db.Exec("UPDATE schema_version SET major = major + 1")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Open(path)
	assert.ErrorIs(t, err, lease.ErrDBIncompatible)
}

func TestLease4RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := testDB(t).Leases4()

	l := sample4(t, "192.0.2.3")
	ok, err := s.AddLease(ctx, l)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.GetByAddress(ctx, l.Addr, 0)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, l.Addr, got.Addr)
	assert.Equal(t, l.HWAddr.Addr, got.HWAddr.Addr)
	assert.Equal(t, iana.HWTypeEthernet, got.HWAddr.Type)
	assert.Equal(t, l.ClientID, got.ClientID)
	assert.Equal(t, l.ValidLft, got.ValidLft)
	assert.Equal(t, l.CLTT.Unix(), got.CLTT.Unix())
	assert.Equal(t, lease.SubnetID(7), got.SubnetID)
	assert.Equal(t, "workstation.example.org", got.Hostname)
	require.Contains(t, got.UserContext, "ISC")
}

func TestLease4AddConflict(t *testing.T) {
	ctx := context.Background()
	s := testDB(t).Leases4()

	l := sample4(t, "192.0.2.3")
	ok, err := s.AddLease(ctx, l)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.AddLease(ctx, sample4(t, "192.0.2.3"))
	require.NoError(t, err)
	assert.False(t, ok)

	// reclaim, then the address frees up
	l.State = lease.StateExpiredReclaimed
	require.NoError(t, s.Update(ctx, l))
	ok, err = s.AddLease(ctx, sample4(t, "192.0.2.3"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLease4UpdateMissing(t *testing.T) {
	ctx := context.Background()
	s := testDB(t).Leases4()
	err := s.Update(ctx, sample4(t, "192.0.2.200"))
	assert.ErrorIs(t, err, lease.ErrNoSuchLease)
}

func TestLease4Queries(t *testing.T) {
	ctx := context.Background()
	s := testDB(t).Leases4()

	a := sample4(t, "192.0.2.3")
	b := sample4(t, "192.0.2.1")
	b.SubnetID = 8
	for _, l := range []*lease.Lease4{a, b} {
		ok, err := s.AddLease(ctx, l)
		require.NoError(t, err)
		require.True(t, ok)
	}

	// address order, not insertion order
	byHW, err := s.GetByHWAddr(ctx, *a.HWAddr, 0)
	require.NoError(t, err)
	require.Len(t, byHW, 2)
	assert.Equal(t, b.Addr, byHW[0].Addr)

	byCID, err := s.GetByClientID(ctx, a.ClientID, 8)
	require.NoError(t, err)
	require.Len(t, byCID, 1)
	assert.Equal(t, b.Addr, byCID[0].Addr)

	bySubnet, err := s.GetBySubnet(ctx, 7)
	require.NoError(t, err)
	require.Len(t, bySubnet, 1)

	removed, err := s.DeleteByAddress(ctx, a.Addr)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = s.DeleteByAddress(ctx, a.Addr)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestLease4Expired(t *testing.T) {
	ctx := context.Background()
	s := testDB(t).Leases4()

	now := time.Now()
	mk := func(addr string, age time.Duration) *lease.Lease4 {
		l := sample4(t, addr)
		l.T1, l.T2 = 0, 0
		l.ValidLft = 10
		l.CLTT = now.Add(-age)
		return l
	}
	old := mk("192.0.2.9", time.Hour)
	older := mk("192.0.2.8", 2*time.Hour)
	live := mk("192.0.2.7", 0)
	live.ValidLft = 3600
	for _, l := range []*lease.Lease4{old, older, live} {
		ok, err := s.AddLease(ctx, l)
		require.NoError(t, err)
		require.True(t, ok)
	}

	expired, err := s.GetExpired(ctx, 10)
	require.NoError(t, err)
	require.Len(t, expired, 2)
	assert.Equal(t, older.Addr, expired[0].Addr)
	assert.Equal(t, old.Addr, expired[1].Addr)
}

func TestLease4ModifiedSince(t *testing.T) {
	ctx := context.Background()
	s := testDB(t).Leases4()

	l := sample4(t, "192.0.2.3")
	ok, err := s.AddLease(ctx, l)
	require.NoError(t, err)
	require.True(t, ok)

	mark := l.ModifiedAt
	out, err := s.GetModifiedSince(ctx, mark)
	require.NoError(t, err)
	assert.Empty(t, out)

	require.NoError(t, s.Update(ctx, l))
	out, err = s.GetModifiedSince(ctx, mark)
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func sample6(t *testing.T, addr string, plen uint8, typ lease.Type6) *lease.Lease6 {
	t.Helper()
	return &lease.Lease6{
		Addr:         netip.MustParseAddr(addr),
		PrefixLen:    plen,
		Type:         typ,
		DUID:         lease.DUID{0x00, 0x03, 0x00, 0x01, 0xaa},
		IAID:         1,
		PreferredLft: 1800,
		ValidLft:     3600,
		CLTT:         time.Now().Truncate(time.Second),
		SubnetID:     11,
	}
}

func TestLease6PrimaryKeyTuple(t *testing.T) {
	ctx := context.Background()
	s := testDB(t).Leases6()

	pd := sample6(t, "2001:db8::", 56, lease.TypePD)
	ok, err := s.AddLease(ctx, pd)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AddLease(ctx, sample6(t, "2001:db8::", 56, lease.TypePD))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.AddLease(ctx, sample6(t, "2001:db8::", 128, lease.TypeNA))
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetByAddress(ctx, lease.TypePD, pd.Addr, 11)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, uint8(56), got.PrefixLen)
	assert.Equal(t, pd.DUID, got.DUID)
}

func TestLease6ByDUID(t *testing.T) {
	ctx := context.Background()
	s := testDB(t).Leases6()

	a := sample6(t, "2001:db8::10", 128, lease.TypeNA)
	b := sample6(t, "2001:db8::11", 128, lease.TypeNA)
	b.IAID = 2
	for _, l := range []*lease.Lease6{a, b} {
		ok, err := s.AddLease(ctx, l)
		require.NoError(t, err)
		require.True(t, ok)
	}

	got, err := s.GetByDUID(ctx, a.DUID, 1, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a.Addr, got[0].Addr)

	got, err = s.GetByDUID(ctx, a.DUID, 2, 11)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, b.Addr, got[0].Addr)
}

func TestLease6DeleteAndUpdate(t *testing.T) {
	ctx := context.Background()
	s := testDB(t).Leases6()

	l := sample6(t, "2001:db8::10", 128, lease.TypeNA)
	ok, err := s.AddLease(ctx, l)
	require.NoError(t, err)
	require.True(t, ok)

	l.Hostname = "Router.Example.ORG"
	require.NoError(t, s.Update(ctx, l))
	got, err := s.GetByAddress(ctx, lease.TypeNA, l.Addr, 0)
	require.NoError(t, err)
	assert.Equal(t, "router.example.org", got.Hostname)

	err = s.Update(ctx, sample6(t, "2001:db8::99", 128, lease.TypeNA))
	assert.ErrorIs(t, err, lease.ErrNoSuchLease)

	removed, err := s.DeleteByAddress(ctx, lease.TypeNA, l.Addr)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = s.DeleteByAddress(ctx, lease.TypeNA, l.Addr)
	require.NoError(t, err)
	assert.False(t, removed)
}
