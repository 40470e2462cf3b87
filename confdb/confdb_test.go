// Copyright 2018-present the LeaseCore Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package confdb

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leasecore/leasecore/lease"
	"github.com/leasecore/leasecore/stamped"
)

func subnet4(id lease.SubnetID, prefix string, pools ...Pool) *Subnet4 {
	return &Subnet4{
		ID:       id,
		Prefix:   netip.MustParsePrefix(prefix),
		Pools:    pools,
		ValidLft: 3600,
	}
}

func pool(start, end string) Pool {
	return Pool{Start: netip.MustParseAddr(start), End: netip.MustParseAddr(end)}
}

func addr(s string) netip.Addr { return netip.MustParseAddr(s) }

func TestSelectorWireForm(t *testing.T) {
	cases := []struct {
		sel  ServerSelector
		wire string
	}{
		{Unassigned(), "unassigned"},
		{AllServers(), "all"},
		{AnyServer(), "any"},
		{OneServer("dhcp-east"), "dhcp-east"},
		{MultipleServers("b", "a"), "a,b"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.wire, tc.sel.String())
		back, err := ParseSelector(tc.wire)
		require.NoError(t, err)
		assert.Equal(t, tc.sel, back)
	}

	_, err := ParseSelector("")
	assert.ErrorIs(t, err, lease.ErrBadValue)
}

func TestUnassignedSelectorRejected(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(true)

	err := b.CreateUpdateSubnet4(ctx, Unassigned(), subnet4(7, "192.0.2.0/24"))
	assert.ErrorIs(t, err, lease.ErrNotImplemented)

	_, err = b.GetAllSubnets4(ctx, Unassigned())
	assert.ErrorIs(t, err, lease.ErrNotImplemented)

	// any-server cannot scope a write either
	err = b.CreateUpdateSubnet4(ctx, AnyServer(), subnet4(7, "192.0.2.0/24"))
	assert.ErrorIs(t, err, lease.ErrInvalidParameter)
}

func TestSubnetUpsertAuditShape(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(true)
	sel := OneServer("east")

	s := subnet4(7, "192.0.2.0/24", pool("192.0.2.10", "192.0.2.200"))
	require.NoError(t, b.CreateUpdateSubnet4(ctx, sel, s))
	require.NoError(t, b.CreateUpdateSubnet4(ctx, sel, s))

	entries, err := b.GetRecentAuditEntries(ctx, sel, time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, AuditCreate, entries[0].Action)
	assert.Equal(t, AuditUpdate, entries[1].Action)
	assert.Equal(t, ObjectSubnet4, entries[0].ObjectType)

	// the upsert left the entity equal to what was written
	got, err := b.GetSubnet4(ctx, sel, 7)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, s.Prefix, got.Prefix)
	assert.Equal(t, s.Pools, got.Pools)
}

func TestAuditTailWindows(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(true)
	sel := OneServer("east")

	require.NoError(t, b.CreateUpdateSubnet4(ctx, sel, subnet4(7, "192.0.2.0/24")))
	all, err := b.GetRecentAuditEntries(ctx, sel, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	createdAt := all[0].ModifiedAt

	n, err := b.DeleteSubnet4(ctx, sel, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// before the create: both entries, in order
	both, err := b.GetRecentAuditEntries(ctx, sel, createdAt.Add(-time.Millisecond))
	require.NoError(t, err)
	require.Len(t, both, 2)
	assert.Equal(t, AuditCreate, both[0].Action)
	assert.Equal(t, AuditDelete, both[1].Action)

	// exactly at the create: strictly-after semantics keep only the delete
	tail, err := b.GetRecentAuditEntries(ctx, sel, createdAt)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, AuditDelete, tail[0].Action)
}

func TestAuditMonotonicPerTag(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(true)
	sel := OneServer("east")

	for i := 0; i < 20; i++ {
		v, err := stamped.New("renew-timer", i)
		require.NoError(t, err)
		require.NoError(t, b.CreateUpdateGlobalParameter(ctx, sel, v))
	}
	entries, err := b.GetRecentAuditEntries(ctx, sel, time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 20)
	for i := 1; i < len(entries); i++ {
		assert.False(t, entries[i].ModifiedAt.Before(entries[i-1].ModifiedAt))
		assert.Greater(t, entries[i].Revision, entries[i-1].Revision)
	}
}

func TestDeleteDiscipline(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(true)

	require.NoError(t, b.CreateUpdateSubnet4(ctx, OneServer("east"), subnet4(7, "192.0.2.0/24")))
	require.NoError(t, b.CreateUpdateSubnet4(ctx, AllServers(), subnet4(8, "198.51.100.0/24")))

	// all-servers delete must not touch the per-server subnet
	n, err := b.DeleteAllSubnets4(ctx, AllServers())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := b.GetSubnet4(ctx, OneServer("east"), 7)
	require.NoError(t, err)
	assert.NotNil(t, got)

	// deleting nothing is a zero count, not an error
	n, err = b.DeleteSubnet4(ctx, OneServer("east"), 99)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSelectorVisibility(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(true)

	require.NoError(t, b.CreateUpdateSubnet4(ctx, OneServer("east"), subnet4(7, "192.0.2.0/24")))
	require.NoError(t, b.CreateUpdateSubnet4(ctx, AllServers(), subnet4(8, "198.51.100.0/24")))

	// an all-servers subnet is visible to every concrete server
	east, err := b.GetAllSubnets4(ctx, OneServer("east"))
	require.NoError(t, err)
	assert.Len(t, east, 2)

	west, err := b.GetAllSubnets4(ctx, OneServer("west"))
	require.NoError(t, err)
	require.Len(t, west, 1)
	assert.Equal(t, lease.SubnetID(8), west[0].ID)

	// any-server reads the union
	all, err := b.GetAllSubnets4(ctx, AnyServer())
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSubnetPrefixDisjointness(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(true)
	sel := OneServer("east")

	require.NoError(t, b.CreateUpdateSubnet4(ctx, sel, subnet4(7, "192.0.2.0/24")))
	err := b.CreateUpdateSubnet4(ctx, sel, subnet4(8, "192.0.2.128/25"))
	assert.ErrorIs(t, err, lease.ErrBadValue)

	// disjoint tag sets may overlap
	require.NoError(t, b.CreateUpdateSubnet4(ctx, OneServer("west"), subnet4(8, "192.0.2.128/25")))

	// replacing the same id is fine
	require.NoError(t, b.CreateUpdateSubnet4(ctx, sel, subnet4(7, "192.0.2.0/25")))
}

func TestPoolValidation(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(true)
	sel := OneServer("east")

	err := b.CreateUpdateSubnet4(ctx, sel, subnet4(7, "192.0.2.0/29", pool("192.0.2.2", "192.0.2.200")))
	assert.ErrorIs(t, err, lease.ErrBadValue)

	err = b.CreateUpdateSubnet4(ctx, sel, subnet4(7, "192.0.2.0/24",
		pool("192.0.2.10", "192.0.2.100"), pool("192.0.2.50", "192.0.2.120")))
	assert.ErrorIs(t, err, lease.ErrBadValue)
}

func TestOptionScopesDoNotCollide(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(true)
	sel := OneServer("east")

	opt := func(v string) *OptionDesc {
		return &OptionDesc{Code: 230, Space: "dhcp4", Value: v, Persist: true}
	}
	require.NoError(t, b.CreateUpdateOption(ctx, sel, GlobalOption(), opt("global")))
	require.NoError(t, b.CreateUpdateOption(ctx, sel, SubnetOption(7), opt("subnet")))
	require.NoError(t, b.CreateUpdateOption(ctx, sel, NetworkOption("floor2"), opt("network")))
	require.NoError(t, b.CreateUpdateOption(ctx, sel,
		PoolOption(netip.MustParseAddr("192.0.2.10"), netip.MustParseAddr("192.0.2.100")), opt("pool")))
	require.NoError(t, b.CreateUpdateOption(ctx, sel,
		PDPoolOption(netip.MustParsePrefix("2001:db8::/48")), opt("pdpool")))

	for _, tc := range []struct {
		key  OptionKey
		want string
	}{
		{GlobalOption(), "global"},
		{SubnetOption(7), "subnet"},
		{NetworkOption("floor2"), "network"},
		{PoolOption(netip.MustParseAddr("192.0.2.10"), netip.MustParseAddr("192.0.2.100")), "pool"},
		{PDPoolOption(netip.MustParsePrefix("2001:db8::/48")), "pdpool"},
	} {
		got, err := b.GetOption(ctx, sel, tc.key, 230, "dhcp4")
		require.NoError(t, err)
		require.NotNil(t, got, tc.want)
		assert.Equal(t, tc.want, got.Value)
	}

	n, err := b.DeleteOption(ctx, sel, SubnetOption(7), 230, "dhcp4")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := b.GetOption(ctx, sel, GlobalOption(), 230, "dhcp4")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestOptionDefStandardRangeRejected(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(true)
	err := b.CreateUpdateOptionDef(ctx, OneServer("east"), &OptionDef{Code: 3, Space: "dhcp4"})
	assert.ErrorIs(t, err, lease.ErrBadValue)
}

func TestGlobalParameterRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(true)
	sel := OneServer("east")

	v, err := stamped.New("renew-timer", 1000)
	require.NoError(t, err)
	require.NoError(t, b.CreateUpdateGlobalParameter(ctx, sel, v))

	got, err := b.GetGlobalParameter(ctx, sel, "renew-timer")
	require.NoError(t, err)
	require.NotNil(t, got)
	n, err := got.Value.GetInteger()
	require.NoError(t, err)
	assert.Equal(t, int64(1000), n)
	assert.False(t, got.ModifiedAt().IsZero())
}

func TestObserverDelivery(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(true)

	_, err := b.RegisterObserver(nil)
	assert.ErrorIs(t, err, lease.ErrInvalidParameter)

	var seen []AuditEntry
	handle, err := b.RegisterObserver(func(entries []AuditEntry) {
		seen = append(seen, entries...)
	})
	require.NoError(t, err)

	require.NoError(t, b.CreateUpdateSubnet4(ctx, OneServer("east"), subnet4(7, "192.0.2.0/24")))
	require.Len(t, seen, 1)
	assert.Equal(t, AuditCreate, seen[0].Action)

	b.UnregisterObserver(handle)
	require.NoError(t, b.CreateUpdateSubnet4(ctx, OneServer("east"), subnet4(7, "192.0.2.0/24")))
	assert.Len(t, seen, 1)
}

func TestMonitorPublishesOnAuditChange(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(true)
	sel := OneServer("east")

	require.NoError(t, b.CreateUpdateSubnet4(ctx, sel, subnet4(7, "192.0.2.0/24")))
	m, err := NewMonitor4(ctx, b, sel, time.Hour)
	require.NoError(t, err)

	first := m.Snapshot()
	require.NotNil(t, first)
	assert.Len(t, first.Subnets, 1)

	require.NoError(t, b.CreateUpdateSubnet4(ctx, sel, subnet4(8, "198.51.100.0/24")))
	require.NoError(t, m.poll(ctx))

	second := m.Snapshot()
	assert.Len(t, second.Subnets, 2)
	// the old snapshot is untouched for readers that still hold it
	assert.Len(t, first.Subnets, 1)

	// nothing new: snapshot pointer stays put
	require.NoError(t, m.poll(ctx))
	assert.Same(t, second, m.Snapshot())
}

func TestSharedNetworkExpansionOrder(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(true)
	sel := OneServer("east")

	require.NoError(t, b.CreateUpdateSubnet4(ctx, sel, subnet4(7, "192.0.2.0/24")))
	require.NoError(t, b.CreateUpdateSubnet4(ctx, sel, subnet4(8, "198.51.100.0/24")))
	require.NoError(t, b.CreateUpdateSubnet4(ctx, sel, subnet4(9, "203.0.113.0/24")))
	require.NoError(t, b.CreateUpdateSharedNetwork4(ctx, sel, &SharedNetwork4{
		Name:    "floor2",
		Subnets: []lease.SubnetID{9, 7},
	}))

	m, err := NewMonitor4(ctx, b, sel, time.Hour)
	require.NoError(t, err)
	snap := m.Snapshot()

	// declaration order, regardless of which member was selected
	cands := snap.Candidates(7)
	require.Len(t, cands, 2)
	assert.Equal(t, lease.SubnetID(9), cands[0].ID)
	assert.Equal(t, lease.SubnetID(7), cands[1].ID)

	// a subnet outside any network stands alone
	cands = snap.Candidates(8)
	require.Len(t, cands, 1)
	assert.Equal(t, lease.SubnetID(8), cands[0].ID)

	// a subnet may not join two networks
	err = b.CreateUpdateSharedNetwork4(ctx, sel, &SharedNetwork4{
		Name:    "floor3",
		Subnets: []lease.SubnetID{7},
	})
	assert.ErrorIs(t, err, lease.ErrBadValue)
}
