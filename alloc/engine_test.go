// Copyright 2018-present the LeaseCore Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package alloc

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/iana"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leasecore/leasecore/confdb"
	"github.com/leasecore/leasecore/lease"
	"github.com/leasecore/leasecore/store/memory"
)

func snapshot4(t *testing.T, b confdb.Backend4, sel confdb.ServerSelector) func() *confdb.Snapshot4 {
	t.Helper()
	m, err := confdb.NewMonitor4(context.Background(), b, sel, time.Hour)
	require.NoError(t, err)
	return m.Snapshot
}

func snapshot6(t *testing.T, b confdb.Backend6, sel confdb.ServerSelector) func() *confdb.Snapshot6 {
	t.Helper()
	m, err := confdb.NewMonitor6(context.Background(), b, sel, time.Hour)
	require.NoError(t, err)
	return m.Snapshot
}

func mac(t *testing.T, s string) *lease.HWAddr {
	t.Helper()
	hw, err := net.ParseMAC(s)
	require.NoError(t, err)
	return &lease.HWAddr{Type: iana.HWTypeEthernet, Addr: hw}
}

func smallSubnet4(t *testing.T, b confdb.Backend4, sel confdb.ServerSelector) {
	t.Helper()
	require.NoError(t, b.CreateUpdateSubnet4(context.Background(), sel, &confdb.Subnet4{
		ID:     7,
		Prefix: netip.MustParsePrefix("192.0.2.0/29"),
		Pools: []confdb.Pool{{
			Start: netip.MustParseAddr("192.0.2.2"),
			End:   netip.MustParseAddr("192.0.2.6"),
		}},
		ValidLft: 3600,
		T1:       900,
		T2:       1800,
	}))
}

func engine4(t *testing.T, st *memory.Store4, snap func() *confdb.Snapshot4, cfg Config) *Engine4 {
	t.Helper()
	e, err := NewEngine4(st, snap, cfg)
	require.NoError(t, err)
	return e
}

func TestPoolExhaustion(t *testing.T) {
	ctx := context.Background()
	sel := confdb.OneServer("east")
	cb := confdb.NewMemoryBackend(true)
	smallSubnet4(t, cb, sel)
	st := memory.NewStore4(true)
	e := engine4(t, st, snapshot4(t, cb, sel), Config{})

	// five concurrent distinct clients all get distinct leases
	var wg sync.WaitGroup
	leases := make([]*lease.Lease4, 5)
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			leases[i], errs[i] = e.Allocate(ctx, &Context4{
				HWAddr:   mac(t, fmt.Sprintf("00:11:22:33:44:%02x", i)),
				ClientID: lease.ClientID{0x01, byte(i)},
				SubnetID: 7,
			})
		}(i)
	}
	wg.Wait()

	seen := map[netip.Addr]bool{}
	for i := 0; i < 5; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, leases[i])
		assert.False(t, seen[leases[i].Addr], "duplicate address %s", leases[i].Addr)
		seen[leases[i].Addr] = true
	}

	// the sixth client finds the pool exhausted
	_, err := e.Allocate(ctx, &Context4{
		HWAddr:   mac(t, "00:11:22:33:44:ff"),
		ClientID: lease.ClientID{0x0f, 0x0f},
		SubnetID: 7,
	})
	assert.ErrorIs(t, err, lease.ErrNoAddressAvailable)
}

func TestRenewKeepsAddress(t *testing.T) {
	ctx := context.Background()
	sel := confdb.OneServer("east")
	cb := confdb.NewMemoryBackend(true)
	smallSubnet4(t, cb, sel)
	st := memory.NewStore4(true)
	e := engine4(t, st, snapshot4(t, cb, sel), Config{})

	rc := &Context4{
		HWAddr:   mac(t, "00:11:22:33:44:55"),
		ClientID: lease.ClientID{0x01, 0x02, 0x03},
		SubnetID: 7,
	}
	first, err := e.Allocate(ctx, rc)
	require.NoError(t, err)
	firstCLTT := first.CLTT

	time.Sleep(5 * time.Millisecond)
	second, err := e.Allocate(ctx, rc)
	require.NoError(t, err)
	assert.Equal(t, first.Addr, second.Addr)
	assert.True(t, second.CLTT.After(firstCLTT))

	// still exactly one lease for the client
	held, err := st.GetByClientID(ctx, rc.ClientID, 7)
	require.NoError(t, err)
	assert.Len(t, held, 1)
}

func TestRequestedAddressHonored(t *testing.T) {
	ctx := context.Background()
	sel := confdb.OneServer("east")
	cb := confdb.NewMemoryBackend(true)
	smallSubnet4(t, cb, sel)
	st := memory.NewStore4(true)
	e := engine4(t, st, snapshot4(t, cb, sel), Config{})

	want := netip.MustParseAddr("192.0.2.5")
	l, err := e.Allocate(ctx, &Context4{
		ClientID:      lease.ClientID{0x01, 0x02},
		RequestedAddr: want,
		SubnetID:      7,
	})
	require.NoError(t, err)
	assert.Equal(t, want, l.Addr)

	// a second client requesting the same address gets a different one
	other, err := e.Allocate(ctx, &Context4{
		ClientID:      lease.ClientID{0x03, 0x04},
		RequestedAddr: want,
		SubnetID:      7,
	})
	require.NoError(t, err)
	assert.NotEqual(t, want, other.Addr)
}

func TestReservationWins(t *testing.T) {
	ctx := context.Background()
	sel := confdb.OneServer("east")
	cb := confdb.NewMemoryBackend(true)
	smallSubnet4(t, cb, sel)
	hw := mac(t, "00:11:22:33:44:55")
	require.NoError(t, cb.CreateUpdateHost(ctx, sel, &confdb.HostReservation{
		SubnetID:       7,
		IdentifierType: "hw-address",
		Identifier:     hw.Addr,
		Addr:           netip.MustParseAddr("192.0.2.4"),
	}))
	st := memory.NewStore4(true)
	e := engine4(t, st, snapshot4(t, cb, sel), Config{})

	l, err := e.Allocate(ctx, &Context4{HWAddr: hw, ClientID: lease.ClientID{0x01, 0x02}, SubnetID: 7})
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("192.0.2.4"), l.Addr)
	assert.True(t, l.Fixed)

	// other clients never receive the reserved address
	for i := 0; i < 4; i++ {
		o, err := e.Allocate(ctx, &Context4{
			ClientID: lease.ClientID{0x10, byte(i)},
			SubnetID: 7,
		})
		require.NoError(t, err)
		assert.NotEqual(t, l.Addr, o.Addr)
	}
}

func TestDeclineQuarantineAndReclaim(t *testing.T) {
	ctx := context.Background()
	sel := confdb.OneServer("east")
	cb := confdb.NewMemoryBackend(true)
	smallSubnet4(t, cb, sel)
	st := memory.NewStore4(true)
	e := engine4(t, st, snapshot4(t, cb, sel), Config{DeclineQuarantine: time.Second})

	rc := &Context4{ClientID: lease.ClientID{0x01, 0x02}, SubnetID: 7}
	l, err := e.Allocate(ctx, rc)
	require.NoError(t, err)

	require.NoError(t, e.Decline(ctx, l.Addr))
	got, err := st.GetByAddress(ctx, l.Addr, 0)
	require.NoError(t, err)
	assert.Equal(t, lease.StateDeclined, got.State)
	assert.Nil(t, got.ClientID)

	// inside quarantine the address is not expired yet
	expired, err := st.GetExpired(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, expired)

	// age it past quarantine and reclaim
	got.CLTT = time.Now().Add(-2 * time.Second)
	require.NoError(t, st.Update(ctx, got))
	n, err := e.Reclaim(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	after, err := st.GetByAddress(ctx, l.Addr, 0)
	require.NoError(t, err)
	assert.Equal(t, lease.StateExpiredReclaimed, after.State)

	// the address is allocatable again
	back, err := e.Allocate(ctx, &Context4{ClientID: lease.ClientID{0x0a, 0x0b}, RequestedAddr: l.Addr, SubnetID: 7})
	require.NoError(t, err)
	assert.Equal(t, l.Addr, back.Addr)
}

func TestReclaimHorizonPurges(t *testing.T) {
	ctx := context.Background()
	sel := confdb.OneServer("east")
	cb := confdb.NewMemoryBackend(true)
	smallSubnet4(t, cb, sel)
	st := memory.NewStore4(true)
	e := engine4(t, st, snapshot4(t, cb, sel), Config{ReclaimHorizon: time.Minute})

	l := &lease.Lease4{
		Addr:     netip.MustParseAddr("192.0.2.2"),
		ClientID: lease.ClientID{0x01, 0x02},
		ValidLft: 10,
		CLTT:     time.Now().Add(-time.Hour),
		SubnetID: 7,
	}
	ok, err := st.AddLease(ctx, l)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := e.Reclaim(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	gone, err := st.GetByAddress(ctx, l.Addr, 0)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestSharedNetworkSpillover(t *testing.T) {
	ctx := context.Background()
	sel := confdb.OneServer("east")
	cb := confdb.NewMemoryBackend(true)
	// subnet 7 has a single address, subnet 8 catches the overflow
	require.NoError(t, cb.CreateUpdateSubnet4(ctx, sel, &confdb.Subnet4{
		ID:     7,
		Prefix: netip.MustParsePrefix("192.0.2.0/30"),
		Pools: []confdb.Pool{{
			Start: netip.MustParseAddr("192.0.2.1"),
			End:   netip.MustParseAddr("192.0.2.1"),
		}},
		ValidLft: 3600,
	}))
	require.NoError(t, cb.CreateUpdateSubnet4(ctx, sel, &confdb.Subnet4{
		ID:     8,
		Prefix: netip.MustParsePrefix("198.51.100.0/24"),
		Pools: []confdb.Pool{{
			Start: netip.MustParseAddr("198.51.100.10"),
			End:   netip.MustParseAddr("198.51.100.20"),
		}},
		ValidLft: 3600,
	}))
	require.NoError(t, cb.CreateUpdateSharedNetwork4(ctx, sel, &confdb.SharedNetwork4{
		Name:    "floor2",
		Subnets: []lease.SubnetID{7, 8},
	}))
	st := memory.NewStore4(true)
	e := engine4(t, st, snapshot4(t, cb, sel), Config{})

	a, err := e.Allocate(ctx, &Context4{ClientID: lease.ClientID{0x01, 0x01}, SubnetID: 7})
	require.NoError(t, err)
	assert.Equal(t, lease.SubnetID(7), a.SubnetID)

	b, err := e.Allocate(ctx, &Context4{ClientID: lease.ClientID{0x02, 0x02}, SubnetID: 7})
	require.NoError(t, err)
	assert.Equal(t, lease.SubnetID(8), b.SubnetID)
}

func TestDeadlineStopsAllocation(t *testing.T) {
	ctx := context.Background()
	sel := confdb.OneServer("east")
	cb := confdb.NewMemoryBackend(true)
	smallSubnet4(t, cb, sel)
	st := memory.NewStore4(true)
	e := engine4(t, st, snapshot4(t, cb, sel), Config{})

	_, err := e.Allocate(ctx, &Context4{
		ClientID: lease.ClientID{0x01, 0x02},
		SubnetID: 7,
		Deadline: time.Now().Add(-time.Second),
	})
	assert.ErrorIs(t, err, lease.ErrNoAddressAvailable)
}

func TestAllocate6AddressAndPrefix(t *testing.T) {
	ctx := context.Background()
	sel := confdb.OneServer("east")
	cb := confdb.NewMemoryBackend(true)
	require.NoError(t, cb.CreateUpdateSubnet6(ctx, sel, &confdb.Subnet6{
		ID:     11,
		Prefix: netip.MustParsePrefix("2001:db8::/32"),
		Pools: []confdb.Pool{{
			Start: netip.MustParseAddr("2001:db8::100"),
			End:   netip.MustParseAddr("2001:db8::1ff"),
		}},
		PDPools: []confdb.PDPool{{
			Prefix:       netip.MustParsePrefix("2001:db8:1::/48"),
			DelegatedLen: 56,
		}},
		PreferredLft: 1800,
		ValidLft:     3600,
	}))
	st := memory.NewStore6(true)
	e, err := NewEngine6(st, snapshot6(t, cb, sel), Config{})
	require.NoError(t, err)

	duid := lease.DUID{0x00, 0x03, 0x00, 0x01, 0xaa}
	na, err := e.Allocate(ctx, &Context6{DUID: duid, IAID: 1, Type: lease.TypeNA, SubnetID: 11})
	require.NoError(t, err)
	assert.Equal(t, lease.TypeNA, na.Type)
	assert.Equal(t, uint8(128), na.PrefixLen)

	pd, err := e.Allocate(ctx, &Context6{DUID: duid, IAID: 2, Type: lease.TypePD, SubnetID: 11})
	require.NoError(t, err)
	assert.Equal(t, lease.TypePD, pd.Type)
	assert.Equal(t, uint8(56), pd.PrefixLen)
	assert.True(t, netip.MustParsePrefix("2001:db8:1::/48").Contains(pd.Addr))

	// renewing the IA_NA keeps the address
	again, err := e.Allocate(ctx, &Context6{DUID: duid, IAID: 1, Type: lease.TypeNA, SubnetID: 11})
	require.NoError(t, err)
	assert.Equal(t, na.Addr, again.Addr)

	// two clients never share a delegated prefix
	other, err := e.Allocate(ctx, &Context6{DUID: lease.DUID{0x0b}, IAID: 2, Type: lease.TypePD, SubnetID: 11})
	require.NoError(t, err)
	assert.NotEqual(t, pd.Addr, other.Addr)
}

func TestAllocationLivenessUnderContention(t *testing.T) {
	ctx := context.Background()
	sel := confdb.OneServer("east")
	cb := confdb.NewMemoryBackend(true)
	require.NoError(t, cb.CreateUpdateSubnet4(ctx, sel, &confdb.Subnet4{
		ID:     7,
		Prefix: netip.MustParsePrefix("10.0.0.0/16"),
		Pools: []confdb.Pool{{
			Start: netip.MustParseAddr("10.0.1.0"),
			End:   netip.MustParseAddr("10.0.1.31"),
		}},
		ValidLft: 3600,
	}))
	st := memory.NewStore4(true)
	// random picker maximizes collision pressure
	e := engine4(t, st, snapshot4(t, cb, sel), Config{Picker: PickerRandom})

	const clients = 32
	var wg sync.WaitGroup
	errs := make([]error, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.Allocate(ctx, &Context4{
				ClientID: lease.ClientID{0x02, byte(i)},
				SubnetID: 7,
			})
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		assert.NoError(t, err, "client %d", i)
	}
}
