// Copyright 2018-present the LeaseCore Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package lease

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/iana"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validLease4(t *testing.T) *Lease4 {
	t.Helper()
	hw, err := net.ParseMAC("00:11:22:33:44:55")
	require.NoError(t, err)
	return &Lease4{
		Addr:     netip.MustParseAddr("192.0.2.3"),
		HWAddr:   &HWAddr{Type: iana.HWTypeEthernet, Addr: hw},
		ClientID: ClientID{0x01, 0x02, 0x03},
		ValidLft: 3600,
		T1:       900,
		T2:       1800,
		CLTT:     time.Now(),
		SubnetID: 7,
	}
}

func TestLease4Validation(t *testing.T) {
	l := validLease4(t)
	require.NoError(t, l.Valid())

	t.Run("timer ordering", func(t *testing.T) {
		bad := validLease4(t)
		bad.T1, bad.T2 = 1800, 900
		assert.ErrorIs(t, bad.Valid(), ErrBadValue)

		bad = validLease4(t)
		bad.T2 = 7200
		assert.ErrorIs(t, bad.Valid(), ErrBadValue)

		// zero timers are always fine
		ok := validLease4(t)
		ok.T1, ok.T2 = 0, 0
		assert.NoError(t, ok.Valid())
	})

	t.Run("identifier bounds", func(t *testing.T) {
		bad := validLease4(t)
		bad.ClientID = ClientID{0x01}
		assert.ErrorIs(t, bad.Valid(), ErrBadValue)

		bad = validLease4(t)
		bad.HWAddr = &HWAddr{Addr: make([]byte, 21)}
		assert.ErrorIs(t, bad.Valid(), ErrBadValue)
	})

	t.Run("reserved subnet id", func(t *testing.T) {
		bad := validLease4(t)
		bad.SubnetID = 0
		assert.ErrorIs(t, bad.Valid(), ErrBadValue)
	})

	t.Run("family", func(t *testing.T) {
		bad := validLease4(t)
		bad.Addr = netip.MustParseAddr("2001:db8::1")
		assert.ErrorIs(t, bad.Valid(), ErrBadValue)
	})
}

func TestExpiry(t *testing.T) {
	l := validLease4(t)
	l.CLTT = time.Unix(1700000000, 0)
	l.ValidLft = 600
	assert.Equal(t, time.Unix(1700000600, 0), l.Expiry())
	assert.False(t, l.Expired(time.Unix(1700000599, 0)))
	assert.True(t, l.Expired(time.Unix(1700000600, 0)))

	// released leases expire immediately
	l.ValidLft = 0
	assert.True(t, l.Expired(l.CLTT))
}

func TestCloneIsDeep(t *testing.T) {
	l := validLease4(t)
	l.UserContext = map[string]any{"comment": "lab"}
	c := l.Clone()

	c.HWAddr.Addr[0] = 0xff
	c.ClientID[0] = 0xff
	c.UserContext["comment"] = "changed"

	assert.Equal(t, byte(0x00), l.HWAddr.Addr[0])
	assert.Equal(t, byte(0x01), l.ClientID[0])
	assert.Equal(t, "lab", l.UserContext["comment"])
}

func TestLease6Validation(t *testing.T) {
	l := &Lease6{
		Addr:      netip.MustParseAddr("2001:db8::"),
		PrefixLen: 56,
		Type:      TypePD,
		DUID:      DUID{0x00, 0x01},
		IAID:      1,
		ValidLft:  3600,
		CLTT:      time.Now(),
		SubnetID:  11,
	}
	require.NoError(t, l.Valid())

	bad := *l
	bad.PrefixLen = 128
	assert.ErrorIs(t, bad.Valid(), ErrBadValue)

	bad = *l
	bad.Type = TypeNA
	assert.ErrorIs(t, bad.Valid(), ErrBadValue)

	bad = *l
	bad.PreferredLft = 7200
	assert.ErrorIs(t, bad.Valid(), ErrBadValue)
}

func TestStateLiveness(t *testing.T) {
	assert.True(t, StateDefault.Live())
	assert.True(t, StateDeclined.Live())
	assert.False(t, StateExpiredReclaimed.Live())
}

func TestCanonicalHostname(t *testing.T) {
	assert.Equal(t, "printer.example.org", CanonicalHostname("Printer.Example.ORG"))
}
