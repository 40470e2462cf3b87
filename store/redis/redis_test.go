// Copyright 2018-present the LeaseCore Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package redis

import (
	"fmt"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/iana"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leasecore/leasecore/lease"
)

// fieldsToMap converts the HSET argument list (key, f1, v1, f2, v2, ...)
// into the map shape HGETALL returns.
func fieldsToMap(t *testing.T, args []any) map[string]string {
	t.Helper()
	require.True(t, len(args) >= 3 && len(args)%2 == 1)
	m := make(map[string]string)
	for i := 1; i < len(args); i += 2 {
		field, ok := args[i].(string)
		require.True(t, ok)
		m[field] = fmt.Sprint(args[i+1])
	}
	return m
}

func TestLease4HashRoundTrip(t *testing.T) {
	hw, err := net.ParseMAC("00:11:22:33:44:55")
	require.NoError(t, err)
	in := &lease.Lease4{
		Addr:        netip.MustParseAddr("192.0.2.3"),
		HWAddr:      &lease.HWAddr{Type: iana.HWTypeEthernet, Addr: hw},
		ClientID:    lease.ClientID{0x01, 0x02, 0x03},
		ValidLft:    3600,
		T1:          900,
		T2:          1800,
		CLTT:        time.Unix(1700000000, 0),
		SubnetID:    7,
		Hostname:    "desk.example.org",
		FQDNFwd:     true,
		State:       lease.StateDefault,
		UserContext: map[string]any{"comment": "lab"},
		ModifiedAt:  time.Unix(0, 1700000000123456789),
	}

	out, err := parse4(fieldsToMap(t, fields4(in)))
	require.NoError(t, err)
	assert.Equal(t, in.Addr, out.Addr)
	assert.Equal(t, in.HWAddr.Addr, out.HWAddr.Addr)
	assert.Equal(t, in.HWAddr.Type, out.HWAddr.Type)
	assert.Equal(t, in.ClientID, out.ClientID)
	assert.Equal(t, in.ValidLft, out.ValidLft)
	assert.Equal(t, in.CLTT.Unix(), out.CLTT.Unix())
	assert.Equal(t, in.SubnetID, out.SubnetID)
	assert.True(t, out.FQDNFwd)
	assert.False(t, out.FQDNRev)
	assert.Equal(t, in.UserContext, out.UserContext)
	assert.Equal(t, in.ModifiedAt.UnixNano(), out.ModifiedAt.UnixNano())
}

func TestLease6HashRoundTrip(t *testing.T) {
	in := &lease.Lease6{
		Addr:         netip.MustParseAddr("2001:db8::"),
		PrefixLen:    56,
		Type:         lease.TypePD,
		DUID:         lease.DUID{0x00, 0x03, 0x00, 0x01},
		IAID:         42,
		PreferredLft: 1800,
		ValidLft:     3600,
		CLTT:         time.Unix(1700000000, 0),
		SubnetID:     11,
		State:        lease.StateDeclined,
		ModifiedAt:   time.Unix(0, 1700000000123456789),
	}

	out, err := parse6(fieldsToMap(t, fields6(in)))
	require.NoError(t, err)
	assert.Equal(t, in.Addr, out.Addr)
	assert.Equal(t, in.Type, out.Type)
	assert.Equal(t, in.PrefixLen, out.PrefixLen)
	assert.Equal(t, in.DUID, out.DUID)
	assert.Equal(t, in.IAID, out.IAID)
	assert.Equal(t, lease.StateDeclined, out.State)
}

func TestMember6Parsing(t *testing.T) {
	typ, addr, err := parseMember6(member6(lease.TypePD, netip.MustParseAddr("2001:db8::")))
	require.NoError(t, err)
	assert.Equal(t, lease.TypePD, typ)
	assert.Equal(t, netip.MustParseAddr("2001:db8::"), addr)

	_, _, err = parseMember6("garbage")
	assert.ErrorIs(t, err, lease.ErrDBOperation)
}
