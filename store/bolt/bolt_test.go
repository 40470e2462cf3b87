// Copyright 2018-present the LeaseCore Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package bolt

import (
	"context"
	"encoding/json"
	"net"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/iana"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bbolt "go.etcd.io/bbolt"

	"github.com/leasecore/leasecore/lease"
	"github.com/leasecore/leasecore/store"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "leases.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	return db
}

func sample4(t *testing.T, addr string) *lease.Lease4 {
	t.Helper()
	hw, err := net.ParseMAC("00:11:22:33:44:55")
	require.NoError(t, err)
	return &lease.Lease4{
		Addr:     netip.MustParseAddr(addr),
		HWAddr:   &lease.HWAddr{Type: iana.HWTypeEthernet, Addr: hw},
		ClientID: lease.ClientID{0x01, 0x02, 0x03},
		ValidLft: 3600,
		CLTT:     time.Now(),
		SubnetID: 7,
		Hostname: "Desk.Example.ORG",
	}
}

func TestLease4Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := testDB(t).Leases4()

	l := sample4(t, "192.0.2.3")
	ok, err := s.AddLease(ctx, l)
	require.NoError(t, err)
	require.True(t, ok)

	// live conflict
	ok, err = s.AddLease(ctx, sample4(t, "192.0.2.3"))
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetByAddress(ctx, l.Addr, 7)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "desk.example.org", got.Hostname)
	assert.Equal(t, l.ClientID, got.ClientID)

	byHW, err := s.GetByHWAddr(ctx, *l.HWAddr, 0)
	require.NoError(t, err)
	assert.Len(t, byHW, 1)

	l.State = lease.StateExpiredReclaimed
	require.NoError(t, s.Update(ctx, l))
	ok, err = s.AddLease(ctx, sample4(t, "192.0.2.3"))
	require.NoError(t, err)
	assert.True(t, ok)

	removed, err := s.DeleteByAddress(ctx, l.Addr)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = s.DeleteByAddress(ctx, l.Addr)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestLease6TypeDistinguishesKeys(t *testing.T) {
	ctx := context.Background()
	s := testDB(t).Leases6()

	pd := &lease.Lease6{
		Addr: netip.MustParseAddr("2001:db8::"), PrefixLen: 56, Type: lease.TypePD,
		DUID: lease.DUID{0x01}, IAID: 1, ValidLft: 3600, CLTT: time.Now(), SubnetID: 11,
	}
	na := &lease.Lease6{
		Addr: netip.MustParseAddr("2001:db8::"), PrefixLen: 128, Type: lease.TypeNA,
		DUID: lease.DUID{0x01}, IAID: 1, ValidLft: 3600, CLTT: time.Now(), SubnetID: 11,
	}
	for _, l := range []*lease.Lease6{pd, na} {
		ok, err := s.AddLease(ctx, l)
		require.NoError(t, err)
		require.True(t, ok)
	}

	byDUID, err := s.GetByDUID(ctx, lease.DUID{0x01}, 1, 11)
	require.NoError(t, err)
	assert.Len(t, byDUID, 2)

	got, err := s.GetByAddress(ctx, lease.TypePD, pd.Addr, 0)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, uint8(56), got.PrefixLen)
}

func TestVersionGate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leases.db")
	db, err := Open(path)
	require.NoError(t, err)

	// rewrite the stamp with a bumped major
	err = db.db.Update(func(tx *bbolt.Tx) error {
		raw, err := json.Marshal(store.Version{Major: expectedVersion.Major + 1})
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put(keyVersion, raw)
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Open(path)
	assert.ErrorIs(t, err, lease.ErrDBIncompatible)
}
