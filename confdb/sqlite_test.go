// Copyright 2018-present the LeaseCore Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package confdb

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leasecore/leasecore/lease"
	"github.com/leasecore/leasecore/stamped"
)

func testSQLite(t *testing.T) *SQLiteBackend {
	t.Helper()
	b, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, b.Close()) })
	return b
}

func TestSQLiteVersionGate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.db")

	b, err := OpenSQLite(path)
	require.NoError(t, err)
	_, err = b.db.Exec("UPDATE schema_version SET major = major + 1")
	require.NoError(t, err)
	require.NoError(t, b.Close())

	_, err = OpenSQLite(path)
	assert.ErrorIs(t, err, lease.ErrDBIncompatible)
}

func TestSQLiteSubnetUpsertAndAudit(t *testing.T) {
	ctx := context.Background()
	b := testSQLite(t)
	sel := OneServer("east")

	s := subnet4(7, "192.0.2.0/24", pool("192.0.2.10", "192.0.2.200"))
	require.NoError(t, b.CreateUpdateSubnet4(ctx, sel, s))
	require.NoError(t, b.CreateUpdateSubnet4(ctx, sel, s))

	got, err := b.GetSubnet4(ctx, sel, 7)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, s.Prefix, got.Prefix)
	assert.Equal(t, s.Pools, got.Pools)

	entries, err := b.GetRecentAuditEntries(ctx, sel, time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, AuditCreate, entries[0].Action)
	assert.Equal(t, AuditUpdate, entries[1].Action)
	assert.Greater(t, entries[1].Revision, entries[0].Revision)

	// selector scoping carries through persistence
	invisible, err := b.GetSubnet4(ctx, OneServer("west"), 7)
	require.NoError(t, err)
	assert.Nil(t, invisible)

	err = b.CreateUpdateSubnet4(ctx, Unassigned(), s)
	assert.ErrorIs(t, err, lease.ErrNotImplemented)
}

func TestSQLiteSubnetDisjointness(t *testing.T) {
	ctx := context.Background()
	b := testSQLite(t)
	sel := OneServer("east")

	require.NoError(t, b.CreateUpdateSubnet4(ctx, sel, subnet4(7, "192.0.2.0/24")))
	err := b.CreateUpdateSubnet4(ctx, sel, subnet4(8, "192.0.2.0/25"))
	assert.ErrorIs(t, err, lease.ErrBadValue)
}

func TestSQLiteGlobalParameterSerialization(t *testing.T) {
	ctx := context.Background()
	b := testSQLite(t)
	sel := AllServers()

	v, err := stamped.New("echo-client-id", true)
	require.NoError(t, err)
	require.NoError(t, b.CreateUpdateGlobalParameter(ctx, sel, v))

	got, err := b.GetGlobalParameter(ctx, OneServer("east"), "echo-client-id")
	require.NoError(t, err)
	require.NotNil(t, got)
	// wire form is true/false, accessor renders 1/0
	assert.Equal(t, "true", got.Value.Text())
	s, err := got.Value.GetString()
	require.NoError(t, err)
	assert.Equal(t, "1", s)

	n, err := b.DeleteGlobalParameter(ctx, sel, "echo-client-id")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = b.DeleteGlobalParameter(ctx, sel, "echo-client-id")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSQLiteScopedOptions(t *testing.T) {
	ctx := context.Background()
	b := testSQLite(t)
	sel := OneServer("east")

	require.NoError(t, b.CreateUpdateOption(ctx, sel, GlobalOption(),
		&OptionDesc{Code: 230, Space: "dhcp4", Value: "global"}))
	require.NoError(t, b.CreateUpdateOption(ctx, sel, SubnetOption(7),
		&OptionDesc{Code: 230, Space: "dhcp4", Value: "subnet"}))

	got, err := b.GetOption(ctx, sel, SubnetOption(7), 230, "dhcp4")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "subnet", got.Value)

	mods, err := b.GetModifiedOptions(ctx, sel, time.Time{})
	require.NoError(t, err)
	require.Len(t, mods, 2)
	assert.Equal(t, ScopeGlobal, mods[0].Key.Scope)
	assert.Equal(t, ScopeSubnet, mods[1].Key.Scope)

	n, err := b.DeleteAllOptions(ctx, sel, SubnetOption(7))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	left, err := b.GetOptions(ctx, sel, GlobalOption())
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestSQLiteBatchAllOrNone(t *testing.T) {
	ctx := context.Background()
	b := testSQLite(t)
	sel := OneServer("east")
	boom := errors.New("boom")

	mark := time.Now()
	err := b.Batch(ctx, func() error {
		if err := b.CreateUpdateSubnet4(ctx, sel, subnet4(7, "192.0.2.0/24")); err != nil {
			return err
		}
		if err := b.CreateUpdateSubnet4(ctx, sel, subnet4(8, "198.51.100.0/24")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	// nothing of the failed batch is visible
	mods, err := b.GetModifiedSubnets4(ctx, sel, mark)
	require.NoError(t, err)
	assert.Empty(t, mods)
	entries, err := b.GetRecentAuditEntries(ctx, sel, mark)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// and a successful batch lands whole
	err = b.Batch(ctx, func() error {
		if err := b.CreateUpdateSubnet4(ctx, sel, subnet4(7, "192.0.2.0/24")); err != nil {
			return err
		}
		return b.CreateUpdateSubnet4(ctx, sel, subnet4(8, "198.51.100.0/24"))
	})
	require.NoError(t, err)
	mods, err = b.GetModifiedSubnets4(ctx, sel, mark)
	require.NoError(t, err)
	assert.Len(t, mods, 2)
}

func TestSQLiteHosts(t *testing.T) {
	ctx := context.Background()
	b := testSQLite(t)
	sel := OneServer("east")

	h := &HostReservation{
		SubnetID:       7,
		IdentifierType: "hw-address",
		Identifier:     []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		Addr:           addr("192.0.2.50"),
		Hostname:       "printer",
	}
	require.NoError(t, b.CreateUpdateHost(ctx, sel, h))

	got, err := b.GetHost(ctx, sel, 7, "hw-address", h.Identifier)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, h.Addr, got.Addr)

	bySubnet, err := b.GetHostsBySubnet(ctx, sel, 7)
	require.NoError(t, err)
	assert.Len(t, bySubnet, 1)

	n, err := b.DeleteHost(ctx, sel, 7, "hw-address", h.Identifier)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
