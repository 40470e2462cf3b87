// Copyright 2018-present the LeaseCore Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
server-tag: dhcp-east
multi-threading: true
dhcp4: {}
dhcp6: {}
lease-database:
  type: sqlite
  name: /var/lib/leasecore/leases.db
config-database:
  type: sqlite
  name: /var/lib/leasecore/config.db
allocator: hashed
allocation-retries: 20
config-fetch-wait-time: 3s
decline-probation-period: 120
`)
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "dhcp-east", c.ServerTag)
	assert.True(t, c.MultiThreaded)
	assert.True(t, c.EnableV4)
	assert.True(t, c.EnableV6)
	assert.Equal(t, BackendConfig{Kind: "sqlite", DSN: "/var/lib/leasecore/leases.db"}, c.LeaseBackend)
	assert.Equal(t, "hashed", c.Allocator)
	assert.Equal(t, 20, c.RetryLimit)
	assert.Equal(t, 3*time.Second, c.AuditPollInterval)
	// bare numbers are seconds
	assert.Equal(t, 2*time.Minute, c.DeclineQuarantine)
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load(writeConfig(t, "dhcp4: {}\n"))
	require.NoError(t, err)
	assert.False(t, c.EnableV6)
	assert.Equal(t, "memory", c.LeaseBackend.Kind)
	assert.Equal(t, "memory", c.ConfigBackend.Kind)
	assert.Equal(t, 5*time.Second, c.AuditPollInterval)
	assert.Equal(t, time.Hour, c.ReclaimHorizon)
}

func TestLoadRejectsBadBackends(t *testing.T) {
	_, err := Load(writeConfig(t, `
dhcp4: {}
lease-database:
  type: oracle
  name: whatever
`))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, `
dhcp4: {}
lease-database:
  type: sqlite
`))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "server-tag: x\n"))
	assert.Error(t, err)
}
