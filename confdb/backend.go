// Copyright 2018-present the LeaseCore Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package confdb

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/leasecore/leasecore/lease"
	"github.com/leasecore/leasecore/stamped"
	"github.com/leasecore/leasecore/store"
)

// Observer receives the audit entries produced by each committed write.
type Observer func(entries []AuditEntry)

// Backend is the surface shared by both per-family configuration
// backends: selector-scoped entities common to v4 and v6, the audit log
// and change observation.
//
// Every create/update is an upsert keyed by the entity's natural key and
// commits atomically with exactly one audit entry. Deletes return the
// number of rows removed; removing nothing is a zero count, never an
// error. Writes reject the unassigned selector (ErrNotImplemented) and
// the any-server selector (ErrInvalidParameter); reads reject only
// unassigned.
type Backend interface {
	Name() string
	Description() string
	Version(ctx context.Context) (store.Version, error)
	Close() error

	GetOptionDef(ctx context.Context, sel ServerSelector, code uint16, space string) (*OptionDef, error)
	GetAllOptionDefs(ctx context.Context, sel ServerSelector) ([]*OptionDef, error)
	GetModifiedOptionDefs(ctx context.Context, sel ServerSelector, since time.Time) ([]*OptionDef, error)
	CreateUpdateOptionDef(ctx context.Context, sel ServerSelector, def *OptionDef) error
	DeleteOptionDef(ctx context.Context, sel ServerSelector, code uint16, space string) (int, error)
	DeleteAllOptionDefs(ctx context.Context, sel ServerSelector) (int, error)

	// Options attach to one of five scopes, addressed by an OptionKey.
	GetOption(ctx context.Context, sel ServerSelector, key OptionKey, code uint16, space string) (*OptionDesc, error)
	GetOptions(ctx context.Context, sel ServerSelector, key OptionKey) ([]*OptionDesc, error)
	GetModifiedOptions(ctx context.Context, sel ServerSelector, since time.Time) ([]ScopedOption, error)
	CreateUpdateOption(ctx context.Context, sel ServerSelector, key OptionKey, opt *OptionDesc) error
	DeleteOption(ctx context.Context, sel ServerSelector, key OptionKey, code uint16, space string) (int, error)
	DeleteAllOptions(ctx context.Context, sel ServerSelector, key OptionKey) (int, error)

	GetGlobalParameter(ctx context.Context, sel ServerSelector, name string) (*GlobalParameter, error)
	GetAllGlobalParameters(ctx context.Context, sel ServerSelector) ([]*GlobalParameter, error)
	GetModifiedGlobalParameters(ctx context.Context, sel ServerSelector, since time.Time) ([]*GlobalParameter, error)
	CreateUpdateGlobalParameter(ctx context.Context, sel ServerSelector, value *stamped.Value) error
	DeleteGlobalParameter(ctx context.Context, sel ServerSelector, name string) (int, error)
	DeleteAllGlobalParameters(ctx context.Context, sel ServerSelector) (int, error)

	GetHost(ctx context.Context, sel ServerSelector, subnet lease.SubnetID, idType string, id []byte) (*HostReservation, error)
	GetHostsBySubnet(ctx context.Context, sel ServerSelector, subnet lease.SubnetID) ([]*HostReservation, error)
	CreateUpdateHost(ctx context.Context, sel ServerSelector, host *HostReservation) error
	DeleteHost(ctx context.Context, sel ServerSelector, subnet lease.SubnetID, idType string, id []byte) (int, error)

	// GetRecentAuditEntries returns entries strictly after `since`,
	// ordered by (timestamp, revision).
	GetRecentAuditEntries(ctx context.Context, sel ServerSelector, since time.Time) ([]AuditEntry, error)

	// RegisterObserver subscribes a callback to committed audit batches.
	// A nil callback fails with ErrInvalidParameter. The returned handle
	// unregisters via UnregisterObserver.
	RegisterObserver(cb Observer) (uuid.UUID, error)
	UnregisterObserver(handle uuid.UUID)
}

// Backend4 adds the IPv4 family entities.
type Backend4 interface {
	Backend

	GetSubnet4(ctx context.Context, sel ServerSelector, id lease.SubnetID) (*Subnet4, error)
	GetAllSubnets4(ctx context.Context, sel ServerSelector) ([]*Subnet4, error)
	GetModifiedSubnets4(ctx context.Context, sel ServerSelector, since time.Time) ([]*Subnet4, error)
	CreateUpdateSubnet4(ctx context.Context, sel ServerSelector, subnet *Subnet4) error
	DeleteSubnet4(ctx context.Context, sel ServerSelector, id lease.SubnetID) (int, error)
	DeleteAllSubnets4(ctx context.Context, sel ServerSelector) (int, error)

	GetSharedNetwork4(ctx context.Context, sel ServerSelector, name string) (*SharedNetwork4, error)
	GetAllSharedNetworks4(ctx context.Context, sel ServerSelector) ([]*SharedNetwork4, error)
	GetModifiedSharedNetworks4(ctx context.Context, sel ServerSelector, since time.Time) ([]*SharedNetwork4, error)
	CreateUpdateSharedNetwork4(ctx context.Context, sel ServerSelector, network *SharedNetwork4) error
	DeleteSharedNetwork4(ctx context.Context, sel ServerSelector, name string) (int, error)
	DeleteAllSharedNetworks4(ctx context.Context, sel ServerSelector) (int, error)
}

// Backend6 adds the IPv6 family entities.
type Backend6 interface {
	Backend

	GetSubnet6(ctx context.Context, sel ServerSelector, id lease.SubnetID) (*Subnet6, error)
	GetAllSubnets6(ctx context.Context, sel ServerSelector) ([]*Subnet6, error)
	GetModifiedSubnets6(ctx context.Context, sel ServerSelector, since time.Time) ([]*Subnet6, error)
	CreateUpdateSubnet6(ctx context.Context, sel ServerSelector, subnet *Subnet6) error
	DeleteSubnet6(ctx context.Context, sel ServerSelector, id lease.SubnetID) (int, error)
	DeleteAllSubnets6(ctx context.Context, sel ServerSelector) (int, error)

	GetSharedNetwork6(ctx context.Context, sel ServerSelector, name string) (*SharedNetwork6, error)
	GetAllSharedNetworks6(ctx context.Context, sel ServerSelector) ([]*SharedNetwork6, error)
	GetModifiedSharedNetworks6(ctx context.Context, sel ServerSelector, since time.Time) ([]*SharedNetwork6, error)
	CreateUpdateSharedNetwork6(ctx context.Context, sel ServerSelector, network *SharedNetwork6) error
	DeleteSharedNetwork6(ctx context.Context, sel ServerSelector, name string) (int, error)
	DeleteAllSharedNetworks6(ctx context.Context, sel ServerSelector) (int, error)
}

// Audit object type names.
const (
	ObjectSubnet4         = "subnet4"
	ObjectSubnet6         = "subnet6"
	ObjectSharedNetwork4  = "shared-network4"
	ObjectSharedNetwork6  = "shared-network6"
	ObjectOptionDef       = "option-def"
	ObjectOption          = "option"
	ObjectGlobalParameter = "global-parameter"
	ObjectHostReservation = "host-reservation"
)
