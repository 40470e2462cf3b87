// Copyright 2018-present the LeaseCore Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package confdb

import (
	"context"
	"fmt"
	"time"

	"github.com/leasecore/leasecore/lease"
	"github.com/leasecore/leasecore/stamped"
)

// --- subnets, v4 ---

// GetSubnet4 implements Backend4.
func (b *SQLiteBackend) GetSubnet4(ctx context.Context, sel ServerSelector, id lease.SubnetID) (*Subnet4, error) {
	return sqlGet[Subnet4](b, ctx, sel, ObjectSubnet4, subnetKey(id))
}

// GetAllSubnets4 implements Backend4.
func (b *SQLiteBackend) GetAllSubnets4(ctx context.Context, sel ServerSelector) ([]*Subnet4, error) {
	return sqlAll[Subnet4](b, ctx, sel, ObjectSubnet4)
}

// GetModifiedSubnets4 implements Backend4.
func (b *SQLiteBackend) GetModifiedSubnets4(ctx context.Context, sel ServerSelector, since time.Time) ([]*Subnet4, error) {
	return sqlModified[Subnet4](b, ctx, sel, ObjectSubnet4, since)
}

// CreateUpdateSubnet4 implements Backend4.
func (b *SQLiteBackend) CreateUpdateSubnet4(ctx context.Context, sel ServerSelector, subnet *Subnet4) error {
	if err := subnet.Valid(); err != nil {
		return err
	}
	stamp, err := b.upsert(ctx, sel, ObjectSubnet4, subnetKey(subnet.ID),
		func(stamp time.Time) any {
			doc := *subnet
			doc.ServerTags = sel.Tags()
			doc.ModifiedAt = stamp
			return &doc
		},
		func(ctx context.Context, run runner) error {
			rows, err := b.fetchWhere(ctx, run,
				"SELECT object_key, doc, tags, modified_at FROM config_entities WHERE object_type = ?", ObjectSubnet4)
			if err != nil {
				return err
			}
			for _, row := range rows {
				other, err := decodeDoc[Subnet4](ObjectSubnet4, row.doc)
				if err != nil {
					return err
				}
				if other.ID != subnet.ID && tagsIntersect(row.tags, sel.Tags()) && other.Prefix.Overlaps(subnet.Prefix) {
					return fmt.Errorf("%w: subnet4 %s overlaps subnet %d (%s)",
						lease.ErrBadValue, subnet.Prefix, other.ID, other.Prefix)
				}
			}
			return nil
		})
	if err != nil {
		return err
	}
	subnet.ServerTags = sel.Tags()
	subnet.ModifiedAt = stamp
	return nil
}

// DeleteSubnet4 implements Backend4.
func (b *SQLiteBackend) DeleteSubnet4(ctx context.Context, sel ServerSelector, id lease.SubnetID) (int, error) {
	return b.deleteKey(ctx, sel, ObjectSubnet4, subnetKey(id))
}

// DeleteAllSubnets4 implements Backend4.
func (b *SQLiteBackend) DeleteAllSubnets4(ctx context.Context, sel ServerSelector) (int, error) {
	return b.deleteAllKeys(ctx, sel, ObjectSubnet4, "")
}

// --- subnets, v6 ---

// GetSubnet6 implements Backend6.
func (b *SQLiteBackend) GetSubnet6(ctx context.Context, sel ServerSelector, id lease.SubnetID) (*Subnet6, error) {
	return sqlGet[Subnet6](b, ctx, sel, ObjectSubnet6, subnetKey(id))
}

// GetAllSubnets6 implements Backend6.
func (b *SQLiteBackend) GetAllSubnets6(ctx context.Context, sel ServerSelector) ([]*Subnet6, error) {
	return sqlAll[Subnet6](b, ctx, sel, ObjectSubnet6)
}

// GetModifiedSubnets6 implements Backend6.
func (b *SQLiteBackend) GetModifiedSubnets6(ctx context.Context, sel ServerSelector, since time.Time) ([]*Subnet6, error) {
	return sqlModified[Subnet6](b, ctx, sel, ObjectSubnet6, since)
}

// CreateUpdateSubnet6 implements Backend6.
func (b *SQLiteBackend) CreateUpdateSubnet6(ctx context.Context, sel ServerSelector, subnet *Subnet6) error {
	if err := subnet.Valid(); err != nil {
		return err
	}
	stamp, err := b.upsert(ctx, sel, ObjectSubnet6, subnetKey(subnet.ID),
		func(stamp time.Time) any {
			doc := *subnet
			doc.ServerTags = sel.Tags()
			doc.ModifiedAt = stamp
			return &doc
		},
		func(ctx context.Context, run runner) error {
			rows, err := b.fetchWhere(ctx, run,
				"SELECT object_key, doc, tags, modified_at FROM config_entities WHERE object_type = ?", ObjectSubnet6)
			if err != nil {
				return err
			}
			for _, row := range rows {
				other, err := decodeDoc[Subnet6](ObjectSubnet6, row.doc)
				if err != nil {
					return err
				}
				if other.ID != subnet.ID && tagsIntersect(row.tags, sel.Tags()) && other.Prefix.Overlaps(subnet.Prefix) {
					return fmt.Errorf("%w: subnet6 %s overlaps subnet %d (%s)",
						lease.ErrBadValue, subnet.Prefix, other.ID, other.Prefix)
				}
			}
			return nil
		})
	if err != nil {
		return err
	}
	subnet.ServerTags = sel.Tags()
	subnet.ModifiedAt = stamp
	return nil
}

// DeleteSubnet6 implements Backend6.
func (b *SQLiteBackend) DeleteSubnet6(ctx context.Context, sel ServerSelector, id lease.SubnetID) (int, error) {
	return b.deleteKey(ctx, sel, ObjectSubnet6, subnetKey(id))
}

// DeleteAllSubnets6 implements Backend6.
func (b *SQLiteBackend) DeleteAllSubnets6(ctx context.Context, sel ServerSelector) (int, error) {
	return b.deleteAllKeys(ctx, sel, ObjectSubnet6, "")
}

// --- shared networks ---

// GetSharedNetwork4 implements Backend4.
func (b *SQLiteBackend) GetSharedNetwork4(ctx context.Context, sel ServerSelector, name string) (*SharedNetwork4, error) {
	return sqlGet[SharedNetwork4](b, ctx, sel, ObjectSharedNetwork4, name)
}

// GetAllSharedNetworks4 implements Backend4.
func (b *SQLiteBackend) GetAllSharedNetworks4(ctx context.Context, sel ServerSelector) ([]*SharedNetwork4, error) {
	return sqlAll[SharedNetwork4](b, ctx, sel, ObjectSharedNetwork4)
}

// GetModifiedSharedNetworks4 implements Backend4.
func (b *SQLiteBackend) GetModifiedSharedNetworks4(ctx context.Context, sel ServerSelector, since time.Time) ([]*SharedNetwork4, error) {
	return sqlModified[SharedNetwork4](b, ctx, sel, ObjectSharedNetwork4, since)
}

// CreateUpdateSharedNetwork4 implements Backend4.
func (b *SQLiteBackend) CreateUpdateSharedNetwork4(ctx context.Context, sel ServerSelector, network *SharedNetwork4) error {
	if network.Name == "" {
		return fmt.Errorf("%w: shared network needs a name", lease.ErrBadValue)
	}
	stamp, err := b.upsert(ctx, sel, ObjectSharedNetwork4, network.Name,
		func(stamp time.Time) any {
			doc := *network
			doc.ServerTags = sel.Tags()
			doc.ModifiedAt = stamp
			return &doc
		},
		func(ctx context.Context, run runner) error {
			rows, err := b.fetchWhere(ctx, run,
				"SELECT object_key, doc, tags, modified_at FROM config_entities WHERE object_type = ?", ObjectSharedNetwork4)
			if err != nil {
				return err
			}
			for _, row := range rows {
				other, err := decodeDoc[SharedNetwork4](ObjectSharedNetwork4, row.doc)
				if err != nil {
					return err
				}
				if other.Name == network.Name || !tagsIntersect(row.tags, sel.Tags()) {
					continue
				}
				for _, owned := range other.Subnets {
					for _, want := range network.Subnets {
						if owned == want {
							return fmt.Errorf("%w: subnet %d already belongs to shared network %q",
								lease.ErrBadValue, want, other.Name)
						}
					}
				}
			}
			return nil
		})
	if err != nil {
		return err
	}
	network.ServerTags = sel.Tags()
	network.ModifiedAt = stamp
	return nil
}

// DeleteSharedNetwork4 implements Backend4.
func (b *SQLiteBackend) DeleteSharedNetwork4(ctx context.Context, sel ServerSelector, name string) (int, error) {
	return b.deleteKey(ctx, sel, ObjectSharedNetwork4, name)
}

// DeleteAllSharedNetworks4 implements Backend4.
func (b *SQLiteBackend) DeleteAllSharedNetworks4(ctx context.Context, sel ServerSelector) (int, error) {
	return b.deleteAllKeys(ctx, sel, ObjectSharedNetwork4, "")
}

// GetSharedNetwork6 implements Backend6.
func (b *SQLiteBackend) GetSharedNetwork6(ctx context.Context, sel ServerSelector, name string) (*SharedNetwork6, error) {
	return sqlGet[SharedNetwork6](b, ctx, sel, ObjectSharedNetwork6, name)
}

// GetAllSharedNetworks6 implements Backend6.
func (b *SQLiteBackend) GetAllSharedNetworks6(ctx context.Context, sel ServerSelector) ([]*SharedNetwork6, error) {
	return sqlAll[SharedNetwork6](b, ctx, sel, ObjectSharedNetwork6)
}

// GetModifiedSharedNetworks6 implements Backend6.
func (b *SQLiteBackend) GetModifiedSharedNetworks6(ctx context.Context, sel ServerSelector, since time.Time) ([]*SharedNetwork6, error) {
	return sqlModified[SharedNetwork6](b, ctx, sel, ObjectSharedNetwork6, since)
}

// CreateUpdateSharedNetwork6 implements Backend6.
func (b *SQLiteBackend) CreateUpdateSharedNetwork6(ctx context.Context, sel ServerSelector, network *SharedNetwork6) error {
	if network.Name == "" {
		return fmt.Errorf("%w: shared network needs a name", lease.ErrBadValue)
	}
	stamp, err := b.upsert(ctx, sel, ObjectSharedNetwork6, network.Name,
		func(stamp time.Time) any {
			doc := *network
			doc.ServerTags = sel.Tags()
			doc.ModifiedAt = stamp
			return &doc
		},
		func(ctx context.Context, run runner) error {
			rows, err := b.fetchWhere(ctx, run,
				"SELECT object_key, doc, tags, modified_at FROM config_entities WHERE object_type = ?", ObjectSharedNetwork6)
			if err != nil {
				return err
			}
			for _, row := range rows {
				other, err := decodeDoc[SharedNetwork6](ObjectSharedNetwork6, row.doc)
				if err != nil {
					return err
				}
				if other.Name == network.Name || !tagsIntersect(row.tags, sel.Tags()) {
					continue
				}
				for _, owned := range other.Subnets {
					for _, want := range network.Subnets {
						if owned == want {
							return fmt.Errorf("%w: subnet %d already belongs to shared network %q",
								lease.ErrBadValue, want, other.Name)
						}
					}
				}
			}
			return nil
		})
	if err != nil {
		return err
	}
	network.ServerTags = sel.Tags()
	network.ModifiedAt = stamp
	return nil
}

// DeleteSharedNetwork6 implements Backend6.
func (b *SQLiteBackend) DeleteSharedNetwork6(ctx context.Context, sel ServerSelector, name string) (int, error) {
	return b.deleteKey(ctx, sel, ObjectSharedNetwork6, name)
}

// DeleteAllSharedNetworks6 implements Backend6.
func (b *SQLiteBackend) DeleteAllSharedNetworks6(ctx context.Context, sel ServerSelector) (int, error) {
	return b.deleteAllKeys(ctx, sel, ObjectSharedNetwork6, "")
}

// --- option definitions ---

// GetOptionDef implements Backend.
func (b *SQLiteBackend) GetOptionDef(ctx context.Context, sel ServerSelector, code uint16, space string) (*OptionDef, error) {
	return sqlGet[OptionDef](b, ctx, sel, ObjectOptionDef, optionDefKey(code, space))
}

// GetAllOptionDefs implements Backend.
func (b *SQLiteBackend) GetAllOptionDefs(ctx context.Context, sel ServerSelector) ([]*OptionDef, error) {
	return sqlAll[OptionDef](b, ctx, sel, ObjectOptionDef)
}

// GetModifiedOptionDefs implements Backend.
func (b *SQLiteBackend) GetModifiedOptionDefs(ctx context.Context, sel ServerSelector, since time.Time) ([]*OptionDef, error) {
	return sqlModified[OptionDef](b, ctx, sel, ObjectOptionDef, since)
}

// CreateUpdateOptionDef implements Backend.
func (b *SQLiteBackend) CreateUpdateOptionDef(ctx context.Context, sel ServerSelector, def *OptionDef) error {
	if def.Space == "" {
		return fmt.Errorf("%w: option definition needs a space", lease.ErrBadValue)
	}
	if def.Code <= stdOptionCodeMax {
		return fmt.Errorf("%w: code %d is inside the standard option range", lease.ErrBadValue, def.Code)
	}
	stamp, err := b.upsert(ctx, sel, ObjectOptionDef, optionDefKey(def.Code, def.Space),
		func(stamp time.Time) any {
			doc := *def
			doc.ServerTags = sel.Tags()
			doc.ModifiedAt = stamp
			return &doc
		}, nil)
	if err != nil {
		return err
	}
	def.ServerTags = sel.Tags()
	def.ModifiedAt = stamp
	return nil
}

// DeleteOptionDef implements Backend.
func (b *SQLiteBackend) DeleteOptionDef(ctx context.Context, sel ServerSelector, code uint16, space string) (int, error) {
	return b.deleteKey(ctx, sel, ObjectOptionDef, optionDefKey(code, space))
}

// DeleteAllOptionDefs implements Backend.
func (b *SQLiteBackend) DeleteAllOptionDefs(ctx context.Context, sel ServerSelector) (int, error) {
	return b.deleteAllKeys(ctx, sel, ObjectOptionDef, "")
}

// --- scoped options ---

func scopedOptionKey(key OptionKey, code uint16, space string) string {
	return key.storageKey() + "/" + optionDefKey(code, space)
}

// GetOption implements Backend.
func (b *SQLiteBackend) GetOption(ctx context.Context, sel ServerSelector, key OptionKey, code uint16, space string) (*OptionDesc, error) {
	if err := key.Valid(); err != nil {
		return nil, err
	}
	scoped, err := sqlGet[ScopedOption](b, ctx, sel, ObjectOption, scopedOptionKey(key, code, space))
	if err != nil || scoped == nil {
		return nil, err
	}
	return &scoped.Desc, nil
}

// GetOptions implements Backend.
func (b *SQLiteBackend) GetOptions(ctx context.Context, sel ServerSelector, key OptionKey) ([]*OptionDesc, error) {
	if err := sel.checkReadable(); err != nil {
		return nil, err
	}
	if err := key.Valid(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	rows, err := b.fetchWhere(ctx, b.runner(),
		"SELECT object_key, doc, tags, modified_at FROM config_entities WHERE object_type = ? AND object_key LIKE ? ORDER BY object_key",
		ObjectOption, key.storageKey()+"/%")
	if err != nil {
		return nil, err
	}
	scoped, err := decodeVisible[ScopedOption](sel, ObjectOption, rows)
	if err != nil {
		return nil, err
	}
	out := make([]*OptionDesc, 0, len(scoped))
	for _, so := range scoped {
		out = append(out, &so.Desc)
	}
	return out, nil
}

// GetModifiedOptions implements Backend.
func (b *SQLiteBackend) GetModifiedOptions(ctx context.Context, sel ServerSelector, since time.Time) ([]ScopedOption, error) {
	scoped, err := sqlModified[ScopedOption](b, ctx, sel, ObjectOption, since)
	if err != nil {
		return nil, err
	}
	out := make([]ScopedOption, 0, len(scoped))
	for _, so := range scoped {
		out = append(out, *so)
	}
	return out, nil
}

// CreateUpdateOption implements Backend.
func (b *SQLiteBackend) CreateUpdateOption(ctx context.Context, sel ServerSelector, key OptionKey, opt *OptionDesc) error {
	if err := key.Valid(); err != nil {
		return err
	}
	if opt.Space == "" {
		return fmt.Errorf("%w: option needs a space", lease.ErrBadValue)
	}
	stamp, err := b.upsert(ctx, sel, ObjectOption, scopedOptionKey(key, opt.Code, opt.Space),
		func(stamp time.Time) any {
			doc := *opt
			doc.ServerTags = sel.Tags()
			doc.ModifiedAt = stamp
			return &ScopedOption{Key: key, Desc: doc}
		}, nil)
	if err != nil {
		return err
	}
	opt.ServerTags = sel.Tags()
	opt.ModifiedAt = stamp
	return nil
}

// DeleteOption implements Backend.
func (b *SQLiteBackend) DeleteOption(ctx context.Context, sel ServerSelector, key OptionKey, code uint16, space string) (int, error) {
	if err := key.Valid(); err != nil {
		return 0, err
	}
	return b.deleteKey(ctx, sel, ObjectOption, scopedOptionKey(key, code, space))
}

// DeleteAllOptions implements Backend.
func (b *SQLiteBackend) DeleteAllOptions(ctx context.Context, sel ServerSelector, key OptionKey) (int, error) {
	if err := key.Valid(); err != nil {
		return 0, err
	}
	return b.deleteAllKeys(ctx, sel, ObjectOption, key.storageKey()+"/")
}

// --- global parameters ---

// paramDoc is the serialized stamped-value form: name, type tag, textual
// value and the modification stamp.
type paramDoc struct {
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	Value      string    `json:"value"`
	ModifiedAt time.Time `json:"modified-at"`
	Revision   uint64    `json:"revision"`
	ServerTags []string  `json:"server-tags"`
}

func (d *paramDoc) toParameter() (*GlobalParameter, error) {
	v, err := stamped.FromText(d.Name, d.Type, d.Value, d.ModifiedAt)
	if err != nil {
		return nil, err
	}
	v.Revision = d.Revision
	return &GlobalParameter{Value: v, ServerTags: d.ServerTags}, nil
}

// GetGlobalParameter implements Backend.
func (b *SQLiteBackend) GetGlobalParameter(ctx context.Context, sel ServerSelector, name string) (*GlobalParameter, error) {
	doc, err := sqlGet[paramDoc](b, ctx, sel, ObjectGlobalParameter, name)
	if err != nil || doc == nil {
		return nil, err
	}
	return doc.toParameter()
}

// GetAllGlobalParameters implements Backend.
func (b *SQLiteBackend) GetAllGlobalParameters(ctx context.Context, sel ServerSelector) ([]*GlobalParameter, error) {
	docs, err := sqlAll[paramDoc](b, ctx, sel, ObjectGlobalParameter)
	if err != nil {
		return nil, err
	}
	return paramsFromDocs(docs)
}

// GetModifiedGlobalParameters implements Backend.
func (b *SQLiteBackend) GetModifiedGlobalParameters(ctx context.Context, sel ServerSelector, since time.Time) ([]*GlobalParameter, error) {
	docs, err := sqlModified[paramDoc](b, ctx, sel, ObjectGlobalParameter, since)
	if err != nil {
		return nil, err
	}
	return paramsFromDocs(docs)
}

func paramsFromDocs(docs []*paramDoc) ([]*GlobalParameter, error) {
	out := make([]*GlobalParameter, 0, len(docs))
	for _, d := range docs {
		p, err := d.toParameter()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// CreateUpdateGlobalParameter implements Backend.
func (b *SQLiteBackend) CreateUpdateGlobalParameter(ctx context.Context, sel ServerSelector, value *stamped.Value) error {
	if value == nil || value.Name == "" {
		return fmt.Errorf("%w: global parameter needs a name", lease.ErrBadValue)
	}
	typ, err := value.GetType()
	if err != nil {
		return fmt.Errorf("%w: global parameter %q has no value", lease.ErrBadValue, value.Name)
	}
	stamp, err := b.upsert(ctx, sel, ObjectGlobalParameter, value.Name,
		func(stamp time.Time) any {
			return &paramDoc{
				Name:       value.Name,
				Type:       typ.String(),
				Value:      value.Text(),
				ModifiedAt: stamp,
				ServerTags: sel.Tags(),
			}
		}, nil)
	if err != nil {
		return err
	}
	value.ModifiedAt = stamp
	return nil
}

// DeleteGlobalParameter implements Backend.
func (b *SQLiteBackend) DeleteGlobalParameter(ctx context.Context, sel ServerSelector, name string) (int, error) {
	return b.deleteKey(ctx, sel, ObjectGlobalParameter, name)
}

// DeleteAllGlobalParameters implements Backend.
func (b *SQLiteBackend) DeleteAllGlobalParameters(ctx context.Context, sel ServerSelector) (int, error) {
	return b.deleteAllKeys(ctx, sel, ObjectGlobalParameter, "")
}

// --- host reservations ---

// GetHost implements Backend.
func (b *SQLiteBackend) GetHost(ctx context.Context, sel ServerSelector, subnet lease.SubnetID, idType string, id []byte) (*HostReservation, error) {
	return sqlGet[HostReservation](b, ctx, sel, ObjectHostReservation, hostKey(subnet, idType, id))
}

// GetHostsBySubnet implements Backend.
func (b *SQLiteBackend) GetHostsBySubnet(ctx context.Context, sel ServerSelector, subnet lease.SubnetID) ([]*HostReservation, error) {
	if err := sel.checkReadable(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	rows, err := b.fetchWhere(ctx, b.runner(),
		"SELECT object_key, doc, tags, modified_at FROM config_entities WHERE object_type = ? AND object_key LIKE ? ORDER BY object_key",
		ObjectHostReservation, subnetKey(subnet)+":%")
	if err != nil {
		return nil, err
	}
	return decodeVisible[HostReservation](sel, ObjectHostReservation, rows)
}

// CreateUpdateHost implements Backend.
func (b *SQLiteBackend) CreateUpdateHost(ctx context.Context, sel ServerSelector, host *HostReservation) error {
	if err := host.Valid(); err != nil {
		return err
	}
	stamp, err := b.upsert(ctx, sel, ObjectHostReservation, host.Key(),
		func(stamp time.Time) any {
			doc := *host
			doc.ServerTags = sel.Tags()
			doc.ModifiedAt = stamp
			return &doc
		}, nil)
	if err != nil {
		return err
	}
	host.ServerTags = sel.Tags()
	host.ModifiedAt = stamp
	return nil
}

// DeleteHost implements Backend.
func (b *SQLiteBackend) DeleteHost(ctx context.Context, sel ServerSelector, subnet lease.SubnetID, idType string, id []byte) (int, error) {
	return b.deleteKey(ctx, sel, ObjectHostReservation, hostKey(subnet, idType, id))
}
