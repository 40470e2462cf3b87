// Copyright 2018-present the LeaseCore Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package confdb

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leasecore/leasecore/lease"
	"github.com/leasecore/leasecore/store"
)

var memoryVersion = store.Version{Major: 1, Minor: 0}

// record is one stored entity with its selector tags and stamp.
type record[T any] struct {
	value      T
	tags       []string
	modifiedAt time.Time
}

// collection is a keyed entity table. Returned entities are copies of the
// stored struct and must be treated as immutable by callers.
type collection[T any] map[string]*record[T]

func colGet[T any](c collection[T], sel ServerSelector, key string) *T {
	r, ok := c[key]
	if !ok || !sel.matches(r.tags) {
		return nil
	}
	v := r.value
	return &v
}

func colAll[T any](c collection[T], sel ServerSelector) []*T {
	keys := make([]string, 0, len(c))
	for k, r := range c {
		if sel.matches(r.tags) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]*T, 0, len(keys))
	for _, k := range keys {
		v := c[k].value
		out = append(out, &v)
	}
	return out
}

func colModified[T any](c collection[T], sel ServerSelector, since time.Time) []*T {
	type hit struct {
		at time.Time
		v  T
	}
	var hits []hit
	for _, r := range c {
		if sel.matches(r.tags) && r.modifiedAt.After(since) {
			hits = append(hits, hit{r.modifiedAt, r.value})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].at.Before(hits[j].at) })
	out := make([]*T, 0, len(hits))
	for i := range hits {
		out = append(out, &hits[i].v)
	}
	return out
}

// colUpsert stores the value and reports whether the key was new.
func colUpsert[T any](c collection[T], key string, v T, tags []string, stamp time.Time) bool {
	_, existed := c[key]
	c[key] = &record[T]{value: v, tags: tags, modifiedAt: stamp}
	return !existed
}

func colDelete[T any](c collection[T], sel ServerSelector, key string) int {
	r, ok := c[key]
	if !ok || !sel.matchesStrict(r.tags) {
		return 0
	}
	delete(c, key)
	return 1
}

func colDeleteAll[T any](c collection[T], sel ServerSelector) []string {
	var removed []string
	for k, r := range c {
		if sel.matchesStrict(r.tags) {
			removed = append(removed, k)
		}
	}
	sort.Strings(removed)
	for _, k := range removed {
		delete(c, k)
	}
	return removed
}

// MemoryBackend is the in-memory configuration backend. It implements
// both Backend4 and Backend6 and is the reference for selector and audit
// semantics.
type MemoryBackend struct {
	mu    sync.Mutex
	mt    bool
	clock auditClock

	subnets4   collection[Subnet4]
	subnets6   collection[Subnet6]
	networks4  collection[SharedNetwork4]
	networks6  collection[SharedNetwork6]
	optionDefs collection[OptionDef]
	options    map[string]collection[OptionDesc] // by scope storage key
	optionKeys map[string]OptionKey
	params     collection[GlobalParameter]
	hosts      collection[HostReservation]

	audit     []AuditEntry
	observers map[uuid.UUID]Observer
}

// NewMemoryBackend builds an empty backend. multiThreaded enables internal
// locking.
func NewMemoryBackend(multiThreaded bool) *MemoryBackend {
	return &MemoryBackend{
		mt:         multiThreaded,
		subnets4:   collection[Subnet4]{},
		subnets6:   collection[Subnet6]{},
		networks4:  collection[SharedNetwork4]{},
		networks6:  collection[SharedNetwork6]{},
		optionDefs: collection[OptionDef]{},
		options:    map[string]collection[OptionDesc]{},
		optionKeys: map[string]OptionKey{},
		params:     collection[GlobalParameter]{},
		hosts:      collection[HostReservation]{},
		observers:  map[uuid.UUID]Observer{},
	}
}

func (m *MemoryBackend) lock() {
	if m.mt {
		m.mu.Lock()
	}
}

func (m *MemoryBackend) unlock() {
	if m.mt {
		m.mu.Unlock()
	}
}

// Name implements Backend.
func (m *MemoryBackend) Name() string { return "memory" }

// Description implements Backend.
func (m *MemoryBackend) Description() string { return "in-memory configuration backend" }

// Version implements Backend.
func (m *MemoryBackend) Version(context.Context) (store.Version, error) { return memoryVersion, nil }

// Close implements Backend.
func (m *MemoryBackend) Close() error { return nil }

// commit appends the audit entry and schedules observer delivery. Called
// with the lock held; returns the notify closure to run after unlock.
func (m *MemoryBackend) commit(objectType, objectID string, action AuditAction, tags []string, stamp time.Time, revision uint64) func() {
	entry := AuditEntry{
		ObjectType: objectType,
		ObjectID:   objectID,
		Action:     action,
		ModifiedAt: stamp,
		Revision:   revision,
		ServerTags: tags,
	}
	m.audit = append(m.audit, entry)
	observers := make([]Observer, 0, len(m.observers))
	for _, cb := range m.observers {
		observers = append(observers, cb)
	}
	return func() {
		batch := []AuditEntry{entry}
		for _, cb := range observers {
			cb(batch)
		}
	}
}

func subnetKey(id lease.SubnetID) string { return strconv.FormatUint(uint64(id), 10) }

func optionDefKey(code uint16, space string) string {
	return strconv.FormatUint(uint64(code), 10) + ":" + space
}

// tagsIntersect reports whether two entity tag sets can be visible to one
// server at the same time.
func tagsIntersect(a, b []string) bool {
	for _, x := range a {
		if x == TagAll {
			return true
		}
		for _, y := range b {
			if y == TagAll || x == y {
				return true
			}
		}
	}
	return len(a) == 0 && len(b) == 0
}

// --- subnets, v4 ---

// GetSubnet4 implements Backend4.
func (m *MemoryBackend) GetSubnet4(_ context.Context, sel ServerSelector, id lease.SubnetID) (*Subnet4, error) {
	if err := sel.checkReadable(); err != nil {
		return nil, err
	}
	m.lock()
	defer m.unlock()
	return colGet(m.subnets4, sel, subnetKey(id)), nil
}

// GetAllSubnets4 implements Backend4.
func (m *MemoryBackend) GetAllSubnets4(_ context.Context, sel ServerSelector) ([]*Subnet4, error) {
	if err := sel.checkReadable(); err != nil {
		return nil, err
	}
	m.lock()
	defer m.unlock()
	return colAll(m.subnets4, sel), nil
}

// GetModifiedSubnets4 implements Backend4.
func (m *MemoryBackend) GetModifiedSubnets4(_ context.Context, sel ServerSelector, since time.Time) ([]*Subnet4, error) {
	if err := sel.checkReadable(); err != nil {
		return nil, err
	}
	m.lock()
	defer m.unlock()
	return colModified(m.subnets4, sel, since), nil
}

// CreateUpdateSubnet4 implements Backend4.
func (m *MemoryBackend) CreateUpdateSubnet4(_ context.Context, sel ServerSelector, subnet *Subnet4) error {
	if err := sel.checkWritable(); err != nil {
		return err
	}
	if err := subnet.Valid(); err != nil {
		return err
	}
	m.lock()
	for _, r := range m.subnets4 {
		other := r.value
		if other.ID != subnet.ID && tagsIntersect(r.tags, sel.Tags()) && other.Prefix.Overlaps(subnet.Prefix) {
			m.unlock()
			return fmt.Errorf("%w: subnet4 %s overlaps subnet %d (%s)",
				lease.ErrBadValue, subnet.Prefix, other.ID, other.Prefix)
		}
	}
	stamp, rev := m.clock.stamp()
	stored := *subnet
	stored.ServerTags = sel.Tags()
	stored.ModifiedAt = stamp
	created := colUpsert(m.subnets4, subnetKey(subnet.ID), stored, stored.ServerTags, stamp)
	action := AuditUpdate
	if created {
		action = AuditCreate
	}
	notify := m.commit(ObjectSubnet4, subnetKey(subnet.ID), action, stored.ServerTags, stamp, rev)
	m.unlock()
	subnet.ModifiedAt = stamp
	subnet.ServerTags = stored.ServerTags
	notify()
	return nil
}

// DeleteSubnet4 implements Backend4.
func (m *MemoryBackend) DeleteSubnet4(_ context.Context, sel ServerSelector, id lease.SubnetID) (int, error) {
	if err := sel.checkWritable(); err != nil {
		return 0, err
	}
	m.lock()
	n := colDelete(m.subnets4, sel, subnetKey(id))
	var notify func()
	if n > 0 {
		stamp, rev := m.clock.stamp()
		notify = m.commit(ObjectSubnet4, subnetKey(id), AuditDelete, sel.Tags(), stamp, rev)
	}
	m.unlock()
	if notify != nil {
		notify()
	}
	return n, nil
}

// DeleteAllSubnets4 implements Backend4.
func (m *MemoryBackend) DeleteAllSubnets4(_ context.Context, sel ServerSelector) (int, error) {
	return m.deleteAll(sel, ObjectSubnet4, func() []string { return colDeleteAll(m.subnets4, sel) })
}

// deleteAll wraps the shared delete-everything flow: one audit entry per
// removed object, stamped in key order.
func (m *MemoryBackend) deleteAll(sel ServerSelector, objectType string, remove func() []string) (int, error) {
	if err := sel.checkWritable(); err != nil {
		return 0, err
	}
	m.lock()
	removed := remove()
	notifiers := make([]func(), 0, len(removed))
	for _, key := range removed {
		stamp, rev := m.clock.stamp()
		notifiers = append(notifiers, m.commit(objectType, key, AuditDelete, sel.Tags(), stamp, rev))
	}
	m.unlock()
	for _, n := range notifiers {
		n()
	}
	return len(removed), nil
}

// --- subnets, v6 ---

// GetSubnet6 implements Backend6.
func (m *MemoryBackend) GetSubnet6(_ context.Context, sel ServerSelector, id lease.SubnetID) (*Subnet6, error) {
	if err := sel.checkReadable(); err != nil {
		return nil, err
	}
	m.lock()
	defer m.unlock()
	return colGet(m.subnets6, sel, subnetKey(id)), nil
}

// GetAllSubnets6 implements Backend6.
func (m *MemoryBackend) GetAllSubnets6(_ context.Context, sel ServerSelector) ([]*Subnet6, error) {
	if err := sel.checkReadable(); err != nil {
		return nil, err
	}
	m.lock()
	defer m.unlock()
	return colAll(m.subnets6, sel), nil
}

// GetModifiedSubnets6 implements Backend6.
func (m *MemoryBackend) GetModifiedSubnets6(_ context.Context, sel ServerSelector, since time.Time) ([]*Subnet6, error) {
	if err := sel.checkReadable(); err != nil {
		return nil, err
	}
	m.lock()
	defer m.unlock()
	return colModified(m.subnets6, sel, since), nil
}

// CreateUpdateSubnet6 implements Backend6.
func (m *MemoryBackend) CreateUpdateSubnet6(_ context.Context, sel ServerSelector, subnet *Subnet6) error {
	if err := sel.checkWritable(); err != nil {
		return err
	}
	if err := subnet.Valid(); err != nil {
		return err
	}
	m.lock()
	for _, r := range m.subnets6 {
		other := r.value
		if other.ID != subnet.ID && tagsIntersect(r.tags, sel.Tags()) && other.Prefix.Overlaps(subnet.Prefix) {
			m.unlock()
			return fmt.Errorf("%w: subnet6 %s overlaps subnet %d (%s)",
				lease.ErrBadValue, subnet.Prefix, other.ID, other.Prefix)
		}
	}
	stamp, rev := m.clock.stamp()
	stored := *subnet
	stored.ServerTags = sel.Tags()
	stored.ModifiedAt = stamp
	created := colUpsert(m.subnets6, subnetKey(subnet.ID), stored, stored.ServerTags, stamp)
	action := AuditUpdate
	if created {
		action = AuditCreate
	}
	notify := m.commit(ObjectSubnet6, subnetKey(subnet.ID), action, stored.ServerTags, stamp, rev)
	m.unlock()
	subnet.ModifiedAt = stamp
	subnet.ServerTags = stored.ServerTags
	notify()
	return nil
}

// DeleteSubnet6 implements Backend6.
func (m *MemoryBackend) DeleteSubnet6(_ context.Context, sel ServerSelector, id lease.SubnetID) (int, error) {
	if err := sel.checkWritable(); err != nil {
		return 0, err
	}
	m.lock()
	n := colDelete(m.subnets6, sel, subnetKey(id))
	var notify func()
	if n > 0 {
		stamp, rev := m.clock.stamp()
		notify = m.commit(ObjectSubnet6, subnetKey(id), AuditDelete, sel.Tags(), stamp, rev)
	}
	m.unlock()
	if notify != nil {
		notify()
	}
	return n, nil
}

// DeleteAllSubnets6 implements Backend6.
func (m *MemoryBackend) DeleteAllSubnets6(_ context.Context, sel ServerSelector) (int, error) {
	return m.deleteAll(sel, ObjectSubnet6, func() []string { return colDeleteAll(m.subnets6, sel) })
}

// --- shared networks ---

// checkNetworkMembership rejects a network claiming a subnet that another
// network visible to an intersecting tag set already owns.
func checkNetworkMembership[T any](c collection[T], name string, subnets []lease.SubnetID, tags []string,
	nameOf func(T) string, subnetsOf func(T) []lease.SubnetID) error {
	for _, r := range c {
		if nameOf(r.value) == name || !tagsIntersect(r.tags, tags) {
			continue
		}
		for _, owned := range subnetsOf(r.value) {
			for _, want := range subnets {
				if owned == want {
					return fmt.Errorf("%w: subnet %d already belongs to shared network %q",
						lease.ErrBadValue, want, nameOf(r.value))
				}
			}
		}
	}
	return nil
}

// GetSharedNetwork4 implements Backend4.
func (m *MemoryBackend) GetSharedNetwork4(_ context.Context, sel ServerSelector, name string) (*SharedNetwork4, error) {
	if err := sel.checkReadable(); err != nil {
		return nil, err
	}
	m.lock()
	defer m.unlock()
	return colGet(m.networks4, sel, name), nil
}

// GetAllSharedNetworks4 implements Backend4.
func (m *MemoryBackend) GetAllSharedNetworks4(_ context.Context, sel ServerSelector) ([]*SharedNetwork4, error) {
	if err := sel.checkReadable(); err != nil {
		return nil, err
	}
	m.lock()
	defer m.unlock()
	return colAll(m.networks4, sel), nil
}

// GetModifiedSharedNetworks4 implements Backend4.
func (m *MemoryBackend) GetModifiedSharedNetworks4(_ context.Context, sel ServerSelector, since time.Time) ([]*SharedNetwork4, error) {
	if err := sel.checkReadable(); err != nil {
		return nil, err
	}
	m.lock()
	defer m.unlock()
	return colModified(m.networks4, sel, since), nil
}

// CreateUpdateSharedNetwork4 implements Backend4.
func (m *MemoryBackend) CreateUpdateSharedNetwork4(_ context.Context, sel ServerSelector, network *SharedNetwork4) error {
	if err := sel.checkWritable(); err != nil {
		return err
	}
	if network.Name == "" {
		return fmt.Errorf("%w: shared network needs a name", lease.ErrBadValue)
	}
	m.lock()
	err := checkNetworkMembership(m.networks4, network.Name, network.Subnets, sel.Tags(),
		func(n SharedNetwork4) string { return n.Name },
		func(n SharedNetwork4) []lease.SubnetID { return n.Subnets })
	if err != nil {
		m.unlock()
		return err
	}
	stamp, rev := m.clock.stamp()
	stored := *network
	stored.ServerTags = sel.Tags()
	stored.ModifiedAt = stamp
	created := colUpsert(m.networks4, network.Name, stored, stored.ServerTags, stamp)
	action := AuditUpdate
	if created {
		action = AuditCreate
	}
	notify := m.commit(ObjectSharedNetwork4, network.Name, action, stored.ServerTags, stamp, rev)
	m.unlock()
	network.ModifiedAt = stamp
	network.ServerTags = stored.ServerTags
	notify()
	return nil
}

// DeleteSharedNetwork4 implements Backend4.
func (m *MemoryBackend) DeleteSharedNetwork4(_ context.Context, sel ServerSelector, name string) (int, error) {
	if err := sel.checkWritable(); err != nil {
		return 0, err
	}
	m.lock()
	n := colDelete(m.networks4, sel, name)
	var notify func()
	if n > 0 {
		stamp, rev := m.clock.stamp()
		notify = m.commit(ObjectSharedNetwork4, name, AuditDelete, sel.Tags(), stamp, rev)
	}
	m.unlock()
	if notify != nil {
		notify()
	}
	return n, nil
}

// DeleteAllSharedNetworks4 implements Backend4.
func (m *MemoryBackend) DeleteAllSharedNetworks4(_ context.Context, sel ServerSelector) (int, error) {
	return m.deleteAll(sel, ObjectSharedNetwork4, func() []string { return colDeleteAll(m.networks4, sel) })
}

// GetSharedNetwork6 implements Backend6.
func (m *MemoryBackend) GetSharedNetwork6(_ context.Context, sel ServerSelector, name string) (*SharedNetwork6, error) {
	if err := sel.checkReadable(); err != nil {
		return nil, err
	}
	m.lock()
	defer m.unlock()
	return colGet(m.networks6, sel, name), nil
}

// GetAllSharedNetworks6 implements Backend6.
func (m *MemoryBackend) GetAllSharedNetworks6(_ context.Context, sel ServerSelector) ([]*SharedNetwork6, error) {
	if err := sel.checkReadable(); err != nil {
		return nil, err
	}
	m.lock()
	defer m.unlock()
	return colAll(m.networks6, sel), nil
}

// GetModifiedSharedNetworks6 implements Backend6.
func (m *MemoryBackend) GetModifiedSharedNetworks6(_ context.Context, sel ServerSelector, since time.Time) ([]*SharedNetwork6, error) {
	if err := sel.checkReadable(); err != nil {
		return nil, err
	}
	m.lock()
	defer m.unlock()
	return colModified(m.networks6, sel, since), nil
}

// CreateUpdateSharedNetwork6 implements Backend6.
func (m *MemoryBackend) CreateUpdateSharedNetwork6(_ context.Context, sel ServerSelector, network *SharedNetwork6) error {
	if err := sel.checkWritable(); err != nil {
		return err
	}
	if network.Name == "" {
		return fmt.Errorf("%w: shared network needs a name", lease.ErrBadValue)
	}
	m.lock()
	err := checkNetworkMembership(m.networks6, network.Name, network.Subnets, sel.Tags(),
		func(n SharedNetwork6) string { return n.Name },
		func(n SharedNetwork6) []lease.SubnetID { return n.Subnets })
	if err != nil {
		m.unlock()
		return err
	}
	stamp, rev := m.clock.stamp()
	stored := *network
	stored.ServerTags = sel.Tags()
	stored.ModifiedAt = stamp
	created := colUpsert(m.networks6, network.Name, stored, stored.ServerTags, stamp)
	action := AuditUpdate
	if created {
		action = AuditCreate
	}
	notify := m.commit(ObjectSharedNetwork6, network.Name, action, stored.ServerTags, stamp, rev)
	m.unlock()
	network.ModifiedAt = stamp
	network.ServerTags = stored.ServerTags
	notify()
	return nil
}

// DeleteSharedNetwork6 implements Backend6.
func (m *MemoryBackend) DeleteSharedNetwork6(_ context.Context, sel ServerSelector, name string) (int, error) {
	if err := sel.checkWritable(); err != nil {
		return 0, err
	}
	m.lock()
	n := colDelete(m.networks6, sel, name)
	var notify func()
	if n > 0 {
		stamp, rev := m.clock.stamp()
		notify = m.commit(ObjectSharedNetwork6, name, AuditDelete, sel.Tags(), stamp, rev)
	}
	m.unlock()
	if notify != nil {
		notify()
	}
	return n, nil
}

// DeleteAllSharedNetworks6 implements Backend6.
func (m *MemoryBackend) DeleteAllSharedNetworks6(_ context.Context, sel ServerSelector) (int, error) {
	return m.deleteAll(sel, ObjectSharedNetwork6, func() []string { return colDeleteAll(m.networks6, sel) })
}
