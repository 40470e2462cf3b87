// Copyright 2018-present the LeaseCore Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package confdb

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/leasecore/leasecore/lease"
	"github.com/leasecore/leasecore/stamped"
)

// --- option definitions ---

// GetOptionDef implements Backend.
func (m *MemoryBackend) GetOptionDef(_ context.Context, sel ServerSelector, code uint16, space string) (*OptionDef, error) {
	if err := sel.checkReadable(); err != nil {
		return nil, err
	}
	m.lock()
	defer m.unlock()
	return colGet(m.optionDefs, sel, optionDefKey(code, space)), nil
}

// GetAllOptionDefs implements Backend.
func (m *MemoryBackend) GetAllOptionDefs(_ context.Context, sel ServerSelector) ([]*OptionDef, error) {
	if err := sel.checkReadable(); err != nil {
		return nil, err
	}
	m.lock()
	defer m.unlock()
	return colAll(m.optionDefs, sel), nil
}

// GetModifiedOptionDefs implements Backend.
func (m *MemoryBackend) GetModifiedOptionDefs(_ context.Context, sel ServerSelector, since time.Time) ([]*OptionDef, error) {
	if err := sel.checkReadable(); err != nil {
		return nil, err
	}
	m.lock()
	defer m.unlock()
	return colModified(m.optionDefs, sel, since), nil
}

// CreateUpdateOptionDef implements Backend.
func (m *MemoryBackend) CreateUpdateOptionDef(_ context.Context, sel ServerSelector, def *OptionDef) error {
	if err := sel.checkWritable(); err != nil {
		return err
	}
	if def.Space == "" {
		return fmt.Errorf("%w: option definition needs a space", lease.ErrBadValue)
	}
	if def.Code <= stdOptionCodeMax {
		return fmt.Errorf("%w: code %d is inside the standard option range", lease.ErrBadValue, def.Code)
	}
	m.lock()
	stamp, rev := m.clock.stamp()
	stored := *def
	stored.ServerTags = sel.Tags()
	stored.ModifiedAt = stamp
	key := optionDefKey(def.Code, def.Space)
	created := colUpsert(m.optionDefs, key, stored, stored.ServerTags, stamp)
	action := AuditUpdate
	if created {
		action = AuditCreate
	}
	notify := m.commit(ObjectOptionDef, key, action, stored.ServerTags, stamp, rev)
	m.unlock()
	def.ModifiedAt = stamp
	def.ServerTags = stored.ServerTags
	notify()
	return nil
}

// DeleteOptionDef implements Backend.
func (m *MemoryBackend) DeleteOptionDef(_ context.Context, sel ServerSelector, code uint16, space string) (int, error) {
	if err := sel.checkWritable(); err != nil {
		return 0, err
	}
	key := optionDefKey(code, space)
	m.lock()
	n := colDelete(m.optionDefs, sel, key)
	var notify func()
	if n > 0 {
		stamp, rev := m.clock.stamp()
		notify = m.commit(ObjectOptionDef, key, AuditDelete, sel.Tags(), stamp, rev)
	}
	m.unlock()
	if notify != nil {
		notify()
	}
	return n, nil
}

// DeleteAllOptionDefs implements Backend.
func (m *MemoryBackend) DeleteAllOptionDefs(_ context.Context, sel ServerSelector) (int, error) {
	return m.deleteAll(sel, ObjectOptionDef, func() []string { return colDeleteAll(m.optionDefs, sel) })
}

// --- scoped options ---

func (m *MemoryBackend) scope(key OptionKey) collection[OptionDesc] {
	sk := key.storageKey()
	c, ok := m.options[sk]
	if !ok {
		c = collection[OptionDesc]{}
		m.options[sk] = c
		m.optionKeys[sk] = key
	}
	return c
}

// GetOption implements Backend.
func (m *MemoryBackend) GetOption(_ context.Context, sel ServerSelector, key OptionKey, code uint16, space string) (*OptionDesc, error) {
	if err := sel.checkReadable(); err != nil {
		return nil, err
	}
	if err := key.Valid(); err != nil {
		return nil, err
	}
	m.lock()
	defer m.unlock()
	return colGet(m.scope(key), sel, optionDefKey(code, space)), nil
}

// GetOptions implements Backend.
func (m *MemoryBackend) GetOptions(_ context.Context, sel ServerSelector, key OptionKey) ([]*OptionDesc, error) {
	if err := sel.checkReadable(); err != nil {
		return nil, err
	}
	if err := key.Valid(); err != nil {
		return nil, err
	}
	m.lock()
	defer m.unlock()
	return colAll(m.scope(key), sel), nil
}

// GetModifiedOptions implements Backend. Options across every scope are
// returned with their scope key, ordered by modification time.
func (m *MemoryBackend) GetModifiedOptions(_ context.Context, sel ServerSelector, since time.Time) ([]ScopedOption, error) {
	if err := sel.checkReadable(); err != nil {
		return nil, err
	}
	m.lock()
	defer m.unlock()

	var out []ScopedOption
	for sk, c := range m.options {
		key := m.optionKeys[sk]
		for _, desc := range colModified(c, sel, since) {
			out = append(out, ScopedOption{Key: key, Desc: *desc})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Desc.ModifiedAt.Before(out[j].Desc.ModifiedAt) })
	return out, nil
}

// CreateUpdateOption implements Backend. The scope key routes the option
// to its storage table; no two scopes share a primary key.
func (m *MemoryBackend) CreateUpdateOption(_ context.Context, sel ServerSelector, key OptionKey, opt *OptionDesc) error {
	if err := sel.checkWritable(); err != nil {
		return err
	}
	if err := key.Valid(); err != nil {
		return err
	}
	if opt.Space == "" {
		return fmt.Errorf("%w: option needs a space", lease.ErrBadValue)
	}
	m.lock()
	stamp, rev := m.clock.stamp()
	stored := *opt
	stored.ServerTags = sel.Tags()
	stored.ModifiedAt = stamp
	ok := optionDefKey(opt.Code, opt.Space)
	created := colUpsert(m.scope(key), ok, stored, stored.ServerTags, stamp)
	action := AuditUpdate
	if created {
		action = AuditCreate
	}
	notify := m.commit(ObjectOption, key.storageKey()+"/"+ok, action, stored.ServerTags, stamp, rev)
	m.unlock()
	opt.ModifiedAt = stamp
	opt.ServerTags = stored.ServerTags
	notify()
	return nil
}

// DeleteOption implements Backend.
func (m *MemoryBackend) DeleteOption(_ context.Context, sel ServerSelector, key OptionKey, code uint16, space string) (int, error) {
	if err := sel.checkWritable(); err != nil {
		return 0, err
	}
	if err := key.Valid(); err != nil {
		return 0, err
	}
	ok := optionDefKey(code, space)
	m.lock()
	n := colDelete(m.scope(key), sel, ok)
	var notify func()
	if n > 0 {
		stamp, rev := m.clock.stamp()
		notify = m.commit(ObjectOption, key.storageKey()+"/"+ok, AuditDelete, sel.Tags(), stamp, rev)
	}
	m.unlock()
	if notify != nil {
		notify()
	}
	return n, nil
}

// DeleteAllOptions implements Backend.
func (m *MemoryBackend) DeleteAllOptions(_ context.Context, sel ServerSelector, key OptionKey) (int, error) {
	if err := key.Valid(); err != nil {
		return 0, err
	}
	prefix := key.storageKey() + "/"
	return m.deleteAll(sel, ObjectOption, func() []string {
		removed := colDeleteAll(m.scope(key), sel)
		for i, k := range removed {
			removed[i] = prefix + k
		}
		return removed
	})
}

// --- global parameters ---

// GetGlobalParameter implements Backend.
func (m *MemoryBackend) GetGlobalParameter(_ context.Context, sel ServerSelector, name string) (*GlobalParameter, error) {
	if err := sel.checkReadable(); err != nil {
		return nil, err
	}
	m.lock()
	defer m.unlock()
	return colGet(m.params, sel, name), nil
}

// GetAllGlobalParameters implements Backend.
func (m *MemoryBackend) GetAllGlobalParameters(_ context.Context, sel ServerSelector) ([]*GlobalParameter, error) {
	if err := sel.checkReadable(); err != nil {
		return nil, err
	}
	m.lock()
	defer m.unlock()
	return colAll(m.params, sel), nil
}

// GetModifiedGlobalParameters implements Backend.
func (m *MemoryBackend) GetModifiedGlobalParameters(_ context.Context, sel ServerSelector, since time.Time) ([]*GlobalParameter, error) {
	if err := sel.checkReadable(); err != nil {
		return nil, err
	}
	m.lock()
	defer m.unlock()
	return colModified(m.params, sel, since), nil
}

// CreateUpdateGlobalParameter implements Backend.
func (m *MemoryBackend) CreateUpdateGlobalParameter(_ context.Context, sel ServerSelector, value *stamped.Value) error {
	if err := sel.checkWritable(); err != nil {
		return err
	}
	if value == nil || value.Name == "" {
		return fmt.Errorf("%w: global parameter needs a name", lease.ErrBadValue)
	}
	if _, err := value.GetType(); err != nil {
		return fmt.Errorf("%w: global parameter %q has no value", lease.ErrBadValue, value.Name)
	}
	m.lock()
	stamp, rev := m.clock.stamp()
	stored := value.Clone()
	stored.ModifiedAt = stamp
	stored.Revision = rev
	param := GlobalParameter{Value: stored, ServerTags: sel.Tags()}
	created := colUpsert(m.params, value.Name, param, param.ServerTags, stamp)
	action := AuditUpdate
	if created {
		action = AuditCreate
	}
	notify := m.commit(ObjectGlobalParameter, value.Name, action, param.ServerTags, stamp, rev)
	m.unlock()
	value.ModifiedAt = stamp
	value.Revision = rev
	notify()
	return nil
}

// DeleteGlobalParameter implements Backend.
func (m *MemoryBackend) DeleteGlobalParameter(_ context.Context, sel ServerSelector, name string) (int, error) {
	if err := sel.checkWritable(); err != nil {
		return 0, err
	}
	m.lock()
	n := colDelete(m.params, sel, name)
	var notify func()
	if n > 0 {
		stamp, rev := m.clock.stamp()
		notify = m.commit(ObjectGlobalParameter, name, AuditDelete, sel.Tags(), stamp, rev)
	}
	m.unlock()
	if notify != nil {
		notify()
	}
	return n, nil
}

// DeleteAllGlobalParameters implements Backend.
func (m *MemoryBackend) DeleteAllGlobalParameters(_ context.Context, sel ServerSelector) (int, error) {
	return m.deleteAll(sel, ObjectGlobalParameter, func() []string { return colDeleteAll(m.params, sel) })
}

// --- host reservations ---

func hostKey(subnet lease.SubnetID, idType string, id []byte) string {
	h := HostReservation{SubnetID: subnet, IdentifierType: idType, Identifier: id}
	return h.Key()
}

// GetHost implements Backend.
func (m *MemoryBackend) GetHost(_ context.Context, sel ServerSelector, subnet lease.SubnetID, idType string, id []byte) (*HostReservation, error) {
	if err := sel.checkReadable(); err != nil {
		return nil, err
	}
	m.lock()
	defer m.unlock()
	return colGet(m.hosts, sel, hostKey(subnet, idType, id)), nil
}

// GetHostsBySubnet implements Backend.
func (m *MemoryBackend) GetHostsBySubnet(_ context.Context, sel ServerSelector, subnet lease.SubnetID) ([]*HostReservation, error) {
	if err := sel.checkReadable(); err != nil {
		return nil, err
	}
	m.lock()
	defer m.unlock()
	all := colAll(m.hosts, sel)
	out := all[:0]
	for _, h := range all {
		if h.SubnetID == subnet {
			out = append(out, h)
		}
	}
	return out, nil
}

// CreateUpdateHost implements Backend.
func (m *MemoryBackend) CreateUpdateHost(_ context.Context, sel ServerSelector, host *HostReservation) error {
	if err := sel.checkWritable(); err != nil {
		return err
	}
	if err := host.Valid(); err != nil {
		return err
	}
	m.lock()
	stamp, rev := m.clock.stamp()
	stored := *host
	stored.ServerTags = sel.Tags()
	stored.ModifiedAt = stamp
	created := colUpsert(m.hosts, host.Key(), stored, stored.ServerTags, stamp)
	action := AuditUpdate
	if created {
		action = AuditCreate
	}
	notify := m.commit(ObjectHostReservation, host.Key(), action, stored.ServerTags, stamp, rev)
	m.unlock()
	host.ModifiedAt = stamp
	host.ServerTags = stored.ServerTags
	notify()
	return nil
}

// DeleteHost implements Backend.
func (m *MemoryBackend) DeleteHost(_ context.Context, sel ServerSelector, subnet lease.SubnetID, idType string, id []byte) (int, error) {
	if err := sel.checkWritable(); err != nil {
		return 0, err
	}
	key := hostKey(subnet, idType, id)
	m.lock()
	n := colDelete(m.hosts, sel, key)
	var notify func()
	if n > 0 {
		stamp, rev := m.clock.stamp()
		notify = m.commit(ObjectHostReservation, key, AuditDelete, sel.Tags(), stamp, rev)
	}
	m.unlock()
	if notify != nil {
		notify()
	}
	return n, nil
}

// --- audit and observers ---

// GetRecentAuditEntries implements Backend.
func (m *MemoryBackend) GetRecentAuditEntries(_ context.Context, sel ServerSelector, since time.Time) ([]AuditEntry, error) {
	if err := sel.checkReadable(); err != nil {
		return nil, err
	}
	m.lock()
	defer m.unlock()

	// the log is appended under the audit clock, so it is already ordered
	// by (timestamp, revision)
	var out []AuditEntry
	for _, e := range m.audit {
		if e.ModifiedAt.After(since) && sel.matches(e.ServerTags) {
			out = append(out, e)
		}
	}
	return out, nil
}

// RegisterObserver implements Backend.
func (m *MemoryBackend) RegisterObserver(cb Observer) (uuid.UUID, error) {
	if cb == nil {
		return uuid.Nil, fmt.Errorf("%w: nil observer callback", lease.ErrInvalidParameter)
	}
	m.lock()
	defer m.unlock()
	handle := uuid.New()
	m.observers[handle] = cb
	return handle, nil
}

// UnregisterObserver implements Backend.
func (m *MemoryBackend) UnregisterObserver(handle uuid.UUID) {
	m.lock()
	defer m.unlock()
	delete(m.observers, handle)
}
