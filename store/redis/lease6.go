// Copyright 2018-present the LeaseCore Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package redis

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/insomniacslk/dhcp/iana"

	"github.com/leasecore/leasecore/lease"
	"github.com/leasecore/leasecore/store"
)

// Store6 is the redis IPv6 lease store.
type Store6 struct {
	db *DB
}

// Name implements store.Backend.
func (s *Store6) Name() string { return "redis" }

// Description implements store.Backend.
func (s *Store6) Description() string { return "redis IPv6 lease store" }

// Version implements store.Backend.
func (s *Store6) Version(ctx context.Context) (store.Version, error) { return s.db.version(ctx) }

// Close implements store.Backend.
func (s *Store6) Close() error { return nil }

// member6 is the zset/index member form of the (type, address) tuple.
func member6(typ lease.Type6, addr netip.Addr) string {
	return strconv.Itoa(int(typ)) + ":" + addr.String()
}

func parseMember6(m string) (lease.Type6, netip.Addr, error) {
	typRaw, addrRaw, found := strings.Cut(m, ":")
	if !found {
		return 0, netip.Addr{}, fmt.Errorf("%w: malformed member %q", lease.ErrDBOperation, m)
	}
	typ, err := strconv.Atoi(typRaw)
	if err != nil {
		return 0, netip.Addr{}, fmt.Errorf("%w: malformed member %q: %v", lease.ErrDBOperation, m, err)
	}
	addr, err := netip.ParseAddr(addrRaw)
	if err != nil {
		return 0, netip.Addr{}, fmt.Errorf("%w: malformed member %q: %v", lease.ErrDBOperation, m, err)
	}
	return lease.Type6(typ), addr, nil
}

func key6(typ lease.Type6, addr netip.Addr) string { return "lease6:" + member6(typ, addr) }

func duidIndex6(duid lease.DUID, iaid lease.IAID) string {
	return "lease6:duid:" + hex.EncodeToString(duid) + ":" + strconv.FormatUint(uint64(iaid), 10)
}

func subnetIndex6(id lease.SubnetID) string {
	return "lease6:subnet:" + strconv.FormatUint(uint64(id), 10)
}

const (
	expireZSet6   = "lease6:expire"
	modifiedZSet6 = "lease6:modified"
)

func fields6(l *lease.Lease6) []any {
	args := []any{key6(l.Type, l.Addr),
		"address", l.Addr.String(),
		"lease_type", int(l.Type),
		"prefix_len", l.PrefixLen,
		"duid", hex.EncodeToString(l.DUID),
		"iaid", uint32(l.IAID),
		"preferred_lft", l.PreferredLft,
		"valid_lft", l.ValidLft,
		"t1", l.T1,
		"t2", l.T2,
		"cltt", l.CLTT.Unix(),
		"subnet_id", uint32(l.SubnetID),
		"fixed", boolField(l.Fixed),
		"hostname", l.Hostname,
		"fqdn_fwd", boolField(l.FQDNFwd),
		"fqdn_rev", boolField(l.FQDNRev),
		"state", int(l.State),
		"modified_at", l.ModifiedAt.UnixNano(),
	}
	if l.HWAddr != nil {
		args = append(args, "hwaddr", l.HWAddr.Key(), "hwtype", uint16(l.HWAddr.Type))
	}
	if l.UserContext != nil {
		raw, _ := json.Marshal(l.UserContext)
		args = append(args, "user_context", string(raw))
	}
	return args
}

func parse6(fields map[string]string) (*lease.Lease6, error) {
	bad := func(field string, err error) error {
		return fmt.Errorf("%w: lease6 field %s: %v", lease.ErrDBOperation, field, err)
	}
	addr, err := netip.ParseAddr(fields["address"])
	if err != nil {
		return nil, bad("address", err)
	}
	l := &lease.Lease6{Addr: addr, Hostname: fields["hostname"]}
	typ, err := strconv.Atoi(fields["lease_type"])
	if err != nil {
		return nil, bad("lease_type", err)
	}
	l.Type = lease.Type6(typ)
	plen, err := strconv.ParseUint(fields["prefix_len"], 10, 8)
	if err != nil {
		return nil, bad("prefix_len", err)
	}
	l.PrefixLen = uint8(plen)
	duid, err := hex.DecodeString(fields["duid"])
	if err != nil {
		return nil, bad("duid", err)
	}
	l.DUID = duid
	iaid, err := strconv.ParseUint(fields["iaid"], 10, 32)
	if err != nil {
		return nil, bad("iaid", err)
	}
	l.IAID = lease.IAID(iaid)
	if mac := fields["hwaddr"]; mac != "" {
		hw, err := net.ParseMAC(mac)
		if err != nil {
			return nil, bad("hwaddr", err)
		}
		hwtype, _ := strconv.ParseUint(fields["hwtype"], 10, 16)
		l.HWAddr = &lease.HWAddr{Type: iana.HWType(hwtype), Addr: hw}
	}
	for field, dst := range map[string]*uint32{
		"preferred_lft": &l.PreferredLft, "valid_lft": &l.ValidLft, "t1": &l.T1, "t2": &l.T2,
	} {
		n, err := strconv.ParseUint(fields[field], 10, 32)
		if err != nil {
			return nil, bad(field, err)
		}
		*dst = uint32(n)
	}
	cltt, err := strconv.ParseInt(fields["cltt"], 10, 64)
	if err != nil {
		return nil, bad("cltt", err)
	}
	l.CLTT = time.Unix(cltt, 0)
	subnet, err := strconv.ParseUint(fields["subnet_id"], 10, 32)
	if err != nil {
		return nil, bad("subnet_id", err)
	}
	l.SubnetID = lease.SubnetID(subnet)
	l.Fixed = fields["fixed"] == "1"
	l.FQDNFwd = fields["fqdn_fwd"] == "1"
	l.FQDNRev = fields["fqdn_rev"] == "1"
	state, err := strconv.Atoi(fields["state"])
	if err != nil {
		return nil, bad("state", err)
	}
	l.State = lease.State(state)
	if raw := fields["user_context"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &l.UserContext); err != nil {
			return nil, bad("user_context", err)
		}
	}
	modified, err := strconv.ParseInt(fields["modified_at"], 10, 64)
	if err != nil {
		return nil, bad("modified_at", err)
	}
	l.ModifiedAt = time.Unix(0, modified)
	return l, nil
}

func (s *Store6) read(conn redis.Conn, typ lease.Type6, addr netip.Addr) (*lease.Lease6, error) {
	fields, err := redis.StringMap(conn.Do("HGETALL", key6(typ, addr)))
	if err != nil {
		return nil, fmt.Errorf("%w: read lease6 %s/%s: %v", lease.ErrDBOperation, addr, typ, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return parse6(fields)
}

func queueWrite6(conn redis.Conn, stored, old *lease.Lease6) {
	if old != nil {
		m := member6(old.Type, old.Addr)
		conn.Send("SREM", duidIndex6(old.DUID, old.IAID), m)
		conn.Send("SREM", subnetIndex6(old.SubnetID), m)
		conn.Send("DEL", key6(old.Type, old.Addr))
	}
	m := member6(stored.Type, stored.Addr)
	conn.Send("HSET", fields6(stored)...)
	conn.Send("SADD", duidIndex6(stored.DUID, stored.IAID), m)
	conn.Send("SADD", subnetIndex6(stored.SubnetID), m)
	if stored.State.Live() {
		conn.Send("ZADD", expireZSet6, stored.Expiry().Unix(), m)
	} else {
		conn.Send("ZREM", expireZSet6, m)
	}
	conn.Send("ZADD", modifiedZSet6, stored.ModifiedAt.UnixNano(), m)
}

// AddLease implements store.Store6.
func (s *Store6) AddLease(ctx context.Context, l *lease.Lease6) (bool, error) {
	if err := l.Valid(); err != nil {
		return false, err
	}
	for attempt := 0; attempt < watchRetries; attempt++ {
		conn, err := s.db.conn(ctx)
		if err != nil {
			return false, err
		}
		ok, raced, err := s.tryAdd(conn, l)
		conn.Close()
		if err != nil {
			return false, err
		}
		if !raced {
			return ok, nil
		}
	}
	return false, fmt.Errorf("%w: lease6 %s/%s: too many contended inserts", lease.ErrDBOperation, l.Addr, l.Type)
}

func (s *Store6) tryAdd(conn redis.Conn, l *lease.Lease6) (ok, raced bool, err error) {
	if _, err := conn.Do("WATCH", key6(l.Type, l.Addr)); err != nil {
		return false, false, fmt.Errorf("%w: watch lease6: %v", lease.ErrDBOperation, err)
	}
	old, err := s.read(conn, l.Type, l.Addr)
	if err != nil {
		return false, false, err
	}
	if old != nil && old.State.Live() {
		conn.Do("UNWATCH")
		return false, false, nil
	}
	stored := l.Clone()
	stored.Hostname = lease.CanonicalHostname(stored.Hostname)
	stored.ModifiedAt = time.Now()

	conn.Send("MULTI")
	queueWrite6(conn, stored, old)
	reply, err := conn.Do("EXEC")
	if err != nil {
		return false, false, fmt.Errorf("%w: insert lease6 %s/%s: %v", lease.ErrDBOperation, l.Addr, l.Type, err)
	}
	if reply == nil {
		return false, true, nil
	}
	l.ModifiedAt = stored.ModifiedAt
	return true, false, nil
}

// GetByAddress implements store.Store6.
func (s *Store6) GetByAddress(ctx context.Context, typ lease.Type6, addr netip.Addr, subnet lease.SubnetID) (*lease.Lease6, error) {
	conn, err := s.db.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	l, err := s.read(conn, typ, addr)
	if err != nil || l == nil {
		return nil, err
	}
	if subnet != 0 && l.SubnetID != subnet {
		return nil, nil
	}
	return l, nil
}

func (s *Store6) fetchSet(ctx context.Context, indexKey string, subnet lease.SubnetID) ([]*lease.Lease6, error) {
	conn, err := s.db.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	members, err := redis.Strings(conn.Do("SMEMBERS", indexKey))
	if err != nil {
		return nil, fmt.Errorf("%w: read index %s: %v", lease.ErrDBOperation, indexKey, err)
	}
	out := make([]*lease.Lease6, 0, len(members))
	for _, m := range members {
		typ, addr, err := parseMember6(m)
		if err != nil {
			return nil, err
		}
		l, err := s.read(conn, typ, addr)
		if err != nil {
			return nil, err
		}
		if l == nil || (subnet != 0 && l.SubnetID != subnet) {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Addr != out[j].Addr {
			return out[i].Addr.Less(out[j].Addr)
		}
		return out[i].Type < out[j].Type
	})
	return out, nil
}

// GetByDUID implements store.Store6.
func (s *Store6) GetByDUID(ctx context.Context, duid lease.DUID, iaid lease.IAID, subnet lease.SubnetID) ([]*lease.Lease6, error) {
	return s.fetchSet(ctx, duidIndex6(duid, iaid), subnet)
}

// GetBySubnet implements store.Store6.
func (s *Store6) GetBySubnet(ctx context.Context, subnet lease.SubnetID) ([]*lease.Lease6, error) {
	return s.fetchSet(ctx, subnetIndex6(subnet), 0)
}

func (s *Store6) fetchRange(ctx context.Context, zset string, min, max string, limit int) ([]*lease.Lease6, error) {
	conn, err := s.db.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	args := []any{zset, min, max}
	if limit > 0 {
		args = append(args, "LIMIT", 0, limit)
	}
	members, err := redis.Strings(conn.Do("ZRANGEBYSCORE", args...))
	if err != nil {
		return nil, fmt.Errorf("%w: range %s: %v", lease.ErrDBOperation, zset, err)
	}
	out := make([]*lease.Lease6, 0, len(members))
	for _, m := range members {
		typ, addr, err := parseMember6(m)
		if err != nil {
			return nil, err
		}
		l, err := s.read(conn, typ, addr)
		if err != nil {
			return nil, err
		}
		if l == nil {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

// GetExpired implements store.Store6.
func (s *Store6) GetExpired(ctx context.Context, max int) ([]*lease.Lease6, error) {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	leases, err := s.fetchRange(ctx, expireZSet6, "-inf", now, max)
	if err != nil {
		return nil, err
	}
	out := leases[:0]
	for _, l := range leases {
		if l.State.Live() {
			out = append(out, l)
		}
	}
	return out, nil
}

// GetModifiedSince implements store.Store6.
func (s *Store6) GetModifiedSince(ctx context.Context, since time.Time) ([]*lease.Lease6, error) {
	min := "(" + strconv.FormatInt(since.UnixNano(), 10)
	return s.fetchRange(ctx, modifiedZSet6, min, "+inf", 0)
}

// Update implements store.Store6.
func (s *Store6) Update(ctx context.Context, l *lease.Lease6) error {
	if err := l.Valid(); err != nil {
		return err
	}
	for attempt := 0; attempt < watchRetries; attempt++ {
		conn, err := s.db.conn(ctx)
		if err != nil {
			return err
		}
		raced, err := s.tryUpdate(conn, l)
		conn.Close()
		if err != nil {
			return err
		}
		if !raced {
			return nil
		}
	}
	return fmt.Errorf("%w: lease6 %s/%s: too many contended updates", lease.ErrDBOperation, l.Addr, l.Type)
}

func (s *Store6) tryUpdate(conn redis.Conn, l *lease.Lease6) (raced bool, err error) {
	if _, err := conn.Do("WATCH", key6(l.Type, l.Addr)); err != nil {
		return false, fmt.Errorf("%w: watch lease6: %v", lease.ErrDBOperation, err)
	}
	old, err := s.read(conn, l.Type, l.Addr)
	if err != nil {
		return false, err
	}
	if old == nil {
		conn.Do("UNWATCH")
		return false, fmt.Errorf("%w: lease6 %s/%s", lease.ErrNoSuchLease, l.Addr, l.Type)
	}
	stored := l.Clone()
	stored.Hostname = lease.CanonicalHostname(stored.Hostname)
	stored.ModifiedAt = time.Now()

	conn.Send("MULTI")
	queueWrite6(conn, stored, old)
	reply, err := conn.Do("EXEC")
	if err != nil {
		return false, fmt.Errorf("%w: update lease6 %s/%s: %v", lease.ErrDBOperation, l.Addr, l.Type, err)
	}
	if reply == nil {
		return true, nil
	}
	l.ModifiedAt = stored.ModifiedAt
	return false, nil
}

// DeleteByAddress implements store.Store6.
func (s *Store6) DeleteByAddress(ctx context.Context, typ lease.Type6, addr netip.Addr) (bool, error) {
	for attempt := 0; attempt < watchRetries; attempt++ {
		conn, err := s.db.conn(ctx)
		if err != nil {
			return false, err
		}
		removed, raced, err := s.tryDelete(conn, typ, addr)
		conn.Close()
		if err != nil {
			return false, err
		}
		if !raced {
			return removed, nil
		}
	}
	return false, fmt.Errorf("%w: lease6 %s/%s: too many contended deletes", lease.ErrDBOperation, addr, typ)
}

func (s *Store6) tryDelete(conn redis.Conn, typ lease.Type6, addr netip.Addr) (removed, raced bool, err error) {
	if _, err := conn.Do("WATCH", key6(typ, addr)); err != nil {
		return false, false, fmt.Errorf("%w: watch lease6: %v", lease.ErrDBOperation, err)
	}
	old, err := s.read(conn, typ, addr)
	if err != nil {
		return false, false, err
	}
	if old == nil {
		conn.Do("UNWATCH")
		return false, false, nil
	}
	m := member6(typ, addr)
	conn.Send("MULTI")
	conn.Send("SREM", duidIndex6(old.DUID, old.IAID), m)
	conn.Send("SREM", subnetIndex6(old.SubnetID), m)
	conn.Send("ZREM", expireZSet6, m)
	conn.Send("ZREM", modifiedZSet6, m)
	conn.Send("DEL", key6(typ, addr))
	reply, err := conn.Do("EXEC")
	if err != nil {
		return false, false, fmt.Errorf("%w: delete lease6 %s/%s: %v", lease.ErrDBOperation, addr, typ, err)
	}
	if reply == nil {
		return false, true, nil
	}
	return true, false, nil
}
