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
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/insomniacslk/dhcp/iana"

	"github.com/leasecore/leasecore/lease"
	"github.com/leasecore/leasecore/store"
)

// Store4 is the redis IPv4 lease store.
type Store4 struct {
	db *DB
}

// Name implements store.Backend.
func (s *Store4) Name() string { return "redis" }

// Description implements store.Backend.
func (s *Store4) Description() string { return "redis IPv4 lease store" }

// Version implements store.Backend.
func (s *Store4) Version(ctx context.Context) (store.Version, error) { return s.db.version(ctx) }

// Close implements store.Backend. The pool is shared with the IPv6 view;
// close the DB instead.
func (s *Store4) Close() error { return nil }

func key4(addr netip.Addr) string { return "lease4:" + addr.String() }

func hwIndex4(hw *lease.HWAddr) string { return "lease4:hw:" + hw.Key() }

func cidIndex4(cid lease.ClientID) string { return "lease4:cid:" + hex.EncodeToString(cid) }

func subnetIndex4(id lease.SubnetID) string {
	return "lease4:subnet:" + strconv.FormatUint(uint64(id), 10)
}

const (
	expireZSet4   = "lease4:expire"
	modifiedZSet4 = "lease4:modified"
)

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func fields4(l *lease.Lease4) []any {
	args := []any{key4(l.Addr),
		"address", l.Addr.String(),
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
	if l.ClientID != nil {
		args = append(args, "client_id", hex.EncodeToString(l.ClientID))
	}
	if l.UserContext != nil {
		raw, _ := json.Marshal(l.UserContext)
		args = append(args, "user_context", string(raw))
	}
	return args
}

func parse4(fields map[string]string) (*lease.Lease4, error) {
	bad := func(field string, err error) error {
		return fmt.Errorf("%w: lease4 field %s: %v", lease.ErrDBOperation, field, err)
	}
	addr, err := netip.ParseAddr(fields["address"])
	if err != nil {
		return nil, bad("address", err)
	}
	l := &lease.Lease4{Addr: addr, Hostname: fields["hostname"]}
	if mac := fields["hwaddr"]; mac != "" {
		hw, err := net.ParseMAC(mac)
		if err != nil {
			return nil, bad("hwaddr", err)
		}
		hwtype, _ := strconv.ParseUint(fields["hwtype"], 10, 16)
		l.HWAddr = &lease.HWAddr{Type: iana.HWType(hwtype), Addr: hw}
	}
	if cid := fields["client_id"]; cid != "" {
		raw, err := hex.DecodeString(cid)
		if err != nil {
			return nil, bad("client_id", err)
		}
		l.ClientID = raw
	}
	for field, dst := range map[string]*uint32{
		"valid_lft": &l.ValidLft, "t1": &l.T1, "t2": &l.T2,
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

func (s *Store4) read(conn redis.Conn, addr netip.Addr) (*lease.Lease4, error) {
	fields, err := redis.StringMap(conn.Do("HGETALL", key4(addr)))
	if err != nil {
		return nil, fmt.Errorf("%w: read lease4 %s: %v", lease.ErrDBOperation, addr, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return parse4(fields)
}

// queueWrite4 enqueues the full index-maintaining write of `stored`,
// replacing the previous image `old` if any. Must run inside MULTI.
func queueWrite4(conn redis.Conn, stored, old *lease.Lease4) {
	if old != nil {
		if old.HWAddr != nil {
			conn.Send("SREM", hwIndex4(old.HWAddr), old.Addr.String())
		}
		if old.ClientID != nil {
			conn.Send("SREM", cidIndex4(old.ClientID), old.Addr.String())
		}
		conn.Send("SREM", subnetIndex4(old.SubnetID), old.Addr.String())
		conn.Send("DEL", key4(old.Addr))
	}
	conn.Send("HSET", fields4(stored)...)
	if stored.HWAddr != nil {
		conn.Send("SADD", hwIndex4(stored.HWAddr), stored.Addr.String())
	}
	if stored.ClientID != nil {
		conn.Send("SADD", cidIndex4(stored.ClientID), stored.Addr.String())
	}
	conn.Send("SADD", subnetIndex4(stored.SubnetID), stored.Addr.String())
	if stored.State.Live() {
		conn.Send("ZADD", expireZSet4, stored.Expiry().Unix(), stored.Addr.String())
	} else {
		conn.Send("ZREM", expireZSet4, stored.Addr.String())
	}
	conn.Send("ZADD", modifiedZSet4, stored.ModifiedAt.UnixNano(), stored.Addr.String())
}

// AddLease implements store.Store4.
func (s *Store4) AddLease(ctx context.Context, l *lease.Lease4) (bool, error) {
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
	return false, fmt.Errorf("%w: lease4 %s: too many contended inserts", lease.ErrDBOperation, l.Addr)
}

func (s *Store4) tryAdd(conn redis.Conn, l *lease.Lease4) (ok, raced bool, err error) {
	if _, err := conn.Do("WATCH", key4(l.Addr)); err != nil {
		return false, false, fmt.Errorf("%w: watch lease4 %s: %v", lease.ErrDBOperation, l.Addr, err)
	}
	old, err := s.read(conn, l.Addr)
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
	queueWrite4(conn, stored, old)
	reply, err := conn.Do("EXEC")
	if err != nil {
		return false, false, fmt.Errorf("%w: insert lease4 %s: %v", lease.ErrDBOperation, l.Addr, err)
	}
	if reply == nil {
		// another writer touched the key, try again
		return false, true, nil
	}
	l.ModifiedAt = stored.ModifiedAt
	return true, false, nil
}

// GetByAddress implements store.Store4.
func (s *Store4) GetByAddress(ctx context.Context, addr netip.Addr, subnet lease.SubnetID) (*lease.Lease4, error) {
	conn, err := s.db.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	l, err := s.read(conn, addr)
	if err != nil || l == nil {
		return nil, err
	}
	if subnet != 0 && l.SubnetID != subnet {
		return nil, nil
	}
	return l, nil
}

func (s *Store4) fetchSet(ctx context.Context, indexKey string, subnet lease.SubnetID) ([]*lease.Lease4, error) {
	conn, err := s.db.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	members, err := redis.Strings(conn.Do("SMEMBERS", indexKey))
	if err != nil {
		return nil, fmt.Errorf("%w: read index %s: %v", lease.ErrDBOperation, indexKey, err)
	}
	out := make([]*lease.Lease4, 0, len(members))
	for _, m := range members {
		addr, err := netip.ParseAddr(m)
		if err != nil {
			return nil, fmt.Errorf("%w: index %s member %q: %v", lease.ErrDBOperation, indexKey, m, err)
		}
		l, err := s.read(conn, addr)
		if err != nil {
			return nil, err
		}
		// the index may briefly lead or trail the hash; skip strays
		if l == nil || (subnet != 0 && l.SubnetID != subnet) {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr.Less(out[j].Addr) })
	return out, nil
}

// GetByHWAddr implements store.Store4.
func (s *Store4) GetByHWAddr(ctx context.Context, hw lease.HWAddr, subnet lease.SubnetID) ([]*lease.Lease4, error) {
	return s.fetchSet(ctx, hwIndex4(&hw), subnet)
}

// GetByClientID implements store.Store4.
func (s *Store4) GetByClientID(ctx context.Context, cid lease.ClientID, subnet lease.SubnetID) ([]*lease.Lease4, error) {
	return s.fetchSet(ctx, cidIndex4(cid), subnet)
}

// GetBySubnet implements store.Store4.
func (s *Store4) GetBySubnet(ctx context.Context, subnet lease.SubnetID) ([]*lease.Lease4, error) {
	return s.fetchSet(ctx, subnetIndex4(subnet), 0)
}

func (s *Store4) fetchRange(ctx context.Context, zset string, min, max string, limit int) ([]*lease.Lease4, error) {
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
	out := make([]*lease.Lease4, 0, len(members))
	for _, m := range members {
		addr, err := netip.ParseAddr(m)
		if err != nil {
			return nil, fmt.Errorf("%w: zset %s member %q: %v", lease.ErrDBOperation, zset, m, err)
		}
		l, err := s.read(conn, addr)
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

// GetExpired implements store.Store4.
func (s *Store4) GetExpired(ctx context.Context, max int) ([]*lease.Lease4, error) {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	leases, err := s.fetchRange(ctx, expireZSet4, "-inf", now, max)
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

// GetModifiedSince implements store.Store4.
func (s *Store4) GetModifiedSince(ctx context.Context, since time.Time) ([]*lease.Lease4, error) {
	min := "(" + strconv.FormatInt(since.UnixNano(), 10)
	return s.fetchRange(ctx, modifiedZSet4, min, "+inf", 0)
}

// Update implements store.Store4.
func (s *Store4) Update(ctx context.Context, l *lease.Lease4) error {
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
	return fmt.Errorf("%w: lease4 %s: too many contended updates", lease.ErrDBOperation, l.Addr)
}

func (s *Store4) tryUpdate(conn redis.Conn, l *lease.Lease4) (raced bool, err error) {
	if _, err := conn.Do("WATCH", key4(l.Addr)); err != nil {
		return false, fmt.Errorf("%w: watch lease4 %s: %v", lease.ErrDBOperation, l.Addr, err)
	}
	old, err := s.read(conn, l.Addr)
	if err != nil {
		return false, err
	}
	if old == nil {
		conn.Do("UNWATCH")
		return false, fmt.Errorf("%w: lease4 %s", lease.ErrNoSuchLease, l.Addr)
	}
	stored := l.Clone()
	stored.Hostname = lease.CanonicalHostname(stored.Hostname)
	stored.ModifiedAt = time.Now()

	conn.Send("MULTI")
	queueWrite4(conn, stored, old)
	reply, err := conn.Do("EXEC")
	if err != nil {
		return false, fmt.Errorf("%w: update lease4 %s: %v", lease.ErrDBOperation, l.Addr, err)
	}
	if reply == nil {
		return true, nil
	}
	l.ModifiedAt = stored.ModifiedAt
	return false, nil
}

// DeleteByAddress implements store.Store4.
func (s *Store4) DeleteByAddress(ctx context.Context, addr netip.Addr) (bool, error) {
	for attempt := 0; attempt < watchRetries; attempt++ {
		conn, err := s.db.conn(ctx)
		if err != nil {
			return false, err
		}
		removed, raced, err := s.tryDelete(conn, addr)
		conn.Close()
		if err != nil {
			return false, err
		}
		if !raced {
			return removed, nil
		}
	}
	return false, fmt.Errorf("%w: lease4 %s: too many contended deletes", lease.ErrDBOperation, addr)
}

func (s *Store4) tryDelete(conn redis.Conn, addr netip.Addr) (removed, raced bool, err error) {
	if _, err := conn.Do("WATCH", key4(addr)); err != nil {
		return false, false, fmt.Errorf("%w: watch lease4 %s: %v", lease.ErrDBOperation, addr, err)
	}
	old, err := s.read(conn, addr)
	if err != nil {
		return false, false, err
	}
	if old == nil {
		conn.Do("UNWATCH")
		return false, false, nil
	}
	conn.Send("MULTI")
	if old.HWAddr != nil {
		conn.Send("SREM", hwIndex4(old.HWAddr), addr.String())
	}
	if old.ClientID != nil {
		conn.Send("SREM", cidIndex4(old.ClientID), addr.String())
	}
	conn.Send("SREM", subnetIndex4(old.SubnetID), addr.String())
	conn.Send("ZREM", expireZSet4, addr.String())
	conn.Send("ZREM", modifiedZSet4, addr.String())
	conn.Send("DEL", key4(addr))
	reply, err := conn.Do("EXEC")
	if err != nil {
		return false, false, fmt.Errorf("%w: delete lease4 %s: %v", lease.ErrDBOperation, addr, err)
	}
	if reply == nil {
		return false, true, nil
	}
	return true, false, nil
}
