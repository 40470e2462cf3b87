// Copyright 2018-present the LeaseCore Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package alloc

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/leasecore/leasecore/lease"
)

// PickerKind selects how the engine chooses candidate addresses from a
// subnet's free space.
type PickerKind string

// Picker kinds. Iterative walks the pools with a persistent cursor,
// random probes uniformly, hashed starts at a position derived from the
// client identifier so a returning client tends to get the same address.
const (
	PickerIterative PickerKind = "iterative"
	PickerRandom    PickerKind = "random"
	PickerHashed    PickerKind = "hashed"
)

// ParsePicker validates a configured picker name.
func ParsePicker(raw string) (PickerKind, error) {
	switch PickerKind(raw) {
	case PickerIterative, PickerRandom, PickerHashed:
		return PickerKind(raw), nil
	case "":
		return PickerIterative, nil
	}
	return "", fmt.Errorf("%w: unknown allocator %q", lease.ErrBadValue, raw)
}

// picker produces candidate offsets into a subnet's flattened pool space.
// One sweep is the state of a single allocation attempt: a bitset of
// offsets already tried keeps collision retries from revisiting them.
type picker struct {
	kind PickerKind

	mu      sync.Mutex
	cursors map[lease.SubnetID]uint64
}

func newPicker(kind PickerKind) *picker {
	return &picker{kind: kind, cursors: make(map[lease.SubnetID]uint64)}
}

// sweep tracks one allocation attempt over size offsets.
type sweep struct {
	size  uint64
	tried *bitset.BitSet
	next  uint64
}

// start opens a sweep for the subnet. clientKey seeds the hashed picker.
func (p *picker) start(subnet lease.SubnetID, size uint64, clientKey []byte) *sweep {
	if size == 0 {
		return &sweep{}
	}
	var first uint64
	switch p.kind {
	case PickerRandom:
		first = uint64(rand.Int63()) % size
	case PickerHashed:
		h := fnv.New64a()
		h.Write(clientKey)
		first = h.Sum64() % size
	default:
		p.mu.Lock()
		first = p.cursors[subnet] % size
		p.cursors[subnet] = first + 1
		p.mu.Unlock()
	}
	return &sweep{size: size, tried: bitset.New(uint(size)), next: first}
}

// take returns the next untried offset. After a collision the engine
// simply calls take again: the sweep advances linearly upward (wrapping),
// so the smallest available address after the collision point wins.
func (s *sweep) take() (uint64, bool) {
	if s.size == 0 || s.tried.All() {
		return 0, false
	}
	off := s.next % s.size
	for s.tried.Test(uint(off)) {
		off = (off + 1) % s.size
	}
	s.tried.Set(uint(off))
	s.next = off + 1
	return off, true
}

// skip marks an offset tried without yielding it, e.g. an address held by
// a reservation for some other client.
func (s *sweep) skip(off uint64) {
	if off < s.size {
		s.tried.Set(uint(off))
	}
}
