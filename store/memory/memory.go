// Copyright 2018-present the LeaseCore Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package memory implements the lease store contract with plain maps and
// secondary indexes. It is the backend of choice for tests and for
// single-node servers that persist leases elsewhere.
package memory

import (
	"sync"

	"github.com/leasecore/leasecore/store"
)

// schemaVersion is what Version reports. There is no disk format, so the
// major can never mismatch.
var schemaVersion = store.Version{Major: 1, Minor: 0}

// locker guards the store's maps. In single-threaded mode every method is
// called from the one worker and the locking steps are skipped.
type locker struct {
	mu sync.RWMutex
	mt bool
}

func (l *locker) lock() {
	if l.mt {
		l.mu.Lock()
	}
}

func (l *locker) unlock() {
	if l.mt {
		l.mu.Unlock()
	}
}

func (l *locker) rlock() {
	if l.mt {
		l.mu.RLock()
	}
}

func (l *locker) runlock() {
	if l.mt {
		l.mu.RUnlock()
	}
}
