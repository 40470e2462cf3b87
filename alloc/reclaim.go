// Copyright 2018-present the LeaseCore Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package alloc

import (
	"context"
	"time"

	"github.com/leasecore/leasecore/lease"
)

// reclaimBatch bounds how many expired leases one pass processes.
const reclaimBatch = 100

// Reclaim moves expired leases (including declined ones past quarantine)
// to expired-reclaimed and purges reclaimed rows older than the horizon.
// It returns how many leases were reclaimed.
func (e *Engine4) Reclaim(ctx context.Context) (int, error) {
	expired, err := e.store.GetExpired(ctx, reclaimBatch)
	if err != nil {
		return 0, err
	}
	horizon := time.Now().Add(-e.cfg.ReclaimHorizon)
	count := 0
	for _, l := range expired {
		if ctx.Err() != nil {
			return count, ctx.Err()
		}
		if e.cfg.ReclaimHorizon > 0 && l.Expiry().Before(horizon) {
			if _, err := e.store.DeleteByAddress(ctx, l.Addr); err != nil {
				return count, err
			}
			count++
			continue
		}
		if l.State == lease.StateDeclined {
			log.Infof("declined address %s finished quarantine", l.Addr)
		}
		l.State = lease.StateExpiredReclaimed
		if err := e.store.Update(ctx, l); err != nil {
			return count, err
		}
		count++
	}
	// age out rows reclaimed long ago
	if e.cfg.ReclaimHorizon > 0 {
		snap := e.snapshot()
		if snap != nil {
			for id := range snap.Subnets {
				leases, err := e.store.GetBySubnet(ctx, id)
				if err != nil {
					return count, err
				}
				for _, l := range leases {
					if l.State == lease.StateExpiredReclaimed && l.Expiry().Before(horizon) {
						if _, err := e.store.DeleteByAddress(ctx, l.Addr); err != nil {
							return count, err
						}
					}
				}
			}
		}
	}
	return count, nil
}

// RunReclaimer reclaims on the interval until the context is cancelled.
func (e *Engine4) RunReclaimer(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := e.Reclaim(ctx)
			if err != nil {
				log.Warningf("IPv4 reclamation pass failed: %v", err)
			} else if n > 0 {
				log.Infof("reclaimed %d IPv4 leases", n)
			}
		}
	}
}

// Reclaim is the IPv6 reclamation pass.
func (e *Engine6) Reclaim(ctx context.Context) (int, error) {
	expired, err := e.store.GetExpired(ctx, reclaimBatch)
	if err != nil {
		return 0, err
	}
	horizon := time.Now().Add(-e.cfg.ReclaimHorizon)
	count := 0
	for _, l := range expired {
		if ctx.Err() != nil {
			return count, ctx.Err()
		}
		if e.cfg.ReclaimHorizon > 0 && l.Expiry().Before(horizon) {
			if _, err := e.store.DeleteByAddress(ctx, l.Type, l.Addr); err != nil {
				return count, err
			}
			count++
			continue
		}
		if l.State == lease.StateDeclined {
			log.Infof("declined address %s finished quarantine", l.Addr)
		}
		l.State = lease.StateExpiredReclaimed
		if err := e.store.Update(ctx, l); err != nil {
			return count, err
		}
		count++
	}
	if e.cfg.ReclaimHorizon > 0 {
		snap := e.snapshot()
		if snap != nil {
			for id := range snap.Subnets {
				leases, err := e.store.GetBySubnet(ctx, id)
				if err != nil {
					return count, err
				}
				for _, l := range leases {
					if l.State == lease.StateExpiredReclaimed && l.Expiry().Before(horizon) {
						if _, err := e.store.DeleteByAddress(ctx, l.Type, l.Addr); err != nil {
							return count, err
						}
					}
				}
			}
		}
	}
	return count, nil
}

// RunReclaimer reclaims on the interval until the context is cancelled.
func (e *Engine6) RunReclaimer(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := e.Reclaim(ctx)
			if err != nil {
				log.Warningf("IPv6 reclamation pass failed: %v", err)
			} else if n > 0 {
				log.Infof("reclaimed %d IPv6 leases", n)
			}
		}
	}
}
