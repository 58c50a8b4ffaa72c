// Package lock provides a distributed mutex over cachestore.Store with a
// watchdog goroutine that auto-renews the lease while held, aborting the
// caller's context if renewal fails too many times in a row. The
// heartbeat-with-abort-after-N-failures shape is the same one the
// retention runner uses around its file lease.
package lock

import (
	"context"
	"fmt"
	"time"

	"knowengage/internal/logger"
	"knowengage/internal/platform/cachestore"
)

const maxConsecutiveRenewFails = 3

// Lock is a held distributed lock plus its watchdog. Release must be
// called exactly once to stop the watchdog and drop the lease.
type Lock struct {
	store  cachestore.Store
	key    string
	owner  string
	ttl    time.Duration
	cancel context.CancelFunc
	done   chan struct{}
}

// TryAcquire attempts to take the lock at key without blocking. If it
// succeeds it starts a watchdog goroutine that renews the lease every
// ttl/3 and cancels runCtx (derived from ctx) if renewal fails
// maxConsecutiveRenewFails times in a row — callers should select on
// runCtx.Done() in their long-running work loop and abort promptly.
// ok is false if the lock is currently held by someone else.
func TryAcquire(ctx context.Context, store cachestore.Store, key, owner string, ttl time.Duration) (l *Lock, runCtx context.Context, ok bool, err error) {
	acquired, err := store.TryLock(ctx, key, owner, ttl)
	if err != nil {
		return nil, nil, false, fmt.Errorf("lock: try acquire %s: %w", key, err)
	}
	if !acquired {
		return nil, nil, false, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	l = &Lock{
		store:  store,
		key:    key,
		owner:  owner,
		ttl:    ttl,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go l.watchdog(runCtx)
	return l, runCtx, true, nil
}

func (l *Lock) watchdog(runCtx context.Context) {
	defer close(l.done)
	t := time.NewTicker(l.ttl / 3)
	defer t.Stop()
	var fails int
	for {
		select {
		case <-runCtx.Done():
			return
		case <-t.C:
			renewed, err := l.store.RenewLock(context.Background(), l.key, l.owner, l.ttl)
			if err != nil || !renewed {
				fails++
				logger.Warn("lock renew failed", "key", l.key, "owner", l.owner, "consecutive_fails", fails, "error", err)
				if fails >= maxConsecutiveRenewFails {
					logger.Error("lock renew exhausted, aborting holder", "key", l.key, "owner", l.owner)
					l.cancel()
					return
				}
				continue
			}
			if fails != 0 {
				logger.Info("lock renew recovered", "key", l.key, "owner", l.owner, "after_fails", fails)
			}
			fails = 0
		}
	}
}

// Release stops the watchdog and drops the lease. Safe to call even if
// the watchdog already aborted due to renewal failures.
func (l *Lock) Release() {
	l.cancel()
	<-l.done
	if err := l.store.Unlock(context.Background(), l.key, l.owner); err != nil {
		logger.Warn("lock release failed", "key", l.key, "owner", l.owner, "error", err)
	}
}
