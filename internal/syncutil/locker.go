// Package syncutil provides the per-key critical sections used by the
// settlement services: per-user for ledger mutations, per-decision for the
// decision engine and per-snapshot for webhook reconciliation.
package syncutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/teocoin/settlement/internal/errs"
)

// Locker serializes work on a string key.
type Locker interface {
	// Lock blocks until the key is held or ctx ends. The returned unlock
	// function must be called exactly once; extra calls are no-ops.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// LocalLocker is an in-process Locker with a bounded wait.
type LocalLocker struct {
	mu      *KeyedMutex
	timeout time.Duration
}

// NewLocalLocker returns an in-process locker. A zero timeout waits until
// the caller's context ends.
func NewLocalLocker(timeout time.Duration) *LocalLocker {
	return &LocalLocker{mu: NewKeyedMutex(), timeout: timeout}
}

// Lock implements Locker.
func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	waitCtx := ctx
	if l.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	unlock, err := l.mu.LockContext(waitCtx, key)
	if err != nil {
		return nil, lockErr(ctx, key, err)
	}
	return unlock, nil
}

// AdvisoryLocker serializes across processes with postgres session-level
// advisory locks. Each held lock pins one pooled connection until unlocked.
type AdvisoryLocker struct {
	db      *sql.DB
	local   *LocalLocker
	timeout time.Duration
}

// NewAdvisoryLocker returns a Locker backed by pg_advisory_lock. A local
// shard lock is taken first so goroutines in this process queue in memory
// instead of each holding a connection while waiting.
func NewAdvisoryLocker(db *sql.DB, timeout time.Duration) *AdvisoryLocker {
	return &AdvisoryLocker{db: db, local: NewLocalLocker(timeout), timeout: timeout}
}

// Lock implements Locker.
func (a *AdvisoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	unlockLocal, err := a.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}

	waitCtx := ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	conn, err := a.db.Conn(waitCtx)
	if err != nil {
		unlockLocal()
		return nil, errs.FromDB(err, "advisory lock conn")
	}
	if _, err := conn.ExecContext(waitCtx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, key); err != nil {
		_ = conn.Close()
		unlockLocal()
		if waitCtx.Err() != nil {
			return nil, lockErr(ctx, key, waitCtx.Err())
		}
		return nil, errs.FromDB(err, "advisory lock")
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		// Unlock on a fresh context so a cancelled request still releases.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.ExecContext(rctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, key); err != nil {
			// Closing a session drops its advisory locks.
			_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		}
		_ = conn.Close()
		unlockLocal()
	}, nil
}

func lockErr(parent context.Context, key string, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	return fmt.Errorf("lock %s: %w", key, errs.ErrLockTimeout)
}
