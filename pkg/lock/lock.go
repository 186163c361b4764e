package lock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cuemby/promised/pkg/log"
	"github.com/cuemby/promised/pkg/store"
)

// Lock is a single held momentary lock.
type Lock struct {
	factory    *Factory
	key        UniqueKey
	acquiredAt time.Time
	released   atomic.Bool
}

// Release deletes the underlying unique-key document. A release
// arriving after the lock's TTL has already elapsed logs a warning
// rather than failing: the lock may already have been reclaimed by
// another waiter, and that is an expected, non-exceptional outcome.
// Release is idempotent; a second call is a no-op.
func (l *Lock) Release(ctx context.Context) error {
	if !l.released.CompareAndSwap(false, true) {
		return nil
	}
	elapsed := l.factory.clk.Now().Sub(l.acquiredAt)
	tx := l.factory.store.CreateTransaction(l.key.Partition())
	defer func() { _ = tx.Close() }()
	if err := tx.DeleteByID(l.key.ID(), store.IgnoreConcurrencyProtection()); err != nil {
		return err
	}
	err := tx.Commit()
	if elapsed > TTLSeconds*time.Second {
		log.Logger.Warn().Str("lock_id", l.key.ID()).Dur("elapsed", elapsed).Msg("lock released after its TTL had already elapsed")
	}
	return err
}

// CompositeLock is the result of WaitRange: every underlying lock in
// the requested set, released together.
type CompositeLock struct {
	factory    *Factory
	locks      []*Lock
	acquiredAt time.Time
	released   atomic.Bool
}

// Release releases every underlying lock in reverse acquisition
// order and reports whether the whole composite lock's TTL/2 window
// had already elapsed by the time Release was called.
func (c *CompositeLock) Release(ctx context.Context) (expiredOnDispose bool, err error) {
	if !c.released.CompareAndSwap(false, true) {
		return false, nil
	}
	elapsed := c.factory.clk.Now().Sub(c.acquiredAt)
	expiredOnDispose = elapsed > (TTLSeconds/2)*time.Second
	for i := len(c.locks) - 1; i >= 0; i-- {
		if e := c.locks[i].Release(ctx); e != nil && err == nil {
			err = e
		}
	}
	return expiredOnDispose, err
}

func releaseAllReverse(ctx context.Context, locks []*Lock) {
	for i := len(locks) - 1; i >= 0; i-- {
		_ = locks[i].Release(ctx)
	}
}
