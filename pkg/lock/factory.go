package lock

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/promised/pkg/clock"
	"github.com/cuemby/promised/pkg/metrics"
	"github.com/cuemby/promised/pkg/store"
)

const maxWaitAttempts = 10
const waitBaseDelay = 30 * time.Millisecond

// Factory acquires momentary locks backed by a Store.
type Factory struct {
	store *store.Store
	clk   clock.Clock
}

// NewFactory builds a lock Factory over s, using clk for TTL and
// elapsed-time bookkeeping.
func NewFactory(s *store.Store, clk clock.Clock) *Factory {
	return &Factory{store: s, clk: clk}
}

// Wait acquires key, retrying with jittered exponential backoff (base
// 30ms) up to 10 attempts before failing ErrLockUnavailable. Every
// caller gets its own acquisition attempt: two callers racing for the
// identical key must each individually win or lose the underlying
// etag-conditional insert, since a shared result would hand the same
// held lock to more than one logical owner at once.
func (f *Factory) Wait(ctx context.Context, key UniqueKey) (*Lock, error) {
	return f.acquire(ctx, key)
}

func (f *Factory) acquire(ctx context.Context, key UniqueKey) (*Lock, error) {
	start := f.clk.Now()
	for attempt := 0; attempt < maxWaitAttempts; attempt++ {
		doc := newUniqueKeyDoc(key)
		tx := f.store.CreateTransaction(doc.Part)
		if err := tx.Add(doc); err != nil {
			_ = tx.Close()
			metrics.LockAcquisitionsTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		err := tx.Commit()
		_ = tx.Close()
		if err == nil {
			metrics.LockWaitDuration.Observe(f.clk.Now().Sub(start).Seconds())
			metrics.LockAcquisitionsTotal.WithLabelValues("acquired").Inc()
			return &Lock{factory: f, key: key, acquiredAt: f.clk.Now()}, nil
		}
		if !store.IsConcurrencyConflict(err) {
			metrics.LockAcquisitionsTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		select {
		case <-ctx.Done():
			metrics.LockAcquisitionsTotal.WithLabelValues("canceled").Inc()
			return nil, ctx.Err()
		case <-time.After(jitteredBackoff(attempt)):
		}
	}
	metrics.LockAcquisitionsTotal.WithLabelValues("unavailable").Inc()
	return nil, ErrLockUnavailable
}

func jitteredBackoff(attempt int) time.Duration {
	d := waitBaseDelay << attempt
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

// WaitRange acquires every key in keys, sorted first to avoid
// deadlocking against unrelated callers racing for an overlapping
// set. Each acquired lock is held by a background holder goroutine
// that waits for every other key to be acquired too, self-refreshing
// its own TTL at TTL/2 if the barrier hasn't fired yet. On error or
// context cancellation, already-acquired locks are released in
// reverse order.
func (f *Factory) WaitRange(ctx context.Context, keys []UniqueKey) (*CompositeLock, error) {
	sorted := append([]UniqueKey(nil), keys...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })

	b := newBarrier(len(sorted))
	var acquired []*Lock
	var wg sync.WaitGroup
	holdCtx, stopHolders := context.WithCancel(ctx)
	defer stopHolders()

	for _, k := range sorted {
		lk, err := f.Wait(ctx, k)
		if err != nil {
			stopHolders()
			wg.Wait()
			releaseAllReverse(ctx, acquired)
			return nil, err
		}
		acquired = append(acquired, lk)
		wg.Add(1)
		go func(lk *Lock) {
			defer wg.Done()
			f.holdUntilBarrier(holdCtx, lk, b)
		}(lk)
	}
	wg.Wait()
	return &CompositeLock{factory: f, locks: acquired, acquiredAt: f.clk.Now()}, nil
}

func (f *Factory) holdUntilBarrier(ctx context.Context, lk *Lock, b *barrier) {
	refresh := (TTLSeconds / 2) * time.Second
	b.arrive()
	for {
		if b.wait(ctx, refresh) {
			return
		}
		if ctx.Err() != nil {
			return
		}
		b.retreat()
		_ = f.refreshTTL(lk)
		b.arrive()
	}
}

// refreshTTL re-writes the unique-key document's storage timestamp
// unconditionally (a "conditional-free patch"), extending its
// effective TTL window without disturbing its etag.
func (f *Factory) refreshTTL(lk *Lock) error {
	doc := newUniqueKeyDoc(lk.key)
	tx := f.store.CreateTransaction(lk.key.Partition())
	defer func() { _ = tx.Close() }()
	if err := tx.Update(doc, store.IgnoreConcurrencyProtection()); err != nil {
		return err
	}
	return tx.Commit()
}
