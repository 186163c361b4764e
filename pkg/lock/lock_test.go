package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/promised/pkg/clock"
	"github.com/cuemby/promised/pkg/store"
)

func TestUniqueKeyIDMatchesLiteralEncoding(t *testing.T) {
	k := NewUniqueKey("/\\#?\"", "SeriTest_StringJsonProp")
	assert.Equal(t, "|SeriTest_StringJsonProp", k.Path)
	assert.Equal(t, `Uniq|SeriTest_StringJsonProp|L1wjPyI`, k.ID())
}

func TestUniqueKeyDocCarriesExpectedTTL(t *testing.T) {
	k := NewUniqueKey("some-value", "Ord_Data")
	doc := newUniqueKeyDoc(k)
	assert.Equal(t, TTLSeconds, doc.TTL)
	assert.Equal(t, 20, doc.TTL)
	assert.Equal(t, k.ID(), doc.ID)
	assert.Equal(t, k.Partition(), doc.Part)
}

func TestUniqueKeyLessOrdersByID(t *testing.T) {
	a := NewUniqueKey("a-value", "Path")
	b := NewUniqueKey("zzzzzzzzzz", "Path")
	assert.Equal(t, a.ID() < b.ID(), a.Less(b))
	assert.Equal(t, b.ID() < a.ID(), b.Less(a))
}

func openTestFactory(t *testing.T) (*Factory, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(dir + "/lock.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return NewFactory(s, clock.System), s
}

func TestWaitAcquiresAndReleaseFreesTheKey(t *testing.T) {
	f, _ := openTestFactory(t)
	ctx := context.Background()
	key := NewUniqueKey("resource-1", "Path")

	lk, err := f.Wait(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, lk)

	require.NoError(t, lk.Release(ctx))

	// Released, so a second acquisition should succeed immediately.
	lk2, err := f.Wait(ctx, key)
	require.NoError(t, err)
	require.NoError(t, lk2.Release(ctx))
}

func TestWaitReleaseIsIdempotent(t *testing.T) {
	f, _ := openTestFactory(t)
	ctx := context.Background()
	lk, err := f.Wait(ctx, NewUniqueKey("resource-idem", "Path"))
	require.NoError(t, err)
	require.NoError(t, lk.Release(ctx))
	require.NoError(t, lk.Release(ctx))
}

func TestWaitBlocksConcurrentAcquisitionUntilReleased(t *testing.T) {
	f, _ := openTestFactory(t)
	ctx := context.Background()
	key := NewUniqueKey("resource-contended", "Path")

	lk, err := f.Wait(ctx, key)
	require.NoError(t, err)

	var secondAcquired atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		lk2, err := f.Wait(ctx, key)
		if err == nil {
			secondAcquired.Store(true)
			_ = lk2.Release(ctx)
		}
	}()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, secondAcquired.Load())

	require.NoError(t, lk.Release(ctx))
	wg.Wait()
	assert.True(t, secondAcquired.Load())
}

func TestWaitRangeAcquiresAllInSortedOrderAndReleasesReverse(t *testing.T) {
	f, _ := openTestFactory(t)
	ctx := context.Background()

	keys := []UniqueKey{
		NewUniqueKey("c-value", "Path"),
		NewUniqueKey("a-value", "Path"),
		NewUniqueKey("b-value", "Path"),
	}

	composite, err := f.WaitRange(ctx, keys)
	require.NoError(t, err)
	require.Len(t, composite.locks, 3)
	for i := 0; i < len(composite.locks)-1; i++ {
		assert.True(t, composite.locks[i].key.Less(composite.locks[i+1].key))
	}

	expired, err := composite.Release(ctx)
	require.NoError(t, err)
	assert.False(t, expired)

	// A second call is a no-op.
	expired2, err := composite.Release(ctx)
	require.NoError(t, err)
	assert.False(t, expired2)
}

func TestWaitRangeFailureReleasesAlreadyAcquiredLocksReverse(t *testing.T) {
	f, s := openTestFactory(t)
	ctx := context.Background()

	blockedKey := NewUniqueKey("blocked", "Path")
	blocker, err := f.Wait(ctx, blockedKey)
	require.NoError(t, err)
	defer blocker.Release(ctx)

	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	// "available" sorts before "blocked" (by encoded id), so it is
	// acquired before the range fails on the blocked key.
	keys := []UniqueKey{NewUniqueKey("available", "Path"), blockedKey}
	require.True(t, keys[0].Less(blockedKey))
	_, err = f.WaitRange(shortCtx, keys)
	require.Error(t, err)

	// The lock that did succeed must have been released again, since
	// the whole range failed: a fresh acquisition must succeed.
	freeLock, err := f.Wait(context.Background(), NewUniqueKey("available", "Path"))
	require.NoError(t, err)
	require.NoError(t, freeLock.Release(context.Background()))
	_ = s
}
