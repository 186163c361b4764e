package salvager

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/promised/pkg/clock"
	"github.com/cuemby/promised/pkg/fulfiller"
	"github.com/cuemby/promised/pkg/log"
	"github.com/cuemby/promised/pkg/promise"
	"github.com/cuemby/promised/pkg/resilience"
	"github.com/cuemby/promised/pkg/store"
)

func newTestSalvager(t *testing.T) (*Salvager, *store.Store, *clock.Manual, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()
	mc := clock.NewManual(time.Unix(1_900_000_000, 0).UTC())
	s, err := store.Open(filepath.Join(dir, "s.db"), store.WithClock(mc))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	var buf bytes.Buffer
	log.Init(log.Config{Level: log.DebugLevel, JSONOutput: true, Output: &buf})

	policy := resilience.NewConcurrencyConflictPolicy()
	f := fulfiller.New(s, policy, nil)
	sv := New(s, f, policy, nil, mc)
	return sv, s, mc, &buf
}

func logLevelCount(buf *bytes.Buffer, level, contains string) int {
	count := 0
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if entry["level"] != level {
			continue
		}
		if msg, _ := entry["message"].(string); strings.Contains(msg, contains) {
			count++
		}
	}
	return count
}

func persistDuePromise(t *testing.T, s *store.Store, mc *clock.Manual, action string) *promise.Promise {
	t.Helper()
	ctx := clock.WithClock(context.Background(), mc)
	p, err := promise.Create(ctx, action, "payload")
	require.NoError(t, err)
	p.DueValue = mc.Now()
	tx := s.CreateTransaction(p.Partition())
	require.NoError(t, tx.Add(p))
	require.NoError(t, tx.Commit())
	return p
}

func TestTryFulfillDuePromisesClaimsAndFulfillsDuePromise(t *testing.T) {
	const action = "test.salvager.Due"
	invocations := 0
	promise.Register(action, func(ctx context.Context, p *promise.Promise) error {
		invocations++
		return nil
	})

	sv, s, mc, _ := newTestSalvager(t)
	p := persistDuePromise(t, s, mc, action)

	sv.TryFulfillDuePromises(context.Background())

	assert.Equal(t, 1, invocations)
	_, ok, err := store.GetTyped[promise.Promise](context.Background(), s, p.DocID(), p.Partition())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTryFulfillDuePromisesIgnoresNotYetDuePromises(t *testing.T) {
	const action = "test.salvager.NotDue"
	invocations := 0
	promise.Register(action, func(ctx context.Context, p *promise.Promise) error {
		invocations++
		return nil
	})

	sv, s, mc, _ := newTestSalvager(t)
	ctx := clock.WithClock(context.Background(), mc)
	p, err := promise.Create(ctx, action, "payload")
	require.NoError(t, err)
	// Due defaults to now + ClaimDuration: not yet due.
	tx := s.CreateTransaction(p.Partition())
	require.NoError(t, tx.Add(p))
	require.NoError(t, tx.Commit())

	sv.TryFulfillDuePromises(context.Background())

	assert.Equal(t, 0, invocations)
	_, ok, err := store.GetTyped[promise.Promise](context.Background(), s, p.DocID(), p.Partition())
	require.NoError(t, err)
	assert.True(t, ok, "promise not yet due must survive a drain cycle")
}

func TestTryFulfillDuePromisesDrainsMultiplePagesOfDuePromises(t *testing.T) {
	const action = "test.salvager.Paginated"
	invocations := 0
	promise.Register(action, func(ctx context.Context, p *promise.Promise) error {
		invocations++
		return nil
	})

	sv, s, mc, _ := newTestSalvager(t)
	for i := 0; i < 25; i++ {
		persistDuePromise(t, s, mc, action)
	}

	sv.TryFulfillDuePromises(context.Background())

	assert.Equal(t, 25, invocations)
}

func TestTryFulfillDuePromisesOnStorageErrorLogsExactlyOneError(t *testing.T) {
	const action = "test.salvager.StorageError"
	invocations := 0
	promise.Register(action, func(ctx context.Context, p *promise.Promise) error {
		invocations++
		return nil
	})

	sv, s, mc, buf := newTestSalvager(t)
	persistDuePromise(t, s, mc, action)

	// Force every subsequent store operation to fail, simulating a
	// broken store client.
	require.NoError(t, s.Close())

	sv.TryFulfillDuePromises(context.Background())

	assert.Equal(t, 0, invocations)
	assert.Equal(t, 1, logLevelCount(buf, "error", "Background fulfillment of neglected promises encountered an error"))
}
