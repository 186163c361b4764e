package exampleuc

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/promised/pkg/clock"
	"github.com/cuemby/promised/pkg/fulfiller"
	"github.com/cuemby/promised/pkg/ids"
	"github.com/cuemby/promised/pkg/promise"
	"github.com/cuemby/promised/pkg/resilience"
	"github.com/cuemby/promised/pkg/salvager"
	"github.com/cuemby/promised/pkg/store"
)

func TestAddEntitiesCreatesEntityAndSchedulesItsOwnRemoval(t *testing.T) {
	dir := t.TempDir()
	mc := clock.NewManual(time.Unix(1_800_000_000, 0).UTC())
	s, err := store.Open(filepath.Join(dir, "exampleuc.db"), store.WithClock(mc))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := ids.WithGenerator(clock.WithClock(context.Background(), mc), ids.NewStrictlyIncremental("par"))

	uc := New(s)
	policy := resilience.NewConcurrencyConflictPolicy()
	f := fulfiller.New(s, policy, nil)
	sv := salvager.New(s, f, policy, nil, mc)

	entity, p, err := uc.AddEntities(ctx)
	require.NoError(t, err)

	assert.Equal(t, "0000000000100000000par", entity.DocID())
	assert.Equal(t, "Jan", entity.Name)
	assert.Equal(t, "0000000000400000000par", p.DocID())
	assert.Equal(t, entity.DocID(), p.Data())
	assert.Equal(t, ActionRemoveEntity, p.ActionName())
	assert.Equal(t, entity.Partition(), p.Partition())

	entities, err := store.List[ExampleEntity](context.Background(), s, store.Query{Kind: Kind, Partition: entity.Partition()})
	require.NoError(t, err)
	assert.Len(t, entities.Items, 1)

	promises, err := store.List[promise.Promise](context.Background(), s, store.Query{Kind: promise.Kind, Partition: entity.Partition()})
	require.NoError(t, err)
	assert.Len(t, promises.Items, 1)

	mc.Advance(promise.ClaimDuration)
	sv.TryFulfillDuePromises(context.Background())

	_, ok, err := store.GetTyped[ExampleEntity](context.Background(), s, entity.DocID(), entity.Partition())
	require.NoError(t, err)
	assert.False(t, ok, "the due promise's action must have removed the entity")

	_, ok, err = store.GetTyped[promise.Promise](context.Background(), s, p.DocID(), p.Partition())
	require.NoError(t, err)
	assert.False(t, ok, "a fulfilled promise is deleted")
}

func TestAddEntitiesIsIndependentAcrossCalls(t *testing.T) {
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "exampleuc2.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	uc := New(s)

	first, firstPromise, err := uc.AddEntities(context.Background())
	require.NoError(t, err)
	second, secondPromise, err := uc.AddEntities(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, first.DocID(), second.DocID())
	assert.NotEqual(t, firstPromise.DocID(), secondPromise.DocID())
	assert.Equal(t, first.DocID(), firstPromise.Data())
	assert.Equal(t, second.DocID(), secondPromise.Data())
}
