// Package migration coordinates schema migrations applied to a
// shared container record at process startup. Every replica calls
// Migrate; a momentary lock serializes which replica starts the next
// migration, and a double-check against the applied count before and
// after acquiring the lock keeps redundant starters from re-applying
// work another replica just finished.
package migration

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/cuemby/promised/pkg/lock"
	"github.com/cuemby/promised/pkg/log"
	"github.com/cuemby/promised/pkg/metrics"
	"github.com/cuemby/promised/pkg/resilience"
	"github.com/cuemby/promised/pkg/store"
)

// Kind is the entity-discriminating label stored on every migration
// record.
const Kind = "Migration"

const partition = "Migrations"
const containerKind = "Container"
const containerID = "Container"

// Record is the append-only audit trail of one applied migration.
type Record struct {
	store.Meta
	Count       uint   `json:"Migration_Cnt"`
	Description string `json:"Migration_Dscr"`
}

func recordID(count uint) string {
	return fmt.Sprintf("Migration%05d", count)
}

// container holds the shared properties every registered Step mutates
// in turn. Properties is opaque to the coordinator; only the
// registered Steps know what the keys mean.
type container struct {
	store.Meta
	Properties map[string]string `json:"Properties"`
}

// Step is one registered schema migration: Apply receives the
// container's current properties and returns the properties after
// this step's deterministic mutation.
type Step struct {
	Key   string
	Apply func(ctx context.Context, properties map[string]string) (map[string]string, error)
}

// Coordinator runs the registered Steps, in order, to catch up a
// possibly-behind container to the latest schema.
type Coordinator struct {
	store  *store.Store
	locks  *lock.Factory
	policy *resilience.Policy
	metric resilience.Histogram
	steps  []Step
	reads  singleflight.Group
}

// New builds a Coordinator over the given registered steps, applied in
// the order given.
func New(s *store.Store, locks *lock.Factory, policy *resilience.Policy, metric resilience.Histogram, steps []Step) *Coordinator {
	return &Coordinator{store: s, locks: locks, policy: policy, metric: metric, steps: steps}
}

// migrationLockKey is a single well-known key every Migrate caller
// contends for while deciding whether to start the next migration. Its
// value is fixed rather than derived from the current count: the lock
// only ever needs to serialize the decision, not identify a specific
// migration.
func migrationLockKey() lock.UniqueKey {
	return lock.NewUniqueKey("0", "Migration", "Count")
}

// Migrate applies every registered Step not yet reflected in the
// migration record collection, returning once the container is fully
// caught up. Safe to call concurrently from multiple replicas: each
// caller either applies exactly one migration per lock acquisition or
// discovers, after acquiring the lock, that someone else already did.
func (c *Coordinator) Migrate(ctx context.Context) error {
	log.Logger.Info().Msg("Migrating")
	for {
		n, err := c.countApplied(ctx)
		if err != nil {
			return err
		}
		if n == len(c.steps) {
			break
		}

		lk, err := c.locks.Wait(ctx, migrationLockKey())
		if err != nil {
			return err
		}

		n, err = c.scanAppliedCount(ctx)
		if err != nil {
			_ = lk.Release(ctx)
			return err
		}
		if n == len(c.steps) {
			_ = lk.Release(ctx)
			break
		}

		applyErr := c.applyOne(ctx, n)
		if releaseErr := lk.Release(ctx); releaseErr != nil && applyErr == nil {
			applyErr = releaseErr
		}
		if applyErr != nil {
			return applyErr
		}
	}
	log.Logger.Info().Msg("Migrated")
	return nil
}

// countApplied scans the audit trail for how many migrations have
// landed so far, for the outer, pre-lock check deciding whether it is
// even worth queueing for the lock. Concurrent callers asking this at
// the same moment collapse onto one underlying scan via singleflight:
// a stale-by-a-few-milliseconds answer here only costs an extra trip
// through the lock, never a missed or duplicated migration, since the
// post-lock double-check (scanAppliedCount) always re-reads directly.
func (c *Coordinator) countApplied(ctx context.Context) (int, error) {
	v, err, _ := c.reads.Do("countApplied", func() (any, error) {
		return c.scanAppliedCount(ctx)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// scanAppliedCount is the same audit-trail scan countApplied wraps,
// but performed fresh every time. This is the one Migrate uses right
// after acquiring the migration lock: that check gates whether this
// caller goes on to apply a step, so it must observe every migration
// a prior lock-holder already committed, never a scan some other,
// earlier caller happened to be running concurrently.
func (c *Coordinator) scanAppliedCount(ctx context.Context) (int, error) {
	count := 0
	for _, err := range store.Enumerate[Record](ctx, c.store, store.Query{Kind: Kind, Partition: partition}) {
		if err != nil {
			return 0, err
		}
		count++
	}
	return count, nil
}

// applyOne applies the migration at zero-based index i, bringing the
// applied count from i to i+1.
func (c *Coordinator) applyOne(ctx context.Context, i int) error {
	step := c.steps[i]
	number := uint(i + 1)

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.MigrationDuration, step.Key)

	log.Logger.Info().Msgf("Migrating to #%d: %s", number, step.Key)

	current, existed, err := store.GetTyped[container](ctx, c.store, containerID, partition)
	if err != nil {
		return err
	}
	if !existed {
		current = container{
			Meta:       store.Meta{ID: containerID, Part: partition, KindName: containerKind},
			Properties: map[string]string{},
		}
	}

	updated, err := step.Apply(ctx, current.Properties)
	if err != nil {
		return err
	}
	current.Properties = updated

	err = resilience.Do(ctx, c.policy, c.metric, func() error {
		tx := c.store.CreateTransaction(partition)
		defer func() { _ = tx.Close() }()
		var txErr error
		if existed {
			txErr = tx.Update(&current)
		} else {
			txErr = tx.Add(&current)
		}
		if txErr != nil {
			return txErr
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}

	// The audit record is written under a fresh, uncancelable context:
	// the container mutation already landed, so the record must follow
	// even if the caller's context is canceled in the meantime.
	recordCtx := context.Background()
	err = resilience.Do(recordCtx, c.policy, c.metric, func() error {
		rec := &Record{
			Meta:        store.Meta{ID: recordID(number), Part: partition, KindName: Kind},
			Count:       number,
			Description: step.Key,
		}
		tx := c.store.CreateTransaction(partition)
		defer func() { _ = tx.Close() }()
		if addErr := tx.Add(rec); addErr != nil {
			return addErr
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}

	metrics.MigrationsAppliedTotal.Inc()
	log.Logger.Info().Msgf("Migrated to #%d: %s", number, step.Key)
	return nil
}
