// Package fulfiller executes a promise's registered action and,
// on success, deletes the promise from storage.
package fulfiller

import (
	"context"
	"errors"

	"github.com/cuemby/promised/pkg/log"
	"github.com/cuemby/promised/pkg/metrics"
	"github.com/cuemby/promised/pkg/promise"
	"github.com/cuemby/promised/pkg/resilience"
	"github.com/cuemby/promised/pkg/store"
)

// warnThreshold is the attempt count above which a fulfillment
// failure is logged at Error instead of Warning.
const warnThreshold = 20

// Fulfiller invokes a promise's action and cleans it up on success.
type Fulfiller struct {
	store         *store.Store
	policy        *resilience.Policy
	attemptMetric resilience.Histogram
}

// New builds a Fulfiller backed by s, retrying both the action
// invocation and the cleanup delete under policy.
func New(s *store.Store, policy *resilience.Policy, attemptMetric resilience.Histogram) *Fulfiller {
	return &Fulfiller{store: s, policy: policy, attemptMetric: attemptMetric}
}

// TryFulfill never returns an error except the programmer-error
// InvalidState cases ConsumeAttempt itself can raise; every other
// failure is logged and swallowed, since rethrowing here could cause
// an outer resilience wrapper to redo already-committed work.
func (f *Fulfiller) TryFulfill(ctx context.Context, p *promise.Promise) error {
	if err := p.ConsumeAttempt(ctx); err != nil {
		return err
	}

	err := resilience.Do(ctx, f.policy, f.attemptMetric, func() error {
		return promise.Dispatch(ctx, p)
	})
	if err != nil {
		return f.handleFailure(ctx, p, "fulfill", err)
	}

	// The delete step intentionally uses a fresh, uncancelable
	// context: the action already ran, so the cleanup must happen
	// even if the caller's context is canceled in the meantime.
	deleteCtx := context.Background()
	err = resilience.Do(deleteCtx, f.policy, f.attemptMetric, func() error {
		tx := f.store.CreateTransaction(p.Partition())
		defer func() { _ = tx.Close() }()
		if e := tx.Delete(p, store.IgnoreConcurrencyProtection()); e != nil {
			return e
		}
		return tx.Commit()
	})
	if err != nil {
		return f.handleFailure(ctx, p, "delete", err)
	}

	metrics.PromisesOutstanding.Dec()
	metrics.PromiseFulfillerSuccesses.Inc()
	if p.AttemptCount() > 1 {
		metrics.PromiseFulfillerDelayedSuccesses.Inc()
	}
	return nil
}

func (f *Fulfiller) handleFailure(ctx context.Context, p *promise.Promise, step string, err error) error {
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return nil // the salvager will retry this promise on its next pass
	}

	metrics.PromiseFulfillerErrors.Inc()
	logger := log.WithAction(p.ActionName())
	event := logger.Warn()
	if p.AttemptCount() > warnThreshold {
		event = logger.Error()
	}
	event.
		Str("promise_id", p.DocID()).
		Str("step", step).
		Uint("attempt", p.AttemptCount()).
		Err(err).
		Msg("promise fulfillment failed")
	return nil
}
