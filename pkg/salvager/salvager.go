// Package salvager runs the background task that claims and fulfills
// promises nobody's synchronous attempt path got to in time: due
// promises whose claimant crashed, whose action errored, or that were
// deliberately deferred past their creator's own request lifetime.
package salvager

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/promised/pkg/clock"
	"github.com/cuemby/promised/pkg/fulfiller"
	"github.com/cuemby/promised/pkg/log"
	"github.com/cuemby/promised/pkg/metrics"
	"github.com/cuemby/promised/pkg/promise"
	"github.com/cuemby/promised/pkg/resilience"
	"github.com/cuemby/promised/pkg/store"
)

const averageDelay = 60 * time.Second
const batchSize = 10

// State is the salvager's own lifecycle, independent of the process
// it runs inside.
type State int32

const (
	Stopped State = iota
	Running
	Stopping
)

// Salvager periodically drains every promise that's due and still
// unfulfilled, claiming and handing each to a Fulfiller.
type Salvager struct {
	store     *store.Store
	fulfiller *fulfiller.Fulfiller
	policy    *resilience.Policy
	metric    resilience.Histogram
	clk       clock.Clock

	state  atomic.Int32
	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Salvager. clk is the time source for due-time checks
// and claims. metric records resilience-retry attempt counts for the
// due-batch fetch (the per-promise claim update is not retried); pass
// nil to skip that observation.
func New(s *store.Store, f *fulfiller.Fulfiller, policy *resilience.Policy, metric resilience.Histogram, clk clock.Clock) *Salvager {
	return &Salvager{store: s, fulfiller: f, policy: policy, metric: metric, clk: clk}
}

// State reports the salvager's current lifecycle state.
func (s *Salvager) State() State { return State(s.state.Load()) }

// Start begins the background drain loop. ctx governs the loop's
// lifetime in addition to Stop: canceling ctx also stops the loop.
func (s *Salvager) Start(ctx context.Context) {
	s.state.Store(int32(Running))
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run(ctx)
}

// Stop requests the loop exit and blocks until it has.
func (s *Salvager) Stop() {
	if s.State() != Running {
		return
	}
	s.state.Store(int32(Stopping))
	close(s.stopCh)
	<-s.doneCh
	s.state.Store(int32(Stopped))
}

func (s *Salvager) run(ctx context.Context) {
	defer close(s.doneCh)
	for {
		delay := jitteredDelay(averageDelay)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-time.After(delay):
			case <-s.stopCh:
			case <-ctx.Done():
			}
		}()

		s.drainDuePromises(ctx)
		wg.Wait()

		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
	}
}

func jitteredDelay(average time.Duration) time.Duration {
	spread := int64(average / 4)
	if spread <= 0 {
		return average
	}
	jitter := time.Duration(rand.Int63n(2*spread+1)) - time.Duration(spread)
	return average + jitter
}

// TryFulfillDuePromises runs a single full drain cycle directly,
// without starting the background loop Start manages. Intended for
// callers (and tests) that want one deterministic pass rather than an
// ongoing timer-driven one.
func (s *Salvager) TryFulfillDuePromises(ctx context.Context) {
	s.drainDuePromises(ctx)
}

// drainDuePromises runs one full drain cycle, timing it and recording
// any failure as a metric and a log line. A failure mid-cycle doesn't
// propagate: the next cycle just tries again.
func (s *Salvager) drainDuePromises(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SalvagerCycleDuration)

	ctx = clock.WithClock(ctx, s.clk)
	if err := s.drainOnce(ctx); err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return
		}
		metrics.SalvagerErrorsTotal.Inc()
		log.Logger.Error().Err(err).Msg("Background fulfillment of neglected promises encountered an error")
	}
}

func (s *Salvager) drainOnce(ctx context.Context) error {
	expectMore := true
	for expectMore {
		select {
		case <-s.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var page store.Page[promise.Promise]
		err := resilience.Do(ctx, s.policy, s.metric, func() error {
			var fetchErr error
			page, fetchErr = store.List[promise.Promise](ctx, s.store, store.Query{
				Kind:        promise.Kind,
				Index:       promise.Kind,
				Ascending:   true,
				Limit:       batchSize,
				IndexMaxKey: promise.DueIndexUpperBound(clock.Now(ctx)),
			})
			return fetchErr
		})
		if err != nil {
			return err
		}

		for i := range page.Items {
			p := &page.Items[i]
			if err := s.claimAndFulfill(ctx, p); err != nil {
				return err
			}
		}

		expectMore = len(page.Items) == batchSize
	}
	return nil
}

// claimAndFulfill attempts to win the claim on p via a single etag-
// conditional update. A conflict here means another worker already
// claimed p first and is not retried: retrying an etag mismatch
// against the same stale etag would only reproduce the same conflict,
// so p is simply skipped until its next due time instead.
func (s *Salvager) claimAndFulfill(ctx context.Context, p *promise.Promise) error {
	if err := p.ClaimForAttempt(ctx); err != nil {
		return err
	}

	tx := s.store.CreateTransaction(p.Partition())
	defer func() { _ = tx.Close() }()
	if err := tx.Update(p); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		if store.IsConcurrencyConflict(err) {
			return nil
		}
		return err
	}

	metrics.SalvagerPromisesClaimed.Inc()
	return s.fulfiller.TryFulfill(ctx, p)
}
