// Package resilience wraps an operation with jittered retry on
// concurrency-conflict failures, the one failure class this system
// ever asks a caller to retry automatically.
package resilience

import (
	"context"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cuemby/promised/pkg/store"
)

// Policy configures how Do retries a failing operation.
type Policy struct {
	steps []time.Duration
}

// NewConcurrencyConflictPolicy builds the standard retry schedule: an
// immediate retry, then 30ms, then 1s between each further attempt,
// 5 attempts total (4 delays between them).
func NewConcurrencyConflictPolicy() *Policy {
	return &Policy{steps: []time.Duration{0, 30 * time.Millisecond, time.Second, time.Second}}
}

// Histogram is the subset of prometheus.Histogram Do needs, so tests
// can substitute a fake without importing the client library.
type Histogram interface {
	Observe(float64)
}

// Do runs op, retrying only on errors satisfying
// store.IsConcurrencyConflict, per p's schedule. Every retry records
// the 1-based attempt number to metric, if non-nil.
func Do(ctx context.Context, p *Policy, metric Histogram, op func() error) error {
	attempt := 0
	wrapped := func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !store.IsConcurrencyConflict(err) {
			return backoff.Permanent(err)
		}
		if metric != nil {
			metric.Observe(float64(attempt))
		}
		return err
	}
	bo := backoff.WithContext(&stepBackOff{steps: p.steps}, ctx)
	return backoff.Retry(wrapped, bo)
}

// stepBackOff replays a fixed delay schedule with light jitter on
// every non-zero step, rather than exponential growth: the schedule
// spec names (0ms, 30ms, 1s, 1s) is itself the contract.
type stepBackOff struct {
	steps []time.Duration
	at    int
}

func (s *stepBackOff) NextBackOff() time.Duration {
	if s.at >= len(s.steps) {
		return backoff.Stop
	}
	d := s.steps[s.at]
	s.at++
	if d == 0 {
		return 0
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 5)) // up to 20%
	return d + jitter
}

func (s *stepBackOff) Reset() { s.at = 0 }
