package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/promised/pkg/store"
)

type fakeHistogram struct {
	observed []float64
}

func (h *fakeHistogram) Observe(v float64) { h.observed = append(h.observed, v) }

func fastPolicy() *Policy {
	return &Policy{steps: []time.Duration{0, time.Millisecond, time.Millisecond, time.Millisecond, time.Millisecond}}
}

func TestDoSucceedsWithoutRetryingOnNilError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(), nil, func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesOnlyConcurrencyConflicts(t *testing.T) {
	calls := 0
	sentinel := errors.New("boom")
	err := Do(context.Background(), fastPolicy(), nil, func() error {
		calls++
		return sentinel
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls, "a non-conflict error must not be retried")
}

func TestDoRetriesConflictThroughTheFullSchedule(t *testing.T) {
	calls := 0
	p := fastPolicy()
	err := Do(context.Background(), p, nil, func() error {
		calls++
		return store.ConcurrencyConflict(errors.New("lost race"))
	})
	require.Error(t, err)
	assert.True(t, store.IsConcurrencyConflict(err))
	// One initial attempt plus one retry per scheduled step.
	assert.Equal(t, len(p.steps)+1, calls)
}

func TestDoRecoversAfterTransientConflicts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(), nil, func() error {
		calls++
		if calls < 3 {
			return store.ConcurrencyConflict(errors.New("contended"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoRecordsAttemptNumbersToMetric(t *testing.T) {
	hist := &fakeHistogram{}
	calls := 0
	_ = Do(context.Background(), fastPolicy(), hist, func() error {
		calls++
		if calls < 2 {
			return store.ConcurrencyConflict(errors.New("contended"))
		}
		return nil
	})
	// Observe is only called when a conflict occurs, once per failed attempt.
	assert.Equal(t, []float64{1}, hist.observed)
}

func TestDoStopsEarlyOnContextCancellation(t *testing.T) {
	slowPolicy := &Policy{steps: []time.Duration{0, 500 * time.Millisecond, 500 * time.Millisecond}}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, slowPolicy, nil, func() error {
		calls++
		return store.ConcurrencyConflict(errors.New("contended"))
	})
	require.Error(t, err)
	assert.Less(t, calls, len(slowPolicy.steps)+1)
}

func TestStepBackOffReplaysFixedScheduleThenStops(t *testing.T) {
	b := &stepBackOff{steps: []time.Duration{0, 30 * time.Millisecond}}
	d0 := b.NextBackOff()
	assert.Equal(t, time.Duration(0), d0)
	d1 := b.NextBackOff()
	assert.GreaterOrEqual(t, d1, 30*time.Millisecond)
	assert.Less(t, d1, 30*time.Millisecond+30*time.Millisecond/5+time.Millisecond)
	assert.Equal(t, backoff.Stop, b.NextBackOff())

	b.Reset()
	assert.Equal(t, time.Duration(0), b.NextBackOff())
}
