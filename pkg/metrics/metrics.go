package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Promise lifecycle metrics
	PromisesOutstanding = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "promised_promises_outstanding",
			Help: "Number of promises currently persisted and not yet fulfilled",
		},
	)

	PromiseFulfillerSuccesses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "promised_fulfiller_successes_total",
			Help: "Total number of promises fulfilled successfully",
		},
	)

	PromiseFulfillerDelayedSuccesses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "promised_fulfiller_delayed_successes_total",
			Help: "Total number of promises fulfilled successfully after more than one attempt",
		},
	)

	PromiseFulfillerErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "promised_fulfiller_errors_total",
			Help: "Total number of promise fulfillment attempts that ended in error",
		},
	)

	// Resilience pipeline metrics
	ResiliencePipelineAttempt = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "promised_resilience_attempt",
			Help:    "1-based attempt number observed on each resilience pipeline retry",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
	)

	// Lock factory metrics
	LockWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "promised_lock_wait_duration_seconds",
			Help:    "Time taken to acquire a momentary lock",
			Buckets: prometheus.DefBuckets,
		},
	)

	LockAcquisitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promised_lock_acquisitions_total",
			Help: "Total number of lock acquisition attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Salvager metrics
	SalvagerCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "promised_salvager_cycle_duration_seconds",
			Help:    "Time taken for a single salvager drain cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	SalvagerPromisesClaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "promised_salvager_promises_claimed_total",
			Help: "Total number of promises successfully claimed by the salvager",
		},
	)

	SalvagerErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "promised_salvager_errors_total",
			Help: "Total number of salvager drain cycles that ended in error",
		},
	)

	// Migration coordinator metrics
	MigrationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "promised_migration_duration_seconds",
			Help:    "Time taken to apply a single migration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"migration"},
	)

	MigrationsAppliedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "promised_migrations_applied_total",
			Help: "Total number of migrations applied by this process",
		},
	)
)

func init() {
	prometheus.MustRegister(PromisesOutstanding)
	prometheus.MustRegister(PromiseFulfillerSuccesses)
	prometheus.MustRegister(PromiseFulfillerDelayedSuccesses)
	prometheus.MustRegister(PromiseFulfillerErrors)
	prometheus.MustRegister(ResiliencePipelineAttempt)
	prometheus.MustRegister(LockWaitDuration)
	prometheus.MustRegister(LockAcquisitionsTotal)
	prometheus.MustRegister(SalvagerCycleDuration)
	prometheus.MustRegister(SalvagerPromisesClaimed)
	prometheus.MustRegister(SalvagerErrorsTotal)
	prometheus.MustRegister(MigrationDuration)
	prometheus.MustRegister(MigrationsAppliedTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
