// Package metrics instruments the async registry with prometheus
// collectors.
//
// The registry core calls the record functions below on its lifecycle
// edges; everything here is a plain counter, gauge, or histogram update,
// cheap enough for the registration fast path.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const subsystem = "async_registry"

var (
	promisesAdded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "promises_added_total",
			Help:      "Counter of promises inserted into a thread registry.",
		},
	)

	promisesMarked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "promises_marked_total",
			Help:      "Counter of promises marked for deletion.",
		},
	)

	promisesReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "promises_reclaimed_total",
			Help:      "Counter of promise records destroyed by garbage collection.",
		},
	)

	promisesLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      "promises_live",
			Help:      "Number of promise records currently reachable from a live list.",
		},
	)

	registriesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      "thread_registries_active",
			Help:      "Number of thread registries that have not been torn down.",
		},
	)

	gcRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "gc_runs_total",
			Help:      "Counter of garbage collection passes across all thread registries.",
		},
	)

	gcDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Subsystem: subsystem,
			Name:      "gc_duration_seconds",
			Help:      "Histogram of garbage collection pass latency.",
			Buckets:   []float64{1e-6, 5e-6, 1e-5, 5e-5, 1e-4, 5e-4, 1e-3, 5e-3, 1e-2},
		},
	)

	snapshotRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "snapshot_requests_total",
			Help:      "Counter of inspection requests served, by outcome.",
		},
		[]string{"outcome"},
	)
)

var registerOnce sync.Once

// Register registers all async registry collectors with the given
// registerer. Passing nil registers with the default registerer. Safe to
// call more than once; only the first call has an effect.
func Register(r prometheus.Registerer) {
	registerOnce.Do(func() {
		if r == nil {
			r = prometheus.DefaultRegisterer
		}
		r.MustRegister(
			promisesAdded,
			promisesMarked,
			promisesReclaimed,
			promisesLive,
			registriesActive,
			gcRuns,
			gcDuration,
			snapshotRequests,
		)
	})
}

// RecordPromiseAdded accounts for one insertion.
func RecordPromiseAdded() {
	promisesAdded.Inc()
	promisesLive.Inc()
}

// RecordPromiseMarked accounts for one mark-for-deletion.
func RecordPromiseMarked() {
	promisesMarked.Inc()
}

// RecordPromiseReclaimed accounts for one destroyed record.
func RecordPromiseReclaimed() {
	promisesReclaimed.Inc()
	promisesLive.Dec()
}

// RecordRegistryCreated accounts for a new thread registry.
func RecordRegistryCreated() {
	registriesActive.Inc()
}

// RecordRegistryDestroyed accounts for a torn-down thread registry.
func RecordRegistryDestroyed() {
	registriesActive.Dec()
}

// RecordGC accounts for one garbage collection pass.
func RecordGC(elapsed time.Duration) {
	gcRuns.Inc()
	gcDuration.Observe(elapsed.Seconds())
}

// RecordSnapshotRequest accounts for one inspection request.
func RecordSnapshotRequest(outcome string) {
	snapshotRequests.WithLabelValues(outcome).Inc()
}

// Reset zeroes the mutable collectors. Test helper.
func Reset() {
	promisesLive.Set(0)
	registriesActive.Set(0)
	snapshotRequests.Reset()
}
