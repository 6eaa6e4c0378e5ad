// Package metrics declares the prometheus collectors of the store process.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "price_store"

// Outcome label values for VendorBids.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeTimeout = "timeout"
)

var (
	// Registry holds every collector below. It is separate from the default registry so
	// tests and embedders do not inherit process collectors they did not ask for.
	Registry = prometheus.NewRegistry()

	PoolQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "queue_depth",
		Help:      "Jobs waiting in the worker pool queue.",
	})
	PoolJobsExecuted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "jobs_executed_total",
		Help:      "Jobs run to completion by pool workers.",
	})
	PoolJobsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "jobs_rejected_total",
		Help:      "Jobs refused because the queue was full or the pool was closed.",
	})

	CallsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "calls",
		Name:      "in_flight",
		Help:      "Request contexts currently registered with the dispatch loop.",
	})
	CallsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "calls",
		Name:      "completed_total",
		Help:      "Inbound calls released, by whether the reply was delivered.",
	}, []string{"delivered"})
	CallDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "calls",
		Name:      "duration_seconds",
		Help:      "Time from accepting a call to releasing it.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
	})

	VendorBids = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "vendor",
		Name:      "bids_total",
		Help:      "Outcomes of individual vendor bid calls.",
	}, []string{"vendor", "outcome"})
	GatherDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "vendor",
		Name:      "gather_duration_seconds",
		Help:      "Time spent fanning out one product query and gathering the bids.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
	})
)

var registerOnce sync.Once

// Register adds all collectors to Registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		Registry.MustRegister(
			PoolQueueDepth,
			PoolJobsExecuted,
			PoolJobsRejected,
			CallsInFlight,
			CallsCompleted,
			CallDuration,
			VendorBids,
			GatherDuration,
		)
	})
}

// Handler serves Registry in the prometheus exposition format.
func Handler() http.Handler {
	Register()
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordVendorBid counts one vendor call outcome.
func RecordVendorBid(vendor, outcome string) {
	VendorBids.WithLabelValues(vendor, outcome).Inc()
}

// RecordCallReleased tracks a request context leaving the dispatch loop.
func RecordCallReleased(delivered bool, started time.Time) {
	label := "false"
	if delivered {
		label = "true"
	}
	CallsCompleted.WithLabelValues(label).Inc()
	CallsInFlight.Dec()
	CallDuration.Observe(time.Since(started).Seconds())
}
