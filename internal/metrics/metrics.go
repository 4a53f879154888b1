// Package metrics exposes kiln's runtime counters/histograms via a
// package-level prometheus.Registry, grounded on
// mattcburns-shoal-provision/internal/provisioner/metrics/metrics.go's
// CounterVec/HistogramVec registration shape (pattern only; that package
// is AGPL-licensed and is not copied).
//
// spec.md's Non-goals exclude garbage collection and integrity
// verification, never observability; this package is the ambient
// extension point SPEC_FULL.md §3 carves out for it.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	reg *prometheus.Registry

	cacheLookups      *prometheus.CounterVec
	bodyDuration      *prometheus.HistogramVec
	reusableWaitTotal prometheus.Counter
)

func init() {
	reset()
}

// reset (re)builds the registry and every collector. Exported as Reset for
// tests that want a clean collector state between runs.
func reset() {
	reg = prometheus.NewRegistry()

	cacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kiln",
		Name:      "cache_lookups_total",
		Help:      "Task cache lookups, partitioned by outcome (hit/miss).",
	}, []string{"outcome"})

	bodyDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "kiln",
		Name:      "task_body_duration_seconds",
		Help:      "Wall-clock time spent executing a task body, by task display name.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"task"})

	reusableWaitTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kiln",
		Name:      "reusable_lock_waits_total",
		Help:      "Number of times a caller had to wait on a reusable artifact's advisory lock.",
	})

	reg.MustRegister(cacheLookups, bodyDuration, reusableWaitTotal)
}

// Reset clears and reinitializes all collectors; used by tests.
func Reset() { reset() }

// Handler returns an http.Handler exposing the registry in Prometheus
// exposition format, for wiring into an HTTP server (cmd/kiln does not
// start one).
func Handler() http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// ObserveCacheLookup records a cache hit or miss.
func ObserveCacheLookup(hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	cacheLookups.WithLabelValues(outcome).Inc()
}

// ObserveBodyDuration records how long a task body attempt took to run.
func ObserveBodyDuration(task string, d time.Duration) {
	bodyDuration.WithLabelValues(task).Observe(d.Seconds())
}

// IncReusableLockWait increments the reusable-artifact lock-wait counter.
func IncReusableLockWait() {
	reusableWaitTotal.Inc()
}
