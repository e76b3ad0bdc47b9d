// Package metrics exposes the process's prometheus collectors: the domain
// counters/histograms this system cares about (cache hit rate, GC activity,
// search latency, leaf fan-out failures), plus the teacher's Timer
// convenience type.
//
// Grounded directly on pkg/metrics/metrics.go: same package-level
// prometheus.New*-then-MustRegister-in-init() shape, the same Timer/
// ObserveDuration helper, the same Handler() promhttp wrapper — only the
// metric names and label sets are this domain's.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cache metrics.
	CacheRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_cache_requests_total",
			Help: "Total cache lookups by tier and outcome (hit/miss)",
		},
		[]string{"tier", "outcome"},
	)

	CacheBytesInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "strata_cache_bytes_in_use",
			Help: "Bytes currently held by each cache tier",
		},
		[]string{"tier"},
	)

	// Garbage collector metrics.
	GCPassesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_gc_passes_total",
			Help: "Total garbage collection passes run, by index",
		},
		[]string{"index_id"},
	)

	GCPassDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "strata_gc_pass_duration_seconds",
			Help:    "Garbage collection pass duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"index_id"},
	)

	GCDeletedEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_gc_deleted_entries_total",
			Help: "Total file entries deleted by garbage collection, by index",
		},
		[]string{"index_id"},
	)

	GCFailedEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_gc_failed_entries_total",
			Help: "Total file entries garbage collection failed to delete, by index",
		},
		[]string{"index_id"},
	)

	// Search dispatcher metrics.
	RootSearchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "strata_root_search_duration_seconds",
			Help:    "End-to-end root search request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	LeafSearchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "strata_leaf_search_duration_seconds",
			Help:    "Leaf search RPC duration in seconds, by node",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"node_id"},
	)

	LeafSearchFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_leaf_search_failures_total",
			Help: "Total leaf search RPC failures, by node",
		},
		[]string{"node_id"},
	)

	SplitsSearchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_splits_searched_total",
			Help: "Total splits visited across every root search request",
		},
	)

	// Metastore / lifecycle metrics.
	PublishSplitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_publish_splits_total",
			Help: "Total publish_splits calls by outcome (committed/conflict)",
		},
		[]string{"outcome"},
	)

	ClusterNodesHealthy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "strata_cluster_nodes_healthy",
			Help: "Number of cluster peers currently marked healthy by the client pool",
		},
	)
)

func init() {
	prometheus.MustRegister(CacheRequestsTotal)
	prometheus.MustRegister(CacheBytesInUse)
	prometheus.MustRegister(GCPassesTotal)
	prometheus.MustRegister(GCPassDuration)
	prometheus.MustRegister(GCDeletedEntriesTotal)
	prometheus.MustRegister(GCFailedEntriesTotal)
	prometheus.MustRegister(RootSearchDuration)
	prometheus.MustRegister(LeafSearchDuration)
	prometheus.MustRegister(LeafSearchFailuresTotal)
	prometheus.MustRegister(SplitsSearchedTotal)
	prometheus.MustRegister(PublishSplitsTotal)
	prometheus.MustRegister(ClusterNodesHealthy)
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small helper for timing one operation and recording it to a
// histogram once it completes.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram vec's
// observer for the given label values.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
