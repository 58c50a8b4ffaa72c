// Package metrics exposes the service's Prometheus instrumentation
// (SPEC_FULL.md section 6, AMBIENT Metrics): counters, histograms and
// gauges for every component named there, plus the process-level gauges
// the teacher's admin surface registers (pkg/api/http.go). Components
// call the package-level vars directly rather than threading a registry
// through every constructor, matching the teacher's style.
package metrics

import (
	"net/http"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BitmapToggles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "knowengage_bitmap_toggles_total",
			Help: "Bitmap compare-and-flip operations, by metric and outcome.",
		},
		[]string{"metric", "changed"},
	)

	RebuildDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "knowengage_entity_rebuild_duration_seconds",
			Help:    "Entity counter rebuild latency from bitmap popcount to snapshot write.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	RebuildOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "knowengage_entity_rebuild_outcomes_total",
			Help: "Entity counter rebuild attempts, by outcome (rebuilt, backoff, lock_miss, rate_limited).",
		},
		[]string{"outcome"},
	)

	AggregationBucketDepth = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "knowengage_aggregation_bucket_depth",
			Help:    "Number of distinct entities folded per aggregation flush pass.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	CDCBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "knowengage_cdc_batch_size",
			Help:    "Outbox rows republished per CDC bridge poll.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	CDCLagSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "knowengage_cdc_lag_seconds",
			Help: "Age of the oldest unacked outbox row last observed by the CDC bridge.",
		},
	)

	RelationDedupHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "knowengage_relation_dedup_total",
			Help: "Follow/unfollow writes, by whether they were a no-op dedup hit.",
		},
		[]string{"deduped"},
	)

	FeedCacheTierHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "knowengage_feed_cache_tier_hits_total",
			Help: "Feed reads satisfied at each cache tier, by page kind (public, mine, detail).",
		},
		[]string{"page", "tier"},
	)

	HotKeyLevel = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "knowengage_hotkey_level_observations_total",
			Help: "Hot-key level observed at TTL-extension time.",
		},
		[]string{"level"},
	)

	SingleFlightCollapses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "knowengage_singleflight_calls_total",
			Help: "Origin-load single-flight calls, by whether they collapsed onto an in-flight call.",
		},
		[]string{"collapsed"},
	)

	goroutines = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "knowengage_goroutines",
			Help: "Number of active goroutines.",
		},
		func() float64 { return float64(runtime.NumGoroutine()) },
	)

	heapAlloc = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "go_heap_alloc_bytes",
			Help: "Current heap allocation in bytes.",
		},
		func() float64 {
			var stats runtime.MemStats
			runtime.ReadMemStats(&stats)
			return float64(stats.HeapAlloc)
		},
	)
)

func init() {
	prometheus.MustRegister(
		BitmapToggles, RebuildDuration, RebuildOutcomes, AggregationBucketDepth,
		CDCBatchSize, CDCLagSeconds, RelationDedupHits, FeedCacheTierHits,
		HotKeyLevel, SingleFlightCollapses, goroutines, heapAlloc,
	)
}

// Handler returns the standard net/http Prometheus scrape handler; the
// admin surface adapts it onto fasthttp with fasthttpadaptor.
func Handler() http.Handler {
	return promhttp.Handler()
}
