package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// OrdersProcessed counts messages that reached a terminal outcome for the
// current attempt. outcome: processed | failed | duplicate.
var OrdersProcessed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "orders_processed_total",
		Help: "Order messages that completed one processing attempt",
	},
	[]string{"outcome"},
)

// CatalogRequests counts individual HTTP attempts against the catalog API,
// retries included. This is the "internal metric" that makes flaky-upstream
// behaviour observable. outcome: ok | not_found | error | short_circuited.
var CatalogRequests = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "catalog_requests_total",
		Help: "HTTP attempts against the catalog API",
	},
	[]string{"endpoint", "outcome"},
)

// CatalogCacheHits counts catalog lookups served from the in-process cache.
var CatalogCacheHits = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "catalog_cache_hits_total",
		Help: "Catalog lookups answered without any network I/O",
	},
	[]string{"endpoint"},
)

// RetriesRecorded counts retry-queue writes. outcome: scheduled | dead_lettered.
var RetriesRecorded = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "retries_recorded_total",
		Help: "Failed messages written to the retry queue",
	},
	[]string{"outcome"},
)

// RetryQueueDepth tracks the size of the live retry set and the DLQ,
// sampled by the scheduler's stats tick. queue: failed | dead_letter.
var RetryQueueDepth = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "retry_queue_depth",
		Help: "Entries currently in the retry store",
	},
	[]string{"queue"},
)

// EnrichDuration measures the lock-to-save path per attempt.
// Buckets sized against the 30s lock lease: anything near the top buckets
// is flirting with lease expiry.
var EnrichDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "enrich_duration_seconds",
		Help:    "Duration of one enrichment attempt",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 20, 30},
	},
)

// StoreQueryDuration measures document-store round trips by operation.
var StoreQueryDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "store_query_duration_seconds",
		Help:    "Duration of document store queries in seconds",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
	},
	[]string{"operation"},
)
