package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Analysis service metrics for production monitoring
var (
	// Analysis metrics
	AnalysesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anomalyd_analyses_total",
			Help: "Total number of analyze requests by outcome",
		},
		[]string{"outcome"}, // outcome: cache_hit/provider/rule_based/data_unavailable
	)

	AnalysisDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "anomalyd_analysis_duration_seconds",
			Help:    "End-to-end analyze duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 15), // 5ms to ~80s
		},
		[]string{"outcome"},
	)

	OutliersDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anomalyd_outliers_detected_total",
			Help: "Total number of samples flagged as statistical outliers",
		},
		[]string{"kind"},
	)

	// Provider metrics
	ProviderProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anomalyd_provider_probes_total",
			Help: "Total number of provider availability probes",
		},
		[]string{"provider", "result"}, // result: up/down
	)

	ProviderRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anomalyd_provider_requests_total",
			Help: "Total number of provider invocations",
		},
		[]string{"provider", "status"}, // status: success or error kind
	)

	ProviderRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "anomalyd_provider_request_duration_seconds",
			Help:    "Provider invocation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1min
		},
		[]string{"provider"},
	)

	// Cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anomalyd_cache_hits_total",
			Help: "Total number of response cache hits",
		},
		[]string{"tier"}, // tier: memory/redis
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "anomalyd_cache_misses_total",
			Help: "Total number of response cache misses",
		},
	)

	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "anomalyd_cache_evictions_total",
			Help: "Total number of entries removed from the in-memory cache",
		},
	)

	// Ingestion metrics
	SamplesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anomalyd_samples_ingested_total",
			Help: "Total number of metric rows offered for ingestion",
		},
		[]string{"result"}, // result: accepted/rejected
	)

	// Event metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anomalyd_events_published_total",
			Help: "Total number of analysis events published",
		},
		[]string{"status"},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anomalyd_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "anomalyd_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)
