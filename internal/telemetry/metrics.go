package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics
var (
	RecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasksearch_records_total",
			Help: "Record lifecycle transitions by resulting status",
		},
		[]string{"status"},
	)
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tasksearch_job_queue_depth",
			Help: "Generation jobs waiting in the scheduler queue",
		},
	)
	JobsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tasksearch_jobs_active",
			Help: "Generation jobs currently being processed",
		},
	)
	GeneratorDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tasksearch_generator_duration_seconds",
			Help:    "Duration of embedding provider calls in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
	)
	SearchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tasksearch_search_duration_seconds",
			Help:    "End-to-end similarity search duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		},
	)
	QueryCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasksearch_query_cache_lookups_total",
			Help: "Query embedding cache lookups by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		RecordsTotal,
		QueueDepth,
		JobsActive,
		GeneratorDuration,
		SearchDuration,
		QueryCacheLookups,
	)
}
