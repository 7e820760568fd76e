package metrics

import (
	grpcprometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ShardRoute"

var (
	Registry = prometheus.NewRegistry()

	GRPCMetrics = grpcprometheus.NewServerMetrics(
		func(c *prometheus.CounterOpts) {
			c.Namespace = namespace
		},
	)

	CatalogCacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "catalog_cache",
		Name:      "lookups_total",
		Help:      "catalog cache lookups by result",
	}, []string{"result"})
	CatalogCacheRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "catalog_cache",
		Name:      "refreshes_total",
		Help:      "metadata store reads issued by the catalog cache",
	}, []string{"kind", "reason"})
	CatalogCacheRefreshLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "catalog_cache",
		Name:      "refresh_seconds",
		Help:      "latency of catalog cache refreshes",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
	})

	RouterRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "retries_total",
		Help:      "operation retries by routing error code",
	}, []string{"code"})
	RouterExhausted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "exhausted_total",
		Help:      "operations failed after the retry bound",
	}, []string{"code"})

	ShardVersionChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "shard",
		Name:      "version_checks_total",
		Help:      "shard version checks by outcome",
	}, []string{"outcome"})
	ShardCriticalSectionSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "shard",
		Name:      "critical_section_seconds",
		Help:      "time a migration critical section blocked writes",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	Migrations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "migration",
		Name:      "finished_total",
		Help:      "finished migrations by final state",
	}, []string{"state"})
	MigrationClonedDocs = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "migration",
		Name:      "cloned_docs_total",
		Help:      "documents copied by recipients",
	})
)

func init() {
	Registry.MustRegister(
		GRPCMetrics,
		CatalogCacheLookups,
		CatalogCacheRefreshes,
		CatalogCacheRefreshLatency,
		RouterRetries,
		RouterExhausted,
		ShardVersionChecks,
		ShardCriticalSectionSeconds,
		Migrations,
		MigrationClonedDocs,
	)
	GRPCMetrics.EnableHandlingTimeHistogram(
		func(h *prometheus.HistogramOpts) {
			h.Namespace = namespace
		},
	)
}
