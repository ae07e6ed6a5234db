// Package metrics holds Prometheus instruments that are used across the
// daemon.  All collectors are registered with the global registry, so
// importing this package in main.go is enough to expose them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ActiveEngines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warden_active_engines",
			Help: "Number of tenant engines currently live in memory.",
		})

	EngineCreateTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_engine_create_total",
			Help: "Cumulative number of tenant engines successfully created.",
		})

	EngineCreateErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_engine_create_errors_total",
			Help: "Cumulative number of tenant engine creation failures.",
		})

	EngineEvictTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_engine_evict_total",
			Help: "Cumulative number of tenant engines evicted.",
		})

	PoolInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warden_pool_in_use",
			Help: "Connections currently checked out, per tenant.",
		}, []string{"tenant"})

	PoolIdle = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warden_pool_idle",
			Help: "Idle pooled connections, per tenant.",
		}, []string{"tenant"})

	ResolverCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_resolver_cache_hits_total",
			Help: "Tenant resolutions served from the in-memory cache.",
		})

	ResolverCacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_resolver_cache_misses_total",
			Help: "Tenant resolutions that had to consult the registry.",
		})

	MigrationSuccessTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_migration_success_total",
			Help: "Per-tenant migration applications that succeeded.",
		})

	MigrationFailureTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_migration_failure_total",
			Help: "Per-tenant migration applications that failed.",
		})

	ProvisionTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_provision_total",
			Help: "Tenants provisioned successfully.",
		})

	ProvisionFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_provision_failures_total",
			Help: "Provisioning attempts that failed (after compensation).",
		})
)

func init() {
	prometheus.MustRegister(
		ActiveEngines,
		EngineCreateTotal,
		EngineCreateErrorsTotal,
		EngineEvictTotal,
		PoolInUse,
		PoolIdle,
		ResolverCacheHitsTotal,
		ResolverCacheMissesTotal,
		MigrationSuccessTotal,
		MigrationFailureTotal,
		ProvisionTotal,
		ProvisionFailuresTotal,
	)
}
