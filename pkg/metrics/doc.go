// Package metrics exposes the Prometheus text-format surface
// names: cluster health, node/domain/network counts by state, fence and
// migration outcomes, and keepalive misses. Metric names and label shapes
// are this package's own API surface, not part of the core reconciliation
// logic they observe.
//
// Collector polls pkg/coordinator's entity registries on an interval and
// republishes their current counts as gauges; pkg/fence and pkg/vm record
// the fence and migration counters and histograms directly at the point an
// operation completes. KeepaliveMissesTotal, ReconciliationDuration and the
// APIRequest* metrics are registered but nothing records them.
// HealthChecker tracks named component liveness (the store connection, the
// DNS aggregator, the user-facing API) and serves it through HealthHandler,
// ReadyHandler and LivenessHandler; pkg/api does not mount these handlers
// and serves its own /health and /ready.
package metrics
