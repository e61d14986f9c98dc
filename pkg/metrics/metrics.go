package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// NodesTotal counts nodes by daemon_state (init/run/dead/stop).
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pvc_nodes_total",
			Help: "Total number of nodes by daemon state",
		},
		[]string{"daemon_state"},
	)

	// DomainsTotal counts domains by their desired state (the
	// DomainState vocabulary).
	DomainsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pvc_domains_total",
			Help: "Total number of domains by desired state",
		},
		[]string{"state"},
	)

	// NetworksTotal is the number of managed networks currently defined.
	NetworksTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pvc_networks_total",
			Help: "Total number of networks defined in the cluster",
		},
	)

	// IsPrimary reports whether this node currently holds the primary role.
	IsPrimary = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pvc_is_primary",
			Help: "Whether this node holds the primary role (1) or not (0)",
		},
	)

	// IsStoreLeader reports whether this node's embedded raft instance is
	// currently the store's leader (coordinator-mode nodes only).
	IsStoreLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pvc_store_is_leader",
			Help: "Whether this node's store is the raft leader (1) or not (0)",
		},
	)

	// KeepaliveMissesTotal counts missed keepalive intervals observed for
	// a peer. It is registered, but nothing in this module increments it.
	KeepaliveMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pvc_keepalive_misses_total",
			Help: "Total number of missed keepalive intervals observed per peer",
		},
		[]string{"node"},
	)

	// FenceEventsTotal counts completed fence attempts by outcome
	// (succeeded, failed, aborted) from the saving-throw flow.
	FenceEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pvc_fence_events_total",
			Help: "Total number of fence attempts by outcome",
		},
		[]string{"outcome"},
	)

	// FenceDuration times a fence attempt from saving-throw expiry to IPMI
	// reset completion (or abandonment).
	FenceDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pvc_fence_duration_seconds",
			Help:    "Time taken to complete a fence attempt, in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// MigrationsTotal counts completed domain migrations by method (live,
	// shutdown) and outcome (succeeded, failed).
	MigrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pvc_migrations_total",
			Help: "Total number of domain migrations by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	// MigrationDuration times a migration from the initial handoff attempt
	// to its resolution (success, fallback, or abort).
	MigrationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pvc_migration_duration_seconds",
			Help:    "Domain migration duration in seconds by method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// ReconciliationDuration times one domain evaluate() pass (one run
	// through the action-selection loop).
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pvc_reconciliation_duration_seconds",
			Help:    "Time taken for a single domain reconciliation pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// APIRequestsTotal counts user-facing API requests by method and status.
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pvc_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	// APIRequestDuration times user-facing API requests by method.
	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pvc_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(
		NodesTotal,
		DomainsTotal,
		NetworksTotal,
		IsPrimary,
		IsStoreLeader,
		KeepaliveMissesTotal,
		FenceEventsTotal,
		FenceDuration,
		MigrationsTotal,
		MigrationDuration,
		ReconciliationDuration,
		APIRequestsTotal,
		APIRequestDuration,
	)
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an operation from construction to ObserveDuration.
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

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
