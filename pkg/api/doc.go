// Package api implements the daemon's metrics/health surface: a small HTTP
// server exposing Prometheus scrapes and liveness/readiness probes over the
// cluster state pkg/coordinator and pkg/metrics already track. It does not
// expose a domain/network/VM management API: this daemon is reconciled
// entirely through direct writes to the store (pkg/coordinator) rather
// than through a client-facing RPC layer.
//
// Service satisfies pkg/primary's service interface the same way
// pkg/dns.Service and pkg/primary's own metadataServer do, so it starts and
// stops as part of the primary acquire/release sequence.
package api
