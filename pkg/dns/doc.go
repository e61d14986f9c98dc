// Package dns implements the cluster's DNS aggregator: a single
// authoritative nameserver, run on the primary node,
// that answers forward-zone queries for every managed network by
// aggregating that network's DHCP reservations (pkg/coordinator's
// reservation entities) into hostname-to-address records.
//
// Each types.Network with a non-empty Domain gets its own zone, built from
// the union of its static and dynamically-learned DHCPReservation records.
// Non-A queries for a name inside a served zone are forwarded to that
// network's configured NameServers; queries for names outside every served
// zone are answered with SERVFAIL. This package owns aggregation and serving only;
// it does not implement PowerDNS's Postgres-backed zone storage or
// replication, which is out of scope for this daemon.
//
// Service satisfies pkg/primary's service interface (Start/Stop), the
// shape pkg/primary/services.go's metadataServer also follows, so it is
// started and stopped as part of the primary acquire/release sequence.
package dns
