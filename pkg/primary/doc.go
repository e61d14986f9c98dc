// Package primary implements the primary role controller:
// a single-writer election over the cluster singleton /primary_node, with
// an acquire sequence (floating IPs, per-network gateway/dnsmasq addenda,
// database leader switchover, primary-only services) and its mirrored
// release sequence. Acquire runs under the cluster-wide primary lock;
// release does not take the lock and ends by writing "none" to
// /primary_node.
package primary
