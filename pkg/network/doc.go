// Package network materializes the VXLAN+bridge+nftables state of each
// Network entity on every node, plus the primary-only
// gateway/dnsmasq addenda on whichever node currently holds the router
// role. One Instance is constructed per /networks/<vni> child by a
// pkg/registry.Registry, torn down on deletion, and reconciled in place
// as its watched fields change.
//
// Side-effecting operations (netlink, nft, dnsmasq) are reached through
// small interfaces — linkManager, firewall, dhcpServer — so the
// reconciliation logic in Instance can be exercised in tests without
// root privileges or real subprocesses; cmd/pvcd wires the real
// netlink/exec/procsup-backed implementations at startup.
package network
