// Package vm implements the per-domain Domain Instance state machine of
// event-driven on /domains/<uuid>/state and /domains/<uuid>/node,
// selecting one action from the tuple (observed libvirt state, desired
// state, node-ownership) and running at most one action per domain at a
// time behind a busy flag.
//
// Side effects reach the hypervisor through the Runtime interface, kept
// narrow so tests exercise the state machine without a real libvirt
// connection; pkg/runtime supplies the production implementation.
package vm
