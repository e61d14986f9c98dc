// Package fence implements the keepalive and fence supervisor: a
// fixed-interval tick that marks a peer dead once its keepalive has gone
// stale for keepalive_interval × fence_intervals seconds, runs
// the three-iteration saving-throw confirmation, issues an IPMI hard
// reset, and — per the configured fence policy — relocates the fenced
// node's running domains to freshly-selected targets. It also carries the
// self-fence (suicide) check: a node unable to refresh its own keepalive
// for keepalive_interval × suicide_intervals seconds hard-reboots itself
// rather than risk running split-brain.
package fence
