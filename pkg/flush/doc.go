// Package flush implements the node flush/unflush worker:
// draining a node of its running domains (flush) and returning them
// (unflush), one VM at a time, with cancellation honored between VMs
// rather than mid-migration.
package flush
