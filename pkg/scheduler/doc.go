/*
Package scheduler selects a destination node for a Domain that needs to
move: a flush, a fence relocation, or a placement decision made without an
explicit target.

# Candidate set

A node is eligible when its daemon_state is run, its domain_state is
ready, it is named in the Domain's node_limit (if the Domain restricts
placement), and it is not the Domain's current node. Eligible builds this
set from a snapshot of Node state; callers own refreshing that snapshot.

# Selectors

	mem      largest (memused + memfree) - memalloc
	memprov  smallest memalloc
	load     smallest cpuload
	vcpus    smallest vcpualloc
	vms      smallest domains_count
	none     resolved by the caller against the cluster default before
	         calling Select; Select itself falls back to mem

Ties are broken by lexicographically smallest node name, so placement is
deterministic across nodes making the same decision independently (a fence
task on two different coordinators must agree on where a domain goes).

An empty candidate set is not an error here: Select returns ok=false and
leaves the caller (pkg/flush, pkg/fence) to apply its own fallback — stop
the domain and set node_autostart for flush, leave it stopped for a fence
relocation.
*/
package scheduler
