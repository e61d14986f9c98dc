package vm

import "github.com/parallelvirtualcluster/pvc/pkg/types"

// action identifies which branch of the action-selection table
// applies to the current (observed, desired, ownership) tuple.
type action int

const (
	actionNone action = iota
	actionStart
	actionEnsureRunning
	actionRestart
	actionShutdownThenStop
	actionStop
	actionDisable
	actionMigrateOutbound
	actionMigrateInbound
	actionMigrateReset
	actionUnmigrate
	actionDestroyForeign
)

// busyFlag names the in-progress operation that gates re-entry, per
// the in_start/in_stop/in_shutdown/in_restart/in_migrate/
// in_receive vocabulary.
type busyFlag string

const (
	busyNone     busyFlag = ""
	busyStart    busyFlag = "in_start"
	busyStop     busyFlag = "in_stop"
	busyShutdown busyFlag = "in_shutdown"
	busyRestart  busyFlag = "in_restart"
	busyMigrate  busyFlag = "in_migrate"
	busyReceive  busyFlag = "in_receive"
)

func (a action) busyFlag() busyFlag {
	switch a {
	case actionStart, actionEnsureRunning, actionMigrateReset:
		return busyStart
	case actionRestart:
		return busyRestart
	case actionShutdownThenStop, actionDisable:
		return busyShutdown
	case actionStop, actionDestroyForeign:
		return busyStop
	case actionMigrateOutbound, actionUnmigrate:
		return busyMigrate
	case actionMigrateInbound:
		return busyReceive
	default:
		return busyNone
	}
}

// selectAction implements the action-selection table. isOwner
// is (/node == me). Desired states the table is silent on for non-running
// observed states (provision/import/restore) are treated as a request to
// bring the domain up, the same as start — a reasonable reading of
// the stated non-goals, which exclude only provisioning's *content*
// (disk image creation), not the resulting define-and-start step.
//
// A domain mid live-migration is the one case where !isOwner does not mean
// "foreign, destroy it": the node that orders a migration writes /node to
// the target while the VM is still running on the source, so the source
// observes /node != me with the VM still RUNNING locally. That node is the
// one that must drive the outbound transfer, not tear the VM down. The
// target, conversely, is isOwner (/node already points at it) and starts
// out observing the domain Absent until the incoming transfer lands.
func selectAction(desired types.DomainState, observed types.LibvirtState, isOwner bool) action {
	if !isOwner {
		if desired == types.DomainStateMigrate && observed == types.LibvirtStateRunning {
			return actionMigrateOutbound
		}
		if observed != types.LibvirtStateAbsent {
			return actionDestroyForeign
		}
		return actionNone
	}

	switch desired {
	case types.DomainStateStart, types.DomainStateProvision, types.DomainStateImport, types.DomainStateRestore:
		if observed == types.LibvirtStateRunning {
			return actionEnsureRunning
		}
		return actionStart
	case types.DomainStateRestart:
		if observed == types.LibvirtStateRunning {
			return actionRestart
		}
		return actionStart
	case types.DomainStateShutdown:
		if observed == types.LibvirtStateRunning {
			return actionShutdownThenStop
		}
		return actionNone
	case types.DomainStateStop:
		if observed == types.LibvirtStateRunning {
			return actionStop
		}
		return actionNone
	case types.DomainStateDisable:
		if observed == types.LibvirtStateRunning {
			return actionDisable
		}
		return actionNone
	case types.DomainStateMigrate:
		switch observed {
		case types.LibvirtStateRunning:
			// /node is still us, so this domain was never actually handed
			// off: either migrate was requested before anything wrote a
			// target, or a prior attempt aborted and restored ownership
			// here. There is nothing running elsewhere to wait for, so
			// reset desired state back to start rather than waiting on a
			// migration that isn't in flight.
			return actionMigrateReset
		case types.LibvirtStateAbsent:
			return actionMigrateInbound
		default:
			return actionNone
		}
	case types.DomainStateUnmigrate:
		return actionUnmigrate
	default:
		return actionNone
	}
}
