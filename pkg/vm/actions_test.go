package vm

import (
	"testing"

	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

func TestSelectActionForeignOwnerIsDestroyed(t *testing.T) {
	if got := selectAction(types.DomainStateStart, types.LibvirtStateRunning, false); got != actionDestroyForeign {
		t.Fatalf("got %v, want actionDestroyForeign", got)
	}
	if got := selectAction(types.DomainStateStart, types.LibvirtStateAbsent, false); got != actionNone {
		t.Fatalf("got %v, want actionNone", got)
	}
}

func TestSelectActionStartVariants(t *testing.T) {
	cases := []types.DomainState{
		types.DomainStateStart,
		types.DomainStateProvision,
		types.DomainStateImport,
		types.DomainStateRestore,
	}
	for _, desired := range cases {
		if got := selectAction(desired, types.LibvirtStateAbsent, true); got != actionStart {
			t.Errorf("%s/absent: got %v, want actionStart", desired, got)
		}
		if got := selectAction(desired, types.LibvirtStateRunning, true); got != actionEnsureRunning {
			t.Errorf("%s/running: got %v, want actionEnsureRunning", desired, got)
		}
	}
}

func TestSelectActionRestart(t *testing.T) {
	if got := selectAction(types.DomainStateRestart, types.LibvirtStateRunning, true); got != actionRestart {
		t.Fatalf("got %v, want actionRestart", got)
	}
	if got := selectAction(types.DomainStateRestart, types.LibvirtStateAbsent, true); got != actionStart {
		t.Fatalf("got %v, want actionStart", got)
	}
}

func TestSelectActionShutdownStopDisable(t *testing.T) {
	table := []struct {
		desired types.DomainState
		want    action
	}{
		{types.DomainStateShutdown, actionShutdownThenStop},
		{types.DomainStateStop, actionStop},
		{types.DomainStateDisable, actionDisable},
	}
	for _, tc := range table {
		if got := selectAction(tc.desired, types.LibvirtStateRunning, true); got != tc.want {
			t.Errorf("%s/running: got %v, want %v", tc.desired, got, tc.want)
		}
		if got := selectAction(tc.desired, types.LibvirtStateAbsent, true); got != actionNone {
			t.Errorf("%s/absent: got %v, want actionNone", tc.desired, got)
		}
	}
}

func TestSelectActionMigrate(t *testing.T) {
	// isOwner (/node == me): nothing was ever handed off, so a VM still
	// running locally resets to start rather than migrating from itself.
	if got := selectAction(types.DomainStateMigrate, types.LibvirtStateRunning, true); got != actionMigrateReset {
		t.Fatalf("got %v, want actionMigrateReset", got)
	}
	// isOwner and the VM hasn't landed yet: waiting on the incoming transfer.
	if got := selectAction(types.DomainStateMigrate, types.LibvirtStateAbsent, true); got != actionMigrateInbound {
		t.Fatalf("got %v, want actionMigrateInbound", got)
	}
	if got := selectAction(types.DomainStateMigrate, types.LibvirtStatePaused, true); got != actionNone {
		t.Fatalf("got %v, want actionNone while paused mid-transfer", got)
	}
}

func TestSelectActionMigrateOutboundWhenNodeAlreadyMovedOff(t *testing.T) {
	// !isOwner (/node already points at the target) but the VM is still
	// RUNNING locally: this node must drive the live migration out, not
	// destroy the VM.
	if got := selectAction(types.DomainStateMigrate, types.LibvirtStateRunning, false); got != actionMigrateOutbound {
		t.Fatalf("got %v, want actionMigrateOutbound", got)
	}
	// !isOwner and the VM already left: nothing to do here.
	if got := selectAction(types.DomainStateMigrate, types.LibvirtStateAbsent, false); got != actionNone {
		t.Fatalf("got %v, want actionNone", got)
	}
}

func TestSelectActionUnmigrateAlwaysActs(t *testing.T) {
	if got := selectAction(types.DomainStateUnmigrate, types.LibvirtStateAbsent, true); got != actionUnmigrate {
		t.Fatalf("got %v, want actionUnmigrate", got)
	}
	if got := selectAction(types.DomainStateUnmigrate, types.LibvirtStateRunning, true); got != actionUnmigrate {
		t.Fatalf("got %v, want actionUnmigrate", got)
	}
}

func TestBusyFlagMapping(t *testing.T) {
	table := []struct {
		a    action
		want busyFlag
	}{
		{actionStart, busyStart},
		{actionEnsureRunning, busyStart},
		{actionRestart, busyRestart},
		{actionShutdownThenStop, busyShutdown},
		{actionDisable, busyShutdown},
		{actionStop, busyStop},
		{actionDestroyForeign, busyStop},
		{actionMigrateOutbound, busyMigrate},
		{actionUnmigrate, busyMigrate},
		{actionMigrateInbound, busyReceive},
		{actionMigrateReset, busyStart},
		{actionNone, busyNone},
	}
	for _, tc := range table {
		if got := tc.a.busyFlag(); got != tc.want {
			t.Errorf("action %v: got busyFlag %v, want %v", tc.a, got, tc.want)
		}
	}
}
