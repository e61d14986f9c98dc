package vm

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/parallelvirtualcluster/pvc/pkg/coordinator"
	"github.com/parallelvirtualcluster/pvc/pkg/store"
	"github.com/parallelvirtualcluster/pvc/pkg/store/storetest"
	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

var errLiveMigrationUnsupported = errors.New("live migration not supported by hypervisor")

func testLogger() zerolog.Logger { return zerolog.Nop() }

func writeEligibleNode(t *testing.T, client *storetest.Memory, name string, memFree int64) {
	t.Helper()
	require.NoError(t, client.WriteTxn(context.Background(), []store.WriteOp{
		{Key: coordinator.NodeDaemonStateKey(name), Expected: store.Any, Data: string(types.DaemonStateRun)},
		{Key: coordinator.NodeDomainStateKey(name), Expected: store.Any, Data: string(types.NodeDomainStateReady)},
		{Key: coordinator.NodeMemFreeKey(name), Expected: store.Any, Data: strconv.FormatInt(memFree, 10)},
		{Key: coordinator.NodeMemUsedKey(name), Expected: store.Any, Data: "1000000000"},
		{Key: coordinator.NodeMemAllocKey(name), Expected: store.Any, Data: "0"},
	}, nil))
}

// writeMigratingDomain simulates the write a flush/unflush worker or fence
// relocation performs against a domain still running on self: node is
// already the chosen target, lastnode records where it's running from.
func writeMigratingDomain(t *testing.T, client *storetest.Memory, uuid, target, self string) {
	t.Helper()
	writeDomain(t, client, uuid, types.DomainStateMigrate, target)
	require.NoError(t, client.WriteTxn(context.Background(), []store.WriteOp{
		{Key: coordinator.DomainLastNodeKey(uuid), Expected: store.Any, Data: self},
	}, nil))
}

func TestRunOutboundMigrationLiveSuccess(t *testing.T) {
	d, client, rt := newTestDomain(t, "node1")
	writeMigratingDomain(t, client, d.uuid, "node2", "node1")
	rt.states[d.uuid] = types.LibvirtStateRunning

	dom, err := coordinator.ReadDomain(context.Background(), client, d.uuid)
	require.NoError(t, err)

	d.runOutboundMigration(context.Background(), dom, testLogger())

	rt.mu.Lock()
	_, migrated := rt.migrated[d.uuid]
	rt.mu.Unlock()
	require.True(t, migrated)

	after, err := coordinator.ReadDomain(context.Background(), client, d.uuid)
	require.NoError(t, err)
	require.Equal(t, "node2", after.Node)
	require.Equal(t, "node1", after.LastNode)
	require.Equal(t, types.DomainStateStart, after.State)
}

func TestRunOutboundMigrationFallsBackToShutdownOnLiveFailure(t *testing.T) {
	d, client, rt := newTestDomain(t, "node1")
	writeMigratingDomain(t, client, d.uuid, "node2", "node1")
	rt.states[d.uuid] = types.LibvirtStateRunning
	rt.migrateErr = errLiveMigrationUnsupported

	dom, err := coordinator.ReadDomain(context.Background(), client, d.uuid)
	require.NoError(t, err)

	d.runOutboundMigration(context.Background(), dom, testLogger())

	after, err := coordinator.ReadDomain(context.Background(), client, d.uuid)
	require.NoError(t, err)
	require.Equal(t, "node2", after.Node)
	require.Equal(t, "node1", after.LastNode)
	require.Equal(t, types.DomainStateStart, after.State)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	require.True(t, rt.destroyed[d.uuid], "cold fallback should have shut the guest down locally")
}

func TestRunOutboundMigrationMethodNoneRestoresOwnershipOnFailure(t *testing.T) {
	d, client, rt := newTestDomain(t, "node1")
	writeMigratingDomain(t, client, d.uuid, "node2", "node1")
	require.NoError(t, client.WriteTxn(context.Background(), []store.WriteOp{
		{Key: coordinator.DomainMigrationMethodKey(d.uuid), Expected: store.Any, Data: string(types.MigrationMethodNone)},
	}, nil))
	rt.states[d.uuid] = types.LibvirtStateRunning
	rt.migrateErr = errLiveMigrationUnsupported

	dom, err := coordinator.ReadDomain(context.Background(), client, d.uuid)
	require.NoError(t, err)

	d.runOutboundMigration(context.Background(), dom, testLogger())

	after, err := coordinator.ReadDomain(context.Background(), client, d.uuid)
	require.NoError(t, err)
	require.Equal(t, "node1", after.Node, "migration_method=none must not fall back to cold relocation")
	require.Equal(t, types.DomainStateStart, after.State)
}

func TestRunInboundMigrationSuccess(t *testing.T) {
	d, client, rt := newTestDomain(t, "node2")
	writeDomain(t, client, d.uuid, types.DomainStateMigrate, "node2")
	rt.states[d.uuid] = types.LibvirtStateRunning

	dom, err := coordinator.ReadDomain(context.Background(), client, d.uuid)
	require.NoError(t, err)

	d.runInboundMigration(context.Background(), dom, testLogger())

	after, err := coordinator.ReadDomain(context.Background(), client, d.uuid)
	require.NoError(t, err)
	require.Equal(t, types.DomainStateStart, after.State)
}

func TestRunInboundMigrationTimeoutFails(t *testing.T) {
	d, client, rt := newTestDomain(t, "node2")
	d.mgr.ReceiveTimeout = 10 * time.Millisecond
	writeDomain(t, client, d.uuid, types.DomainStateMigrate, "node2")
	rt.states[d.uuid] = types.LibvirtStateAbsent

	dom, err := coordinator.ReadDomain(context.Background(), client, d.uuid)
	require.NoError(t, err)

	d.runInboundMigration(context.Background(), dom, testLogger())

	after, err := coordinator.ReadDomain(context.Background(), client, d.uuid)
	require.NoError(t, err)
	require.Equal(t, types.DomainStateFail, after.State)
	require.Equal(t, "receive timeout", after.FailedReason)
}

func TestRunUnmigratePrefersLastNodeUnlessFlushed(t *testing.T) {
	d, client, rt := newTestDomain(t, "node1")
	writeDomain(t, client, d.uuid, types.DomainStateUnmigrate, "node1")
	require.NoError(t, client.WriteTxn(context.Background(), []store.WriteOp{
		{Key: coordinator.DomainLastNodeKey(d.uuid), Expected: store.Any, Data: "node3"},
	}, nil))
	writeEligibleNode(t, client, "node3", 16000000000)
	rt.states[d.uuid] = types.LibvirtStateRunning

	dom, err := coordinator.ReadDomain(context.Background(), client, d.uuid)
	require.NoError(t, err)

	d.runUnmigrate(context.Background(), dom, testLogger())

	after, err := coordinator.ReadDomain(context.Background(), client, d.uuid)
	require.NoError(t, err)
	require.Equal(t, "node3", after.Node)
}

func TestRunUnmigrateFallsBackWhenLastNodeIsFlushed(t *testing.T) {
	d, client, rt := newTestDomain(t, "node1")
	writeDomain(t, client, d.uuid, types.DomainStateUnmigrate, "node1")
	require.NoError(t, client.WriteTxn(context.Background(), []store.WriteOp{
		{Key: coordinator.DomainLastNodeKey(d.uuid), Expected: store.Any, Data: "node3"},
	}, nil))
	// node3 is flushed: unmigrate must not return to it.
	require.NoError(t, client.WriteTxn(context.Background(), []store.WriteOp{
		{Key: coordinator.NodeDaemonStateKey("node3"), Expected: store.Any, Data: string(types.DaemonStateRun)},
		{Key: coordinator.NodeDomainStateKey("node3"), Expected: store.Any, Data: string(types.NodeDomainStateFlushed)},
	}, nil))
	writeEligibleNode(t, client, "node4", 16000000000)
	rt.states[d.uuid] = types.LibvirtStateRunning

	dom, err := coordinator.ReadDomain(context.Background(), client, d.uuid)
	require.NoError(t, err)

	d.runUnmigrate(context.Background(), dom, testLogger())

	after, err := coordinator.ReadDomain(context.Background(), client, d.uuid)
	require.NoError(t, err)
	require.Equal(t, "node4", after.Node)
}
