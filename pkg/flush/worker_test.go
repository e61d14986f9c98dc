package flush

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parallelvirtualcluster/pvc/pkg/config"
	"github.com/parallelvirtualcluster/pvc/pkg/coordinator"
	"github.com/parallelvirtualcluster/pvc/pkg/store"
	"github.com/parallelvirtualcluster/pvc/pkg/store/storetest"
	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

func TestMain(m *testing.M) {
	pollInterval = time.Millisecond
	os.Exit(m.Run())
}

func newTestSupervisor(t *testing.T) (*Supervisor, *storetest.Memory) {
	t.Helper()
	client := storetest.New()
	cfg := config.Defaults()
	cfg.NodeName = "node1"
	coord := coordinator.New(client, cfg)
	return New(coord), client
}

func writeDomain(t *testing.T, c *storetest.Memory, uuid string, state types.DomainState, node, lastNode string) {
	t.Helper()
	require.NoError(t, c.WriteTxn(context.Background(), []store.WriteOp{
		{Key: coordinator.DomainNameKey(uuid), Expected: store.Any, Data: uuid},
		{Key: coordinator.DomainXMLKey(uuid), Expected: store.Any, Data: "<domain></domain>"},
		{Key: coordinator.DomainStateKey(uuid), Expected: store.Any, Data: string(state)},
		{Key: coordinator.DomainNodeKey(uuid), Expected: store.Any, Data: node},
		{Key: coordinator.DomainLastNodeKey(uuid), Expected: store.Any, Data: lastNode},
	}, nil))
}

func writeReadyNode(t *testing.T, c *storetest.Memory, name string) {
	t.Helper()
	require.NoError(t, c.WriteTxn(context.Background(), []store.WriteOp{
		{Key: coordinator.NodeDaemonStateKey(name), Expected: store.Any, Data: string(types.DaemonStateRun)},
		{Key: coordinator.NodeDomainStateKey(name), Expected: store.Any, Data: string(types.NodeDomainStateReady)},
	}, nil))
}

func TestRunFlushMigratesDomainThenMarksFlushed(t *testing.T) {
	s, client := newTestSupervisor(t)
	writeReadyNode(t, client, "node2")
	writeDomain(t, client, "vm-1", types.DomainStateStart, "node1", "")
	require.NoError(t, client.WriteTxn(context.Background(), []store.WriteOp{
		{Key: coordinator.NodeRunningDomainsKey("node1"), Expected: store.Any, Data: "vm-1"},
	}, nil))

	go s.runFlush(context.Background())

	require.Eventually(t, func() bool {
		state, _, err := client.Read(context.Background(), coordinator.DomainStateKey("vm-1"))
		return err == nil && state == string(types.DomainStateMigrate)
	}, time.Second, time.Millisecond)

	node, _, err := client.Read(context.Background(), coordinator.DomainNodeKey("vm-1"))
	require.NoError(t, err)
	require.Equal(t, "node2", node)

	require.NoError(t, client.WriteTxn(context.Background(), []store.WriteOp{
		{Key: coordinator.DomainStateKey("vm-1"), Expected: store.Any, Data: string(types.DomainStateStart)},
	}, nil))

	require.Eventually(t, func() bool {
		state, _, err := client.Read(context.Background(), coordinator.NodeDomainStateKey("node1"))
		return err == nil && state == string(types.NodeDomainStateFlushed)
	}, time.Second, time.Millisecond)

	running, _, err := client.Read(context.Background(), coordinator.NodeRunningDomainsKey("node1"))
	require.NoError(t, err)
	require.Equal(t, "", running)
}

func TestFlushOneWithNoEligibleTargetFlagsAutostart(t *testing.T) {
	s, client := newTestSupervisor(t)
	writeDomain(t, client, "vm-1", types.DomainStateStart, "node1", "")

	s.flushOne(context.Background(), "vm-1", "node1", s.logger)

	state, _, err := client.Read(context.Background(), coordinator.DomainStateKey("vm-1"))
	require.NoError(t, err)
	require.Equal(t, string(types.DomainStateShutdown), state)

	autostart, _, err := client.Read(context.Background(), coordinator.DomainNodeAutostartKey("vm-1"))
	require.NoError(t, err)
	require.Equal(t, "true", autostart)
}

func TestRunUnflushReclaimsAndStartsAutostart(t *testing.T) {
	s, client := newTestSupervisor(t)
	writeDomain(t, client, "vm-1", types.DomainStateStart, "node2", "node1")
	writeDomain(t, client, "vm-2", types.DomainStateStop, "node1", "")
	require.NoError(t, client.WriteTxn(context.Background(), []store.WriteOp{
		{Key: coordinator.DomainNodeAutostartKey("vm-2"), Expected: store.Any, Data: "true"},
	}, nil))

	go s.runUnflush(context.Background())

	require.Eventually(t, func() bool {
		state, _, err := client.Read(context.Background(), coordinator.DomainStateKey("vm-1"))
		return err == nil && state == string(types.DomainStateMigrate)
	}, time.Second, time.Millisecond)

	node, _, err := client.Read(context.Background(), coordinator.DomainNodeKey("vm-1"))
	require.NoError(t, err)
	require.Equal(t, "node1", node)
	lastNode, _, err := client.Read(context.Background(), coordinator.DomainLastNodeKey("vm-1"))
	require.NoError(t, err)
	require.Equal(t, "", lastNode)

	require.NoError(t, client.WriteTxn(context.Background(), []store.WriteOp{
		{Key: coordinator.DomainStateKey("vm-1"), Expected: store.Any, Data: string(types.DomainStateStart)},
	}, nil))

	require.Eventually(t, func() bool {
		state, _, err := client.Read(context.Background(), coordinator.NodeDomainStateKey("node1"))
		return err == nil && state == string(types.NodeDomainStateReady)
	}, time.Second, time.Millisecond)

	vm2State, _, err := client.Read(context.Background(), coordinator.DomainStateKey("vm-2"))
	require.NoError(t, err)
	require.Equal(t, string(types.DomainStateStart), vm2State)
	vm2Autostart, _, err := client.Read(context.Background(), coordinator.DomainNodeAutostartKey("vm-2"))
	require.NoError(t, err)
	require.Equal(t, "false", vm2Autostart)
}

func TestRestartCancelsPreviousTaskBeforeStartingNext(t *testing.T) {
	s, _ := newTestSupervisor(t)

	firstCanceled := make(chan struct{})
	firstStarted := make(chan struct{})
	first := func(ctx context.Context) {
		close(firstStarted)
		<-ctx.Done()
		close(firstCanceled)
	}

	s.restart(context.Background(), first)
	<-firstStarted

	secondRan := make(chan struct{})
	second := func(ctx context.Context) { close(secondRan) }

	done := make(chan struct{})
	go func() {
		s.restart(context.Background(), second)
		close(done)
	}()

	select {
	case <-firstCanceled:
	case <-time.After(time.Second):
		t.Fatal("first task was never canceled")
	}
	select {
	case <-secondRan:
	case <-time.After(time.Second):
		t.Fatal("second task never ran")
	}
	<-done
}

func TestEvaluateIgnoresReadyFlag(t *testing.T) {
	s, _ := newTestSupervisor(t)
	s.evaluate(context.Background(), types.NodeDomainStateReady)
	s.mu.Lock()
	running := s.cancelTask != nil
	s.mu.Unlock()
	require.False(t, running)
}
