package fence

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parallelvirtualcluster/pvc/pkg/coordinator"
	"github.com/parallelvirtualcluster/pvc/pkg/store"
	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

func TestCheckPeersSpawnsFenceForStaleKeepalive(t *testing.T) {
	s, client, f := newTestSupervisor(t)
	require.NoError(t, client.WriteTxn(context.Background(), []store.WriteOp{
		{Key: coordinator.NodeDaemonStateKey("node2"), Expected: store.Any, Data: string(types.DaemonStateRun)},
		{Key: coordinator.NodeKeepaliveKey("node2"), Expected: store.Any, Data: strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)},
	}, nil))

	s.checkPeers(context.Background())
	require.Eventually(t, func() bool { return f.calls == 1 }, time.Second, time.Millisecond)
}

func TestCheckPeersIgnoresFreshKeepalive(t *testing.T) {
	s, client, f := newTestSupervisor(t)
	require.NoError(t, client.WriteTxn(context.Background(), []store.WriteOp{
		{Key: coordinator.NodeDaemonStateKey("node2"), Expected: store.Any, Data: string(types.DaemonStateRun)},
		{Key: coordinator.NodeKeepaliveKey("node2"), Expected: store.Any, Data: strconv.FormatInt(time.Now().Unix(), 10)},
	}, nil))

	s.checkPeers(context.Background())
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 0, f.calls)
}

func TestCheckPeersSkipsSelf(t *testing.T) {
	s, client, f := newTestSupervisor(t)
	require.NoError(t, client.WriteTxn(context.Background(), []store.WriteOp{
		{Key: coordinator.NodeDaemonStateKey("node1"), Expected: store.Any, Data: string(types.DaemonStateRun)},
		{Key: coordinator.NodeKeepaliveKey("node1"), Expected: store.Any, Data: strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)},
	}, nil))

	s.checkPeers(context.Background())
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 0, f.calls)
}

func TestSpawnFenceDoesNotDuplicateInFlight(t *testing.T) {
	s, _, _ := newTestSupervisor(t)
	s.inFlight["node2"] = true
	s.spawnFence("node2")
	require.True(t, s.inFlight["node2"])
}

func TestCheckSelfDisabledWhenSuicideIntervalsZero(t *testing.T) {
	s, client, _ := newTestSupervisor(t)
	reb := s.rebooter.(*fakeRebooter)
	require.NoError(t, client.WriteTxn(context.Background(), []store.WriteOp{
		{Key: coordinator.NodeKeepaliveKey("node1"), Expected: store.Any, Data: strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)},
	}, nil))

	s.checkSelf(context.Background())
	require.False(t, reb.called)
}

func TestCheckSelfRebootsOnStaleOwnKeepalive(t *testing.T) {
	s, client, _ := newTestSupervisor(t)
	s.coord.Config.SuicideIntervals = 2
	reb := s.rebooter.(*fakeRebooter)
	require.NoError(t, client.WriteTxn(context.Background(), []store.WriteOp{
		{Key: coordinator.NodeKeepaliveKey("node1"), Expected: store.Any, Data: strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)},
	}, nil))

	s.checkSelf(context.Background())
	require.True(t, reb.called)
}

func TestCheckSelfDoesNotRebootOnFreshKeepalive(t *testing.T) {
	s, client, _ := newTestSupervisor(t)
	s.coord.Config.SuicideIntervals = 2
	reb := s.rebooter.(*fakeRebooter)
	require.NoError(t, client.WriteTxn(context.Background(), []store.WriteOp{
		{Key: coordinator.NodeKeepaliveKey("node1"), Expected: store.Any, Data: strconv.FormatInt(time.Now().Unix(), 10)},
	}, nil))

	s.checkSelf(context.Background())
	require.False(t, reb.called)
}
