package fence

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/parallelvirtualcluster/pvc/pkg/config"
	"github.com/parallelvirtualcluster/pvc/pkg/coordinator"
	"github.com/parallelvirtualcluster/pvc/pkg/ipmi"
	"github.com/parallelvirtualcluster/pvc/pkg/security"
	"github.com/parallelvirtualcluster/pvc/pkg/store"
	"github.com/parallelvirtualcluster/pvc/pkg/store/storetest"
	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

func testLogger() zerolog.Logger { return zerolog.Nop() }

func TestMain(m *testing.M) {
	savingThrowInterval = time.Millisecond
	if err := security.SetClusterEncryptionKey(security.DeriveKeyFromClusterID("test-cluster")); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

type fakeFencer struct {
	err   error
	calls int
}

func (f *fakeFencer) Reboot(ctx context.Context, target ipmi.Target) error {
	f.calls++
	return f.err
}

func writeDeadPeer(t *testing.T, c *storetest.Memory, name string) {
	t.Helper()
	require.NoError(t, c.WriteTxn(context.Background(), []store.WriteOp{
		{Key: coordinator.NodeDaemonStateKey(name), Expected: store.Any, Data: string(types.DaemonStateDead)},
		{Key: coordinator.NodeIPMIHostnameKey(name), Expected: store.Any, Data: "bmc-" + name},
	}, nil))
}

func newTestSupervisor(t *testing.T) (*Supervisor, *storetest.Memory, *fakeFencer) {
	t.Helper()
	client := storetest.New()
	cfg := config.Defaults()
	cfg.NodeName = "node1"
	cfg.KeepaliveInterval = 5 * time.Second
	cfg.FenceIntervals = 6
	coord := coordinator.New(client, cfg)
	f := &fakeFencer{}
	s := &Supervisor{coord: coord, logger: testLogger(), fencer: f, rebooter: &fakeRebooter{}, inFlight: map[string]bool{}}
	return s, client, f
}

type fakeRebooter struct {
	called bool
}

func (r *fakeRebooter) Reboot() error {
	r.called = true
	return nil
}

func TestSavingThrowsAbortsWhenPeerNotDead(t *testing.T) {
	client := storetest.New()
	cfg := config.Defaults()
	coord := coordinator.New(client, cfg)
	require.NoError(t, client.WriteTxn(context.Background(), []store.WriteOp{
		{Key: coordinator.NodeDaemonStateKey("node2"), Expected: store.Any, Data: string(types.DaemonStateRun)},
	}, nil))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ok := savingThrows(ctx, coord, "node2", testLogger())
	require.False(t, ok)
}

func TestRunFenceTaskSuccessfulResetRelocatesDomains(t *testing.T) {
	s, client, f := newTestSupervisor(t)
	s.coord.Config.SuccessfulFence = types.FencePolicyMigrate
	writeDeadPeer(t, client, "node2")

	require.NoError(t, client.WriteTxn(context.Background(), []store.WriteOp{
		{Key: coordinator.NodeRunningDomainsKey("node2"), Expected: store.Any, Data: "vm-1"},
		{Key: coordinator.DomainNameKey("vm-1"), Expected: store.Any, Data: "vm-1"},
		{Key: coordinator.DomainXMLKey("vm-1"), Expected: store.Any, Data: "<domain></domain>"},
		{Key: coordinator.DomainStateKey("vm-1"), Expected: store.Any, Data: string(types.DomainStateStart)},
		{Key: coordinator.DomainNodeKey("vm-1"), Expected: store.Any, Data: "node2"},
		{Key: coordinator.NodeDaemonStateKey("node3"), Expected: store.Any, Data: string(types.DaemonStateRun)},
		{Key: coordinator.NodeDomainStateKey("node3"), Expected: store.Any, Data: string(types.NodeDomainStateReady)},
		{Key: coordinator.NodeMemFreeKey("node3"), Expected: store.Any, Data: strconv.Itoa(1 << 30)},
	}, nil))

	s.runFenceTask(context.Background(), "node2", testLogger())

	require.Equal(t, 1, f.calls)
	node, _, err := client.Read(context.Background(), coordinator.DomainNodeKey("vm-1"))
	require.NoError(t, err)
	require.Equal(t, "node3", node)
	lastNode, _, err := client.Read(context.Background(), coordinator.DomainLastNodeKey("vm-1"))
	require.NoError(t, err)
	require.Equal(t, "node2", lastNode)
	peerDomainState, _, err := client.Read(context.Background(), coordinator.NodeDomainStateKey("node2"))
	require.NoError(t, err)
	require.Equal(t, string(types.NodeDomainStateFlushed), peerDomainState)
}

func TestRunFenceTaskFailedResetWithoutSuicideDoesNotRelocate(t *testing.T) {
	s, client, f := newTestSupervisor(t)
	s.coord.Config.FailedFence = types.FencePolicyMigrate
	s.coord.Config.SuicideIntervals = 0
	f.err = errors.New("ipmi unreachable")
	writeDeadPeer(t, client, "node2")
	require.NoError(t, client.WriteTxn(context.Background(), []store.WriteOp{
		{Key: coordinator.NodeRunningDomainsKey("node2"), Expected: store.Any, Data: "vm-1"},
		{Key: coordinator.DomainXMLKey("vm-1"), Expected: store.Any, Data: "<domain></domain>"},
		{Key: coordinator.DomainStateKey("vm-1"), Expected: store.Any, Data: string(types.DomainStateStart)},
		{Key: coordinator.DomainNodeKey("vm-1"), Expected: store.Any, Data: "node2"},
	}, nil))

	s.runFenceTask(context.Background(), "node2", testLogger())

	node, _, err := client.Read(context.Background(), coordinator.DomainNodeKey("vm-1"))
	require.NoError(t, err)
	require.Equal(t, "node2", node, "domain must not be relocated when failed_fence requires suicide guard")
}

func TestRunFenceTaskFailedResetWithSuicideRelocates(t *testing.T) {
	s, client, f := newTestSupervisor(t)
	s.coord.Config.FailedFence = types.FencePolicyMigrate
	s.coord.Config.SuicideIntervals = 3
	f.err = errors.New("ipmi unreachable")
	writeDeadPeer(t, client, "node2")
	require.NoError(t, client.WriteTxn(context.Background(), []store.WriteOp{
		{Key: coordinator.NodeRunningDomainsKey("node2"), Expected: store.Any, Data: "vm-1"},
		{Key: coordinator.DomainXMLKey("vm-1"), Expected: store.Any, Data: "<domain></domain>"},
		{Key: coordinator.DomainStateKey("vm-1"), Expected: store.Any, Data: string(types.DomainStateStart)},
		{Key: coordinator.DomainNodeKey("vm-1"), Expected: store.Any, Data: "node2"},
		{Key: coordinator.NodeDaemonStateKey("node3"), Expected: store.Any, Data: string(types.DaemonStateRun)},
		{Key: coordinator.NodeDomainStateKey("node3"), Expected: store.Any, Data: string(types.NodeDomainStateReady)},
	}, nil))

	s.runFenceTask(context.Background(), "node2", testLogger())

	node, _, err := client.Read(context.Background(), coordinator.DomainNodeKey("vm-1"))
	require.NoError(t, err)
	require.Equal(t, "node3", node)
}

func TestRunFenceTaskNoEligibleTargetLeavesDomainStopped(t *testing.T) {
	s, client, _ := newTestSupervisor(t)
	s.coord.Config.SuccessfulFence = types.FencePolicyMigrate
	writeDeadPeer(t, client, "node2")
	require.NoError(t, client.WriteTxn(context.Background(), []store.WriteOp{
		{Key: coordinator.NodeRunningDomainsKey("node2"), Expected: store.Any, Data: "vm-1"},
		{Key: coordinator.DomainXMLKey("vm-1"), Expected: store.Any, Data: "<domain></domain>"},
		{Key: coordinator.DomainStateKey("vm-1"), Expected: store.Any, Data: string(types.DomainStateStart)},
		{Key: coordinator.DomainNodeKey("vm-1"), Expected: store.Any, Data: "node2"},
	}, nil))

	s.runFenceTask(context.Background(), "node2", testLogger())

	state, _, err := client.Read(context.Background(), coordinator.DomainStateKey("vm-1"))
	require.NoError(t, err)
	require.Equal(t, string(types.DomainStateStop), state)
}

func TestRunFenceTaskRelinquishesPrimaryRole(t *testing.T) {
	s, client, _ := newTestSupervisor(t)
	writeDeadPeer(t, client, "node2")
	require.NoError(t, client.WriteTxn(context.Background(), []store.WriteOp{
		{Key: coordinator.NodeRouterStateKey("node2"), Expected: store.Any, Data: string(types.RouterStatePrimary)},
		{Key: coordinator.PrimaryNodeKey, Expected: store.Any, Data: "node2"},
	}, nil))

	s.runFenceTask(context.Background(), "node2", testLogger())

	primary, _, err := client.Read(context.Background(), coordinator.PrimaryNodeKey)
	require.NoError(t, err)
	require.Equal(t, coordinator.PrimaryNodeNone, primary)
	routerState, _, err := client.Read(context.Background(), coordinator.NodeRouterStateKey("node2"))
	require.NoError(t, err)
	require.Equal(t, string(types.RouterStateSecondary), routerState)
}

func TestRunFenceTaskDecryptsPeerIPMIPassword(t *testing.T) {
	s, client, f := newTestSupervisor(t)
	writeDeadPeer(t, client, "node2")

	ciphertext, err := security.Encrypt([]byte("hunter2"))
	require.NoError(t, err)
	encoded := base64.StdEncoding.EncodeToString(ciphertext)
	require.NoError(t, client.WriteTxn(context.Background(), []store.WriteOp{
		{Key: coordinator.NodeIPMIPasswordKey("node2"), Expected: store.Any, Data: encoded},
	}, nil))

	s.runFenceTask(context.Background(), "node2", testLogger())
	require.Equal(t, 1, f.calls)
}

func TestDecryptIPMIPasswordEmptyIsNoop(t *testing.T) {
	password, err := decryptIPMIPassword("")
	require.NoError(t, err)
	require.Empty(t, password)
}

func TestDecryptIPMIPasswordRoundTrip(t *testing.T) {
	ciphertext, err := security.Encrypt([]byte("s3cret"))
	require.NoError(t, err)
	encoded := base64.StdEncoding.EncodeToString(ciphertext)

	password, err := decryptIPMIPassword(encoded)
	require.NoError(t, err)
	require.Equal(t, "s3cret", password)
}
