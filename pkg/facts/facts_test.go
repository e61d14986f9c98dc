package facts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parallelvirtualcluster/pvc/pkg/config"
	"github.com/parallelvirtualcluster/pvc/pkg/coordinator"
	"github.com/parallelvirtualcluster/pvc/pkg/security"
	"github.com/parallelvirtualcluster/pvc/pkg/store"
	"github.com/parallelvirtualcluster/pvc/pkg/store/storetest"
)

type fakeRuntime struct {
	domains []string
	err     error
}

func (f *fakeRuntime) LocalDomains(ctx context.Context) ([]string, error) {
	return f.domains, f.err
}

func newTestCoordinator(t *testing.T) (*coordinator.Coordinator, *storetest.Memory) {
	t.Helper()
	client := storetest.New()
	cfg := config.Defaults()
	cfg.NodeName = "node1"
	return coordinator.New(client, cfg), client
}

func TestTickPublishesFactsAndKeepalive(t *testing.T) {
	coord, client := newTestCoordinator(t)
	defer client.Close()

	require.NoError(t, client.WriteTxn(context.Background(), []store.WriteOp{
		{Key: coordinator.DomainNameKey("uuid-1"), Expected: store.Any, Data: "vm1"},
	}, nil))

	c := New(coord, &fakeRuntime{domains: []string{"uuid-1"}}, time.Second, nil)
	require.NoError(t, c.tick(context.Background()))

	n, err := coordinator.ReadNode(context.Background(), client, "node1")
	require.NoError(t, err)
	require.Equal(t, []string{"uuid-1"}, n.RunningDomains)
	require.Equal(t, 1, n.DomainsCount)
	require.NotZero(t, n.Keepalive)
}

func TestTickPropagatesRuntimeError(t *testing.T) {
	coord, client := newTestCoordinator(t)
	defer client.Close()

	c := New(coord, &fakeRuntime{err: context.DeadlineExceeded}, time.Second, nil)
	require.Error(t, c.tick(context.Background()))
}

func TestDeltaPerSecHandlesCounterReset(t *testing.T) {
	require.Equal(t, uint64(0), deltaPerSec(100, 50, 1))
	require.Equal(t, uint64(10), deltaPerSec(0, 10, 1))
}

func TestTickPublishesEncryptedIPMIPassword(t *testing.T) {
	require.NoError(t, security.SetClusterEncryptionKey(security.DeriveKeyFromClusterID("test-cluster")))

	coord, client := newTestCoordinator(t)
	defer client.Close()
	coord.Config.IPMIHostname = "bmc1.example.com"
	coord.Config.IPMIUsername = "admin"
	coord.Config.IPMIPassword = "hunter2"

	c := New(coord, &fakeRuntime{}, time.Second, nil)
	require.NoError(t, c.tick(context.Background()))

	n, err := coordinator.ReadNode(context.Background(), client, "node1")
	require.NoError(t, err)
	require.Equal(t, "bmc1.example.com", n.IPMIHostname)
	require.Equal(t, "admin", n.IPMIUsername)
	require.NotEqual(t, "hunter2", n.IPMIPassword)
	require.NotEmpty(t, n.IPMIPassword)
}

func TestEncryptIPMIPasswordEmptyIsNoop(t *testing.T) {
	encrypted, err := encryptIPMIPassword("")
	require.NoError(t, err)
	require.Empty(t, encrypted)
}
