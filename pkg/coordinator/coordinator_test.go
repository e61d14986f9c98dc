package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/parallelvirtualcluster/pvc/pkg/config"
	"github.com/parallelvirtualcluster/pvc/pkg/registry"
	"github.com/parallelvirtualcluster/pvc/pkg/store"
	"github.com/parallelvirtualcluster/pvc/pkg/store/storetest"
	"github.com/parallelvirtualcluster/pvc/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestWriteNodeFactsAndReadNodeRoundTrip(t *testing.T) {
	ctx := context.Background()
	client := storetest.New()
	defer client.Close()

	n := types.Node{
		Name:           "node1",
		DaemonMode:     types.DaemonModeCoordinator,
		MemFree:        1024,
		MemUsed:        2048,
		MemAlloc:       512,
		VCPUAlloc:      4,
		CPULoad:        0.5,
		RunningDomains: []string{"uuid-a", "uuid-b"},
		DomainsCount:   2,
	}
	require.NoError(t, WriteNodeStatic(ctx, client, n))
	require.NoError(t, WriteNodeFacts(ctx, client, n, time.Unix(1000, 0)))

	got, err := ReadNode(ctx, client, "node1")
	require.NoError(t, err)
	require.Equal(t, types.DaemonModeCoordinator, got.DaemonMode)
	require.Equal(t, int64(1024), got.MemFree)
	require.Equal(t, 4, got.VCPUAlloc)
	require.Equal(t, []string{"uuid-a", "uuid-b"}, got.RunningDomains)
	require.Equal(t, int64(1000), got.Keepalive)
}

func TestReadNodeNotFound(t *testing.T) {
	client := storetest.New()
	defer client.Close()

	_, err := ReadNode(context.Background(), client, "ghost")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSetDomainNodeUpdatesBothFields(t *testing.T) {
	ctx := context.Background()
	client := storetest.New()
	defer client.Close()

	require.NoError(t, client.WriteTxn(ctx, []store.WriteOp{
		{Key: DomainNameKey("uuid-1"), Expected: store.Any, Data: "vm1"},
		{Key: DomainNodeKey("uuid-1"), Expected: store.Any, Data: "node1"},
	}, nil))
	require.NoError(t, SetDomainNode(ctx, client, "uuid-1", "node2", "node1"))

	d, err := ReadDomain(ctx, client, "uuid-1")
	require.NoError(t, err)
	require.Equal(t, "node2", d.Node)
	require.Equal(t, "node1", d.LastNode)
}

func TestWriteReservationAndReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	client := storetest.New()
	defer client.Close()

	r := types.DHCPReservation{VNI: 100, MAC: "52:54:00:00:00:01", IPAddress: "10.0.1.5", Hostname: "web1", Static: true}
	require.NoError(t, WriteReservation(ctx, client, r))

	got, err := ReadReservation(ctx, client, "100", "52:54:00:00:00:01")
	require.NoError(t, err)
	require.Equal(t, "10.0.1.5", got.IPAddress)
	require.Equal(t, "web1", got.Hostname)
	require.True(t, got.Static)
}

func TestListReservationsAggregatesAllMACs(t *testing.T) {
	ctx := context.Background()
	client := storetest.New()
	defer client.Close()

	require.NoError(t, WriteReservation(ctx, client, types.DHCPReservation{VNI: 100, MAC: "aa", IPAddress: "10.0.1.1", Hostname: "a"}))
	require.NoError(t, WriteReservation(ctx, client, types.DHCPReservation{VNI: 100, MAC: "bb", IPAddress: "10.0.1.2", Hostname: "b"}))

	got, err := ListReservations(ctx, client, "100")
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestRemoveReservationDeletesFields(t *testing.T) {
	ctx := context.Background()
	client := storetest.New()
	defer client.Close()

	require.NoError(t, WriteReservation(ctx, client, types.DHCPReservation{VNI: 100, MAC: "aa", IPAddress: "10.0.1.1", Hostname: "a"}))
	require.NoError(t, RemoveReservation(ctx, client, "100", "aa"))

	macs, err := ListReservationMACs(ctx, client, "100")
	require.NoError(t, err)
	require.NotContains(t, macs, "aa")
}

type fakeObject struct{ closed bool }

func (f *fakeObject) Close() error { f.closed = true; return nil }

func TestRegisterAndLookupRegistry(t *testing.T) {
	client := storetest.New()
	defer client.Close()

	c := New(client, config.Defaults())
	r, err := registry.New[*fakeObject](context.Background(), client, "/domains", "test", func(ctx context.Context, identity string) (*fakeObject, error) {
		return &fakeObject{}, nil
	})
	require.NoError(t, err)
	defer r.Close()

	RegisterRegistry(c, RegistryDomains, r)

	got, ok := LookupRegistry[*fakeObject](c, RegistryDomains)
	require.True(t, ok)
	require.Same(t, r, got)

	_, ok = LookupRegistry[*fakeObject](c, "missing")
	require.False(t, ok)
}
