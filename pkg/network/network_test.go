package network

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parallelvirtualcluster/pvc/pkg/config"
	"github.com/parallelvirtualcluster/pvc/pkg/coordinator"
	"github.com/parallelvirtualcluster/pvc/pkg/store"
	"github.com/parallelvirtualcluster/pvc/pkg/store/storetest"
)

type fakeLink struct {
	vxlans    map[string]bool
	bridges   map[string]bool
	attached  map[string]string
	up        map[string]bool
	addrs     map[string]map[string]bool
	deleted   []string
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		vxlans:   map[string]bool{},
		bridges:  map[string]bool{},
		attached: map[string]string{},
		up:       map[string]bool{},
		addrs:    map[string]map[string]bool{},
	}
}

func (f *fakeLink) EnsureVXLAN(name, underlay string, vni, mtu int) error {
	f.vxlans[name] = true
	return nil
}
func (f *fakeLink) EnsureBridge(name string, mtu int) error { f.bridges[name] = true; return nil }
func (f *fakeLink) AttachToBridge(linkName, bridgeName string) error {
	f.attached[linkName] = bridgeName
	return nil
}
func (f *fakeLink) SetUp(name string) error { f.up[name] = true; return nil }
func (f *fakeLink) AddAddress(name, cidr string) error {
	if f.addrs[name] == nil {
		f.addrs[name] = map[string]bool{}
	}
	f.addrs[name][cidr] = true
	return nil
}
func (f *fakeLink) RemoveAddress(name, cidr string) error {
	delete(f.addrs[name], cidr)
	return nil
}
func (f *fakeLink) DeleteLink(name string) error { f.deleted = append(f.deleted, name); return nil }

type fakeFirewall struct {
	applied   map[int]bool
	torndown  map[int]bool
}

func newFakeFirewall() *fakeFirewall {
	return &fakeFirewall{applied: map[int]bool{}, torndown: map[int]bool{}}
}
func (f *fakeFirewall) Apply(vni int, bridge string, rules []string) error {
	f.applied[vni] = true
	return nil
}
func (f *fakeFirewall) Teardown(vni int) error { f.torndown[vni] = true; return nil }

type fakeDHCP struct {
	running map[int]DHCPConfig
	reloads int
}

func newFakeDHCP() *fakeDHCP { return &fakeDHCP{running: map[int]DHCPConfig{}} }
func (f *fakeDHCP) Start(vni int, cfg DHCPConfig) error {
	f.running[vni] = cfg
	return nil
}
func (f *fakeDHCP) Stop(vni int) error { delete(f.running, vni); return nil }
func (f *fakeDHCP) Reload(vni int) error {
	f.reloads++
	return nil
}
func (f *fakeDHCP) WriteHostFile(vni int, mac, ip, hostname string) error { return nil }
func (f *fakeDHCP) RemoveHostFile(vni int, mac string) error              { return nil }

func newTestManager(t *testing.T) (*Manager, *storetest.Memory, *fakeLink, *fakeFirewall, *fakeDHCP) {
	t.Helper()
	client := storetest.New()
	cfg := config.Defaults()
	cfg.NodeName = "node1"
	cfg.VNIDev = "eth1"
	coord := coordinator.New(client, cfg)
	link := newFakeLink()
	fw := newFakeFirewall()
	dhcp := newFakeDHCP()
	mgr := &Manager{Coord: coord, link: link, fw: fw, dhcp: dhcp, hostsDirBase: t.TempDir()}
	return mgr, client, link, fw, dhcp
}

func writeNetwork(t *testing.T, client *storetest.Memory, vni string) {
	t.Helper()
	require.NoError(t, client.WriteTxn(context.Background(), []store.WriteOp{
		{Key: coordinator.NetworkTypeKey(vni), Expected: store.Any, Data: "managed"},
		{Key: coordinator.NetworkMTUKey(vni), Expected: store.Any, Data: "1450"},
		{Key: coordinator.NetworkIP4NetworkKey(vni), Expected: store.Any, Data: "10.0.1.0/24"},
		{Key: coordinator.NetworkIP4GatewayKey(vni), Expected: store.Any, Data: "10.0.1.1"},
		{Key: coordinator.NetworkDHCP4FlagKey(vni), Expected: store.Any, Data: "true"},
		{Key: coordinator.NetworkDHCP4StartKey(vni), Expected: store.Any, Data: "10.0.1.10"},
		{Key: coordinator.NetworkDHCP4EndKey(vni), Expected: store.Any, Data: "10.0.1.200"},
	}, nil))
}

func TestNewInstanceMaterializesBaseNetworking(t *testing.T) {
	mgr, client, link, fw, _ := newTestManager(t)
	defer client.Close()
	writeNetwork(t, client, "100")

	inst, err := newInstance(context.Background(), mgr, "100")
	require.NoError(t, err)
	defer inst.Close()

	require.True(t, link.vxlans["vxlan100"])
	require.True(t, link.bridges["br100"])
	require.Equal(t, "br100", link.attached["vxlan100"])
	require.True(t, fw.applied[100])
}

func TestSetPrimaryInstallsAndRemovesAddenda(t *testing.T) {
	mgr, client, link, _, dhcp := newTestManager(t)
	defer client.Close()
	writeNetwork(t, client, "100")

	inst, err := newInstance(context.Background(), mgr, "100")
	require.NoError(t, err)
	defer inst.Close()

	require.NoError(t, inst.SetPrimary(context.Background(), true))
	require.True(t, link.addrs["br100"]["10.0.1.1/24"])
	_, running := dhcp.running[100]
	require.True(t, running)

	require.NoError(t, inst.SetPrimary(context.Background(), false))
	require.False(t, link.addrs["br100"]["10.0.1.1/24"])
	_, running = dhcp.running[100]
	require.False(t, running)
}

func TestCloseTearsDownInReverse(t *testing.T) {
	mgr, client, link, fw, _ := newTestManager(t)
	defer client.Close()
	writeNetwork(t, client, "100")

	inst, err := newInstance(context.Background(), mgr, "100")
	require.NoError(t, err)

	require.NoError(t, inst.Close())
	require.True(t, fw.torndown[100])
	require.Contains(t, link.deleted, "vxlan100")
	require.Contains(t, link.deleted, "br100")
}

func TestCidrSuffixDefaultsTo32(t *testing.T) {
	require.Equal(t, "24", cidrSuffix("10.0.1.0/24"))
	require.Equal(t, "32", cidrSuffix("10.0.1.1"))
}
