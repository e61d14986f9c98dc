package network

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/parallelvirtualcluster/pvc/pkg/coordinator"
	"github.com/parallelvirtualcluster/pvc/pkg/log"
	"github.com/parallelvirtualcluster/pvc/pkg/store"
	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

// Manager is the shared dependency set every Instance factory closes over:
// the coordinator (for store access and node identity) and the
// side-effecting backends. One Manager is constructed per daemon process.
type Manager struct {
	Coord *coordinator.Coordinator

	link  linkManager
	fw    firewall
	dhcp  dhcpServer

	hostsDirBase string
	leaseScript  string
}

// NewManager wires the production netlink/nft/dnsmasq backends. dnsmasq's
// --dhcp-script is pointed at this daemon's own binary, which registers
// dnsmasq's lease-event verbs as hidden subcommands (see cmd/pvcd's
// leasehook.go); if the running binary's path can't be resolved, dynamic
// lease recording is disabled.
func NewManager(coord *coordinator.Coordinator, dynamicDir string) *Manager {
	self, err := os.Executable()
	if err != nil {
		log.WithComponent("network").Warn().Err(err).
			Msg("could not resolve own executable path, dnsmasq lease hook disabled")
		self = ""
	}
	return &Manager{
		Coord:        coord,
		link:         newNetlinkManager(),
		fw:           newNFTFirewall(),
		dhcp:         newDNSMasqServer(dynamicDir),
		hostsDirBase: dynamicDir,
		leaseScript:  self,
	}
}

// Factory returns a registry.Factory constructing one Instance per
// /networks/<vni> child.
func (m *Manager) Factory() func(ctx context.Context, vni string) (*Instance, error) {
	return func(ctx context.Context, vni string) (*Instance, error) {
		return newInstance(ctx, m, vni)
	}
}

// Instance materializes one Network entity's VXLAN+bridge+nftables state
// and, while this node is primary, its gateway/dnsmasq addenda.
type Instance struct {
	mgr *Manager
	vni string

	mu        sync.Mutex
	cached    types.Network
	isPrimary bool
	dhcpUp    bool

	cancelWatch store.CancelFunc
}

// newInstance materializes base networking and
// starts watching the entity for reconfiguration (step 9 in this
// implementation, generalizing the per-field watch list).
func newInstance(ctx context.Context, mgr *Manager, vni string) (*Instance, error) {
	nw, err := coordinator.ReadNetwork(ctx, mgr.Coord.Store, vni)
	if err != nil {
		return nil, fmt.Errorf("read network %s: %w", vni, err)
	}

	inst := &Instance{mgr: mgr, vni: vni, cached: nw}
	if err := inst.materializeBase(nw); err != nil {
		return nil, err
	}

	cancel, err := mgr.Coord.Store.WatchChildren(ctx, coordinator.NetworkKey(vni), func(names []string) {
		inst.onReconfigure(ctx)
	})
	if err != nil {
		_ = inst.teardownBase(nw)
		return nil, fmt.Errorf("watch network %s: %w", vni, err)
	}
	inst.cancelWatch = cancel
	return inst, nil
}

func (i *Instance) materializeBase(nw types.Network) error {
	vxlan := vxlanName(nw.VNI)
	bridge := bridgeName(nw.VNI)
	mtu := nw.MTU
	if mtu == 0 {
		mtu = 1450 // VXLAN encapsulation overhead budget; matches common defaults
	}

	if err := i.mgr.link.EnsureVXLAN(vxlan, i.mgr.Coord.Config.VNIDev, nw.VNI, mtu); err != nil {
		return err
	}
	if err := i.mgr.link.EnsureBridge(bridge, mtu); err != nil {
		return err
	}
	if err := i.mgr.link.AttachToBridge(vxlan, bridge); err != nil {
		return err
	}
	if err := i.mgr.link.SetUp(vxlan); err != nil {
		return err
	}
	if err := i.mgr.link.SetUp(bridge); err != nil {
		return err
	}
	return i.mgr.fw.Apply(nw.VNI, bridge, nil)
}

func (i *Instance) teardownBase(nw types.Network) error {
	_ = i.mgr.fw.Teardown(nw.VNI)
	_ = i.mgr.link.DeleteLink(vxlanName(nw.VNI))
	_ = i.mgr.link.DeleteLink(bridgeName(nw.VNI))
	return nil
}

// onReconfigure re-reads the entity and applies the minimal diff-driven
// bringup/teardown the reconfiguration path calls for.
func (i *Instance) onReconfigure(ctx context.Context) {
	logger := log.WithComponent("network").With().Int("vni", mustAtoi(i.vni)).Logger()
	nw, err := coordinator.ReadNetwork(ctx, i.mgr.Coord.Store, i.vni)
	if err != nil {
		logger.Error().Err(err).Msg("failed to re-read network during reconfigure")
		return
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	prev := i.cached
	i.cached = nw

	if prev.MTU != nw.MTU {
		logger.Warn().Int("old_mtu", prev.MTU).Int("new_mtu", nw.MTU).
			Msg("network mtu changed; takes effect on next instance rebuild")
	}

	if i.isPrimary && (prev.IP4Gateway != nw.IP4Gateway || prev.IP4Network != nw.IP4Network) {
		bridge := bridgeName(nw.VNI)
		if prev.IP4Gateway != "" {
			_ = i.mgr.link.RemoveAddress(bridge, prev.IP4Gateway+"/"+cidrSuffix(prev.IP4Network))
		}
		if nw.IP4Gateway != "" {
			_ = i.mgr.link.AddAddress(bridge, nw.IP4Gateway+"/"+cidrSuffix(nw.IP4Network))
		}
	}

	if i.isPrimary && i.dhcpUp && dhcpConfigChanged(prev, nw) {
		_ = i.mgr.dhcp.Stop(nw.VNI)
		i.dhcpUp = false
		if err := i.startDHCP(nw); err != nil {
			logger.Error().Err(err).Msg("failed to restart dnsmasq after reconfiguration")
		}
	}
}

func dhcpConfigChanged(prev, cur types.Network) bool {
	return prev.DHCP4Flag != cur.DHCP4Flag ||
		prev.DHCP4Start != cur.DHCP4Start ||
		prev.DHCP4End != cur.DHCP4End ||
		prev.Domain != cur.Domain
}

// SetPrimary installs or removes the primary-only addenda: the gateway
// address and dnsmasq. It does not watch the network's DHCP reservations;
// no code path writes them into dnsmasq's hostsdir (WriteHostFile and
// RemoveHostFile have no callers).
// Called by pkg/primary on every router-state transition.
func (i *Instance) SetPrimary(ctx context.Context, primary bool) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if primary == i.isPrimary {
		return nil
	}
	nw := i.cached
	bridge := bridgeName(nw.VNI)

	if primary {
		if nw.IP4Gateway != "" {
			if err := i.mgr.link.AddAddress(bridge, nw.IP4Gateway+"/"+cidrSuffix(nw.IP4Network)); err != nil {
				return err
			}
		}
		if nw.DHCP4Flag {
			if err := i.startDHCP(nw); err != nil {
				return err
			}
		}
		i.isPrimary = true
		return nil
	}

	if i.dhcpUp {
		_ = i.mgr.dhcp.Stop(nw.VNI)
		i.dhcpUp = false
	}
	if nw.IP4Gateway != "" {
		_ = i.mgr.link.RemoveAddress(bridge, nw.IP4Gateway+"/"+cidrSuffix(nw.IP4Network))
	}
	i.isPrimary = false
	return nil
}

func (i *Instance) startDHCP(nw types.Network) error {
	hostsDir := hostsDirFor(i.mgr.hostsDirBase, nw.VNI)
	err := i.mgr.dhcp.Start(nw.VNI, DHCPConfig{
		Bridge:      bridgeName(nw.VNI),
		Gateway:     nw.IP4Gateway,
		RangeStart:  nw.DHCP4Start,
		RangeEnd:    nw.DHCP4End,
		Domain:      nw.Domain,
		NameServers: nw.NameServers,
		HostsDir:    hostsDir,
		LeaseScript: i.mgr.leaseScript,
	})
	if err != nil {
		return err
	}
	i.dhcpUp = true
	return nil
}

// Close tears down everything this Instance started, in reverse order of
// construction, tolerating components that are already missing.
func (i *Instance) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.cancelWatch != nil {
		i.cancelWatch()
	}
	if i.dhcpUp {
		_ = i.mgr.dhcp.Stop(i.cached.VNI)
	}
	return i.teardownBase(i.cached)
}

func cidrSuffix(cidr string) string {
	for idx := len(cidr) - 1; idx >= 0; idx-- {
		if cidr[idx] == '/' {
			return cidr[idx+1:]
		}
	}
	return "32"
}

func mustAtoi(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}
