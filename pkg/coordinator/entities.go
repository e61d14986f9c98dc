package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/parallelvirtualcluster/pvc/pkg/store"
	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

// ReadNode assembles a types.Node from its per-field keys. Missing fields
// are left zero-valued; ErrNotFound is returned only if the node's root
// has no children at all.
func ReadNode(ctx context.Context, c store.Client, name string) (types.Node, error) {
	names, err := c.Children(ctx, NodeKey(name))
	if err != nil {
		return types.Node{}, err
	}
	if len(names) == 0 {
		return types.Node{}, fmt.Errorf("node %s: %w", name, store.ErrNotFound)
	}

	n := types.Node{Name: name}
	n.DaemonMode = types.DaemonMode(readStr(ctx, c, NodeDaemonModeKey(name)))
	n.DaemonState = types.DaemonState(readStr(ctx, c, NodeDaemonStateKey(name)))
	n.RouterState = types.RouterState(readStr(ctx, c, NodeRouterStateKey(name)))
	n.DomainState = types.DomainStateFlag(readStr(ctx, c, NodeDomainStateKey(name)))
	n.MemFree = readInt(ctx, c, NodeMemFreeKey(name))
	n.MemUsed = readInt(ctx, c, NodeMemUsedKey(name))
	n.MemAlloc = readInt(ctx, c, NodeMemAllocKey(name))
	n.VCPUAlloc = int(readInt(ctx, c, NodeVCPUAllocKey(name)))
	n.CPULoad = readFloat(ctx, c, NodeCPULoadKey(name))
	n.RunningDomains = splitNonEmpty(readStr(ctx, c, NodeRunningDomainsKey(name)))
	n.DomainsCount = int(readInt(ctx, c, NodeDomainsCountKey(name)))
	n.Keepalive = readInt(ctx, c, NodeKeepaliveKey(name))
	n.IPMIHostname = readStr(ctx, c, NodeIPMIHostnameKey(name))
	n.IPMIUsername = readStr(ctx, c, NodeIPMIUsernameKey(name))
	n.IPMIPassword = readStr(ctx, c, NodeIPMIPasswordKey(name))

	if raw := readStr(ctx, c, NodeStaticDataKey(name)); raw != "" {
		_ = json.Unmarshal([]byte(raw), &n.StaticData)
	}
	return n, nil
}

// WriteNodeStatic writes the fields set once at daemon start and never
// again: daemon_mode, ipmi credentials, static_data.
func WriteNodeStatic(ctx context.Context, c store.Client, n types.Node) error {
	static, err := json.Marshal(n.StaticData)
	if err != nil {
		return fmt.Errorf("marshal static_data: %w", err)
	}
	return c.WriteTxn(ctx, []store.WriteOp{
		{Key: NodeDaemonModeKey(n.Name), Expected: store.Any, Data: string(n.DaemonMode)},
		{Key: NodeIPMIHostnameKey(n.Name), Expected: store.Any, Data: n.IPMIHostname},
		{Key: NodeIPMIUsernameKey(n.Name), Expected: store.Any, Data: n.IPMIUsername},
		{Key: NodeIPMIPasswordKey(n.Name), Expected: store.Any, Data: n.IPMIPassword},
		{Key: NodeStaticDataKey(n.Name), Expected: store.Any, Data: string(static)},
	}, nil)
}

// WriteNodeFacts publishes the observed-state fields gathered each tick by
// the facts collector, plus the keepalive heartbeat, in one
// transaction so a partial write can never be observed.
func WriteNodeFacts(ctx context.Context, c store.Client, n types.Node, now time.Time) error {
	return c.WriteTxn(ctx, []store.WriteOp{
		{Key: NodeMemFreeKey(n.Name), Expected: store.Any, Data: strconv.FormatInt(n.MemFree, 10)},
		{Key: NodeMemUsedKey(n.Name), Expected: store.Any, Data: strconv.FormatInt(n.MemUsed, 10)},
		{Key: NodeMemAllocKey(n.Name), Expected: store.Any, Data: strconv.FormatInt(n.MemAlloc, 10)},
		{Key: NodeVCPUAllocKey(n.Name), Expected: store.Any, Data: strconv.Itoa(n.VCPUAlloc)},
		{Key: NodeCPULoadKey(n.Name), Expected: store.Any, Data: strconv.FormatFloat(n.CPULoad, 'f', -1, 64)},
		{Key: NodeRunningDomainsKey(n.Name), Expected: store.Any, Data: strings.Join(n.RunningDomains, " ")},
		{Key: NodeDomainsCountKey(n.Name), Expected: store.Any, Data: strconv.Itoa(n.DomainsCount)},
		{Key: NodeKeepaliveKey(n.Name), Expected: store.Any, Data: strconv.FormatInt(now.Unix(), 10)},
	}, nil)
}

// ListNodeNames returns the current child set under /nodes.
func ListNodeNames(ctx context.Context, c store.Client) ([]string, error) {
	return c.Children(ctx, NodesRoot)
}

// ReadDomain assembles a types.Domain from its per-field keys.
func ReadDomain(ctx context.Context, c store.Client, uuid string) (types.Domain, error) {
	names, err := c.Children(ctx, DomainKey(uuid))
	if err != nil {
		return types.Domain{}, err
	}
	if len(names) == 0 {
		return types.Domain{}, fmt.Errorf("domain %s: %w", uuid, store.ErrNotFound)
	}

	d := types.Domain{UUID: uuid}
	d.Name = readStr(ctx, c, DomainNameKey(uuid))
	d.XML = readStr(ctx, c, DomainXMLKey(uuid))
	d.State = types.DomainState(readStr(ctx, c, DomainStateKey(uuid)))
	d.Node = readStr(ctx, c, DomainNodeKey(uuid))
	d.LastNode = readStr(ctx, c, DomainLastNodeKey(uuid))
	d.FailedReason = readStr(ctx, c, DomainFailedReasonKey(uuid))
	d.NodeLimit = splitNonEmpty(readStr(ctx, c, DomainNodeLimitKey(uuid)))
	d.NodeSelector = types.NodeSelector(readStr(ctx, c, DomainNodeSelectorKey(uuid)))
	d.NodeAutostart = readStr(ctx, c, DomainNodeAutostartKey(uuid)) == "true"
	d.MigrationMethod = types.MigrationMethod(readStr(ctx, c, DomainMigrationMethodKey(uuid)))

	tags, err := c.Children(ctx, DomainTagsKey(uuid))
	if err == nil && len(tags) > 0 {
		d.Tags = make(map[string]string, len(tags))
		for _, tag := range tags {
			d.Tags[tag] = readStr(ctx, c, DomainTagKey(uuid, tag))
		}
	}
	return d, nil
}

// SetDomainState performs the CAS write every action in the action-selection table
// ends with: advance /domains/<uuid>/state only if it still holds
// expectedVersion, so a concurrent operator write is never silently
// clobbered by a stale reconciliation decision.
func SetDomainState(ctx context.Context, c store.Client, uuid string, state types.DomainState, expectedVersion int64) error {
	return c.WriteTxn(ctx, []store.WriteOp{
		{Key: DomainStateKey(uuid), Expected: expectedVersion, Data: string(state)},
	}, nil)
}

// SetDomainNode transactionally updates node and lastnode together, the
// pattern every migration step performs.
func SetDomainNode(ctx context.Context, c store.Client, uuid, node, lastNode string) error {
	return c.WriteTxn(ctx, []store.WriteOp{
		{Key: DomainNodeKey(uuid), Expected: store.Any, Data: node},
		{Key: DomainLastNodeKey(uuid), Expected: store.Any, Data: lastNode},
	}, nil)
}

// ListDomainUUIDs returns the current child set under /domains.
func ListDomainUUIDs(ctx context.Context, c store.Client) ([]string, error) {
	return c.Children(ctx, DomainsRoot)
}

// ReadNetwork assembles a types.Network from its per-field keys.
func ReadNetwork(ctx context.Context, c store.Client, vni string) (types.Network, error) {
	names, err := c.Children(ctx, NetworkKey(vni))
	if err != nil {
		return types.Network{}, err
	}
	if len(names) == 0 {
		return types.Network{}, fmt.Errorf("network %s: %w", vni, store.ErrNotFound)
	}

	num, _ := strconv.Atoi(vni)
	nw := types.Network{VNI: num}
	nw.Description = readStr(ctx, c, NetworkDescriptionKey(vni))
	nw.Type = types.NetworkType(readStr(ctx, c, NetworkTypeKey(vni)))
	nw.MTU, _ = strconv.Atoi(readStr(ctx, c, NetworkMTUKey(vni)))
	nw.Domain = readStr(ctx, c, NetworkDomainKey(vni))
	nw.IP4Network = readStr(ctx, c, NetworkIP4NetworkKey(vni))
	nw.IP4Gateway = readStr(ctx, c, NetworkIP4GatewayKey(vni))
	nw.IP6Network = readStr(ctx, c, NetworkIP6NetworkKey(vni))
	nw.IP6Gateway = readStr(ctx, c, NetworkIP6GatewayKey(vni))
	nw.DHCP4Flag = readStr(ctx, c, NetworkDHCP4FlagKey(vni)) == "true"
	nw.DHCP4Start = readStr(ctx, c, NetworkDHCP4StartKey(vni))
	nw.DHCP4End = readStr(ctx, c, NetworkDHCP4EndKey(vni))
	nw.NameServers = splitNonEmpty(readStr(ctx, c, NetworkNameServersKey(vni)))
	return nw, nil
}

// ListNetworkVNIs returns the current child set under /networks.
func ListNetworkVNIs(ctx context.Context, c store.Client) ([]string, error) {
	return c.Children(ctx, NetworksRoot)
}

// ReadReservation assembles a types.DHCPReservation from its per-field
// keys under /networks/<vni>/dhcp_reservations/<mac>.
func ReadReservation(ctx context.Context, c store.Client, vni, mac string) (types.DHCPReservation, error) {
	names, err := c.Children(ctx, NetworkReservationKey(vni, mac))
	if err != nil {
		return types.DHCPReservation{}, err
	}
	if len(names) == 0 {
		return types.DHCPReservation{}, fmt.Errorf("reservation %s/%s: %w", vni, mac, store.ErrNotFound)
	}
	num, _ := strconv.Atoi(vni)
	r := types.DHCPReservation{VNI: num, MAC: mac}
	r.IPAddress = readStr(ctx, c, NetworkReservationIPAddressKey(vni, mac))
	r.Hostname = readStr(ctx, c, NetworkReservationHostnameKey(vni, mac))
	r.Static = readStr(ctx, c, NetworkReservationStaticKey(vni, mac)) == "true"
	return r, nil
}

// ListReservationMACs returns the current child set under a network's
// reservations root, the MAC addresses with a reservation recorded.
func ListReservationMACs(ctx context.Context, c store.Client, vni string) ([]string, error) {
	return c.Children(ctx, NetworkReservationsRoot(vni))
}

// ListReservations reads every reservation recorded for vni. A reservation
// that fails to read (e.g. removed between Children and Read) is skipped
// rather than failing the whole call.
func ListReservations(ctx context.Context, c store.Client, vni string) ([]types.DHCPReservation, error) {
	macs, err := ListReservationMACs(ctx, c, vni)
	if err != nil {
		return nil, err
	}
	out := make([]types.DHCPReservation, 0, len(macs))
	for _, mac := range macs {
		r, err := ReadReservation(ctx, c, vni, mac)
		if err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// WriteReservation records or updates a DHCP reservation, the write the
// dnsmasq lease hook performs for dynamically-learned leases and the API
// performs for operator-declared static reservations.
func WriteReservation(ctx context.Context, c store.Client, r types.DHCPReservation) error {
	vni := strconv.Itoa(r.VNI)
	static := "false"
	if r.Static {
		static = "true"
	}
	return c.WriteTxn(ctx, []store.WriteOp{
		{Key: NetworkReservationIPAddressKey(vni, r.MAC), Expected: store.Any, Data: r.IPAddress},
		{Key: NetworkReservationHostnameKey(vni, r.MAC), Expected: store.Any, Data: r.Hostname},
		{Key: NetworkReservationStaticKey(vni, r.MAC), Expected: store.Any, Data: static},
	}, nil)
}

// RemoveReservation deletes a reservation's fields, the write a lease
// expiry or an operator removal performs.
func RemoveReservation(ctx context.Context, c store.Client, vni, mac string) error {
	return c.WriteTxn(ctx, nil, []store.Delete{
		{Key: NetworkReservationIPAddressKey(vni, mac), Expected: store.Any},
		{Key: NetworkReservationHostnameKey(vni, mac), Expected: store.Any},
		{Key: NetworkReservationStaticKey(vni, mac), Expected: store.Any},
	})
}

func readStr(ctx context.Context, c store.Client, key string) string {
	data, _, err := c.Read(ctx, key)
	if err != nil {
		return ""
	}
	return data
}

func readInt(ctx context.Context, c store.Client, key string) int64 {
	v, err := strconv.ParseInt(readStr(ctx, c, key), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func readFloat(ctx context.Context, c store.Client, key string) float64 {
	v, err := strconv.ParseFloat(readStr(ctx, c, key), 64)
	if err != nil {
		return 0
	}
	return v
}

func splitNonEmpty(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return strings.Fields(s)
}
