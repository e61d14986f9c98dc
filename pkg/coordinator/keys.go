package coordinator

import "fmt"

// Key-path builders for the store schema. Every entity field
// is its own key so that components can CAS a single field (e.g.
// /domains/<uuid>/state) without contending with writers of sibling
// fields.

// NodesRoot is the parent key watched by the Node registry's WatchChildren.
const NodesRoot = "/nodes"

// DomainsRoot is the parent key watched by the Domain registry.
const DomainsRoot = "/domains"

// NetworksRoot is the parent key watched by the Network registry.
const NetworksRoot = "/networks"

// PrimaryNodeKey is the cluster-wide primary-election singleton.
const PrimaryNodeKey = "/primary_node"

// PrimaryNodeNone is the sentinel /primary_node holds while no node has
// the primary role (invariant I1: its value equals the primary's name, or
// PrimaryNodeNone during a transition).
const PrimaryNodeNone = "none"

// PrimaryNodeLockKey is the advisory lock referred to as lock(/primary_node).
// It is deliberately a distinct key from PrimaryNodeKey: Client.Lock's
// generic implementation (pkg/store/lock.go) holds a lock by CASing its own
// token into the key it is given, so locking the data key itself would
// clobber the singleton's real value for the duration of the critical
// section. Locking a dedicated key lets the holder freely read/write
// PrimaryNodeKey inside the critical section.
const PrimaryNodeLockKey = "/locks/primary_node"

// ConfigMaintenanceKey gates primary-role eligibility cluster-wide.
const ConfigMaintenanceKey = "/config/maintenance"

// ConfigUpstreamIPKey is the cluster's shared upstream floating IP record.
const ConfigUpstreamIPKey = "/config/upstream_ip"

func nodeKey(name, field string) string {
	return fmt.Sprintf("%s/%s/%s", NodesRoot, name, field)
}

// NodeKey returns the root key for a node entity, e.g. for Children calls
// enumerating its fields.
func NodeKey(name string) string { return fmt.Sprintf("%s/%s", NodesRoot, name) }

func domainKey(uuid, field string) string {
	return fmt.Sprintf("%s/%s/%s", DomainsRoot, uuid, field)
}

// DomainKey returns the root key for a domain entity.
func DomainKey(uuid string) string { return fmt.Sprintf("%s/%s", DomainsRoot, uuid) }

func networkKey(vni, field string) string {
	return fmt.Sprintf("%s/%s/%s", NetworksRoot, vni, field)
}

// NetworkKey returns the root key for a network entity.
func NetworkKey(vni string) string { return fmt.Sprintf("%s/%s", NetworksRoot, vni) }

// Node field keys.
func NodeDaemonModeKey(name string) string  { return nodeKey(name, "daemon_mode") }
func NodeDaemonStateKey(name string) string { return nodeKey(name, "daemon_state") }
func NodeRouterStateKey(name string) string { return nodeKey(name, "router_state") }
func NodeDomainStateKey(name string) string { return nodeKey(name, "domain_state") }
func NodeMemFreeKey(name string) string     { return nodeKey(name, "memfree") }
func NodeMemUsedKey(name string) string     { return nodeKey(name, "memused") }
func NodeMemAllocKey(name string) string    { return nodeKey(name, "memalloc") }
func NodeVCPUAllocKey(name string) string   { return nodeKey(name, "vcpualloc") }
func NodeCPULoadKey(name string) string     { return nodeKey(name, "cpuload") }
func NodeRunningDomainsKey(name string) string { return nodeKey(name, "running_domains") }
func NodeDomainsCountKey(name string) string   { return nodeKey(name, "domains_count") }
func NodeKeepaliveKey(name string) string      { return nodeKey(name, "keepalive") }
func NodeIPMIHostnameKey(name string) string   { return nodeKey(name, "ipmi_hostname") }
func NodeIPMIUsernameKey(name string) string   { return nodeKey(name, "ipmi_username") }
func NodeIPMIPasswordKey(name string) string   { return nodeKey(name, "ipmi_password") }
func NodeStaticDataKey(name string) string     { return nodeKey(name, "static_data") }

// Domain field keys.
func DomainNameKey(uuid string) string            { return domainKey(uuid, "name") }
func DomainXMLKey(uuid string) string             { return domainKey(uuid, "xml") }
func DomainStateKey(uuid string) string           { return domainKey(uuid, "state") }
func DomainNodeKey(uuid string) string            { return domainKey(uuid, "node") }
func DomainLastNodeKey(uuid string) string        { return domainKey(uuid, "lastnode") }
func DomainFailedReasonKey(uuid string) string    { return domainKey(uuid, "failed_reason") }
func DomainNodeLimitKey(uuid string) string       { return domainKey(uuid, "node_limit") }
func DomainNodeSelectorKey(uuid string) string    { return domainKey(uuid, "node_selector") }
func DomainNodeAutostartKey(uuid string) string   { return domainKey(uuid, "node_autostart") }
func DomainMigrationMethodKey(uuid string) string { return domainKey(uuid, "migration_method") }
func DomainTagKey(uuid, tag string) string        { return domainKey(uuid, "tags/"+tag) }
func DomainTagsKey(uuid string) string            { return domainKey(uuid, "tags") }

// Network field keys.
func NetworkDescriptionKey(vni string) string { return networkKey(vni, "description") }
func NetworkTypeKey(vni string) string        { return networkKey(vni, "type") }
func NetworkMTUKey(vni string) string         { return networkKey(vni, "mtu") }
func NetworkDomainKey(vni string) string      { return networkKey(vni, "domain") }
func NetworkIP4NetworkKey(vni string) string  { return networkKey(vni, "ip4_network") }
func NetworkIP4GatewayKey(vni string) string  { return networkKey(vni, "ip4_gateway") }
func NetworkIP6NetworkKey(vni string) string  { return networkKey(vni, "ip6_network") }
func NetworkIP6GatewayKey(vni string) string  { return networkKey(vni, "ip6_gateway") }
func NetworkDHCP4FlagKey(vni string) string   { return networkKey(vni, "dhcp4_flag") }
func NetworkDHCP4StartKey(vni string) string  { return networkKey(vni, "dhcp4_start") }
func NetworkDHCP4EndKey(vni string) string    { return networkKey(vni, "dhcp4_end") }
func NetworkNameServersKey(vni string) string { return networkKey(vni, "nameservers") }
func NetworkReservationsRoot(vni string) string {
	return fmt.Sprintf("%s/%s/dhcp_reservations", NetworksRoot, vni)
}
func NetworkReservationKey(vni, mac string) string {
	return fmt.Sprintf("%s/%s", NetworkReservationsRoot(vni), mac)
}

func networkReservationKey(vni, mac, field string) string {
	return fmt.Sprintf("%s/%s", NetworkReservationKey(vni, mac), field)
}

// DHCPReservation field keys.
func NetworkReservationIPAddressKey(vni, mac string) string {
	return networkReservationKey(vni, mac, "ip_address")
}
func NetworkReservationHostnameKey(vni, mac string) string {
	return networkReservationKey(vni, mac, "hostname")
}
func NetworkReservationStaticKey(vni, mac string) string {
	return networkReservationKey(vni, mac, "static")
}
func NetworkFirewallRoot(vni string) string {
	return fmt.Sprintf("%s/%s/firewall", NetworksRoot, vni)
}
