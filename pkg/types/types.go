// Package types defines the entities stored in the replicated configuration
// store and the enumerations that drive the state-reconciliation engine.
package types

import "time"

// DaemonMode distinguishes coordinator nodes (raft voters, eligible for the
// primary role) from hypervisor-only nodes (remote store clients).
type DaemonMode string

const (
	DaemonModeCoordinator DaemonMode = "coordinator"
	DaemonModeHypervisor  DaemonMode = "hypervisor"
)

// DaemonState is the node's own ephemeral liveness state.
type DaemonState string

const (
	DaemonStateInit DaemonState = "init"
	DaemonStateRun  DaemonState = "run"
	DaemonStateDead DaemonState = "dead"
	DaemonStateStop DaemonState = "stop"
)

// RouterState is the node's position in the primary-role state machine.
type RouterState string

const (
	RouterStateClient     RouterState = "client"
	RouterStateSecondary  RouterState = "secondary"
	RouterStateTakeover   RouterState = "takeover"
	RouterStatePrimary    RouterState = "primary"
	RouterStateRelinquish RouterState = "relinquish"
)

// DomainStateFlag is the node's flush/unflush flag, distinct from a VM's
// desired state of the same name.
type DomainStateFlag string

const (
	NodeDomainStateReady    DomainStateFlag = "ready"
	NodeDomainStateFlush    DomainStateFlag = "flush"
	NodeDomainStateFlushed  DomainStateFlag = "flushed"
	NodeDomainStateUnflush  DomainStateFlag = "unflush"
)

// Node is the entity rooted at /nodes/<name>.
type Node struct {
	Name            string
	DaemonMode      DaemonMode
	DaemonState     DaemonState
	RouterState     RouterState
	DomainState     DomainStateFlag
	MemFree         int64 // bytes
	MemUsed         int64 // bytes
	MemAlloc        int64 // bytes declared by domains this node runs
	VCPUAlloc       int   // vCPUs declared by domains this node runs
	CPULoad         float64
	RunningDomains  []string // UUIDs, order preserved for "space-separated" semantics
	DomainsCount    int
	Keepalive       int64 // unix epoch seconds
	IPMIHostname    string
	IPMIUsername    string
	IPMIPassword    string // encrypted at rest via pkg/security
	StaticData      NodeStaticData
	CreatedAt       time.Time
}

// NodeStaticData is gathered once at daemon start and never changes.
type NodeStaticData struct {
	CPUCount int
	Arch     string
	OS       string
	Kernel   string
}

// DomainState is the VM's desired-state vocabulary.
type DomainState string

const (
	DomainStateStart     DomainState = "start"
	DomainStateRestart   DomainState = "restart"
	DomainStateShutdown  DomainState = "shutdown"
	DomainStateStop      DomainState = "stop"
	DomainStateDisable   DomainState = "disable"
	DomainStateMigrate   DomainState = "migrate"
	DomainStateUnmigrate DomainState = "unmigrate"
	DomainStateProvision DomainState = "provision"
	DomainStateFail      DomainState = "fail"
	DomainStateImport    DomainState = "import"
	DomainStateRestore   DomainState = "restore"
)

// LibvirtState is the observed state of a libvirt domain.
type LibvirtState string

const (
	LibvirtStateRunning LibvirtState = "RUNNING"
	LibvirtStateShutoff LibvirtState = "SHUTOFF"
	LibvirtStatePaused  LibvirtState = "PAUSED"
	LibvirtStateAbsent  LibvirtState = ""
)

// NodeSelector is the target-selection algorithm used for migration and
// placement decisions.
type NodeSelector string

const (
	SelectorMem     NodeSelector = "mem"
	SelectorMemProv NodeSelector = "memprov"
	SelectorLoad    NodeSelector = "load"
	SelectorVCPUs   NodeSelector = "vcpus"
	SelectorVMs     NodeSelector = "vms"
	SelectorNone    NodeSelector = "none"
)

// MigrationMethod controls outbound migration behavior and fallback policy.
type MigrationMethod string

const (
	MigrationMethodUnset    MigrationMethod = "" // default: live, fallback allowed
	MigrationMethodLive     MigrationMethod = "live"
	MigrationMethodShutdown MigrationMethod = "shutdown"
	MigrationMethodNone     MigrationMethod = "none"
)

// Domain is the entity rooted at /domains/<uuid>.
type Domain struct {
	UUID             string
	Name             string
	XML              string
	State            DomainState
	Node             string
	LastNode         string
	FailedReason     string
	NodeLimit        []string // empty means unrestricted
	NodeSelector     NodeSelector
	NodeAutostart    bool
	MigrationMethod  MigrationMethod
	Tags             map[string]string
	MemoryBytes      int64
	VCPUs            int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NetworkType distinguishes PVC-managed networks (gateway/DHCP/DNS owned by
// the primary) from pure-L2 bridged networks.
type NetworkType string

const (
	NetworkTypeManaged NetworkType = "managed"
	NetworkTypeBridged NetworkType = "bridged"
)

// Network is the entity rooted at /networks/<vni>.
type Network struct {
	VNI         int
	Description string
	Type        NetworkType
	MTU         int
	Domain      string // DNS domain served for this network
	IP4Network  string // CIDR
	IP4Gateway  string
	IP6Network  string // CIDR
	IP6Gateway  string
	DHCP4Flag   bool
	DHCP4Start  string
	DHCP4End    string
	NameServers []string
	CreatedAt   time.Time
}

// DHCPReservation is a child entity of a Network, keyed by MAC address.
type DHCPReservation struct {
	VNI       int
	MAC       string
	IPAddress string
	Hostname  string
	Static    bool // false for dynamically-learned leases written by the dnsmasq hook
}

// FirewallRule is a child entity of a Network, sequentially identified.
type FirewallRule struct {
	VNI         int
	ID          int
	Description string
	Rule        string // raw nftables rule fragment
}

// SuccessfulFencePolicy / FailedFencePolicy values (cluster config).
type FencePolicy string

const (
	FencePolicyMigrate FencePolicy = "migrate"
	FencePolicyNone    FencePolicy = "none"
)

// ClusterConfig holds the cluster-wide singletons under /config and
// /primary_node.
type ClusterConfig struct {
	PrimaryNode         string // "" or "none" when no primary holds the role
	Maintenance         bool
	UpstreamIP          string
	DefaultNodeSelector NodeSelector
}
