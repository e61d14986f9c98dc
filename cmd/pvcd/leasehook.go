package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/parallelvirtualcluster/pvc/pkg/config"
	"github.com/parallelvirtualcluster/pvc/pkg/coordinator"
	"github.com/parallelvirtualcluster/pvc/pkg/network"
	"github.com/parallelvirtualcluster/pvc/pkg/store/remote"
	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

// leaseHookTimeout bounds the dial-and-write against the store. dnsmasq
// blocks its own lease processing on this process's exit, so it has to be
// short enough not to stall a DHCP transaction noticeably.
const leaseHookTimeout = 5 * time.Second

// registerLeaseHookCommands adds dnsmasq's --dhcp-script action verbs as
// hidden subcommands of rootCmd. dnsmasq execs its script as
// "<path> <action> <mac> <ip> [<hostname>]" with no way to pass extra
// flags, so pvcd is pointed at itself (see network.NewManager) and these
// verbs are what actually run when dnsmasq invokes it.
func registerLeaseHookCommands(root *cobra.Command) {
	for _, action := range []string{"add", "old", "del", "init", "tftp"} {
		root.AddCommand(&cobra.Command{
			Use:    action + " [mac] [ip] [hostname]",
			Hidden: true,
			Args:   cobra.ArbitraryArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runLeaseHook(action, args)
			},
		})
	}
}

// runLeaseHook decodes one dnsmasq lease event and writes it through to
// the store as a dynamic (non-static) DHCP reservation. The network this
// lease belongs to is threaded in via PVC_NETWORK_VNI, set on the
// dnsmasq subprocess's environment (pkg/network/dhcp.go) since dnsmasq
// inherits its own environment down to the scripts it execs.
func runLeaseHook(action string, args []string) error {
	switch action {
	case "init", "tftp":
		// Nothing to record: "init" fires once at dnsmasq startup before
		// any lease exists, "tftp" is unrelated to DHCP leasing.
		return nil
	}

	vni := os.Getenv(network.LeaseHookVNIEnv)
	if vni == "" {
		return fmt.Errorf("leasehook: %s not set", network.LeaseHookVNIEnv)
	}

	mac, ip, hostname, err := parseLeaseArgs(action, args)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("leasehook: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), leaseHookTimeout)
	defer cancel()

	client, closeClient, err := dialLeaseHookStore(cfg)
	if err != nil {
		return fmt.Errorf("leasehook: %w", err)
	}
	defer closeClient()

	vniNum, err := parseVNI(vni)
	if err != nil {
		return fmt.Errorf("leasehook: %w", err)
	}

	switch action {
	case "add", "old":
		return coordinator.WriteReservation(ctx, client, types.DHCPReservation{
			VNI:       vniNum,
			MAC:       mac,
			IPAddress: ip,
			Hostname:  hostname,
			Static:    false,
		})
	case "del":
		return coordinator.RemoveReservation(ctx, client, vni, mac)
	default:
		return fmt.Errorf("leasehook: unrecognized dnsmasq action %q", action)
	}
}

// parseLeaseArgs pulls dnsmasq's positional mac/ip/[hostname] argv apart.
// hostname is optional: dnsmasq omits it when the lease carries none.
func parseLeaseArgs(action string, args []string) (mac, ip, hostname string, err error) {
	if len(args) < 2 {
		return "", "", "", fmt.Errorf("leasehook: %s requires mac and ip, got %v", action, args)
	}
	mac, ip = args[0], args[1]
	if len(args) >= 3 {
		hostname = args[2]
	}
	return mac, ip, hostname, nil
}

func parseVNI(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", network.LeaseHookVNIEnv, s, err)
	}
	return n, nil
}

// dialLeaseHookStore connects to the store over the remote gRPC client: a
// coordinator dials its own store endpoint at bind_addr, any other node
// dials the first configured coordinator. It never opens the raft store
// itself, since the daemon process already holds it.
func dialLeaseHookStore(cfg config.Config) (*remote.Client, func(), error) {
	addr := cfg.BindAddr
	if cfg.DaemonMode != types.DaemonModeCoordinator {
		if len(cfg.Coordinators) == 0 {
			return nil, nil, fmt.Errorf("no coordinators configured")
		}
		addr = cfg.Coordinators[0]
	}
	rc, err := remote.Dial(addr, nil)
	if err != nil {
		return nil, nil, err
	}
	return rc, func() { _ = rc.Close() }, nil
}
