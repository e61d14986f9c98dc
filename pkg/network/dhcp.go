package network

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/parallelvirtualcluster/pvc/pkg/procsup"
)

// LeaseHookVNIEnv is the environment variable dnsmasq's --dhcp-script child
// inherits to learn which network its lease event belongs to. dnsmasq's
// --dhcp-script accepts a single executable path with fixed positional argv
// (action, mac, ip, [hostname]) and no custom flags, so the VNI has to be
// threaded through the process environment instead.
const LeaseHookVNIEnv = "PVC_NETWORK_VNI"

// DHCPConfig is the set of Network fields that shape a dnsmasq instance
//
type DHCPConfig struct {
	Bridge      string
	Gateway     string
	RangeStart  string
	RangeEnd    string
	Domain      string
	NameServers []string
	HostsDir    string
	LeaseScript string
}

// dhcpServer owns one dnsmasq instance per managed network plus its
// per-reservation host files.
type dhcpServer interface {
	Start(vni int, cfg DHCPConfig) error
	Stop(vni int) error
	Reload(vni int) error
	WriteHostFile(vni int, mac, ip, hostname string) error
	RemoveHostFile(vni int, mac string) error
}

// dnsmasqServer is the production dhcpServer, supervising one dnsmasq
// process per network through pkg/procsup.
type dnsmasqServer struct {
	runDir    string
	processes map[int]*procsup.Process
}

func newDNSMasqServer(runDir string) *dnsmasqServer {
	return &dnsmasqServer{
		runDir:    runDir,
		processes: make(map[int]*procsup.Process),
	}
}

func (d *dnsmasqServer) Start(vni int, cfg DHCPConfig) error {
	if err := os.MkdirAll(cfg.HostsDir, 0o755); err != nil {
		return fmt.Errorf("create hostsdir: %w", err)
	}
	args := []string{
		"--keep-in-foreground",
		"--bind-interfaces",
		"--except-interface=lo",
		fmt.Sprintf("--interface=%s", cfg.Bridge),
		fmt.Sprintf("--dhcp-range=%s,%s", cfg.RangeStart, cfg.RangeEnd),
		fmt.Sprintf("--dhcp-hostsdir=%s", cfg.HostsDir),
		fmt.Sprintf("--domain=%s", cfg.Domain),
		fmt.Sprintf("--pid-file=%s", filepath.Join(d.runDir, fmt.Sprintf("dnsmasq-%d.pid", vni))),
	}
	if cfg.LeaseScript != "" {
		args = append(args, fmt.Sprintf("--dhcp-script=%s", cfg.LeaseScript))
	}
	for _, ns := range cfg.NameServers {
		args = append(args, fmt.Sprintf("--server=%s", ns))
	}

	p := procsup.New(procsup.Spec{
		Name:         fmt.Sprintf("dnsmasq-vni%d", vni),
		Path:         "dnsmasq",
		Args:         args,
		Env:          []string{fmt.Sprintf("%s=%d", LeaseHookVNIEnv, vni)},
		RestartDelay: 2 * time.Second,
	})
	if err := p.Start(); err != nil {
		return fmt.Errorf("start dnsmasq for vni %d: %w", vni, err)
	}
	d.processes[vni] = p
	return nil
}

func (d *dnsmasqServer) Stop(vni int) error {
	p, ok := d.processes[vni]
	if !ok {
		return nil
	}
	delete(d.processes, vni)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.Stop(ctx)
}

func (d *dnsmasqServer) Reload(vni int) error {
	p, ok := d.processes[vni]
	if !ok {
		return fmt.Errorf("dnsmasq for vni %d not running", vni)
	}
	return p.Reload()
}

func hostsDirFor(baseDir string, vni int) string {
	return filepath.Join(baseDir, fmt.Sprintf("vni%d", vni))
}

// WriteHostFile writes one dhcp-hostsdir entry (mac,ip,hostname) and HUPs
// dnsmasq to pick it up without dropping existing leases.
func (d *dnsmasqServer) WriteHostFile(vni int, mac, ip, hostname string) error {
	dir := hostsDirFor(d.runDir, vni)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	content := fmt.Sprintf("%s,%s,%s\n", mac, ip, hostname)
	path := filepath.Join(dir, sanitizeMAC(mac))
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write host file %s: %w", path, err)
	}
	return d.Reload(vni)
}

func (d *dnsmasqServer) RemoveHostFile(vni int, mac string) error {
	dir := hostsDirFor(d.runDir, vni)
	path := filepath.Join(dir, sanitizeMAC(mac))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove host file %s: %w", path, err)
	}
	return d.Reload(vni)
}

func sanitizeMAC(mac string) string {
	out := make([]rune, 0, len(mac))
	for _, r := range mac {
		if r == ':' {
			continue
		}
		out = append(out, r)
	}
	return string(out)
}
