package primary

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/vishvananda/netlink"
)

// floatingIP is one address in the acquire-order list
// step 2 / the reverse release-order list of step 4.
type floatingIP struct {
	name string // for logging only
	link string
	cidr string
}

// addrManager attaches/detaches a floating address to a link and
// announces it, abstracted so the acquire/release sequence is testable
// without root or a real network namespace.
type addrManager interface {
	AddAddress(link, cidr string) error
	RemoveAddress(link, cidr string) error
	GratuitousARP(link, ip string) error
}

// netlinkAddrManager is the production addrManager, using the same
// vishvananda/netlink dependency pkg/network's link manager does for
// address management, plus the standard Linux arping tool for gratuitous
// ARP (no ARP-frame-construction library exists in the pack, and arping
// is the conventional way this announcement is made on Linux hosts).
type netlinkAddrManager struct{}

func newNetlinkAddrManager() *netlinkAddrManager { return &netlinkAddrManager{} }

func (a *netlinkAddrManager) AddAddress(link, cidr string) error {
	l, err := netlink.LinkByName(link)
	if err != nil {
		return fmt.Errorf("lookup link %s: %w", link, err)
	}
	addr, err := netlink.ParseAddr(cidr)
	if err != nil {
		return fmt.Errorf("parse address %s: %w", cidr, err)
	}
	if err := netlink.AddrAdd(l, addr); err != nil {
		return fmt.Errorf("add address %s to %s: %w", cidr, link, err)
	}
	return nil
}

func (a *netlinkAddrManager) RemoveAddress(link, cidr string) error {
	l, err := netlink.LinkByName(link)
	if err != nil {
		return fmt.Errorf("lookup link %s: %w", link, err)
	}
	addr, err := netlink.ParseAddr(cidr)
	if err != nil {
		return fmt.Errorf("parse address %s: %w", cidr, err)
	}
	if err := netlink.AddrDel(l, addr); err != nil {
		return fmt.Errorf("remove address %s from %s: %w", cidr, link, err)
	}
	return nil
}

func (a *netlinkAddrManager) GratuitousARP(link, ip string) error {
	cmd := exec.Command("arping", "-A", "-c", "1", "-I", link, ip)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("arping %s on %s: %w (output: %s)", ip, link, err, string(out))
	}
	return nil
}

// acquireFloatingIPs brings up every floating address in order, emitting
// a gratuitous ARP after each.
func (c *Controller) acquireFloatingIPs(ctx context.Context) error {
	for _, fip := range c.floatingIPs() {
		if fip.link == "" || fip.cidr == "" {
			continue
		}
		if err := c.addrs.AddAddress(fip.link, fip.cidr); err != nil {
			return fmt.Errorf("add floating ip %s: %w", fip.name, err)
		}
		ip, _, _ := splitCIDR(fip.cidr)
		if err := c.addrs.GratuitousARP(fip.link, ip); err != nil {
			c.logger.Warn().Err(err).Str("floating_ip", fip.name).Msg("gratuitous ARP failed")
		}
	}
	return nil
}

// releaseFloatingIPs removes every floating address in the reverse of
// acquire order.
func (c *Controller) releaseFloatingIPs() {
	fips := c.floatingIPs()
	for i := len(fips) - 1; i >= 0; i-- {
		fip := fips[i]
		if fip.link == "" || fip.cidr == "" {
			continue
		}
		if err := c.addrs.RemoveAddress(fip.link, fip.cidr); err != nil {
			c.logger.Warn().Err(err).Str("floating_ip", fip.name).Msg("failed to remove floating ip")
		}
	}
}

func (c *Controller) floatingIPs() []floatingIP {
	return []floatingIP{
		{name: "metadata", link: "lo", cidr: "169.254.169.254/32"},
		{name: "cluster", link: c.cfg.VNIDev, cidr: c.cfg.ClusterFloatingIP},
		{name: "upstream", link: c.cfg.UpstreamDev, cidr: c.cfg.UpstreamFloatingIP},
	}
}

// splitCIDR returns the bare address part of a CIDR string.
func splitCIDR(cidr string) (addr string, suffix string, ok bool) {
	for i, r := range cidr {
		if r == '/' {
			return cidr[:i], cidr[i+1:], true
		}
	}
	return cidr, "", false
}
