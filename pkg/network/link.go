package network

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

// linkManager creates and tears down the VXLAN+bridge pair backing one
// Network (reversed for destruction).
type linkManager interface {
	EnsureVXLAN(name, underlay string, vni, mtu int) error
	EnsureBridge(name string, mtu int) error
	AttachToBridge(linkName, bridgeName string) error
	SetUp(name string) error
	AddAddress(name, cidr string) error
	RemoveAddress(name, cidr string) error
	DeleteLink(name string) error
}

// netlinkManager is the production linkManager, backed by
// vishvananda/netlink.
type netlinkManager struct{}

func newNetlinkManager() *netlinkManager { return &netlinkManager{} }

func (m *netlinkManager) EnsureVXLAN(name, underlay string, vni, mtu int) error {
	if _, err := netlink.LinkByName(name); err == nil {
		return nil
	}
	parent, err := netlink.LinkByName(underlay)
	if err != nil {
		return fmt.Errorf("lookup underlay %s: %w", underlay, err)
	}
	vx := &netlink.Vxlan{
		LinkAttrs: netlink.LinkAttrs{
			Name: name,
			MTU:  mtu,
		},
		VxlanId:      vni,
		VtepDevIndex: parent.Attrs().Index,
		Port:         4789,
		Learning:     true,
	}
	if err := netlink.LinkAdd(vx); err != nil {
		return fmt.Errorf("create vxlan %s: %w", name, err)
	}
	return nil
}

func (m *netlinkManager) EnsureBridge(name string, mtu int) error {
	if _, err := netlink.LinkByName(name); err == nil {
		return nil
	}
	br := &netlink.Bridge{
		LinkAttrs: netlink.LinkAttrs{
			Name: name,
			MTU:  mtu,
		},
	}
	if err := netlink.LinkAdd(br); err != nil {
		return fmt.Errorf("create bridge %s: %w", name, err)
	}
	return nil
}

func (m *netlinkManager) AttachToBridge(linkName, bridgeName string) error {
	link, err := netlink.LinkByName(linkName)
	if err != nil {
		return fmt.Errorf("lookup link %s: %w", linkName, err)
	}
	bridge, err := netlink.LinkByName(bridgeName)
	if err != nil {
		return fmt.Errorf("lookup bridge %s: %w", bridgeName, err)
	}
	if err := netlink.LinkSetMaster(link, bridge); err != nil {
		return fmt.Errorf("attach %s to %s: %w", linkName, bridgeName, err)
	}
	return nil
}

func (m *netlinkManager) SetUp(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("lookup link %s: %w", name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("set %s up: %w", name, err)
	}
	return nil
}

func (m *netlinkManager) AddAddress(name, cidr string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("lookup link %s: %w", name, err)
	}
	addr, err := netlink.ParseAddr(cidr)
	if err != nil {
		return fmt.Errorf("parse address %s: %w", cidr, err)
	}
	if err := netlink.AddrAdd(link, addr); err != nil {
		return fmt.Errorf("add address %s to %s: %w", cidr, name, err)
	}
	return nil
}

func (m *netlinkManager) RemoveAddress(name, cidr string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil
	}
	addr, err := netlink.ParseAddr(cidr)
	if err != nil {
		return fmt.Errorf("parse address %s: %w", cidr, err)
	}
	return netlink.AddrDel(link, addr)
}

func (m *netlinkManager) DeleteLink(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil // already gone: destruction is idempotent
	}
	return netlink.LinkDel(link)
}

// vxlanName and bridgeName are the deterministic interface names derived
// from a network's VNI.
func vxlanName(vni int) string  { return fmt.Sprintf("vxlan%d", vni) }
func bridgeName(vni int) string { return fmt.Sprintf("br%d", vni) }
