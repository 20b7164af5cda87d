package netns

import (
	"fmt"
	"net"
	"strings"

	"github.com/vishvananda/netlink"

	"github.com/emunet-network/emunet/pkg/util"
)

// addrOps is the slice of the netlink handle surface that address
// assignment uses.
type addrOps interface {
	LinkByName(name string) (netlink.Link, error)
	AddrAdd(link netlink.Link, addr *netlink.Addr) error
	LinkSetUp(link netlink.Link) error
}

// AssignAddress puts an IPv4 address on an interface inside a namespace and
// brings the interface up. Idempotent when the same assignment already
// exists; a duplicate address anywhere else fails with AddressConflict.
func (m *Manager) AssignAddress(name, iface, addr string, prefix int) error {
	if !util.IsValidIPv4(addr) || prefix < 1 || prefix > 32 {
		return fmt.Errorf("netns: assign %s/%d: %w", addr, prefix, util.ErrInvalidArgument)
	}
	if !m.Exists(name) {
		return fmt.Errorf("netns: assign address: namespace %q: %w", name, util.ErrNotFound)
	}

	if err := m.registry.Register(addr, name, iface); err != nil {
		return fmt.Errorf("netns: assign address: %w", err)
	}

	h, done, err := m.handleAt(name)
	if err != nil {
		m.registry.Release(addr)
		return fmt.Errorf("netns: assign address: %w", err)
	}
	defer done()

	present, err := assignAddr(h, name, iface, addr, prefix)
	if err != nil {
		if !present {
			// the address never landed on the interface
			m.registry.Release(addr)
		}
		return fmt.Errorf("netns: assign address: %w", err)
	}

	util.WithIface(name, iface).Infof("address assigned: %s/%d", addr, prefix)
	return nil
}

// assignAddr adds the address and brings the interface up. The link-up runs
// even when the address already exists: a re-assignment must leave the
// interface administratively up regardless of its prior state. present
// reports whether the address is on the interface when an error is
// returned.
func assignAddr(h addrOps, name, iface, addr string, prefix int) (present bool, err error) {
	link, err := h.LinkByName(iface)
	if err != nil {
		return false, fmt.Errorf("interface %q in %q: %w", iface, name, util.ErrNotFound)
	}

	nlAddr, err := netlink.ParseAddr(util.CIDR(addr, prefix))
	if err != nil {
		return false, fmt.Errorf("address %s/%d: %w", addr, prefix, util.ErrInvalidArgument)
	}

	if err := h.AddrAdd(link, nlAddr); err != nil {
		if !strings.Contains(err.Error(), "exists") {
			return false, util.NewKernelError("addr add", addr, err)
		}
		// same assignment already present; fall through to the link-up
	}

	if err := h.LinkSetUp(link); err != nil {
		return true, util.NewKernelError("link up", iface, err)
	}
	return true, nil
}

// RemoveAddress takes an address off an interface and releases it from the
// registry. Missing addresses are ignored.
func (m *Manager) RemoveAddress(name, iface, addr string, prefix int) error {
	defer m.registry.Release(addr)

	h, done, err := m.handleAt(name)
	if err != nil {
		return nil // namespace already gone; registry release is enough
	}
	defer done()

	link, err := h.LinkByName(iface)
	if err != nil {
		return nil
	}
	nlAddr, err := netlink.ParseAddr(util.CIDR(addr, prefix))
	if err != nil {
		return nil
	}
	h.AddrDel(link, nlAddr)
	return nil
}

// SetLinkState brings an interface up or down.
func (m *Manager) SetLinkState(name, iface string, up bool) error {
	if !m.Exists(name) {
		return fmt.Errorf("netns: set link state: namespace %q: %w", name, util.ErrNotFound)
	}

	h, done, err := m.handleAt(name)
	if err != nil {
		return fmt.Errorf("netns: set link state: %w", err)
	}
	defer done()

	link, err := h.LinkByName(iface)
	if err != nil {
		return fmt.Errorf("netns: set link state: interface %q in %q: %w", iface, name, util.ErrNotFound)
	}

	if up {
		err = h.LinkSetUp(link)
	} else {
		err = h.LinkSetDown(link)
	}
	if err != nil {
		return fmt.Errorf("netns: set link state: %w", util.NewKernelError("link state", iface, err))
	}
	util.WithIface(name, iface).Infof("link state: up=%v", up)
	return nil
}

// SetDefaultGateway installs (or replaces) the default route via gw.
func (m *Manager) SetDefaultGateway(name, gw string) error {
	if !util.IsValidIPv4(gw) {
		return fmt.Errorf("netns: set gateway %q: %w", gw, util.ErrInvalidArgument)
	}
	if !m.Exists(name) {
		return fmt.Errorf("netns: set gateway: namespace %q: %w", name, util.ErrNotFound)
	}

	h, done, err := m.handleAt(name)
	if err != nil {
		return fmt.Errorf("netns: set gateway: %w", err)
	}
	defer done()

	route := &netlink.Route{Dst: nil, Gw: net.ParseIP(gw)}
	if err := h.RouteReplace(route); err != nil {
		return fmt.Errorf("netns: set gateway: %w", util.NewKernelError("route replace", gw, err))
	}
	util.WithDevice(name).Infof("default gateway set: %s", gw)
	return nil
}

// RemoveDefaultGateway deletes the default route if present.
func (m *Manager) RemoveDefaultGateway(name string) error {
	h, done, err := m.handleAt(name)
	if err != nil {
		return nil
	}
	defer done()

	routes, err := h.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return nil
	}
	for _, r := range routes {
		if r.Dst == nil && r.Gw != nil {
			h.RouteDel(&r)
		}
	}
	return nil
}

// AddRoute installs a static route to a destination subnet via gw,
// replacing any existing route for the same destination.
func (m *Manager) AddRoute(name, dstCIDR, gw string) error {
	if !m.Exists(name) {
		return fmt.Errorf("netns: add route: namespace %q: %w", name, util.ErrNotFound)
	}

	_, dst, err := net.ParseCIDR(dstCIDR)
	if err != nil {
		return fmt.Errorf("netns: add route %q: %w", dstCIDR, util.ErrInvalidArgument)
	}

	h, done, err := m.handleAt(name)
	if err != nil {
		return fmt.Errorf("netns: add route: %w", err)
	}
	defer done()

	route := &netlink.Route{Dst: dst, Gw: net.ParseIP(gw)}
	if err := h.RouteReplace(route); err != nil {
		return fmt.Errorf("netns: add route: %w", util.NewKernelError("route replace", dstCIDR, err))
	}
	return nil
}

// SetForwarding toggles net.ipv4.ip_forward inside a namespace. The sysctl
// is per-namespace, so it must run through a process joined to it.
func (m *Manager) SetForwarding(name string, enable bool) error {
	val := "0"
	if enable {
		val = "1"
	}
	out, err := m.runner.Run("ip", "netns", "exec", name,
		"sysctl", "-w", "net.ipv4.ip_forward="+val)
	if err != nil {
		return fmt.Errorf("netns: set forwarding on %q: %w", name, util.NewKernelError("sysctl", out, err))
	}
	util.WithDevice(name).Infof("ip_forward=%s", val)
	return nil
}
