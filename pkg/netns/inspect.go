package netns

import (
	"fmt"
	"net"
	"strings"

	"github.com/vishvananda/netlink"

	"github.com/emunet-network/emunet/pkg/util"
)

// InterfaceInfo describes one interface as the kernel reports it.
type InterfaceInfo struct {
	Name    string `json:"name"`
	Address string `json:"address,omitempty"` // CIDR, empty if unnumbered
	MAC     string `json:"mac,omitempty"`
	State   string `json:"state"` // up|down
	MTU     int    `json:"mtu"`
}

// RouteInfo is one entry of a namespace routing table.
type RouteInfo struct {
	Destination string `json:"destination"` // CIDR or "default"
	Gateway     string `json:"gateway,omitempty"`
	Interface   string `json:"interface,omitempty"`
}

// NeighborInfo is one ARP cache entry.
type NeighborInfo struct {
	Address string `json:"address"`
	MAC     string `json:"mac,omitempty"`
	State   string `json:"state"`
}

// NamespaceView is the read-through inspection of one namespace.
type NamespaceView struct {
	Name       string          `json:"name"`
	Kind       Kind            `json:"kind"`
	Interfaces []InterfaceInfo `json:"interfaces"`
	Routes     []RouteInfo     `json:"routes"`
	ARP        []NeighborInfo  `json:"arp"`
	Forwarding bool            `json:"forwarding"`
}

// Inspect reads interfaces, routes, ARP entries, and the forwarding flag
// straight from the kernel. Loopback is omitted from the interface list.
func (m *Manager) Inspect(name string) (*NamespaceView, error) {
	kind, ok := m.KindOf(name)
	if !ok {
		return nil, fmt.Errorf("netns: inspect: namespace %q: %w", name, util.ErrNotFound)
	}

	h, done, err := m.handleAt(name)
	if err != nil {
		return nil, fmt.Errorf("netns: inspect: %w", err)
	}
	defer done()

	view := &NamespaceView{Name: name, Kind: kind}

	links, err := h.LinkList()
	if err != nil {
		return nil, fmt.Errorf("netns: inspect: %w", util.NewKernelError("link list", name, err))
	}
	ifaceIndex := make(map[int]string)
	for _, link := range links {
		attrs := link.Attrs()
		ifaceIndex[attrs.Index] = attrs.Name
		if attrs.Name == "lo" {
			continue
		}

		info := InterfaceInfo{
			Name: attrs.Name,
			MAC:  attrs.HardwareAddr.String(),
			MTU:  attrs.MTU,
		}
		if attrs.Flags&net.FlagUp != 0 {
			info.State = "up"
		} else {
			info.State = "down"
		}
		if addrs, err := h.AddrList(link, netlink.FAMILY_V4); err == nil && len(addrs) > 0 {
			info.Address = addrs[0].IPNet.String()
		}
		view.Interfaces = append(view.Interfaces, info)
	}

	routes, err := h.RouteList(nil, netlink.FAMILY_V4)
	if err == nil {
		for _, r := range routes {
			info := RouteInfo{Interface: ifaceIndex[r.LinkIndex]}
			if r.Dst == nil {
				info.Destination = "default"
			} else {
				info.Destination = r.Dst.String()
			}
			if r.Gw != nil {
				info.Gateway = r.Gw.String()
			}
			view.Routes = append(view.Routes, info)
		}
	}

	neighs, err := h.NeighList(0, netlink.FAMILY_V4)
	if err == nil {
		for _, n := range neighs {
			if n.IP == nil {
				continue
			}
			view.ARP = append(view.ARP, NeighborInfo{
				Address: n.IP.String(),
				MAC:     n.HardwareAddr.String(),
				State:   neighState(n.State),
			})
		}
	}

	view.Forwarding = m.forwardingEnabled(name)
	return view, nil
}

func (m *Manager) forwardingEnabled(name string) bool {
	out, err := m.runner.Run("ip", "netns", "exec", name,
		"cat", "/proc/sys/net/ipv4/ip_forward")
	return err == nil && strings.TrimSpace(out) == "1"
}

func neighState(state int) string {
	switch {
	case state&netlink.NUD_REACHABLE != 0:
		return "reachable"
	case state&netlink.NUD_STALE != 0:
		return "stale"
	case state&netlink.NUD_PERMANENT != 0:
		return "permanent"
	case state&netlink.NUD_FAILED != 0:
		return "failed"
	default:
		return "incomplete"
	}
}
