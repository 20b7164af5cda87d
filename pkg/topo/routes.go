package topo

import (
	"fmt"
	"sort"

	"github.com/emunet-network/emunet/pkg/netns"
	"github.com/emunet-network/emunet/pkg/util"
)

// edge is one hop of the adjacency graph: a directly reachable neighbor
// and its address on the shared subnet.
type edge struct {
	to     string
	toAddr string
	subnet int
}

// adjacency builds the neighbor graph from the link table. Endpoints of one
// switch are mutual neighbors on the switch's subnet. Callers hold m.mu.
func (m *Manager) adjacencyLocked() map[string][]edge {
	addrOn := func(device, linkID string) string {
		d, ok := m.devices[device]
		if !ok {
			return ""
		}
		for _, ifc := range d.Ifaces {
			if ifc.LinkID == linkID {
				return ifc.Addr
			}
		}
		return ""
	}

	adj := make(map[string][]edge)
	bySwitch := make(map[string][]struct {
		name string
		addr string
	})

	for id, l := range m.links {
		swB, ok := m.devices[l.B]
		if ok && swB.Kind == netns.KindSwitch {
			bySwitch[l.B] = append(bySwitch[l.B], struct {
				name string
				addr string
			}{l.A, addrOn(l.A, id)})
			continue
		}
		addrA, addrB := addrOn(l.A, id), addrOn(l.B, id)
		if addrA == "" || addrB == "" {
			continue
		}
		adj[l.A] = append(adj[l.A], edge{to: l.B, toAddr: addrB, subnet: l.Subnet})
		adj[l.B] = append(adj[l.B], edge{to: l.A, toAddr: addrA, subnet: l.Subnet})
	}

	for swName, members := range bySwitch {
		sub := m.devices[swName].switchSubnet
		for _, a := range members {
			for _, b := range members {
				if a.name == b.name || b.addr == "" {
					continue
				}
				adj[a.name] = append(adj[a.name], edge{to: b.name, toAddr: b.addr, subnet: sub})
			}
		}
	}

	for name := range adj {
		sort.Slice(adj[name], func(i, j int) bool { return adj[name][i].to < adj[name][j].to })
	}
	return adj
}

// attachedSubnetsLocked returns the subnets a device has an address in.
func (m *Manager) attachedSubnetsLocked(name string) map[int]bool {
	subs := make(map[int]bool)
	d, ok := m.devices[name]
	if !ok {
		return subs
	}
	for _, ifc := range d.Ifaces {
		if ifc.Addr == "" {
			continue
		}
		if l, ok := m.links[ifc.LinkID]; ok {
			subs[l.Subnet] = true
		}
	}
	return subs
}

// AutoRoute computes static routes for every router (shortest path over the
// device graph, packets only transit routers) and a default gateway for
// every host and dns server adjacent to a router. Existing explicit
// gateways are left alone.
func (m *Manager) AutoRoute() error {
	names := m.Devices()
	unlock := m.lockDevices(names...)
	defer unlock()

	m.mu.Lock()
	adj := m.adjacencyLocked()
	kinds := make(map[string]netns.Kind, len(m.devices))
	attached := make(map[string]map[int]bool, len(m.devices))
	gateways := make(map[string]string, len(m.devices))
	for name, d := range m.devices {
		kinds[name] = d.Kind
		attached[name] = m.attachedSubnetsLocked(name)
		gateways[name] = d.Gateway
	}
	m.mu.Unlock()

	for _, name := range names {
		switch kinds[name] {
		case netns.KindRouter:
			if err := m.routeRouter(name, adj, attached); err != nil {
				return err
			}
		case netns.KindHost, netns.KindDNSServer:
			if gateways[name] != "" {
				continue
			}
			for _, e := range adj[name] {
				if kinds[e.to] != netns.KindRouter {
					continue
				}
				if err := m.ns.SetDefaultGateway(name, e.toAddr); err != nil {
					return fmt.Errorf("topo: autoroute: %w", err)
				}
				m.mu.Lock()
				if d, ok := m.devices[name]; ok {
					d.Gateway = e.toAddr
				}
				m.mu.Unlock()
				break
			}
		}
	}

	util.Infof("autoroute complete over %d devices", len(names))
	return nil
}

// routeRouter installs a static route on one router for every subnet it can
// reach through other routers, via the first hop of the shortest path.
func (m *Manager) routeRouter(name string, adj map[string][]edge, attached map[string]map[int]bool) error {
	type visit struct {
		device   string
		firstHop string
	}

	own := attached[name]
	routed := make(map[int]string)
	seen := map[string]bool{name: true}
	var queue []visit

	for _, e := range adj[name] {
		if !seen[e.to] {
			seen[e.to] = true
			queue = append(queue, visit{device: e.to, firstHop: e.toAddr})
		}
	}

	m.mu.Lock()
	kinds := make(map[string]netns.Kind, len(m.devices))
	for n, d := range m.devices {
		kinds[n] = d.Kind
	}
	m.mu.Unlock()

	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]

		for sub := range attached[v.device] {
			if !own[sub] && routed[sub] == "" {
				routed[sub] = v.firstHop
			}
		}
		// packets only transit devices that forward
		if kinds[v.device] != netns.KindRouter {
			continue
		}
		for _, e := range adj[v.device] {
			if !seen[e.to] {
				seen[e.to] = true
				queue = append(queue, visit{device: e.to, firstHop: v.firstHop})
			}
		}
	}

	subs := make([]int, 0, len(routed))
	for sub := range routed {
		subs = append(subs, sub)
	}
	sort.Ints(subs)
	for _, sub := range subs {
		if err := m.ns.AddRoute(name, m.subnets.CIDR(sub), routed[sub]); err != nil {
			return fmt.Errorf("topo: autoroute %q: %w", name, err)
		}
	}
	return nil
}
