package topo

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/emunet-network/emunet/pkg/link"
	"github.com/emunet-network/emunet/pkg/netns"
	"github.com/emunet-network/emunet/pkg/util"
)

// AddLink connects two devices. Point-to-point links consume one /24 and
// address the ends .1/.2; a link to a switch draws the next host address
// from the switch's shared subnet. Switch-to-switch trunks are not
// supported.
func (m *Manager) AddLink(nameA, nameB string, shaping link.Shaping) (*Link, error) {
	if nameA == nameB {
		return nil, fmt.Errorf("topo: add link: both ends are %q: %w", nameA, util.ErrInvalidArgument)
	}
	if err := shaping.Validate(); err != nil {
		return nil, fmt.Errorf("topo: add link: %w", err)
	}

	unlock := m.lockDevices(nameA, nameB)
	defer unlock()

	devA, ok := m.device(nameA)
	if !ok {
		return nil, fmt.Errorf("topo: add link: device %q: %w", nameA, util.ErrNotFound)
	}
	devB, ok := m.device(nameB)
	if !ok {
		return nil, fmt.Errorf("topo: add link: device %q: %w", nameB, util.ErrNotFound)
	}

	switchA := devA.Kind == netns.KindSwitch
	switchB := devB.Kind == netns.KindSwitch
	if switchA && switchB {
		return nil, fmt.Errorf("topo: add link: switch-to-switch trunks unsupported: %w", util.ErrInvalidArgument)
	}

	if switchA {
		// canonical orientation: the switch is always end B
		devA, devB = devB, devA
		switchB = true
	}

	if switchB {
		return m.addSwitchedLink(devA, devB, shaping)
	}
	return m.addP2PLink(devA, devB, shaping)
}

// addP2PLink wires two non-switch devices directly. Callers hold both
// device locks.
func (m *Manager) addP2PLink(devA, devB *Device, shaping link.Shaping) (*Link, error) {
	sub, err := m.subnets.Allocate()
	if err != nil {
		return nil, fmt.Errorf("topo: add link %s-%s: %w", devA.Name, devB.Name, err)
	}

	id := uuid.NewString()
	ifaceA := fmt.Sprintf("eth%d", devA.nextIface)
	ifaceB := fmt.Sprintf("eth%d", devB.nextIface)

	if _, err := m.lnk.CreateP2P(id, devA.Name, ifaceA, devB.Name, ifaceB, shaping); err != nil {
		m.subnets.Release(sub)
		return nil, fmt.Errorf("topo: add link: %w", err)
	}

	addrA := m.subnets.Addr(sub, 1)
	addrB := m.subnets.Addr(sub, 2)
	if err := m.ns.AssignAddress(devA.Name, ifaceA, addrA, 24); err != nil {
		m.lnk.Destroy(id)
		m.subnets.Release(sub)
		return nil, fmt.Errorf("topo: add link: %w", err)
	}
	if err := m.ns.AssignAddress(devB.Name, ifaceB, addrB, 24); err != nil {
		m.ns.RemoveAddress(devA.Name, ifaceA, addrA, 24)
		m.lnk.Destroy(id)
		m.subnets.Release(sub)
		return nil, fmt.Errorf("topo: add link: %w", err)
	}

	rec := &Link{
		ID: id, A: devA.Name, B: devB.Name,
		AIface: ifaceA, BIface: ifaceB,
		Subnet: sub, Shaping: shaping,
	}

	m.mu.Lock()
	devA.Ifaces = append(devA.Ifaces, Iface{Name: ifaceA, Addr: addrA, Prefix: 24, LinkID: id})
	devB.Ifaces = append(devB.Ifaces, Iface{Name: ifaceB, Addr: addrB, Prefix: 24, LinkID: id})
	devA.nextIface++
	devB.nextIface++
	m.links[id] = rec
	m.mu.Unlock()

	m.observers.Watch(devA.Name, ifaceA)
	m.observers.Watch(devB.Name, ifaceB)
	m.syncDNS()

	util.Infof("link %s: %s:%s (%s) <-> %s:%s (%s)", id, devA.Name, ifaceA, addrA, devB.Name, ifaceB, addrB)
	return rec, nil
}

// addSwitchedLink hangs an endpoint off a switch's bridge. All endpoints of
// one switch share its subnet. Callers hold both device locks.
func (m *Manager) addSwitchedLink(endpoint, sw *Device, shaping link.Shaping) (*Link, error) {
	if sw.switchSubnet == 0 {
		sub, err := m.subnets.Allocate()
		if err != nil {
			return nil, fmt.Errorf("topo: add link %s-%s: %w", endpoint.Name, sw.Name, err)
		}
		sw.switchSubnet = sub
	}

	id := uuid.NewString()
	iface := fmt.Sprintf("eth%d", endpoint.nextIface)

	rec, err := m.lnk.CreateSwitched(id, sw.Name, endpoint.Name, iface, shaping)
	if err != nil {
		return nil, fmt.Errorf("topo: add link: %w", err)
	}

	addr := m.subnets.Addr(sw.switchSubnet, sw.nextHost)
	if err := m.ns.AssignAddress(endpoint.Name, iface, addr, 24); err != nil {
		m.lnk.Destroy(id)
		return nil, fmt.Errorf("topo: add link: %w", err)
	}

	l := &Link{
		ID: id, A: endpoint.Name, B: sw.Name,
		AIface: iface, BIface: rec.B.Iface,
		Subnet: sw.switchSubnet, Shaping: shaping,
	}

	m.mu.Lock()
	endpoint.Ifaces = append(endpoint.Ifaces, Iface{Name: iface, Addr: addr, Prefix: 24, LinkID: id})
	endpoint.nextIface++
	sw.nextHost++
	m.links[id] = l
	m.mu.Unlock()

	m.observers.Watch(endpoint.Name, iface)
	m.syncDNS()

	util.Infof("link %s: %s:%s (%s) -> switch %s", id, endpoint.Name, iface, addr, sw.Name)
	return l, nil
}

// RemoveLink deletes a link and everything hanging off it: qdiscs, veth
// pair, addresses, and for p2p links the subnet. Idempotent.
func (m *Manager) RemoveLink(id string) error {
	l, ok := m.link(id)
	if !ok {
		return nil
	}

	unlock := m.lockDevices(l.A, l.B)
	defer unlock()

	// re-check under the locks
	l, ok = m.link(id)
	if !ok {
		return nil
	}

	if err := m.lnk.Destroy(id); err != nil {
		return fmt.Errorf("topo: remove link %s: %w", id, err)
	}

	for _, name := range []string{l.A, l.B} {
		d, ok := m.device(name)
		if !ok {
			continue
		}
		m.mu.Lock()
		var removed []Iface
		kept := d.Ifaces[:0]
		for _, ifc := range d.Ifaces {
			if ifc.LinkID == id {
				removed = append(removed, ifc)
			} else {
				kept = append(kept, ifc)
			}
		}
		d.Ifaces = kept
		for _, ifc := range removed {
			m.clearIfaceFailuresLocked(d, ifc.Name)
		}
		m.mu.Unlock()

		for _, ifc := range removed {
			m.observers.Unwatch(name, ifc.Name)
			if ifc.Addr != "" {
				m.ns.RemoveAddress(name, ifc.Name, ifc.Addr, ifc.Prefix)
			}
		}
	}

	swB, _ := m.device(l.B)
	p2p := swB == nil || swB.Kind != netns.KindSwitch
	if p2p {
		m.subnets.Release(l.Subnet)
	}

	m.mu.Lock()
	delete(m.links, id)
	m.mu.Unlock()

	m.syncDNS()
	util.Infof("link removed: %s", id)
	return nil
}

// UpdateLinkShaping replaces the shaping of both ends of a link.
func (m *Manager) UpdateLinkShaping(id string, shaping link.Shaping) error {
	l, ok := m.link(id)
	if !ok {
		return fmt.Errorf("topo: update link %s: %w", id, util.ErrNotFound)
	}

	unlock := m.lockDevices(l.A, l.B)
	defer unlock()

	if err := m.lnk.UpdateShaping(id, shaping); err != nil {
		return fmt.Errorf("topo: update link %s: %w", id, err)
	}
	m.mu.Lock()
	if rec, ok := m.links[id]; ok {
		rec.Shaping = shaping
	}
	m.mu.Unlock()
	return nil
}

// SetGateway installs the default route of a device. The gateway must sit
// on a subnet one of the device's interfaces is addressed in.
func (m *Manager) SetGateway(device, gw string) error {
	if !util.IsValidIPv4(gw) {
		return fmt.Errorf("topo: set gateway %q: %w", gw, util.ErrInvalidArgument)
	}

	unlock := m.lockDevices(device)
	defer unlock()

	d, ok := m.device(device)
	if !ok {
		return fmt.Errorf("topo: set gateway: device %q: %w", device, util.ErrNotFound)
	}

	reachable := false
	m.mu.Lock()
	for _, ifc := range d.Ifaces {
		if ifc.Addr != "" && util.SameSubnet(gw, ifc.Addr, ifc.Prefix) {
			reachable = true
			break
		}
	}
	m.mu.Unlock()
	if !reachable {
		return fmt.Errorf("topo: set gateway: %s is not on any subnet of %q: %w", gw, device, util.ErrInvalidArgument)
	}

	if err := m.ns.SetDefaultGateway(device, gw); err != nil {
		return fmt.Errorf("topo: set gateway: %w", err)
	}
	m.mu.Lock()
	d.Gateway = gw
	m.mu.Unlock()
	return nil
}
