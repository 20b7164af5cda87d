package link

import (
	"fmt"

	"github.com/vishvananda/netlink"

	"github.com/emunet-network/emunet/pkg/util"
)

// BridgeName is the bridge device created inside every switch namespace.
const BridgeName = "br0"

// CreateBridge creates the switch's bridge inside its namespace and brings
// it up. One bridge per switch namespace.
func (m *Manager) CreateBridge(namespace string) error {
	m.mu.Lock()
	if _, ok := m.bridges[namespace]; ok {
		m.mu.Unlock()
		return fmt.Errorf("link: create bridge in %q: %w", namespace, util.ErrAlreadyExists)
	}
	m.mu.Unlock()

	h, done, err := handleAt(namespace)
	if err != nil {
		return fmt.Errorf("link: create bridge: %w", err)
	}
	defer done()

	bridge := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: BridgeName}}
	if err := h.LinkAdd(bridge); err != nil {
		return fmt.Errorf("link: create bridge: %w", util.NewKernelError("bridge add", BridgeName, err))
	}
	if err := h.LinkSetUp(bridge); err != nil {
		h.LinkDel(bridge)
		return fmt.Errorf("link: create bridge: %w", util.NewKernelError("bridge up", BridgeName, err))
	}

	m.mu.Lock()
	m.bridges[namespace] = BridgeName
	m.mu.Unlock()

	util.WithDevice(namespace).Infof("bridge %s created", BridgeName)
	return nil
}

// DestroyBridge removes the bridge of a switch namespace. Idempotent; when
// the namespace is already gone the bridge died with it.
func (m *Manager) DestroyBridge(namespace string) error {
	m.mu.Lock()
	name, ok := m.bridges[namespace]
	delete(m.bridges, namespace)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	h, done, err := handleAt(namespace)
	if err != nil {
		return nil
	}
	defer done()

	l, err := h.LinkByName(name)
	if err != nil {
		return nil
	}
	if err := h.LinkDel(l); err != nil {
		return fmt.Errorf("link: destroy bridge: %w", util.NewKernelError("bridge del", name, err))
	}
	return nil
}

// HasBridge reports whether a switch namespace owns a bridge.
func (m *Manager) HasBridge(namespace string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.bridges[namespace]
	return ok
}

// attachToBridge enslaves an interface inside the switch namespace to its
// bridge and brings it up.
func (m *Manager) attachToBridge(namespace, iface, bridge string) error {
	h, done, err := handleAt(namespace)
	if err != nil {
		return err
	}
	defer done()

	l, err := h.LinkByName(iface)
	if err != nil {
		return util.NewKernelError("iface lookup", iface, err)
	}
	br, err := h.LinkByName(bridge)
	if err != nil {
		return util.NewKernelError("bridge lookup", bridge, err)
	}
	if err := h.LinkSetMaster(l, br); err != nil {
		return util.NewKernelError("set master", iface, err)
	}
	if err := h.LinkSetUp(l); err != nil {
		return util.NewKernelError("link up", iface, err)
	}
	return nil
}
