// Package netns owns the lifecycle of the Linux network namespaces backing
// emulated devices. Namespaces are created as named namespaces (visible to
// `ip netns`) so capture and shell processes can be started inside them with
// the stock iproute2 tooling; everything else is driven over netlink handles
// bound to the namespace.
package netns

import (
	"fmt"
	"strings"
	"sync"

	"github.com/vishvananda/netlink"
	vns "github.com/vishvananda/netns"

	"github.com/emunet-network/emunet/pkg/util"
)

// Kind is the device kind a namespace backs.
type Kind string

const (
	KindHost      Kind = "host"
	KindRouter    Kind = "router"
	KindSwitch    Kind = "switch"
	KindDNSServer Kind = "dns_server"
)

// ParseKind validates a kind string.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindHost, KindRouter, KindSwitch, KindDNSServer:
		return Kind(s), nil
	}
	return "", fmt.Errorf("netns: device kind %q: %w", s, util.ErrInvalidArgument)
}

// Manager creates and destroys namespaces and configures state inside them.
// It keeps no model of the network beyond what cleanup needs.
type Manager struct {
	mu         sync.Mutex
	namespaces map[string]Kind

	registry *AddrRegistry
	runner   Runner
}

// NewManager verifies kernel support and returns an empty manager.
func NewManager(registry *AddrRegistry) (*Manager, error) {
	m := &Manager{
		namespaces: make(map[string]Kind),
		registry:   registry,
		runner:     execRunner{},
	}
	if err := m.verifySupport(); err != nil {
		return nil, err
	}
	return m, nil
}

// verifySupport checks that namespaces can be listed at all. A failure here
// is fatal for the whole server.
func (m *Manager) verifySupport() error {
	if _, err := m.runner.Run("ip", "netns", "list"); err != nil {
		return fmt.Errorf("netns: kernel namespace support unavailable: %w", err)
	}
	return nil
}

// Create makes a new namespace, brings loopback up, and for routers enables
// IPv4 forwarding.
func (m *Manager) Create(name string, kind Kind) error {
	if err := util.ValidateDeviceName(name); err != nil {
		return fmt.Errorf("netns: create: %w", err)
	}

	m.mu.Lock()
	if _, ok := m.namespaces[name]; ok {
		m.mu.Unlock()
		return fmt.Errorf("netns: create %q: %w", name, util.ErrAlreadyExists)
	}
	m.namespaces[name] = kind
	m.mu.Unlock()

	undo := func() {
		m.mu.Lock()
		delete(m.namespaces, name)
		m.mu.Unlock()
		m.runner.Run("ip", "netns", "delete", name)
	}

	if out, err := m.runner.Run("ip", "netns", "add", name); err != nil {
		m.mu.Lock()
		delete(m.namespaces, name)
		m.mu.Unlock()
		if strings.Contains(out, "File exists") {
			return fmt.Errorf("netns: create %q: %w", name, util.ErrAlreadyExists)
		}
		return fmt.Errorf("netns: create %q: %w", name, util.NewKernelError("netns add", out, err))
	}

	if err := m.loopbackUp(name); err != nil {
		undo()
		return fmt.Errorf("netns: create %q: %w", name, err)
	}

	if kind == KindRouter {
		if err := m.SetForwarding(name, true); err != nil {
			undo()
			return err
		}
	}

	util.WithDevice(name).Infof("namespace created (kind=%s)", kind)
	return nil
}

// Destroy deletes a namespace. Idempotent: destroying an unknown namespace
// is a no-op. The kernel tears down remaining interfaces and their veth
// peers along with the namespace.
func (m *Manager) Destroy(name string) error {
	m.mu.Lock()
	_, known := m.namespaces[name]
	delete(m.namespaces, name)
	m.mu.Unlock()
	if !known {
		return nil
	}

	m.registry.ReleaseDevice(name)

	if out, err := m.runner.Run("ip", "netns", "delete", name); err != nil {
		if strings.Contains(out, "No such file") {
			return nil
		}
		return fmt.Errorf("netns: destroy %q: %w", name, util.NewKernelError("netns delete", out, err))
	}
	util.WithDevice(name).Info("namespace destroyed")
	return nil
}

// KindOf returns the kind a namespace was created with.
func (m *Manager) KindOf(name string) (Kind, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.namespaces[name]
	return k, ok
}

// Exists reports whether the manager owns a namespace with this name.
func (m *Manager) Exists(name string) bool {
	_, ok := m.KindOf(name)
	return ok
}

// List returns the names of all managed namespaces.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.namespaces))
	for name := range m.namespaces {
		names = append(names, name)
	}
	return names
}

// CleanupAll destroys every managed namespace. Used on shutdown after links,
// sessions, and observers are gone.
func (m *Manager) CleanupAll() {
	for _, name := range m.List() {
		if err := m.Destroy(name); err != nil {
			util.WithDevice(name).Warnf("cleanup: %v", err)
		}
	}
}

// handleAt opens a netlink handle bound to the named namespace. The caller
// must call the returned closer.
func (m *Manager) handleAt(name string) (*netlink.Handle, func(), error) {
	ns, err := vns.GetFromName(name)
	if err != nil {
		return nil, nil, fmt.Errorf("namespace %q: %w", name, util.ErrNotFound)
	}
	h, err := netlink.NewHandleAt(ns)
	if err != nil {
		ns.Close()
		return nil, nil, util.NewKernelError("netlink handle", name, err)
	}
	return h, func() {
		h.Close()
		ns.Close()
	}, nil
}

func (m *Manager) loopbackUp(name string) error {
	h, done, err := m.handleAt(name)
	if err != nil {
		return err
	}
	defer done()

	lo, err := h.LinkByName("lo")
	if err != nil {
		return util.NewKernelError("loopback lookup", name, err)
	}
	if err := h.LinkSetUp(lo); err != nil {
		return util.NewKernelError("loopback up", name, err)
	}
	return nil
}
