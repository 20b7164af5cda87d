// Package topo is the orchestrator that sees the whole emulated network.
// It sequences the namespace, link, session, and observer managers, owns
// the device/link graph and the subnet pool, and guarantees teardown
// ordering on every exit path.
package topo

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/emunet-network/emunet/pkg/link"
	"github.com/emunet-network/emunet/pkg/netns"
	"github.com/emunet-network/emunet/pkg/observe"
	"github.com/emunet-network/emunet/pkg/ptys"
	"github.com/emunet-network/emunet/pkg/util"
)

// NamespaceManager is the namespace surface the orchestrator drives.
type NamespaceManager interface {
	Create(name string, kind netns.Kind) error
	Destroy(name string) error
	Exists(name string) bool
	KindOf(name string) (netns.Kind, bool)
	AssignAddress(name, iface, addr string, prefix int) error
	RemoveAddress(name, iface, addr string, prefix int) error
	SetLinkState(name, iface string, up bool) error
	SetDefaultGateway(name, gw string) error
	RemoveDefaultGateway(name string) error
	AddRoute(name, dstCIDR, gw string) error
	Inspect(name string) (*netns.NamespaceView, error)
	Exec(ctx context.Context, name string, argv []string) (*netns.ExecResult, error)
	BlockICMP(name string) error
	UnblockICMP(name string) error
	EnableSilentRouter(name string) error
	DisableSilentRouter(name string) error
	CleanupAll()
}

// LinkManager is the veth/bridge/qdisc surface.
type LinkManager interface {
	CreateP2P(linkID, nsA, ifaceA, nsB, ifaceB string, shaping link.Shaping) (*link.Record, error)
	CreateSwitched(linkID, switchNS, endpointNS, endpointIface string, shaping link.Shaping) (*link.Record, error)
	UpdateShaping(linkID string, shaping link.Shaping) error
	ApplyIfaceShaping(namespace, iface string, s link.Shaping) error
	Destroy(linkID string) error
	CreateBridge(namespace string) error
	DestroyBridge(namespace string) error
	CleanupAll()
}

// SessionManager is the PTY surface; sessions are pre-spawned per device.
type SessionManager interface {
	Open(device, channelID string, rows, cols uint16) (*ptys.Session, <-chan []byte, error)
	CloseDevice(device string)
	CloseAll()
}

// ObserverRegistry is the packet-capture surface.
type ObserverRegistry interface {
	Watch(device, iface string)
	Unwatch(device, iface string)
	UnwatchDevice(device string)
	StopAll()
}

// Iface is one interface record of a device as the orchestrator assigned it.
type Iface struct {
	Name   string `json:"name"`
	Addr   string `json:"addr,omitempty"`
	Prefix int    `json:"prefix,omitempty"`
	LinkID string `json:"link_id"`
}

// Device is the orchestrator's record of one emulated node.
type Device struct {
	Name     string             `json:"name"`
	Kind     netns.Kind         `json:"kind"`
	X        float64            `json:"x"`
	Y        float64            `json:"y"`
	Gateway  string             `json:"gateway,omitempty"`
	Ifaces   []Iface            `json:"interfaces"`
	Failures map[string]Failure `json:"failures"`

	nextIface int
	// switches lazily claim one subnet shared by every attached endpoint
	switchSubnet int
	nextHost     int
	stopService  func()
}

// Link is the orchestrator's record of one topology link.
type Link struct {
	ID      string       `json:"id"`
	A       string       `json:"a"` // device names
	B       string       `json:"b"`
	AIface  string       `json:"a_iface"`
	BIface  string       `json:"b_iface,omitempty"` // empty on the switch side
	Subnet  int          `json:"subnet"`
	Shaping link.Shaping `json:"shaping"`
}

// Manager is the topology orchestrator. All control-plane mutations are
// linearized per device; disjoint devices proceed in parallel.
type Manager struct {
	mu      sync.Mutex
	devices map[string]*Device
	links   map[string]*Link
	locks   map[string]*sync.Mutex

	subnets *SubnetAllocator

	ns        NamespaceManager
	lnk       LinkManager
	sessions  SessionManager
	observers ObserverRegistry

	dns dnsRuntime
}

// New wires the orchestrator to its children and starts draining their
// status channel.
func New(ns NamespaceManager, lnk LinkManager, sessions SessionManager, observers ObserverRegistry) *Manager {
	m := &Manager{
		devices:   make(map[string]*Device),
		links:     make(map[string]*Link),
		locks:     make(map[string]*sync.Mutex),
		subnets:   NewSubnetAllocator(),
		ns:        ns,
		lnk:       lnk,
		sessions:  sessions,
		observers: observers,
	}
	m.dns = newDNSRuntime()
	return m
}

// DrainObserverStatus consumes observer lifecycle reports. Failed observers
// are logged; the rest of the system keeps serving.
func (m *Manager) DrainObserverStatus(status <-chan observe.Status) {
	go func() {
		for st := range status {
			entry := util.WithIface(st.Device, st.Iface)
			switch st.State {
			case "failed":
				entry.Errorf("packet observer failed: %v", st.Err)
			case "restarting":
				entry.Debugf("packet observer restarting: %v", st.Err)
			}
		}
	}()
}

// lockDevices acquires the per-device locks for the given names in sorted
// order, creating them as needed, and returns the matching unlock.
func (m *Manager) lockDevices(names ...string) func() {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	m.mu.Lock()
	locks := make([]*sync.Mutex, 0, len(sorted))
	seen := make(map[string]bool, len(sorted))
	for _, name := range sorted {
		if seen[name] {
			continue
		}
		seen[name] = true
		l, ok := m.locks[name]
		if !ok {
			l = &sync.Mutex{}
			m.locks[name] = l
		}
		locks = append(locks, l)
	}
	m.mu.Unlock()

	for _, l := range locks {
		l.Lock()
	}
	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}
}

func (m *Manager) device(name string) (*Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[name]
	return d, ok
}

func (m *Manager) link(id string) (*Link, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[id]
	return l, ok
}

// deviceLinks returns the ids of all links touching a device.
func (m *Manager) deviceLinks(name string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, l := range m.links {
		if l.A == name || l.B == name {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Exec runs a one-shot command inside a device. The context deadline bounds
// the child's runtime.
func (m *Manager) Exec(ctx context.Context, device string, argv []string) (*netns.ExecResult, error) {
	if _, ok := m.device(device); !ok {
		return nil, fmt.Errorf("topo: exec: device %q: %w", device, util.ErrNotFound)
	}
	return m.ns.Exec(ctx, device, argv)
}

// Shutdown tears the whole topology down: links, then sessions, then
// observers, then services, then namespaces. Wired to SIGINT/SIGTERM so a
// stopped server leaves no kernel residue.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	linkIDs := make([]string, 0, len(m.links))
	for id := range m.links {
		linkIDs = append(linkIDs, id)
	}
	sort.Strings(linkIDs)
	deviceNames := make([]string, 0, len(m.devices))
	for name := range m.devices {
		deviceNames = append(deviceNames, name)
	}
	sort.Strings(deviceNames)
	m.mu.Unlock()

	for _, id := range linkIDs {
		if err := m.RemoveLink(id); err != nil {
			util.Warnf("shutdown: remove link %s: %v", id, err)
		}
	}
	m.sessions.CloseAll()
	m.observers.StopAll()

	for _, name := range deviceNames {
		if d, ok := m.device(name); ok && d.stopService != nil {
			d.stopService()
		}
		m.dns.removeResolvConf(name)
	}
	m.lnk.CleanupAll()
	m.ns.CleanupAll()

	m.mu.Lock()
	m.devices = make(map[string]*Device)
	m.links = make(map[string]*Link)
	m.mu.Unlock()

	util.Infof("topology torn down")
}
