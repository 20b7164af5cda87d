package topo

import (
	"fmt"
	"sort"

	"github.com/emunet-network/emunet/pkg/netns"
	"github.com/emunet-network/emunet/pkg/util"
)

// defaultChannel is the pre-spawned terminal session every non-switch
// device carries, so attaching to a fresh device is instant.
const defaultChannel = "default"

// AddDevice creates a device: namespace, bridge for switches, a warm PTY
// session and the resolver service for dns servers. Addressing is deferred
// to link creation.
func (m *Manager) AddDevice(name, kind string, x, y float64) (*Device, error) {
	k, err := netns.ParseKind(kind)
	if err != nil {
		return nil, fmt.Errorf("topo: add device: %w", err)
	}
	if err := util.ValidateDeviceName(name); err != nil {
		return nil, fmt.Errorf("topo: add device: %w", err)
	}

	unlock := m.lockDevices(name)
	defer unlock()

	if _, ok := m.device(name); ok {
		return nil, fmt.Errorf("topo: add device %q: %w", name, util.ErrAlreadyExists)
	}

	if err := m.ns.Create(name, k); err != nil {
		return nil, fmt.Errorf("topo: add device: %w", err)
	}

	d := &Device{
		Name:     name,
		Kind:     k,
		X:        x,
		Y:        y,
		Failures: make(map[string]Failure),
		nextHost: 1,
	}

	if k == netns.KindSwitch {
		if err := m.lnk.CreateBridge(name); err != nil {
			m.ns.Destroy(name)
			return nil, fmt.Errorf("topo: add device: %w", err)
		}
	} else {
		// warm session; clients attach to the default channel later
		if _, _, err := m.sessions.Open(name, defaultChannel, 24, 80); err != nil {
			util.WithDevice(name).Warnf("pre-spawn session: %v", err)
		}
	}

	if k == netns.KindDNSServer {
		stop, err := m.dns.spawn(name, m.dns.recordsPath)
		if err != nil {
			util.WithDevice(name).Warnf("dns service: %v", err)
		} else {
			d.stopService = stop
		}
	}

	m.mu.Lock()
	m.devices[name] = d
	m.mu.Unlock()

	util.WithDevice(name).Infof("device added (kind=%s)", k)
	return d, nil
}

// RemoveDevice tears a device down in dependency order: links, sessions,
// observers, services, then the namespace. Idempotent.
func (m *Manager) RemoveDevice(name string) error {
	// dependent links lock both ends themselves, so they go first
	for _, id := range m.deviceLinks(name) {
		if err := m.RemoveLink(id); err != nil {
			return fmt.Errorf("topo: remove device %q: %w", name, err)
		}
	}

	unlock := m.lockDevices(name)
	defer unlock()

	d, ok := m.device(name)
	if !ok {
		return nil
	}

	m.sessions.CloseDevice(name)
	m.observers.UnwatchDevice(name)
	if d.stopService != nil {
		d.stopService()
	}
	m.dns.removeResolvConf(name)

	if d.Kind == netns.KindSwitch {
		m.lnk.DestroyBridge(name)
		if d.switchSubnet != 0 {
			m.subnets.Release(d.switchSubnet)
		}
	}

	if err := m.ns.Destroy(name); err != nil {
		return fmt.Errorf("topo: remove device %q: %w", name, err)
	}

	m.mu.Lock()
	delete(m.devices, name)
	delete(m.locks, name)
	m.mu.Unlock()

	m.syncDNS()
	util.WithDevice(name).Info("device removed")
	return nil
}

// RenameDevice gives an unlinked device a new name. Namespaces cannot be
// renamed in place, so the device is recreated under the new name; any
// links must be removed first.
func (m *Manager) RenameDevice(oldName, newName string) error {
	if err := util.ValidateDeviceName(newName); err != nil {
		return fmt.Errorf("topo: rename device: %w", err)
	}
	if ids := m.deviceLinks(oldName); len(ids) > 0 {
		return fmt.Errorf("topo: rename device %q: %d links attached: %w", oldName, len(ids), util.ErrInvalidArgument)
	}

	d, ok := m.device(oldName)
	if !ok {
		return fmt.Errorf("topo: rename device %q: %w", oldName, util.ErrNotFound)
	}
	if _, taken := m.device(newName); taken {
		return fmt.Errorf("topo: rename device to %q: %w", newName, util.ErrAlreadyExists)
	}

	x, y, kind := d.X, d.Y, d.Kind
	if err := m.RemoveDevice(oldName); err != nil {
		return err
	}
	if _, err := m.AddDevice(newName, string(kind), x, y); err != nil {
		return err
	}
	util.Infof("device renamed: %s -> %s", oldName, newName)
	return nil
}

// DeviceView is the merged inspection result: recorded intent plus the
// kernel's live view.
type DeviceView struct {
	Device
	Live *netns.NamespaceView `json:"live,omitempty"`
}

// Inspect merges the device record with a read-through namespace view.
func (m *Manager) Inspect(name string) (*DeviceView, error) {
	d, ok := m.device(name)
	if !ok {
		return nil, fmt.Errorf("topo: inspect: device %q: %w", name, util.ErrNotFound)
	}

	view := &DeviceView{Device: m.copyDevice(d)}
	live, err := m.ns.Inspect(name)
	if err != nil {
		return nil, fmt.Errorf("topo: inspect %q: %w", name, err)
	}
	view.Live = live
	return view, nil
}

// Snapshot is the whole graph at a point in time.
type Snapshot struct {
	Devices []Device `json:"devices"`
	Links   []Link   `json:"links"`
}

// TakeSnapshot returns a deep copy of the device/link tables.
func (m *Manager) TakeSnapshot() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := &Snapshot{}
	for _, d := range m.devices {
		snap.Devices = append(snap.Devices, m.copyDeviceLocked(d))
	}
	for _, l := range m.links {
		snap.Links = append(snap.Links, *l)
	}
	sort.Slice(snap.Devices, func(i, j int) bool { return snap.Devices[i].Name < snap.Devices[j].Name })
	sort.Slice(snap.Links, func(i, j int) bool { return snap.Links[i].ID < snap.Links[j].ID })
	return snap
}

// Devices returns the device names in sorted order.
func (m *Manager) Devices() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.devices))
	for name := range m.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Links returns all link records.
func (m *Manager) Links() []Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Link, 0, len(m.links))
	for _, l := range m.links {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) copyDevice(d *Device) Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.copyDeviceLocked(d)
}

func (m *Manager) copyDeviceLocked(d *Device) Device {
	cp := *d
	cp.Ifaces = append([]Iface(nil), d.Ifaces...)
	cp.Failures = make(map[string]Failure, len(d.Failures))
	for k, f := range d.Failures {
		cp.Failures[k] = f
	}
	cp.stopService = nil
	return cp
}
