package topo

import (
	"fmt"
	"sort"

	"github.com/emunet-network/emunet/pkg/link"
	"github.com/emunet-network/emunet/pkg/netns"
	"github.com/emunet-network/emunet/pkg/util"
)

// FailureKind names one of the six failure verbs.
type FailureKind string

const (
	FailInterfaceDown  FailureKind = "interface_down"
	FailBlockICMP      FailureKind = "block_icmp"
	FailSilentRouter   FailureKind = "silent_router"
	FailPacketLoss     FailureKind = "packet_loss"
	FailLatency        FailureKind = "latency"
	FailBandwidthLimit FailureKind = "bandwidth_limit"
)

// Failure is one active failure on a device. The parametrized kinds carry
// an interface; re-injecting replaces the previous parameters.
type Failure struct {
	Kind  FailureKind `json:"kind"`
	Iface string      `json:"iface,omitempty"`
	Pct   float64     `json:"pct,omitempty"`
	MS    float64     `json:"ms,omitempty"`
	Mbps  float64     `json:"mbps,omitempty"`
}

// failureKey keeps at most one failure of each parametrized kind per
// interface.
func failureKey(kind FailureKind, iface string) string {
	if iface == "" {
		return string(kind)
	}
	return string(kind) + ":" + iface
}

func (f Failure) validate() error {
	switch f.Kind {
	case FailBlockICMP, FailSilentRouter:
		return nil
	case FailInterfaceDown:
		if f.Iface == "" {
			return fmt.Errorf("interface_down needs an interface: %w", util.ErrInvalidArgument)
		}
	case FailPacketLoss:
		if f.Iface == "" || f.Pct < 0 || f.Pct > 100 {
			return fmt.Errorf("packet_loss pct %v on %q: %w", f.Pct, f.Iface, util.ErrInvalidArgument)
		}
	case FailLatency:
		if f.Iface == "" || f.MS < 0 {
			return fmt.Errorf("latency %v ms on %q: %w", f.MS, f.Iface, util.ErrInvalidArgument)
		}
	case FailBandwidthLimit:
		if f.Iface == "" || f.Mbps <= 0 {
			return fmt.Errorf("bandwidth_limit %v mbps on %q: %w", f.Mbps, f.Iface, util.ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("failure kind %q: %w", f.Kind, util.ErrInvalidArgument)
	}
	return nil
}

// InjectFailure applies one failure verb. Each verb is idempotent;
// re-applying with new parameters replaces the old state rather than
// stacking.
func (m *Manager) InjectFailure(device string, f Failure) error {
	if err := f.validate(); err != nil {
		return fmt.Errorf("topo: inject failure: %w", err)
	}

	unlock := m.lockDevices(device)
	defer unlock()

	d, ok := m.device(device)
	if !ok {
		return fmt.Errorf("topo: inject failure: device %q: %w", device, util.ErrNotFound)
	}
	if f.Iface != "" && !m.hasIface(d, f.Iface) {
		return fmt.Errorf("topo: inject failure: interface %q on %q: %w", f.Iface, device, util.ErrNotFound)
	}

	switch f.Kind {
	case FailInterfaceDown:
		if err := m.ns.SetLinkState(device, f.Iface, false); err != nil {
			return fmt.Errorf("topo: inject failure: %w", err)
		}
	case FailBlockICMP:
		if err := m.ns.BlockICMP(device); err != nil {
			return fmt.Errorf("topo: inject failure: %w", err)
		}
	case FailSilentRouter:
		if d.Kind != netns.KindRouter {
			return fmt.Errorf("topo: inject failure: silent_router on %s %q: %w", d.Kind, device, util.ErrInvalidArgument)
		}
		if err := m.ns.EnableSilentRouter(device); err != nil {
			return fmt.Errorf("topo: inject failure: %w", err)
		}
	case FailPacketLoss, FailLatency, FailBandwidthLimit:
		m.mu.Lock()
		d.Failures[failureKey(f.Kind, f.Iface)] = f
		eff := m.effectiveShapingLocked(d, f.Iface)
		m.mu.Unlock()
		if err := m.lnk.ApplyIfaceShaping(device, f.Iface, eff); err != nil {
			m.mu.Lock()
			delete(d.Failures, failureKey(f.Kind, f.Iface))
			m.mu.Unlock()
			return fmt.Errorf("topo: inject failure: %w", err)
		}
		util.WithIface(device, f.Iface).Infof("failure injected: %s", f.Kind)
		return nil
	}

	m.mu.Lock()
	d.Failures[failureKey(f.Kind, f.Iface)] = f
	m.mu.Unlock()
	util.WithDevice(device).Infof("failure injected: %s", f.Kind)
	return nil
}

// ClearFailure reverts one failure verb. Clearing an absent failure is a
// no-op.
func (m *Manager) ClearFailure(device string, kind FailureKind, iface string) error {
	unlock := m.lockDevices(device)
	defer unlock()

	d, ok := m.device(device)
	if !ok {
		return fmt.Errorf("topo: clear failure: device %q: %w", device, util.ErrNotFound)
	}

	key := failureKey(kind, iface)
	m.mu.Lock()
	_, present := d.Failures[key]
	delete(d.Failures, key)
	m.mu.Unlock()

	switch kind {
	case FailInterfaceDown:
		if !present {
			return nil
		}
		if err := m.ns.SetLinkState(device, iface, true); err != nil {
			return fmt.Errorf("topo: clear failure: %w", err)
		}
	case FailBlockICMP:
		if err := m.ns.UnblockICMP(device); err != nil {
			return fmt.Errorf("topo: clear failure: %w", err)
		}
	case FailSilentRouter:
		if err := m.ns.DisableSilentRouter(device); err != nil {
			return fmt.Errorf("topo: clear failure: %w", err)
		}
	case FailPacketLoss, FailLatency, FailBandwidthLimit:
		if !present {
			return nil
		}
		m.mu.Lock()
		eff := m.effectiveShapingLocked(d, iface)
		m.mu.Unlock()
		if err := m.lnk.ApplyIfaceShaping(device, iface, eff); err != nil {
			return fmt.Errorf("topo: clear failure: %w", err)
		}
	default:
		return fmt.Errorf("topo: clear failure: kind %q: %w", kind, util.ErrInvalidArgument)
	}

	util.WithDevice(device).Infof("failure cleared: %s", kind)
	return nil
}

// ListFailures returns the active failures of a device, sorted for stable
// output.
func (m *Manager) ListFailures(device string) ([]Failure, error) {
	d, ok := m.device(device)
	if !ok {
		return nil, fmt.Errorf("topo: list failures: device %q: %w", device, util.ErrNotFound)
	}

	m.mu.Lock()
	out := make([]Failure, 0, len(d.Failures))
	for _, f := range d.Failures {
		out = append(out, f)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Iface < out[j].Iface
	})
	return out, nil
}

// effectiveShapingLocked computes the qdisc state an interface should have:
// the owning link's base shaping overlaid with any active shaping failures.
// Callers hold m.mu.
func (m *Manager) effectiveShapingLocked(d *Device, iface string) link.Shaping {
	var eff link.Shaping
	for _, ifc := range d.Ifaces {
		if ifc.Name == iface {
			if l, ok := m.links[ifc.LinkID]; ok {
				eff = l.Shaping
			}
			break
		}
	}
	if f, ok := d.Failures[failureKey(FailPacketLoss, iface)]; ok {
		eff.LossPct = f.Pct
	}
	if f, ok := d.Failures[failureKey(FailLatency, iface)]; ok {
		eff.LatencyMS = f.MS
	}
	if f, ok := d.Failures[failureKey(FailBandwidthLimit, iface)]; ok {
		eff.BandwidthMbps = f.Mbps
	}
	return eff
}

// clearIfaceFailuresLocked drops failure records bound to an interface that
// is being removed. No kernel action: the interface dies with its link.
func (m *Manager) clearIfaceFailuresLocked(d *Device, iface string) {
	for key, f := range d.Failures {
		if f.Iface == iface {
			delete(d.Failures, key)
		}
	}
}

func (m *Manager) hasIface(d *Device, iface string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ifc := range d.Ifaces {
		if ifc.Name == iface {
			return true
		}
	}
	return false
}
