// Package link materializes topology links as veth pairs and bridges, and
// drives the traffic-control qdiscs that shape them.
package link

import (
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/vishvananda/netlink"
	vns "github.com/vishvananda/netns"

	"github.com/emunet-network/emunet/pkg/util"
)

// Type distinguishes the two link realizations.
type Type string

const (
	TypeP2P      Type = "p2p"
	TypeSwitched Type = "switched"
)

// Endpoint is one side of a link.
type Endpoint struct {
	Namespace string `json:"namespace"`
	Iface     string `json:"iface"`
}

// Record is the manager's bookkeeping for one materialized link.
type Record struct {
	ID      string  `json:"id"`
	Type    Type    `json:"type"`
	A       Endpoint `json:"a"`
	B       Endpoint `json:"b"` // for switched links, B is the switch side
	Shaping Shaping  `json:"shaping"`
}

// Runner executes tc/iptables-family commands. Tests substitute a fake.
type Runner interface {
	Run(argv ...string) (output string, err error)
}

type execRunner struct{}

func (execRunner) Run(argv ...string) (string, error) {
	out, err := exec.Command(argv[0], argv[1:]...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// Manager owns veth pairs, bridges, and their qdiscs.
type Manager struct {
	mu      sync.Mutex
	links   map[string]*Record
	bridges map[string]string // switch namespace → bridge name

	runner Runner
}

// NewManager returns an empty link manager.
func NewManager() *Manager {
	return &Manager{
		links:   make(map[string]*Record),
		bridges: make(map[string]string),
		runner:  execRunner{},
	}
}

// scratchName returns a host-side veth name unique across the root
// namespace.
func scratchName() string {
	return "veth-" + uuid.NewString()[:8]
}

// handleAt opens a netlink handle inside a named namespace.
func handleAt(name string) (*netlink.Handle, func(), error) {
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

// moveIntoNamespace moves a root-namespace interface into a namespace and
// renames it there, leaving it up.
func moveIntoNamespace(hostName, namespace, iface string) error {
	veth, err := netlink.LinkByName(hostName)
	if err != nil {
		return util.NewKernelError("veth lookup", hostName, err)
	}
	ns, err := vns.GetFromName(namespace)
	if err != nil {
		return fmt.Errorf("namespace %q: %w", namespace, util.ErrNotFound)
	}
	defer ns.Close()

	if err := netlink.LinkSetNsFd(veth, int(ns)); err != nil {
		return util.NewKernelError("move to namespace", hostName, err)
	}

	h, done, err := handleAt(namespace)
	if err != nil {
		return err
	}
	defer done()

	moved, err := h.LinkByName(hostName)
	if err != nil {
		return util.NewKernelError("veth lookup in namespace", hostName, err)
	}
	if err := h.LinkSetName(moved, iface); err != nil {
		return util.NewKernelError("rename", iface, err)
	}
	renamed, err := h.LinkByName(iface)
	if err != nil {
		return util.NewKernelError("veth lookup after rename", iface, err)
	}
	if err := h.LinkSetUp(renamed); err != nil {
		return util.NewKernelError("link up", iface, err)
	}
	return nil
}

// CreateP2P builds a veth pair whose ends live in the two namespaces under
// the requested interface names, then shapes both ends. Any failure rolls
// back all completed steps.
func (m *Manager) CreateP2P(linkID, nsA, ifaceA, nsB, ifaceB string, shaping Shaping) (*Record, error) {
	if err := shaping.Validate(); err != nil {
		return nil, fmt.Errorf("link: create p2p: %w", err)
	}

	m.mu.Lock()
	if _, ok := m.links[linkID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("link: create p2p %q: %w", linkID, util.ErrAlreadyExists)
	}
	m.mu.Unlock()

	hostA, hostB := scratchName(), scratchName()

	var undo []func()
	rollback := func() {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
	}

	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: hostA},
		PeerName:  hostB,
	}
	if err := netlink.LinkAdd(veth); err != nil {
		return nil, fmt.Errorf("link: create p2p: %w", util.NewKernelError("veth add", hostA, err))
	}
	undo = append(undo, func() {
		if l, err := netlink.LinkByName(hostA); err == nil {
			netlink.LinkDel(l)
		}
	})

	if err := moveIntoNamespace(hostA, nsA, ifaceA); err != nil {
		rollback()
		return nil, fmt.Errorf("link: create p2p: %w", err)
	}
	// once inside a namespace the pair dies with either end
	undo = []func(){func() { m.deleteIface(nsA, ifaceA) }}

	if err := moveIntoNamespace(hostB, nsB, ifaceB); err != nil {
		rollback()
		return nil, fmt.Errorf("link: create p2p: %w", err)
	}

	for _, end := range []Endpoint{{nsA, ifaceA}, {nsB, ifaceB}} {
		if err := m.applyShaping(end.Namespace, end.Iface, shaping); err != nil {
			rollback()
			return nil, fmt.Errorf("link: create p2p: %w", err)
		}
	}

	rec := &Record{
		ID:      linkID,
		Type:    TypeP2P,
		A:       Endpoint{Namespace: nsA, Iface: ifaceA},
		B:       Endpoint{Namespace: nsB, Iface: ifaceB},
		Shaping: shaping,
	}
	m.mu.Lock()
	m.links[linkID] = rec
	m.mu.Unlock()

	util.Infof("p2p link %s: %s:%s <-> %s:%s", linkID, nsA, ifaceA, nsB, ifaceB)
	return rec, nil
}

// CreateSwitched builds a veth pair with one end in the endpoint namespace
// and the other attached to the switch's bridge inside the switch
// namespace.
func (m *Manager) CreateSwitched(linkID, switchNS, endpointNS, endpointIface string, shaping Shaping) (*Record, error) {
	if err := shaping.Validate(); err != nil {
		return nil, fmt.Errorf("link: create switched: %w", err)
	}

	m.mu.Lock()
	bridge, ok := m.bridges[switchNS]
	if _, dup := m.links[linkID]; dup {
		m.mu.Unlock()
		return nil, fmt.Errorf("link: create switched %q: %w", linkID, util.ErrAlreadyExists)
	}
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("link: create switched: no bridge in %q: %w", switchNS, util.ErrNotFound)
	}

	hostEnd, switchEnd := scratchName(), scratchName()
	switchIface := "sw-" + uuid.NewString()[:8]

	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: hostEnd},
		PeerName:  switchEnd,
	}
	if err := netlink.LinkAdd(veth); err != nil {
		return nil, fmt.Errorf("link: create switched: %w", util.NewKernelError("veth add", hostEnd, err))
	}
	rollbackRoot := func() {
		if l, err := netlink.LinkByName(hostEnd); err == nil {
			netlink.LinkDel(l)
		}
		if l, err := netlink.LinkByName(switchEnd); err == nil {
			netlink.LinkDel(l)
		}
	}

	if err := moveIntoNamespace(hostEnd, endpointNS, endpointIface); err != nil {
		rollbackRoot()
		return nil, fmt.Errorf("link: create switched: %w", err)
	}
	rollbackMoved := func() { m.deleteIface(endpointNS, endpointIface) }

	if err := moveIntoNamespace(switchEnd, switchNS, switchIface); err != nil {
		rollbackMoved()
		return nil, fmt.Errorf("link: create switched: %w", err)
	}

	if err := m.attachToBridge(switchNS, switchIface, bridge); err != nil {
		rollbackMoved()
		return nil, fmt.Errorf("link: create switched: %w", err)
	}

	if err := m.applyShaping(endpointNS, endpointIface, shaping); err != nil {
		rollbackMoved()
		return nil, fmt.Errorf("link: create switched: %w", err)
	}

	rec := &Record{
		ID:      linkID,
		Type:    TypeSwitched,
		A:       Endpoint{Namespace: endpointNS, Iface: endpointIface},
		B:       Endpoint{Namespace: switchNS, Iface: switchIface},
		Shaping: shaping,
	}
	m.mu.Lock()
	m.links[linkID] = rec
	m.mu.Unlock()

	util.Infof("switched link %s: %s:%s -> %s (%s)", linkID, endpointNS, endpointIface, switchNS, bridge)
	return rec, nil
}

// UpdateShaping replaces the qdisc configuration on one or both ends.
func (m *Manager) UpdateShaping(linkID string, shaping Shaping) error {
	if err := shaping.Validate(); err != nil {
		return fmt.Errorf("link: update shaping: %w", err)
	}

	m.mu.Lock()
	rec, ok := m.links[linkID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("link: update shaping %q: %w", linkID, util.ErrNotFound)
	}

	ends := []Endpoint{rec.A}
	if rec.Type == TypeP2P {
		ends = append(ends, rec.B)
	}
	for _, end := range ends {
		if err := m.applyShaping(end.Namespace, end.Iface, shaping); err != nil {
			return fmt.Errorf("link: update shaping: %w", err)
		}
	}

	m.mu.Lock()
	rec.Shaping = shaping
	m.mu.Unlock()
	return nil
}

// Destroy deletes the veth pair of a link; the kernel removes the peer end
// automatically. Idempotent.
func (m *Manager) Destroy(linkID string) error {
	m.mu.Lock()
	rec, ok := m.links[linkID]
	delete(m.links, linkID)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if err := m.deleteIface(rec.A.Namespace, rec.A.Iface); err != nil {
		util.Warnf("link %s: delete %s:%s: %v", linkID, rec.A.Namespace, rec.A.Iface, err)
	}
	util.Infof("link destroyed: %s", linkID)
	return nil
}

// Records returns a snapshot of all link records.
func (m *Manager) Records() []*Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Record, 0, len(m.links))
	for _, rec := range m.links {
		out = append(out, rec)
	}
	return out
}

// CleanupAll removes every link and bridge.
func (m *Manager) CleanupAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.links))
	for id := range m.links {
		ids = append(ids, id)
	}
	namespaces := make([]string, 0, len(m.bridges))
	for ns := range m.bridges {
		namespaces = append(namespaces, ns)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Destroy(id)
	}
	for _, ns := range namespaces {
		m.DestroyBridge(ns)
	}
}

func (m *Manager) deleteIface(namespace, iface string) error {
	h, done, err := handleAt(namespace)
	if err != nil {
		return nil // namespace already gone, veth died with it
	}
	defer done()

	l, err := h.LinkByName(iface)
	if err != nil {
		return nil
	}
	if err := h.LinkDel(l); err != nil {
		return util.NewKernelError("link del", iface, err)
	}
	return nil
}
