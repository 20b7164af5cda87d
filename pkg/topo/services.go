package topo

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/emunet-network/emunet/pkg/netns"
	"github.com/emunet-network/emunet/pkg/util"
)

// dnsRuntime carries the pieces that make dns_server devices useful: the
// records file their resolver process reads and the per-namespace
// resolv.conf files pointing clients at them. `ip netns exec` bind-mounts
// /etc/netns/<name>/resolv.conf over /etc/resolv.conf automatically.
type dnsRuntime struct {
	recordsPath string
	etcDir      string

	// spawn starts the resolver process in a namespace. Replaceable for
	// tests, which must not exec or touch /etc.
	spawn func(device, recordsPath string) (stop func(), err error)
}

func newDNSRuntime() dnsRuntime {
	return dnsRuntime{
		recordsPath: filepath.Join(os.TempDir(), "emunet-dns-records.json"),
		etcDir:      "/etc/netns",
		spawn:       spawnDNSServer,
	}
}

// spawnDNSServer re-execs this binary as `emunet dns-server` inside the
// device's namespace, the only service process emunet runs.
func spawnDNSServer(device, recordsPath string) (func(), error) {
	self, err := os.Executable()
	if err != nil {
		return nil, err
	}
	cmd := exec.Command("ip", "netns", "exec", device,
		self, "dns-server", "--records", recordsPath)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	go cmd.Wait()
	stop := func() {
		if cmd.Process != nil {
			cmd.Process.Signal(syscall.SIGTERM)
		}
	}
	return stop, nil
}

// syncDNS rewrites the records file from the current device table and
// refreshes every device's resolv.conf. Called after any address change.
func (m *Manager) syncDNS() {
	records := make(map[string]string)
	var dnsAddr string
	var names []string

	m.mu.Lock()
	for name, d := range m.devices {
		names = append(names, name)
		for _, ifc := range d.Ifaces {
			if ifc.Addr == "" {
				continue
			}
			if _, ok := records[name]; !ok {
				records[name] = ifc.Addr
			}
			if d.Kind == netns.KindDNSServer && dnsAddr == "" {
				dnsAddr = ifc.Addr
			}
		}
	}
	m.mu.Unlock()
	sort.Strings(names)

	if data, err := json.MarshalIndent(records, "", "  "); err == nil {
		if err := os.WriteFile(m.dns.recordsPath, data, 0o644); err != nil {
			util.Warnf("dns records %s: %v", m.dns.recordsPath, err)
		}
	}

	if dnsAddr == "" {
		return
	}
	for _, name := range names {
		if d, ok := m.device(name); ok && d.Kind != netns.KindSwitch {
			m.dns.writeResolvConf(name, dnsAddr)
		}
	}
}

func (r dnsRuntime) writeResolvConf(device, dnsAddr string) {
	dir := filepath.Join(r.etcDir, device)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		util.WithDevice(device).Warnf("resolv.conf dir: %v", err)
		return
	}
	content := "nameserver " + dnsAddr + "\nsearch lan\n"
	if err := os.WriteFile(filepath.Join(dir, "resolv.conf"), []byte(content), 0o644); err != nil {
		util.WithDevice(device).Warnf("resolv.conf: %v", err)
	}
}

func (r dnsRuntime) removeResolvConf(device string) {
	os.RemoveAll(filepath.Join(r.etcDir, device))
}
