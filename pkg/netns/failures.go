package netns

import (
	"fmt"
	"strings"

	"github.com/emunet-network/emunet/pkg/util"
)

// ICMP drop rules are installed with iptables inside the target namespace.
// Rules are keyed by exact match so re-applying is a no-op and removal
// deletes precisely what was installed.

var blockICMPRule = []string{"OUTPUT", "-p", "icmp", "-j", "DROP"}

var silentRouterRules = [][]string{
	{"OUTPUT", "-p", "icmp", "--icmp-type", "time-exceeded", "-j", "DROP"},
	{"OUTPUT", "-p", "icmp", "--icmp-type", "destination-unreachable", "-j", "DROP"},
}

// BlockICMP drops all egress ICMP from the namespace.
func (m *Manager) BlockICMP(name string) error {
	return m.applyRule(name, blockICMPRule)
}

// UnblockICMP removes the egress ICMP drop rule. Idempotent.
func (m *Manager) UnblockICMP(name string) error {
	return m.removeRule(name, blockICMPRule)
}

// EnableSilentRouter suppresses the ICMP error messages a router would
// normally emit (time-exceeded, destination-unreachable) without touching
// forwarding, so traceroute probes through it show "*".
func (m *Manager) EnableSilentRouter(name string) error {
	for _, rule := range silentRouterRules {
		if err := m.applyRule(name, rule); err != nil {
			return err
		}
	}
	return nil
}

// DisableSilentRouter removes the suppression rules. Idempotent.
func (m *Manager) DisableSilentRouter(name string) error {
	for _, rule := range silentRouterRules {
		if err := m.removeRule(name, rule); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) applyRule(name string, rule []string) error {
	if !m.Exists(name) {
		return fmt.Errorf("netns: iptables: namespace %q: %w", name, util.ErrNotFound)
	}

	// -C probes for the rule first so a second apply does not stack.
	check := append([]string{"ip", "netns", "exec", name, "iptables", "-C"}, rule...)
	if _, err := m.runner.Run(check...); err == nil {
		return nil
	}

	add := append([]string{"ip", "netns", "exec", name, "iptables", "-A"}, rule...)
	if out, err := m.runner.Run(add...); err != nil {
		return fmt.Errorf("netns: iptables on %q: %w", name, util.NewKernelError("iptables -A", out, err))
	}
	util.WithDevice(name).Infof("filter rule installed: %s", strings.Join(rule, " "))
	return nil
}

func (m *Manager) removeRule(name string, rule []string) error {
	if !m.Exists(name) {
		return fmt.Errorf("netns: iptables: namespace %q: %w", name, util.ErrNotFound)
	}

	del := append([]string{"ip", "netns", "exec", name, "iptables", "-D"}, rule...)
	if out, err := m.runner.Run(del...); err != nil {
		// Absent rule: removal is idempotent.
		if strings.Contains(out, "No chain/target/match") || strings.Contains(out, "does not exist") {
			return nil
		}
		return fmt.Errorf("netns: iptables on %q: %w", name, util.NewKernelError("iptables -D", out, err))
	}
	return nil
}
