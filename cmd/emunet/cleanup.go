package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/vishvananda/netlink"

	"github.com/emunet-network/emunet/pkg/util"
)

func newCleanupCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove leftover namespaces and veths",
		Long: `Removes state a crashed server left behind: network namespaces, stray
veth- interfaces in the root namespace, per-namespace resolv.conf
directories, and the DNS record file.

Namespaces carry plain device names, so cleanup cannot tell an emulator
namespace from anything else on the host. Without --force it only
prints what it would remove.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCleanup(force)
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "actually delete (default is a dry run)")
	return cmd
}

func runCleanup(force bool) error {
	found := 0

	out, err := exec.Command("ip", "netns", "list").CombinedOutput()
	if err != nil {
		return fmt.Errorf("cleanup: list namespaces: %w", err)
	}
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		// "name (id: 3)" or just "name"
		name := strings.Fields(line)[0]
		found++
		if !force {
			fmt.Printf("would delete namespace %s\n", name)
			continue
		}
		if delOut, err := exec.Command("ip", "netns", "delete", name).CombinedOutput(); err != nil {
			util.WithDevice(name).Warnf("cleanup: delete namespace: %s", strings.TrimSpace(string(delOut)))
		} else {
			fmt.Printf("deleted namespace %s\n", name)
		}
	}

	// scratch veth ends stranded mid-move keep their veth-<id> names
	links, err := netlink.LinkList()
	if err != nil {
		return fmt.Errorf("cleanup: list links: %w", err)
	}
	for _, l := range links {
		name := l.Attrs().Name
		if !strings.HasPrefix(name, "veth-") {
			continue
		}
		found++
		if !force {
			fmt.Printf("would delete interface %s\n", name)
			continue
		}
		if err := netlink.LinkDel(l); err != nil {
			util.Warnf("cleanup: delete %s: %v", name, err)
		} else {
			fmt.Printf("deleted interface %s\n", name)
		}
	}

	for _, path := range []string{
		"/etc/netns",
		filepath.Join(os.TempDir(), "emunet-dns-records.json"),
	} {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		found++
		if !force {
			fmt.Printf("would remove %s\n", path)
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			util.Warnf("cleanup: remove %s: %v", path, err)
		} else {
			fmt.Printf("removed %s\n", path)
		}
	}

	if found == 0 {
		fmt.Println("nothing to clean up")
	} else if !force {
		fmt.Println("re-run with --force to delete")
	}
	return nil
}
