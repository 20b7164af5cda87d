package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/emunet-network/emunet/pkg/cli"
	"github.com/emunet-network/emunet/pkg/link"
	"github.com/emunet-network/emunet/pkg/topo"
)

func newStatusCmd() *cobra.Command {
	var serverAddr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the running topology",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(serverAddr)
		},
	}

	cmd.Flags().StringVarP(&serverAddr, "server", "s", "localhost:8080", "control server address")
	return cmd
}

func runStatus(serverAddr string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + serverAddr + "/api/snapshot")
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status: server returned %s", resp.Status)
	}

	var snap topo.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return fmt.Errorf("status: decode snapshot: %w", err)
	}

	fmt.Println(cli.Bold(fmt.Sprintf("%d devices, %d links", len(snap.Devices), len(snap.Links))))
	fmt.Println()

	devices := cli.NewTable("DEVICE", "KIND", "ADDRESSES", "GATEWAY", "FAILURES")
	for _, d := range snap.Devices {
		var addrs []string
		for _, ifc := range d.Ifaces {
			if ifc.Addr != "" {
				addrs = append(addrs, fmt.Sprintf("%s/%d", ifc.Addr, ifc.Prefix))
			}
		}
		failures := formatFailures(d.Failures)
		if failures != "" {
			failures = cli.Red(failures)
		}
		devices.Row(d.Name, string(d.Kind), strings.Join(addrs, " "), d.Gateway, failures)
	}
	devices.Flush()
	fmt.Println()

	links := cli.NewTable("LINK", "ENDPOINTS", "SUBNET", "SHAPING")
	for _, l := range snap.Links {
		endpoints := fmt.Sprintf("%s:%s <-> %s", l.A, l.AIface, l.B)
		if l.BIface != "" {
			endpoints += ":" + l.BIface
		}
		links.Row(l.ID[:8], endpoints, fmt.Sprintf("10.0.%d.0/24", l.Subnet), formatShaping(l.Shaping))
	}
	links.Flush()
	return nil
}

func formatFailures(failures map[string]topo.Failure) string {
	var parts []string
	for _, f := range failures {
		if f.Iface != "" {
			parts = append(parts, fmt.Sprintf("%s(%s)", f.Kind, f.Iface))
		} else {
			parts = append(parts, string(f.Kind))
		}
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}

func formatShaping(s link.Shaping) string {
	var parts []string
	if s.LatencyMS > 0 {
		parts = append(parts, fmt.Sprintf("%.0fms", s.LatencyMS))
	}
	if s.LossPct > 0 {
		parts = append(parts, fmt.Sprintf("%.1f%% loss", s.LossPct))
	}
	if s.BandwidthMbps > 0 {
		parts = append(parts, fmt.Sprintf("%.0fMbps", s.BandwidthMbps))
	}
	if len(parts) == 0 {
		return cli.Dim("none")
	}
	return strings.Join(parts, " ")
}
