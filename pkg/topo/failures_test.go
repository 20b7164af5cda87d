package topo

import (
	"errors"
	"testing"

	"github.com/emunet-network/emunet/pkg/link"
	"github.com/emunet-network/emunet/pkg/util"
)

func linkedHosts(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t)
	if _, err := f.m.AddDevice("h1", "host", 0, 0); err != nil {
		t.Fatalf("AddDevice h1: %v", err)
	}
	if _, err := f.m.AddDevice("h2", "host", 0, 0); err != nil {
		t.Fatalf("AddDevice h2: %v", err)
	}
	if _, err := f.m.AddLink("h1", "h2", link.Shaping{LatencyMS: 5}); err != nil {
		t.Fatalf("AddLink: %v", err)
	}
	return f
}

func TestInjectPacketLossOverlaysBaseShaping(t *testing.T) {
	f := linkedHosts(t)

	err := f.m.InjectFailure("h1", Failure{Kind: FailPacketLoss, Iface: "eth0", Pct: 100})
	if err != nil {
		t.Fatalf("InjectFailure: %v", err)
	}
	// base latency 5 survives, loss 100 overlaid
	if got := f.lnk.lastShaped(); got != "h1:eth0 5/100/0" {
		t.Errorf("effective shaping = %q", got)
	}

	// re-inject replaces rather than stacks
	if err := f.m.InjectFailure("h1", Failure{Kind: FailPacketLoss, Iface: "eth0", Pct: 25}); err != nil {
		t.Fatalf("re-inject: %v", err)
	}
	if got := f.lnk.lastShaped(); got != "h1:eth0 5/25/0" {
		t.Errorf("replaced shaping = %q", got)
	}
	if fs, _ := f.m.ListFailures("h1"); len(fs) != 1 {
		t.Errorf("failure count = %d, want 1", len(fs))
	}

	// clearing restores the base link shaping
	if err := f.m.ClearFailure("h1", FailPacketLoss, "eth0"); err != nil {
		t.Fatalf("ClearFailure: %v", err)
	}
	if got := f.lnk.lastShaped(); got != "h1:eth0 5/0/0" {
		t.Errorf("restored shaping = %q", got)
	}
}

func TestShapingFailuresCombinePerInterface(t *testing.T) {
	f := linkedHosts(t)

	f.m.InjectFailure("h1", Failure{Kind: FailLatency, Iface: "eth0", MS: 50})
	f.m.InjectFailure("h1", Failure{Kind: FailBandwidthLimit, Iface: "eth0", Mbps: 10})
	if got := f.lnk.lastShaped(); got != "h1:eth0 50/0/10" {
		t.Errorf("combined shaping = %q", got)
	}

	f.m.ClearFailure("h1", FailLatency, "eth0")
	if got := f.lnk.lastShaped(); got != "h1:eth0 5/0/10" {
		t.Errorf("after clearing latency = %q", got)
	}
}

func TestInjectFailureValidation(t *testing.T) {
	f := linkedHosts(t)

	tests := []struct {
		name    string
		device  string
		failure Failure
		wantErr error
	}{
		{"unknown kind", "h1", Failure{Kind: "explode"}, util.ErrInvalidArgument},
		{"loss out of range", "h1", Failure{Kind: FailPacketLoss, Iface: "eth0", Pct: 101}, util.ErrInvalidArgument},
		{"loss without iface", "h1", Failure{Kind: FailPacketLoss, Pct: 50}, util.ErrInvalidArgument},
		{"negative latency", "h1", Failure{Kind: FailLatency, Iface: "eth0", MS: -1}, util.ErrInvalidArgument},
		{"zero bandwidth", "h1", Failure{Kind: FailBandwidthLimit, Iface: "eth0"}, util.ErrInvalidArgument},
		{"unknown device", "nope", Failure{Kind: FailBlockICMP}, util.ErrNotFound},
		{"unknown iface", "h1", Failure{Kind: FailInterfaceDown, Iface: "eth9"}, util.ErrNotFound},
		{"silent router on host", "h1", Failure{Kind: FailSilentRouter}, util.ErrInvalidArgument},
	}
	for _, tt := range tests {
		if err := f.m.InjectFailure(tt.device, tt.failure); !errors.Is(err, tt.wantErr) {
			t.Errorf("%s: err = %v, want %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestBlockICMPRoundTrip(t *testing.T) {
	f := linkedHosts(t)

	if err := f.m.InjectFailure("h1", Failure{Kind: FailBlockICMP}); err != nil {
		t.Fatalf("InjectFailure: %v", err)
	}
	if f.log.index("ns.blockicmp h1") < 0 {
		t.Error("block rule not installed")
	}
	if err := f.m.ClearFailure("h1", FailBlockICMP, ""); err != nil {
		t.Fatalf("ClearFailure: %v", err)
	}
	if f.log.index("ns.unblockicmp h1") < 0 {
		t.Error("block rule not removed")
	}
	if fs, _ := f.m.ListFailures("h1"); len(fs) != 0 {
		t.Errorf("failures after clear: %v", fs)
	}
}

func TestSilentRouter(t *testing.T) {
	f := newFixture(t)
	f.m.AddDevice("r1", "router", 0, 0)

	if err := f.m.InjectFailure("r1", Failure{Kind: FailSilentRouter}); err != nil {
		t.Fatalf("InjectFailure: %v", err)
	}
	if f.log.index("ns.silent r1") < 0 {
		t.Error("silent-router rules not installed")
	}
	if err := f.m.ClearFailure("r1", FailSilentRouter, ""); err != nil {
		t.Fatalf("ClearFailure: %v", err)
	}
	if f.log.index("ns.unsilent r1") < 0 {
		t.Error("silent-router rules not removed")
	}
}

func TestInterfaceDown(t *testing.T) {
	f := linkedHosts(t)

	if err := f.m.InjectFailure("h1", Failure{Kind: FailInterfaceDown, Iface: "eth0"}); err != nil {
		t.Fatalf("InjectFailure: %v", err)
	}
	if f.log.index("ns.linkstate h1:eth0 up=false") < 0 {
		t.Error("interface not brought down")
	}
	if err := f.m.ClearFailure("h1", FailInterfaceDown, "eth0"); err != nil {
		t.Fatalf("ClearFailure: %v", err)
	}
	if f.log.index("ns.linkstate h1:eth0 up=true") < 0 {
		t.Error("interface not brought back up")
	}

	// clearing an absent failure is a no-op, not an error
	if err := f.m.ClearFailure("h1", FailInterfaceDown, "eth0"); err != nil {
		t.Errorf("clear absent failure: %v", err)
	}
}
