//go:build e2e

package e2e_test

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/emunet-network/emunet/internal/testutil"
	"github.com/emunet-network/emunet/pkg/topo"
)

func TestE2E_P2PConnectivity(t *testing.T) {
	em := testutil.Start(t)

	em.Post(t, "/api/devices", testutil.Device("h1", "host"), nil, http.StatusCreated)
	em.Post(t, "/api/devices", testutil.Device("h2", "host"), nil, http.StatusCreated)
	em.Post(t, "/api/links", testutil.Link("h1", "h2"), nil, http.StatusCreated)

	if !em.Ping(t, "h1", em.AddrOf(t, "h2")) {
		t.Fatal("h1 cannot reach h2 over a direct link")
	}
	if !em.Ping(t, "h2", em.AddrOf(t, "h1")) {
		t.Fatal("h2 cannot reach h1 over a direct link")
	}
}

func TestE2E_RoutedConnectivity(t *testing.T) {
	em := testutil.Start(t)

	for _, d := range []string{"h1", "h2"} {
		em.Post(t, "/api/devices", testutil.Device(d, "host"), nil, http.StatusCreated)
	}
	em.Post(t, "/api/devices", testutil.Device("r1", "router"), nil, http.StatusCreated)
	em.Post(t, "/api/links", testutil.Link("h1", "r1"), nil, http.StatusCreated)
	em.Post(t, "/api/links", testutil.Link("h2", "r1"), nil, http.StatusCreated)
	em.Post(t, "/api/autoroute", nil, nil, http.StatusOK)

	// h1 and h2 sit on different /24s; only the router connects them
	if !em.Ping(t, "h1", em.AddrOf(t, "h2")) {
		t.Fatal("h1 cannot reach h2 through r1")
	}
}

func TestE2E_RouterChain(t *testing.T) {
	em := testutil.Start(t)

	em.Post(t, "/api/devices", testutil.Device("h1", "host"), nil, http.StatusCreated)
	em.Post(t, "/api/devices", testutil.Device("r1", "router"), nil, http.StatusCreated)
	em.Post(t, "/api/devices", testutil.Device("r2", "router"), nil, http.StatusCreated)
	em.Post(t, "/api/devices", testutil.Device("h2", "host"), nil, http.StatusCreated)
	em.Post(t, "/api/links", testutil.Link("h1", "r1"), nil, http.StatusCreated)
	em.Post(t, "/api/links", testutil.Link("r1", "r2"), nil, http.StatusCreated)
	em.Post(t, "/api/links", testutil.Link("r2", "h2"), nil, http.StatusCreated)
	em.Post(t, "/api/autoroute", nil, nil, http.StatusOK)

	if !em.Ping(t, "h1", em.AddrOf(t, "h2")) {
		t.Fatal("h1 cannot reach h2 across two routers")
	}

	res := em.Exec(t, "h1", "traceroute", "-n", "-m", "4", "-w", "1", em.AddrOf(t, "h2"))
	if res.ExitCode == 0 {
		hops := strings.Count(res.Stdout, "\n")
		t.Logf("traceroute: %d lines\n%s", hops, res.Stdout)
	}
}

func TestE2E_SwitchedSegment(t *testing.T) {
	em := testutil.Start(t)

	em.Post(t, "/api/devices", testutil.Device("sw1", "switch"), nil, http.StatusCreated)
	for _, d := range []string{"h1", "h2", "h3"} {
		em.Post(t, "/api/devices", testutil.Device(d, "host"), nil, http.StatusCreated)
		em.Post(t, "/api/links", testutil.Link(d, "sw1"), nil, http.StatusCreated)
	}

	// all three share the switch's subnet
	for _, pair := range [][2]string{{"h1", "h2"}, {"h2", "h3"}, {"h3", "h1"}} {
		if !em.Ping(t, pair[0], em.AddrOf(t, pair[1])) {
			t.Fatalf("%s cannot reach %s through the switch", pair[0], pair[1])
		}
	}
}

func TestE2E_DNSResolution(t *testing.T) {
	em := testutil.Start(t)

	em.Post(t, "/api/devices", testutil.Device("h1", "host"), nil, http.StatusCreated)
	em.Post(t, "/api/devices", testutil.Device("ns1", "dns_server"), nil, http.StatusCreated)
	em.Post(t, "/api/links", testutil.Link("h1", "ns1"), nil, http.StatusCreated)

	// the resolver needs a beat to pick up the rewritten record file
	ok := testutil.Eventually(t, 5*time.Second, func() bool {
		res := em.Exec(t, "h1", "ping", "-c", "1", "-W", "1", "ns1")
		return res.ExitCode == 0
	})
	if !ok {
		t.Fatal("h1 cannot resolve ns1 by name")
	}
}

func TestE2E_TeardownLeavesNothing(t *testing.T) {
	em := testutil.Start(t)

	em.Post(t, "/api/devices", testutil.Device("h1", "host"), nil, http.StatusCreated)
	em.Post(t, "/api/devices", testutil.Device("h2", "host"), nil, http.StatusCreated)

	var lnk topo.Link
	em.Post(t, "/api/links", testutil.Link("h1", "h2"), &lnk, http.StatusCreated)
	em.Delete(t, "/api/links/"+lnk.ID, http.StatusNoContent)
	em.Delete(t, "/api/devices/h1", http.StatusNoContent)
	em.Delete(t, "/api/devices/h2", http.StatusNoContent)

	var snap topo.Snapshot
	em.Get(t, "/api/snapshot", &snap, http.StatusOK)
	if len(snap.Devices) != 0 || len(snap.Links) != 0 {
		t.Fatalf("snapshot not empty after teardown: %d devices, %d links",
			len(snap.Devices), len(snap.Links))
	}
}
