// Package testutil boots a real emulator for end-to-end tests. Everything
// here touches the kernel: namespaces, veths, qdiscs. The e2e suite skips
// itself unless it runs as root on a host with namespace support.
package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/emunet-network/emunet/pkg/link"
	"github.com/emunet-network/emunet/pkg/netns"
	"github.com/emunet-network/emunet/pkg/observe"
	"github.com/emunet-network/emunet/pkg/ptys"
	"github.com/emunet-network/emunet/pkg/server"
	"github.com/emunet-network/emunet/pkg/topo"
)

// SkipUnlessRoot skips the test when it cannot manipulate namespaces.
func SkipUnlessRoot(t *testing.T) {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Skip("requires root")
	}
	if err := exec.Command("ip", "netns", "list").Run(); err != nil {
		t.Skipf("no namespace support: %v", err)
	}
}

// Emulator is a fully wired server running on a loopback listener, backed
// by real kernel state. Close tears the topology down.
type Emulator struct {
	Topology *topo.Manager
	HTTP     *httptest.Server
}

// Start boots an emulator and registers teardown with t.Cleanup.
func Start(t *testing.T) *Emulator {
	t.Helper()
	SkipUnlessRoot(t)

	registry := netns.NewAddrRegistry()
	namespaces, err := netns.NewManager(registry)
	if err != nil {
		t.Fatalf("netns manager: %v", err)
	}
	links := link.NewManager()
	sessions := ptys.NewManager("/bin/sh", 2*time.Second)
	observers := observe.NewRegistry()

	topology := topo.New(namespaces, links, sessions, observers)
	topology.DrainObserverStatus(observers.Status())

	cfg := server.DefaultConfig()
	srv := server.New(cfg, topology, sessions, observers.Fanout())
	ts := httptest.NewServer(srv.Handler())

	em := &Emulator{Topology: topology, HTTP: ts}
	t.Cleanup(func() {
		ts.Close()
		topology.Shutdown()
	})
	return em
}

// Post sends a JSON body and fails the test on transport errors. The
// response body is decoded into out when out is non-nil and the status
// matches want.
func (e *Emulator) Post(t *testing.T, path string, body, out any, want int) {
	t.Helper()
	e.do(t, http.MethodPost, path, body, out, want)
}

// Put sends a JSON body via PUT.
func (e *Emulator) Put(t *testing.T, path string, body, out any, want int) {
	t.Helper()
	e.do(t, http.MethodPut, path, body, out, want)
}

// Get fetches path and decodes the response into out.
func (e *Emulator) Get(t *testing.T, path string, out any, want int) {
	t.Helper()
	e.do(t, http.MethodGet, path, nil, out, want)
}

// Delete issues a DELETE and checks the status code.
func (e *Emulator) Delete(t *testing.T, path string, want int) {
	t.Helper()
	e.do(t, http.MethodDelete, path, nil, nil, want)
}

func (e *Emulator) do(t *testing.T, method, path string, body, out any, want int) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("%s %s: marshal: %v", method, path, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.HTTP.URL+path, reader)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != want {
		t.Fatalf("%s %s: status %d, want %d: %s", method, path, resp.StatusCode, want, data)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
}

// ExecResult mirrors the exec endpoint's response body.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Exec runs a command inside a device and returns the result.
func (e *Emulator) Exec(t *testing.T, device string, argv ...string) ExecResult {
	t.Helper()
	var res ExecResult
	e.Post(t, "/api/devices/"+device+"/exec", map[string]any{"argv": argv}, &res, http.StatusOK)
	return res
}

// TryExec runs a command inside a device, ignoring all errors. Safe to
// call from background goroutines that must not fail the test.
func (e *Emulator) TryExec(device string, argv ...string) {
	body, _ := json.Marshal(map[string]any{"argv": argv})
	resp, err := http.Post(e.HTTP.URL+"/api/devices/"+device+"/exec",
		"application/json", bytes.NewReader(body))
	if err == nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}

// Ping runs a short ping between devices and reports whether it succeeded.
func (e *Emulator) Ping(t *testing.T, from, target string) bool {
	t.Helper()
	res := e.Exec(t, from, "ping", "-c", "2", "-W", "1", target)
	return res.ExitCode == 0
}

// Eventually retries fn until it returns true or the deadline passes.
func Eventually(t *testing.T, d time.Duration, fn func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fn()
}

// AddrOf returns the first address of a device from a fresh snapshot.
func (e *Emulator) AddrOf(t *testing.T, device string) string {
	t.Helper()
	var snap topo.Snapshot
	e.Get(t, "/api/snapshot", &snap, http.StatusOK)
	for _, d := range snap.Devices {
		if d.Name != device {
			continue
		}
		for _, ifc := range d.Ifaces {
			if ifc.Addr != "" {
				return ifc.Addr
			}
		}
	}
	t.Fatalf("no address on %s", device)
	return ""
}

// Device builds the add-device request body.
func Device(name, kind string) map[string]any {
	return map[string]any{"name": name, "kind": kind}
}

// Link builds the add-link request body.
func Link(a, b string) map[string]any {
	return map[string]any{"a": a, "b": b}
}
