//go:build e2e

package e2e_test

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/emunet-network/emunet/internal/testutil"
)

func dialWS(t *testing.T, em *testutil.Emulator, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(em.HTTP.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestE2E_TerminalSession(t *testing.T) {
	em := testutil.Start(t)
	em.Post(t, "/api/devices", testutil.Device("h1", "host"), nil, http.StatusCreated)

	conn := dialWS(t, em, "/ws/terminal/h1")

	input, _ := json.Marshal(map[string]string{"type": "input", "data": "echo term-$((20+3))\n"})
	if err := conn.WriteMessage(websocket.TextMessage, input); err != nil {
		t.Fatalf("write input: %v", err)
	}

	var output strings.Builder
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			continue
		}
		output.Write(data)
		if strings.Contains(output.String(), "term-23") {
			return
		}
	}
	t.Fatalf("shell output never arrived; got %q", output.String())
}

func TestE2E_TerminalUnknownDevice(t *testing.T) {
	em := testutil.Start(t)

	url := "ws" + strings.TrimPrefix(em.HTTP.URL, "http") + "/ws/terminal/nope"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return // refused at upgrade, also fine
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = conn.ReadMessage()
	if err == nil {
		t.Fatal("expected close for unknown device")
	}
}

type packetFrame struct {
	Seq        uint64 `json:"seq"`
	Device     string `json:"device"`
	Protocol   string `json:"protocol"`
	PacketType string `json:"packet_type"`
	SrcIP      string `json:"src_ip"`
	DstIP      string `json:"dst_ip"`
}

func TestE2E_PacketStreamSeesPings(t *testing.T) {
	em := testutil.Start(t)
	em.Post(t, "/api/devices", testutil.Device("h1", "host"), nil, http.StatusCreated)
	em.Post(t, "/api/devices", testutil.Device("h2", "host"), nil, http.StatusCreated)
	em.Post(t, "/api/links", testutil.Link("h1", "h2"), nil, http.StatusCreated)

	conn := dialWS(t, em, "/ws/packets")

	// tcpdump startup races the first ping, so keep traffic flowing
	h2 := em.AddrOf(t, "h2")
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				em.TryExec("h1", "ping", "-c", "1", "-W", "1", h2)
			}
		}
	}()

	var lastSeq uint64
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			continue
		}
		var frame packetFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("bad frame %q: %v", data, err)
		}
		if frame.Seq <= lastSeq {
			t.Fatalf("sequence went backwards: %d after %d", frame.Seq, lastSeq)
		}
		lastSeq = frame.Seq
		if frame.Protocol == "ICMP" && frame.PacketType == "icmp_echo_request" {
			if frame.Device != "h1" && frame.Device != "h2" {
				t.Fatalf("echo request attributed to %q", frame.Device)
			}
			return
		}
	}
	t.Fatal("no ICMP echo request observed on the packet stream")
}
