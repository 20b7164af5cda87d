package observe

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// pcapStream builds an in-memory pcap byte stream containing the given
// frames, as tcpdump -w - would emit them.
func pcapStream(t *testing.T, frames ...[]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	if err := w.WriteFileHeader(96, layers.LinkTypeEthernet); err != nil {
		t.Fatalf("pcap header: %v", err)
	}
	now := time.Now()
	for _, frame := range frames {
		ci := gopacket.CaptureInfo{Timestamp: now, CaptureLength: len(frame), Length: len(frame)}
		if err := w.WritePacket(ci, frame); err != nil {
			t.Fatalf("pcap write: %v", err)
		}
	}
	return buf.Bytes()
}

// staticCapture serves each byte slice as one capture session, then fails.
func staticCapture(sessions ...[]byte) captureFunc {
	i := 0
	return func(ctx context.Context, namespace, iface string) (io.ReadCloser, func(), error) {
		if i >= len(sessions) {
			return io.NopCloser(bytes.NewReader(nil)), func() {}, nil
		}
		s := sessions[i]
		i++
		return io.NopCloser(bytes.NewReader(s)), func() {}, nil
	}
}

func shortBackoff(t *testing.T) {
	t.Helper()
	saved := restartBackoff
	restartBackoff = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	t.Cleanup(func() { restartBackoff = saved })
}

func drainUntil(t *testing.T, status <-chan Status, state string) Status {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case st := <-status:
			if st.State == state {
				return st
			}
		case <-deadline:
			t.Fatalf("no %q status within deadline", state)
		}
	}
}

func TestObserverPublishesClassifiedEvents(t *testing.T) {
	shortBackoff(t)

	stream := pcapStream(t,
		icmpPacket(t, layers.ICMPv4TypeEchoRequest),
		udpPacket(t, 40000, 53),
	)
	r := NewRegistry()
	r.capture = staticCapture(stream)
	sub := r.Fanout().Subscribe()
	defer r.Fanout().Unsubscribe(sub)

	r.Watch("h1", "eth0")
	defer r.StopAll()

	want := []PacketType{TypeEchoRequest, TypeDNSQuery}
	for _, w := range want {
		select {
		case ev := <-sub.Events():
			if ev.Type != w {
				t.Errorf("event type = %s, want %s", ev.Type, w)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("no %s event within deadline", w)
		}
	}
}

func TestObserverFailsAfterBackoffExhausted(t *testing.T) {
	shortBackoff(t)

	// every session is an empty stream: pcap header parse fails immediately
	r := NewRegistry()
	r.capture = staticCapture()
	r.Watch("h1", "eth0")
	defer r.StopAll()

	st := drainUntil(t, r.Status(), "failed")
	if st.Device != "h1" || st.Iface != "eth0" {
		t.Errorf("failed status for %s:%s", st.Device, st.Iface)
	}
	if st.Err == nil {
		t.Error("failed status should carry the error")
	}
}

func TestObserverCountsMalformedFrames(t *testing.T) {
	shortBackoff(t)

	stream := pcapStream(t,
		[]byte{0x01, 0x02}, // undecodable
		icmpPacket(t, layers.ICMPv4TypeEchoReply),
	)
	r := NewRegistry()
	r.capture = staticCapture(stream)
	sub := r.Fanout().Subscribe()
	defer r.Fanout().Unsubscribe(sub)

	r.Watch("h1", "eth0")
	defer r.StopAll()

	select {
	case ev := <-sub.Events():
		if ev.Type != TypeEchoReply {
			t.Errorf("event type = %s, want echo reply", ev.Type)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event within deadline")
	}

	r.mu.Lock()
	o := r.observers[observerKey{"h1", "eth0"}]
	r.mu.Unlock()
	if o.Malformed() != 1 {
		t.Errorf("malformed = %d, want 1", o.Malformed())
	}
}

func TestRegistryWatchUnwatch(t *testing.T) {
	shortBackoff(t)

	r := NewRegistry()
	r.capture = staticCapture()

	r.Watch("h1", "eth0")
	r.Watch("h1", "eth0") // idempotent
	r.Watch("h1", "eth1")
	r.Watch("h2", "eth0")
	if r.Len() != 3 {
		t.Fatalf("registry len = %d, want 3", r.Len())
	}

	r.UnwatchDevice("h1")
	if r.Len() != 1 {
		t.Errorf("registry len = %d after UnwatchDevice, want 1", r.Len())
	}
	r.Unwatch("h2", "eth0")
	r.Unwatch("h2", "eth0") // unknown pair is fine
	if r.Len() != 0 {
		t.Errorf("registry len = %d, want 0", r.Len())
	}
}
