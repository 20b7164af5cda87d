package observe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket/pcapgo"

	"github.com/emunet-network/emunet/pkg/util"
)

// Status reports an observer lifecycle change on the topology event channel.
type Status struct {
	Device string
	Iface  string
	State  string // running, restarting, failed, stopped
	Err    error
}

// restartBackoff is the wait schedule between capture restarts. After the
// schedule is exhausted the observer gives up and reports failed once.
var restartBackoff = []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second}

// snapLen keeps captures cheap: enough for ethernet + IP + transport
// headers, never payloads.
const snapLen = "96"

// captureFunc starts a capture stream for a namespace/interface pair and
// returns the pcap stream plus a stop function. Replaceable for tests.
type captureFunc func(ctx context.Context, namespace, iface string) (io.ReadCloser, func(), error)

func tcpdumpCapture(ctx context.Context, namespace, iface string) (io.ReadCloser, func(), error) {
	// control-plane traffic on 22 is never interesting in an emulated net
	cmd := exec.CommandContext(ctx, "ip", "netns", "exec", namespace,
		"tcpdump", "-i", iface, "-w", "-", "--immediate-mode", "-s", snapLen,
		"not", "port", "22")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	stop := func() {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		cmd.Wait()
	}
	return stdout, stop, nil
}

// Observer captures packets on one (device, interface) pair and publishes
// classified events to the shared fanout.
type Observer struct {
	device string
	iface  string
	fanout *Fanout
	notify chan<- Status

	capture captureFunc
	cancel  context.CancelFunc
	done    chan struct{}

	malformed atomic.Uint64
}

func newObserver(device, iface string, fanout *Fanout, notify chan<- Status, capture captureFunc) *Observer {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Observer{
		device:  device,
		iface:   iface,
		fanout:  fanout,
		notify:  notify,
		capture: capture,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go o.run(ctx)
	return o
}

// Malformed returns the count of frames that could not be decoded.
func (o *Observer) Malformed() uint64 { return o.malformed.Load() }

// Stop tears down the capture process and waits for the run loop to exit.
func (o *Observer) Stop() {
	o.cancel()
	<-o.done
}

func (o *Observer) run(ctx context.Context) {
	defer close(o.done)

	failures := 0
	for {
		delivered, err := o.captureOnce(ctx)
		if ctx.Err() != nil {
			o.report("stopped", nil)
			return
		}
		if delivered > 0 {
			// the stream was healthy before it broke; start the
			// backoff schedule over
			failures = 0
		}
		if failures >= len(restartBackoff) {
			util.WithIface(o.device, o.iface).Errorf("packet capture failed permanently: %v", err)
			o.report("failed", err)
			return
		}
		wait := restartBackoff[failures]
		failures++
		util.WithIface(o.device, o.iface).Warnf("packet capture interrupted, restarting in %s: %v", wait, err)
		o.report("restarting", err)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			o.report("stopped", nil)
			return
		}
	}
}

// captureOnce runs one capture session to stream end, returning how many
// events it published.
func (o *Observer) captureOnce(ctx context.Context) (int, error) {
	stream, stop, err := o.capture(ctx, o.device, o.iface)
	if err != nil {
		return 0, fmt.Errorf("observe: start capture %s:%s: %w", o.device, o.iface, err)
	}
	defer stop()
	defer stream.Close()

	r, err := pcapgo.NewReader(stream)
	if err != nil {
		return 0, fmt.Errorf("observe: pcap header %s:%s: %w", o.device, o.iface, err)
	}
	o.report("running", nil)

	delivered := 0
	for {
		data, ci, err := r.ReadPacketData()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return delivered, fmt.Errorf("observe: capture stream %s:%s ended", o.device, o.iface)
			}
			return delivered, fmt.Errorf("observe: read %s:%s: %w", o.device, o.iface, err)
		}
		ev, ok := Classify(o.device, o.iface, data, ci.Timestamp, ci.Length)
		if !ok {
			o.malformed.Add(1)
			continue
		}
		o.fanout.Publish(ev)
		delivered++
	}
}

func (o *Observer) report(state string, err error) {
	if o.notify == nil {
		return
	}
	select {
	case o.notify <- Status{Device: o.device, Iface: o.iface, State: state, Err: err}:
	default:
		// the topology manager drains this channel; losing a status
		// beat is preferable to wedging the capture loop
	}
}

type observerKey struct {
	device string
	iface  string
}

// Registry owns all live observers and the shared fanout.
type Registry struct {
	mu        sync.Mutex
	observers map[observerKey]*Observer

	fanout  *Fanout
	status  chan Status
	capture captureFunc
}

// NewRegistry returns an empty registry with its own fanout.
func NewRegistry() *Registry {
	return &Registry{
		observers: make(map[observerKey]*Observer),
		fanout:    NewFanout(),
		status:    make(chan Status, 64),
		capture:   tcpdumpCapture,
	}
}

// Fanout exposes the shared event fanout for stream subscribers.
func (r *Registry) Fanout() *Fanout { return r.fanout }

// Status exposes observer lifecycle reports. The topology manager drains it.
func (r *Registry) Status() <-chan Status { return r.status }

// Watch starts capturing on an interface. Watching an already-watched
// interface is a no-op.
func (r *Registry) Watch(device, iface string) {
	key := observerKey{device, iface}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.observers[key]; ok {
		return
	}
	r.observers[key] = newObserver(device, iface, r.fanout, r.status, r.capture)
	util.WithIface(device, iface).Debug("packet observer started")
}

// Unwatch stops capturing on an interface. Unknown pairs are ignored.
func (r *Registry) Unwatch(device, iface string) {
	key := observerKey{device, iface}
	r.mu.Lock()
	o, ok := r.observers[key]
	delete(r.observers, key)
	r.mu.Unlock()
	if ok {
		o.Stop()
	}
}

// UnwatchDevice stops every observer of a device. Called before the
// device's namespace is destroyed.
func (r *Registry) UnwatchDevice(device string) {
	r.mu.Lock()
	var stopping []*Observer
	for key, o := range r.observers {
		if key.device == device {
			stopping = append(stopping, o)
			delete(r.observers, key)
		}
	}
	r.mu.Unlock()
	for _, o := range stopping {
		o.Stop()
	}
}

// StopAll stops every observer. Used on shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	var stopping []*Observer
	for key, o := range r.observers {
		stopping = append(stopping, o)
		delete(r.observers, key)
	}
	r.mu.Unlock()
	for _, o := range stopping {
		o.Stop()
	}
}

// Len returns the number of live observers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.observers)
}
