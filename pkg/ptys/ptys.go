// Package ptys spawns interactive shells inside device namespaces and
// multiplexes their pseudo-terminals to websocket subscribers.
package ptys

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/emunet-network/emunet/pkg/util"
)

// State is the lifecycle phase of a session.
type State string

const (
	StateSpawning State = "spawning"
	StateRunning  State = "running"
	StateClosing  State = "closing"
	StateClosed   State = "closed"
)

const (
	readSize     = 4096
	closeWait    = 200 * time.Millisecond
	// subscriber buffer: 16 chunks of up to 4KiB ≈ 64KiB of pending output
	subscriberSlots = 16
)

// DefaultGracePeriod is how long a detached session survives before being
// closed, so a reconnecting client can reattach.
const DefaultGracePeriod = 30 * time.Second

// Key identifies a session.
type Key struct {
	Device    string
	ChannelID string
}

func (k Key) String() string { return k.Device + "/" + k.ChannelID }

// Session is one shell bound to a pty master. The master fd is owned
// exclusively by the session.
type Session struct {
	Key Key

	mu         sync.Mutex
	state      State
	master     *os.File
	cmd        *exec.Cmd
	subscriber chan []byte
	graceTimer *time.Timer
	closedCh   chan struct{}
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the session reaches StateClosed.
func (s *Session) Done() <-chan struct{} { return s.closedCh }

// Manager owns the session table.
type Manager struct {
	mu       sync.Mutex
	sessions map[Key]*Session

	grace time.Duration

	// argv builds the child command for a device. Replaceable for tests.
	argv func(device string) []string
}

// NewManager returns a session manager spawning shells with
// `ip netns exec <device> <shell> -i`.
func NewManager(shell string, grace time.Duration) *Manager {
	if shell == "" {
		shell = "/bin/bash"
	}
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Manager{
		sessions: make(map[Key]*Session),
		grace:    grace,
		argv: func(device string) []string {
			return []string{"ip", "netns", "exec", device, shell, "-i"}
		},
	}
}

// Open creates a session, or reattaches to a live one with the same key.
// The returned channel delivers pty output in strict order; it is closed
// when the session dies or the subscriber falls too far behind.
func (m *Manager) Open(device, channelID string, rows, cols uint16) (*Session, <-chan []byte, error) {
	if rows == 0 || cols == 0 {
		return nil, nil, fmt.Errorf("ptys: open: window %dx%d: %w", rows, cols, util.ErrInvalidArgument)
	}

	key := Key{Device: device, ChannelID: channelID}

	m.mu.Lock()
	if s, ok := m.sessions[key]; ok {
		m.mu.Unlock()
		out, err := s.attach()
		if err != nil {
			return nil, nil, err
		}
		return s, out, nil
	}

	s := &Session{
		Key:      key,
		state:    StateSpawning,
		closedCh: make(chan struct{}),
	}
	m.sessions[key] = s
	m.mu.Unlock()

	argv := m.argv(device)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(),
		"TERM=xterm-256color",
		"PS1=["+device+"] \\u:\\w\\$ ",
	)

	master, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		m.remove(key)
		close(s.closedCh)
		// a missing binary is an environment problem; only fd/pty
		// exhaustion counts as a capacity failure
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("ptys: open %s: %w", key, util.NewKernelError("pty start", argv[0], err))
		}
		return nil, nil, fmt.Errorf("ptys: open %s: %w", key, util.ErrResourceExhausted)
	}

	out := make(chan []byte, subscriberSlots)
	s.mu.Lock()
	s.master = master
	s.cmd = cmd
	s.subscriber = out
	s.state = StateRunning
	s.mu.Unlock()

	go m.pump(s)

	util.WithDevice(device).Infof("pty session %s opened (pid %d)", key, cmd.Process.Pid)
	return s, out, nil
}

// attach rebinds a subscriber to a surviving session, cancelling any
// pending grace-period close. A subscriber that is still attached gets its
// channel closed: the newest client owns the session.
func (s *Session) attach() (<-chan []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRunning {
		return nil, fmt.Errorf("ptys: attach %s: session %s: %w", s.Key, s.state, util.ErrNotFound)
	}
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	if s.subscriber != nil {
		close(s.subscriber)
	}
	out := make(chan []byte, subscriberSlots)
	s.subscriber = out
	return out, nil
}

// pump reads the master in 4KiB chunks and forwards them to the current
// subscriber. Chunks are never split or reordered. A subscriber that falls
// behind the buffer has its channel closed rather than losing bytes
// silently; output read while no subscriber is attached is discarded.
func (m *Manager) pump(s *Session) {
	buf := make([]byte, readSize)
	for {
		n, err := s.master.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			s.mu.Lock()
			sub := s.subscriber
			if sub != nil {
				select {
				case sub <- chunk:
				default:
					// subscriber too slow: close rather than drop mid-stream
					close(sub)
					s.subscriber = nil
				}
			}
			s.mu.Unlock()
		}
		if err != nil {
			// EIO is the normal pty read result after the child exits
			m.Close(s.Key)
			return
		}
	}
}

// Write delivers input bytes to the shell. Blocks at the OS layer if the
// pty input queue is full; input is never dropped.
func (m *Manager) Write(key Key, data []byte) error {
	s, ok := m.get(key)
	if !ok {
		return fmt.Errorf("ptys: write: session %s: %w", key, util.ErrNotFound)
	}
	s.mu.Lock()
	master := s.master
	state := s.state
	s.mu.Unlock()
	if state != StateRunning {
		return fmt.Errorf("ptys: write: session %s is %s: %w", key, state, util.ErrNotFound)
	}
	if _, err := master.Write(data); err != nil {
		return fmt.Errorf("ptys: write %s: %w", key, util.NewKernelError("pty write", "", err))
	}
	return nil
}

// Resize updates the kernel tty size; the shell receives SIGWINCH.
func (m *Manager) Resize(key Key, rows, cols uint16) error {
	if rows == 0 || cols == 0 {
		return fmt.Errorf("ptys: resize: window %dx%d: %w", rows, cols, util.ErrInvalidArgument)
	}
	s, ok := m.get(key)
	if !ok {
		return fmt.Errorf("ptys: resize: session %s: %w", key, util.ErrNotFound)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return fmt.Errorf("ptys: resize: session %s is %s: %w", key, s.state, util.ErrNotFound)
	}
	if err := pty.Setsize(s.master, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return fmt.Errorf("ptys: resize %s: %w", key, util.NewKernelError("tty resize", "", err))
	}
	return nil
}

// Detach schedules a close after the grace period unless a client
// reattaches first. The shell keeps running in between. The caller passes
// the output channel it received from Open; it is the ownership token, so
// a detach from a connection that has already been displaced by a
// reattaching client is a no-op.
func (m *Manager) Detach(key Key, sub <-chan []byte) {
	s, ok := m.get(key)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscriber != nil {
		if (<-chan []byte)(s.subscriber) != sub {
			// a newer client owns the session now
			return
		}
		close(s.subscriber)
		s.subscriber = nil
	}
	if s.state == StateRunning && s.graceTimer == nil {
		s.graceTimer = time.AfterFunc(m.grace, func() { m.Close(key) })
		util.Debugf("pty session %s detached, closing in %s", key, m.grace)
	}
}

// Close terminates a session: SIGHUP, short wait, SIGKILL if still alive,
// reap, close the master, drop the table entry. Idempotent.
func (m *Manager) Close(key Key) error {
	s, ok := m.get(key)
	if !ok {
		return nil
	}

	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosing
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	master := s.master
	cmd := s.cmd
	sub := s.subscriber
	s.subscriber = nil
	s.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		cmd.Process.Signal(syscall.SIGHUP)

		done := make(chan struct{})
		go func() {
			cmd.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(closeWait):
			cmd.Process.Kill()
			<-done
		}
	}
	if master != nil {
		master.Close()
	}
	if sub != nil {
		close(sub)
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	close(s.closedCh)
	m.remove(key)

	util.Infof("pty session %s closed", key)
	return nil
}

// CloseDevice closes every session of a device.
func (m *Manager) CloseDevice(device string) {
	for _, key := range m.keys() {
		if key.Device == device {
			m.Close(key)
		}
	}
}

// CloseAll closes every session. Used on shutdown.
func (m *Manager) CloseAll() {
	for _, key := range m.keys() {
		m.Close(key)
	}
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) get(key Key) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	return s, ok
}

func (m *Manager) remove(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, key)
}

func (m *Manager) keys() []Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]Key, 0, len(m.sessions))
	for k := range m.sessions {
		keys = append(keys, k)
	}
	return keys
}
