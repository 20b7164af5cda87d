package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

type terminalFrame struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Rows uint16 `json:"rows,omitempty"`
	Cols uint16 `json:"cols,omitempty"`
}

func newAttachCmd() *cobra.Command {
	var (
		serverAddr string
		channel    string
	)

	cmd := &cobra.Command{
		Use:   "attach <device>",
		Short: "Open an interactive terminal on a device",
		Long: `Attaches the local terminal to a shell running inside the device's
namespace. Detaching (connection loss or Ctrl-]) leaves the shell alive
for the server's grace period, so re-attaching with the same channel
resumes the session.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAttach(serverAddr, args[0], channel)
		},
	}

	cmd.Flags().StringVarP(&serverAddr, "server", "s", "localhost:8080", "control server address")
	cmd.Flags().StringVar(&channel, "channel", "default", "session channel id")
	return cmd
}

func runAttach(serverAddr, device, channel string) error {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return fmt.Errorf("attach: stdin is not a terminal")
	}
	cols, rows, err := term.GetSize(fd)
	if err != nil {
		cols, rows = 80, 24
	}

	u := url.URL{
		Scheme:   "ws",
		Host:     serverAddr,
		Path:     "/ws/terminal/" + device,
		RawQuery: fmt.Sprintf("channel=%s&rows=%d&cols=%d", url.QueryEscape(channel), rows, cols),
	}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("attach: connect %s: %w", u.Host, err)
	}
	defer conn.Close()

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("attach: raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	fmt.Printf("attached to %s (detach: Ctrl-])\r\n", device)

	// window changes propagate as resize frames
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	go func() {
		for range winch {
			if c, r, err := term.GetSize(fd); err == nil {
				frame, _ := json.Marshal(terminalFrame{Type: "resize", Rows: uint16(r), Cols: uint16(c)})
				conn.WriteMessage(websocket.TextMessage, frame)
			}
		}
	}()
	defer signal.Stop(winch)

	// stdin -> input frames; Ctrl-] (0x1d) detaches
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				return
			}
			for i := 0; i < n; i++ {
				if buf[i] == 0x1d {
					return
				}
			}
			frame, err := json.Marshal(terminalFrame{Type: "input", Data: string(buf[:n])})
			if err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
	}()

	// server -> stdout, raw bytes
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			os.Stdout.Write(data)
		}
	}()

	select {
	case <-done:
	case <-readErr:
	}
	return nil
}
