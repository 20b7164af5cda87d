package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/emunet-network/emunet/pkg/util"
)

func closeDeadline() time.Time { return time.Now().Add(time.Second) }

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// the control surface is single-tenant lab tooling; the browser UI is
	// served from anywhere
	CheckOrigin: func(*http.Request) bool { return true },
}

// terminalFrame is one client-to-server message on a terminal channel.
type terminalFrame struct {
	Type string `json:"type"` // input | resize
	Data string `json:"data,omitempty"`
	Rows uint16 `json:"rows,omitempty"`
	Cols uint16 `json:"cols,omitempty"`
}

func windowParam(r *http.Request, name string, fallback uint16) uint16 {
	v, err := strconv.ParseUint(r.URL.Query().Get(name), 10, 16)
	if err != nil || v == 0 {
		return fallback
	}
	return uint16(v)
}

// handleTerminal binds a websocket to a PTY session. Disconnect detaches
// the subscriber and leaves the shell alive for the grace period; a
// reconnect with the same channel id lands in the same session.
func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	device := mux.Vars(r)["device"]
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		channel = "default"
	}
	rows := windowParam(r, "rows", 24)
	cols := windowParam(r, "cols", 80)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	session, out, err := s.sessions.Open(device, channel, rows, cols)
	if err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, util.Kind(err)), closeDeadline())
		conn.Close()
		return
	}
	key := session.Key
	log := util.WithDevice(device).WithField("channel", channel)
	log.Info("terminal attached")

	// writer: pty output to binary frames, strict order
	go func() {
		for chunk := range out {
			if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				conn.Close()
				return
			}
		}
		// channel closed: session died or this subscriber fell behind
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"), closeDeadline())
		conn.Close()
	}()

	// reader: input and resize frames
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType == websocket.BinaryMessage {
			// raw input bytes are accepted as-is
			s.sessions.Write(key, data)
			continue
		}
		var frame terminalFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Debugf("bad terminal frame: %v", err)
			continue
		}
		switch frame.Type {
		case "input":
			if err := s.sessions.Write(key, []byte(frame.Data)); err != nil {
				log.Debugf("terminal write: %v", err)
			}
		case "resize":
			if err := s.sessions.Resize(key, frame.Rows, frame.Cols); err != nil {
				log.Debugf("terminal resize: %v", err)
			}
		}
	}

	s.sessions.Detach(key, out)
	conn.Close()
	log.Info("terminal detached")
}

// decodeTerminalFrame parses a client frame; split out for tests.
func decodeTerminalFrame(data []byte) (terminalFrame, error) {
	var f terminalFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return f, err
	}
	if f.Type != "input" && f.Type != "resize" {
		return f, util.ErrInvalidArgument
	}
	return f, nil
}
