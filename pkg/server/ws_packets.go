package server

import (
	"net/http"

	"github.com/emunet-network/emunet/pkg/observe"
	"github.com/emunet-network/emunet/pkg/util"
)

// packetFrame is one server-to-client message on the packet stream: the
// event plus a per-connection sequence number and the count of events this
// subscriber lost to backpressure since the previous frame.
type packetFrame struct {
	Seq     uint64 `json:"seq"`
	Dropped uint64 `json:"dropped,omitempty"`
	observe.Event
}

// handlePackets streams the global packet fan-out to one client.
// Disconnect drops the subscriber immediately; there is no grace period.
func (s *Server) handlePackets(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sub := s.fanout.Subscribe()
	defer s.fanout.Unsubscribe(sub)
	util.Infof("packet subscriber attached")

	// reader: clients send nothing meaningful, but reads surface the
	// disconnect
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var seq uint64
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				conn.Close()
				<-done
				return
			}
			seq++
			frame := packetFrame{Seq: seq, Dropped: sub.TakeDropped(), Event: ev}
			if err := conn.WriteJSON(frame); err != nil {
				conn.Close()
				<-done
				util.Infof("packet subscriber detached")
				return
			}
		case <-done:
			conn.Close()
			util.Infof("packet subscriber detached")
			return
		}
	}
}
