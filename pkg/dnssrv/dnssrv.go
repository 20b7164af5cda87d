// Package dnssrv is the authoritative resolver that dns_server devices
// run. It answers A queries for device names from a records file the
// orchestrator keeps current, and NXDOMAIN for everything else.
package dnssrv

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/emunet-network/emunet/pkg/util"
)

// TTL for every answer. Records change only on topology mutation, and
// clients inside an emulated net should see changes within a minute.
const TTL = 60

// domain is the search suffix; `h1` and `h1.lan` resolve alike.
const domain = "lan"

// Records maps device names to addresses, reloaded from the file whenever
// its mtime moves. The orchestrator rewrites the file atomically enough for
// our purposes (full WriteFile per change).
type Records struct {
	path string

	mu      sync.Mutex
	entries map[string]string
	mtime   time.Time
}

// NewRecords wraps a records file. The file may not exist yet.
func NewRecords(path string) *Records {
	return &Records{path: path, entries: make(map[string]string)}
}

// Lookup resolves a device name to its address, reloading the file first
// if it changed.
func (r *Records) Lookup(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reloadLocked()
	addr, ok := r.entries[name]
	return addr, ok
}

func (r *Records) reloadLocked() {
	st, err := os.Stat(r.path)
	if err != nil || st.ModTime().Equal(r.mtime) {
		return
	}
	data, err := os.ReadFile(r.path)
	if err != nil {
		return
	}
	entries := make(map[string]string)
	if err := json.Unmarshal(data, &entries); err != nil {
		util.Warnf("dnssrv: records %s: %v", r.path, err)
		return
	}
	r.entries = entries
	r.mtime = st.ModTime()
}

// Server answers device-name queries over UDP.
type Server struct {
	records *Records
	srv     *dns.Server
}

// New builds a server bound to addr (usually ":53" inside the namespace).
func New(addr string, records *Records) *Server {
	s := &Server{records: records}
	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handle)
	s.srv = &dns.Server{Addr: addr, Net: "udp", Handler: mux}
	return s
}

// ListenAndServe blocks serving queries until Shutdown.
func (s *Server) ListenAndServe() error {
	util.Infof("dns server listening on %s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil {
		return fmt.Errorf("dnssrv: %w", err)
	}
	return nil
}

// Shutdown stops the server.
func (s *Server) Shutdown() error {
	return s.srv.Shutdown()
}

// handle answers one query. Only A queries for known device names get an
// answer; everything else is authoritative NXDOMAIN.
func (s *Server) handle(w dns.ResponseWriter, req *dns.Msg) {
	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Authoritative = true

	for _, q := range req.Question {
		if q.Qtype != dns.TypeA && q.Qtype != dns.TypeANY {
			continue
		}
		name := canonicalName(q.Name)
		addr, ok := s.records.Lookup(name)
		if !ok {
			continue
		}
		ip := net.ParseIP(addr)
		if ip == nil {
			continue
		}
		resp.Answer = append(resp.Answer, &dns.A{
			Hdr: dns.RR_Header{
				Name:   q.Name,
				Rrtype: dns.TypeA,
				Class:  dns.ClassINET,
				Ttl:    TTL,
			},
			A: ip.To4(),
		})
	}

	if len(resp.Answer) == 0 {
		resp.Rcode = dns.RcodeNameError
	}
	if err := w.WriteMsg(resp); err != nil {
		util.Warnf("dnssrv: write response: %v", err)
	}
}

// canonicalName strips the trailing dot and the optional search suffix so
// `h1.` and `h1.lan.` both resolve the device h1.
func canonicalName(qname string) string {
	name := strings.ToLower(strings.TrimSuffix(qname, "."))
	return strings.TrimSuffix(name, "."+domain)
}
