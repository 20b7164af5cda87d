// Package server exposes the control surface: JSON-over-HTTP for topology
// and failure operations, one websocket channel per terminal, and one
// shared websocket stream of packet events.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/emunet-network/emunet/pkg/link"
	"github.com/emunet-network/emunet/pkg/netns"
	"github.com/emunet-network/emunet/pkg/observe"
	"github.com/emunet-network/emunet/pkg/ptys"
	"github.com/emunet-network/emunet/pkg/topo"
	"github.com/emunet-network/emunet/pkg/util"
)

// Topology is the orchestrator surface the handlers drive.
type Topology interface {
	AddDevice(name, kind string, x, y float64) (*topo.Device, error)
	RemoveDevice(name string) error
	RenameDevice(oldName, newName string) error
	Inspect(name string) (*topo.DeviceView, error)
	TakeSnapshot() *topo.Snapshot
	Devices() []string
	Links() []topo.Link
	AddLink(a, b string, s link.Shaping) (*topo.Link, error)
	RemoveLink(id string) error
	UpdateLinkShaping(id string, s link.Shaping) error
	SetGateway(device, gw string) error
	InjectFailure(device string, f topo.Failure) error
	ClearFailure(device string, kind topo.FailureKind, iface string) error
	ListFailures(device string) ([]topo.Failure, error)
	Exec(ctx context.Context, device string, argv []string) (*netns.ExecResult, error)
	AutoRoute() error
}

// Sessions is the PTY surface the terminal channel drives.
type Sessions interface {
	Open(device, channelID string, rows, cols uint16) (*ptys.Session, <-chan []byte, error)
	Write(key ptys.Key, data []byte) error
	Resize(key ptys.Key, rows, cols uint16) error
	Detach(key ptys.Key, sub <-chan []byte)
}

// Server routes control requests and streams.
type Server struct {
	cfg      Config
	topo     Topology
	sessions Sessions
	fanout   *observe.Fanout

	router *mux.Router
	http   *http.Server
}

// New assembles the router.
func New(cfg Config, t Topology, sessions Sessions, fanout *observe.Fanout) *Server {
	s := &Server{
		cfg:      cfg,
		topo:     t,
		sessions: sessions,
		fanout:   fanout,
		router:   mux.NewRouter(),
	}
	s.routes()
	s.http = &http.Server{
		Addr:    cfg.Listen,
		Handler: s.router,
	}
	return s
}

func (s *Server) routes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(s.deadline)

	api.HandleFunc("/devices", s.handleAddDevice).Methods(http.MethodPost)
	api.HandleFunc("/devices", s.handleListDevices).Methods(http.MethodGet)
	api.HandleFunc("/devices/{name}", s.handleInspectDevice).Methods(http.MethodGet)
	api.HandleFunc("/devices/{name}", s.handleRemoveDevice).Methods(http.MethodDelete)
	api.HandleFunc("/devices/{name}/rename", s.handleRenameDevice).Methods(http.MethodPost)
	api.HandleFunc("/devices/{name}/gateway", s.handleSetGateway).Methods(http.MethodPut)
	api.HandleFunc("/devices/{name}/failures", s.handleInjectFailure).Methods(http.MethodPost)
	api.HandleFunc("/devices/{name}/failures", s.handleListFailures).Methods(http.MethodGet)
	api.HandleFunc("/devices/{name}/failures/{kind}", s.handleClearFailure).Methods(http.MethodDelete)
	api.HandleFunc("/devices/{name}/exec", s.handleExec).Methods(http.MethodPost)

	api.HandleFunc("/links", s.handleAddLink).Methods(http.MethodPost)
	api.HandleFunc("/links", s.handleListLinks).Methods(http.MethodGet)
	api.HandleFunc("/links/{id}", s.handleRemoveLink).Methods(http.MethodDelete)
	api.HandleFunc("/links/{id}/shaping", s.handleUpdateShaping).Methods(http.MethodPut)

	api.HandleFunc("/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/autoroute", s.handleAutoRoute).Methods(http.MethodPost)

	s.router.HandleFunc("/ws/terminal/{device}", s.handleTerminal)
	s.router.HandleFunc("/ws/packets", s.handlePackets)
}

// deadline bounds every control operation; streams are exempt.
func (s *Server) deadline(next http.Handler) http.Handler {
	window := s.cfg.RequestWindow
	if window <= 0 {
		window = 10 * time.Second
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), window)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	util.Infof("control server listening on %s", s.cfg.Listen)
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }
