package server

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/emunet-network/emunet/pkg/link"
	"github.com/emunet-network/emunet/pkg/topo"
	"github.com/emunet-network/emunet/pkg/util"
)

type addDeviceRequest struct {
	Name string  `json:"name"`
	Kind string  `json:"kind"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

func (s *Server) handleAddDevice(w http.ResponseWriter, r *http.Request) {
	var req addDeviceRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, fmt.Errorf("server: add device: %w", err))
		return
	}
	d, err := s.topo.AddDevice(req.Name, req.Kind, req.X, req.Y)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"devices": s.topo.Devices()})
}

func (s *Server) handleInspectDevice(w http.ResponseWriter, r *http.Request) {
	view, err := s.topo.Inspect(mux.Vars(r)["name"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRemoveDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.topo.RemoveDevice(mux.Vars(r)["name"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleRenameDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, fmt.Errorf("server: rename device: %w", err))
		return
	}
	if err := s.topo.RenameDevice(mux.Vars(r)["name"], req.Name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": req.Name})
}

func (s *Server) handleSetGateway(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Gateway string `json:"gateway"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, fmt.Errorf("server: set gateway: %w", err))
		return
	}
	if err := s.topo.SetGateway(mux.Vars(r)["name"], req.Gateway); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"gateway": req.Gateway})
}

type failureRequest struct {
	Kind  string  `json:"kind"`
	Iface string  `json:"iface"`
	Pct   float64 `json:"pct"`
	MS    float64 `json:"ms"`
	Mbps  float64 `json:"mbps"`
}

func (s *Server) handleInjectFailure(w http.ResponseWriter, r *http.Request) {
	var req failureRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, fmt.Errorf("server: inject failure: %w", err))
		return
	}
	f := topo.Failure{
		Kind:  topo.FailureKind(req.Kind),
		Iface: req.Iface,
		Pct:   req.Pct,
		MS:    req.MS,
		Mbps:  req.Mbps,
	}
	if err := s.topo.InjectFailure(mux.Vars(r)["name"], f); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

func (s *Server) handleListFailures(w http.ResponseWriter, r *http.Request) {
	failures, err := s.topo.ListFailures(mux.Vars(r)["name"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]topo.Failure{"failures": failures})
}

func (s *Server) handleClearFailure(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	kind := topo.FailureKind(vars["kind"])
	iface := r.URL.Query().Get("iface")
	if err := s.topo.ClearFailure(vars["name"], kind, iface); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

type execRequest struct {
	Argv []string `json:"argv"`
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, fmt.Errorf("server: exec: %w", err))
		return
	}
	if len(req.Argv) == 0 {
		writeError(w, fmt.Errorf("server: exec: empty argv: %w", util.ErrInvalidArgument))
		return
	}
	res, err := s.topo.Exec(r.Context(), mux.Vars(r)["name"], req.Argv)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type addLinkRequest struct {
	A             string  `json:"a"`
	B             string  `json:"b"`
	LatencyMS     float64 `json:"latency_ms"`
	LossPct       float64 `json:"loss_pct"`
	BandwidthMbps float64 `json:"bandwidth_mbps"`
}

func (r addLinkRequest) shaping() link.Shaping {
	return link.Shaping{
		LatencyMS:     r.LatencyMS,
		LossPct:       r.LossPct,
		BandwidthMbps: r.BandwidthMbps,
	}
}

func (s *Server) handleAddLink(w http.ResponseWriter, r *http.Request) {
	var req addLinkRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, fmt.Errorf("server: add link: %w", err))
		return
	}
	l, err := s.topo.AddLink(req.A, req.B, req.shaping())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

func (s *Server) handleListLinks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]topo.Link{"links": s.topo.Links()})
}

func (s *Server) handleRemoveLink(w http.ResponseWriter, r *http.Request) {
	if err := s.topo.RemoveLink(mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleUpdateShaping(w http.ResponseWriter, r *http.Request) {
	var req addLinkRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, fmt.Errorf("server: update shaping: %w", err))
		return
	}
	if err := s.topo.UpdateLinkShaping(mux.Vars(r)["id"], req.shaping()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req.shaping())
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.topo.TakeSnapshot())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.topo.TakeSnapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"devices":     len(snap.Devices),
		"links":       len(snap.Links),
		"subscribers": s.fanout.Len(),
	})
}

func (s *Server) handleAutoRoute(w http.ResponseWriter, r *http.Request) {
	if err := s.topo.AutoRoute(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
