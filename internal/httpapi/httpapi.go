package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hawky358/ha-creality-ws/internal/core/printer"
	"github.com/hawky358/ha-creality-ws/internal/core/telemetry"
)

// Server is the HTTP API server.
type Server struct {
	client  *printer.Client
	ctrl    *printer.Controller
	store   *telemetry.Store
	corsAll bool
	log     *slog.Logger
	mux     *http.ServeMux
}

// NewServer creates a new HTTP API server.
func NewServer(
	client *printer.Client,
	ctrl *printer.Controller,
	store *telemetry.Store,
	corsAll bool,
	log *slog.Logger,
) *Server {
	s := &Server{
		client:  client,
		ctrl:    ctrl,
		store:   store,
		corsAll: corsAll,
		log:     log,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	if !s.corsAll {
		return s.mux
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.mux.ServeHTTP(w, r)
	})
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/status", s.handleGetStatus)
	s.mux.HandleFunc("GET /api/state", s.handleGetState)
	s.mux.HandleFunc("GET /api/position", s.handleGetPosition)
	s.mux.HandleFunc("GET /api/objects", s.handleGetObjects)

	s.mux.HandleFunc("POST /api/control/pause", s.handlePause)
	s.mux.HandleFunc("POST /api/control/resume", s.handleResume)
	s.mux.HandleFunc("POST /api/control/stop", s.handleStop)
	s.mux.HandleFunc("POST /api/control/light", s.handleLight)
	s.mux.HandleFunc("POST /api/control/autohome", s.handleAutoHome)
	s.mux.HandleFunc("POST /api/control/gcode", s.handleGcode)
	s.mux.HandleFunc("POST /api/control/nozzle", s.handleNozzleTemp)
	s.mux.HandleFunc("POST /api/control/bed", s.handleBedTemp)
	s.mux.HandleFunc("POST /api/control/tuning", s.handleTuning)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// writeAccepted reports a command handed to the best-effort dispatcher.
// Delivery is not confirmed here; callers watch the state for effect.
func (s *Server) writeAccepted(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

// --- Handlers ---

type statusResponse struct {
	Connected bool   `json:"connected"`
	Available bool   `json:"available"`
	Paused    bool   `json:"paused"`
	LastRx    string `json:"last_rx"`
	Model     string `json:"model,omitempty"`
}

func (s *Server) handleGetStatus(w http.ResponseWriter, _ *http.Request) {
	model, _ := s.store.Get("model")
	modelStr, _ := model.(string)
	s.writeJSON(w, statusResponse{
		Connected: s.client.Connected(),
		Available: s.store.Available(),
		Paused:    s.store.PausedFlag(),
		LastRx:    s.client.LastRx().Format("2006-01-02T15:04:05.000Z07:00"),
		Model:     modelStr,
	})
}

func (s *Server) handleGetState(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.store.Snapshot())
}

func (s *Server) handleGetPosition(w http.ResponseWriter, _ *http.Request) {
	x, y, z, ok := s.store.Position()
	if !ok {
		s.writeError(w, http.StatusNotFound, "position not reported")
		return
	}
	s.writeJSON(w, map[string]float64{"x": x, "y": y, "z": z})
}

func (s *Server) handleGetObjects(w http.ResponseWriter, _ *http.Request) {
	objects, _ := s.store.Get("objects_list")
	excluded, _ := s.store.Get("excluded_objects_list")
	s.writeJSON(w, map[string]any{
		"objects":  objects,
		"excluded": excluded,
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Pause(r.Context())
	s.writeAccepted(w)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Resume(r.Context())
	s.writeAccepted(w)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.ctrl.StopPrint(r.Context())
	s.writeAccepted(w)
}

type lightBody struct {
	On bool `json:"on"`
}

func (s *Server) handleLight(w http.ResponseWriter, r *http.Request) {
	var body lightBody
	if err := s.readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	s.ctrl.SetLight(r.Context(), body.On)
	s.writeAccepted(w)
}

type autoHomeBody struct {
	Axes string `json:"axes"`
}

func (s *Server) handleAutoHome(w http.ResponseWriter, r *http.Request) {
	var body autoHomeBody
	if err := s.readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if body.Axes == "" {
		body.Axes = "X Y Z"
	}
	s.ctrl.AutoHome(r.Context(), body.Axes)
	s.writeAccepted(w)
}

type gcodeBody struct {
	Command string `json:"command"`
}

func (s *Server) handleGcode(w http.ResponseWriter, r *http.Request) {
	var body gcodeBody
	if err := s.readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if body.Command == "" {
		s.writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	s.ctrl.SendGcode(r.Context(), body.Command)
	s.writeAccepted(w)
}

type tempBody struct {
	Target float64 `json:"target"`
	Num    int     `json:"num"`
}

func (s *Server) handleNozzleTemp(w http.ResponseWriter, r *http.Request) {
	var body tempBody
	if err := s.readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if body.Target < 0 {
		s.writeError(w, http.StatusBadRequest, "target must be >= 0")
		return
	}
	s.ctrl.SetNozzleTemp(r.Context(), body.Target)
	s.writeAccepted(w)
}

func (s *Server) handleBedTemp(w http.ResponseWriter, r *http.Request) {
	var body tempBody
	if err := s.readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if body.Target < 0 {
		s.writeError(w, http.StatusBadRequest, "target must be >= 0")
		return
	}
	s.ctrl.SetBedTemp(r.Context(), body.Num, body.Target)
	s.writeAccepted(w)
}

type tuningBody struct {
	Percent int `json:"percent"`
}

func (s *Server) handleTuning(w http.ResponseWriter, r *http.Request) {
	var body tuningBody
	if err := s.readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if body.Percent < 1 || body.Percent > 1000 {
		s.writeError(w, http.StatusBadRequest, "percent must be 1-1000")
		return
	}
	s.ctrl.SetPrintTuningPct(r.Context(), body.Percent)
	s.writeAccepted(w)
}
