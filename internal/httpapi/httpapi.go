// Package httpapi exposes a small status and inventory surface over HTTP.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/jlindqvist/protectd/internal/core/nvr"
)

// Server is the HTTP API server.
type Server struct {
	client  *nvr.Client
	corsAll bool
	log     *slog.Logger
	mux     *http.ServeMux
}

// NewServer creates a new HTTP API server.
func NewServer(client *nvr.Client, corsAll bool, log *slog.Logger) *Server {
	s := &Server{
		client:  client,
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
	s.mux.HandleFunc("GET /api/devices", s.handleGetDevices)
	s.mux.HandleFunc("POST /api/devices/{mac}/channels", s.handleSetChannels)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
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

// --- Handlers ---

type statusResponse struct {
	LoggedIn  bool   `json:"logged_in"`
	Connected bool   `json:"connected"`
	Admin     bool   `json:"admin"`
	NVRName   string `json:"nvr_name,omitempty"`
	Version   string `json:"nvr_version,omitempty"`
	Devices   int    `json:"devices"`
}

func (s *Server) handleGetStatus(w http.ResponseWriter, _ *http.Request) {
	snap := s.client.Store().Snapshot()
	s.writeJSON(w, statusResponse{
		LoggedIn:  s.client.Session().LoggedIn(),
		Connected: s.client.Connected(),
		Admin:     s.client.Session().IsAdmin(),
		NVRName:   snap.NVR.Name,
		Version:   snap.NVR.Version,
		Devices:   len(snap.Devices),
	})
}

func (s *Server) handleGetDevices(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.client.Store().Snapshot())
}

type channelsBody struct {
	ChannelIDs []int `json:"channel_ids"`
}

func (s *Server) handleSetChannels(w http.ResponseWriter, r *http.Request) {
	mac := r.PathValue("mac")

	var body channelsBody
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	dev, ok := s.client.EnableRTSPChannels(r.Context(), mac, body.ChannelIDs)
	if !ok {
		s.writeError(w, http.StatusBadGateway, "channel update failed")
		return
	}
	s.writeJSON(w, dev)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !s.client.Refresh(r.Context()) {
		s.writeError(w, http.StatusBadGateway, "refresh failed")
		return
	}
	s.writeJSON(w, map[string]string{"status": "ok"})
}
