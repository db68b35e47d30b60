package bridge

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// StatusServer exposes the bridge's health and counters over HTTP for
// fleet monitoring: /healthz for liveness, /statz for the counter
// snapshot, /events/recent for the recorder's tail.
type StatusServer struct {
	bridge *Bridge
}

// NewStatusServer creates the status surface for a bridge.
func NewStatusServer(b *Bridge) *StatusServer {
	return &StatusServer{bridge: b}
}

// Router builds the chi router serving the status endpoints.
func (s *StatusServer) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/statz", s.handleStatz)
	r.Get("/events/recent", s.handleRecent)

	return r
}

// healthzResponse is the /healthz body.
type healthzResponse struct {
	Status  string `json:"status"`
	Session string `json:"session"`
	UptimeS int64  `json:"uptime_seconds"`
}

func (s *StatusServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthzResponse{
		Status:  "ok",
		Session: s.bridge.Session(),
		UptimeS: int64(s.bridge.Uptime() / time.Second),
	})
}

func (s *StatusServer) handleStatz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.bridge.Stats())
}

func (s *StatusServer) handleRecent(w http.ResponseWriter, r *http.Request) {
	if s.bridge.recorder == nil {
		http.Error(w, `{"error":"recorder not configured"}`, http.StatusNotFound)
		return
	}
	n := 50
	if q := r.URL.Query().Get("n"); q != "" {
		parsed, err := strconv.Atoi(q)
		if err != nil || parsed <= 0 || parsed > 1000 {
			http.Error(w, `{"error":"n must be 1..1000"}`, http.StatusBadRequest)
			return
		}
		n = parsed
	}
	events, err := s.bridge.recorder.Recent(r.Context(), n)
	if err != nil {
		http.Error(w, `{"error":"query failed"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
