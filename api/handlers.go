// Package api exposes the broker's HTTP surface: the WebSocket endpoint and
// operational endpoints.
package api

import (
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"versus/server/broker"
)

// StatsSource reports broker state for /api/stats.
type StatsSource interface {
	Stats() broker.Stats
}

// APIServer wires HTTP routes to broker components.
type APIServer struct {
	stats   StatsSource
	ws      http.Handler
	metrics http.Handler
	log     *zap.Logger
}

func NewServer(stats StatsSource, ws, metrics http.Handler, log *zap.Logger) *APIServer {
	return &APIServer{stats: stats, ws: ws, metrics: metrics, log: log}
}

// Router returns a router with every endpoint registered.
func (s *APIServer) Router() http.Handler {
	r := mux.NewRouter()
	r.Handle("/ws", s.ws).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", s.handleStats).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/debug/metrics", s.metrics).Methods(http.MethodGet)
	}
	return r
}

func (s *APIServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *APIServer) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.stats.Stats())
}

func (s *APIServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("[API] failed to write response", zap.Error(err))
	}
}
