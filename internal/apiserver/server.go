// Package apiserver implements the read-only status surface (§12): health,
// Prometheus metrics, the last sealed cycle summary, and a websocket stream
// of live cycle events. It holds no write endpoints — nothing here can
// trigger a sync; that remains the sole province of the Reconciliation
// Engine's own ticker.
package apiserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/hedgehog/gitops-sync/internal/engine"
	"github.com/hedgehog/gitops-sync/internal/report"
	"github.com/hedgehog/gitops-sync/internal/telemetry"
)

// Server exposes the status surface over HTTP. It implements
// engine.Publisher so the engine can hand it results/summaries without
// either package depending on the other's internals.
type Server struct {
	router  *mux.Router
	metrics *telemetry.Metrics
	log     report.Logger

	summaryMu sync.RWMutex
	summary   *report.CycleSummary

	ws *hub
}

var _ engine.Publisher = (*Server)(nil)

// New builds a Server with routes registered.
func New(metrics *telemetry.Metrics, log report.Logger) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		metrics: metrics,
		log:     log,
		ws:      newHub(),
	}
	go s.ws.run()

	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/cycles/latest", s.handleLatestCycle).Methods(http.MethodGet)
	s.router.HandleFunc("/ws/cycles", s.ws.handleUpgrade).Methods(http.MethodGet)

	return s
}

// Handler returns the root http.Handler for the server.
func (s *Server) Handler() http.Handler { return s.router }

// PublishResult implements engine.Publisher: one application's sealed
// result is broadcast to every connected websocket subscriber.
func (s *Server) PublishResult(cycleID string, r *report.SyncResult) {
	s.ws.broadcast(event{
		Type:      "sync_result",
		CycleID:   cycleID,
		Timestamp: time.Now(),
		Payload:   r,
	})
}

// PublishSummary implements engine.Publisher: the latest sealed cycle
// summary replaces the one served at /api/v1/cycles/latest, and is also
// broadcast to websocket subscribers.
func (s *Server) PublishSummary(cycleID string, c *report.CycleSummary) {
	s.summaryMu.Lock()
	s.summary = c
	s.summaryMu.Unlock()

	s.ws.broadcast(event{
		Type:      "cycle_summary",
		CycleID:   cycleID,
		Timestamp: time.Now(),
		Payload:   c,
	})
}

// Shutdown stops the websocket hub and drops all connected clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ws.stop()
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleLatestCycle(w http.ResponseWriter, r *http.Request) {
	s.summaryMu.RLock()
	summary := s.summary
	s.summaryMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if summary == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := json.NewEncoder(w).Encode(summary); err != nil {
		s.log.Error("failed to encode latest cycle response", "error", err)
	}
}
