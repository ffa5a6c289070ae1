// Package api serves run status and live events over HTTP: JSON
// endpoints for snapshots and history, SSE and WebSocket for streaming.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/BrennonTWilliams/little-loops-sub001/internal/orchestrator"
	"github.com/BrennonTWilliams/little-loops-sub001/internal/runstore"
)

// StatusProvider exposes the orchestrator's live snapshot.
type StatusProvider interface {
	Status() *orchestrator.Status
}

// Server is the HTTP API server
type Server struct {
	status  StatusProvider
	history *runstore.Store // optional
	addr    string
	mux     *http.ServeMux
	sseHub  *SSEHub
	wsHub   *WSHub

	httpServer *http.Server
}

// NewServer creates a new API server
func NewServer(status StatusProvider, history *runstore.Store, addr string) *Server {
	s := &Server{
		status:  status,
		history: history,
		addr:    addr,
		mux:     http.NewServeMux(),
		sseHub:  NewSSEHub(),
		wsHub:   NewWSHub(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/status", s.statusHandler())
	s.mux.HandleFunc("/api/runs", s.listRunsHandler())
	s.mux.HandleFunc("/api/runs/", s.getRunHandler())
	s.mux.HandleFunc("/api/issues/", s.issueHistoryHandler())
	s.mux.HandleFunc("/api/events", s.sseHandler())
	s.mux.HandleFunc("/ws", s.wsHandler())
}

// Handler returns the server's routing handler (used in tests).
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.sseHub.Run(ctx)

	s.httpServer = &http.Server{Addr: s.addr, Handler: s.mux}
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// HandleEvent fans one orchestrator event out to every connected client.
// Wire it as the orchestrator's OnEvent callback.
func (s *Server) HandleEvent(ev orchestrator.Event) {
	s.sseHub.Broadcast(SSEEvent{Type: ev.Type, Data: ev})
	s.wsHub.Broadcast(ev)
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": fmt.Sprintf(format, args...)})
}
