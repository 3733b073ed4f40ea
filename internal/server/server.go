// Package server exposes the coordination layer over HTTP: a JSON
// command API, per-session Server-Sent-Event streams, and an admin
// WebSocket feed.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sergeknystautas/kioskd/internal/config"
	"github.com/sergeknystautas/kioskd/internal/session"
	"github.com/sergeknystautas/kioskd/internal/task"
	"github.com/sergeknystautas/kioskd/internal/urlhistory"
)

const (
	readTimeout = 15 * time.Second
	// No write timeout: SSE and WebSocket responses are long-lived.
)

// Server is the kioskd HTTP server.
type Server struct {
	config   *config.Config
	sessions *session.Store
	tasks    *task.Queue
	history  *urlhistory.Store

	httpServer *http.Server

	// streams counts open heartbeat streams per session id, enforcing
	// sessions.max_streams_per_session.
	streamsMu sync.Mutex
	streams   map[string]int
}

// NewServer creates a server over the given stores.
func NewServer(cfg *config.Config, sessions *session.Store, tasks *task.Queue, history *urlhistory.Store) *Server {
	return &Server{
		config:   cfg,
		sessions: sessions,
		tasks:    tasks,
		history:  history,
		streams:  make(map[string]int),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// API routes
	mux.HandleFunc("/api/healthz", s.withCORS(s.handleHealthz))
	mux.HandleFunc("/api/session", s.withCORS(s.handleGetOrCreateSession))
	mux.HandleFunc("/api/heartbeat", s.withCORS(s.handleHeartbeat))
	mux.HandleFunc("/api/sessions", s.withCORS(s.handleSessionList))
	mux.HandleFunc("/api/sessions/", s.withCORS(s.handleSessionByID))
	mux.HandleFunc("/api/tasks", s.withCORS(s.handleTasks))
	mux.HandleFunc("/api/tasks/", s.withCORS(s.handleTaskByID))
	mux.HandleFunc("/api/history", s.withCORS(s.handleHistory))
	mux.HandleFunc("/api/sync", s.withCORS(s.handleSync))

	// Server-push streams
	mux.HandleFunc("/events/heartbeat", s.handleHeartbeatStream)
	mux.HandleFunc("/events/activity", s.handleActivityStream)

	// WebSocket for the admin dashboard
	mux.HandleFunc("/ws/sessions", s.handleSessionsWebSocket)

	return mux
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:        s.config.GetListenAddr(),
		Handler:     s.Handler(),
		ReadTimeout: readTimeout,
	}

	fmt.Printf("kioskd server listening on http://%s\n", s.httpServer.Addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop stops the HTTP server. A no-op when Start has not run yet, so a
// shutdown signal racing server startup is safe.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// withCORS wraps a handler with CORS headers for the admin dashboard.
func (s *Server) withCORS(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		h(w, r)
	}
}

// acquireStream reserves a heartbeat stream slot for a session,
// reporting false when the configured per-session limit is reached.
func (s *Server) acquireStream(sessionID string) bool {
	limit := s.config.GetMaxStreamsPerSession()
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	if limit > 0 && s.streams[sessionID] >= limit {
		return false
	}
	s.streams[sessionID]++
	return true
}

// releaseStream gives a slot back, returning how many streams remain
// open for the session.
func (s *Server) releaseStream(sessionID string) int {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	if s.streams[sessionID] <= 1 {
		delete(s.streams, sessionID)
		return 0
	}
	s.streams[sessionID]--
	return s.streams[sessionID]
}
