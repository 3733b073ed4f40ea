package server

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sergeknystautas/kioskd/internal/session"
	"github.com/sergeknystautas/kioskd/internal/task"
	"github.com/sergeknystautas/kioskd/internal/urlhistory"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// parseSessionID validates a session id, writing a 400 on failure.
func parseSessionID(w http.ResponseWriter, raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if _, err := uuid.Parse(raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid session ID")
		return "", false
	}
	return raw, true
}

// handleHealthz returns a simple health check response.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleGetOrCreateSession returns the session for the given id,
// creating it with defaults when unknown. A missing id generates a
// fresh one.
func (s *Server) handleGetOrCreateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		SessionID string `json:"session_id"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	} else {
		id, ok := parseSessionID(w, sessionID)
		if !ok {
			return
		}
		sessionID = id
	}

	if !s.sessions.Has(sessionID) {
		s.sessions.Create(sessionID)
	} else {
		s.sessions.MarkActive(sessionID)
	}

	data, ok := s.sessions.Get(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"session":    data,
	})
}

// handleHeartbeat marks the session active and returns its record plus
// the due task list.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sessionID, ok := parseSessionID(w, req.SessionID)
	if !ok {
		return
	}
	if !s.sessions.Has(sessionID) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	s.sessions.MarkActive(sessionID)
	data, _ := s.sessions.Get(sessionID)
	writeJSON(w, http.StatusOK, map[string]any{
		"session": data,
		"tasks":   s.tasks.SessionTasks(sessionID, false, false),
	})
}

// handleSessionList returns every session, active first.
func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.AllSorted()})
}

// handleSessionByID routes /api/sessions/{id} and its subpaths:
// DELETE {id}, POST {id}/active, POST {id}/inactive, POST {id}/config,
// GET {id}/activity.
func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	idPart, action, _ := strings.Cut(rest, "/")
	sessionID, ok := parseSessionID(w, idPart)
	if !ok {
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodDelete {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleSessionDelete(w, sessionID)
	case "active":
		s.handleMarkActivity(w, r, sessionID, true)
	case "inactive":
		s.handleMarkActivity(w, r, sessionID, false)
	case "config":
		s.handleSessionConfig(w, r, sessionID)
	case "activity":
		s.handleSessionActivity(w, r, sessionID)
	default:
		http.NotFound(w, r)
	}
}

// handleSessionDelete removes a session. Deleting an active session is
// forbidden; mark it inactive first.
func (s *Server) handleSessionDelete(w http.ResponseWriter, sessionID string) {
	data, ok := s.sessions.Get(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if data.IsActive {
		writeError(w, http.StatusForbidden, "cannot delete an active session")
		return
	}
	s.sessions.Delete(sessionID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMarkActivity flips the activity flag. The inactive variant is
// also used fire-and-forget during page unload, so the response body is
// purely informational.
func (s *Server) handleMarkActivity(w http.ResponseWriter, r *http.Request, sessionID string, active bool) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var ok bool
	if active {
		ok = s.sessions.MarkActive(sessionID)
	} else {
		ok = s.sessions.MarkInactive(sessionID)
	}
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSessionConfig merges a config payload over the session record.
func (s *Server) handleSessionConfig(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var cfg session.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if cfg.IframeURL != "" {
		if parsed, err := url.ParseRequestURI(cfg.IframeURL); err != nil || parsed.Host == "" {
			writeError(w, http.StatusBadRequest, "invalid iframe_url")
			return
		}
	}
	if !s.sessions.Has(sessionID) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	s.sessions.SetConfig(sessionID, cfg)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSessionActivity reports the activity state of a session.
func (s *Server) handleSessionActivity(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	data, ok := s.sessions.Get(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"is_active":      data.IsActive,
		"last_active_at": data.LastActiveAt,
	})
}

// handleTasks creates tasks (POST) or lists a session's due tasks (GET).
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleTaskCreate(w, r)
	case http.MethodGet:
		sessionID, ok := parseSessionID(w, r.URL.Query().Get("sessionId"))
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"tasks": s.tasks.SessionTasks(sessionID, false, false),
		})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleTaskCreate schedules a task for one session, or one copy per
// queue-known session when the target is "all".
func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID   string    `json:"session_id"`
		Task        task.Kind `json:"task"`
		ScheduledAt int64     `json:"scheduled_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !req.Task.Valid() {
		writeError(w, http.StatusBadRequest, "invalid task kind")
		return
	}
	if req.SessionID != task.TargetAll {
		sessionID, ok := parseSessionID(w, req.SessionID)
		if !ok {
			return
		}
		if !s.sessions.Has(sessionID) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		req.SessionID = sessionID
	}

	created := s.tasks.Create(req.SessionID, req.Task, req.ScheduledAt)
	writeJSON(w, http.StatusOK, map[string]any{"tasks": created})
}

// handleTaskByID routes POST /api/tasks/{id}/complete.
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	taskID, action, _ := strings.Cut(rest, "/")
	if action != "complete" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if taskID == "" || !s.tasks.MarkCompleted(taskID) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleHistory lists (GET) or appends (POST) URL history entries.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"urls": s.history.AllSorted()})
	case http.MethodPost:
		var req struct {
			URLs []urlhistory.Entry `json:"urls"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		for _, entry := range req.URLs {
			s.history.Add(entry.URL, entry.Timestamp)
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleSync triggers an on-demand reconciliation of the session store
// against the durable mirror.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.sessions.PullSync(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.sessions.Len(),
		"at":       time.Now().UnixMilli(),
	})
}
