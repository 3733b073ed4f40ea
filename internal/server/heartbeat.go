package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"

	"github.com/sergeknystautas/kioskd/internal/session"
	"github.com/sergeknystautas/kioskd/internal/task"
)

// heartbeatFrame is a single push on the heartbeat stream. Tasks is
// present on every frame that refreshes the due set, empty set included;
// URL-change frames leave it nil so the field is absent on the wire.
type heartbeatFrame struct {
	Type      string       `json:"type"`
	Session   session.Data `json:"session"`
	Tasks     *[]task.Task `json:"tasks,omitempty"`
	Timestamp int64        `json:"timestamp"`
}

// taskList wraps a due set for a frame, normalizing nil to an empty
// slice so it serializes as [] rather than null.
func taskList(due []task.Task) *[]task.Task {
	if due == nil {
		due = []task.Task{}
	}
	return &due
}

// activityFrame is a single push on the activity stream.
type activityFrame struct {
	Type         string `json:"type"`
	IsActive     bool   `json:"is_active"`
	LastActiveAt int64  `json:"last_active_at"`
	Timestamp    int64  `json:"timestamp"`
}

func sendFrame(sess *sse.Session, frame any) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	msg := &sse.Message{}
	msg.AppendData(string(payload))
	if err := sess.Send(msg); err != nil {
		return err
	}
	return sess.Flush()
}

// handleHeartbeatStream serves GET /events/heartbeat?sessionId=...:
// the long-lived per-kiosk push channel. Opening the stream marks the
// session active; closing it marks the session inactive. Each frame
// carries the session record, and tick/task frames additionally carry
// the due incomplete tasks.
func (s *Server) handleHeartbeatStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if _, err := uuid.Parse(sessionID); err != nil {
		http.Error(w, "invalid session ID", http.StatusBadRequest)
		return
	}
	if !s.sessions.Has(sessionID) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if !s.acquireStream(sessionID) {
		http.Error(w, "too many streams for session", http.StatusTooManyRequests)
		return
	}

	s.sessions.MarkActive(sessionID)

	stream, err := sse.Upgrade(w, r)
	if err != nil {
		s.releaseStream(sessionID)
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// Coalescing channels: a slow consumer drops intermediate updates
	// rather than blocking store dispatch. The next tick resends the
	// full session state anyway.
	sessCh := make(chan session.Data, 8)
	unsubURL := s.sessions.SubscribeURL(sessionID, func(d session.Data) {
		select {
		case sessCh <- d:
		default:
		}
	})
	taskCh := make(chan []task.Task, 8)
	unsubTasks := s.tasks.Subscribe(sessionID, func(due []task.Task) {
		select {
		case taskCh <- due:
		default:
		}
	})

	ticker := time.NewTicker(s.config.GetHeartbeatInterval())

	// Cleanup runs exactly once, whether the client disconnected or a
	// send failed mid-loop. Only the last stream for the session marks
	// it inactive; earlier disconnects leave the remaining streams to
	// keep it alive.
	defer func() {
		ticker.Stop()
		unsubURL()
		unsubTasks()
		if s.releaseStream(sessionID) == 0 {
			s.sessions.MarkInactive(sessionID)
		}
		fmt.Printf("[server] heartbeat stream closed for session %s\n", sessionID)
	}()

	fmt.Printf("[server] heartbeat stream opened for session %s\n", sessionID)

	data, _ := s.sessions.Get(sessionID)
	if err := sendFrame(stream, heartbeatFrame{
		Type:      "initial",
		Session:   data,
		Tasks:     taskList(s.tasks.SessionTasks(sessionID, false, false)),
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return

		case <-ticker.C:
			// The tick doubles as liveness proof; a kiosk that holds
			// the stream open never goes inactive under the sweeper.
			s.sessions.MarkActive(sessionID)
			data, ok := s.sessions.Get(sessionID)
			if !ok {
				return
			}
			if err := sendFrame(stream, heartbeatFrame{
				Type:      "update",
				Session:   data,
				Tasks:     taskList(s.tasks.SessionTasks(sessionID, false, false)),
				Timestamp: time.Now().UnixMilli(),
			}); err != nil {
				return
			}

		case data := <-sessCh:
			if err := sendFrame(stream, heartbeatFrame{
				Type:      "update",
				Session:   data,
				Timestamp: time.Now().UnixMilli(),
			}); err != nil {
				return
			}

		case due := <-taskCh:
			data, ok := s.sessions.Get(sessionID)
			if !ok {
				return
			}
			if err := sendFrame(stream, heartbeatFrame{
				Type:      "update",
				Session:   data,
				Tasks:     taskList(due),
				Timestamp: time.Now().UnixMilli(),
			}); err != nil {
				return
			}
		}
	}
}

// handleActivityStream serves GET /events/activity?sessionId=...:
// a read-only observer feed of one session's activity state. Unlike
// the heartbeat stream it never touches the session's activity flag,
// so dashboards can watch a kiosk without keeping it alive.
func (s *Server) handleActivityStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if _, err := uuid.Parse(sessionID); err != nil {
		http.Error(w, "invalid session ID", http.StatusBadRequest)
		return
	}
	if !s.sessions.Has(sessionID) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	stream, err := sse.Upgrade(w, r)
	if err != nil {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	changeCh := make(chan session.Data, 8)
	unsub := s.sessions.SubscribeActivity(sessionID, func(d session.Data) {
		select {
		case changeCh <- d:
		default:
		}
	})

	// Fallback poll so a quiet session still produces status frames.
	ticker := time.NewTicker(s.config.GetHeartbeatInterval())

	defer func() {
		ticker.Stop()
		unsub()
	}()

	send := func(d session.Data) error {
		return sendFrame(stream, activityFrame{
			Type:         "status",
			IsActive:     d.IsActive,
			LastActiveAt: d.LastActiveAt,
			Timestamp:    time.Now().UnixMilli(),
		})
	}

	data, _ := s.sessions.Get(sessionID)
	if err := send(data); err != nil {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case d := <-changeCh:
			if err := send(d); err != nil {
				return
			}
		case <-ticker.C:
			d, ok := s.sessions.Get(sessionID)
			if !ok {
				return
			}
			if err := send(d); err != nil {
				return
			}
		}
	}
}
