package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sergeknystautas/kioskd/internal/session"
)

// wsSessionsMessage is a full session snapshot pushed to admin clients.
type wsSessionsMessage struct {
	Type     string          `json:"type"` // always "sessions"
	Sessions []session.Entry `json:"sessions"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Dashboards are served from anywhere; the API is already CORS-open.
		return true
	},
}

// handleSessionsWebSocket pushes the full sorted session list to admin
// dashboards. A snapshot is sent on connect, on every store change, and
// on a slow periodic resend so reconnecting clients converge.
func (s *Server) handleSessionsWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Capacity 1 with a non-blocking send: consecutive store changes
	// coalesce into a single snapshot push.
	changeCh := make(chan struct{}, 1)
	unsub := s.sessions.Subscribe(func(state, prev map[string]session.Data, key string) {
		select {
		case changeCh <- struct{}{}:
		default:
		}
	})
	defer unsub()

	// Drain reads so we notice the peer closing the connection.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	sendSnapshot := func() error {
		msg := wsSessionsMessage{Type: "sessions", Sessions: s.sessions.AllSorted()}
		payload, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return conn.WriteMessage(websocket.TextMessage, payload)
	}

	if err := sendSnapshot(); err != nil {
		return
	}

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-changeCh:
			if err := sendSnapshot(); err != nil {
				fmt.Printf("[server] sessions websocket write failed: %v\n", err)
				return
			}
		case <-ticker.C:
			if err := sendSnapshot(); err != nil {
				return
			}
		}
	}
}
