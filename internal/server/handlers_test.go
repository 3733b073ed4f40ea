package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/sergeknystautas/kioskd/internal/config"
	"github.com/sergeknystautas/kioskd/internal/session"
	"github.com/sergeknystautas/kioskd/internal/task"
	"github.com/sergeknystautas/kioskd/internal/urlhistory"
)

// fakeAdapter is an in-memory kv.Adapter for tests.
type fakeAdapter struct {
	stores map[string]map[string][]byte
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{stores: make(map[string]map[string][]byte)}
}

func (f *fakeAdapter) List(ctx context.Context, store string) []string {
	var keys []string
	for k := range f.stores[store] {
		keys = append(keys, k)
	}
	return keys
}

func (f *fakeAdapter) GetKey(ctx context.Context, store, key string) ([]byte, bool) {
	v, ok := f.stores[store][key]
	return v, ok
}

func (f *fakeAdapter) SetKey(ctx context.Context, store, key string, value []byte) {
	if f.stores[store] == nil {
		f.stores[store] = make(map[string][]byte)
	}
	f.stores[store][key] = value
}

func (f *fakeAdapter) DelKey(ctx context.Context, store, key string) {
	delete(f.stores[store], key)
}

func (f *fakeAdapter) DelStore(ctx context.Context, store string) {
	delete(f.stores, store)
}

type testEnv struct {
	server   *Server
	http     *httptest.Server
	sessions *session.Store
	tasks    *task.Queue
	history  *urlhistory.Store
	cfg      *config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Default(t.TempDir())
	adapter := newFakeAdapter()
	history := urlhistory.New(context.Background(), adapter)
	sessions := session.New(context.Background(), cfg, adapter, history)
	tasks := task.NewQueue()

	srv := NewServer(cfg, sessions, tasks, history)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{
		server:   srv,
		http:     ts,
		sessions: sessions,
		tasks:    tasks,
		history:  history,
		cfg:      cfg,
	}
}

func (e *testEnv) request(t *testing.T, method, path string, body any) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	var payload *bytes.Buffer = bytes.NewBuffer(nil)
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		payload = bytes.NewBuffer(raw)
	}
	req, err := http.NewRequest(method, e.http.URL+path, payload)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	fields := map[string]json.RawMessage{}
	_ = json.NewDecoder(resp.Body).Decode(&fields)
	return resp, fields
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	resp, fields := env.request(t, http.MethodGet, "/api/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if string(fields["status"]) != `"ok"` {
		t.Errorf("unexpected body: %v", fields)
	}
}

func TestGetOrCreateSession(t *testing.T) {
	env := newTestEnv(t)

	// No id: a fresh one is generated.
	resp, fields := env.request(t, http.MethodPost, "/api/session", map[string]string{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var generated string
	if err := json.Unmarshal(fields["session_id"], &generated); err != nil {
		t.Fatalf("missing session_id: %v", err)
	}
	if _, err := uuid.Parse(generated); err != nil {
		t.Errorf("generated id %q is not a UUID", generated)
	}
	if !env.sessions.Has(generated) {
		t.Error("generated session not stored")
	}

	// Known id: returned as-is, marked active.
	env.sessions.MarkInactive(generated)
	resp, fields = env.request(t, http.MethodPost, "/api/session", map[string]string{"session_id": generated})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var data session.Data
	if err := json.Unmarshal(fields["session"], &data); err != nil {
		t.Fatalf("missing session record: %v", err)
	}
	if !data.IsActive {
		t.Error("existing session should be re-marked active")
	}

	// Malformed id is rejected.
	resp, _ = env.request(t, http.MethodPost, "/api/session", map[string]string{"session_id": "not-a-uuid"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for bad id, got %d", resp.StatusCode)
	}

	// Wrong method.
	resp, _ = env.request(t, http.MethodGet, "/api/session", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", resp.StatusCode)
	}
}

func TestHeartbeat(t *testing.T) {
	env := newTestEnv(t)
	id := uuid.New().String()

	resp, _ := env.request(t, http.MethodPost, "/api/heartbeat", map[string]string{"session_id": id})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", resp.StatusCode)
	}

	env.sessions.Create(id)
	env.sessions.MarkInactive(id)
	env.tasks.Create(id, task.KindRefresh, 0)

	resp, fields := env.request(t, http.MethodPost, "/api/heartbeat", map[string]string{"session_id": id})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var data session.Data
	if err := json.Unmarshal(fields["session"], &data); err != nil {
		t.Fatalf("missing session: %v", err)
	}
	if !data.IsActive {
		t.Error("heartbeat should mark the session active")
	}
	var tasks []task.Task
	if err := json.Unmarshal(fields["tasks"], &tasks); err != nil {
		t.Fatalf("missing tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Errorf("expected 1 due task, got %d", len(tasks))
	}
}

func TestSessionListAndDelete(t *testing.T) {
	env := newTestEnv(t)
	id := uuid.New().String()
	env.sessions.Create(id)

	resp, fields := env.request(t, http.MethodGet, "/api/sessions", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var entries []session.Entry
	if err := json.Unmarshal(fields["sessions"], &entries); err != nil {
		t.Fatalf("missing sessions: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != id {
		t.Errorf("unexpected listing: %+v", entries)
	}

	// Active sessions cannot be deleted.
	resp, _ = env.request(t, http.MethodDelete, "/api/sessions/"+id, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 deleting active session, got %d", resp.StatusCode)
	}

	env.sessions.MarkInactive(id)
	resp, _ = env.request(t, http.MethodDelete, "/api/sessions/"+id, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 deleting inactive session, got %d", resp.StatusCode)
	}
	if env.sessions.Has(id) {
		t.Error("session still present after delete")
	}

	resp, _ = env.request(t, http.MethodDelete, "/api/sessions/"+id, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 deleting unknown session, got %d", resp.StatusCode)
	}
}

func TestSessionActivityEndpoints(t *testing.T) {
	env := newTestEnv(t)
	id := uuid.New().String()
	env.sessions.Create(id)

	resp, _ := env.request(t, http.MethodPost, "/api/sessions/"+id+"/inactive", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if d, _ := env.sessions.Get(id); d.IsActive {
		t.Error("session should be inactive")
	}

	resp, fields := env.request(t, http.MethodGet, "/api/sessions/"+id+"/activity", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if string(fields["is_active"]) != "false" {
		t.Errorf("unexpected activity body: %v", fields)
	}

	resp, _ = env.request(t, http.MethodPost, "/api/sessions/"+id+"/active", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if d, _ := env.sessions.Get(id); !d.IsActive {
		t.Error("session should be active")
	}

	unknown := uuid.New().String()
	resp, _ = env.request(t, http.MethodPost, "/api/sessions/"+unknown+"/active", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown session, got %d", resp.StatusCode)
	}
}

func TestSessionConfig(t *testing.T) {
	env := newTestEnv(t)
	id := uuid.New().String()
	env.sessions.Create(id)

	resp, _ := env.request(t, http.MethodPost, "/api/sessions/"+id+"/config",
		map[string]string{"iframe_url": "https://dash.example/board"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if d, _ := env.sessions.Get(id); d.IframeURL != "https://dash.example/board" {
		t.Errorf("URL not applied: %q", d.IframeURL)
	}

	resp, _ = env.request(t, http.MethodPost, "/api/sessions/"+id+"/config",
		map[string]string{"iframe_url": "not a url"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid URL, got %d", resp.StatusCode)
	}

	unknown := uuid.New().String()
	resp, _ = env.request(t, http.MethodPost, "/api/sessions/"+unknown+"/config",
		map[string]string{"iframe_url": "https://dash.example/x"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown session, got %d", resp.StatusCode)
	}
}

func TestTaskEndpoints(t *testing.T) {
	env := newTestEnv(t)
	id := uuid.New().String()
	env.sessions.Create(id)

	// Invalid kind is rejected.
	resp, _ := env.request(t, http.MethodPost, "/api/tasks",
		map[string]any{"session_id": id, "task": "reboot"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad kind, got %d", resp.StatusCode)
	}

	// Unknown session is rejected.
	resp, _ = env.request(t, http.MethodPost, "/api/tasks",
		map[string]any{"session_id": uuid.New().String(), "task": "refresh"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", resp.StatusCode)
	}

	resp, fields := env.request(t, http.MethodPost, "/api/tasks",
		map[string]any{"session_id": id, "task": "refresh"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var created []task.Task
	if err := json.Unmarshal(fields["tasks"], &created); err != nil || len(created) != 1 {
		t.Fatalf("expected 1 created task, got %v (%v)", string(fields["tasks"]), err)
	}

	// Listing returns the due task.
	resp, fields = env.request(t, http.MethodGet, "/api/tasks?sessionId="+id, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var due []task.Task
	if err := json.Unmarshal(fields["tasks"], &due); err != nil || len(due) != 1 {
		t.Fatalf("expected 1 due task, got %v", string(fields["tasks"]))
	}

	// Completing removes it from the due set.
	resp, _ = env.request(t, http.MethodPost, fmt.Sprintf("/api/tasks/%s/complete", created[0].ID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	_, fields = env.request(t, http.MethodGet, "/api/tasks?sessionId="+id, nil)
	due = nil
	_ = json.Unmarshal(fields["tasks"], &due)
	if len(due) != 0 {
		t.Errorf("completed task still due: %+v", due)
	}

	resp, _ = env.request(t, http.MethodPost, "/api/tasks/nonexistent/complete", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown task, got %d", resp.StatusCode)
	}
}

func TestBroadcastTask(t *testing.T) {
	env := newTestEnv(t)
	a := uuid.New().String()
	b := uuid.New().String()
	env.sessions.Create(a)
	env.sessions.Create(b)
	env.tasks.Create(a, task.KindRefresh, 0)
	env.tasks.Create(b, task.KindRefresh, 0)

	resp, fields := env.request(t, http.MethodPost, "/api/tasks",
		map[string]any{"session_id": "all", "task": "fullscreen"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var created []task.Task
	if err := json.Unmarshal(fields["tasks"], &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(created) != 2 {
		t.Errorf("expected broadcast to both queue-known sessions, got %d", len(created))
	}
}

func TestHistoryEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.request(t, http.MethodPost, "/api/history", map[string]any{
		"urls": []map[string]any{
			{"url": "https://a.example", "timestamp": 100},
			{"url": "not a url", "timestamp": 200},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}

	resp, fields := env.request(t, http.MethodGet, "/api/history", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var entries []urlhistory.Entry
	if err := json.Unmarshal(fields["urls"], &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 1 || entries[0].URL != "https://a.example" {
		t.Errorf("invalid URL should be dropped silently, got %+v", entries)
	}
}

func TestSync(t *testing.T) {
	env := newTestEnv(t)
	id := uuid.New().String()
	env.sessions.Create(id)

	resp, _ := env.request(t, http.MethodPost, "/api/sync", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if !env.sessions.Has(id) {
		t.Error("sync dropped a mirrored session")
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	req, _ := http.NewRequest(http.MethodOptions, env.http.URL+"/api/sessions", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS allow-origin header")
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("preflight status %d", resp.StatusCode)
	}
}

func TestStreamAccounting(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Sessions.MaxStreamsPerSession = 2
	id := uuid.New().String()

	if !env.server.acquireStream(id) || !env.server.acquireStream(id) {
		t.Fatal("expected first two acquisitions to succeed")
	}
	if env.server.acquireStream(id) {
		t.Error("third acquisition should hit the limit")
	}
	if remaining := env.server.releaseStream(id); remaining != 1 {
		t.Errorf("expected 1 stream remaining, got %d", remaining)
	}
	if !env.server.acquireStream(id) {
		t.Error("release should free a slot")
	}

	env.server.releaseStream(id)
	if remaining := env.server.releaseStream(id); remaining != 0 {
		t.Errorf("expected 0 streams remaining, got %d", remaining)
	}
	if _, ok := env.server.streams[id]; ok {
		t.Error("fully released session should leave no counter behind")
	}
}

func TestGetOrCreateSessionTrimsID(t *testing.T) {
	env := newTestEnv(t)
	id := uuid.New().String()

	resp, fields := env.request(t, http.MethodPost, "/api/session",
		map[string]string{"session_id": "  " + id + "  "})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var returned string
	if err := json.Unmarshal(fields["session_id"], &returned); err != nil {
		t.Fatalf("missing session_id: %v", err)
	}
	if returned != id {
		t.Errorf("expected trimmed id %q, got %q", id, returned)
	}
	if !env.sessions.Has(id) {
		t.Error("session not stored under the trimmed id")
	}
	if env.sessions.Has("  " + id + "  ") {
		t.Error("session stored under the padded id")
	}
}

func TestStopBeforeStart(t *testing.T) {
	env := newTestEnv(t)
	// A shutdown signal can arrive before the Start goroutine runs.
	if err := env.server.Stop(); err != nil {
		t.Errorf("Stop before Start should be a no-op, got %v", err)
	}
}
