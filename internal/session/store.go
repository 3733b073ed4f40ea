// Package session owns kiosk session identity, configuration, and
// activity state. The in-memory map is authoritative; every mutation is
// mirrored to the key-value adapter by a write-through listener.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/sergeknystautas/kioskd/internal/config"
	"github.com/sergeknystautas/kioskd/internal/kv"
	"github.com/sergeknystautas/kioskd/internal/reactive"
	"github.com/sergeknystautas/kioskd/internal/urlhistory"
)

// StoreName is the key-value namespace for session records.
const StoreName = "sessions"

// Data is the full record for one kiosk session. Timestamps are unix
// milliseconds. LastActiveAt never precedes CreatedAt.
type Data struct {
	IframeURL    string `json:"iframe_url"`
	CreatedAt    int64  `json:"created_at"`
	LastActiveAt int64  `json:"last_active_at"`
	IsActive     bool   `json:"is_active"`
}

// Config is the operator-adjustable part of a session record. Empty
// fields are left unchanged on merge.
type Config struct {
	IframeURL string `json:"iframe_url"`
}

// Entry pairs a session id with its record for sorted listings.
type Entry struct {
	ID string `json:"session_id"`
	Data
}

func decodeData(raw []byte) (Data, error) {
	var d Data
	if err := json.Unmarshal(raw, &d); err != nil {
		return Data{}, err
	}
	if d.IframeURL == "" {
		return Data{}, fmt.Errorf("missing iframe_url")
	}
	if d.LastActiveAt < d.CreatedAt {
		return Data{}, fmt.Errorf("last_active_at %d precedes created_at %d", d.LastActiveAt, d.CreatedAt)
	}
	return d, nil
}

func encodeData(d Data) ([]byte, error) {
	return json.Marshal(d)
}

// Store manages session records. All methods are safe for concurrent use.
type Store struct {
	store   *reactive.Store[Data]
	adapter kv.Adapter
	cfg     *config.Config
	history *urlhistory.Store
	now     func() time.Time
}

// New creates a session store preloaded from the adapter. Further
// mutations are written through, and iframe URL changes are appended to
// the URL history.
func New(ctx context.Context, cfg *config.Config, adapter kv.Adapter, history *urlhistory.Store) *Store {
	rs := reactive.New(kv.Preload(ctx, adapter, StoreName, decodeData))
	rs.Subscribe(kv.WriteListener(adapter, StoreName, encodeData))

	s := &Store{
		store:   rs,
		adapter: adapter,
		cfg:     cfg,
		history: history,
		now:     time.Now,
	}
	rs.Subscribe(s.changeLogger)
	return s
}

// changeLogger observes every mutation to log lifecycle transitions and
// feed detected URL changes into the history collaborator.
func (s *Store) changeLogger(state, prev map[string]Data, key string) {
	if key == "" {
		return
	}
	current, ok := state[key]
	if !ok {
		fmt.Printf("[sessions] session %s was deleted\n", key)
		return
	}
	before, existed := prev[key]
	if !existed {
		return
	}
	if before.IframeURL != current.IframeURL {
		fmt.Printf("[sessions] iframe URL changed for session %s: %s -> %s\n", key, before.IframeURL, current.IframeURL)
		if s.history != nil {
			s.history.Add(current.IframeURL, 0)
		}
	}
	if before.IsActive != current.IsActive {
		state := "inactive"
		if current.IsActive {
			state = "active"
		}
		fmt.Printf("[sessions] session %s is now %s\n", key, state)
	}
}

// defaultData returns the record a freshly created session starts with.
func (s *Store) defaultData() Data {
	now := s.now().UnixMilli()
	return Data{
		IframeURL:    s.cfg.GetDefaultIframeURL(),
		CreatedAt:    now,
		LastActiveAt: now,
		IsActive:     true,
	}
}

// Get returns the record for id.
func (s *Store) Get(id string) (Data, bool) {
	return s.store.GetKey(id)
}

// Set stores the record for id.
func (s *Store) Set(id string, d Data) {
	s.store.SetKey(id, d)
}

// Has reports whether id is known.
func (s *Store) Has(id string) bool {
	_, ok := s.store.GetKey(id)
	return ok
}

// Create inserts a session with default values. Returns false without
// touching the existing record when id is already present.
func (s *Store) Create(id string) bool {
	if s.Has(id) {
		fmt.Printf("[sessions] session %s already exists\n", id)
		return false
	}
	fmt.Printf("[sessions] creating session %s\n", id)
	s.Set(id, s.defaultData())
	return true
}

// SetConfig merges cfg over the existing record, or over defaults when
// the session is unknown. Returns whether a prior record existed.
func (s *Store) SetConfig(id string, cfg Config) bool {
	existing, ok := s.Get(id)
	if !ok {
		fmt.Printf("[sessions] session %s not found, creating from defaults\n", id)
		existing = s.defaultData()
	}
	if cfg.IframeURL != "" {
		existing.IframeURL = cfg.IframeURL
	}
	s.Set(id, existing)
	return ok
}

// MarkActive flags the session active and refreshes its last-activity
// timestamp. Returns false for unknown sessions.
func (s *Store) MarkActive(id string) bool {
	return s.setActive(id, true)
}

// MarkInactive flags the session inactive and refreshes its
// last-activity timestamp. Returns false for unknown sessions.
func (s *Store) MarkInactive(id string) bool {
	return s.setActive(id, false)
}

func (s *Store) setActive(id string, active bool) bool {
	d, ok := s.Get(id)
	if !ok {
		return false
	}
	d.IsActive = active
	d.LastActiveAt = s.now().UnixMilli()
	s.Set(id, d)
	return true
}

// Delete removes the record for id, returning whether it existed.
// Rejecting deletion of an active session is the caller's duty.
func (s *Store) Delete(id string) bool {
	if !s.Has(id) {
		return false
	}
	s.store.DeleteKey(id)
	return true
}

// All returns the full id-to-record mapping.
func (s *Store) All() map[string]Data {
	return s.store.Get()
}

// Len returns the number of known sessions.
func (s *Store) Len() int {
	return s.store.Len()
}

// AllSorted returns every session, active ones first, most recently
// created first within each group.
func (s *Store) AllSorted() []Entry {
	state := s.store.Get()
	out := make([]Entry, 0, len(state))
	for id, d := range state {
		out = append(out, Entry{ID: id, Data: d})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsActive != out[j].IsActive {
			return out[i].IsActive
		}
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CleanupInactive demotes every active session whose last activity is
// older than the configured timeout. Returns the number demoted.
func (s *Store) CleanupInactive() int {
	now := s.now().UnixMilli()
	timeout := s.cfg.GetInactiveTimeout().Milliseconds()
	demoted := 0
	for id, d := range s.store.Get() {
		if d.IsActive && now-d.LastActiveAt > timeout {
			fmt.Printf("[sessions] auto marking session %s as inactive due to timeout\n", id)
			s.MarkInactive(id)
			demoted++
		}
	}
	return demoted
}

// PullSync reconciles the in-memory map against the durable mirror:
// every remote record is upserted and local records absent upstream are
// deleted. Run on demand only, to recover from missed writes or drift
// between instances sharing one backing store.
func (s *Store) PullSync(ctx context.Context) {
	local := s.store.Get()
	upstream := kv.GetAll(ctx, s.adapter, StoreName, decodeData)
	if len(upstream) == 0 {
		fmt.Println("[sessions] no sessions found upstream, keeping local state")
		return
	}
	for id, d := range upstream {
		s.Set(id, d)
	}
	for id := range local {
		if _, ok := upstream[id]; !ok {
			fmt.Printf("[sessions] dropping session %s absent upstream\n", id)
			s.Delete(id)
		}
	}
}

// SubscribeURL invokes cb whenever the iframe URL of session id changes,
// including its first appearance. The returned function unsubscribes.
func (s *Store) SubscribeURL(id string, cb func(Data)) func() {
	return s.store.Subscribe(func(state, prev map[string]Data, key string) {
		if key != id {
			return
		}
		current, ok := state[id]
		if !ok {
			return
		}
		if before, existed := prev[id]; existed && before.IframeURL == current.IframeURL {
			return
		}
		cb(current)
	})
}

// SubscribeActivity invokes cb whenever the activity state or
// last-activity timestamp of session id changes. The returned function
// unsubscribes.
func (s *Store) SubscribeActivity(id string, cb func(Data)) func() {
	return s.store.Subscribe(func(state, prev map[string]Data, key string) {
		if key != id {
			return
		}
		current, ok := state[id]
		if !ok {
			return
		}
		before, existed := prev[id]
		if !existed {
			return
		}
		if before.IsActive == current.IsActive && before.LastActiveAt == current.LastActiveAt {
			return
		}
		cb(current)
	})
}

// Subscribe registers an unfiltered listener over the whole session map.
func (s *Store) Subscribe(fn reactive.Listener[Data]) func() {
	return s.store.Subscribe(fn)
}

// ListenerCount returns the number of registered listeners, including
// the store's own write-through and logging listeners.
func (s *Store) ListenerCount() int {
	return s.store.ListenerCount()
}

// StartSweeper runs CleanupInactive on an interval of half the
// inactivity timeout, so a stale session is detected at most 1.5x the
// timeout after its last activity. The interval tracks config reloads.
// Returns a stop function.
func (s *Store) StartSweeper() func() {
	stopCh := make(chan struct{})
	go func() {
		timer := time.NewTimer(s.cfg.GetInactiveTimeout() / 2)
		defer timer.Stop()
		for {
			select {
			case <-timer.C:
				s.CleanupInactive()
				timer.Reset(s.cfg.GetInactiveTimeout() / 2)
			case <-stopCh:
				return
			}
		}
	}()
	return func() { close(stopCh) }
}
