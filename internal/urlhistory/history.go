// Package urlhistory tracks URLs that have been shown on any kiosk,
// deduplicated by URL and persisted through the key-value adapter.
package urlhistory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/sergeknystautas/kioskd/internal/kv"
	"github.com/sergeknystautas/kioskd/internal/reactive"
)

// StoreName is the key-value namespace for history records.
const StoreName = "urlhistory"

// Entry is one remembered URL.
type Entry struct {
	URL       string `json:"url"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

func decodeEntry(raw []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, err
	}
	if _, err := url.ParseRequestURI(e.URL); err != nil {
		return Entry{}, fmt.Errorf("invalid url %q: %w", e.URL, err)
	}
	return e, nil
}

func encodeEntry(e Entry) ([]byte, error) {
	return json.Marshal(e)
}

// Store holds the URL history keyed by URL.
type Store struct {
	store *reactive.Store[Entry]
	now   func() time.Time
}

// New creates a history store preloaded from the adapter, with every
// further mutation written through.
func New(ctx context.Context, adapter kv.Adapter) *Store {
	rs := reactive.New(kv.Preload(ctx, adapter, StoreName, decodeEntry))
	rs.Subscribe(kv.WriteListener(adapter, StoreName, encodeEntry))
	return &Store{store: rs, now: time.Now}
}

// Get returns the entry for a URL.
func (s *Store) Get(u string) (Entry, bool) {
	return s.store.GetKey(u)
}

// Has reports whether a URL is already recorded.
func (s *Store) Has(u string) bool {
	_, ok := s.store.GetKey(u)
	return ok
}

// Add records a URL, replacing any previous entry for it. A zero
// timestamp means now. Invalid URLs are rejected.
func (s *Store) Add(u string, timestamp int64) bool {
	parsed, err := url.ParseRequestURI(u)
	if err != nil || parsed.Host == "" {
		fmt.Printf("[urlhistory] rejecting invalid url %q\n", u)
		return false
	}
	if timestamp == 0 {
		timestamp = s.now().UnixMilli()
	}
	s.store.SetKey(u, Entry{URL: u, Timestamp: timestamp})
	return true
}

// Remove deletes a URL from the history.
func (s *Store) Remove(u string) bool {
	if !s.Has(u) {
		return false
	}
	s.store.DeleteKey(u)
	return true
}

// Clear drops the entire history.
func (s *Store) Clear() {
	s.store.ReplaceAll(nil)
}

// All returns every entry in no particular order.
func (s *Store) All() []Entry {
	state := s.store.Get()
	out := make([]Entry, 0, len(state))
	for _, e := range state {
		out = append(out, e)
	}
	return out
}

// AllSorted returns every entry, most recent first.
func (s *Store) AllSorted() []Entry {
	out := s.All()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].URL < out[j].URL
	})
	return out
}
