package kv

import (
	"context"
	"fmt"

	"github.com/sergeknystautas/kioskd/internal/reactive"
)

// WriteListener returns a reactive listener that mirrors every store
// mutation to the adapter. This is the sole write path from memory to
// durable storage:
//
//   - whole-map replace with an empty map clears the store
//   - whole-map replace with values writes every key
//   - single-key removal deletes that key
//   - single-key change writes that key
//
// Encode failures are logged and the write is dropped, matching the
// adapter's best-effort durability.
func WriteListener[V any](a Adapter, store string, encode func(V) ([]byte, error)) reactive.Listener[V] {
	ctx := context.Background()

	setKey := func(key string, value V) {
		raw, err := encode(value)
		if err != nil {
			fmt.Printf("[kv] encode %s/%s failed: %v\n", store, key, err)
			return
		}
		a.SetKey(ctx, store, key, raw)
	}

	return func(state, prev map[string]V, key string) {
		if key == "" {
			if len(state) == 0 {
				a.DelStore(ctx, store)
				return
			}
			for k, v := range state {
				setKey(k, v)
			}
			return
		}
		if _, ok := state[key]; !ok {
			a.DelKey(ctx, store, key)
			return
		}
		setKey(key, state[key])
	}
}
