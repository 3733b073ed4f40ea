package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watcherDebounce = 250 * time.Millisecond

// Watcher reloads the config when its file changes on disk, so timing
// knobs take effect without a daemon restart.
type Watcher struct {
	cfg     *Config
	watcher *fsnotify.Watcher

	// onReload is called after a successful reload. Used for testing.
	onReload func()

	debounceMu    sync.Mutex
	debounceTimer *time.Timer

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a watcher for cfg's file. Returns nil when the
// watcher cannot be created; hot reload is a convenience, not a
// requirement.
func NewWatcher(cfg *Config) *Watcher {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		fmt.Printf("[config-watcher] failed to create watcher: %v\n", err)
		return nil
	}

	// Watch the directory, not the file: editors replace files on save
	// and a direct file watch goes stale after the first rename.
	if err := w.Add(filepath.Dir(cfg.Path())); err != nil {
		fmt.Printf("[config-watcher] failed to watch %s: %v\n", filepath.Dir(cfg.Path()), err)
		w.Close()
		return nil
	}

	return &Watcher{
		cfg:     cfg,
		watcher: w,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the event loop goroutine.
func (cw *Watcher) Start() {
	go cw.eventLoop()
	fmt.Println("[config-watcher] started")
}

// Stop closes the watcher and cancels any pending reload.
// Safe to call multiple times.
func (cw *Watcher) Stop() {
	cw.stopOnce.Do(func() {
		close(cw.stopCh)
		cw.watcher.Close()

		cw.debounceMu.Lock()
		if cw.debounceTimer != nil {
			cw.debounceTimer.Stop()
			cw.debounceTimer = nil
		}
		cw.debounceMu.Unlock()
	})
}

func (cw *Watcher) eventLoop() {
	for {
		select {
		case <-cw.stopCh:
			return
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(cw.cfg.Path()) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			cw.scheduleReload()
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			fmt.Printf("[config-watcher] watch error: %v\n", err)
		}
	}
}

// scheduleReload debounces bursts of file events into one reload.
func (cw *Watcher) scheduleReload() {
	cw.debounceMu.Lock()
	defer cw.debounceMu.Unlock()

	if cw.debounceTimer != nil {
		cw.debounceTimer.Stop()
	}
	cw.debounceTimer = time.AfterFunc(watcherDebounce, func() {
		select {
		case <-cw.stopCh:
			return
		default:
		}
		if err := cw.cfg.Reload(); err != nil {
			fmt.Printf("[config-watcher] reload failed, keeping previous config: %v\n", err)
			return
		}
		fmt.Println("[config-watcher] config reloaded")
		if cw.onReload != nil {
			cw.onReload()
		}
	})
}
