package settings

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	. "github.com/N1ghthill/botassist-whatsapp-sub000/internal/logging"
)

// debounceWindow coalesces bursts of change notifications into one reload.
// Editors and atomic-rename writers fire several events per save.
const debounceWindow = 200 * time.Millisecond

// Watcher triggers a debounced Store.Reload when the settings file changes
// on disk. A reload is never applied mid-flight to an in-progress pipeline
// run; the store just swaps the snapshot for subsequent reads.
type Watcher struct {
	store   *Store
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	timer   *time.Timer
	running bool
	stopCh  chan struct{}
}

// NewWatcher creates a watcher for the store's settings file
func NewWatcher(store *Store) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		store:   store,
		watcher: fw,
		stopCh:  make(chan struct{}),
	}, nil
}

// Start begins watching. The parent directory is watched rather than the
// file itself so atomic rename-over writes keep being observed.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	dir := filepath.Dir(w.store.path)
	if err := w.watcher.Add(dir); err != nil {
		return err
	}

	L_debug("settings: watching for changes", "file", filepath.Base(w.store.path), "dir", dir)
	go w.watchLoop(ctx)
	return nil
}

// Stop stops watching and cancels any pending reload
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	close(w.stopCh)
	w.watcher.Close()
	w.running = false
}

func (w *Watcher) watchLoop(ctx context.Context) {
	target := filepath.Base(w.store.path)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.scheduleReload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			L_warn("settings: watcher error", "error", err)
		}
	}
}

// scheduleReload arms (or re-arms) the debounce timer
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounceWindow, func() {
		w.store.Reload()
	})
}
