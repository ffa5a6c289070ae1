// Package observer watches the wave file for edits so watch mode can kick
// off a fresh run when the backlog changes.
package observer

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WaveChangeCallback is called after the wave file settled from an edit.
type WaveChangeCallback func(path string)

// WaveWatcher monitors one wave file. It watches the containing directory
// rather than the file itself: editors replace files by rename, which
// drops a watch pinned to the old inode.
type WaveWatcher struct {
	watcher  *fsnotify.Watcher
	path     string
	callback WaveChangeCallback

	mu       sync.Mutex
	debounce time.Duration
	timer    *time.Timer

	cancel context.CancelFunc
}

// NewWaveWatcher creates a watcher for the given wave file.
func NewWaveWatcher(path string, callback WaveChangeCallback) (*WaveWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, err
	}

	return &WaveWatcher{
		watcher:  watcher,
		path:     abs,
		callback: callback,
		debounce: 500 * time.Millisecond, // editors fire several events per save
	}, nil
}

// Start begins delivering change callbacks until the context is cancelled
// or Stop is called.
func (w *WaveWatcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.handleEvent(event)
			case _, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
}

// Stop stops watching.
func (w *WaveWatcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.watcher.Close()
}

// SetDebounce overrides the settle window.
func (w *WaveWatcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

func (w *WaveWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if w.callback != nil {
			w.callback(w.path)
		}
	})
}
