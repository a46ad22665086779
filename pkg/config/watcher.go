package config

import (
	"log"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher re-reads the config file when it changes on disk and hands the
// parsed result to the registered callbacks. Only tunables that are safe to
// swap at runtime (matcher weights, planner thresholds) should be consumed
// from reloads.
type Watcher struct {
	path      string
	watcher   *fsnotify.Watcher
	mu        sync.Mutex
	callbacks []func(*Config)
	done      chan struct{}
}

// NewWatcher watches the directory containing path. Watching the directory
// rather than the file survives editors that replace the file on save.
func NewWatcher(path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		path:    path,
		watcher: fw,
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// OnReload registers a callback invoked with each successfully parsed reload.
func (w *Watcher) OnReload(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := LoadConfigFromFile(w.path)
			if err != nil {
				// A half-written or invalid file keeps the running config.
				log.Printf("[Config] Reload of %s failed: %v", w.path, err)
				continue
			}
			log.Printf("[Config] Reloaded %s", w.path)
			w.mu.Lock()
			cbs := append([]func(*Config){}, w.callbacks...)
			w.mu.Unlock()
			for _, fn := range cbs {
				fn(cfg)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[Config] Watcher error: %v", err)
		}
	}
}
