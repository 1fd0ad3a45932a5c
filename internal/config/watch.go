package config

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches the YAML bootstrap file named by GATEWAY_CONFIG_FILE for
// changes and republishes a reloaded Config into a Store on each debounced
// write, preserving whatever environment-variable overrides were present
// at process start.
type Watcher struct {
	path    string
	store   *Store
	log     *slog.Logger
	watcher *fsnotify.Watcher
	mu      sync.Mutex
	stopCh  chan struct{}
}

// NewWatcher starts watching path, publishing reloads into store.
func NewWatcher(path string, store *Store, log *slog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, err
	}

	cw := &Watcher{
		path:    path,
		store:   store,
		log:     log,
		watcher: w,
		stopCh:  make(chan struct{}),
	}
	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.log.Warn("config watcher error", "error", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	base, err := LoadFromFile(cw.path)
	if err != nil {
		cw.log.Warn("config hot-reload failed", "path", cw.path, "error", err)
		return
	}
	applyEnv(base)
	applyDefaults(base)
	if err := validate(base); err != nil {
		cw.log.Warn("config hot-reload produced invalid config, keeping previous", "error", err)
		return
	}
	next := cw.store.Swap(base)
	cw.log.Info("configuration reloaded", "path", cw.path, "version", next.Version)
}

// Stop stops the watcher goroutine and closes the underlying fsnotify
// watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
