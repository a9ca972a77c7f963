// Package watcher observes the configuration file on disk and triggers a
// reload through the configuration store whenever the file changes,
// debouncing the editor-save storm of events most editors produce.
package watcher

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// debounceWindow is how long the watcher waits after the last underlying
// fsnotify event before asking the store to reload.
const debounceWindow = 250 * time.Millisecond

// Reloader is the subset of *config.Store the watcher needs. Using an
// interface here (rather than importing config directly) keeps the
// watcher testable against a fake, the same way a ConfigUpdater
// interface decouples a watcher from its manager.
type Reloader interface {
	Reload() error
}

// Watcher attaches to a single configuration file path and calls
// Reload on the underlying Reloader once per logical save.
type Watcher struct {
	path     string
	reloader Reloader
	fsw      *fsnotify.Watcher
	logger   *zap.SugaredLogger

	stopChan chan struct{}
	doneChan chan struct{}
}

// New attaches a watch to path. reloader is notified on every debounced
// change.
func New(path string, reloader Reloader, logger *zap.SugaredLogger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}

	return &Watcher{
		path:     path,
		reloader: reloader,
		fsw:      fsw,
		logger:   logger,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}, nil
}

// Start runs the watch loop in a background goroutine.
func (w *Watcher) Start() {
	go w.run()
}

// Stop ends the watch loop and blocks until it has exited.
func (w *Watcher) Stop() {
	close(w.stopChan)
	w.fsw.Close()
	<-w.doneChan
}

func (w *Watcher) run() {
	defer close(w.doneChan)

	var debounceTimer *time.Timer
	var debounceMu sync.Mutex

	for {
		select {
		case <-w.stopChan:
			debounceMu.Lock()
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceMu.Unlock()
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Chmod|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}

			// Atomic-save editors rename a temp file over the config
			// path, which makes the watched inode disappear; re-arm
			// the watch on the path once the new file lands.
			if event.Op&(fsnotify.Rename|fsnotify.Remove) != 0 {
				time.Sleep(100 * time.Millisecond)
				_ = w.fsw.Remove(w.path)
				_ = w.fsw.Add(w.path)
			}

			debounceMu.Lock()
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceWindow, w.reload)
			debounceMu.Unlock()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Errorw("config watcher error", "component", "watcher", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	w.logger.Infow("config file changed, reloading", "component", "watcher", "path", w.path)
	if err := w.reloader.Reload(); err != nil {
		w.logger.Errorw("config reload failed, keeping current config", "component", "watcher", "error", err)
		return
	}
	w.logger.Infow("config reloaded successfully", "component", "watcher")
}
