// internal/config/watcher.go
package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher hot-reloads the tunable subset of the config (log level, scrub
// tuning) when the file changes. Structural settings (data dir, listen
// address, thresholds) require a restart: thresholds feed already-persisted
// change records and must not drift mid-timeline.
type Watcher struct {
	path     string
	debounce time.Duration
	onReload func(*Config)
	watcher  *fsnotify.Watcher
	log      zerolog.Logger

	mu     sync.Mutex
	timer  *time.Timer
	done   chan struct{}
	closed bool
}

// Watch starts watching the config file's directory. onReload is called
// with the freshly parsed config after each successful reload.
func Watch(path string, onReload func(*Config), logger zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	// Watch the directory: editors replace files rather than writing in
	// place, and fsnotify loses the watch on a replaced file.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}

	w := &Watcher{
		path:     path,
		debounce: 250 * time.Millisecond,
		onReload: onReload,
		watcher:  fsw,
		log:      logger.With().Str("component", "config").Logger(),
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("config watcher error")

		case <-w.done:
			return
		}
	}
}

// scheduleReload debounces bursts of write events into one reload.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Warn().Err(err).Msg("config reload failed, keeping previous settings")
		return
	}
	w.log.Info().Str("path", w.path).Msg("config reloaded")
	w.onReload(cfg)
}
