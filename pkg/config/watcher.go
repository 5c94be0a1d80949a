package config

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a Config when its file changes on disk
type Watcher struct {
	cfg         *Config
	watcher     *fsnotify.Watcher
	onChange    func()
	debounceDur time.Duration
}

// NewWatcher watches the directory holding cfg's file. onChange runs after
// each successful reload.
func NewWatcher(cfg *Config, onChange func()) (*Watcher, error) {
	if cfg.Path() == "" {
		return nil, fmt.Errorf("config was not loaded from a file")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Editors often replace the file, so watch the directory
	if err := fw.Add(filepath.Dir(cfg.Path())); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}
	return &Watcher{
		cfg:         cfg,
		watcher:     fw,
		onChange:    onChange,
		debounceDur: 500 * time.Millisecond,
	}, nil
}

// Run processes file events until ctx is canceled
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.cfg.Path() {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(w.debounceDur)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("Config watcher error: %v", err)

		case <-debounce.C:
			if err := w.cfg.Reload(); err != nil {
				log.Printf("Config reload failed, keeping previous values: %v", err)
				continue
			}
			log.Printf("Reloaded config from %s", w.cfg.Path())
			if w.onChange != nil {
				w.onChange()
			}
		}
	}
}
