package config

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a config file when it changes on disk, so threshold
// tuning takes effect without restarting a long pipeline run.
type Watcher struct {
	path     string
	onChange func(*Config)
	watcher  *fsnotify.Watcher
}

// Watch starts watching the config file at path. onChange is called
// with the freshly loaded config after every valid change; invalid
// edits are logged and skipped, keeping the last good config active.
func Watch(path string, onChange func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	// Watch the directory, not the file: editors replace files on save
	// and a file watch dies with the old inode.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	return &Watcher{path: path, onChange: onChange, watcher: fsw}, nil
}

// Run processes file events until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	var last time.Time
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Editors fire bursts of events per save.
			if time.Since(last) < 100*time.Millisecond {
				continue
			}
			last = time.Now()

			cfg, err := LoadFromPath(w.path)
			if err != nil {
				log.Printf("[config] reload of %s failed, keeping previous config: %v", w.path, err)
				continue
			}
			log.Printf("[config] reloaded %s", w.path)
			w.onChange(cfg)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watch error: %v", err)

		case <-ctx.Done():
			return
		}
	}
}
