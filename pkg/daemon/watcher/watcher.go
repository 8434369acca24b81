// Package watcher watches the content cache directory and drops index
// entries whose files are removed or renamed behind the cache's back.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/logging"
)

// Invalidator forgets cache entries by local path. *cache.Cache satisfies it.
type Invalidator interface {
	Forget(path string) bool
}

// Watcher watches directories for removals and renames.
type Watcher struct {
	inv     Invalidator
	watcher *fsnotify.Watcher
	paths   map[string]bool
	mu      sync.RWMutex
	closed  bool
}

// New creates a new Watcher.
func New(inv Invalidator) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		inv:     inv,
		watcher: fsw,
		paths:   make(map[string]bool),
	}, nil
}

// Watch starts watching a path recursively. Paths are kept as given so
// event names match the paths the cache recorded. Symlinks are not followed.
func (w *Watcher) Watch(root string) error {
	root = filepath.Clean(root)

	info, err := os.Lstat(root)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		return nil // Only watch directories
	}

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil //nolint:nilerr // Skip entries with errors
		}

		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}

		if d.IsDir() {
			return w.addWatch(path)
		}

		return nil
	})
}

// addWatch adds a single directory to the watch list.
func (w *Watcher) addWatch(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	if w.paths[path] {
		return nil
	}

	if err := w.watcher.Add(path); err != nil {
		logging.Get("watcher").Warn("failed to add watch", "path", path, "error", err)
		return err
	}

	w.paths[path] = true
	return nil
}

// Unwatch stops watching a path and all its subdirectories.
func (w *Watcher) Unwatch(root string) {
	root = filepath.Clean(root)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}

	for path := range w.paths {
		if path == root || isSubPath(path, root) {
			_ = w.watcher.Remove(path)
			delete(w.paths, path)
		}
	}
}

// Watching reports whether path is currently watched.
func (w *Watcher) Watching(path string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.paths[filepath.Clean(path)]
}

// Run starts the event loop. It blocks until the context is cancelled.
// The onChange callback, if non-nil, is called for each event after the
// watcher has handled it.
func (w *Watcher) Run(ctx context.Context, onChange func(path string, op fsnotify.Op)) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			w.handleEvent(event, onChange)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get("watcher").Error("watcher error", "error", err)
		}
	}
}

// handleEvent processes a single filesystem event.
func (w *Watcher) handleEvent(event fsnotify.Event, onChange func(path string, op fsnotify.Op)) {
	switch {
	case event.Op&fsnotify.Create != 0:
		w.handleCreate(event.Name)
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		// A rename away looks like a removal; the new name, if any, is
		// not something the cache knows about.
		w.handleRemove(event.Name)
	}

	if onChange != nil {
		onChange(event.Name, event.Op)
	}
}

// handleCreate watches newly created directories.
func (w *Watcher) handleCreate(path string) {
	info, err := os.Lstat(path)
	if err != nil || !info.IsDir() || info.Mode()&fs.ModeSymlink != 0 {
		return
	}
	_ = w.Watch(path)
}

// handleRemove drops watches under path and forgets the cache entry.
func (w *Watcher) handleRemove(path string) {
	w.mu.Lock()
	if w.paths[path] {
		_ = w.watcher.Remove(path)
		delete(w.paths, path)
	}
	for childPath := range w.paths {
		if isSubPath(childPath, path) {
			_ = w.watcher.Remove(childPath)
			delete(w.paths, childPath)
		}
	}
	w.mu.Unlock()

	if w.inv != nil && w.inv.Forget(path) {
		logging.Get("watcher").Debug("cache entry invalidated", "path", path)
	}
}

// Close closes the watcher and releases resources.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	w.closed = true
	w.paths = make(map[string]bool)
	return w.watcher.Close()
}

// isSubPath checks if path is under parent directory.
func isSubPath(path, parent string) bool {
	return len(path) > len(parent) && path[:len(parent)+1] == parent+string(filepath.Separator)
}
