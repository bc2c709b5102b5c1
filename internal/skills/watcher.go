package skills

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce collapses a burst of file events into one reload.
const watchDebounce = 250 * time.Millisecond

// Watcher reloads the loader when files under its skill directories change.
type Watcher struct {
	loader *Loader
	fw     *fsnotify.Watcher
	log    *slog.Logger

	mu      sync.Mutex
	timer   *time.Timer
	cancel  context.CancelFunc
	started bool

	wg sync.WaitGroup
}

// NewWatcher creates a watcher over the loader's directories.
func NewWatcher(loader *Loader) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}
	return &Watcher{
		loader: loader,
		fw:     fw,
		log:    slog.Default().With("component", "skills"),
	}, nil
}

// Start begins watching. Directories that do not exist yet are skipped.
// Returns an error when nothing could be watched at all; callers treat
// that as non-fatal since skills still load at startup.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.started = true
	w.mu.Unlock()

	watched := 0
	for _, dir := range w.loader.Dirs() {
		if err := w.addTree(dir); err != nil {
			w.log.Debug("skills dir not watchable", "dir", dir, "error", err)
			continue
		}
		watched++
	}
	if watched == 0 {
		w.mu.Lock()
		w.started = false
		w.cancel = nil
		w.mu.Unlock()
		cancel()
		_ = w.fw.Close()
		return fmt.Errorf("no skills directories to watch")
	}

	w.wg.Add(1)
	go w.loop(watchCtx)
	w.log.Info("skills watcher started", "dirs", watched)
	return nil
}

// addTree watches dir plus its immediate skill subdirectories. fsnotify
// does not recurse, and SKILL.md writes happen one level down.
func (w *Watcher) addTree(dir string) error {
	if err := w.fw.Add(dir); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	for _, e := range entries {
		if e.IsDir() {
			_ = w.fw.Add(filepath.Join(dir, e.Name()))
		}
	}
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// A new skill directory must join the watch set before its
			// SKILL.md write events can be seen.
			if ev.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = w.fw.Add(ev.Name)
				}
			}
			w.scheduleReload()
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.log.Warn("skills watch error", "error", err)
		}
	}
}

// scheduleReload resets the debounce timer; the reload fires once the
// directory has been quiet for watchDebounce.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(watchDebounce, func() {
		if err := w.loader.Load(); err != nil {
			w.log.Warn("skills reload failed", "error", err)
			return
		}
		w.log.Info("skills reloaded", "count", len(w.loader.ListSkills()))
	})
}

// Stop halts the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	_ = w.fw.Close()
	w.wg.Wait()
}
