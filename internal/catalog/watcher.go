package catalog

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

// DefaultDebounce coalesces bursts of filesystem events, such as an archive
// extraction writing many files.
const DefaultDebounce = 500 * time.Millisecond

// Refresher re-applies local detection for a data root. *Registry refreshes
// every dataset; the engine's orchestrator skips datasets it owns.
type Refresher interface {
	Refresh(root string, logger *slog.Logger)
}

// Watcher re-runs local detection when the data root changes outside of
// this process.
type Watcher struct {
	target   Refresher
	root     string
	logger   *slog.Logger
	debounce time.Duration
	onChange func()

	fsw *fsnotify.Watcher
	mu  sync.Mutex
	tmr *time.Timer
}

// NewWatcher watches root and the top-level directories beneath it. onChange
// may be nil; it runs after each refresh.
func NewWatcher(target Refresher, root string, logger *slog.Logger, onChange func()) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	w := &Watcher{
		target:   target,
		root:     root,
		logger:   logger,
		debounce: DefaultDebounce,
		onChange: onChange,
		fsw:      fsw,
	}
	if err := w.addDirs(); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// SetDebounce overrides the coalescing window. Call before Run.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

func (w *Watcher) addDirs() error {
	if err := w.fsw.Add(w.root); err != nil {
		return fmt.Errorf("watching %s: %w", w.root, err)
	}
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return fmt.Errorf("reading %s: %w", w.root, err)
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "tmp" {
			continue
		}
		dir := filepath.Join(w.root, e.Name())
		if err := w.fsw.Add(dir); err != nil {
			w.logger.Warn("failed to watch directory", "path", dir, "error", err)
		}
	}
	return nil
}

// Run processes events until ctx is cancelled, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()
	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.tmr != nil {
				w.tmr.Stop()
			}
			w.mu.Unlock()
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(filepath.Dir(ev.Name)) == "tmp" || filepath.Base(ev.Name) == "tmp" {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() && filepath.Dir(ev.Name) == w.root {
					if err := w.fsw.Add(ev.Name); err != nil {
						w.logger.Warn("failed to watch directory", "path", ev.Name, "error", err)
					}
				}
			}
			w.schedule()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("fsnotify error", "error", err)
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.tmr != nil {
		w.tmr.Stop()
	}
	w.tmr = time.AfterFunc(w.debounce, w.refresh)
}

func (w *Watcher) refresh() {
	w.logger.Debug("data root changed, refreshing local state", "root", w.root)
	w.target.Refresh(w.root, w.logger)
	if w.onChange != nil {
		w.onChange()
	}
}
