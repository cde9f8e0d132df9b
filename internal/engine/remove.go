package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BadgerOps/dsmanager/internal/catalog"
	"github.com/BadgerOps/dsmanager/internal/safety"
)

// Remover deletes an installed dataset's files from the data root.
type Remover struct {
	registry *catalog.Registry
	root     string
	history  History
	logger   *slog.Logger
}

// NewRemover creates a Remover. history may be nil.
func NewRemover(registry *catalog.Registry, root string, history History, logger *slog.Logger) *Remover {
	if logger == nil {
		logger = slog.Default()
	}
	return &Remover{registry: registry, root: root, history: history, logger: logger}
}

// Remove deletes everything the dataset's file manifest matches. Each
// pattern is a path relative to the data root whose last element may hold
// glob wildcards; without a manifest the check path is removed. It reports
// whether anything was deleted along with every per-file error. Removing an
// already removed dataset deletes nothing and reports no errors.
func (r *Remover) Remove(key string) (bool, []error) {
	ds, ok := r.registry.Get(key)
	if !ok {
		return false, []error{fmt.Errorf("%w: %s", ErrUnknownDataset, key)}
	}
	if ds.IsBase() {
		return false, []error{fmt.Errorf("%w: %s", ErrBaseData, key)}
	}

	patterns := ds.ManifestPatterns()
	if len(patterns) == 0 && ds.CheckPath() != "" {
		patterns = []string{ds.CheckPath()}
	}

	var errs []error
	deletedAny := false
	for _, pattern := range patterns {
		n, err := r.removePattern(pattern)
		if n > 0 {
			deletedAny = true
		}
		if err != nil {
			errs = append(errs, err...)
		}
	}

	if deletedAny {
		if err := r.registry.MarkRemoved(key); err != nil {
			errs = append(errs, err)
		}
		if r.history != nil {
			if err := r.history.DeleteInstalled(key); err != nil {
				errs = append(errs, err)
			}
		}
		r.logger.Info("dataset removed", "key", key, "errors", len(errs))
	}
	return deletedAny, errs
}

func (r *Remover) removePattern(pattern string) (int, []error) {
	pattern = strings.TrimRight(filepath.FromSlash(pattern), string(filepath.Separator))
	if pattern == "" {
		return 0, nil
	}
	dir, base := filepath.Split(pattern)
	if _, err := filepath.Match(base, ""); err != nil {
		return 0, []error{fmt.Errorf("pattern %q: %w", pattern, err)}
	}

	realDir, err := safety.ResolveRealUnderRoot(r.root, dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, []error{fmt.Errorf("pattern %q: %w", pattern, err)}
	}

	entries, err := os.ReadDir(realDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, []error{fmt.Errorf("reading %s: %w", realDir, err)}
	}

	var errs []error
	n := 0
	for _, e := range entries {
		if ok, _ := filepath.Match(base, e.Name()); !ok {
			continue
		}
		target := filepath.Join(realDir, e.Name())
		if err := os.RemoveAll(target); err != nil {
			errs = append(errs, fmt.Errorf("removing %s: %w", target, err))
			continue
		}
		r.logger.Debug("removed", "path", target)
		n++
	}
	return n, errs
}
