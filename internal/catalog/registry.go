package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrNotFound is returned for keys the registry does not know.
	ErrNotFound = errors.New("dataset not found")
	// ErrConflict is returned by Enable when another enabled dataset is
	// incompatible with the requested one.
	ErrConflict = errors.New("dataset conflicts with an enabled dataset")
	// ErrNotEnableable is returned by Enable for types that are not loaded
	// as standalone data, such as texture packs, or datasets not installed.
	ErrNotEnableable = errors.New("dataset cannot be enabled")
)

// Diff summarizes remote-vs-local state.
type Diff struct {
	Missing   []string
	Installed []string
	Outdated  []string
}

// Registry is the in-memory catalog. All accessors return copies; mutation
// goes through the Mark*/Enable/Disable methods.
type Registry struct {
	mu       sync.RWMutex
	datasets map[string]*Dataset
}

// NewRegistry builds a registry, rejecting duplicate keys.
func NewRegistry(datasets []Dataset) (*Registry, error) {
	r := &Registry{datasets: make(map[string]*Dataset, len(datasets))}
	for i := range datasets {
		d := datasets[i].Clone()
		d.normalize()
		if d.Key == "" {
			return nil, fmt.Errorf("dataset %d has neither key nor name", i)
		}
		if _, dup := r.datasets[d.Key]; dup {
			return nil, fmt.Errorf("duplicate dataset key %q", d.Key)
		}
		r.datasets[d.Key] = &d
	}
	return r, nil
}

// Get returns a copy of the dataset with the given key.
func (r *Registry) Get(key string) (Dataset, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.datasets[key]
	if !ok {
		return Dataset{}, false
	}
	return d.Clone(), true
}

// Len returns the number of datasets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.datasets)
}

// List returns every dataset ordered by type weight, then name.
func (r *Registry) List() []Dataset {
	return r.Filter("")
}

// Filter returns the datasets matching text, in List order.
func (r *Registry) Filter(text string) []Dataset {
	r.mu.RLock()
	out := make([]Dataset, 0, len(r.datasets))
	for _, d := range r.datasets {
		if d.Matches(text) {
			out = append(out, d.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		wi, wj := TypeWeight(out[i].Type), TypeWeight(out[j].Type)
		if wi != wj {
			return wi < wj
		}
		ni, nj := strings.ToLower(out[i].Name), strings.ToLower(out[j].Name)
		if ni != nj {
			return ni < nj
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Diff classifies every dataset as missing, installed-current or outdated.
// Each list is sorted by key.
func (r *Registry) Diff() Diff {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var diff Diff
	for key, d := range r.datasets {
		switch d.Status() {
		case NotInstalled:
			diff.Missing = append(diff.Missing, key)
		case Outdated:
			diff.Outdated = append(diff.Outdated, key)
		default:
			diff.Installed = append(diff.Installed, key)
		}
	}
	sort.Strings(diff.Missing)
	sort.Strings(diff.Installed)
	sort.Strings(diff.Outdated)
	return diff
}

// MarkInstalled records a successful install or update: the dataset exists
// at its remote version.
func (r *Registry) MarkInstalled(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.datasets[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	d.Exists = true
	d.LocalVersion = d.RemoteVersion
	return nil
}

// MarkRemoved records an uninstall. A removed dataset is never enabled.
func (r *Registry) MarkRemoved(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.datasets[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	d.Exists = false
	d.LocalVersion = -1
	d.Enabled = false
	return nil
}

// SetLocal applies detected local state. A negative version with exists set
// is stored as 0.
func (r *Registry) SetLocal(key string, exists bool, version int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.datasets[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	d.Exists = exists
	switch {
	case !exists:
		d.LocalVersion = -1
		d.Enabled = false
	case version < 0:
		d.LocalVersion = 0
	default:
		d.LocalVersion = version
	}
	return nil
}

// Enable marks an installed dataset as selected for loading. Unless force is
// set, it fails with ErrConflict when an incompatible dataset is enabled:
// two level-of-detail star catalogs, two cluster catalogs, or two SDSS galaxy
// catalogs.
func (r *Registry) Enable(key string, force bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.datasets[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if d.Type == "texture-pack" {
		return fmt.Errorf("%w: %s is a texture pack", ErrNotEnableable, key)
	}
	if !d.Exists {
		return fmt.Errorf("%w: %s is not installed", ErrNotEnableable, key)
	}
	if !force {
		if other, ok := r.conflictLocked(d); ok {
			return fmt.Errorf("%w: %s conflicts with %s", ErrConflict, key, other)
		}
	}
	d.Enabled = true
	return nil
}

// Disable clears the selected flag. Base data stays enabled.
func (r *Registry) Disable(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.datasets[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if d.IsBase() {
		return nil
	}
	d.Enabled = false
	return nil
}

// EnabledKeys returns the keys of enabled datasets, sorted.
func (r *Registry) EnabledKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var keys []string
	for key, d := range r.datasets {
		if d.Enabled {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func (r *Registry) conflictLocked(d *Dataset) (string, bool) {
	exclusive := d.Type == "catalog-lod" || d.Type == "catalog-cluster" ||
		(d.Type == "catalog-gal" && strings.Contains(d.Key, "sdss"))
	if !exclusive {
		return "", false
	}
	for key, other := range r.datasets {
		if key == d.Key || !other.Enabled || other.Type != d.Type {
			continue
		}
		if d.Type == "catalog-gal" && !strings.Contains(key, "sdss") {
			continue
		}
		return key, true
	}
	return "", false
}
