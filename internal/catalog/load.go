package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/BadgerOps/dsmanager/internal/safety"
)

// maxCatalogSize bounds catalog downloads.
const maxCatalogSize = 16 << 20

// File is the on-disk catalog layout. JSON catalogs decode too, since YAML
// is a superset.
type File struct {
	Version  int       `yaml:"version"`
	Datasets []Dataset `yaml:"datasets"`
}

// Parse decodes catalog bytes.
func Parse(data []byte) ([]Dataset, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}
	for i := range f.Datasets {
		f.Datasets[i].normalize()
	}
	return f.Datasets, nil
}

// Load reads a catalog from a local path, a file:// URL or an HTTP(S) URL.
// client may be nil for local sources.
func Load(ctx context.Context, source string, client *http.Client) ([]Dataset, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return fetch(ctx, source, client)
	}
	path := source
	if strings.HasPrefix(source, "file://") {
		u, err := url.Parse(source)
		if err != nil {
			return nil, fmt.Errorf("invalid catalog URL: %w", err)
		}
		path = u.Path
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog %s: %w", path, err)
	}
	return Parse(data)
}

func fetch(ctx context.Context, rawURL string, client *http.Client) ([]Dataset, error) {
	if _, err := safety.ValidateHTTPURL(rawURL); err != nil {
		return nil, err
	}
	if client == nil {
		client = safety.NewHTTPClient(0)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating catalog request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching catalog: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching catalog: unexpected status %s", resp.Status)
	}
	data, err := safety.ReadAllWithLimit(resp.Body, maxCatalogSize)
	if err != nil {
		return nil, fmt.Errorf("reading catalog body: %w", err)
	}
	return Parse(data)
}

// Detect marks datasets whose check path exists under root as installed and
// reads their local version from the check file when it is JSON. Datasets
// without a check path are left untouched. The input slice is not modified.
func Detect(root string, datasets []Dataset, logger *slog.Logger) []Dataset {
	if logger == nil {
		logger = slog.Default()
	}
	out := make([]Dataset, len(datasets))
	for i := range datasets {
		d := datasets[i].Clone()
		out[i] = d
		rel := d.CheckPath()
		if rel == "" {
			continue
		}
		path, err := safety.SafeJoinUnder(root, rel)
		if err != nil {
			logger.Warn("ignoring unsafe check path", "key", d.Key, "check", d.Check, "error", err)
			continue
		}
		if _, err := os.Stat(path); err != nil {
			out[i].Exists = false
			out[i].LocalVersion = -1
			continue
		}
		out[i].Exists = true
		out[i].LocalVersion = checkVersion(path, logger)
	}
	return out
}

// Refresh re-runs detection against root and applies it to the registry.
func (r *Registry) Refresh(root string, logger *slog.Logger) {
	r.RefreshExcept(root, logger, nil)
}

// RefreshExcept is Refresh, leaving datasets for which skip returns true
// untouched. skip may be nil.
func (r *Registry) RefreshExcept(root string, logger *slog.Logger, skip func(key string) bool) {
	current := r.List()
	for _, d := range Detect(root, current, logger) {
		if d.CheckPath() == "" {
			continue
		}
		if skip != nil && skip(d.Key) {
			continue
		}
		_ = r.SetLocal(d.Key, d.Exists, d.LocalVersion)
	}
}

// checkVersion reads the top-level integer "version" of a JSON check file.
// Anything else yields 0.
func checkVersion(path string, logger *slog.Logger) int {
	if !strings.EqualFold(filepath.Ext(path), ".json") {
		return 0
	}
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	var doc struct {
		Version *json.Number `json:"version"`
	}
	dec := json.NewDecoder(io.LimitReader(f, maxCatalogSize))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		var syntaxErr *json.SyntaxError
		if !errors.As(err, &syntaxErr) {
			logger.Debug("check file is not a JSON object", "path", path, "error", err)
		} else {
			logger.Warn("malformed check file", "path", path, "error", err)
		}
		return 0
	}
	if doc.Version == nil {
		return 0
	}
	v, err := doc.Version.Int64()
	if err != nil {
		logger.Warn("check file version is not an integer", "path", path, "version", doc.Version.String())
		return 0
	}
	return int(v)
}
