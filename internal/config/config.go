package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MirrorAuto selects the fastest entry of Data.Mirrors at startup.
const MirrorAuto = "auto"

// Config is the top-level configuration
type Config struct {
	Data     DataConfig     `yaml:"data"`
	Download DownloadConfig `yaml:"download"`
	Server   ServerConfig   `yaml:"server"`
	App      AppConfig      `yaml:"app"`
}

// DataConfig holds the data root and dataset source settings
type DataConfig struct {
	Location string   `yaml:"location"`
	Mirror   string   `yaml:"mirror"`
	Mirrors  []string `yaml:"mirrors"`
	Catalog  string   `yaml:"catalog"`
	Offline  bool     `yaml:"offline"`
	Staging  bool     `yaml:"staging"`
	DBPath   string   `yaml:"db_path"`
}

// DownloadConfig holds transfer settings
type DownloadConfig struct {
	ProgressInterval time.Duration `yaml:"progress_interval"`
	UserAgent        string        `yaml:"user_agent"`
	MaxParallel      int           `yaml:"max_parallel"`
}

// ServerConfig holds the event/API server settings
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// AppConfig describes the consuming application, used for compatibility gating.
// A zero Version disables gating.
type AppConfig struct {
	Version int `yaml:"version"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	dataDir := "/var/lib/dsmanager"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".local", "share", "dsmanager")
	}
	return &Config{
		Data: DataConfig{
			Location: dataDir,
			Mirror:   "https://gaia.ari.uni-heidelberg.de/gaiasky/files/repository",
			Catalog:  "catalog.yaml",
			Staging:  true,
		},
		Download: DownloadConfig{
			ProgressInterval: 250 * time.Millisecond,
			UserAgent:        "dsmanager/1.0",
			MaxParallel:      1,
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:8090",
		},
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the fields other components rely on.
func (c *Config) Validate() error {
	if c.Data.Location == "" {
		return fmt.Errorf("data.location is required")
	}
	if c.Download.ProgressInterval <= 0 {
		return fmt.Errorf("download.progress_interval must be positive, got %s", c.Download.ProgressInterval)
	}
	if c.Download.MaxParallel < 0 {
		return fmt.Errorf("download.max_parallel must not be negative, got %d", c.Download.MaxParallel)
	}
	if c.Data.Mirror == MirrorAuto && len(c.Data.Mirrors) == 0 {
		return fmt.Errorf("data.mirror is %q but data.mirrors is empty", MirrorAuto)
	}
	return nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"dsmanager.yaml",
		"/etc/dsmanager/dsmanager.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "dsmanager", "dsmanager.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// TempDir returns the directory holding in-progress downloads.
func (c *Config) TempDir() string {
	return filepath.Join(c.Data.Location, "tmp")
}

// StagingDir returns the parent directory for staged extractions, or "" when
// staging is disabled. Each extraction gets its own staging-<id> child.
func (c *Config) StagingDir() string {
	if !c.Data.Staging {
		return ""
	}
	return c.TempDir()
}

// DatabasePath returns the SQLite history path, defaulting to the data root.
func (c *Config) DatabasePath() string {
	if c.Data.DBPath != "" {
		return c.Data.DBPath
	}
	return filepath.Join(c.Data.Location, "dsmanager.db")
}

// CatalogPath returns the catalog location. Relative file paths are resolved
// against the data root; URLs are returned unchanged.
func (c *Config) CatalogPath() string {
	cat := c.Data.Catalog
	if cat == "" || filepath.IsAbs(cat) || isURL(cat) {
		return cat
	}
	return filepath.Join(c.Data.Location, cat)
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "file://")
}

// Marshal renders the config as YAML.
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshaling config: %w", err)
	}
	return data, nil
}
