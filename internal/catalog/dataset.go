// Package catalog holds the dataset registry: descriptors loaded from a
// catalog file, reconciled against what is installed under the data root.
package catalog

import (
	"strings"
)

// DataToken prefixes manifest and check paths that are relative to the
// data root.
const DataToken = "$data/"

// BaseDataKey is the key of the dataset every installation needs.
const BaseDataKey = "default-data"

// Status is the install state of a dataset.
type Status int

const (
	NotInstalled Status = iota
	Installed
	Outdated
)

func (s Status) String() string {
	switch s {
	case Installed:
		return "installed"
	case Outdated:
		return "outdated"
	default:
		return "not-installed"
	}
}

// Dataset describes one installable unit. The yaml tags follow the field
// names used by published catalogs.
type Dataset struct {
	Key           string   `yaml:"key" json:"key"`
	Name          string   `yaml:"name" json:"name"`
	Description   string   `yaml:"description" json:"description,omitempty"`
	Type          string   `yaml:"type" json:"type"`
	ReleaseNotes  string   `yaml:"releasenotes" json:"releaseNotes,omitempty"`
	Link          string   `yaml:"link" json:"link,omitempty"`
	RemoteVersion int      `yaml:"version" json:"remoteVersion"`
	SourceURL     string   `yaml:"file" json:"sourceURL,omitempty"`
	Digest        string   `yaml:"sha256" json:"digest,omitempty"`
	SizeBytes     int64    `yaml:"size" json:"sizeBytes"`
	ObjectCount   int64    `yaml:"nobjects" json:"objectCount"`
	Files         []string `yaml:"files" json:"files,omitempty"`
	Check         string   `yaml:"check" json:"check,omitempty"`
	MinAppVersion int      `yaml:"mingsversion" json:"minAppVersion,omitempty"`
	Base          bool     `yaml:"base" json:"baseData"`

	// Local state, never read from the catalog.
	Exists       bool `yaml:"-" json:"exists"`
	LocalVersion int  `yaml:"-" json:"localVersion"`
	Enabled      bool `yaml:"-" json:"enabled"`
}

// IsBase reports whether the dataset is base data, which cannot be disabled
// or removed.
func (d *Dataset) IsBase() bool {
	return d.Base || d.Key == BaseDataKey
}

// Status derives the install state from Exists and the two versions.
func (d *Dataset) Status() Status {
	switch {
	case !d.Exists:
		return NotInstalled
	case d.LocalVersion < d.RemoteVersion:
		return Outdated
	default:
		return Installed
	}
}

// Outdated reports whether an installed dataset has a newer remote version.
func (d *Dataset) Outdated() bool {
	return d.Status() == Outdated
}

// Matches is a case-insensitive substring filter over name, description,
// key and type. Empty text matches everything.
func (d *Dataset) Matches(text string) bool {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return true
	}
	for _, field := range []string{d.Name, d.Description, d.Key, d.Type} {
		if strings.Contains(strings.ToLower(field), text) {
			return true
		}
	}
	return false
}

// CheckPath returns the check marker path relative to the data root.
func (d *Dataset) CheckPath() string {
	return StripDataToken(d.Check)
}

// ManifestPatterns returns the files manifest relative to the data root.
func (d *Dataset) ManifestPatterns() []string {
	out := make([]string, 0, len(d.Files))
	for _, f := range d.Files {
		if p := StripDataToken(f); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// StripDataToken removes a leading $data/ token.
func StripDataToken(p string) string {
	return strings.TrimPrefix(strings.TrimSpace(p), DataToken)
}

// Clone returns a deep copy.
func (d *Dataset) Clone() Dataset {
	c := *d
	if d.Files != nil {
		c.Files = append([]string(nil), d.Files...)
	}
	return c
}

// normalize fills derived defaults after decoding.
func (d *Dataset) normalize() {
	if d.Key == "" {
		d.Key = strings.Join(strings.Fields(d.Name), "-")
	}
	if d.Type == "" {
		d.Type = "other"
	}
	if !d.Exists {
		d.LocalVersion = -1
	}
}

// TypeWeight orders dataset types for listings.
func TypeWeight(datasetType string) int {
	switch datasetType {
	case "data-pack":
		return -2
	case "texture-pack":
		return -1
	case "catalog-lod":
		return 0
	case "catalog-gaia":
		return 1
	case "catalog-star":
		return 2
	case "catalog-gal":
		return 3
	case "catalog-cluster":
		return 4
	case "catalog-sso":
		return 5
	case "catalog-other":
		return 6
	case "system":
		return 7
	case "spacecraft":
		return 8
	case "mesh":
		return 9
	case "volume":
		return 10
	case "virtualtex-pack":
		return 11
	case "other":
		return 12
	default:
		return 13
	}
}
