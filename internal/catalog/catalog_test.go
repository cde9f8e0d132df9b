package catalog

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

const sampleCatalog = `
version: 1
datasets:
  - key: default-data
    name: Base data
    type: data-pack
    version: 3
    file: "@mirror-url@/default-data.tar.gz"
    sha256: abc
    size: 1000
    check: "$data/default-data/version.json"
    files: ["$data/default-data/"]
  - key: hip
    name: Hipparcos
    description: Bright star catalog
    type: catalog-star
    version: 2
    file: "@mirror-url@/hip.tar.gz"
    check: "$data/catalog/hip/metadata.json"
    files: ["$data/catalog/hip/", "$data/catalog-hip.json"]
  - name: Mars textures
    type: texture-pack
    version: 1
`

func testDatasets(t *testing.T) []Dataset {
	t.Helper()
	ds, err := Parse([]byte(sampleCatalog))
	require.NoError(t, err)
	return ds
}

func TestParse(t *testing.T) {
	ds := testDatasets(t)
	require.Len(t, ds, 3)

	assert.Equal(t, "default-data", ds[0].Key)
	assert.True(t, ds[0].IsBase())
	assert.Equal(t, "@mirror-url@/default-data.tar.gz", ds[0].SourceURL)
	assert.Equal(t, int64(1000), ds[0].SizeBytes)
	assert.Equal(t, -1, ds[0].LocalVersion)

	assert.Equal(t, "Mars-textures", ds[2].Key, "key derives from name")
	assert.Equal(t, []string{"catalog/hip/", "catalog-hip.json"}, ds[1].ManifestPatterns())
	assert.Equal(t, "catalog/hip/metadata.json", ds[1].CheckPath())
}

func TestParseJSON(t *testing.T) {
	ds, err := Parse([]byte(`{"datasets":[{"key":"ds1","type":"catalog-gal","version":4}]}`))
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, 4, ds[0].RemoteVersion)
}

func TestStatus(t *testing.T) {
	tests := []struct {
		name   string
		d      Dataset
		status Status
	}{
		{"missing", Dataset{RemoteVersion: 2, LocalVersion: -1}, NotInstalled},
		{"current", Dataset{RemoteVersion: 2, LocalVersion: 2, Exists: true}, Installed},
		{"newer local", Dataset{RemoteVersion: 2, LocalVersion: 3, Exists: true}, Installed},
		{"outdated", Dataset{RemoteVersion: 2, LocalVersion: 1, Exists: true}, Outdated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, tt.d.Status())
		})
	}
}

func TestMatches(t *testing.T) {
	d := Dataset{Key: "hip", Name: "Hipparcos", Description: "Bright star catalog", Type: "catalog-star"}
	for _, text := range []string{"", "HIPPAR", "bright", "hip", "catalog-star"} {
		assert.True(t, d.Matches(text), text)
	}
	assert.False(t, d.Matches("galaxy"))
}

func TestRegistryListOrder(t *testing.T) {
	reg, err := NewRegistry(testDatasets(t))
	require.NoError(t, err)

	list := reg.List()
	require.Len(t, list, 3)
	assert.Equal(t, []string{"default-data", "Mars-textures", "hip"}, []string{list[0].Key, list[1].Key, list[2].Key})

	assert.Len(t, reg.Filter("star"), 1)
}

func TestRegistryDuplicateKey(t *testing.T) {
	_, err := NewRegistry([]Dataset{{Key: "a"}, {Key: "a"}})
	assert.Error(t, err)
}

func TestRegistryGetReturnsCopy(t *testing.T) {
	reg, err := NewRegistry(testDatasets(t))
	require.NoError(t, err)

	d, ok := reg.Get("hip")
	require.True(t, ok)
	d.Exists = true
	d.Files[0] = "mutated"

	again, _ := reg.Get("hip")
	assert.False(t, again.Exists)
	assert.Equal(t, "$data/catalog/hip/", again.Files[0])
}

func TestRegistryDiffAndMarks(t *testing.T) {
	reg, err := NewRegistry(testDatasets(t))
	require.NoError(t, err)

	require.NoError(t, reg.SetLocal("default-data", true, 1))
	diff := reg.Diff()
	assert.Equal(t, []string{"default-data"}, diff.Outdated)
	assert.Equal(t, []string{"Mars-textures", "hip"}, diff.Missing)
	assert.Empty(t, diff.Installed)

	require.NoError(t, reg.MarkInstalled("default-data"))
	d, _ := reg.Get("default-data")
	assert.Equal(t, 3, d.LocalVersion)
	assert.Equal(t, Installed, d.Status())

	require.NoError(t, reg.MarkRemoved("default-data"))
	d, _ = reg.Get("default-data")
	assert.False(t, d.Exists)
	assert.Equal(t, -1, d.LocalVersion)

	assert.ErrorIs(t, reg.MarkInstalled("nope"), ErrNotFound)
}

func TestRegistryEnableConflicts(t *testing.T) {
	reg, err := NewRegistry([]Dataset{
		{Key: "lod-a", Type: "catalog-lod", Exists: true},
		{Key: "lod-b", Type: "catalog-lod", Exists: true},
		{Key: "sdss-dr12", Type: "catalog-gal", Exists: true},
		{Key: "sdss-dr17", Type: "catalog-gal", Exists: true},
		{Key: "ngc", Type: "catalog-gal", Exists: true},
		{Key: "earth", Type: "texture-pack", Exists: true},
		{Key: "absent", Type: "mesh"},
		{Key: "default-data", Type: "data-pack", Exists: true},
	})
	require.NoError(t, err)

	require.NoError(t, reg.Enable("lod-a", false))
	assert.ErrorIs(t, reg.Enable("lod-b", false), ErrConflict)
	require.NoError(t, reg.Enable("lod-b", true))

	require.NoError(t, reg.Enable("sdss-dr12", false))
	require.NoError(t, reg.Enable("ngc", false), "non-sdss galaxy catalogs do not conflict")
	assert.ErrorIs(t, reg.Enable("sdss-dr17", false), ErrConflict)

	assert.ErrorIs(t, reg.Enable("earth", false), ErrNotEnableable)
	assert.ErrorIs(t, reg.Enable("absent", false), ErrNotEnableable)

	require.NoError(t, reg.Enable("default-data", false))
	require.NoError(t, reg.Disable("default-data"))
	d, _ := reg.Get("default-data")
	assert.True(t, d.Enabled, "base data cannot be disabled")

	require.NoError(t, reg.Disable("lod-a"))
	assert.Equal(t, []string{"default-data", "lod-b", "ngc", "sdss-dr12"}, reg.EnabledKeys())
}

func TestDetect(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "default-data"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "default-data", "version.json"), []byte(`{"version": 2, "name": "base"}`), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "catalog", "hip"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "catalog", "hip", "metadata.json"), []byte(`{"name": "hip"}`), 0o644))

	in := testDatasets(t)
	out := Detect(root, in, quietLogger)

	assert.True(t, out[0].Exists)
	assert.Equal(t, 2, out[0].LocalVersion)
	assert.True(t, out[1].Exists)
	assert.Equal(t, 0, out[1].LocalVersion, "missing version defaults to 0")
	assert.False(t, out[2].Exists)
	assert.False(t, in[0].Exists, "input must not be modified")

	reg, err := NewRegistry(in)
	require.NoError(t, err)
	reg.Refresh(root, quietLogger)
	diff := reg.Diff()
	assert.Empty(t, diff.Installed)
	assert.Equal(t, []string{"default-data", "hip"}, diff.Outdated, "local versions below remote are outdated")
	assert.Equal(t, []string{"Mars-textures"}, diff.Missing)
}

func TestDetectRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	out := Detect(root, []Dataset{{Key: "evil", Check: "../../etc/passwd", LocalVersion: -1}}, quietLogger)
	assert.False(t, out[0].Exists)
}

func TestLoadFileAndHTTP(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleCatalog), 0o644))

	ds, err := Load(context.Background(), path, nil)
	require.NoError(t, err)
	assert.Len(t, ds, 3)

	ds, err = Load(context.Background(), "file://"+path, nil)
	require.NoError(t, err)
	assert.Len(t, ds, 3)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/catalog.yaml" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(sampleCatalog))
	}))
	defer server.Close()

	ds, err = Load(context.Background(), server.URL+"/catalog.yaml", server.Client())
	require.NoError(t, err)
	assert.Len(t, ds, 3)

	_, err = Load(context.Background(), server.URL+"/missing.yaml", server.Client())
	assert.Error(t, err)
}

func TestWatcherRefreshesOnChange(t *testing.T) {
	root := t.TempDir()
	reg, err := NewRegistry([]Dataset{{Key: "ds1", Check: "$data/ds1/marker.txt", RemoteVersion: 1}})
	require.NoError(t, err)

	changed := make(chan struct{}, 4)
	w, err := NewWatcher(reg, root, quietLogger, func() { changed <- struct{}{} })
	require.NoError(t, err)
	w.SetDebounce(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	require.NoError(t, os.MkdirAll(filepath.Join(root, "ds1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "ds1", "marker.txt"), []byte("x"), 0o644))

	require.Eventually(t, func() bool {
		d, _ := reg.Get("ds1")
		return d.Exists
	}, 5*time.Second, 20*time.Millisecond)

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("onChange never called")
	}
}

func TestRegistryRefreshExceptLeavesSkipped(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "default-data"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "default-data", "version.json"), []byte(`{"version": 3}`), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "catalog", "hip"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "catalog", "hip", "metadata.json"), []byte(`{"version": 2}`), 0o644))

	reg, err := NewRegistry(testDatasets(t))
	require.NoError(t, err)
	reg.RefreshExcept(root, quietLogger, func(key string) bool { return key == "hip" })

	base, _ := reg.Get("default-data")
	assert.True(t, base.Exists)
	hip, _ := reg.Get("hip")
	assert.False(t, hip.Exists, "skipped dataset must keep its state")
	assert.Equal(t, -1, hip.LocalVersion)

	reg.RefreshExcept(root, quietLogger, nil)
	hip, _ = reg.Get("hip")
	assert.True(t, hip.Exists)
	assert.Equal(t, 2, hip.LocalVersion)
}
