package server

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BadgerOps/dsmanager/internal/archive"
	"github.com/BadgerOps/dsmanager/internal/catalog"
	"github.com/BadgerOps/dsmanager/internal/config"
	"github.com/BadgerOps/dsmanager/internal/download"
	"github.com/BadgerOps/dsmanager/internal/engine"
	"github.com/BadgerOps/dsmanager/internal/integrity"
	"github.com/BadgerOps/dsmanager/internal/mirror"
	"github.com/BadgerOps/dsmanager/internal/store"
)

type testEnv struct {
	root   string
	store  *store.Store
	orch   *engine.Orchestrator
	server *httptest.Server
}

func fixtureArchive(t *testing.T) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	body := `{"version": 1}`
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "gaia/version.json", Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
	_, err := tw.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	sum := sha256.Sum256(buf.Bytes())
	return buf.Bytes(), hex.EncodeToString(sum[:])
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	body, digest := fixtureArchive(t)
	mirrorSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/gaia.tar.gz" {
			http.NotFound(w, r)
			return
		}
		w.Write(body)
	}))
	t.Cleanup(mirrorSrv.Close)

	root := t.TempDir()
	registry, err := catalog.NewRegistry([]catalog.Dataset{
		{Key: catalog.BaseDataKey, Name: "Base data", Type: "data-pack", RemoteVersion: 1, Exists: true, LocalVersion: 1},
		{Key: "gaia", Name: "Gaia DR3", Description: "Star catalog", Type: "catalog-lod", RemoteVersion: 1,
			SourceURL: "@mirror-url@/gaia.tar.gz", Digest: digest, Check: "$data/gaia/version.json", Files: []string{"$data/gaia/"}},
		{Key: "tex", Name: "Textures", Type: "texture-pack", RemoteVersion: 1, SourceURL: "@mirror-url@/tex.tar.gz"},
	})
	require.NoError(t, err)

	st, err := store.New(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			t.Fatalf("failed to close store: %v", err)
		}
	})

	cfg := config.DefaultConfig()
	cfg.Data.Location = root
	cfg.Data.Mirror = mirrorSrv.URL

	orch := engine.New(registry,
		download.NewClient(logger, download.Options{}),
		integrity.NewVerifier(logger),
		archive.NewInstaller(logger, archive.Options{}),
		engine.Options{
			DataRoot:  root,
			Mirror:    mirrorSrv.URL,
			History:   st,
			FreeSpace: func(string) (uint64, error) { return 1 << 40, nil },
		}, logger)
	t.Cleanup(orch.Close)

	srv := NewServer(orch, st, mirror.NewRanker(logger, "", ""), cfg, logger)
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)

	return &testEnv{root: root, store: st, orch: orch, server: httpSrv}
}

func (e *testEnv) do(t *testing.T, method, path string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (e *testEnv) dialEvents(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/api/events" + query
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readUntilFinished(t *testing.T, conn *websocket.Conn) []engine.Event {
	t.Helper()
	var events []engine.Event
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		var ev engine.Event
		require.NoError(t, conn.ReadJSON(&ev))
		events = append(events, ev)
		if ev.Type == engine.EventFinished {
			return events
		}
	}
}

func TestListDatasets(t *testing.T) {
	env := setupTestServer(t)

	var all []DatasetJSON
	require.Equal(t, http.StatusOK, env.do(t, "GET", "/api/datasets", &all))
	require.Len(t, all, 3)
	// Data packs sort first, then texture packs, then catalogs.
	assert.Equal(t, catalog.BaseDataKey, all[0].Key)
	assert.Equal(t, "tex", all[1].Key)
	assert.Equal(t, "gaia", all[2].Key)
	assert.Equal(t, "installed", all[0].Status)
	assert.Equal(t, "not-installed", all[2].Status)

	var filtered []DatasetJSON
	require.Equal(t, http.StatusOK, env.do(t, "GET", "/api/datasets?q=star", &filtered))
	require.Len(t, filtered, 1)
	assert.Equal(t, "gaia", filtered[0].Key)
}

func TestGetDatasetNotFound(t *testing.T) {
	env := setupTestServer(t)
	var body map[string]string
	assert.Equal(t, http.StatusNotFound, env.do(t, "GET", "/api/datasets/nope", &body))
	assert.NotEmpty(t, body["error"])
}

func TestDownloadStreamsEvents(t *testing.T) {
	env := setupTestServer(t)
	conn := env.dialEvents(t, "?key=gaia")

	var accepted map[string]string
	require.Equal(t, http.StatusAccepted, env.do(t, "POST", "/api/datasets/gaia/download", &accepted))
	require.NotEmpty(t, accepted["job_id"])

	events := readUntilFinished(t, conn)
	assert.Equal(t, engine.EventStarted, events[0].Type)
	last := events[len(events)-1]
	assert.Equal(t, engine.OutcomeSuccess, last.Outcome, last.Error)
	assert.Equal(t, accepted["job_id"], last.JobID)
	for _, ev := range events {
		assert.Equal(t, "gaia", ev.Key)
	}
	assert.FileExists(t, filepath.Join(env.root, "gaia", "version.json"))

	var ds DatasetJSON
	require.Equal(t, http.StatusOK, env.do(t, "GET", "/api/datasets/gaia", &ds))
	assert.Equal(t, "installed", ds.Status)

	var runs []store.DownloadRun
	require.Equal(t, http.StatusOK, env.do(t, "GET", "/api/history?key=gaia", &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, store.RunStatusSucceeded, runs[0].Status)

	// Enable after install, then remove.
	require.Equal(t, http.StatusOK, env.do(t, "POST", "/api/datasets/gaia/enable", &ds))
	assert.True(t, ds.Enabled)
	rec, err := env.store.GetInstalled("gaia")
	require.NoError(t, err)
	assert.True(t, rec.Enabled)

	var removed RemoveResponse
	require.Equal(t, http.StatusOK, env.do(t, "DELETE", "/api/datasets/gaia", &removed))
	assert.True(t, removed.Deleted)
	assert.NoDirExists(t, filepath.Join(env.root, "gaia"))
}

func TestDownloadErrors(t *testing.T) {
	env := setupTestServer(t)
	var body map[string]string
	assert.Equal(t, http.StatusNotFound, env.do(t, "POST", "/api/datasets/nope/download", &body))
	assert.Equal(t, http.StatusNotFound, env.do(t, "POST", "/api/datasets/gaia/cancel", &body))
}

func TestEnableAndRemoveRejections(t *testing.T) {
	env := setupTestServer(t)
	var body map[string]string

	assert.Equal(t, http.StatusUnprocessableEntity, env.do(t, "POST", "/api/datasets/gaia/enable", &body), "not installed")
	assert.Equal(t, http.StatusUnprocessableEntity, env.do(t, "POST", "/api/datasets/tex/enable", &body), "texture pack")
	assert.Equal(t, http.StatusNotFound, env.do(t, "POST", "/api/datasets/nope/disable", &body))

	assert.Equal(t, http.StatusForbidden, env.do(t, "DELETE", "/api/datasets/"+catalog.BaseDataKey, &body))
	assert.Equal(t, http.StatusNotFound, env.do(t, "DELETE", "/api/datasets/nope", &body))
}

func TestCleanupAndActive(t *testing.T) {
	env := setupTestServer(t)
	tmp := filepath.Join(env.root, "tmp")
	require.NoError(t, os.MkdirAll(tmp, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tmp, "stale.tar.gz.part"), []byte("x"), 0o644))

	var resp struct {
		Removed []string `json:"removed"`
	}
	require.Equal(t, http.StatusOK, env.do(t, "POST", "/api/cleanup", &resp))
	assert.Len(t, resp.Removed, 1)
	assert.NoFileExists(t, filepath.Join(tmp, "stale.tar.gz.part"))

	var active []engine.JobProgress
	require.Equal(t, http.StatusOK, env.do(t, "GET", "/api/downloads", &active))
	assert.Empty(t, active)
}

func TestSpeedTestRequiresURLs(t *testing.T) {
	env := setupTestServer(t)
	var body map[string]string
	assert.Equal(t, http.StatusBadRequest, env.do(t, "POST", "/api/mirrors/speedtest", &body))
}

func TestHistoryBadLimit(t *testing.T) {
	env := setupTestServer(t)
	var body map[string]string
	assert.Equal(t, http.StatusBadRequest, env.do(t, "GET", "/api/history?limit=x", &body))
}
