package store

import (
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

// newTestStore creates an in-memory SQLite store for testing
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// ============================================================================
// Store Lifecycle Tests
// ============================================================================

func TestNew(t *testing.T) {
	store := newTestStore(t)

	if store.db == nil {
		t.Error("Expected db to be initialized")
	}
	if store.logger == nil {
		t.Error("Expected logger to be initialized")
	}

	var version int
	if err := store.db.QueryRow("SELECT MAX(version) FROM migrations").Scan(&version); err != nil {
		t.Fatalf("failed to read migrations: %v", err)
	}
	if version != 2 {
		t.Errorf("schema version = %d, want 2", version)
	}
}

func TestNewReopenFile(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dsmanager.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := New(dbPath, logger)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := s.UpsertInstalled(&InstalledDataset{Key: "ds1", Version: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	// Migrations must be idempotent across reopen.
	s, err = New(dbPath, logger)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()
	if _, err := s.GetInstalled("ds1"); err != nil {
		t.Errorf("record lost across reopen: %v", err)
	}
}

// ============================================================================
// DownloadRun Tests
// ============================================================================

func TestDownloadRunLifecycle(t *testing.T) {
	s := newTestStore(t)

	run := &DownloadRun{
		JobID:      "job-1",
		DatasetKey: "ds1",
		URL:        "http://mirror/ds1.tar.gz",
		StartTime:  time.Now(),
	}
	if err := s.CreateDownloadRun(run); err != nil {
		t.Fatalf("CreateDownloadRun() failed: %v", err)
	}
	if run.ID == 0 {
		t.Error("expected ID to be set")
	}

	got, err := s.GetDownloadRun("job-1")
	if err != nil {
		t.Fatalf("GetDownloadRun() failed: %v", err)
	}
	if got.Status != RunStatusRunning {
		t.Errorf("Status = %q, want running", got.Status)
	}

	if err := s.FinishDownloadRun("job-1", RunStatusFailed, "integrity", "digest mismatch", 1234, true); err != nil {
		t.Fatalf("FinishDownloadRun() failed: %v", err)
	}
	got, err = s.GetDownloadRun("job-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != RunStatusFailed || got.FailureKind != "integrity" || got.ErrorMessage != "digest mismatch" {
		t.Errorf("unexpected run: %+v", got)
	}
	if got.Bytes != 1234 || !got.Resumed {
		t.Errorf("Bytes/Resumed = %d/%v", got.Bytes, got.Resumed)
	}
	if got.EndTime.IsZero() {
		t.Error("expected EndTime to be set")
	}
}

func TestFinishDownloadRunNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.FinishDownloadRun("missing", RunStatusSucceeded, "", "", 0, false)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetDownloadRun("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListDownloadRuns(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().Add(-time.Hour)
	for i, key := range []string{"ds1", "ds2", "ds1"} {
		run := &DownloadRun{
			JobID:      "job-" + string(rune('a'+i)),
			DatasetKey: key,
			StartTime:  base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.CreateDownloadRun(run); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.ListDownloadRuns("", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d runs, want 3", len(all))
	}
	if all[0].JobID != "job-c" {
		t.Errorf("expected newest first, got %s", all[0].JobID)
	}

	ds1, err := s.ListDownloadRuns("ds1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(ds1) != 2 {
		t.Errorf("got %d ds1 runs, want 2", len(ds1))
	}

	limited, err := s.ListDownloadRuns("", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Errorf("got %d runs with limit, want 1", len(limited))
	}
}

// ============================================================================
// InstalledDataset Tests
// ============================================================================

func TestInstalledDatasets(t *testing.T) {
	s := newTestStore(t)

	if err := s.UpsertInstalled(&InstalledDataset{Key: "ds2", Version: 1, SHA256: "aa"}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertInstalled(&InstalledDataset{Key: "ds1", Version: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetEnabled("ds1", true); err != nil {
		t.Fatal(err)
	}

	// Update keeps the enabled flag.
	if err := s.UpsertInstalled(&InstalledDataset{Key: "ds1", Version: 2}); err != nil {
		t.Fatal(err)
	}
	rec, err := s.GetInstalled("ds1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Version != 2 || !rec.Enabled {
		t.Errorf("unexpected record after update: %+v", rec)
	}

	recs, err := s.ListInstalled()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].Key != "ds1" || recs[1].Key != "ds2" {
		t.Errorf("unexpected list: %+v", recs)
	}

	if err := s.DeleteInstalled("ds1"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteInstalled("ds1"); err != nil {
		t.Errorf("deleting a missing record should succeed: %v", err)
	}
	if _, err := s.GetInstalled("ds1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.SetEnabled("ds1", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
