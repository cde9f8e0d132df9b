package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Store provides SQLite-backed persistence
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Jobs finish on their own goroutines; one connection serializes writers
	// and keeps :memory: databases to a single instance.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Debug("Store initialized successfully", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// ============================================================================
// DownloadRun Operations
// ============================================================================

// CreateDownloadRun inserts a new DownloadRun and sets its ID
func (s *Store) CreateDownloadRun(run *DownloadRun) error {
	const query = `
		INSERT INTO download_runs (
			job_id, dataset_key, url, start_time, end_time, bytes, resumed,
			status, failure_kind, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if run.Status == "" {
		run.Status = RunStatusRunning
	}

	result, err := s.db.Exec(
		query,
		run.JobID, run.DatasetKey, run.URL, run.StartTime, run.EndTime,
		run.Bytes, run.Resumed, run.Status, run.FailureKind, run.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert download run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	run.ID = id
	return nil
}

// FinishDownloadRun records the terminal state of the run with the given job ID
func (s *Store) FinishDownloadRun(jobID, status, failureKind, errMsg string, bytes int64, resumed bool) error {
	const query = `
		UPDATE download_runs SET
			end_time = ?, bytes = ?, resumed = ?, status = ?, failure_kind = ?, error_message = ?
		WHERE job_id = ?
	`

	result, err := s.db.Exec(query, time.Now(), bytes, resumed, status, failureKind, errMsg, jobID)
	if err != nil {
		return fmt.Errorf("failed to update download run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("download run %s: %w", jobID, ErrNotFound)
	}

	return nil
}

// GetDownloadRun retrieves a DownloadRun by job ID
func (s *Store) GetDownloadRun(jobID string) (*DownloadRun, error) {
	const query = `
		SELECT id, job_id, dataset_key, url, start_time, end_time, bytes, resumed,
		       status, failure_kind, error_message
		FROM download_runs WHERE job_id = ?
	`

	run := &DownloadRun{}
	err := s.db.QueryRow(query, jobID).Scan(
		&run.ID, &run.JobID, &run.DatasetKey, &run.URL, &run.StartTime, &run.EndTime,
		&run.Bytes, &run.Resumed, &run.Status, &run.FailureKind, &run.ErrorMessage,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("download run %s: %w", jobID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query download run: %w", err)
	}

	return run, nil
}

// ListDownloadRuns retrieves DownloadRuns newest first, optionally filtered by dataset key
func (s *Store) ListDownloadRuns(datasetKey string, limit int) ([]DownloadRun, error) {
	query := `
		SELECT id, job_id, dataset_key, url, start_time, end_time, bytes, resumed,
		       status, failure_kind, error_message
		FROM download_runs
	`
	var args []interface{}

	if datasetKey != "" {
		query += " WHERE dataset_key = ?"
		args = append(args, datasetKey)
	}

	query += " ORDER BY start_time DESC, id DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query download runs: %w", err)
	}
	defer rows.Close()

	var runs []DownloadRun
	for rows.Next() {
		run := DownloadRun{}
		err := rows.Scan(
			&run.ID, &run.JobID, &run.DatasetKey, &run.URL, &run.StartTime, &run.EndTime,
			&run.Bytes, &run.Resumed, &run.Status, &run.FailureKind, &run.ErrorMessage,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan download run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating download runs: %w", err)
	}

	return runs, nil
}

// ============================================================================
// InstalledDataset Operations
// ============================================================================

// UpsertInstalled inserts or replaces the install record for a dataset
func (s *Store) UpsertInstalled(rec *InstalledDataset) error {
	const query = `
		INSERT INTO installed_datasets (dataset_key, version, sha256, installed_at, enabled)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(dataset_key) DO UPDATE SET
			version = excluded.version,
			sha256 = excluded.sha256,
			installed_at = excluded.installed_at
	`

	if rec.InstalledAt.IsZero() {
		rec.InstalledAt = time.Now()
	}
	if _, err := s.db.Exec(query, rec.Key, rec.Version, rec.SHA256, rec.InstalledAt, rec.Enabled); err != nil {
		return fmt.Errorf("failed to upsert installed dataset: %w", err)
	}
	return nil
}

// GetInstalled retrieves the install record for a dataset
func (s *Store) GetInstalled(key string) (*InstalledDataset, error) {
	const query = `
		SELECT dataset_key, version, sha256, installed_at, enabled
		FROM installed_datasets WHERE dataset_key = ?
	`

	rec := &InstalledDataset{}
	err := s.db.QueryRow(query, key).Scan(&rec.Key, &rec.Version, &rec.SHA256, &rec.InstalledAt, &rec.Enabled)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("installed dataset %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query installed dataset: %w", err)
	}
	return rec, nil
}

// ListInstalled retrieves all install records ordered by key
func (s *Store) ListInstalled() ([]InstalledDataset, error) {
	const query = `
		SELECT dataset_key, version, sha256, installed_at, enabled
		FROM installed_datasets ORDER BY dataset_key
	`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query installed datasets: %w", err)
	}
	defer rows.Close()

	var recs []InstalledDataset
	for rows.Next() {
		rec := InstalledDataset{}
		if err := rows.Scan(&rec.Key, &rec.Version, &rec.SHA256, &rec.InstalledAt, &rec.Enabled); err != nil {
			return nil, fmt.Errorf("failed to scan installed dataset: %w", err)
		}
		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating installed datasets: %w", err)
	}

	return recs, nil
}

// SetEnabled updates the enabled flag of an installed dataset
func (s *Store) SetEnabled(key string, enabled bool) error {
	result, err := s.db.Exec("UPDATE installed_datasets SET enabled = ? WHERE dataset_key = ?", enabled, key)
	if err != nil {
		return fmt.Errorf("failed to update installed dataset: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("installed dataset %s: %w", key, ErrNotFound)
	}
	return nil
}

// DeleteInstalled removes the install record for a dataset. Deleting a
// missing record is not an error.
func (s *Store) DeleteInstalled(key string) error {
	if _, err := s.db.Exec("DELETE FROM installed_datasets WHERE dataset_key = ?", key); err != nil {
		return fmt.Errorf("failed to delete installed dataset: %w", err)
	}
	return nil
}
