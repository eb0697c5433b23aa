package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store provides SQLite-backed scan history
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// ":memory:" databases are per connection.
	db.SetMaxOpenConns(1)

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	// Run migrations
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("Store initialized successfully", "path", dbPath)
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
// ScanRun Operations
// ============================================================================

const scanRunColumns = `
	id, root, catalog_source, start_time, end_time, status, reason, message,
	files_total, files_repaired, files_verified, files_failed, bytes_downloaded
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScanRun(row rowScanner, run *ScanRun) error {
	return row.Scan(
		&run.ID, &run.Root, &run.CatalogSource, &run.StartTime, &run.EndTime,
		&run.Status, &run.Reason, &run.Message,
		&run.FilesTotal, &run.FilesRepaired, &run.FilesVerified, &run.FilesFailed,
		&run.BytesDownloaded,
	)
}

// CreateScanRun inserts a new ScanRun. The caller assigns the ID.
func (s *Store) CreateScanRun(run *ScanRun) error {
	if run.ID == "" {
		return fmt.Errorf("scan run id is required")
	}

	const query = `
		INSERT INTO scan_runs (` + scanRunColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(
		query,
		run.ID, run.Root, run.CatalogSource, run.StartTime, run.EndTime,
		run.Status, run.Reason, run.Message,
		run.FilesTotal, run.FilesRepaired, run.FilesVerified, run.FilesFailed,
		run.BytesDownloaded,
	)
	if err != nil {
		return fmt.Errorf("failed to insert scan run: %w", err)
	}

	return nil
}

// UpdateScanRun updates an existing ScanRun
func (s *Store) UpdateScanRun(run *ScanRun) error {
	const query = `
		UPDATE scan_runs SET
			end_time = ?, status = ?, reason = ?, message = ?,
			files_total = ?, files_repaired = ?, files_verified = ?, files_failed = ?,
			bytes_downloaded = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(
		query,
		run.EndTime, run.Status, run.Reason, run.Message,
		run.FilesTotal, run.FilesRepaired, run.FilesVerified, run.FilesFailed,
		run.BytesDownloaded, run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update scan run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("scan run %s: %w", run.ID, ErrNotFound)
	}

	return nil
}

// GetScanRun retrieves a ScanRun by ID
func (s *Store) GetScanRun(id string) (*ScanRun, error) {
	query := `SELECT ` + scanRunColumns + ` FROM scan_runs WHERE id = ?`

	run := &ScanRun{}
	if err := scanScanRun(s.db.QueryRow(query, id), run); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("scan run %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query scan run: %w", err)
	}

	return run, nil
}

// ListScanRuns retrieves the most recent ScanRuns, newest first
func (s *Store) ListScanRuns(limit int) ([]ScanRun, error) {
	query := `SELECT ` + scanRunColumns + ` FROM scan_runs ORDER BY start_time DESC`
	var args []interface{}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query scan runs: %w", err)
	}
	defer rows.Close()

	var runs []ScanRun
	for rows.Next() {
		run := ScanRun{}
		if err := scanScanRun(rows, &run); err != nil {
			return nil, fmt.Errorf("failed to scan scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scan runs: %w", err)
	}

	return runs, nil
}

// ============================================================================
// FileFailure Operations
// ============================================================================

// AddFileFailure records a per-file failure and sets its ID
func (s *Store) AddFileFailure(f *FileFailure) error {
	const query = `
		INSERT INTO file_failures (run_id, path, error, occurred_at)
		VALUES (?, ?, ?, ?)
	`

	result, err := s.db.Exec(query, f.RunID, f.Path, f.Error, f.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to insert file failure: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	f.ID = id

	return nil
}

// ListFileFailures retrieves the failures of one run in the order they occurred
func (s *Store) ListFileFailures(runID string) ([]FileFailure, error) {
	const query = `
		SELECT id, run_id, path, error, occurred_at
		FROM file_failures WHERE run_id = ? ORDER BY id
	`

	rows, err := s.db.Query(query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query file failures: %w", err)
	}
	defer rows.Close()

	var failures []FileFailure
	for rows.Next() {
		f := FileFailure{}
		if err := rows.Scan(&f.ID, &f.RunID, &f.Path, &f.Error, &f.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan file failure: %w", err)
		}
		failures = append(failures, f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating file failures: %w", err)
	}

	return failures, nil
}

// ============================================================================
// FileRecord Operations
// ============================================================================

// UpsertFileRecord inserts or updates the record for (root, path). A zero
// LastRepaired keeps the previously stored repair time.
func (s *Store) UpsertFileRecord(rec *FileRecord) error {
	const query = `
		INSERT INTO file_records (root, path, size, digest, last_verified, last_repaired, run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(root, path) DO UPDATE SET
			size = excluded.size,
			digest = excluded.digest,
			last_verified = excluded.last_verified,
			last_repaired = CASE WHEN ? THEN excluded.last_repaired ELSE file_records.last_repaired END,
			run_id = excluded.run_id
	`

	repaired := !rec.LastRepaired.IsZero()
	_, err := s.db.Exec(
		query,
		rec.Root, rec.Path, rec.Size, rec.Digest, rec.LastVerified, rec.LastRepaired, rec.RunID,
		repaired,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert file record: %w", err)
	}

	err = s.db.QueryRow(
		"SELECT id FROM file_records WHERE root = ? AND path = ?", rec.Root, rec.Path,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("failed to get file record id: %w", err)
	}

	return nil
}

// ListFileRecords retrieves all FileRecords under a root
func (s *Store) ListFileRecords(root string) ([]FileRecord, error) {
	const query = `
		SELECT id, root, path, size, digest, last_verified, last_repaired, run_id
		FROM file_records WHERE root = ? ORDER BY path
	`

	rows, err := s.db.Query(query, root)
	if err != nil {
		return nil, fmt.Errorf("failed to query file records: %w", err)
	}
	defer rows.Close()

	var records []FileRecord
	for rows.Next() {
		rec := FileRecord{}
		err := rows.Scan(
			&rec.ID, &rec.Root, &rec.Path, &rec.Size, &rec.Digest,
			&rec.LastVerified, &rec.LastRepaired, &rec.RunID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating file records: %w", err)
	}

	return records, nil
}

// CountFileRecords returns the number of tracked files under a root
func (s *Store) CountFileRecords(root string) (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM file_records WHERE root = ?", root).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count file records: %w", err)
	}
	return count, nil
}

// SumFileSize returns the total size of tracked files under a root
func (s *Store) SumFileSize(root string) (int64, error) {
	var total int64
	err := s.db.QueryRow("SELECT COALESCE(SUM(size), 0) FROM file_records WHERE root = ?", root).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum file sizes: %w", err)
	}
	return total, nil
}
