package store

import (
	"fmt"
)

// migrate runs all pending migrations
func (s *Store) migrate() error {
	// Create migrations table if it doesn't exist
	createMigrationsTableSQL := `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`

	if _, err := s.db.Exec(createMigrationsTableSQL); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	s.logger.Debug("current schema version", "version", currentVersion)

	migrations := []struct {
		version int
		sql     string
	}{
		{
			version: 1,
			sql: `
				CREATE TABLE scan_runs (
					id TEXT PRIMARY KEY,
					root TEXT NOT NULL,
					catalog_source TEXT NOT NULL DEFAULT '',
					start_time DATETIME NOT NULL,
					end_time DATETIME,
					status TEXT NOT NULL DEFAULT 'running',
					reason TEXT NOT NULL DEFAULT '',
					message TEXT NOT NULL DEFAULT '',
					files_total INTEGER DEFAULT 0,
					files_repaired INTEGER DEFAULT 0,
					files_verified INTEGER DEFAULT 0,
					files_failed INTEGER DEFAULT 0,
					bytes_downloaded INTEGER DEFAULT 0
				);

				CREATE TABLE file_failures (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					run_id TEXT NOT NULL,
					path TEXT NOT NULL,
					error TEXT NOT NULL DEFAULT '',
					occurred_at DATETIME NOT NULL,
					FOREIGN KEY(run_id) REFERENCES scan_runs(id)
				);

				CREATE INDEX idx_file_failures_run ON file_failures(run_id);
			`,
		},
		{
			version: 2,
			sql: `
				CREATE TABLE file_records (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					root TEXT NOT NULL,
					path TEXT NOT NULL,
					size INTEGER DEFAULT 0,
					digest TEXT NOT NULL,
					last_verified DATETIME NOT NULL,
					last_repaired DATETIME,
					run_id TEXT NOT NULL DEFAULT '',
					UNIQUE(root, path)
				);
			`,
		},
	}

	for _, mig := range migrations {
		if mig.version > currentVersion {
			s.logger.Info("running migration", "version", mig.version)

			if err := s.runMigration(mig.version, mig.sql); err != nil {
				return fmt.Errorf("failed to run migration %d: %w", mig.version, err)
			}
		}
	}

	return nil
}

// runMigration executes a migration and records it
func (s *Store) runMigration(version int, sql string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration transaction: %w", err)
	}

	return nil
}
