package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations contains all SQLite schema migrations in order.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Create share_records table",
		SQL: `
			CREATE TABLE IF NOT EXISTS share_records (
				id TEXT PRIMARY KEY,
				storage_path TEXT NOT NULL,
				original_name TEXT NOT NULL,
				extension TEXT NOT NULL DEFAULT '',
				size_bytes INTEGER NOT NULL CHECK(size_bytes >= 0),
				content_hash TEXT NOT NULL,
				content_type TEXT NOT NULL DEFAULT 'application/octet-stream',
				share_token TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				expires_at DATETIME NOT NULL,
				download_count INTEGER NOT NULL DEFAULT 0,
				max_downloads INTEGER NOT NULL CHECK(max_downloads > 0),
				is_active INTEGER NOT NULL DEFAULT 1,
				uploader_ip TEXT NOT NULL DEFAULT '',
				uploader_agent TEXT NOT NULL DEFAULT '',
				CHECK(download_count <= max_downloads)
			);

			CREATE UNIQUE INDEX IF NOT EXISTS idx_share_records_token ON share_records(share_token);
			CREATE INDEX IF NOT EXISTS idx_share_records_active_expiry ON share_records(is_active, expires_at);
			CREATE INDEX IF NOT EXISTS idx_share_records_created ON share_records(created_at DESC);
		`,
	},
	{
		Version:     2,
		Description: "Create download_attempts table",
		SQL: `
			CREATE TABLE IF NOT EXISTS download_attempts (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				share_record_id TEXT NOT NULL REFERENCES share_records(id) ON DELETE CASCADE,
				at DATETIME NOT NULL,
				client_ip TEXT NOT NULL DEFAULT '',
				client_agent TEXT NOT NULL DEFAULT '',
				succeeded INTEGER NOT NULL,
				outcome TEXT NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_download_attempts_record ON download_attempts(share_record_id, at DESC);
			CREATE INDEX IF NOT EXISTS idx_download_attempts_at ON download_attempts(at);
		`,
	},
}

// Migrate runs all pending migrations.
func (db *DB) Migrate(ctx context.Context) error {
	_, err := db.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	currentVersion, err := db.CurrentVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		err := db.Transaction(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
				return fmt.Errorf("failed to execute migration SQL: %w", err)
			}

			_, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
				m.Version, m.Description, time.Now().UTC())
			if err != nil {
				return fmt.Errorf("failed to record migration: %w", err)
			}

			return nil
		})

		if err != nil {
			return fmt.Errorf("migration %d failed: %w", m.Version, err)
		}
	}

	return nil
}

// CurrentVersion returns the current schema version.
func (db *DB) CurrentVersion(ctx context.Context) (int, error) {
	var version int
	err := db.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}
