// Package sqlite provides SQLite-based persistent storage for PharmaQ.
// Uses WAL mode for concurrent reads and crash-safe writes. It owns the job
// records (the only source of truth for job status), the durable task rows
// backing the queue, and the dead-letter holding area.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)
)

// DB wraps a SQLite connection with WAL mode and migrations.
type DB struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at dir/state.db.
// Enables WAL mode, foreign keys, and 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "state.db")
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Connection pool settings for SQLite
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping() error {
	return d.db.Ping()
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		// Job records. version backs the optimistic-concurrency CAS: every
		// mutation bumps it, and writers retry when their read is stale.
		`CREATE TABLE IF NOT EXISTS jobs (
			id               TEXT PRIMARY KEY,
			query            TEXT NOT NULL,
			context          TEXT NOT NULL DEFAULT '{}',
			status           TEXT NOT NULL,
			result           TEXT,
			error            TEXT,
			retry_count      INTEGER NOT NULL DEFAULT 0,
			cancel_requested BOOLEAN NOT NULL DEFAULT 0,
			version          INTEGER NOT NULL DEFAULT 1,
			created_at       INTEGER NOT NULL,
			updated_at       INTEGER NOT NULL,
			started_at       INTEGER,
			finished_at      INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at)`,

		// Durable task rows backing the queue. Delivery scheduling is held
		// in memory; these rows survive restarts so pending work is
		// re-offered (at-least-once).
		`CREATE TABLE IF NOT EXISTS tasks (
			id         TEXT PRIMARY KEY,
			job_id     TEXT NOT NULL,
			role       TEXT NOT NULL,
			params     TEXT NOT NULL DEFAULT '{}',
			status     TEXT NOT NULL,
			attempts   INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_job ON tasks(job_id)`,

		// Dead-letter holding area for retry-exhausted tasks.
		`CREATE TABLE IF NOT EXISTS dead_letters (
			task_id   TEXT PRIMARY KEY,
			job_id    TEXT NOT NULL,
			role      TEXT NOT NULL,
			params    TEXT NOT NULL DEFAULT '{}',
			attempts  INTEGER NOT NULL,
			reason    TEXT NOT NULL,
			parked_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dead_parked ON dead_letters(parked_at)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}
