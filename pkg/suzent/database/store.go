// Package database implements the Suzent relational store on SQLite.
// One database file holds chats (with their serialized agent state),
// plans and tasks, user preferences, MCP server registrations, and the
// cron job and run tables.
package database

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.
)

// Store is the SQLite-backed persistent store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// writeMu serializes writers. SQLite allows one writer at a time;
	// serializing in-process avoids SQLITE_BUSY churn under WAL.
	writeMu sync.Mutex
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	s := &Store{db: db, logger: logger.With("component", "database")}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS chats (
			id          TEXT PRIMARY KEY,
			title       TEXT NOT NULL DEFAULT '',
			config      TEXT NOT NULL DEFAULT '{}',
			messages    TEXT NOT NULL DEFAULT '[]',
			agent_state BLOB,
			created_at  DATETIME NOT NULL,
			updated_at  DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS plans (
			id         TEXT PRIMARY KEY,
			chat_id    TEXT NOT NULL,
			objective  TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_plans_chat ON plans(chat_id, created_at);

		CREATE TABLE IF NOT EXISTS tasks (
			id           TEXT PRIMARY KEY,
			plan_id      TEXT NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
			number       INTEGER NOT NULL,
			description  TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'pending',
			note         TEXT NOT NULL DEFAULT '',
			capabilities TEXT NOT NULL DEFAULT '[]'
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_plan ON tasks(plan_id, number);

		CREATE TABLE IF NOT EXISTS user_preferences (
			user_id        TEXT PRIMARY KEY,
			model          TEXT NOT NULL DEFAULT '',
			agent          TEXT NOT NULL DEFAULT '',
			tools          TEXT NOT NULL DEFAULT '[]',
			memory_enabled INTEGER NOT NULL DEFAULT 1,
			updated_at     DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS mcp_servers (
			name       TEXT PRIMARY KEY,
			url        TEXT NOT NULL DEFAULT '',
			transport  TEXT NOT NULL DEFAULT 'streamable-http',
			headers    TEXT NOT NULL DEFAULT '{}',
			command    TEXT NOT NULL DEFAULT '',
			args       TEXT NOT NULL DEFAULT '[]',
			enabled    INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS cron_jobs (
			id             TEXT PRIMARY KEY,
			name           TEXT NOT NULL,
			cron_expr      TEXT NOT NULL,
			prompt         TEXT NOT NULL,
			active         INTEGER NOT NULL DEFAULT 1,
			delivery_mode  TEXT NOT NULL DEFAULT 'none',
			model_override TEXT NOT NULL DEFAULT '',
			retry_count    INTEGER NOT NULL DEFAULT 0,
			last_run_at    DATETIME,
			next_run_at    DATETIME,
			last_result    TEXT NOT NULL DEFAULT '',
			last_error     TEXT NOT NULL DEFAULT '',
			created_at     DATETIME NOT NULL,
			updated_at     DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS cron_runs (
			id          TEXT PRIMARY KEY,
			job_id      TEXT NOT NULL REFERENCES cron_jobs(id) ON DELETE CASCADE,
			started_at  DATETIME NOT NULL,
			finished_at DATETIME,
			status      TEXT NOT NULL DEFAULT 'running',
			result      TEXT NOT NULL DEFAULT '',
			error       TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_cron_runs_job ON cron_runs(job_id, started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}
