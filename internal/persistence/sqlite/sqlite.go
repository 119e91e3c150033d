// SPDX-License-Identifier: Apache-2.0

// Package sqlite is a single-host store backed by an embedded SQLite file.
// It implements the same step catalog, execution ledger and batch store
// contracts as the Postgres repositories.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

const urlScheme = "sqlite://"

// IsURL reports whether databaseURL selects the SQLite store.
func IsURL(databaseURL string) bool {
	u := strings.TrimSpace(databaseURL)
	return strings.HasPrefix(u, urlScheme) || strings.HasPrefix(u, "file:")
}

// PathFromURL strips the sqlite:// scheme. file: URLs are passed through.
func PathFromURL(databaseURL string) string {
	u := strings.TrimSpace(databaseURL)
	return strings.TrimPrefix(u, urlScheme)
}

type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the database at path and ensures the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := path
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_foreign_keys=on&_busy_timeout=5000"

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer at a time
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("sqlite store opened", "path", path)
	return s, nil
}

func (s *Store) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS test_cases (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS steps (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			test_case_id INTEGER NOT NULL,
			step_order INTEGER NOT NULL,
			input_kind TEXT NOT NULL DEFAULT 'static',
			input_text TEXT NOT NULL DEFAULT '',
			input_param TEXT NOT NULL DEFAULT '',
			expected_keywords TEXT NOT NULL DEFAULT '',
			UNIQUE (test_case_id, step_order),
			FOREIGN KEY(test_case_id) REFERENCES test_cases(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS batch_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL DEFAULT '',
			total_count INTEGER NOT NULL DEFAULT 0,
			completed_count INTEGER NOT NULL DEFAULT 0,
			passed_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'PENDING',
			launch TEXT,
			heartbeat_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS assignments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			batch_id INTEGER,
			test_case_id INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'PENDING',
			execution_id TEXT,
			FOREIGN KEY(batch_id) REFERENCES batch_runs(id) ON DELETE CASCADE,
			FOREIGN KEY(test_case_id) REFERENCES test_cases(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			test_case_id INTEGER NOT NULL,
			executor_id INTEGER NOT NULL DEFAULT 0,
			assignment_id INTEGER,
			status TEXT NOT NULL DEFAULT 'NOT_EXECUTED',
			parameters TEXT NOT NULL DEFAULT '{}',
			log_message TEXT NOT NULL DEFAULT '',
			start_time DATETIME NOT NULL,
			end_time DATETIME,
			FOREIGN KEY(test_case_id) REFERENCES test_cases(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS step_attempts (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			execution_id TEXT NOT NULL,
			step_id INTEGER NOT NULL,
			step_order INTEGER NOT NULL,
			actual_input TEXT NOT NULL DEFAULT '',
			actual_response TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			screenshot_ref TEXT NOT NULL DEFAULT '',
			start_time DATETIME NOT NULL,
			end_time DATETIME NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			note TEXT NOT NULL DEFAULT '',
			FOREIGN KEY(execution_id) REFERENCES executions(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_step_attempts_latest ON step_attempts(execution_id, step_id, seq DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_assignments_batch ON assignments(batch_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_batch_runs_status ON batch_runs(status, heartbeat_at)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Check reports whether the database is reachable.
func (s *Store) Check(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
