// Package logstore persists error and request logs to SQLite.
//
// The request path never writes here directly: records go through AsyncSink,
// a bounded queue with a single writer goroutine, so a slow or broken
// database can only ever cost dropped log rows, never request latency.
package logstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// Pure-Go SQLite driver — registers "sqlite" with database/sql.
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS error_logs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	key        TEXT,
	model      TEXT,
	category   TEXT NOT NULL,
	code       INTEGER,
	raw_error  TEXT,
	attempt    INTEGER,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_error_logs_created_at ON error_logs(created_at);

CREATE TABLE IF NOT EXISTS request_logs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	model       TEXT,
	key         TEXT,
	success     INTEGER NOT NULL,
	status_code INTEGER,
	latency_ms  INTEGER,
	created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_request_logs_created_at ON request_logs(created_at);
`

// Store wraps the SQLite database holding error and request logs.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the log database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("logstore: database path must not be empty")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("logstore: open database: %w", err)
	}

	// Single writer; the driver serializes access anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("logstore: connect: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("logstore: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ErrorLog is one persisted error record.
type ErrorLog struct {
	ID        int64     `json:"id"`
	Key       string    `json:"key"`
	Model     string    `json:"model"`
	Category  string    `json:"category"`
	Code      int       `json:"code"`
	RawError  string    `json:"raw_error"`
	Attempt   int       `json:"attempt"`
	CreatedAt time.Time `json:"created_at"`
}

// RequestLog is one persisted request record.
type RequestLog struct {
	ID         int64     `json:"id"`
	Model      string    `json:"model"`
	Key        string    `json:"key"`
	Success    bool      `json:"success"`
	StatusCode int       `json:"status_code"`
	LatencyMs  int64     `json:"latency_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

func (s *Store) insertErrorLog(ctx context.Context, rec ErrorLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO error_logs (key, model, category, code, raw_error, attempt, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Key, rec.Model, rec.Category, rec.Code, rec.RawError, rec.Attempt, rec.CreatedAt.UTC())
	return err
}

func (s *Store) insertRequestLog(ctx context.Context, rec RequestLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_logs (model, key, success, status_code, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Model, rec.Key, rec.Success, rec.StatusCode, rec.LatencyMs, rec.CreatedAt.UTC())
	return err
}

// RecentErrorLogs returns the newest error records, newest first.
func (s *Store) RecentErrorLogs(ctx context.Context, limit int) ([]ErrorLog, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, key, model, category, code, raw_error, attempt, created_at
		 FROM error_logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("logstore: query error logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ErrorLog
	for rows.Next() {
		var rec ErrorLog
		if err := rows.Scan(&rec.ID, &rec.Key, &rec.Model, &rec.Category, &rec.Code,
			&rec.RawError, &rec.Attempt, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("logstore: scan error log: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecentRequestLogs returns the newest request records, newest first.
func (s *Store) RecentRequestLogs(ctx context.Context, limit int) ([]RequestLog, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, model, key, success, status_code, latency_ms, created_at
		 FROM request_logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("logstore: query request logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RequestLog
	for rows.Next() {
		var rec RequestLog
		if err := rows.Scan(&rec.ID, &rec.Model, &rec.Key, &rec.Success, &rec.StatusCode,
			&rec.LatencyMs, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("logstore: scan request log: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteErrorLogsBefore removes error logs created before the cutoff and
// returns how many rows were deleted.
func (s *Store) DeleteErrorLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM error_logs WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("logstore: delete error logs: %w", err)
	}
	return res.RowsAffected()
}

// DeleteRequestLogsBefore removes request logs created before the cutoff and
// returns how many rows were deleted.
func (s *Store) DeleteRequestLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM request_logs WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("logstore: delete request logs: %w", err)
	}
	return res.RowsAffected()
}
