// Package db persists status mappings and the sync log in an embedded SQLite
// database.
//
// Architecture:
//   - Database file: .taskbridge/taskbridge.db
//   - WAL mode: the daemon writes while the CLI reads
//   - Schema: status_mappings, sync_log
//
// The task document stays the source of truth for tasks; this database only
// holds what the document has no place for: per-team status mappings with
// their provenance, and an append-only history of sync attempts.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/mschirtzinger/taskbridge/internal/resolve"
)

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// DB wraps the SQLite connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a database connection at path, creating the parent directory
// and the schema when missing.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	store, err := db.Open(".taskbridge/taskbridge.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.conn.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the schema if it doesn't exist. Idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS status_mappings (
		team_key TEXT NOT NULL,
		status TEXT NOT NULL,
		state_id TEXT NOT NULL DEFAULT '',
		state_name TEXT NOT NULL DEFAULT '',
		match_type TEXT NOT NULL DEFAULT '',
		confidence REAL NOT NULL DEFAULT 0,
		resolved_at TEXT NOT NULL,
		PRIMARY KEY (team_key, status)
	);

	CREATE TABLE IF NOT EXISTS sync_log (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		team_key TEXT NOT NULL DEFAULT '',
		operation TEXT NOT NULL,
		outcome TEXT NOT NULL,  -- success, failure
		error_type TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		external_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sync_log_created ON sync_log(created_at);
	CREATE INDEX IF NOT EXISTS idx_sync_log_task ON sync_log(task_id);
	CREATE INDEX IF NOT EXISTS idx_sync_log_outcome ON sync_log(outcome, error_type);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// UpsertMapping stores one mapping entry for teamKey.
func (db *DB) UpsertMapping(ctx context.Context, teamKey string, status resolve.Status, entry resolve.MappingEntry) error {
	return upsertMapping(ctx, db.conn, teamKey, status, entry)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertMapping(ctx context.Context, ex execer, teamKey string, status resolve.Status, entry resolve.MappingEntry) error {
	if teamKey == "" {
		return fmt.Errorf("team key is required")
	}
	if !status.Valid() {
		return fmt.Errorf("%w: %q", resolve.ErrInvalidStatus, status)
	}
	resolvedAt := entry.ResolvedAt
	if resolvedAt.IsZero() {
		resolvedAt = time.Now()
	}

	query := `
	INSERT INTO status_mappings (team_key, status, state_id, state_name, match_type, confidence, resolved_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(team_key, status) DO UPDATE SET
		state_id = excluded.state_id,
		state_name = excluded.state_name,
		match_type = excluded.match_type,
		confidence = excluded.confidence,
		resolved_at = excluded.resolved_at
	`
	_, err := ex.ExecContext(ctx, query,
		teamKey,
		string(status),
		entry.StateID,
		entry.StateName,
		string(entry.MatchType),
		entry.Confidence,
		resolvedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert mapping %s/%s: %w", teamKey, status, err)
	}
	return nil
}

// SaveMapping replaces the stored mapping for teamKey in one transaction.
func (db *DB) SaveMapping(ctx context.Context, teamKey string, mapping resolve.Mapping) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM status_mappings WHERE team_key = ?`, teamKey); err != nil {
		return fmt.Errorf("failed to clear mapping for %s: %w", teamKey, err)
	}
	for status, entry := range mapping {
		if err := upsertMapping(ctx, tx, teamKey, status, entry); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit mapping for %s: %w", teamKey, err)
	}
	return nil
}

// GetMapping returns the stored mapping for teamKey. A team with no rows
// yields an empty, non-nil mapping.
func (db *DB) GetMapping(ctx context.Context, teamKey string) (resolve.Mapping, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT status, state_id, state_name, match_type, confidence, resolved_at
		FROM status_mappings
		WHERE team_key = ?
	`, teamKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query mapping for %s: %w", teamKey, err)
	}
	defer rows.Close()

	mapping := make(resolve.Mapping)
	for rows.Next() {
		var (
			status, matchType, resolvedAt string
			entry                         resolve.MappingEntry
		)
		if err := rows.Scan(&status, &entry.StateID, &entry.StateName, &matchType, &entry.Confidence, &resolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		entry.MatchType = resolve.MatchType(matchType)
		if t, err := time.Parse(timeFormat, resolvedAt); err == nil {
			entry.ResolvedAt = t
		}
		mapping[resolve.Status(status)] = entry
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mapping: %w", err)
	}
	return mapping, nil
}

// DeleteMapping removes one entry. Returns nil if it doesn't exist.
func (db *DB) DeleteMapping(ctx context.Context, teamKey string, status resolve.Status) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM status_mappings WHERE team_key = ? AND status = ?`, teamKey, string(status))
	if err != nil {
		return fmt.Errorf("failed to delete mapping %s/%s: %w", teamKey, status, err)
	}
	return nil
}

// Teams lists every team with a stored mapping.
func (db *DB) Teams(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT DISTINCT team_key FROM status_mappings ORDER BY team_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list teams: %w", err)
	}
	defer rows.Close()

	var teams []string
	for rows.Next() {
		var team string
		if err := rows.Scan(&team); err != nil {
			return nil, fmt.Errorf("failed to scan team: %w", err)
		}
		teams = append(teams, team)
	}
	return teams, rows.Err()
}

// Sync outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// SyncRecord is one row of the sync log.
type SyncRecord struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"task_id"`
	TeamKey    string    `json:"team_key,omitempty"`
	Operation  string    `json:"operation"`
	Outcome    string    `json:"outcome"`
	ErrorType  string    `json:"error_type,omitempty"`
	Message    string    `json:"message,omitempty"`
	ExternalID string    `json:"external_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// RecordSync appends rec to the sync log and returns its id. A missing id or
// timestamp is filled in.
func (db *DB) RecordSync(ctx context.Context, rec SyncRecord) (string, error) {
	if rec.TaskID == "" {
		return "", fmt.Errorf("task id is required")
	}
	if rec.Outcome != OutcomeSuccess && rec.Outcome != OutcomeFailure {
		return "", fmt.Errorf("invalid outcome %q", rec.Outcome)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO sync_log (id, task_id, team_key, operation, outcome, error_type, message, external_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		rec.TaskID,
		rec.TeamKey,
		rec.Operation,
		rec.Outcome,
		rec.ErrorType,
		rec.Message,
		rec.ExternalID,
		rec.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return "", fmt.Errorf("failed to record sync for task %s: %w", rec.TaskID, err)
	}
	return rec.ID, nil
}

// SyncLogFilter configures ListSyncLog.
type SyncLogFilter struct {
	// Since restricts to records created at or after this time (zero = all)
	Since time.Time
	// TaskID filters to a single task (empty = all)
	TaskID string
	// Outcome filters to success or failure (empty = all)
	Outcome string
	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// ListSyncLog returns sync records, newest first.
func (db *DB) ListSyncLog(ctx context.Context, filter SyncLogFilter) ([]SyncRecord, error) {
	var conditions []string
	var args []any

	if !filter.Since.IsZero() {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, filter.Since.UTC().Format(timeFormat))
	}
	if filter.TaskID != "" {
		conditions = append(conditions, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if filter.Outcome != "" {
		conditions = append(conditions, "outcome = ?")
		args = append(args, filter.Outcome)
	}

	query := `
		SELECT id, task_id, team_key, operation, outcome, error_type, message, external_id, created_at
		FROM sync_log`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync log: %w", err)
	}
	defer rows.Close()

	var records []SyncRecord
	for rows.Next() {
		var rec SyncRecord
		var createdAt string
		if err := rows.Scan(&rec.ID, &rec.TaskID, &rec.TeamKey, &rec.Operation, &rec.Outcome,
			&rec.ErrorType, &rec.Message, &rec.ExternalID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync record: %w", err)
		}
		if t, err := time.Parse(timeFormat, createdAt); err == nil {
			rec.CreatedAt = t
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync log: %w", err)
	}
	return records, nil
}

// SyncStats aggregates the sync log.
type SyncStats struct {
	Total       int            `json:"total"`
	Succeeded   int            `json:"succeeded"`
	Failed      int            `json:"failed"`
	ByErrorType map[string]int `json:"by_error_type"`
}

// SyncCounts aggregates the whole sync log.
func (db *DB) SyncCounts(ctx context.Context) (*SyncStats, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT outcome, error_type, COUNT(*)
		FROM sync_log
		GROUP BY outcome, error_type
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count sync log: %w", err)
	}
	defer rows.Close()

	stats := &SyncStats{ByErrorType: make(map[string]int)}
	for rows.Next() {
		var outcome, errorType string
		var n int
		if err := rows.Scan(&outcome, &errorType, &n); err != nil {
			return nil, fmt.Errorf("failed to scan sync counts: %w", err)
		}
		stats.Total += n
		switch outcome {
		case OutcomeSuccess:
			stats.Succeeded += n
		case OutcomeFailure:
			stats.Failed += n
			if errorType != "" {
				stats.ByErrorType[errorType] += n
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync counts: %w", err)
	}
	return stats, nil
}
