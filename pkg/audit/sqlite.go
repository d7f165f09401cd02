// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keyguard.
//
// go-keyguard is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package audit

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Schema for the audit entry store. The rowid preserves append order,
// which retention pruning relies on.
const schema = `
CREATE TABLE IF NOT EXISTS audit_entries (
    seq          INTEGER PRIMARY KEY AUTOINCREMENT,
    id           TEXT NOT NULL UNIQUE,
    event_type   TEXT NOT NULL,
    details      TEXT,
    success      INTEGER NOT NULL,
    timestamp_ns INTEGER NOT NULL,
    error_code   TEXT
);

CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_entries(timestamp_ns);
`

// SQLiteStore persists audit entries in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the audit database at path.
// Parent directories are created with owner-only permissions.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("audit: sqlite path cannot be empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("audit: failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("audit: failed to open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Append adds an entry in creation order.
func (s *SQLiteStore) Append(entry *Entry) error {
	details := ""
	if entry.Details != nil {
		details = string(entry.Details)
	}
	_, err := s.db.Exec(
		`INSERT INTO audit_entries (id, event_type, details, success, timestamp_ns, error_code)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.EventType, details, boolToInt(entry.Success),
		entry.Timestamp.UnixNano(), entry.ErrorCode,
	)
	if err != nil {
		return fmt.Errorf("audit: failed to append entry: %w", err)
	}
	return nil
}

// List returns up to limit entries, oldest first.
func (s *SQLiteStore) List(limit int) ([]*Entry, error) {
	query := `SELECT id, event_type, details, success, timestamp_ns, error_code
	          FROM audit_entries ORDER BY seq ASC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to list entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		var (
			entry       Entry
			details     string
			success     int
			timestampNs int64
		)
		if err := rows.Scan(&entry.ID, &entry.EventType, &details, &success,
			&timestampNs, &entry.ErrorCode); err != nil {
			return nil, fmt.Errorf("audit: failed to scan entry: %w", err)
		}
		if details != "" {
			entry.Details = []byte(details)
		}
		entry.Success = success != 0
		entry.Timestamp = time.Unix(0, timestampNs)
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: row iteration failed: %w", err)
	}
	return entries, nil
}

// Count returns the number of retained entries.
func (s *SQLiteStore) Count() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM audit_entries`).Scan(&count); err != nil {
		return 0, fmt.Errorf("audit: failed to count entries: %w", err)
	}
	return count, nil
}

// DeleteOlderThan removes entries with timestamps before cutoff.
func (s *SQLiteStore) DeleteOlderThan(cutoff time.Time) (int, error) {
	result, err := s.db.Exec(`DELETE FROM audit_entries WHERE timestamp_ns < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("audit: age pruning failed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("audit: failed to read pruning result: %w", err)
	}
	return int(affected), nil
}

// DeleteOldest removes the n oldest entries by append order.
func (s *SQLiteStore) DeleteOldest(n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	result, err := s.db.Exec(
		`DELETE FROM audit_entries WHERE seq IN
		 (SELECT seq FROM audit_entries ORDER BY seq ASC LIMIT ?)`, n)
	if err != nil {
		return 0, fmt.Errorf("audit: count pruning failed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("audit: failed to read pruning result: %w", err)
	}
	return int(affected), nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Verify interface compliance at compile time
var _ Store = (*SQLiteStore)(nil)
