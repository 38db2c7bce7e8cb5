// Package store provides persistent storage for image items, their files,
// conversion jobs and annotation elements using SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/large-image/server/internal/apperr"

	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed record store.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates or opens the database at dbPath.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	// busy_timeout is per connection, so it goes in the DSN
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at TEXT NOT NULL,
		pyramid_json TEXT,
		pending_json TEXT,
		CHECK (pyramid_json IS NULL OR pending_json IS NULL)
	);

	CREATE TABLE IF NOT EXISTS files (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		item_id TEXT NOT NULL,
		name TEXT NOT NULL,
		mime_type TEXT DEFAULT '',
		size INTEGER DEFAULT 0,
		blob_key TEXT NOT NULL,
		layout TEXT DEFAULT '',
		is_thumbnail INTEGER DEFAULT 0,
		thumbnail_key TEXT DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_files_item ON files(item_id);
	CREATE INDEX IF NOT EXISTS idx_files_thumbnail ON files(is_thumbnail, item_id, thumbnail_key);

	CREATE TABLE IF NOT EXISTS jobs (
		job_id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		item_id TEXT DEFAULT '',
		status TEXT NOT NULL,
		params_json TEXT NOT NULL,
		phase TEXT DEFAULT '',
		done INTEGER DEFAULT 0,
		total INTEGER DEFAULT 0,
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_item ON jobs(item_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_finished ON jobs(finished_at);

	CREATE TABLE IF NOT EXISTS annotations (
		id TEXT PRIMARY KEY,
		item_id TEXT DEFAULT '',
		version INTEGER NOT NULL DEFAULT 0,
		body_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_annotations_item ON annotations(item_id);

	CREATE TABLE IF NOT EXISTS annotation_elements (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		annotation_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		created TEXT NOT NULL,
		lowx REAL NOT NULL,
		lowy REAL NOT NULL,
		lowz REAL NOT NULL,
		highx REAL NOT NULL,
		highy REAL NOT NULL,
		highz REAL NOT NULL,
		size REAL NOT NULL,
		details INTEGER NOT NULL,
		element_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_elements_annotation ON annotation_elements(annotation_id);
	CREATE INDEX IF NOT EXISTS idx_elements_version ON annotation_elements(version);
	CREATE INDEX IF NOT EXISTS idx_elements_bbox ON annotation_elements(annotation_id, version, lowx DESC, highx, size DESC);
	CREATE INDEX IF NOT EXISTS idx_elements_size ON annotation_elements(annotation_id, size DESC);

	CREATE TABLE IF NOT EXISTS version_sequence (
		name TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// unavailable wraps a database failure at the store boundary.
func unavailable(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return apperr.Wrap(apperr.Unavailable, err, format, args...)
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

// NextVersion atomically increments and returns the annotation version
// sequence. The sequence record is created on first use and the first
// value handed out is 1.
func (s *Store) NextVersion(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var v int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO version_sequence (name, value) VALUES ('annotation', 1)
		ON CONFLICT(name) DO UPDATE SET value = value + 1
		RETURNING value
	`).Scan(&v)
	if err != nil {
		return 0, unavailable(err, "failed to increment version sequence")
	}
	return v, nil
}
