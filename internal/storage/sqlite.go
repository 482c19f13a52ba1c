package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// historyLimit bounds the rows kept in save_history.
const historyLimit = 32

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	Description string
	Up          string
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "Context image table",
		Up: `
CREATE TABLE IF NOT EXISTS context_image (
    id          INTEGER PRIMARY KEY CHECK (id = 1),
    generation  INTEGER NOT NULL,
    payload     BLOB NOT NULL,
    crc32       INTEGER NOT NULL,
    saved_at    INTEGER NOT NULL
);`,
	},
	{
		Version:     2,
		Description: "Save history for diagnostics",
		Up: `
CREATE TABLE IF NOT EXISTS save_history (
    generation  INTEGER PRIMARY KEY,
    size        INTEGER NOT NULL,
    saved_at    INTEGER NOT NULL
);`,
	},
}

// SQLite stores the image in a single row replaced inside a transaction.
// SQLite's journal provides the power-loss atomicity.
type SQLite struct {
	mu sync.Mutex
	db *sql.DB
}

// SaveRecord describes one past Save.
type SaveRecord struct {
	Generation uint64
	Size       int
	SavedAt    time.Time
}

// OpenSQLite opens or creates the database at path and applies migrations.
func OpenSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.Version, time.Now().UnixNano(), m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// Load returns the stored image.
func (s *SQLite) Load() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil, ErrClosed
	}

	var (
		payload []byte
		sum     int64
	)
	err := s.db.QueryRow("SELECT payload, crc32 FROM context_image WHERE id = 1").Scan(&payload, &sum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query image: %w", err)
	}
	if crc32.ChecksumIEEE(payload) != uint32(sum) {
		return nil, ErrCorrupt
	}
	return payload, nil
}

// Save replaces the image and records it in the save history.
func (s *SQLite) Save(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return ErrClosed
	}
	if data == nil {
		data = []byte{}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	var gen uint64
	if err := tx.QueryRow("SELECT COALESCE(MAX(generation), 0) FROM context_image").Scan(&gen); err != nil {
		return fmt.Errorf("read generation: %w", err)
	}
	gen++
	now := time.Now().UnixNano()

	if _, err := tx.Exec(`
		INSERT INTO context_image (id, generation, payload, crc32, saved_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			generation = excluded.generation,
			payload = excluded.payload,
			crc32 = excluded.crc32,
			saved_at = excluded.saved_at`,
		gen, data, int64(crc32.ChecksumIEEE(data)), now,
	); err != nil {
		return fmt.Errorf("write image: %w", err)
	}

	if _, err := tx.Exec(
		"INSERT INTO save_history (generation, size, saved_at) VALUES (?, ?, ?)",
		gen, len(data), now,
	); err != nil {
		return fmt.Errorf("record save: %w", err)
	}
	if _, err := tx.Exec(
		"DELETE FROM save_history WHERE generation <= ?", int64(gen)-historyLimit,
	); err != nil {
		return fmt.Errorf("trim history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

// History returns up to limit recent saves, newest first.
func (s *SQLite) History(limit int) ([]SaveRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil, ErrClosed
	}

	rows, err := s.db.Query(
		"SELECT generation, size, saved_at FROM save_history ORDER BY generation DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var records []SaveRecord
	for rows.Next() {
		var (
			r  SaveRecord
			ns int64
		)
		if err := rows.Scan(&r.Generation, &r.Size, &ns); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		r.SavedAt = time.Unix(0, ns)
		records = append(records, r)
	}
	return records, rows.Err()
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
