// Package store persists the encrypted session record across restarts.
package store

import (
	"database/sql"
	"fmt"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// SessionKey is the fixed key the encrypted session blob lives under.
// Absence of the key means "no remembered session".
const SessionKey = "session"

// Store is a small key-value store backed by sqlite.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the database under dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "chat.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS app_state (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL
	)`)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the value for key. ok is false when the key is absent.
func (s *Store) Get(key string) (value []byte, ok bool, err error) {
	row := s.db.QueryRow(`SELECT value FROM app_state WHERE key = ?`, key)
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	return value, true, nil
}

// Put writes value under key, replacing any previous value.
func (s *Store) Put(key string, value []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO app_state (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	_, err := s.db.Exec(`DELETE FROM app_state WHERE key = ?`, key)
	return err
}
