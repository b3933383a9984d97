package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // CGO-free SQLite
)

// Database is the durable per-origin client storage: the agent's equivalent
// of window.localStorage, backed by a single SQLite file.
type Database struct {
	db *sql.DB
}

func NewDatabase(databasePath string) (*Database, error) {
	// WAL + busy timeout to avoid "database is locked"
	db, err := sql.Open("sqlite", databasePath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS storage(
	  origin     TEXT    NOT NULL,
	  key        TEXT    NOT NULL,
	  value      TEXT    NOT NULL,
	  updated_at INTEGER NOT NULL,
	  PRIMARY KEY (origin, key)
	);
	`)
	if err != nil {
		return fmt.Errorf("failed to create database tables: %w", err)
	}
	return nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

func validateKey(origin, key string) error {
	if origin == "" {
		return fmt.Errorf("origin cannot be empty")
	}
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	return nil
}

// GetItem returns the stored value and whether it exists.
func (d *Database) GetItem(origin, key string) (string, bool, error) {
	if err := validateKey(origin, key); err != nil {
		return "", false, err
	}
	var value string
	err := d.db.QueryRow(`SELECT value FROM storage WHERE origin = ? AND key = ?`, origin, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read item: %w", err)
	}
	return value, true, nil
}

func (d *Database) SetItem(origin, key, value string) error {
	if err := validateKey(origin, key); err != nil {
		return err
	}
	_, err := d.db.Exec(`
	INSERT INTO storage(origin, key, value, updated_at) VALUES(?,?,?,?)
	ON CONFLICT(origin, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		origin, key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to write item: %w", err)
	}
	return nil
}

func (d *Database) RemoveItem(origin, key string) error {
	if err := validateKey(origin, key); err != nil {
		return err
	}
	if _, err := d.db.Exec(`DELETE FROM storage WHERE origin = ? AND key = ?`, origin, key); err != nil {
		return fmt.Errorf("failed to remove item: %w", err)
	}
	return nil
}

// Origin scopes the database to one origin, mirroring the per-origin
// partitioning of browser storage.
func (d *Database) Origin(origin string) *OriginStorage {
	return &OriginStorage{db: d, origin: origin}
}

type OriginStorage struct {
	db     *Database
	origin string
}

func (s *OriginStorage) GetItem(key string) (string, bool, error) {
	return s.db.GetItem(s.origin, key)
}

func (s *OriginStorage) SetItem(key, value string) error {
	return s.db.SetItem(s.origin, key, value)
}
