// Package store is the local SQLite cache: the last known conversation list,
// confirmed messages and the send outbox.
package store

import (
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite connection of a profile's cache.db.
type DB struct {
	*sql.DB
	path string
}

// Open opens the cache at path, creating the file if needed.
func Open(path string) (*DB, error) {
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "NORMAL")
	q.Set("_busy_timeout", "5000")
	q.Set("_foreign_keys", "on")
	db, err := sql.Open("sqlite3", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open cache %s: %w", path, err)
	}
	return &DB{DB: db, path: path}, nil
}

// Path returns the file the cache lives in.
func (db *DB) Path() string { return db.path }
