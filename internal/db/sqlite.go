package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// busyTimeoutMs bounds how long a connection waits on a lock before
	// surfacing SQLITE_BUSY.
	busyTimeoutMs = 5000

	// readerConns is the size of the read-only pool. WAL snapshots let
	// these run concurrently with the single writer.
	readerConns = 4
)

// OpenSQLite opens the write side: one connection, WAL journal, foreign
// keys on. Parent directories and the database file are created when
// missing.
func OpenSQLite(path string) (*sql.DB, error) {
	path = resolveSQLitePath(path)
	if err := touchSQLiteFile(path); err != nil {
		return nil, fmt.Errorf("prepare sqlite file: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_mode=rwc&_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on&_busy_timeout=%d&_cache=shared",
		path, busyTimeoutMs,
	)
	handle, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Writes serialize through one connection.
	handle.SetMaxOpenConns(1)
	handle.SetMaxIdleConns(1)
	return handle, nil
}

// OpenSQLiteReader opens the read side: a small read-only pool against the
// same file. Journal and synchronous settings are database-level and come
// from the writer.
func OpenSQLiteReader(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?_mode=ro&_foreign_keys=on&_busy_timeout=%d&_cache=shared",
		resolveSQLitePath(path), busyTimeoutMs,
	)
	handle, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite reader: %w", err)
	}

	handle.SetMaxOpenConns(readerConns)
	handle.SetMaxIdleConns(readerConns)
	return handle, nil
}

func resolveSQLitePath(path string) string {
	if path == "" {
		return path
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// touchSQLiteFile makes sure the database file exists before the read-only
// pool tries to open it.
func touchSQLiteFile(path string) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}
