// Package database opens the SQL databases behind the persistent stores.
// SQLite is the default backend; the driver is mattn/go-sqlite3 when cgo
// is available and modernc.org/sqlite otherwise, so pure-Go builds work.
package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
)

// OpenSQLite opens (creating if needed) a SQLite database at path with
// WAL journaling and a busy timeout. The parent directory is created.
func OpenSQLite(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open(sqliteDriver, sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		// Each connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	return db, nil
}

// SQLiteDriver reports which SQLite driver this binary was built with.
func SQLiteDriver() string {
	return sqliteDriver
}
