// Package database opens and migrates the catalog: signature tables,
// whitelist, quarantine records, and the db_info key-value store.
package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Open opens the SQLite catalog at the given path with WAL mode and a
// 5 s busy timeout. It creates the parent directory if it does not exist.
func Open(dbPath string) (*sql.DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Single writer connection for SQLite
	db.SetMaxOpenConns(1)

	return db, nil
}

// Migrate brings the catalog schema up to date. It is safe to run on
// every start; applied migrations are skipped.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("applying catalog migrations: %w", err)
	}
	return nil
}

// GetInfo reads a db_info value, returning fallback when the key is
// absent or unreadable.
func GetInfo(db *sql.DB, key, fallback string) string {
	var value string
	err := db.QueryRow(`SELECT value FROM db_info WHERE key = ?`, key).Scan(&value)
	if err != nil {
		return fallback
	}
	return value
}

// SetInfo upserts a db_info key-value pair.
func SetInfo(db *sql.DB, key, value string) error {
	_, err := db.Exec(`INSERT INTO db_info (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("setting db_info %s: %w", key, err)
	}
	return nil
}
