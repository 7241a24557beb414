// Package database opens the SQLite databases used by the stores.
//
// Two drivers are supported: "sqlite3" (mattn/go-sqlite3, cgo) for
// production builds and "sqlite" (modernc.org/sqlite, pure Go) for
// cgo-free builds and tests.
package database

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Driver names accepted by Open.
const (
	DriverCGo  = "sqlite3"
	DriverPure = "sqlite"
)

// TimeFormat is the layout used for every timestamp column. Fixed-width
// fractional seconds keep lexical order equal to chronological order.
const TimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Open opens path with the named driver in WAL mode with a busy timeout.
// The special path ":memory:" opens a private in-memory database limited
// to a single connection so every statement sees the same data.
func Open(driver, path string) (*sql.DB, error) {
	dsn, err := dsn(driver, path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func dsn(driver, path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	switch driver {
	case DriverCGo:
		return path + sep + "_journal_mode=WAL&_busy_timeout=5000", nil
	case DriverPure:
		return path + sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

// FormatTime renders t for storage.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a stored timestamp. Malformed values yield the zero time.
func ParseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Exec runs a multi-statement migration script.
func Exec(db *sql.DB, script string) error {
	if _, err := db.Exec(script); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
