// Package store persists engine state in SQLite. Each database is opened
// with WAL journaling and a 30 s busy timeout; schemas evolve by additive
// ALTER TABLE steps with duplicate-column tolerance.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const busyTimeoutMS = 30000

// Open returns a SQLite handle with the engine pragmas applied.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)", path, busyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// SQLite is single-writer; keep the pool small.
	db.SetMaxOpenConns(1)
	return db, nil
}

// migrate applies create statements, then additive column steps. A
// duplicate-column error means the step already ran and is ignored.
func migrate(db *sql.DB, creates []string, addColumns []string) error {
	for _, stmt := range creates {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	for _, stmt := range addColumns {
		if _, err := db.Exec(stmt); err != nil {
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("migrate add column: %w", err)
		}
	}
	return nil
}

// UTC timestamps are stored as RFC 3339 strings.
func ts(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func parseTS(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
