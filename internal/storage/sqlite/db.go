// Package sqlite opens the shared SQLite database used for durable crawl
// state: the frontier, the work queue, and the document store.
package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	// CGO-free SQLite driver.
	_ "modernc.org/sqlite"
)

// Open opens (creating if needed) the database at path and applies the
// pragmas the pipeline relies on. The single-connection pool serializes
// writers, which keeps the claim statements free of lock conflicts.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 30000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return db, nil
}
