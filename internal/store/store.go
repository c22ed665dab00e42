// Package store provides the SQLite persistence layer for RadioDan: the
// key/value config store, the plugin instance table, and the timeline event
// store with live pub/sub.
//
// All stores share one database file. Open returns the shared handle;
// individual stores are created on top of it and serialize their own writes.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver (pure Go, no CGO)
)

// Open opens (creating if necessary) the RadioDan database at path and
// returns the shared connection pool. WAL mode and a busy timeout are set
// through the DSN so they apply to every pooled connection.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create db dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}

	// Single writer; SQLite serializes writes anyway and a pool of one
	// avoids lock churn between the config and event stores.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping %q: %w", path, err)
	}
	return db, nil
}
