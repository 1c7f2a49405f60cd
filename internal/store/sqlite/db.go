// Package sqlite implements the stores on a single-file SQLite database.
// It backs standalone deployments where no Postgres DSN is configured.
package sqlite

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/wabridge/internal/store"
	"github.com/nextlevelbuilder/wabridge/internal/store/dbmigrate"
)

// OpenDB connects to the database file at path and applies the embedded
// migrations. SQLite has a single writer, so the pool holds one connection.
func OpenDB(path string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// The migrator owns db once bound to it; it is dropped, never closed.
	m, err := dbmigrate.NewSQLite(db.DB)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := dbmigrate.Up(m); err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("sqlite.opened", "path", path)
	return db, nil
}

// NewSQLiteStores opens path and returns every store bound to it.
func NewSQLiteStores(path string) (*store.Stores, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return store.NewStores(NewSQLiteMessageStore(db), NewSQLiteWebhookStore(db), db), nil
}

func dsn(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
