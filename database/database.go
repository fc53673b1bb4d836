// Package database owns the embedded SQLite handle shared by the persistent
// cache and the profile records. All writes go through a single connection
// guarded by one lock, which is the single-writer discipline SQLite expects.
package database

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/tvdeck/catalogcache/fault"
	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// DB is a SQLite database with a single writer.
type DB struct {
	sqlDB *sql.DB
	// writer is a one-slot semaphore so that acquiring it can honour a context.
	writer chan struct{}
}

// Open opens (or creates) the database at path and applies migrations.
// An empty path or ":memory:" opens an in-memory database.
func Open(ctx context.Context, path string) (*DB, error) {
	path = strings.TrimSpace(path)
	dsn := MemoryPath
	if path != "" && path != MemoryPath {
		dsn = filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite db")
	}
	// One connection: an in-memory database lives and dies with it, and it
	// serializes readers behind an in-flight write transaction.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Wrap(err, "ping sqlite db")
	}
	if _, err := sqlDB.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Wrap(err, "enable foreign keys")
	}

	db := &DB{sqlDB: sqlDB, writer: make(chan struct{}, 1)}
	if err := applyMigrations(ctx, sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Wrap(err, "run migrations")
	}
	return db, nil
}

// SQL returns the underlying handle for read queries.
func (d *DB) SQL() *sql.DB {
	return d.sqlDB
}

// Write runs fn inside a transaction while holding the writer lock. The
// transaction is committed when fn returns nil and rolled back otherwise.
func (d *DB) Write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	select {
	case d.writer <- struct{}{}:
	case <-ctx.Done():
		return fault.Lock("write", "sqlite", ctx.Err())
	}
	defer func() { <-d.writer }()

	tx, err := d.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fault.Storage("begin", "sqlite", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fault.Storage("commit", "sqlite", err)
	}
	return nil
}

// Close releases the connection.
func (d *DB) Close() error {
	if d == nil || d.sqlDB == nil {
		return nil
	}
	return d.sqlDB.Close()
}

// EnsureProfile registers a placeholder profile row for id when none exists,
// so that rows referencing the profile always satisfy the foreign key.
func EnsureProfile(ctx context.Context, tx *sql.Tx, id string, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO profiles (id, created_at, updated_at) VALUES (?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		id, now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return fault.Storage("ensure_profile", id, err)
	}
	return nil
}
