// Package store opens the SQLite database that holds domsieve state: the
// keyword table behind the sqlite rule source and the clip archive.
//
// Every pooled connection gets the same pragmas (WAL, busy timeout, NORMAL sync,
// foreign keys). Callers blank-import the driver:
//
//	import _ "modernc.org/sqlite"
//	db, err := store.Open("domsieve.db", store.WithSchema(rules.Schema))
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// Driver is the database/sql driver name registered by modernc.org/sqlite.
const Driver = "sqlite"

type options struct {
	busyTimeout time.Duration
	mkdir       bool
	schemas     []string
}

// Option tunes Open.
type Option func(*options)

// WithBusyTimeout sets PRAGMA busy_timeout. Default 10s.
func WithBusyTimeout(d time.Duration) Option { return func(o *options) { o.busyTimeout = d } }

// WithMkdirAll creates the parent directory of the database file.
func WithMkdirAll() Option { return func(o *options) { o.mkdir = true } }

// WithSchema queues DDL executed once the pragmas are set. Statements must
// be idempotent (CREATE ... IF NOT EXISTS).
func WithSchema(ddl string) Option { return func(o *options) { o.schemas = append(o.schemas, ddl) } }

// Open opens path and applies pragmas and schemas.
func Open(path string, opts ...Option) (*sql.DB, error) {
	o := options{busyTimeout: 10 * time.Second}
	for _, fn := range opts {
		fn(&o)
	}
	if o.mkdir && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir: %w", err)
		}
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	pragmas := []string{
		"foreign_keys(1)",
		"journal_mode(WAL)",
		fmt.Sprintf("busy_timeout(%d)", o.busyTimeout.Milliseconds()),
		"synchronous(NORMAL)",
	}
	dsn := path + "?_pragma=" + strings.Join(pragmas, "&_pragma=")
	db, err := sql.Open(Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	for _, ddl := range o.schemas {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: schema: %w", err)
		}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return db, nil
}

// OpenMemory opens a private in-memory database for a test. The pool is
// pinned to one connection, since each ":memory:" connection is its own
// database.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(":memory:", opts...)
	if err != nil {
		t.Fatalf("store.OpenMemory: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

// IsBusy reports whether err is an SQLite lock conflict worth retrying.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

const txAttempts = 3

// RunTx runs fn in a transaction, retrying the whole transaction with a
// linear backoff while SQLite reports a lock conflict.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	var err error
	for attempt := 1; attempt <= txAttempts; attempt++ {
		if err = runTx(ctx, db, fn); err == nil || !IsBusy(err) {
			return err
		}
		if attempt == txAttempts {
			break
		}
		t := time.NewTimer(time.Duration(attempt) * 100 * time.Millisecond)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("store: retry aborted: %w", ctx.Err())
		case <-t.C:
		}
	}
	return fmt.Errorf("store: still busy after %d attempts: %w", txAttempts, err)
}

func runTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// DataVersion reads PRAGMA data_version on conn. The value only means
// something when compared with earlier reads on the same connection: it
// moves when another connection commits.
func DataVersion(ctx context.Context, conn *sql.Conn) (int64, error) {
	var v int64
	err := conn.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v)
	return v, err
}
