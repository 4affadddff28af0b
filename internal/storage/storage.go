// Package storage implements the embedded transactional store: a single
// SQLite file with WAL durability, explicit schema versioning, and a
// mutual-exclusion borrow that keeps multi-statement transactions
// single-threaded.
//
// Open, harden with PRAGMAs, then probe with a ping before handing the
// handle to the caller, following the connection-bootstrap shape used
// throughout the pack's sqlx-based services.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // pure-Go SQLite driver, no cgo
)

// DB wraps a *sqlx.DB with the single-writer borrow the engine requires:
// operations that mutate more than one row or table must hold the borrow
// for the lifetime of their BEGIN IMMEDIATE / COMMIT / ROLLBACK.
type DB struct {
	conn *sqlx.DB
	mu   sync.Mutex
	log  zerolog.Logger
	path string
}

// Borrow is a held, non-reentrant lock on the connection. Release must be
// called exactly once. Callers must release the borrow before making an
// HTTP call — the store mutex must never be held across network I/O.
type Borrow struct {
	db   *DB
	once sync.Once
}

// Release gives up the borrow. Safe to call multiple times.
func (b *Borrow) Release() {
	b.once.Do(func() { b.db.mu.Unlock() })
}

// Conn returns the underlying connection for use while the borrow is held.
func (b *Borrow) Conn() *sqlx.DB { return b.db.conn }

// Open creates (or attaches to) the data directory and database file,
// applies the mandated pragmas, and probes the connection. On corruption
// or open failure, it deletes the database file and its WAL/SHM
// companions and retries exactly once before returning a fatal error.
func Open(dataDir string, log zerolog.Logger) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "pos.db")

	db, err := openOnce(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("open failed, removing database and retrying once")
		removeDatabaseFiles(path)
		db, err = openOnce(path)
		if err != nil {
			return nil, fmt.Errorf("fatal: open database after retry: %w", err)
		}
	}

	return &DB{conn: db, log: log.With().Str("component", "storage").Logger(), path: path}, nil
}

func openOnce(path string) (*sqlx.DB, error) {
	// _txlock=immediate makes every BEGIN (including the plain ones
	// *sql.Tx.BeginTx issues) acquire the write lock up front, matching
	// BEGIN IMMEDIATE rather than SQLite's default deferred BEGIN, which
	// only upgrades to a write lock on the transaction's first write and
	// can lose a race to another connection under concurrent access.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_txlock=immediate", path)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite serializes writers; one physical connection avoids SQLITE_BUSY storms
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

func removeDatabaseFiles(path string) {
	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		_ = os.Remove(path + suffix)
	}
}

// Close releases the underlying connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Borrow acquires the non-reentrant store lock. The caller must Release
// it, and must never hold it across an HTTP call.
func (d *DB) Borrow() *Borrow {
	d.mu.Lock()
	return &Borrow{db: d}
}

// WithTx runs fn inside a BEGIN IMMEDIATE / COMMIT transaction, rolling
// back on any error returned by fn or by Commit. The caller must already
// hold a Borrow.
func (d *DB) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := d.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin immediate: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			d.log.Error().Err(rbErr).Msg("rollback failed after transaction error")
		}
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Conn returns the raw connection without borrowing the mutex. Services
// use it directly for single-statement reads and writes (outbox rows,
// local settings, print jobs, sync bookkeeping) without taking a Borrow.
func (d *DB) Conn() *sqlx.DB { return d.conn }

// Path returns the on-disk database file path.
func (d *DB) Path() string { return d.path }
