package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"skillsyncd/internal/apperr"
)

// Options configures the connection pool.
type Options struct {
	// MaxConnections bounds the pool shared by all callers. 0 means 4.
	MaxConnections int
	// BusyTimeout is how long a writer waits for the database lock.
	// 0 means 5s.
	BusyTimeout time.Duration
}

// dbtx is the subset of *sql.DB and *sql.Tx the store methods need.
type dbtx interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Store represents the SQLite skill store.
//
// A Store returned by Open runs each method on the pool. Inside WithTx the
// callback receives a Store bound to the transaction, with the same methods.
type Store struct {
	db   *sql.DB
	q    dbtx
	tx   *sql.Tx
	path string
}

// Open opens or creates the SQLite database at the given path and runs migrations.
func Open(path string, opts Options) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, apperr.IO("create database directory", err)
	}

	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 4
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}

	// _txlock=immediate takes the write lock at BEGIN so two writers queue on
	// busy_timeout instead of failing with SQLITE_BUSY on lock upgrade.
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate",
		path, opts.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, apperr.Store("open database", err)
	}
	db.SetMaxOpenConns(opts.MaxConnections)

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, apperr.Store("migrate database", err)
	}

	return &Store{db: db, q: db, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// DB exposes the underlying pool for migration tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.tx != nil {
		return errors.New("close called on a transaction-bound store")
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// WithTx runs fn inside one transaction. fn's error rolls everything back.
// Nested calls join the outer transaction.
func (s *Store) WithTx(fn func(tx *Store) error) error {
	if s.tx != nil {
		return fn(s)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return apperr.Store("begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(&Store{db: s.db, q: tx, tx: tx, path: s.path}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return apperr.Store("commit transaction", err)
	}
	return nil
}

func newID() string {
	return uuid.NewString()
}

func nowNs() int64 {
	return time.Now().UnixNano()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64)
	return &t
}

func affected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}
