package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// DB wraps sqlx.DB for the marketplace store.
type DB struct {
	*sqlx.DB
	dialect Dialect
	path    string
}

// Open connects to SQLite (dsn is a file path) or Postgres (dsn is a
// connection string). Schema changes are applied separately by Migrate.
func Open(driver, dsn string) (*DB, error) {
	switch Dialect(driver) {
	case DialectSQLite:
		conn := dsn + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"
		db, err := sqlx.Open("sqlite3", conn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("ping sqlite: %w", err)
		}
		return &DB{DB: db, dialect: DialectSQLite, path: dsn}, nil
	case DialectPostgres:
		db, err := sqlx.Connect("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		return &DB{DB: db, dialect: DialectPostgres}, nil
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
}

func (db *DB) Dialect() Dialect {
	return db.dialect
}

// WithTx runs fn in a transaction. On SQLite every transaction starts with
// BEGIN IMMEDIATE, so writers are serialized.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// lockTrainer serializes slot reservation for one trainer inside tx.
func (db *DB) lockTrainer(ctx context.Context, tx *sqlx.Tx, trainerID int64) error {
	if db.dialect != DialectPostgres {
		return nil
	}
	_, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", trainerID)
	return err
}

func trimSQL(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 60 {
		return s[:60] + "..."
	}
	return s
}
