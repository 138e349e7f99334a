// Package sqlstore implements storage.Store on database/sql for SQLite
// (modernc.org/sqlite) and PostgreSQL (github.com/lib/pq).
//
// Balance writes are guarded twice: the account row is read with
// GetAccountForUpdate (a row lock on PostgreSQL, an IMMEDIATE write
// transaction on SQLite) and written back with a version predicate, so a
// lost update surfaces as core.ErrStorageConflict instead of silently
// overwriting a concurrent delta.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"saldo/internal/log"
	"saldo/internal/storage"
)

type Store struct {
	*queries
	db     *sql.DB
	logger *log.Logger
}

var _ storage.Store = (*Store)(nil)

// New wraps an already open database. Migrations are not run.
func New(db *sql.DB, d Dialect, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Discard()
	}
	return &Store{
		queries: &queries{db: db, d: d, now: time.Now},
		db:      db,
		logger:  logger.WithComponent(log.ComponentStorage),
	}
}

// sqliteDSN enables WAL, foreign keys and a busy timeout, and makes every
// transaction take the write lock at BEGIN so two read-modify-write
// transactions cannot interleave.
func sqliteDSN(path string) string {
	v := url.Values{}
	v.Add("_pragma", "busy_timeout(5000)")
	v.Add("_pragma", "foreign_keys(1)")
	v.Add("_pragma", "journal_mode(WAL)")
	v.Set("_txlock", "immediate")
	return "file:" + path + "?" + v.Encode()
}

// OpenSQLite opens (creating if needed) the database file at path and
// migrates it to the latest schema.
func OpenSQLite(ctx context.Context, path string, logger *log.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	dsn := sqliteDSN(path)
	if err := Migrate(SQLite, dsn); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return open(ctx, SQLite, dsn, logger)
}

// OpenPostgres connects to dsn and migrates the schema.
func OpenPostgres(ctx context.Context, dsn string, logger *log.Logger) (*Store, error) {
	if err := Migrate(Postgres, dsn); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return open(ctx, Postgres, dsn, logger)
}

func open(ctx context.Context, d Dialect, dsn string, logger *log.Logger) (*Store, error) {
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", d.Name, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := New(db, d, logger)
	s.logger.Info("Ledger store opened", "dialect", d.Name)
	return s, nil
}

// Atomic runs fn inside one database transaction. Errors returned by fn
// roll the transaction back and are passed through untouched; failures of
// BEGIN and COMMIT are translated into the core taxonomy.
func (s *Store) Atomic(ctx context.Context, fn func(q storage.Queries) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.d.translate("begin transaction", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			s.logger.WarnContext(ctx, "Rollback failed", log.FieldError, rbErr)
		}
	}()

	if err := fn(&queries{db: tx, d: s.d, now: s.now}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return s.d.translate("commit transaction", err)
	}
	committed = true
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
