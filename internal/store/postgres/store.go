// Package postgres implements the scheduler, dispatcher and correlation
// stores on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/djlord-it/easyflow/internal/correlation"
	"github.com/djlord-it/easyflow/internal/dispatcher"
	"github.com/djlord-it/easyflow/internal/scheduler"
	"github.com/djlord-it/easyflow/internal/txn"
)

// Store joins the transaction carried by the context when there is one, and
// uses the pool otherwise.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

func New(db *sqlx.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With("component", "store")}
}

// Open connects to databaseURL and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Begin opens a database transaction. It is the txn.BeginFunc of
// storage-backed transaction managers.
func (s *Store) Begin(ctx context.Context) (txn.Resource, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error)
}

func (s *Store) conn(ctx context.Context) querier {
	if tx, ok := txn.FromContext(ctx); ok && tx.IsActive() {
		if sqlTx, ok := tx.Resource().(*sqlx.Tx); ok {
			return sqlTx
		}
	}
	return s.db
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// limitArg maps a non-positive limit to LIMIT NULL, which is no limit.
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

// isDuplicateKeyError reports a unique violation (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// Compile-time interface assertions
var (
	_ scheduler.Store       = (*Store)(nil)
	_ dispatcher.ClaimStore = (*Store)(nil)
	_ correlation.Store     = (*Store)(nil)
	_ txn.BeginFunc         = (*Store)(nil).Begin
)
