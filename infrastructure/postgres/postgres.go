// Package postgres implements the relational stores: the append-only event
// log with its transactional outbox, projection bookkeeping, and the
// consolidation read model.
package postgres

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"cartograph-backend/internal/errors"
)

// DB is the pool surface the stores use. *pgxpool.Pool satisfies it, as do
// the mock pools used in tests.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// NewPool connects a pgx pool with the configured size.
func NewPool(ctx context.Context, dsn string, maxConns int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Validation("INVALID_DSN", "failed to parse postgres DSN").
			WithCause(err).
			Build()
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Connection("POSTGRES_CONNECT", "failed to create postgres pool").
			WithCause(err).
			Build()
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Connection("POSTGRES_PING", "postgres is unreachable").
			WithCause(err).
			Build()
	}
	return pool, nil
}

// isUniqueViolation reports whether err is a unique-constraint violation on
// the named constraint ("" matches any).
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !stderrors.As(err, &pgErr) {
		return false
	}
	if pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// textOrNil maps "" to SQL NULL for nullable text columns.
func textOrNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}
