package adapters

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGX implements DB over a pgx connection pool.
type PGX struct {
	pool *pgxpool.Pool
}

// NewPGX wraps a pgx pool as a DB.
func NewPGX(pool *pgxpool.Pool) *PGX {
	return &PGX{pool: pool}
}

// Query executes a select statement on the pool.
func (a *PGX) Query(ctx context.Context, query string) (Rows, error) {
	rows, err := a.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}

	return &pgxRows{rows: rows}, nil
}

// Exec executes a mutating statement on the pool.
func (a *PGX) Exec(ctx context.Context, query string) (Result, error) {
	tag, err := a.pool.Exec(ctx, query)
	if err != nil {
		return nil, err
	}

	return pgxResult{tag: tag}, nil
}

type pgxRows struct {
	rows pgx.Rows
}

func (r *pgxRows) Next() bool {
	return r.rows.Next()
}

func (r *pgxRows) Scan(dest ...any) error {
	return r.rows.Scan(dest...)
}

// Close releases the row iterator; pgx reports iteration errors through
// rows.Err which the scan loop already surfaces, so Close never fails.
func (r *pgxRows) Close() error {
	r.rows.Close()
	return nil
}

type pgxResult struct {
	tag pgconn.CommandTag
}

func (r pgxResult) RowsAffected() (int64, error) {
	return r.tag.RowsAffected(), nil
}
