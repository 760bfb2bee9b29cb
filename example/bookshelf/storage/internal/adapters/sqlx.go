package adapters

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// SQLX implements DB over a sqlx handle.
type SQLX struct {
	db *sqlx.DB
}

// NewSQLX wraps a sqlx.DB as a DB.
func NewSQLX(db *sqlx.DB) *SQLX {
	return &SQLX{db: db}
}

// Query executes a select statement on the handle.
func (a *SQLX) Query(ctx context.Context, query string) (Rows, error) {
	rows, err := a.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}

	return &stdRows{rows: rows}, nil
}

// Exec executes a mutating statement on the handle.
func (a *SQLX) Exec(ctx context.Context, query string) (Result, error) {
	result, err := a.db.ExecContext(ctx, query)
	if err != nil {
		return nil, err
	}

	return stdResult{result: result}, nil
}
