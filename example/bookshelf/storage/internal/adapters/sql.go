package adapters

import (
	"context"
	"database/sql"
)

// SQL implements DB over a database/sql handle.
type SQL struct {
	db *sql.DB
}

// NewSQL wraps a sql.DB as a DB.
func NewSQL(db *sql.DB) *SQL {
	return &SQL{db: db}
}

// Query executes a select statement on the handle.
func (a *SQL) Query(ctx context.Context, query string) (Rows, error) {
	rows, err := a.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}

	return &stdRows{rows: rows}, nil
}

// Exec executes a mutating statement on the handle.
func (a *SQL) Exec(ctx context.Context, query string) (Result, error) {
	result, err := a.db.ExecContext(ctx, query)
	if err != nil {
		return nil, err
	}

	return stdResult{result: result}, nil
}
