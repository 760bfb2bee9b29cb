package adapters

import (
	"context"
	"database/sql"
)

// DB is the database access contract of the shelf storage. Statements arrive
// as complete SQL strings; the storage layer inlines values while building
// them.
type DB interface {
	Query(ctx context.Context, query string) (Rows, error)
	Exec(ctx context.Context, query string) (Result, error)
}

// Rows is the result iterator contract shared by all adapters.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Close() error
}

// Result reports the outcome of a mutating statement.
type Result interface {
	RowsAffected() (int64, error)
}

// stdRows wraps *sql.Rows; shared by the database/sql and sqlx adapters.
type stdRows struct {
	rows *sql.Rows
}

func (r *stdRows) Next() bool {
	return r.rows.Next()
}

func (r *stdRows) Scan(dest ...any) error {
	return r.rows.Scan(dest...)
}

func (r *stdRows) Close() error {
	return r.rows.Close()
}

// stdResult wraps sql.Result; shared by the database/sql and sqlx adapters.
type stdResult struct {
	result sql.Result
}

func (r stdResult) RowsAffected() (int64, error) {
	return r.result.RowsAffected()
}
