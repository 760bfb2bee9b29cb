// Package storage persists the bookshelf in PostgreSQL.
//
// ShelfStorage builds its SQL with goqu and executes it through a database
// adapter, so the same storage code runs on a pgxpool.Pool, a sql.DB (lib/pq
// driver), or a sqlx.DB. Construct it with the matching factory:
//
//	shelf, err := storage.NewFromPGXPool(pool, storage.WithLogger(logger))
//
// The expected table shape is:
//
//	CREATE TABLE books (
//	    id       uuid PRIMARY KEY,
//	    title    text NOT NULL,
//	    author   text NOT NULL,
//	    year     int  NOT NULL,
//	    added_at timestamp with time zone NOT NULL
//	);
package storage
