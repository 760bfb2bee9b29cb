// Package adapters provides the database adapters the shelf storage runs on.
//
// Three PostgreSQL client libraries are supported: pgxpool.Pool, sql.DB, and
// sqlx.DB. Each adapter implements the same DB contract, so the storage
// layer builds its SQL once and executes it through whichever handle the
// application was wired with.
package adapters
