// Package config provides connection and observability configuration helpers
// for the example: a bookshelf service built on the graft request pipeline.
//
// This package contains factory functions for creating database connections
// using different PostgreSQL drivers (pgxpool.Pool, sql.DB, sqlx.DB) with
// pre-configured pool settings, plus an OpenTelemetry trace provider that
// writes spans to stdout.
//
// This package is part of the shell (infrastructure) layer and keeps the
// application packages free of driver and exporter wiring.
package config
