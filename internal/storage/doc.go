// Package storage persists users, their sender setup and the admin audit log.
//
// Two drivers share one Store interface:
//   - "sqlite": a single-file database (modernc.org/sqlite, WAL, one connection)
//   - "postgres": a pgx connection pool
//
// Schemas are versioned with goose; migrations are embedded per dialect.
package storage
