// Package postgres provides the PostgreSQL implementation of the recipe store
// defined in internal/store, the embedded schema migrations, and the helper
// that opens a pgx-backed database/sql pool.
package postgres
