// Package database constructs the pgx connection pool used by the
// persistence and shared-state layers.
package database
