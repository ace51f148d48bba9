// Package store provides Postgres persistence for pairing state: server
// links, push credentials and device tokens, the processed-notification
// ledger, and durable scheduled jobs.
//
// All methods take a context and return wrapped pgx errors. Callers own
// transaction boundaries; every method here is a single statement relying
// on per-row atomicity only.
package store
