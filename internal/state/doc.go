// Package state provides the shared key-value layer (activity tracking,
// active-server-per-user) and the sliding-window rate limiter.
//
// Callers depend only on the Store interface. Two backends exist: Postgres
// for multi-instance deployments and an in-process map the bridge degrades
// to when the shared store is unreachable at startup. The store offers
// per-key atomicity only; cross-instance reads may briefly disagree.
package state
