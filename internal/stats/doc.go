// Package stats is the handoff boundary to the statistics engine:
// polled server snapshots are batch-appended to its ingest tables and
// pruned on a retention schedule. Everything downstream is external.
package stats
