// Package jobs schedules named repeating and one-shot work on a bounded
// worker pool. Schedules persist across restarts; re-scheduling a name
// replaces the previous schedule, so callers can schedule blindly.
package jobs
