// Package hub routes events to per-user client streams. One stream per
// user, supersession on reconnect, a watchdog for silent clients and a
// grace period between stream loss and resource teardown.
package hub
