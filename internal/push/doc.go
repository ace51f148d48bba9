// Package push receives provider notifications per user, deduplicates
// them against a memory cache and a durable ledger, and applies them:
// server pairings become stored links with an immediate connect, device
// pairings register FCM tokens, and everything else passes through to
// the user's stream and devices.
package push
