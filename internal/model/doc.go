// Package model defines shared data types used across the bridge.
//
// Conventions:
//   - Timestamps: time.Time in UTC
//   - Server links: int64 database IDs
//   - Users: opaque string IDs issued by the auth layer
package model
