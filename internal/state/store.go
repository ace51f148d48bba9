package state

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound is returned by Get for absent or expired keys.
var ErrKeyNotFound = errors.New("key not found")

// Store is a small cross-process key-value interface. Values are opaque
// bytes; TTL of zero means no expiry.
type Store interface {
	// Get returns the value for key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with an optional TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Ping reports backend health.
	Ping(ctx context.Context) error

	// Mode identifies the backend ("postgres" or "memory") for health reporting.
	Mode() string
}
