package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Decision is the result of a rate-limit check.
type Decision struct {
	Allowed   bool
	Remaining int
	// ResetAt is when the oldest surviving request leaves the window.
	// Only meaningful when Allowed is false.
	ResetAt time.Time
}

// Limiter applies a per-(endpoint, identifier) sliding window over a Store.
// A store failure never rejects a caller: the limiter fails open, because
// an infrastructure outage must not become a denial of service.
type Limiter struct {
	store  Store
	logger *slog.Logger
}

// NewLimiter creates a sliding-window limiter over the given store.
func NewLimiter(store Store, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{store: store, logger: logger}
}

// Allow checks and records one request for (endpoint, identifier).
// The recorded timestamp set is trimmed to the window on every check.
func (l *Limiter) Allow(ctx context.Context, endpoint, identifier string, limit int, window time.Duration) Decision {
	key := fmt.Sprintf("ratelimit:%s:%s", endpoint, identifier)
	now := time.Now()

	stamps, err := l.load(ctx, key)
	if err != nil && !errors.Is(err, ErrKeyNotFound) {
		l.logger.Warn("rate limiter failing open", "endpoint", endpoint, "error", err)
		return Decision{Allowed: true, Remaining: limit}
	}

	// Trim entries older than the window.
	cutoff := now.Add(-window)
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= limit {
		return Decision{
			Allowed: false,
			ResetAt: kept[0].Add(window),
		}
	}

	kept = append(kept, now)
	if err := l.save(ctx, key, kept, window); err != nil {
		l.logger.Warn("rate limiter record failed, failing open", "endpoint", endpoint, "error", err)
		return Decision{Allowed: true, Remaining: limit - len(kept)}
	}

	return Decision{Allowed: true, Remaining: limit - len(kept)}
}

func (l *Limiter) load(ctx context.Context, key string) ([]time.Time, error) {
	data, err := l.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	var nanos []int64
	if err := json.Unmarshal(data, &nanos); err != nil {
		// A corrupt window is discarded rather than trusted.
		return nil, nil
	}

	stamps := make([]time.Time, 0, len(nanos))
	for _, n := range nanos {
		stamps = append(stamps, time.Unix(0, n))
	}
	return stamps, nil
}

func (l *Limiter) save(ctx context.Context, key string, stamps []time.Time, window time.Duration) error {
	nanos := make([]int64, 0, len(stamps))
	for _, ts := range stamps {
		nanos = append(nanos, ts.UnixNano())
	}
	data, err := json.Marshal(nanos)
	if err != nil {
		return err
	}
	// The key itself expires one window after the newest entry.
	return l.store.Set(ctx, key, data, window)
}
