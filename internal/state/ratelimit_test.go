package state

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLimiter_UnderLimit(t *testing.T) {
	l := NewLimiter(NewMemory(), nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d := l.Allow(ctx, "command", "user-1", 5, time.Minute)
		if !d.Allowed {
			t.Fatalf("request %d rejected, want allowed", i+1)
		}
	}
}

func TestLimiter_OverLimit(t *testing.T) {
	l := NewLimiter(NewMemory(), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if d := l.Allow(ctx, "command", "user-1", 3, time.Minute); !d.Allowed {
			t.Fatalf("request %d rejected, want allowed", i+1)
		}
	}

	d := l.Allow(ctx, "command", "user-1", 3, time.Minute)
	if d.Allowed {
		t.Error("4th request allowed, want rejected")
	}
	if d.ResetAt.IsZero() {
		t.Error("rejected decision missing ResetAt")
	}
	if until := time.Until(d.ResetAt); until <= 0 || until > time.Minute {
		t.Errorf("ResetAt %s from now, want within (0, 1m]", until)
	}
}

func TestLimiter_WindowSlides(t *testing.T) {
	store := NewMemory()
	l := NewLimiter(store, nil)
	ctx := context.Background()

	window := 50 * time.Millisecond
	for i := 0; i < 2; i++ {
		if d := l.Allow(ctx, "connect", "user-1", 2, window); !d.Allowed {
			t.Fatalf("request %d rejected, want allowed", i+1)
		}
	}
	if d := l.Allow(ctx, "connect", "user-1", 2, window); d.Allowed {
		t.Fatal("3rd request allowed inside window, want rejected")
	}

	// After the window has elapsed since the oldest timestamp, a new
	// request is accepted again.
	time.Sleep(window + 10*time.Millisecond)
	if d := l.Allow(ctx, "connect", "user-1", 2, window); !d.Allowed {
		t.Error("request after window rejected, want allowed")
	}
}

func TestLimiter_IsolatesIdentifiers(t *testing.T) {
	l := NewLimiter(NewMemory(), nil)
	ctx := context.Background()

	if d := l.Allow(ctx, "command", "user-1", 1, time.Minute); !d.Allowed {
		t.Fatal("first user-1 request rejected")
	}
	if d := l.Allow(ctx, "command", "user-1", 1, time.Minute); d.Allowed {
		t.Fatal("second user-1 request allowed, want rejected")
	}
	if d := l.Allow(ctx, "command", "user-2", 1, time.Minute); !d.Allowed {
		t.Error("user-2 request rejected by user-1's window")
	}
	if d := l.Allow(ctx, "heartbeat", "user-1", 1, time.Minute); !d.Allowed {
		t.Error("heartbeat request rejected by command window")
	}
}

// failingStore simulates a shared-store outage.
type failingStore struct{}

func (f failingStore) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, errors.New("store unreachable")
}
func (f failingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return errors.New("store unreachable")
}
func (f failingStore) Delete(ctx context.Context, key string) error {
	return errors.New("store unreachable")
}
func (f failingStore) Ping(ctx context.Context) error { return errors.New("store unreachable") }
func (f failingStore) Mode() string                   { return "failing" }

func TestLimiter_FailsOpen(t *testing.T) {
	l := NewLimiter(failingStore{}, nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if d := l.Allow(ctx, "command", "user-1", 1, time.Minute); !d.Allowed {
			t.Fatalf("request %d rejected during store outage, want fail open", i+1)
		}
	}
}
