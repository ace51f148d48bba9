package state

import (
	"context"
	"sync"
	"time"
)

// Memory is the single-process fallback backend. Multi-instance
// correctness is not guaranteed while this backend is active.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry

	janitorOnce sync.Once
	done        chan struct{}
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // Zero means no expiry
}

// NewMemory creates an in-process store.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]memoryEntry),
		done:    make(chan struct{}),
	}
}

// Get returns the value for key, or ErrKeyNotFound.
func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok || entry.expired(time.Now()) {
		return nil, ErrKeyNotFound
	}
	return entry.value, nil
}

// Set stores a value with an optional TTL.
func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	m.mu.Lock()
	m.entries[key] = memoryEntry{value: value, expiresAt: expiresAt}
	m.mu.Unlock()

	m.janitorOnce.Do(func() { go m.janitor() })
	return nil
}

// Delete removes a key.
func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Ping always succeeds for the in-process backend.
func (m *Memory) Ping(ctx context.Context) error { return nil }

// Mode identifies the backend.
func (m *Memory) Mode() string { return "memory" }

// Close stops the expiry janitor.
func (m *Memory) Close() {
	select {
	case <-m.done:
	default:
		close(m.done)
	}
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// janitor drops expired entries so abandoned keys do not accumulate.
func (m *Memory) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for key, entry := range m.entries {
				if entry.expired(now) {
					delete(m.entries, key)
				}
			}
			m.mu.Unlock()
		}
	}
}
