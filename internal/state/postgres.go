package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is the shared backend. Every operation touches a single row;
// there are no transactions across keys.
type Postgres struct {
	db *pgxpool.Pool
}

// NewPostgres creates a shared-store backend over the given pool.
func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

// Get returns the value for key, or ErrKeyNotFound for absent/expired keys.
func (p *Postgres) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := p.db.QueryRow(ctx, `
		SELECT value FROM shared_state
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())
	`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("state get: %w", err)
	}
	return value, nil
}

// Set stores a value with an optional TTL.
func (p *Postgres) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}

	_, err := p.db.Exec(ctx, `
		INSERT INTO shared_state (key, value, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	`, key, value, expiresAt)
	if err != nil {
		return fmt.Errorf("state set: %w", err)
	}
	return nil
}

// Delete removes a key.
func (p *Postgres) Delete(ctx context.Context, key string) error {
	_, err := p.db.Exec(ctx, `DELETE FROM shared_state WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("state delete: %w", err)
	}
	return nil
}

// Ping reports backend health.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

// Mode identifies the backend.
func (p *Postgres) Mode() string { return "postgres" }
