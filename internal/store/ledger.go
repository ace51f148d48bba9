package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Ledger is the append-only record of processed notification IDs. It is
// the durable half of the dedup check; the in-memory cache in the push
// listener is an eviction cache over this table, never the source of truth.
type Ledger struct {
	db *pgxpool.Pool
}

// NewLedger creates a Ledger store.
func NewLedger(db *pgxpool.Pool) *Ledger {
	return &Ledger{db: db}
}

// Seen reports whether a notification id has already been processed.
func (s *Ledger) Seen(ctx context.Context, notificationID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM processed_notifications WHERE notification_id = $1)
	`, notificationID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check ledger: %w", err)
	}
	return exists, nil
}

// Record appends a processed notification id. Recording the same id twice
// is a no-op so a crash between processing and recording cannot wedge the
// listener on restart.
func (s *Ledger) Record(ctx context.Context, notificationID string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO processed_notifications (notification_id, processed_at)
		VALUES ($1, now())
		ON CONFLICT (notification_id) DO NOTHING
	`, notificationID)
	if err != nil {
		return fmt.Errorf("record in ledger: %w", err)
	}
	return nil
}

// Prune deletes ledger entries older than the retention window and returns
// the number removed. Run by the ledgersweep maintenance command.
func (s *Ledger) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM processed_notifications WHERE processed_at < now() - $1::interval
	`, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("prune ledger: %w", err)
	}
	return tag.RowsAffected(), nil
}
