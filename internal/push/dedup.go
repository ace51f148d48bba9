package push

import (
	"context"
	"log/slog"
	"sync"
)

// Ledger is the durable side of deduplication.
type Ledger interface {
	Seen(ctx context.Context, notificationID string) (bool, error)
	Record(ctx context.Context, notificationID string) error
}

// Deduplicator answers "was this notification processed before", cheaply
// for the common case. The in-memory set absorbs same-process replays;
// the ledger catches replays across restarts. A ledger outage fails
// open: pairing mutations are idempotent upserts, so a rare double
// delivery is harmless while a dropped pairing is not.
type Deduplicator struct {
	ledger Ledger
	logger *slog.Logger

	mu    sync.Mutex
	seen  map[string]struct{}
	order []string // FIFO eviction
	size  int
}

// NewDeduplicator creates a Deduplicator with a bounded memory cache.
func NewDeduplicator(ledger Ledger, cacheSize int, logger *slog.Logger) *Deduplicator {
	if logger == nil {
		logger = slog.Default()
	}
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	return &Deduplicator{
		ledger: ledger,
		logger: logger,
		seen:   make(map[string]struct{}, cacheSize),
		size:   cacheSize,
	}
}

// Seen reports whether the notification was already processed.
func (d *Deduplicator) Seen(ctx context.Context, id string) bool {
	d.mu.Lock()
	_, hit := d.seen[id]
	d.mu.Unlock()
	if hit {
		return true
	}

	if d.ledger == nil {
		return false
	}
	seen, err := d.ledger.Seen(ctx, id)
	if err != nil {
		d.logger.Warn("dedup ledger check failed, treating as unseen", "id", id, "error", err)
		return false
	}
	if seen {
		// Pull the ledger hit into memory so the next replay is cheap.
		d.remember(id)
	}
	return seen
}

// MarkProcessed records the notification in memory first, then durably.
// Memory-first means a concurrent replay in this process is caught even
// if the ledger write is still in flight.
func (d *Deduplicator) MarkProcessed(ctx context.Context, id string) {
	d.remember(id)

	if d.ledger == nil {
		return
	}
	if err := d.ledger.Record(ctx, id); err != nil {
		d.logger.Warn("dedup ledger record failed", "id", id, "error", err)
	}
}

func (d *Deduplicator) remember(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return
	}
	d.seen[id] = struct{}{}
	d.order = append(d.order, id)

	for len(d.order) > d.size {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
}

// CacheLen reports the memory cache size, for tests and health stats.
func (d *Deduplicator) CacheLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
