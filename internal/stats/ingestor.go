package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config holds ingestor configuration.
type Config struct {
	BatchSize     int           // Rows per batch insert (default: 100)
	FlushInterval time.Duration // Max time a row waits in the batch (default: 5s)
	Retention     time.Duration // Snapshot age pruned by maintenance (default: 72h)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     100,
		FlushInterval: 5 * time.Second,
		Retention:     72 * time.Hour,
	}
}

// Metrics counts ingestor activity.
type Metrics struct {
	Inserts int64
	Flushes int64
	Errors  int64
	Pending int
}

// snapshotRow is one polled server_info result awaiting insert.
type snapshotRow struct {
	ServerID int64
	Snapshot []byte
	PolledAt time.Time
}

// Ingestor feeds polled server snapshots to the statistics tables.
// Rows are append-only and batched; the engine consuming them runs
// elsewhere and only the handoff lives here.
type Ingestor struct {
	cfg    Config
	db     *pgxpool.Pool
	logger *slog.Logger

	mu      sync.Mutex
	batch   []snapshotRow
	metrics Metrics

	flushTicker *time.Ticker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Ingestor.
func New(cfg Config, db *pgxpool.Pool, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}

	return &Ingestor{
		cfg:    cfg,
		db:     db,
		logger: logger,
		batch:  make([]snapshotRow, 0, cfg.BatchSize),
	}
}

// Start begins the periodic flush loop.
func (i *Ingestor) Start(ctx context.Context) error {
	i.ctx, i.cancel = context.WithCancel(ctx)
	i.flushTicker = time.NewTicker(i.cfg.FlushInterval)

	i.wg.Add(1)
	go i.flushLoop()

	i.logger.Info("stats ingestor started",
		"batch_size", i.cfg.BatchSize,
		"flush_interval", i.cfg.FlushInterval,
	)
	return nil
}

// Stop drains the loop and flushes whatever is pending.
func (i *Ingestor) Stop(ctx context.Context) error {
	if i.cancel != nil {
		i.cancel()
	}
	if i.flushTicker != nil {
		i.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		i.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		i.logger.Info("stats ingestor stopped")
	case <-ctx.Done():
		i.logger.Warn("stats ingestor stop timed out")
	}

	i.flush()
	return nil
}

// IngestServerInfo queues one polled snapshot.
func (i *Ingestor) IngestServerInfo(ctx context.Context, serverID int64, snapshot []byte) error {
	row := snapshotRow{
		ServerID: serverID,
		Snapshot: append([]byte(nil), snapshot...),
		PolledAt: time.Now(),
	}

	i.mu.Lock()
	i.batch = append(i.batch, row)
	shouldFlush := len(i.batch) >= i.cfg.BatchSize
	i.mu.Unlock()

	if shouldFlush {
		i.flush()
	}
	return nil
}

// Prune deletes snapshots older than the retention window. Driven by
// the stats maintenance job.
func (i *Ingestor) Prune(ctx context.Context) (int64, error) {
	tag, err := i.db.Exec(ctx, `
		DELETE FROM server_info_snapshots
		WHERE polled_at < now() - $1::interval
	`, i.cfg.Retention.String())
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Stats returns current metrics.
func (i *Ingestor) Stats() Metrics {
	i.mu.Lock()
	defer i.mu.Unlock()
	m := i.metrics
	m.Pending = len(i.batch)
	return m
}

func (i *Ingestor) flushLoop() {
	defer i.wg.Done()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-i.flushTicker.C:
			i.flush()
		}
	}
}

// flush writes the current batch to the database.
func (i *Ingestor) flush() {
	i.mu.Lock()
	if len(i.batch) == 0 {
		i.mu.Unlock()
		return
	}
	batch := i.batch
	i.batch = make([]snapshotRow, 0, i.cfg.BatchSize)
	i.mu.Unlock()

	start := time.Now()

	if err := i.batchInsert(batch); err != nil {
		i.logger.Error("snapshot batch insert failed", "error", err, "count", len(batch))
		i.mu.Lock()
		i.metrics.Errors++
		i.mu.Unlock()
		return
	}

	i.mu.Lock()
	i.metrics.Inserts += int64(len(batch))
	i.metrics.Flushes++
	i.mu.Unlock()

	i.logger.Debug("flushed snapshots",
		"count", len(batch),
		"duration", time.Since(start),
	)
}

func (i *Ingestor) batchInsert(rows []snapshotRow) error {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO server_info_snapshots (server_id, snapshot, polled_at)
			VALUES ($1, $2, $3)
		`, r.ServerID, r.Snapshot, r.PolledAt)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results := i.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}
