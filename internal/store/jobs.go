package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// JobRecord is the durable form of a scheduled job. Handlers are
// re-registered by kind at startup; only the schedule and payload persist.
type JobRecord struct {
	Name    string
	Kind    string
	Payload []byte
	Every   time.Duration // Zero for one-shot jobs
	RunAt   time.Time     // Next (or only) execution time
}

// Jobs persists scheduled jobs so polling survives a process restart.
type Jobs struct {
	db *pgxpool.Pool
}

// NewJobs creates a Jobs store.
func NewJobs(db *pgxpool.Pool) *Jobs {
	return &Jobs{db: db}
}

// Upsert saves a job keyed by name. Re-scheduling replaces the previous
// record, matching the scheduler's replace-by-name semantics.
func (s *Jobs) Upsert(ctx context.Context, rec JobRecord) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO scheduled_jobs (name, kind, payload, every_ns, run_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO UPDATE SET
			kind = excluded.kind,
			payload = excluded.payload,
			every_ns = excluded.every_ns,
			run_at = excluded.run_at
	`, rec.Name, rec.Kind, rec.Payload, rec.Every.Nanoseconds(), rec.RunAt)
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	return nil
}

// Delete removes a job by name.
func (s *Jobs) Delete(ctx context.Context, name string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM scheduled_jobs WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

// DeletePrefix removes all jobs whose name starts with the prefix. Used to
// release a server's jobs atomically with its session teardown.
func (s *Jobs) DeletePrefix(ctx context.Context, prefix string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM scheduled_jobs WHERE name LIKE $1 || '%'`, prefix)
	if err != nil {
		return fmt.Errorf("delete jobs by prefix: %w", err)
	}
	return nil
}

// List returns all persisted jobs for reload at startup.
func (s *Jobs) List(ctx context.Context) ([]JobRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT name, kind, payload, every_ns, run_at FROM scheduled_jobs ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var everyNS int64
		if err := rows.Scan(&rec.Name, &rec.Kind, &rec.Payload, &everyNS, &rec.RunAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		rec.Every = time.Duration(everyNS)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
