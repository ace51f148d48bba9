package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mwaller/outpost/internal/store"
)

// ErrNotApplicable is the soft result a handler returns when its work no
// longer applies (server gone, nothing due). The run is dropped without
// retry; a repeating job keeps its schedule.
var ErrNotApplicable = errors.New("job not applicable")

// Handler executes one job run.
type Handler interface {
	Handle(ctx context.Context, job Job) error
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc func(ctx context.Context, job Job) error

func (f HandlerFunc) Handle(ctx context.Context, job Job) error {
	return f(ctx, job)
}

// Job is what a handler sees for one run.
type Job struct {
	Name    string
	Payload []byte
	Every   time.Duration // Zero for one-shot jobs
	Attempt int           // 1-based attempt within this run
}

// Store persists schedules across restarts.
type Store interface {
	Upsert(ctx context.Context, rec store.JobRecord) error
	Delete(ctx context.Context, name string) error
	DeletePrefix(ctx context.Context, prefix string) error
	List(ctx context.Context) ([]store.JobRecord, error)
}

// Config holds scheduler configuration.
type Config struct {
	Workers      int           // Concurrent job runners (default: 4)
	MaxAttempts  int           // Attempts per run before giving up (default: 3)
	RetryDelay   time.Duration // Fixed delay between attempts (default: 5s)
	TickInterval time.Duration // Due-job scan cadence (default: 500ms)
	QueueSize    int           // Pending-run buffer (default: 256)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		MaxAttempts:  3,
		RetryDelay:   5 * time.Second,
		TickInterval: 500 * time.Millisecond,
		QueueSize:    256,
	}
}

// entry is one scheduled job plus its next due time.
type entry struct {
	rec      store.JobRecord
	nextRun  time.Time
	inFlight bool
}

// Stats summarizes the scheduler for the health endpoint.
type Stats struct {
	Jobs       int
	QueueDepth int
}

// Scheduler runs named jobs on a bounded worker pool. Schedules are
// keyed by name (re-scheduling replaces) and persisted so polling
// survives a restart. Handlers are matched by the longest registered
// name prefix.
type Scheduler struct {
	cfg    Config
	store  Store
	logger *slog.Logger

	mu       sync.Mutex
	jobs     map[string]*entry
	handlers map[string]Handler

	queue chan *entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler. store may be nil for an in-memory-only
// scheduler (used in tests).
func New(cfg Config, st Store, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}

	return &Scheduler{
		cfg:      cfg,
		store:    st,
		logger:   logger,
		jobs:     make(map[string]*entry),
		handlers: make(map[string]Handler),
		queue:    make(chan *entry, cfg.QueueSize),
	}
}

// Register binds a handler to a job-name prefix. The longest matching
// prefix wins at dispatch time. Must be called before Start.
func (s *Scheduler) Register(prefix string, h Handler) {
	s.mu.Lock()
	s.handlers[prefix] = h
	s.mu.Unlock()
}

// Start reloads persisted schedules and begins dispatching.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if s.store != nil {
		recs, err := s.store.List(ctx)
		if err != nil {
			return err
		}
		now := time.Now()
		s.mu.Lock()
		for _, rec := range recs {
			next := rec.RunAt
			if next.Before(now) {
				next = now
			}
			s.jobs[rec.Name] = &entry{rec: rec, nextRun: next}
		}
		loaded := len(s.jobs)
		s.mu.Unlock()
		s.logger.Info("schedules reloaded", "jobs", loaded)
	}

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.wg.Add(1)
	go s.dispatch()

	s.logger.Info("job scheduler started",
		"workers", s.cfg.Workers,
		"max_attempts", s.cfg.MaxAttempts,
	)
	return nil
}

// Stop halts dispatch and waits for in-flight runs, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("job scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ScheduleRepeating schedules (or replaces) a named repeating job. The
// first run happens immediately.
func (s *Scheduler) ScheduleRepeating(ctx context.Context, name string, payload []byte, every time.Duration) error {
	rec := store.JobRecord{
		Name:    name,
		Kind:    s.kindFor(name),
		Payload: payload,
		Every:   every,
		RunAt:   time.Now(),
	}
	return s.schedule(ctx, rec)
}

// ScheduleOnce schedules (or replaces) a named one-shot job.
func (s *Scheduler) ScheduleOnce(ctx context.Context, name string, payload []byte, delay time.Duration) error {
	rec := store.JobRecord{
		Name:    name,
		Kind:    s.kindFor(name),
		Payload: payload,
		RunAt:   time.Now().Add(delay),
	}
	return s.schedule(ctx, rec)
}

func (s *Scheduler) schedule(ctx context.Context, rec store.JobRecord) error {
	if s.store != nil {
		if err := s.store.Upsert(ctx, rec); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.jobs[rec.Name] = &entry{rec: rec, nextRun: rec.RunAt}
	s.mu.Unlock()

	s.logger.Debug("job scheduled", "name", rec.Name, "every", rec.Every)
	return nil
}

// Cancel removes a single job by name.
func (s *Scheduler) Cancel(ctx context.Context, name string) error {
	if s.store != nil {
		if err := s.store.Delete(ctx, name); err != nil {
			return err
		}
	}
	s.mu.Lock()
	delete(s.jobs, name)
	s.mu.Unlock()
	return nil
}

// CancelPrefix removes every job whose name starts with prefix. A
// server's teardown releases all of its polls in one call.
func (s *Scheduler) CancelPrefix(ctx context.Context, prefix string) error {
	if s.store != nil {
		if err := s.store.DeletePrefix(ctx, prefix); err != nil {
			return err
		}
	}
	s.mu.Lock()
	for name := range s.jobs {
		if strings.HasPrefix(name, prefix) {
			delete(s.jobs, name)
		}
	}
	s.mu.Unlock()

	s.logger.Debug("jobs cancelled", "prefix", prefix)
	return nil
}

// Stats reports scheduled-job and queue counts.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	jobs := len(s.jobs)
	s.mu.Unlock()
	return Stats{Jobs: jobs, QueueDepth: len(s.queue)}
}

// dispatch scans for due jobs and feeds the worker queue.
func (s *Scheduler) dispatch() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.enqueueDue()
		}
	}
}

func (s *Scheduler) enqueueDue() {
	now := time.Now()

	s.mu.Lock()
	var due []*entry
	for _, e := range s.jobs {
		if !e.inFlight && !e.nextRun.After(now) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	// Deterministic order keeps interleaved polls fair.
	sort.Slice(due, func(i, j int) bool { return due[i].rec.Name < due[j].rec.Name })

	for _, e := range due {
		// Marked before the send: a worker can finish the run and clear
		// the flag before this loop resumes.
		s.mu.Lock()
		e.inFlight = true
		s.mu.Unlock()

		select {
		case s.queue <- e:
		default:
			// Queue full: the job stays due and is retried next tick.
			s.mu.Lock()
			e.inFlight = false
			s.mu.Unlock()
			s.logger.Warn("job queue full, deferring", "name", e.rec.Name)
			return
		}
	}
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case e := <-s.queue:
			s.execute(e)
		}
	}
}

// execute runs one job with the per-run attempt budget, then reschedules
// or retires it.
func (s *Scheduler) execute(e *entry) {
	handler := s.handlerFor(e.rec.Name)
	if handler == nil {
		s.logger.Error("no handler for job, dropping", "name", e.rec.Name)
		s.retire(e)
		return
	}

	var err error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		job := Job{
			Name:    e.rec.Name,
			Payload: e.rec.Payload,
			Every:   e.rec.Every,
			Attempt: attempt,
		}

		err = handler.Handle(s.ctx, job)
		if err == nil {
			break
		}
		if errors.Is(err, ErrNotApplicable) {
			s.logger.Debug("job not applicable, dropping run", "name", e.rec.Name)
			err = nil
			break
		}

		s.logger.Warn("job run failed",
			"name", e.rec.Name,
			"attempt", attempt,
			"max_attempts", s.cfg.MaxAttempts,
			"error", err,
		)

		if attempt < s.cfg.MaxAttempts {
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(s.cfg.RetryDelay):
			}
		}
	}
	if err != nil {
		s.logger.Error("job gave up after retries", "name", e.rec.Name, "error", err)
	}

	if e.rec.Every > 0 {
		s.mu.Lock()
		// The job may have been cancelled while running.
		if current, ok := s.jobs[e.rec.Name]; ok && current == e {
			e.nextRun = time.Now().Add(e.rec.Every)
			e.inFlight = false
		}
		s.mu.Unlock()
		return
	}

	s.retire(e)
}

// retire removes a finished one-shot job from memory and storage.
func (s *Scheduler) retire(e *entry) {
	s.mu.Lock()
	if current, ok := s.jobs[e.rec.Name]; ok && current == e {
		delete(s.jobs, e.rec.Name)
	}
	s.mu.Unlock()

	if s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.Delete(ctx, e.rec.Name); err != nil {
			s.logger.Error("retiring job failed", "name", e.rec.Name, "error", err)
		}
	}
}

// handlerFor picks the handler with the longest matching prefix.
func (s *Scheduler) handlerFor(name string) Handler {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best Handler
	bestLen := -1
	for prefix, h := range s.handlers {
		if strings.HasPrefix(name, prefix) && len(prefix) > bestLen {
			best = h
			bestLen = len(prefix)
		}
	}
	return best
}

// kindFor records the matching handler prefix as the persisted kind.
func (s *Scheduler) kindFor(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	kind := ""
	bestLen := -1
	for prefix := range s.handlers {
		if strings.HasPrefix(name, prefix) && len(prefix) > bestLen {
			kind = prefix
			bestLen = len(prefix)
		}
	}
	return kind
}
