package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mwaller/outpost/internal/model"
)

// Config holds hub configuration.
type Config struct {
	HeartbeatInterval time.Duration // Heartbeat event cadence (default: 25s)
	WatchdogInterval  time.Duration // Dead-stream scan cadence (default: 30s)
	LivenessWindow    time.Duration // Max client silence before force-close (default: 90s)
	GracePeriod       time.Duration // Stream loss to teardown (default: 45s)
	StreamBufferSize  int           // Per-stream event buffer (default: 64)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 25 * time.Second,
		WatchdogInterval:  30 * time.Second,
		LivenessWindow:    90 * time.Second,
		GracePeriod:       45 * time.Second,
		StreamBufferSize:  64,
	}
}

// TeardownFunc releases a user's resources once their grace period
// expires without a reconnect.
type TeardownFunc func(userID string)

// Hub fans events out to per-user streams. At most one stream per user:
// a new registration supersedes the previous stream, and writes to a
// superseded stream stop immediately because delivery goes through the
// current map entry only.
type Hub struct {
	cfg      Config
	logger   *slog.Logger
	teardown TeardownFunc

	mu      sync.RWMutex
	streams map[string]*Stream
	grace   map[string]*time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a hub. teardown may be nil.
func New(cfg Config, teardown TeardownFunc, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = def.WatchdogInterval
	}
	if cfg.LivenessWindow <= 0 {
		cfg.LivenessWindow = def.LivenessWindow
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = def.GracePeriod
	}
	if cfg.StreamBufferSize <= 0 {
		cfg.StreamBufferSize = def.StreamBufferSize
	}

	return &Hub{
		cfg:      cfg,
		logger:   logger,
		teardown: teardown,
		streams:  make(map[string]*Stream),
		grace:    make(map[string]*time.Timer),
	}
}

// Start launches the heartbeat and watchdog loops.
func (h *Hub) Start(ctx context.Context) error {
	h.ctx, h.cancel = context.WithCancel(ctx)

	h.wg.Add(2)
	go h.heartbeatLoop()
	go h.watchdogLoop()

	h.logger.Info("broadcast hub started",
		"heartbeat", h.cfg.HeartbeatInterval,
		"grace_period", h.cfg.GracePeriod,
	)
	return nil
}

// Stop closes all streams and waits for the loops, bounded by ctx.
func (h *Hub) Stop(ctx context.Context) error {
	if h.cancel != nil {
		h.cancel()
	}

	h.mu.Lock()
	for userID, s := range h.streams {
		s.Close()
		delete(h.streams, userID)
	}
	for userID, t := range h.grace {
		t.Stop()
		delete(h.grace, userID)
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("broadcast hub stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Register opens a stream for the user, superseding any previous one.
// A pending grace timer is cancelled: the user came back in time. The
// stream's first event is the connected acknowledgement.
func (h *Hub) Register(userID string) *Stream {
	s := newStream(userID, h.cfg.StreamBufferSize)

	h.mu.Lock()
	if old, ok := h.streams[userID]; ok {
		old.Close()
		h.logger.Info("stream superseded",
			"user_id", userID,
			"old_connection", old.id,
			"new_connection", s.id,
		)
	}
	h.streams[userID] = s
	if t, ok := h.grace[userID]; ok {
		t.Stop()
		delete(h.grace, userID)
	}
	h.mu.Unlock()

	s.send(model.Event{
		Name:   model.EventConnected,
		UserID: userID,
		Payload: map[string]any{
			"connection_id": s.id,
		},
	})

	h.logger.Debug("stream registered", "user_id", userID, "connection", s.id)
	return s
}

// Unregister retires a stream on transport loss and starts the grace
// countdown. A stream that was already superseded is ignored; only the
// identity in the map owns the user's slot.
func (h *Hub) Unregister(s *Stream) {
	h.mu.Lock()
	current, ok := h.streams[s.userID]
	if !ok || current.id != s.id {
		h.mu.Unlock()
		s.Close()
		return
	}
	delete(h.streams, s.userID)
	h.startGraceLocked(s.userID)
	h.mu.Unlock()

	s.Close()
	h.logger.Debug("stream unregistered", "user_id", s.userID, "connection", s.id)
}

// startGraceLocked arms the teardown timer for a user. Caller holds mu.
func (h *Hub) startGraceLocked(userID string) {
	if t, ok := h.grace[userID]; ok {
		t.Stop()
	}
	h.grace[userID] = time.AfterFunc(h.cfg.GracePeriod, func() {
		h.mu.Lock()
		_, returned := h.streams[userID]
		delete(h.grace, userID)
		h.mu.Unlock()

		if returned {
			return
		}
		h.logger.Info("grace period expired, tearing down", "user_id", userID)
		if h.teardown != nil {
			h.teardown(userID)
		}
	})
}

// Publish routes one event. Events with an empty user id go to every
// stream; the rest go to the owner's current stream, subject to its
// subscription filter.
func (h *Hub) Publish(ev model.Event) {
	if ev.UserID == "" {
		h.mu.RLock()
		streams := make([]*Stream, 0, len(h.streams))
		for _, s := range h.streams {
			streams = append(streams, s)
		}
		h.mu.RUnlock()

		for _, s := range streams {
			if s.wants(ev) && !s.send(ev) {
				h.logger.Debug("broadcast dropped", "user_id", s.userID, "event", ev.Name)
			}
		}
		return
	}

	h.mu.RLock()
	s, ok := h.streams[ev.UserID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	if !s.wants(ev) {
		return
	}
	if !s.send(ev) {
		h.logger.Warn("stream backpressure, event dropped",
			"user_id", ev.UserID,
			"event", ev.Name,
		)
	}
}

// Consume pumps a source channel into the hub until it closes or the
// hub stops. Used to attach the connection manager's event feed.
func (h *Hub) Consume(ch <-chan model.Event) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case <-h.ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				h.Publish(ev)
			}
		}
	}()
}

// Touch records client liveness, resetting the watchdog clock.
func (h *Hub) Touch(userID string) {
	h.mu.RLock()
	s, ok := h.streams[userID]
	h.mu.RUnlock()
	if ok {
		s.touch()
	}
}

// StreamCount reports live streams for the health endpoint.
func (h *Hub) StreamCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams)
}

// Connected reports whether the user currently has a live stream.
func (h *Hub) Connected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.streams[userID]
	return ok
}

func (h *Hub) heartbeatLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case t := <-ticker.C:
			h.Publish(model.Event{
				Name:    model.EventHeartbeat,
				Payload: map[string]any{"ts": t.Unix()},
			})
		}
	}
}

// watchdogLoop force-closes streams whose client has been silent past
// the liveness window. The close flows through Unregister so the grace
// countdown still applies.
func (h *Hub) watchdogLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-h.cfg.LivenessWindow)

			h.mu.RLock()
			var stale []*Stream
			for _, s := range h.streams {
				if s.lastSeenAt().Before(cutoff) {
					stale = append(stale, s)
				}
			}
			h.mu.RUnlock()

			for _, s := range stale {
				h.logger.Warn("stream silent past liveness window, closing",
					"user_id", s.userID,
					"last_seen", s.lastSeenAt(),
				)
				h.Unregister(s)
			}
		}
	}
}
