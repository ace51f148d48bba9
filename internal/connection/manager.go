package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mwaller/outpost/internal/model"
	"github.com/mwaller/outpost/internal/store"
)

// LinkStore is the slice of the persistence layer the manager needs:
// permanent removal of a link that has exhausted its failure budget.
type LinkStore interface {
	Delete(ctx context.Context, id int64) error
}

// JobScheduler is the slice of the scheduler the manager drives. Polling
// jobs are created on connect and cancelled with the session, so a
// removed server never leaves orphaned work behind.
type JobScheduler interface {
	ScheduleRepeating(ctx context.Context, name string, payload []byte, every time.Duration) error
	CancelPrefix(ctx context.Context, prefix string) error
}

// Ingestor receives polled server snapshots for the statistics engine.
type Ingestor interface {
	IngestServerInfo(ctx context.Context, serverID int64, snapshot []byte) error
}

// PollCadences are the repeating-poll intervals derived per connected
// server.
type PollCadences struct {
	ServerInfo time.Duration
	MapMarkers time.Duration
	TeamInfo   time.Duration
}

// PollPayload is the scheduler payload for a per-server polling job.
type PollPayload struct {
	ServerID int64  `json:"server_id"`
	Method   string `json:"method"`
}

// JobPrefix is the scheduler name prefix owning every job of one server.
func JobPrefix(serverID int64) string {
	return fmt.Sprintf("server:%d:", serverID)
}

// dialFunc builds and connects a transport; swapped out in tests.
type dialFunc func(ctx context.Context, cfg ClientConfig, logger *slog.Logger) (Client, error)

func defaultDial(ctx context.Context, cfg ClientConfig, logger *slog.Logger) (Client, error) {
	c := NewClient(cfg, logger)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Manager owns at most one session per server link. It dials, supervises
// reconnection with exponential backoff, applies the consecutive-failure
// budget and emits lifecycle events into the hub-facing channel.
type Manager struct {
	cfg      ManagerConfig
	cadences PollCadences
	links    LinkStore
	jobs     JobScheduler
	stats    Ingestor
	logger   *slog.Logger

	dial dialFunc

	mu       sync.Mutex
	sessions map[int64]*session

	events chan model.Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a connection manager. stats may be nil when no
// statistics engine is attached.
func NewManager(cfg ManagerConfig, cadences PollCadences, links LinkStore, jobs JobScheduler, stats Ingestor, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	bufSize := cfg.BufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Manager{
		cfg:      cfg,
		cadences: cadences,
		links:    links,
		jobs:     jobs,
		stats:    stats,
		logger:   logger,
		dial:     defaultDial,
		sessions: make(map[int64]*session),
		events:   make(chan model.Event, bufSize),
	}
}

// Start prepares the manager for supervision. Sessions are created on
// demand by Connect.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.logger.Info("connection manager started",
		"failure_limit", m.cfg.FailureLimit,
		"reconnect_max_tries", m.cfg.ReconnectMaxTries,
	)
	return nil
}

// Stop tears down every session and waits for supervisors to drain,
// bounded by ctx.
func (m *Manager) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}

	m.mu.Lock()
	for id, s := range m.sessions {
		s.setIntent(IntentUserClosed)
		s.close()
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("connection manager stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the channel of lifecycle and broadcast events destined
// for the hub.
func (m *Manager) Events() <-chan model.Event {
	return m.events
}

// Connect establishes a session for the link. A second call while a
// session is active or still pending is a no-op: at most one socket per
// link ever exists.
func (m *Manager) Connect(ctx context.Context, link model.ServerLink) error {
	m.mu.Lock()
	if existing, ok := m.sessions[link.ID]; ok && existing.currentState() != StateClosed {
		m.mu.Unlock()
		m.logger.Debug("connect ignored, session already present", "server_id", link.ID)
		return nil
	}
	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return ErrTooManySessions
	}
	s := newSession(link, m.cfg, m.events, m.logger)
	m.sessions[link.ID] = s
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	client, err := m.dial(dialCtx, m.clientConfig(link), m.logger)
	cancel()
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, link.ID)
		m.mu.Unlock()
		s.close()
		return fmt.Errorf("dial %s: %w", link.Endpoint, err)
	}

	s.attach(client)
	m.logger.Info("server connected", "server_id", link.ID, "endpoint", link.Endpoint)
	m.emit(model.Event{
		Name:     model.EventServerConnected,
		UserID:   link.OwnerUserID,
		ServerID: link.ID,
	})

	if err := m.schedulePolls(ctx, link); err != nil {
		m.logger.Error("scheduling polls failed", "server_id", link.ID, "error", err)
	}

	m.wg.Add(1)
	go m.supervise(s)

	return nil
}

// Disconnect tears down the link's session on request. Reconnection is
// suppressed and the link's polling jobs are removed. Absent sessions
// are a no-op.
func (m *Manager) Disconnect(ctx context.Context, linkID int64) error {
	m.mu.Lock()
	s, ok := m.sessions[linkID]
	if ok {
		delete(m.sessions, linkID)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}

	s.setIntent(IntentUserClosed)
	s.close()

	if err := m.jobs.CancelPrefix(ctx, JobPrefix(linkID)); err != nil {
		m.logger.Error("cancelling polls failed", "server_id", linkID, "error", err)
	}

	m.logger.Info("server disconnected", "server_id", linkID)
	return nil
}

// Connected reports whether the link currently has a live session.
func (m *Manager) Connected(linkID int64) bool {
	m.mu.Lock()
	s, ok := m.sessions[linkID]
	m.mu.Unlock()
	return ok && s.currentState() == StateConnected
}

// ConnectedIDs lists links with a live session, for the inactivity sweep.
func (m *Manager) ConnectedIDs() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.sessions))
	for id, s := range m.sessions {
		if s.currentState() == StateConnected {
			ids = append(ids, id)
		}
	}
	return ids
}

// Stats summarizes sessions for the health endpoint.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{Sessions: len(m.sessions)}
	for _, s := range m.sessions {
		if s.currentState() == StateConnected {
			st.Connected++
		}
	}
	return st
}

// Fetch serves an info method for the link, from cache unless refresh is
// set. Timeouts and protocol rejections count against the link's
// failure budget; success resets it.
func (m *Manager) Fetch(ctx context.Context, linkID int64, method string, refresh bool) (json.RawMessage, error) {
	s, err := m.session(linkID)
	if err != nil {
		return nil, err
	}

	data, err := s.fetch(ctx, method, refresh)
	if err != nil {
		m.accountFailure(s, method, err)
		return nil, err
	}

	s.resetFailures()
	return data, nil
}

// Poll refreshes one info method and publishes the result to the hub.
// Used by the per-server repeating jobs.
func (m *Manager) Poll(ctx context.Context, linkID int64, method string) error {
	s, err := m.session(linkID)
	if err != nil {
		return err
	}

	data, err := s.fetch(ctx, method, true)
	if err != nil {
		m.accountFailure(s, method, err)
		return err
	}
	s.resetFailures()

	var name string
	switch method {
	case MethodServerInfo:
		name = model.EventServerInfoUpdate
		if m.stats != nil {
			if err := m.stats.IngestServerInfo(ctx, linkID, data); err != nil {
				m.logger.Warn("stats ingestion failed", "server_id", linkID, "error", err)
			}
		}
	case MethodMapMarkers:
		name = model.EventMapMarkersUpdate
	case MethodTeamInfo:
		name = model.EventTeamInfoUpdate
	default:
		return fmt.Errorf("unknown poll method %q", method)
	}

	m.emit(model.Event{
		Name:     name,
		UserID:   s.link.OwnerUserID,
		ServerID: linkID,
		Payload:  data,
	})
	return nil
}

// SetEntityValue sends a device mutation to the link's server.
func (m *Manager) SetEntityValue(ctx context.Context, linkID int64, args json.RawMessage) error {
	return m.command(ctx, linkID, MethodSetEntity, args)
}

// SendTeamChat relays a chat message to the link's server.
func (m *Manager) SendTeamChat(ctx context.Context, linkID int64, args json.RawMessage) error {
	return m.command(ctx, linkID, MethodTeamChatSend, args)
}

func (m *Manager) command(ctx context.Context, linkID int64, method string, args json.RawMessage) error {
	s, err := m.session(linkID)
	if err != nil {
		return err
	}
	if _, err := s.call(ctx, method, args); err != nil {
		m.accountFailure(s, method, err)
		return err
	}
	s.resetFailures()
	return nil
}

func (m *Manager) session(linkID int64) (*session, error) {
	m.mu.Lock()
	s, ok := m.sessions[linkID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotConnected
	}
	return s, nil
}

// accountFailure applies the unified failure budget. Only timeouts and
// explicit rejections count; transport loss is the supervisor's problem.
func (m *Manager) accountFailure(s *session, method string, err error) {
	var perr *ProtocolError
	if !errors.Is(err, ErrTimeout) && !errors.As(err, &perr) {
		return
	}

	count := s.recordFailure()
	m.logger.Warn("server call failed",
		"server_id", s.link.ID,
		"method", method,
		"failures", count,
		"limit", m.cfg.FailureLimit,
		"error", err,
	)

	if count >= m.cfg.FailureLimit {
		m.remove(s)
	}
}

// remove permanently retires a link that exhausted its failure budget:
// the session is closed, the stored link deleted, its jobs cancelled and
// the owner told via server_removed. Link deletion and job cancellation
// happen before the event so a crash cannot resurrect the server.
func (m *Manager) remove(s *session) {
	m.mu.Lock()
	if current, ok := m.sessions[s.link.ID]; !ok || current != s {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, s.link.ID)
	m.mu.Unlock()

	s.setIntent(IntentUserClosed)
	s.close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.links.Delete(ctx, s.link.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.logger.Error("removing failed link", "server_id", s.link.ID, "error", err)
	}
	if err := m.jobs.CancelPrefix(ctx, JobPrefix(s.link.ID)); err != nil {
		m.logger.Error("cancelling polls failed", "server_id", s.link.ID, "error", err)
	}

	m.logger.Warn("server removed after repeated failures",
		"server_id", s.link.ID,
		"failures", m.cfg.FailureLimit,
	)
	m.emit(model.Event{
		Name:     model.EventServerRemoved,
		UserID:   s.link.OwnerUserID,
		ServerID: s.link.ID,
		Payload: map[string]any{
			"server_id": s.link.ID,
			"reason":    "repeated failures",
		},
	})
}

// supervise reacts to transport loss: reconnect with exponential backoff
// unless teardown was requested. Exhausting the retry budget closes the
// session but keeps the stored link; transport faults never delete data.
func (m *Manager) supervise(s *session) {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-s.done:
			return
		case err := <-s.down:
			if s.currentIntent() == IntentUserClosed {
				return
			}
			m.logger.Warn("connection lost, reconnecting",
				"server_id", s.link.ID,
				"error", err,
			)
			s.setState(StateReconnecting)

			if !m.reconnect(s) {
				return
			}
		}
	}
}

// reconnect runs the backoff loop. Returns false when the session is
// finished (closed, retired or retry budget exhausted).
func (m *Manager) reconnect(s *session) bool {
	delay := m.cfg.ReconnectBaseDelay

	for attempt := 1; attempt <= m.cfg.ReconnectMaxTries; attempt++ {
		select {
		case <-m.ctx.Done():
			return false
		case <-s.done:
			return false
		case <-time.After(delay):
		}

		if s.currentIntent() == IntentUserClosed {
			return false
		}

		s.setState(StateConnecting)
		dialCtx, cancel := context.WithTimeout(m.ctx, m.cfg.ConnectTimeout)
		client, err := m.dial(dialCtx, m.clientConfig(s.link), m.logger)
		cancel()

		if err == nil {
			s.attach(client)
			m.logger.Info("server reconnected",
				"server_id", s.link.ID,
				"attempt", attempt,
			)
			m.emit(model.Event{
				Name:     model.EventServerConnected,
				UserID:   s.link.OwnerUserID,
				ServerID: s.link.ID,
			})
			return true
		}

		m.logger.Warn("reconnect attempt failed",
			"server_id", s.link.ID,
			"attempt", attempt,
			"next_delay", delay,
			"error", err,
		)

		s.setState(StateReconnecting)
		delay *= 2
		if delay > m.cfg.ReconnectMaxDelay {
			delay = m.cfg.ReconnectMaxDelay
		}
	}

	// Budget exhausted: the session ends but the link stays stored so
	// the owner can reconnect it by hand later.
	m.mu.Lock()
	delete(m.sessions, s.link.ID)
	m.mu.Unlock()
	s.close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.jobs.CancelPrefix(ctx, JobPrefix(s.link.ID)); err != nil {
		m.logger.Error("cancelling polls failed", "server_id", s.link.ID, "error", err)
	}

	m.logger.Error("reconnect budget exhausted, giving up",
		"server_id", s.link.ID,
		"tries", m.cfg.ReconnectMaxTries,
	)
	m.emit(model.Event{
		Name:     model.EventError,
		UserID:   s.link.OwnerUserID,
		ServerID: s.link.ID,
		Payload: map[string]any{
			"server_id": s.link.ID,
			"error":     "connection lost, reconnect attempts exhausted",
		},
	})
	return false
}

func (m *Manager) schedulePolls(ctx context.Context, link model.ServerLink) error {
	polls := []struct {
		method string
		every  time.Duration
	}{
		{MethodServerInfo, m.cadences.ServerInfo},
		{MethodMapMarkers, m.cadences.MapMarkers},
		{MethodTeamInfo, m.cadences.TeamInfo},
	}

	for _, p := range polls {
		if p.every <= 0 {
			continue
		}
		payload, err := json.Marshal(PollPayload{ServerID: link.ID, Method: p.method})
		if err != nil {
			return err
		}
		name := JobPrefix(link.ID) + p.method
		if err := m.jobs.ScheduleRepeating(ctx, name, payload, p.every); err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
	}
	return nil
}

func (m *Manager) clientConfig(link model.ServerLink) ClientConfig {
	return ClientConfig{
		URL:            "ws://" + link.Endpoint,
		ConnectTimeout: m.cfg.ConnectTimeout,
		PingTimeout:    m.cfg.PingTimeout,
		WriteTimeout:   m.cfg.WriteTimeout,
		BufferSize:     m.cfg.BufferSize,
	}
}

func (m *Manager) emit(ev model.Event) {
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("event channel full, dropping event", "event", ev.Name)
	}
}
