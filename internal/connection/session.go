package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mwaller/outpost/internal/model"
)

// ProtocolError is an explicit rejection from the remote server.
type ProtocolError struct {
	Method string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Method, e.Reason)
}

// callResult settles one pending call: a reply from the wire, or a
// local error when the transport died underneath it.
type callResult struct {
	rep reply
	err error
}

// session is one live protocol conversation with a game server. It owns
// the request/reply correlation map, the broadcast pipeline into the
// events channel, and the cached info snapshots.
type session struct {
	link   model.ServerLink
	cfg    ManagerConfig
	logger *slog.Logger

	seq atomic.Int64

	// mu guards client, pending, state, intent and failures.
	mu       sync.Mutex
	client   Client
	pending  map[int64]chan callResult
	state    State
	intent   Intent
	failures int

	// cacheMu guards the last-known snapshots.
	cacheMu    sync.RWMutex
	serverInfo json.RawMessage
	mapMarkers json.RawMessage
	teamInfo   json.RawMessage

	events chan<- model.Event

	// down carries the transport fault that ended the current attachment.
	down chan error
	// done is closed exactly once when the session is retired.
	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup
}

func newSession(link model.ServerLink, cfg ManagerConfig, events chan<- model.Event, logger *slog.Logger) *session {
	if logger == nil {
		logger = slog.Default()
	}
	return &session{
		link:    link,
		cfg:     cfg,
		logger:  logger.With("server_id", link.ID),
		pending: make(map[int64]chan callResult),
		state:   StateConnecting,
		events:  events,
		down:    make(chan error, 1),
		done:    make(chan struct{}),
	}
}

// attach binds a freshly connected transport to the session and starts
// the dispatch loop. The superseded transport is closed: a stale
// keepalive exits its own loop but leaves the socket open with the read
// loop still blocked on it.
func (s *session) attach(c Client) {
	s.mu.Lock()
	prev := s.client
	s.client = c
	s.state = StateConnected
	s.intent = IntentNone
	s.mu.Unlock()

	if prev != nil {
		prev.Close()
	}

	s.wg.Add(1)
	go s.dispatch(c)
}

// dispatch routes inbound frames: replies settle pending calls,
// broadcasts fan into the events channel in receipt order.
func (s *session) dispatch(c Client) {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case err := <-c.Errors():
			s.transportDown(err)
			return
		case msg, ok := <-c.Messages():
			if !ok {
				s.transportDown(ErrNotConnected)
				return
			}
			s.handleFrame(msg.Data)
		}
	}
}

func (s *session) handleFrame(data []byte) {
	// A reply carries a seq; a broadcast carries a kind. Peek both.
	var probe struct {
		Seq       int64  `json:"seq"`
		Broadcast string `json:"broadcast"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		s.logger.Warn("undecodable frame dropped", "error", err)
		return
	}

	if probe.Seq != 0 {
		var rep reply
		if err := json.Unmarshal(data, &rep); err != nil {
			s.logger.Warn("malformed reply dropped", "seq", probe.Seq, "error", err)
			return
		}
		s.settle(rep)
		return
	}

	if probe.Broadcast != "" {
		var bf broadcastFrame
		if err := json.Unmarshal(data, &bf); err != nil {
			s.logger.Warn("malformed broadcast dropped", "kind", probe.Broadcast, "error", err)
			return
		}
		s.handleBroadcast(bf)
		return
	}

	s.logger.Debug("frame without seq or broadcast kind dropped")
}

// settle delivers a reply to its pending call. A late reply whose call
// already timed out finds no pending entry and is dropped.
func (s *session) settle(rep reply) {
	s.mu.Lock()
	ch, ok := s.pending[rep.Seq]
	if ok {
		delete(s.pending, rep.Seq)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("late reply dropped", "seq", rep.Seq)
		return
	}
	ch <- callResult{rep: rep}
}

func (s *session) handleBroadcast(bf broadcastFrame) {
	var name string
	switch bf.Broadcast {
	case BroadcastEntityChanged:
		name = model.EventEntity
	case BroadcastTeamChanged:
		// A team change invalidates the cached team snapshot.
		s.cacheMu.Lock()
		s.teamInfo = nil
		s.cacheMu.Unlock()
		name = model.EventTeamInfoUpdate
	case BroadcastGameEvent:
		name = model.EventGameEvent
	default:
		s.logger.Debug("unknown broadcast kind dropped", "kind", bf.Broadcast)
		return
	}

	s.emit(model.Event{
		Name:     name,
		UserID:   s.link.OwnerUserID,
		ServerID: s.link.ID,
		Payload:  bf.Data,
	})
}

func (s *session) emit(ev model.Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("event channel full, dropping event", "event", ev.Name)
	}
}

// call performs one seq-correlated RPC. The first of reply, timeout and
// context cancellation settles the call; the pending entry is removed
// either way so late replies cannot leak.
func (s *session) call(ctx context.Context, method string, args json.RawMessage) (json.RawMessage, error) {
	s.mu.Lock()
	client := s.client
	if client == nil || s.state != StateConnected {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	seq := s.seq.Add(1)
	respCh := make(chan callResult, 1)
	s.pending[seq] = respCh
	s.mu.Unlock()

	req := request{
		Seq:         seq,
		PlayerID:    s.link.PlayerID,
		PlayerToken: s.link.PlayerToken,
		Method:      method,
		Args:        args,
	}
	data, err := json.Marshal(req)
	if err != nil {
		s.unregister(seq)
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}
	if err := client.Send(data); err != nil {
		s.unregister(seq)
		return nil, err
	}

	select {
	case res := <-respCh:
		if res.err != nil {
			return nil, res.err
		}
		if !res.rep.OK {
			return nil, &ProtocolError{Method: method, Reason: res.rep.Error}
		}
		return res.rep.Data, nil
	case <-time.After(s.cfg.RequestTimeout):
		s.unregister(seq)
		return nil, ErrTimeout
	case <-ctx.Done():
		s.unregister(seq)
		return nil, ctx.Err()
	case <-s.done:
		s.unregister(seq)
		return nil, ErrSessionClosed
	}
}

func (s *session) unregister(seq int64) {
	s.mu.Lock()
	delete(s.pending, seq)
	s.mu.Unlock()
}

// fetch serves an info call from cache unless refresh is set or the
// cache is cold, then updates the cache with a fresh result.
func (s *session) fetch(ctx context.Context, method string, refresh bool) (json.RawMessage, error) {
	if !refresh {
		if cached := s.cached(method); cached != nil {
			return cached, nil
		}
	}

	data, err := s.call(ctx, method, nil)
	if err != nil {
		return nil, err
	}

	s.cacheMu.Lock()
	switch method {
	case MethodServerInfo:
		s.serverInfo = data
	case MethodMapMarkers:
		s.mapMarkers = data
	case MethodTeamInfo:
		s.teamInfo = data
	}
	s.cacheMu.Unlock()

	return data, nil
}

func (s *session) cached(method string) json.RawMessage {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	switch method {
	case MethodServerInfo:
		return s.serverInfo
	case MethodMapMarkers:
		return s.mapMarkers
	case MethodTeamInfo:
		return s.teamInfo
	}
	return nil
}

// recordFailure bumps the consecutive-failure counter and reports the
// new count. Timeouts and explicit rejections share this one counter.
func (s *session) recordFailure() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	return s.failures
}

func (s *session) resetFailures() {
	s.mu.Lock()
	s.failures = 0
	s.mu.Unlock()
}

// transportDown records the fault, fails all in-flight calls and wakes
// the supervisor. Pending callers see ErrNotConnected rather than
// waiting out their full timeout.
func (s *session) transportDown(err error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateDisconnected
	if s.intent == IntentNone {
		s.intent = IntentAwaitReconnect
	}
	for seq, ch := range s.pending {
		delete(s.pending, seq)
		ch <- callResult{err: ErrNotConnected}
	}
	s.mu.Unlock()

	select {
	case s.down <- err:
	default:
	}
}

// setState transitions the session, returning the previous state.
func (s *session) setState(st State) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	s.state = st
	return prev
}

func (s *session) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) currentIntent() Intent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intent
}

func (s *session) setIntent(i Intent) {
	s.mu.Lock()
	s.intent = i
	s.mu.Unlock()
}

// close retires the session for good and tears down the transport.
func (s *session) close() {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		client := s.client
		s.client = nil
		s.mu.Unlock()

		close(s.done)
		if client != nil {
			client.Close()
		}
		s.wg.Wait()
	})
}
