package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mwaller/outpost/internal/model"
)

// Stream is one browser's event pipe. A user has at most one live
// stream; a newer connection supersedes the old one, identified by its
// connection id.
type Stream struct {
	id     string
	userID string

	events chan model.Event

	// closeOnce and closed make sends race-free against Close.
	closeOnce sync.Once
	closed    atomic.Bool

	lastSeen atomic.Int64 // unix nanos

	mu   sync.Mutex
	subs map[int64]bool // empty means no filter: deliver everything
}

func newStream(userID string, buffer int) *Stream {
	s := &Stream{
		id:     uuid.NewString(),
		userID: userID,
		events: make(chan model.Event, buffer),
		subs:   make(map[int64]bool),
	}
	s.touch()
	return s
}

// ID is the stream's connection id.
func (s *Stream) ID() string { return s.id }

// UserID is the stream's owner.
func (s *Stream) UserID() string { return s.userID }

// Events is the channel the transport drains.
func (s *Stream) Events() <-chan model.Event { return s.events }

// Subscribe limits server-scoped events to the given server ids.
// Global events are unaffected.
func (s *Stream) Subscribe(serverIDs ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range serverIDs {
		s.subs[id] = true
	}
}

// wants reports whether the stream should receive the event.
func (s *Stream) wants(ev model.Event) bool {
	if ev.Global() || ev.ServerID == 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subs) == 0 {
		return true
	}
	return s.subs[ev.ServerID]
}

// send delivers without blocking. Returns false when the stream is
// closed or its buffer is full; a send on a concurrently closed channel
// is absorbed by the recover. Every successful delivery refreshes the
// last-write timestamp, so the watchdog only catches transports that
// stopped draining.
func (s *Stream) send(ev model.Event) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()

	if s.closed.Load() {
		return false
	}
	select {
	case s.events <- ev:
		s.touch()
		return true
	default:
		return false
	}
}

func (s *Stream) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

func (s *Stream) lastSeenAt() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

// Close ends the stream exactly once. The transport sees the events
// channel close and terminates its response.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.events)
	})
}
