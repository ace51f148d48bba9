package connection

import (
	"encoding/json"
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrTimeout         = errors.New("request timeout")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrSessionClosed   = errors.New("session closed")
	ErrTooManySessions = errors.New("session limit reached")
)

// State is a protocol session's lifecycle state.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// Intent records why a session is (or is about to be) down, replacing the
// old side-set of "intentionally disconnected" ids.
type Intent int

const (
	// IntentNone: session is live or has never been torn down.
	IntentNone Intent = iota
	// IntentUserClosed: teardown was requested; auto-reconnect is suppressed.
	IntentUserClosed
	// IntentAwaitReconnect: transport loss; backoff reconnection in progress.
	IntentAwaitReconnect
)

// TimestampedMessage wraps raw frame bytes with a receive timestamp.
type TimestampedMessage struct {
	Data       []byte
	ReceivedAt time.Time
}

// request is the outbound RPC envelope. The remote protocol is
// binary-framed; each frame carries one JSON envelope.
type request struct {
	Seq         int64           `json:"seq"`
	PlayerID    string          `json:"player_id"`
	PlayerToken string          `json:"player_token"`
	Method      string          `json:"method"`
	Args        json.RawMessage `json:"args,omitempty"`
}

// reply is the inbound envelope for a completed RPC.
type reply struct {
	Seq   int64           `json:"seq"`
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// broadcastFrame is an unsolicited server push.
type broadcastFrame struct {
	Broadcast string          `json:"broadcast"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Broadcast kinds emitted by remote servers.
const (
	BroadcastEntityChanged = "entity_changed"
	BroadcastTeamChanged   = "team_changed"
	BroadcastGameEvent     = "game_event"
)

// RPC methods understood by remote servers.
const (
	MethodServerInfo   = "server_info"
	MethodMapMarkers   = "map_markers"
	MethodTeamInfo     = "team_info"
	MethodSetEntity    = "set_entity_value"
	MethodTeamChatSend = "team_chat_send"
)

// ClientConfig configures the websocket transport for one session.
type ClientConfig struct {
	URL            string // ws://host:port
	ConnectTimeout time.Duration
	PingTimeout    time.Duration // Max silence before the transport is declared stale
	WriteTimeout   time.Duration
	BufferSize     int // Inbound frame channel capacity
}

// ManagerConfig configures the connection manager.
type ManagerConfig struct {
	ConnectTimeout     time.Duration
	RequestTimeout     time.Duration
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	ReconnectMaxTries  int
	// FailureLimit is the unified budget of consecutive application-level
	// failures (info-call timeouts and explicit rejections both count)
	// before the link is removed permanently.
	FailureLimit int
	WriteTimeout time.Duration
	PingTimeout  time.Duration
	BufferSize   int
	MaxSessions  int
}

// Stats summarizes manager state for the health endpoint.
type Stats struct {
	Sessions  int
	Connected int
}
