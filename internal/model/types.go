package model

import "time"

// -----------------------------------------------------------------------------
// Pairing / Persistence Types
// -----------------------------------------------------------------------------

// ServerLink is a paired remote game server plus the credentials needed to
// open a protocol session to it.
type ServerLink struct {
	ID           int64     // Primary key
	OwnerUserID  string    // User who paired the server
	Endpoint     string    // host:port of the remote server
	PlayerID     string    // Player identity used for authentication
	PlayerToken  string    // Credential issued during pairing
	DisplayName  string    // User-visible server name
	LastViewedAt time.Time // Updated when the owner opens the server view
	CreatedAt    time.Time
}

// PushCredential is a user's registration with the external push provider.
// Exactly one per user; sharing one registration across users breaks
// delivery for all but one holder.
type PushCredential struct {
	UserID            string
	DeviceIdentity    string // Stable device fingerprint
	RegistrationToken string // Provider token used for device multicast
	LastRegisteredAt  time.Time
}

// ProcessedNotification is one row of the append-only dedup ledger.
type ProcessedNotification struct {
	NotificationID string
	ProcessedAt    time.Time
}

// ActivityRecord tracks per-user liveness in the shared state store.
type ActivityRecord struct {
	UserID         string    `json:"user_id"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ActiveServerID int64     `json:"active_server_id"`
}

// -----------------------------------------------------------------------------
// Stream Events
// -----------------------------------------------------------------------------

// Event names emitted on a client stream. The first event on every stream is
// EventConnected; EventError and EventServerRemoved are terminal for the
// server they name.
const (
	EventConnected          = "connected"
	EventNotification       = "notification"
	EventServerConnected    = "server_connected"
	EventServerInfoUpdate   = "server_info_update"
	EventMapMarkersUpdate   = "map_markers_update"
	EventTeamInfoUpdate     = "team_info_update"
	EventEntity             = "entity"
	EventGameEvent          = "game_event"
	EventHeartbeat          = "heartbeat"
	EventError              = "error"
	EventServerRemoved      = "server_removed"
	EventCountdownCancelled = "countdown_cancelled"
)

// Event is a single named payload routed through the broadcast hub.
type Event struct {
	Name     string      // One of the Event* constants
	UserID   string      // Owning user; empty means broadcast to all streams
	ServerID int64       // Originating server link; 0 for server-agnostic events
	Payload  interface{} // JSON-encoded on the wire
}

// Global returns true when the event is delivered regardless of the
// stream's server subscriptions.
func (e Event) Global() bool {
	switch e.Name {
	case EventConnected, EventNotification, EventHeartbeat, EventError,
		EventServerRemoved, EventCountdownCancelled:
		return true
	}
	return false
}
