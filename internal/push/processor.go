package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mwaller/outpost/internal/model"
)

// Notification kinds. Anything else is treated as passthrough so new
// provider-side kinds degrade to plain delivery instead of silence.
const (
	KindServerPairing = "server_pairing"
	KindDevicePairing = "device_pairing"
	KindPassthrough   = "passthrough"
)

// Notification is the provider message envelope.
type Notification struct {
	ID    string          `json:"id"`
	Kind  string          `json:"kind"`
	Title string          `json:"title,omitempty"`
	Body  string          `json:"body,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// serverPairingData is the payload of a server_pairing notification.
type serverPairingData struct {
	Endpoint    string `json:"endpoint"`
	PlayerID    string `json:"player_id"`
	PlayerToken string `json:"player_token"`
	DisplayName string `json:"display_name,omitempty"`
}

// devicePairingData is the payload of a device_pairing notification.
type devicePairingData struct {
	Token string `json:"token"`
}

// LinkStore persists server pairings.
type LinkStore interface {
	Upsert(ctx context.Context, link *model.ServerLink) (*model.ServerLink, error)
}

// DeviceRegistry persists device pairings.
type DeviceRegistry interface {
	SaveDeviceToken(ctx context.Context, userID, token string) error
}

// Connector opens a protocol session to a freshly paired server.
type Connector interface {
	Connect(ctx context.Context, link model.ServerLink) error
}

// Publisher delivers events to the user's stream.
type Publisher interface {
	Publish(ev model.Event)
}

// DeviceForwarder multicasts passthrough notifications to devices.
type DeviceForwarder interface {
	Forward(ctx context.Context, userID, title, body string, data map[string]string) error
}

// Processor classifies and applies one provider notification. It is the
// transport-independent half of the push pipeline, shared by every
// per-user listener.
type Processor struct {
	dedup     *Deduplicator
	links     LinkStore
	devices   DeviceRegistry
	connector Connector
	publisher Publisher
	forwarder DeviceForwarder // nil when FCM is not configured
	logger    *slog.Logger
}

// NewProcessor wires the notification pipeline.
func NewProcessor(dedup *Deduplicator, links LinkStore, devices DeviceRegistry, connector Connector, publisher Publisher, forwarder DeviceForwarder, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		dedup:     dedup,
		links:     links,
		devices:   devices,
		connector: connector,
		publisher: publisher,
		forwarder: forwarder,
		logger:    logger,
	}
}

// Process handles one raw provider message for the user. fallbackID
// identifies the message when the payload carries no id of its own.
// A returned error means the message should be redelivered; duplicates
// and malformed payloads are swallowed.
func (p *Processor) Process(ctx context.Context, userID string, raw []byte, fallbackID string) error {
	var n Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		p.logger.Warn("undecodable notification dropped", "user_id", userID, "error", err)
		return nil
	}

	id := n.ID
	if id == "" {
		id = fallbackID
	}

	if id != "" && p.dedup.Seen(ctx, id) {
		p.logger.Debug("duplicate notification skipped", "user_id", userID, "id", id)
		return nil
	}

	var err error
	switch n.Kind {
	case KindServerPairing:
		err = p.handleServerPairing(ctx, userID, n)
	case KindDevicePairing:
		err = p.handleDevicePairing(ctx, userID, n)
	default:
		err = p.handlePassthrough(ctx, userID, n)
	}
	if err != nil {
		return err
	}

	if id != "" {
		p.dedup.MarkProcessed(ctx, id)
	}
	return nil
}

// handleServerPairing upserts the link keyed by (endpoint, player id)
// and connects it immediately. A connect failure is not fatal: the
// pairing is stored and the user can connect by hand.
func (p *Processor) handleServerPairing(ctx context.Context, userID string, n Notification) error {
	var data serverPairingData
	if err := json.Unmarshal(n.Data, &data); err != nil {
		p.logger.Warn("malformed pairing payload dropped", "user_id", userID, "error", err)
		return nil
	}
	if data.Endpoint == "" || data.PlayerID == "" {
		p.logger.Warn("pairing payload missing endpoint or player id", "user_id", userID)
		return nil
	}

	link := &model.ServerLink{
		OwnerUserID: userID,
		Endpoint:    data.Endpoint,
		PlayerID:    data.PlayerID,
		PlayerToken: data.PlayerToken,
		DisplayName: data.DisplayName,
	}
	saved, err := p.links.Upsert(ctx, link)
	if err != nil {
		return fmt.Errorf("store pairing: %w", err)
	}

	p.logger.Info("server paired",
		"user_id", userID,
		"server_id", saved.ID,
		"endpoint", saved.Endpoint,
	)

	if err := p.connector.Connect(ctx, *saved); err != nil {
		p.logger.Warn("pairing connect failed, link kept", "server_id", saved.ID, "error", err)
	}
	return nil
}

func (p *Processor) handleDevicePairing(ctx context.Context, userID string, n Notification) error {
	var data devicePairingData
	if err := json.Unmarshal(n.Data, &data); err != nil || data.Token == "" {
		p.logger.Warn("malformed device pairing dropped", "user_id", userID, "error", err)
		return nil
	}

	if err := p.devices.SaveDeviceToken(ctx, userID, data.Token); err != nil {
		return fmt.Errorf("store device token: %w", err)
	}
	p.logger.Info("device paired", "user_id", userID)
	return nil
}

// handlePassthrough forwards the notification unmodified: once to the
// user's stream, once to their registered devices.
func (p *Processor) handlePassthrough(ctx context.Context, userID string, n Notification) error {
	p.publisher.Publish(model.Event{
		Name:    model.EventNotification,
		UserID:  userID,
		Payload: n,
	})

	if p.forwarder != nil {
		if err := p.forwarder.Forward(ctx, userID, n.Title, n.Body, map[string]string{"kind": n.Kind}); err != nil {
			p.logger.Warn("device forward failed", "user_id", userID, "error", err)
		}
	}
	return nil
}
