package push

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/mwaller/outpost/internal/model"
)

type fakeLinks struct {
	mu      sync.Mutex
	nextID  int64
	upserts []model.ServerLink
	fail    bool
}

func (f *fakeLinks) Upsert(ctx context.Context, link *model.ServerLink) (*model.ServerLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("db down")
	}
	f.nextID++
	saved := *link
	saved.ID = f.nextID
	f.upserts = append(f.upserts, saved)
	return &saved, nil
}

type fakeDevices struct {
	mu     sync.Mutex
	tokens map[string]string // token -> userID
}

func (f *fakeDevices) SaveDeviceToken(ctx context.Context, userID, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tokens == nil {
		f.tokens = make(map[string]string)
	}
	f.tokens[token] = userID
	return nil
}

type fakeConnector struct {
	mu        sync.Mutex
	connected []model.ServerLink
}

func (f *fakeConnector) Connect(ctx context.Context, link model.ServerLink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = append(f.connected, link)
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []model.Event
}

func (f *fakePublisher) Publish(ev model.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

type fakeForwarder struct {
	mu    sync.Mutex
	sends int
}

func (f *fakeForwarder) Forward(ctx context.Context, userID, title, body string, data map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	return nil
}

type fixture struct {
	links     *fakeLinks
	devices   *fakeDevices
	connector *fakeConnector
	publisher *fakePublisher
	forwarder *fakeForwarder
	ledger    *fakeLedger
}

func newFixture() *fixture {
	return &fixture{
		links:     &fakeLinks{},
		devices:   &fakeDevices{},
		connector: &fakeConnector{},
		publisher: &fakePublisher{},
		forwarder: &fakeForwarder{},
		ledger:    newFakeLedger(),
	}
}

func (f *fixture) processor() *Processor {
	dedup := NewDeduplicator(f.ledger, 16, nil)
	return NewProcessor(dedup, f.links, f.devices, f.connector, f.publisher, f.forwarder, nil)
}

func notification(t *testing.T, id, kind string, data any) []byte {
	t.Helper()
	var raw json.RawMessage
	if data != nil {
		var err error
		raw, err = json.Marshal(data)
		if err != nil {
			t.Fatalf("marshal data: %v", err)
		}
	}
	msg, err := json.Marshal(Notification{ID: id, Kind: kind, Title: "t", Body: "b", Data: raw})
	if err != nil {
		t.Fatalf("marshal notification: %v", err)
	}
	return msg
}

func TestProcessor_ServerPairing(t *testing.T) {
	f := newFixture()
	p := f.processor()

	msg := notification(t, "n-1", KindServerPairing, serverPairingData{
		Endpoint:    "game.example.net:28082",
		PlayerID:    "7656",
		PlayerToken: "tok",
		DisplayName: "Main",
	})

	if err := p.Process(context.Background(), "user-1", msg, ""); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if len(f.links.upserts) != 1 {
		t.Fatalf("upserts = %d, want 1", len(f.links.upserts))
	}
	link := f.links.upserts[0]
	if link.OwnerUserID != "user-1" || link.Endpoint != "game.example.net:28082" {
		t.Errorf("stored link = %+v", link)
	}

	if len(f.connector.connected) != 1 || f.connector.connected[0].ID != link.ID {
		t.Errorf("connect not invoked for paired link: %+v", f.connector.connected)
	}
}

func TestProcessor_ReplayProcessedOnce(t *testing.T) {
	f := newFixture()
	p := f.processor()
	ctx := context.Background()

	msg := notification(t, "n-1", KindServerPairing, serverPairingData{
		Endpoint: "game.example.net:28082",
		PlayerID: "7656",
	})

	if err := p.Process(ctx, "user-1", msg, ""); err != nil {
		t.Fatalf("first Process failed: %v", err)
	}
	if err := p.Process(ctx, "user-1", msg, ""); err != nil {
		t.Fatalf("replay Process failed: %v", err)
	}

	if got := len(f.links.upserts); got != 1 {
		t.Errorf("upserts = %d, want 1 (replay must not mutate)", got)
	}

	// Replay after a restart: fresh memory cache, same ledger.
	restarted := f.processor()
	if err := restarted.Process(ctx, "user-1", msg, ""); err != nil {
		t.Fatalf("post-restart Process failed: %v", err)
	}
	if got := len(f.links.upserts); got != 1 {
		t.Errorf("upserts after restart replay = %d, want 1", got)
	}
}

func TestProcessor_DevicePairing(t *testing.T) {
	f := newFixture()
	p := f.processor()

	msg := notification(t, "n-2", KindDevicePairing, devicePairingData{Token: "fcm-token-1"})
	if err := p.Process(context.Background(), "user-1", msg, ""); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if f.devices.tokens["fcm-token-1"] != "user-1" {
		t.Errorf("device token not registered: %v", f.devices.tokens)
	}
}

func TestProcessor_PassthroughPublishesAndForwards(t *testing.T) {
	f := newFixture()
	p := f.processor()

	msg := notification(t, "n-3", KindPassthrough, map[string]string{"text": "raid!"})
	if err := p.Process(context.Background(), "user-1", msg, ""); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if len(f.publisher.events) != 1 {
		t.Fatalf("events = %d, want 1", len(f.publisher.events))
	}
	ev := f.publisher.events[0]
	if ev.Name != model.EventNotification || ev.UserID != "user-1" {
		t.Errorf("event = %+v", ev)
	}
	if f.forwarder.sends != 1 {
		t.Errorf("forwards = %d, want 1", f.forwarder.sends)
	}
}

func TestProcessor_UnknownKindFallsBackToPassthrough(t *testing.T) {
	f := newFixture()
	p := f.processor()

	msg := notification(t, "n-4", "future_kind", nil)
	if err := p.Process(context.Background(), "user-1", msg, ""); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(f.publisher.events) != 1 {
		t.Errorf("unknown kind not delivered as passthrough")
	}
}

func TestProcessor_StoreFailureRequestsRedelivery(t *testing.T) {
	f := newFixture()
	f.links.fail = true
	p := f.processor()
	ctx := context.Background()

	msg := notification(t, "n-5", KindServerPairing, serverPairingData{
		Endpoint: "game.example.net:28082",
		PlayerID: "7656",
	})

	if err := p.Process(ctx, "user-1", msg, ""); err == nil {
		t.Fatal("Process succeeded despite store failure, want error for redelivery")
	}

	// The id was not marked processed: redelivery succeeds once the store
	// recovers.
	f.links.fail = false
	if err := p.Process(ctx, "user-1", msg, ""); err != nil {
		t.Fatalf("redelivered Process failed: %v", err)
	}
	if got := len(f.links.upserts); got != 1 {
		t.Errorf("upserts = %d, want 1", got)
	}
}

func TestProcessor_MalformedPayloadSwallowed(t *testing.T) {
	f := newFixture()
	p := f.processor()

	if err := p.Process(context.Background(), "user-1", []byte("not json"), "m-1"); err != nil {
		t.Errorf("malformed payload = %v, want nil (no redelivery loop)", err)
	}
	if len(f.links.upserts) != 0 || len(f.publisher.events) != 0 {
		t.Error("malformed payload caused side effects")
	}
}

func TestProcessor_FallbackIDUsedForDedup(t *testing.T) {
	f := newFixture()
	p := f.processor()
	ctx := context.Background()

	// Payload carries no id; the transport message id stands in.
	msg := notification(t, "", KindDevicePairing, devicePairingData{Token: "fcm-token-2"})

	if err := p.Process(ctx, "user-1", msg, "transport-9"); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if err := p.Process(ctx, "user-1", msg, "transport-9"); err != nil {
		t.Fatalf("replay failed: %v", err)
	}

	f.devices.mu.Lock()
	n := len(f.devices.tokens)
	f.devices.mu.Unlock()
	if n != 1 {
		t.Errorf("tokens = %d, want 1", n)
	}
}
