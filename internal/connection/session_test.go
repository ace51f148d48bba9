package connection

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mwaller/outpost/internal/model"
)

// fakeClient is an in-process transport for session tests.
type fakeClient struct {
	msgs chan TimestampedMessage
	errs chan error

	mu   sync.Mutex
	sent [][]byte
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		msgs: make(chan TimestampedMessage, 16),
		errs: make(chan error, 1),
	}
}

func (f *fakeClient) Connect(ctx context.Context) error { return nil }
func (f *fakeClient) Close() error                      { return nil }
func (f *fakeClient) IsConnected() bool                 { return true }

func (f *fakeClient) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeClient) Messages() <-chan TimestampedMessage { return f.msgs }
func (f *fakeClient) Errors() <-chan error                { return f.errs }

func (f *fakeClient) inject(v any) {
	data, _ := json.Marshal(v)
	f.msgs <- TimestampedMessage{Data: data, ReceivedAt: time.Now()}
}

func testSession(cfg ManagerConfig) (*session, *fakeClient, chan model.Event) {
	events := make(chan model.Event, 16)
	link := model.ServerLink{ID: 1, OwnerUserID: "user-1", PlayerID: "7656", PlayerToken: "tok"}
	s := newSession(link, cfg, events, nil)
	fc := newFakeClient()
	s.attach(fc)
	return s, fc, events
}

func TestSession_CallSettledByReply(t *testing.T) {
	cfg := testManagerConfig()
	s, fc, _ := testSession(cfg)
	defer s.close()

	done := make(chan struct{})
	var data json.RawMessage
	var err error
	go func() {
		data, err = s.call(context.Background(), MethodServerInfo, nil)
		close(done)
	}()

	// Wait for the request to hit the wire, then answer it.
	waitForSent(t, fc, 1)
	fc.inject(reply{Seq: 1, OK: true, Data: json.RawMessage(`{"name":"alpha"}`)})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("call never settled")
	}
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if string(data) != `{"name":"alpha"}` {
		t.Errorf("data = %s", data)
	}
}

func TestSession_TimeoutThenLateReply(t *testing.T) {
	cfg := testManagerConfig()
	cfg.RequestTimeout = 30 * time.Millisecond
	s, fc, events := testSession(cfg)
	defer s.close()

	_, err := s.call(context.Background(), MethodServerInfo, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("call = %v, want ErrTimeout", err)
	}

	// The late reply finds no pending entry and is dropped silently.
	fc.inject(reply{Seq: 1, OK: true, Data: json.RawMessage(`{}`)})
	time.Sleep(30 * time.Millisecond)

	s.mu.Lock()
	pending := len(s.pending)
	s.mu.Unlock()
	if pending != 0 {
		t.Errorf("pending calls = %d, want 0", pending)
	}

	select {
	case ev := <-events:
		t.Errorf("unexpected event from late reply: %+v", ev)
	default:
	}
}

func TestSession_TransportLossFailsPendingCalls(t *testing.T) {
	cfg := testManagerConfig()
	cfg.RequestTimeout = 5 * time.Second
	s, fc, _ := testSession(cfg)
	defer s.close()

	errCh := make(chan error, 1)
	go func() {
		_, err := s.call(context.Background(), MethodServerInfo, nil)
		errCh <- err
	}()
	waitForSent(t, fc, 1)

	fc.errs <- errors.New("broken pipe")

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrNotConnected) {
			t.Errorf("pending call = %v, want ErrNotConnected", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending call waited out its full timeout")
	}

	select {
	case <-s.down:
	case <-time.After(time.Second):
		t.Fatal("transport loss not surfaced on down channel")
	}
}

func TestSession_ProtocolRejection(t *testing.T) {
	cfg := testManagerConfig()
	s, fc, _ := testSession(cfg)
	defer s.close()

	errCh := make(chan error, 1)
	go func() {
		_, err := s.call(context.Background(), MethodSetEntity, json.RawMessage(`{"id":5}`))
		errCh <- err
	}()
	waitForSent(t, fc, 1)
	fc.inject(reply{Seq: 1, OK: false, Error: "not authorized"})

	err := <-errCh
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("call = %v, want ProtocolError", err)
	}
	if perr.Reason != "not authorized" {
		t.Errorf("reason = %q", perr.Reason)
	}
}

func TestSession_TeamBroadcastInvalidatesCache(t *testing.T) {
	cfg := testManagerConfig()
	s, fc, events := testSession(cfg)
	defer s.close()

	s.cacheMu.Lock()
	s.teamInfo = json.RawMessage(`{"members":[]}`)
	s.cacheMu.Unlock()

	fc.inject(broadcastFrame{Broadcast: BroadcastTeamChanged, Data: json.RawMessage(`{"leader":"x"}`)})

	select {
	case ev := <-events:
		if ev.Name != model.EventTeamInfoUpdate {
			t.Errorf("event = %s, want %s", ev.Name, model.EventTeamInfoUpdate)
		}
	case <-time.After(time.Second):
		t.Fatal("broadcast never reached events channel")
	}

	if cached := s.cached(MethodTeamInfo); cached != nil {
		t.Errorf("team cache = %s, want invalidated", cached)
	}
}

func TestSession_RequestsCarryCredentials(t *testing.T) {
	cfg := testManagerConfig()
	cfg.RequestTimeout = 30 * time.Millisecond
	s, fc, _ := testSession(cfg)
	defer s.close()

	s.call(context.Background(), MethodServerInfo, nil)

	waitForSent(t, fc, 1)
	fc.mu.Lock()
	frame := fc.sent[0]
	fc.mu.Unlock()

	var req request
	if err := json.Unmarshal(frame, &req); err != nil {
		t.Fatalf("unmarshal sent frame: %v", err)
	}
	if req.PlayerID != "7656" || req.PlayerToken != "tok" {
		t.Errorf("request credentials = %q/%q", req.PlayerID, req.PlayerToken)
	}
	if req.Seq == 0 {
		t.Error("request missing seq")
	}
}

func waitForSent(t *testing.T, fc *fakeClient, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fc.mu.Lock()
		sent := len(fc.sent)
		fc.mu.Unlock()
		if sent >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sent frames", n)
}
