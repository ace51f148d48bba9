package connection

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mwaller/outpost/internal/model"
)

// mockLinks implements LinkStore for testing.
type mockLinks struct {
	mu      sync.Mutex
	deleted []int64
}

func (m *mockLinks) Delete(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *mockLinks) deletedIDs() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.deleted...)
}

// mockJobs implements JobScheduler for testing.
type mockJobs struct {
	mu        sync.Mutex
	scheduled map[string]time.Duration
	cancelled []string
}

func newMockJobs() *mockJobs {
	return &mockJobs{scheduled: make(map[string]time.Duration)}
}

func (m *mockJobs) ScheduleRepeating(ctx context.Context, name string, payload []byte, every time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduled[name] = every
	return nil
}

func (m *mockJobs) CancelPrefix(ctx context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, prefix)
	return nil
}

func (m *mockJobs) cancelledPrefixes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.cancelled...)
}

// fakeTransport implements Client without a network; tests drive its
// channels directly.
type fakeTransport struct {
	mu       sync.Mutex
	closed   bool
	messages chan TimestampedMessage
	errs     chan error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		messages: make(chan TimestampedMessage, 16),
		errs:     make(chan error, 1),
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error { return nil }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) Send(data []byte) error { return nil }

func (f *fakeTransport) Messages() <-chan TimestampedMessage { return f.messages }

func (f *fakeTransport) Errors() <-chan error { return f.errs }

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// mockGameServer runs a websocket server speaking the binary envelope
// protocol. The handler maps a request to a reply.
func mockGameServer(t *testing.T, handle func(req request) reply) (*httptest.Server, func() int) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	var mu sync.Mutex
	upgrades := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()

		mu.Lock()
		upgrades++
		mu.Unlock()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}

			var req request
			if err := json.Unmarshal(msg, &req); err != nil {
				continue
			}

			rep := handle(req)
			rep.Seq = req.Seq
			data, _ := json.Marshal(rep)
			conn.WriteMessage(websocket.BinaryMessage, data)
		}
	}))

	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return upgrades
	}
	return server, count
}

func testManagerConfig() ManagerConfig {
	return ManagerConfig{
		ConnectTimeout:     2 * time.Second,
		RequestTimeout:     time.Second,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  40 * time.Millisecond,
		ReconnectMaxTries:  3,
		FailureLimit:       3,
		WriteTimeout:       2 * time.Second,
		PingTimeout:        30 * time.Second,
		BufferSize:         100,
	}
}

func testLink(id int64, server *httptest.Server) model.ServerLink {
	return model.ServerLink{
		ID:          id,
		OwnerUserID: "user-1",
		Endpoint:    strings.TrimPrefix(server.URL, "http://"),
		PlayerID:    "7656",
		PlayerToken: "tok",
	}
}

func waitEvent(t *testing.T, ch <-chan model.Event, name string) model.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Name == name {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", name)
		}
	}
}

func TestManager_Connect_Idempotent(t *testing.T) {
	server, upgrades := mockGameServer(t, func(req request) reply {
		return reply{OK: true, Data: json.RawMessage(`{}`)}
	})
	defer server.Close()

	jobs := newMockJobs()
	mgr := NewManager(testManagerConfig(), PollCadences{ServerInfo: time.Minute, MapMarkers: time.Minute, TeamInfo: time.Minute}, &mockLinks{}, jobs, nil, nil)

	ctx := context.Background()
	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer mgr.Stop(context.Background())

	link := testLink(1, server)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mgr.Connect(ctx, link); err != nil {
				t.Errorf("Connect failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := mgr.Stats().Sessions; got != 1 {
		t.Errorf("Sessions = %d, want 1", got)
	}
	if got := upgrades(); got != 1 {
		t.Errorf("server saw %d connections, want 1", got)
	}

	jobs.mu.Lock()
	scheduled := len(jobs.scheduled)
	_, hasInfo := jobs.scheduled["server:1:server_info"]
	jobs.mu.Unlock()
	if scheduled != 3 || !hasInfo {
		t.Errorf("scheduled jobs = %d (server_info present: %v), want 3 polls", scheduled, hasInfo)
	}
}

func TestManager_Fetch_ServesCache(t *testing.T) {
	var mu sync.Mutex
	infoCalls := 0

	server, _ := mockGameServer(t, func(req request) reply {
		if req.Method == MethodServerInfo {
			mu.Lock()
			infoCalls++
			mu.Unlock()
		}
		return reply{OK: true, Data: json.RawMessage(`{"name":"alpha","players":12}`)}
	})
	defer server.Close()

	mgr := NewManager(testManagerConfig(), PollCadences{}, &mockLinks{}, newMockJobs(), nil, nil)
	ctx := context.Background()
	mgr.Start(ctx)
	defer mgr.Stop(context.Background())

	if err := mgr.Connect(ctx, testLink(1, server)); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	fresh, err := mgr.Fetch(ctx, 1, MethodServerInfo, true)
	if err != nil {
		t.Fatalf("Fetch(refresh) failed: %v", err)
	}

	cached, err := mgr.Fetch(ctx, 1, MethodServerInfo, false)
	if err != nil {
		t.Fatalf("Fetch(cached) failed: %v", err)
	}
	if string(cached) != string(fresh) {
		t.Errorf("cached = %s, want %s", cached, fresh)
	}

	mu.Lock()
	defer mu.Unlock()
	if infoCalls != 1 {
		t.Errorf("server saw %d server_info calls, want 1", infoCalls)
	}
}

func TestManager_FailureBudget_RemovesLink(t *testing.T) {
	server, _ := mockGameServer(t, func(req request) reply {
		if req.Method == MethodSetEntity {
			return reply{OK: false, Error: "access denied"}
		}
		return reply{OK: true}
	})
	defer server.Close()

	links := &mockLinks{}
	jobs := newMockJobs()
	mgr := NewManager(testManagerConfig(), PollCadences{}, links, jobs, nil, nil)
	ctx := context.Background()
	mgr.Start(ctx)
	defer mgr.Stop(context.Background())

	if err := mgr.Connect(ctx, testLink(1, server)); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		err := mgr.SetEntityValue(ctx, 1, json.RawMessage(`{"id":5,"value":true}`))
		if err == nil {
			t.Fatalf("call %d succeeded, want rejection", i+1)
		}
	}

	ev := waitEvent(t, mgr.Events(), model.EventServerRemoved)
	if ev.ServerID != 1 || ev.UserID != "user-1" {
		t.Errorf("server_removed event = %+v", ev)
	}

	if got := links.deletedIDs(); len(got) != 1 || got[0] != 1 {
		t.Errorf("deleted links = %v, want [1]", got)
	}

	found := false
	for _, p := range jobs.cancelledPrefixes() {
		if p == "server:1:" {
			found = true
		}
	}
	if !found {
		t.Errorf("jobs not cancelled for removed server: %v", jobs.cancelledPrefixes())
	}

	if mgr.Connected(1) {
		t.Error("session still live after removal")
	}
	if _, err := mgr.Fetch(ctx, 1, MethodServerInfo, false); err != ErrNotConnected {
		t.Errorf("Fetch after removal = %v, want ErrNotConnected", err)
	}
}

func TestManager_SuccessResetsFailures(t *testing.T) {
	var mu sync.Mutex
	rejectNext := true

	server, _ := mockGameServer(t, func(req request) reply {
		mu.Lock()
		defer mu.Unlock()
		if rejectNext {
			rejectNext = false
			return reply{OK: false, Error: "busy"}
		}
		rejectNext = true
		return reply{OK: true, Data: json.RawMessage(`{}`)}
	})
	defer server.Close()

	links := &mockLinks{}
	mgr := NewManager(testManagerConfig(), PollCadences{}, links, newMockJobs(), nil, nil)
	ctx := context.Background()
	mgr.Start(ctx)
	defer mgr.Stop(context.Background())

	if err := mgr.Connect(ctx, testLink(1, server)); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// Alternating reject/accept never accumulates 3 consecutive failures.
	for i := 0; i < 8; i++ {
		mgr.Fetch(ctx, 1, MethodServerInfo, true)
	}

	if got := links.deletedIDs(); len(got) != 0 {
		t.Errorf("link removed despite interleaved successes: %v", got)
	}
	if !mgr.Connected(1) {
		t.Error("session dropped despite interleaved successes")
	}
}

func TestManager_Disconnect_SuppressesReconnect(t *testing.T) {
	server, upgrades := mockGameServer(t, func(req request) reply {
		return reply{OK: true}
	})
	defer server.Close()

	jobs := newMockJobs()
	mgr := NewManager(testManagerConfig(), PollCadences{}, &mockLinks{}, jobs, nil, nil)
	ctx := context.Background()
	mgr.Start(ctx)
	defer mgr.Stop(context.Background())

	if err := mgr.Connect(ctx, testLink(1, server)); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := mgr.Disconnect(ctx, 1); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	// Give any misbehaving reconnect loop time to redial.
	time.Sleep(150 * time.Millisecond)

	if got := upgrades(); got != 1 {
		t.Errorf("server saw %d connections after disconnect, want 1", got)
	}
	if got := mgr.Stats().Sessions; got != 0 {
		t.Errorf("Sessions = %d, want 0", got)
	}
	if got := jobs.cancelledPrefixes(); len(got) != 1 || got[0] != "server:1:" {
		t.Errorf("cancelled prefixes = %v, want [server:1:]", got)
	}

	// Disconnecting again is a no-op.
	if err := mgr.Disconnect(ctx, 1); err != nil {
		t.Errorf("second Disconnect = %v, want nil", err)
	}
}

func TestManager_Reconnects_AfterTransportLoss(t *testing.T) {
	var mu sync.Mutex
	conns := 0

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		mu.Lock()
		conns++
		n := conns
		mu.Unlock()

		if n == 1 {
			// First connection dies immediately.
			conn.Close()
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	mgr := NewManager(testManagerConfig(), PollCadences{}, &mockLinks{}, newMockJobs(), nil, nil)
	ctx := context.Background()
	mgr.Start(ctx)
	defer mgr.Stop(context.Background())

	if err := mgr.Connect(ctx, testLink(1, server)); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// First server_connected from the initial dial, second from the
	// supervised reconnect.
	waitEvent(t, mgr.Events(), model.EventServerConnected)
	waitEvent(t, mgr.Events(), model.EventServerConnected)

	if !mgr.Connected(1) {
		t.Error("session not live after reconnect")
	}
	mu.Lock()
	defer mu.Unlock()
	if conns < 2 {
		t.Errorf("server saw %d connections, want >= 2", conns)
	}
}

func TestManager_ReconnectBudgetExhausted(t *testing.T) {
	server, _ := mockGameServer(t, func(req request) reply {
		return reply{OK: true}
	})

	links := &mockLinks{}
	jobs := newMockJobs()
	cfg := testManagerConfig()
	cfg.ReconnectMaxTries = 2
	mgr := NewManager(cfg, PollCadences{}, links, jobs, nil, nil)
	ctx := context.Background()
	mgr.Start(ctx)
	defer mgr.Stop(context.Background())

	if err := mgr.Connect(ctx, testLink(1, server)); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// Kill the server for good: every reconnect attempt now fails.
	server.Close()

	ev := waitEvent(t, mgr.Events(), model.EventError)
	if ev.ServerID != 1 {
		t.Errorf("error event = %+v", ev)
	}

	if got := mgr.Stats().Sessions; got != 0 {
		t.Errorf("Sessions = %d, want 0", got)
	}
	// Transport exhaustion keeps the stored link: only failures against a
	// reachable server remove it.
	if got := links.deletedIDs(); len(got) != 0 {
		t.Errorf("link deleted on transport loss: %v", got)
	}

	found := false
	for _, p := range jobs.cancelledPrefixes() {
		if p == "server:1:" {
			found = true
		}
	}
	if !found {
		t.Errorf("polls not cancelled after giving up: %v", jobs.cancelledPrefixes())
	}
}

func TestManager_ReconnectClosesSupersededTransport(t *testing.T) {
	var mu sync.Mutex
	var transports []*fakeTransport

	mgr := NewManager(testManagerConfig(), PollCadences{}, &mockLinks{}, newMockJobs(), nil, nil)
	mgr.dial = func(ctx context.Context, cfg ClientConfig, logger *slog.Logger) (Client, error) {
		ft := newFakeTransport()
		mu.Lock()
		transports = append(transports, ft)
		mu.Unlock()
		return ft, nil
	}

	ctx := context.Background()
	mgr.Start(ctx)
	defer mgr.Stop(context.Background())

	link := model.ServerLink{ID: 1, OwnerUserID: "user-1", Endpoint: "game:28082", PlayerID: "7656", PlayerToken: "tok"}
	if err := mgr.Connect(ctx, link); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitEvent(t, mgr.Events(), model.EventServerConnected)

	mu.Lock()
	first := transports[0]
	mu.Unlock()

	// A stale keepalive reports the fault but leaves the socket open;
	// only the reconnect swap may close it.
	first.errs <- ErrStaleConnection

	waitEvent(t, mgr.Events(), model.EventServerConnected)

	mu.Lock()
	dials := len(transports)
	second := transports[len(transports)-1]
	mu.Unlock()
	if dials != 2 {
		t.Fatalf("dials = %d, want 2", dials)
	}
	if !first.isClosed() {
		t.Error("superseded transport left open after reconnect")
	}
	if second.isClosed() {
		t.Error("current transport closed by the swap")
	}

	if err := mgr.Disconnect(ctx, 1); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if !second.isClosed() {
		t.Error("transport left open after disconnect")
	}
}

func TestManager_ReconnectBackoffGrowsToCap(t *testing.T) {
	cfg := testManagerConfig()
	cfg.ReconnectBaseDelay = 40 * time.Millisecond
	cfg.ReconnectMaxDelay = 80 * time.Millisecond
	cfg.ReconnectMaxTries = 4

	var mu sync.Mutex
	var dialTimes []time.Time

	mgr := NewManager(cfg, PollCadences{}, &mockLinks{}, newMockJobs(), nil, nil)
	first := newFakeTransport()
	mgr.dial = func(ctx context.Context, ccfg ClientConfig, logger *slog.Logger) (Client, error) {
		mu.Lock()
		defer mu.Unlock()
		dialTimes = append(dialTimes, time.Now())
		if len(dialTimes) == 1 {
			return first, nil
		}
		return nil, errors.New("connection refused")
	}

	ctx := context.Background()
	mgr.Start(ctx)
	defer mgr.Stop(context.Background())

	link := model.ServerLink{ID: 1, OwnerUserID: "user-1", Endpoint: "game:28082", PlayerID: "7656", PlayerToken: "tok"}
	if err := mgr.Connect(ctx, link); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitEvent(t, mgr.Events(), model.EventServerConnected)

	downAt := time.Now()
	first.errs <- ErrNotConnected

	waitEvent(t, mgr.Events(), model.EventError)

	mu.Lock()
	times := append([]time.Time(nil), dialTimes...)
	mu.Unlock()
	if len(times) != 5 {
		t.Fatalf("dial attempts = %d, want 5 (connect + 4 retries)", len(times))
	}

	// Expected sleeps before the retries: 40ms, then 80ms capped.
	if gap := times[1].Sub(downAt); gap < 40*time.Millisecond {
		t.Errorf("first retry after %v, want >= 40ms", gap)
	}
	prev := times[1].Sub(downAt)
	for i := 2; i < 5; i++ {
		gap := times[i].Sub(times[i-1])
		if gap < 80*time.Millisecond {
			t.Errorf("retry %d after %v, want >= 80ms", i, gap)
		}
		if gap < prev-25*time.Millisecond {
			t.Errorf("retry %d gap %v shrank below previous %v", i, gap, prev)
		}
		prev = gap
	}
	// Uncapped doubling would sleep 320ms before the last retry.
	if gap := times[4].Sub(times[3]); gap > 240*time.Millisecond {
		t.Errorf("final retry after %v, want capped near 80ms", gap)
	}
}

func TestManager_BroadcastsReachEvents(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		frame, _ := json.Marshal(broadcastFrame{
			Broadcast: BroadcastGameEvent,
			Data:      json.RawMessage(`{"kind":"cargo_ship"}`),
		})
		conn.WriteMessage(websocket.BinaryMessage, frame)

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	mgr := NewManager(testManagerConfig(), PollCadences{}, &mockLinks{}, newMockJobs(), nil, nil)
	ctx := context.Background()
	mgr.Start(ctx)
	defer mgr.Stop(context.Background())

	if err := mgr.Connect(ctx, testLink(1, server)); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	ev := waitEvent(t, mgr.Events(), model.EventGameEvent)
	if ev.ServerID != 1 || ev.UserID != "user-1" {
		t.Errorf("game_event = %+v", ev)
	}
}
