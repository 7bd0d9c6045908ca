package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zoobzio/clockz"

	"github.com/fruitsalade/changefeed/pkg/protocol"
)

// testHub accepts websocket connections and records what clients send.
type testHub struct {
	srv      *httptest.Server
	reject   atomic.Bool
	conns    chan *websocket.Conn
	received chan protocol.ClientMessage
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()
	h := &testHub{
		conns:    make(chan *websocket.Conn, 8),
		received: make(chan protocol.ClientMessage, 32),
	}
	var upgrader websocket.Upgrader
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.reject.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.conns <- conn
		go func() {
			for {
				var msg protocol.ClientMessage
				if err := conn.ReadJSON(&msg); err != nil {
					return
				}
				h.received <- msg
			}
		}()
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *testHub) url() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/api/v1/ws"
}

func (h *testHub) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-h.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for client connection")
		return nil
	}
}

func (h *testHub) expectMessage(t *testing.T, typ string) protocol.ClientMessage {
	t.Helper()
	select {
	case msg := <-h.received:
		if msg.Type != typ {
			t.Fatalf("hub received %q, want %q", msg.Type, typ)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for %q from client", typ)
		return protocol.ClientMessage{}
	}
}

func newTestConsumer(t *testing.T, url string, clock clockz.Clock) *ResilientConsumer {
	t.Helper()
	c, err := NewResilientConsumer(ResilientOptions{URL: url, Clock: clock})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Disconnect)
	return c
}

func expectEvent(t *testing.T, c *ResilientConsumer, kind Kind) Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		if ev.Kind != kind {
			t.Fatalf("got %s event (err %v), want %s", ev.Kind, ev.Err, kind)
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for %s event", kind)
		return Event{}
	}
}

func expectNoEvent(t *testing.T, c *ResilientConsumer) {
	t.Helper()
	select {
	case ev := <-c.Events():
		t.Fatalf("unexpected %s event", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestResilientConsumer_ConnectAndDispatch(t *testing.T) {
	hub := newTestHub(t)
	c := newTestConsumer(t, hub.url(), clockz.NewFakeClock())

	if err := c.Subscribe("P1", "u1"); err != nil {
		t.Fatal(err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	expectEvent(t, c, KindConnected)
	if c.State() != StateConnected {
		t.Fatalf("state = %s", c.State())
	}

	server := hub.accept(t)
	sub := hub.expectMessage(t, protocol.TypeSubscribe)
	if sub.ProjectID != "P1" || sub.UserID != "u1" || sub.ID == "" {
		t.Errorf("subscribe message = %+v", sub)
	}

	server.WriteJSON(protocol.NewAck(sub.ID, true, protocol.MsgSubscribed))
	server.WriteJSON(protocol.NewProjectEvent("P1", protocol.SyncEvent{
		Seq:    1,
		Change: protocol.FileChange{Path: "a.txt", Op: protocol.OpCreate, Hash: "h1", Size: 10},
	}, time.Now()))

	var typed, all int
	var changed string
	h := Handlers{
		ByType: map[string]func(protocol.Envelope){
			protocol.TypeProjectEvent: func(env protocol.Envelope) {
				typed++
				var msg protocol.ProjectEventMessage
				if err := env.Decode(&msg); err != nil {
					t.Errorf("decode: %v", err)
				}
				changed = msg.Event.Change.Path
			},
		},
		Any: func(protocol.Envelope) { all++ },
	}
	Dispatch(expectEvent(t, c, KindMessage), h)
	Dispatch(expectEvent(t, c, KindMessage), h)

	if typed != 1 || all != 2 {
		t.Errorf("typed = %d, all = %d; want 1 and 2", typed, all)
	}
	if changed != "a.txt" {
		t.Errorf("changed path = %q", changed)
	}
}

func TestResilientConsumer_ReconnectsAndResubscribes(t *testing.T) {
	hub := newTestHub(t)
	clock := clockz.NewFakeClock()
	c := newTestConsumer(t, hub.url(), clock)

	c.Subscribe("P1", "u1")
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	expectEvent(t, c, KindConnected)
	first := hub.accept(t)
	hub.expectMessage(t, protocol.TypeSubscribe)

	first.Close()
	expectEvent(t, c, KindDisconnected)
	ev := expectEvent(t, c, KindReconnecting)
	if ev.Attempt != 1 || ev.Delay != 2*time.Second {
		t.Fatalf("reconnecting = attempt %d delay %v", ev.Attempt, ev.Delay)
	}

	clock.Advance(2 * time.Second)
	clock.BlockUntilReady()
	expectEvent(t, c, KindConnected)
	hub.accept(t)
	sub := hub.expectMessage(t, protocol.TypeSubscribe)
	if sub.ProjectID != "P1" {
		t.Errorf("resubscribed to %q", sub.ProjectID)
	}
	if c.Attempts() != 0 {
		t.Errorf("attempts = %d after reconnect", c.Attempts())
	}
}

func TestResilientConsumer_GivesUpOnceAfterFiveFailures(t *testing.T) {
	hub := newTestHub(t)
	hub.reject.Store(true)
	clock := clockz.NewFakeClock()
	c := newTestConsumer(t, hub.url(), clock)

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
	expectEvent(t, c, KindError)

	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second}
	for i, delay := range want {
		ev := expectEvent(t, c, KindReconnecting)
		if ev.Attempt != i+1 || ev.Delay != delay {
			t.Fatalf("reconnect %d: attempt %d delay %v, want delay %v", i+1, ev.Attempt, ev.Delay, delay)
		}
		clock.Advance(delay)
		clock.BlockUntilReady()
		expectEvent(t, c, KindError)
	}

	expectEvent(t, c, KindReconnectFailed)
	if c.State() != StateGaveUp {
		t.Fatalf("state = %s, want gave-up", c.State())
	}

	clock.Advance(10 * time.Minute)
	clock.BlockUntilReady()
	expectNoEvent(t, c)
}

func TestResilientConsumer_DisconnectIsFinal(t *testing.T) {
	hub := newTestHub(t)
	clock := clockz.NewFakeClock()
	c := newTestConsumer(t, hub.url(), clock)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	expectEvent(t, c, KindConnected)
	hub.accept(t)

	c.Disconnect()
	c.Disconnect()
	if c.State() != StateIdle {
		t.Fatalf("state = %s, want idle", c.State())
	}

	clock.Advance(time.Minute)
	clock.BlockUntilReady()
	expectNoEvent(t, c)

	if err := c.Send(protocol.ClientMessage{Type: protocol.TypePing}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send after Disconnect = %v", err)
	}
}

func TestResilientConsumer_DisconnectCancelsPendingReconnect(t *testing.T) {
	hub := newTestHub(t)
	hub.reject.Store(true)
	clock := clockz.NewFakeClock()
	c := newTestConsumer(t, hub.url(), clock)

	c.Connect(context.Background())
	expectEvent(t, c, KindError)
	expectEvent(t, c, KindReconnecting)

	c.Disconnect()
	hub.reject.Store(false)
	clock.Advance(time.Minute)
	clock.BlockUntilReady()
	expectNoEvent(t, c)
}

// waitFor polls cond until it holds.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func countingHandlers(n *atomic.Int32) Handlers {
	return Handlers{
		Connected:       func() { n.Add(1) },
		Disconnected:    func(error) { n.Add(1) },
		Reconnecting:    func(int, time.Duration) { n.Add(1) },
		ReconnectFailed: func() { n.Add(1) },
		Error:           func(error) { n.Add(1) },
		Any:             func(protocol.Envelope) { n.Add(1) },
	}
}

func TestResilientConsumer_DisconnectDiscardsQueuedEvents(t *testing.T) {
	hub := newTestHub(t)
	c := newTestConsumer(t, hub.url(), clockz.NewFakeClock())

	c.Subscribe("P1", "u1")
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	server := hub.accept(t)
	sub := hub.expectMessage(t, protocol.TypeSubscribe)
	server.WriteJSON(protocol.NewAck(sub.ID, true, protocol.MsgSubscribed))
	waitFor(t, "queued ack", func() bool { return len(c.Events()) == 2 })

	c.Disconnect()

	var fired atomic.Int32
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	c.Listen(ctx, countingHandlers(&fired))
	if n := fired.Load(); n != 0 {
		t.Errorf("%d handlers ran after Disconnect returned", n)
	}
}

func TestResilientConsumer_DisconnectWaitsForRunningHandler(t *testing.T) {
	hub := newTestHub(t)
	c := newTestConsumer(t, hub.url(), clockz.NewFakeClock())

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	hub.accept(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Listen(ctx, Handlers{
		Connected: func() {
			close(entered)
			<-release
		},
	})
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for connected handler")
	}

	done := make(chan struct{})
	go func() {
		c.Disconnect()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("Disconnect returned while a handler was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnect did not return after the handler finished")
	}
}

func TestResilientConsumer_FullBufferKeepsReconnectFailed(t *testing.T) {
	hub := newTestHub(t)
	hub.reject.Store(true)
	clock := clockz.NewFakeClock()
	c, err := NewResilientConsumer(ResilientOptions{URL: hub.url(), Clock: clock, EventBuffer: 4})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Disconnect)

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
	for attempt := 1; attempt <= DefaultMaxAttempts; attempt++ {
		waitFor(t, "reconnect "+strconv.Itoa(attempt), func() bool {
			return c.State() == StateReconnecting && c.Attempts() == attempt
		})
		clock.Advance(time.Minute)
		clock.BlockUntilReady()
	}
	waitFor(t, "gave-up", func() bool { return c.State() == StateGaveUp })

	var kinds []Kind
	for len(c.Events()) > 0 {
		kinds = append(kinds, (<-c.Events()).Kind)
	}
	if len(kinds) != 4 {
		t.Fatalf("queued %v, want 4 events", kinds)
	}
	if kinds[len(kinds)-1] != KindReconnectFailed {
		t.Errorf("queued %v, want reconnect-failed last", kinds)
	}
	failed := 0
	for _, k := range kinds {
		if k == KindReconnectFailed {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("reconnect-failed queued %d times", failed)
	}
}

func TestResilientConsumer_Heartbeat(t *testing.T) {
	hub := newTestHub(t)
	clock := clockz.NewFakeClock()
	c := newTestConsumer(t, hub.url(), clock)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	expectEvent(t, c, KindConnected)
	hub.accept(t)

	clock.Advance(DefaultHeartbeat)
	clock.BlockUntilReady()
	hub.expectMessage(t, protocol.TypePing)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateConnecting, true},
		{StateIdle, StateConnected, false},
		{StateConnecting, StateConnected, true},
		{StateConnected, StateDisconnected, true},
		{StateConnected, StateReconnecting, false},
		{StateDisconnected, StateReconnecting, true},
		{StateDisconnected, StateGaveUp, true},
		{StateReconnecting, StateConnecting, true},
		{StateGaveUp, StateReconnecting, false},
		{StateGaveUp, StateIdle, true},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
