package events

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/changefeed/pkg/protocol"
)

type fakeConn struct {
	id string

	mu   sync.Mutex
	msgs []protocol.ProjectEventMessage
	fail bool
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Deliver(msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("closed")
	}
	c.msgs = append(c.msgs, msg.(protocol.ProjectEventMessage))
	return nil
}

func (c *fakeConn) received() []protocol.ProjectEventMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.ProjectEventMessage(nil), c.msgs...)
}

func testEvent(seq int64, path string) protocol.SyncEvent {
	return protocol.SyncEvent{
		Seq:       seq,
		Change:    protocol.FileChange{Path: path, Op: protocol.OpCreate, Hash: "h"},
		CreatedAt: time.Now(),
	}
}

func TestSubscribeRequiresProject(t *testing.T) {
	h := NewHub(nil, zap.NewNop())
	ack := h.Subscribe(newFakeConn("c1"), protocol.SubscribeRequest{})
	if ack.Success || ack.Message != protocol.MsgProjectIDRequired {
		t.Fatalf("ack = %+v", ack)
	}
	if h.Stats().TotalSubscriptions != 0 {
		t.Error("failed subscribe must not record a subscription")
	}
}

func TestSubscribeDefaultsUser(t *testing.T) {
	h := NewHub(nil, zap.NewNop())
	ack := h.Subscribe(newFakeConn("c1"), protocol.SubscribeRequest{ProjectID: "P"})
	if !ack.Success || ack.Message != protocol.MsgSubscribed {
		t.Fatalf("ack = %+v", ack)
	}
	sub, ok := h.Subscription("c1")
	if !ok || sub.UserID != DefaultUserID || sub.ProjectID != "P" {
		t.Fatalf("subscription = %+v, %v", sub, ok)
	}
	if sub.ConnectedAt.IsZero() {
		t.Error("ConnectedAt not set")
	}
}

func TestBroadcastReachesOnlyRoomMembers(t *testing.T) {
	h := NewHub(nil, zap.NewNop())
	a, b, c := newFakeConn("a"), newFakeConn("b"), newFakeConn("c")
	h.Subscribe(a, protocol.SubscribeRequest{ProjectID: "P", UserID: "u1"})
	h.Subscribe(b, protocol.SubscribeRequest{ProjectID: "P", UserID: "u2"})
	h.Subscribe(c, protocol.SubscribeRequest{ProjectID: "Q", UserID: "u3"})

	n := h.Broadcast("P", testEvent(1, "a.txt"))
	if n != 2 {
		t.Fatalf("delivered = %d, want 2", n)
	}
	for _, conn := range []*fakeConn{a, b} {
		msgs := conn.received()
		if len(msgs) != 1 {
			t.Fatalf("%s got %d messages", conn.id, len(msgs))
		}
		m := msgs[0]
		if m.Type != protocol.TypeProjectEvent || m.ProjectID != "P" || m.Event.Seq != 1 {
			t.Errorf("%s got %+v", conn.id, m)
		}
		if m.ReceivedAt.IsZero() {
			t.Error("receivedAt not set")
		}
	}
	if len(c.received()) != 0 {
		t.Error("member of another project received the event")
	}
}

func TestBroadcastEmptyRoomIsNoop(t *testing.T) {
	h := NewHub(nil, zap.NewNop())
	if n := h.Broadcast("nobody", testEvent(1, "a")); n != 0 {
		t.Fatalf("delivered = %d", n)
	}
	if h.HasRoom("nobody") {
		t.Error("broadcast must not create rooms")
	}
}

func TestResubscribeLeavesPreviousRoom(t *testing.T) {
	h := NewHub(nil, zap.NewNop())
	a := newFakeConn("a")
	h.Subscribe(a, protocol.SubscribeRequest{ProjectID: "P"})
	h.Subscribe(a, protocol.SubscribeRequest{ProjectID: "Q"})

	if h.HasRoom("P") {
		t.Error("room P should be gone")
	}
	if h.RoomSize("Q") != 1 {
		t.Errorf("room Q size = %d", h.RoomSize("Q"))
	}
	if n := h.Broadcast("P", testEvent(1, "x")); n != 0 {
		t.Errorf("old room still delivers: %d", n)
	}

	// Same project twice is idempotent.
	h.Subscribe(a, protocol.SubscribeRequest{ProjectID: "Q"})
	if h.RoomSize("Q") != 1 {
		t.Errorf("room Q size = %d after repeat", h.RoomSize("Q"))
	}
}

func TestUnsubscribeRemovesEmptyRoom(t *testing.T) {
	h := NewHub(nil, zap.NewNop())
	a, b := newFakeConn("a"), newFakeConn("b")
	h.Subscribe(a, protocol.SubscribeRequest{ProjectID: "P"})
	h.Subscribe(b, protocol.SubscribeRequest{ProjectID: "P"})

	if ack := h.Unsubscribe("a", protocol.UnsubscribeRequest{}); ack.Success {
		t.Fatal("unsubscribe without projectId must fail")
	}

	h.Unsubscribe("a", protocol.UnsubscribeRequest{ProjectID: "P"})
	if h.RoomSize("P") != 1 {
		t.Fatalf("room size = %d", h.RoomSize("P"))
	}
	if _, ok := h.Subscription("a"); ok {
		t.Error("subscription should be deleted")
	}

	h.Unsubscribe("b", protocol.UnsubscribeRequest{ProjectID: "P"})
	if h.HasRoom("P") {
		t.Error("empty room should be destroyed")
	}
}

func TestUnsubscribeOtherProjectKeepsSubscription(t *testing.T) {
	h := NewHub(nil, zap.NewNop())
	a := newFakeConn("a")
	h.Subscribe(a, protocol.SubscribeRequest{ProjectID: "P"})

	ack := h.Unsubscribe("a", protocol.UnsubscribeRequest{ProjectID: "Q"})
	if !ack.Success {
		t.Fatalf("ack = %+v", ack)
	}
	if _, ok := h.Subscription("a"); !ok {
		t.Error("subscription to P must survive unsubscribe from Q")
	}
	if h.RoomSize("P") != 1 {
		t.Error("room P must keep its member")
	}
}

func TestDisconnectCleansUp(t *testing.T) {
	h := NewHub(nil, zap.NewNop())
	a := newFakeConn("a")
	h.Register(a)
	h.Subscribe(a, protocol.SubscribeRequest{ProjectID: "P"})

	h.Disconnect("a")
	h.Disconnect("a")

	stats := h.Stats()
	if stats.TotalConnections != 0 || stats.TotalSubscriptions != 0 || len(stats.Projects) != 0 {
		t.Fatalf("stats after disconnect = %+v", stats)
	}
}

func TestBroadcastBatchInOrderAndSkipsFailures(t *testing.T) {
	h := NewHub(nil, zap.NewNop())
	good, bad := newFakeConn("good"), newFakeConn("bad")
	bad.fail = true
	h.Subscribe(good, protocol.SubscribeRequest{ProjectID: "P"})
	h.Subscribe(bad, protocol.SubscribeRequest{ProjectID: "P"})

	n := h.BroadcastBatch("P", []protocol.SyncEvent{testEvent(1, "a"), testEvent(2, "b"), testEvent(3, "c")})
	if n != 3 {
		t.Fatalf("delivered = %d, want 3", n)
	}
	msgs := good.received()
	for i, m := range msgs {
		if m.Event.Seq != int64(i+1) {
			t.Errorf("msg %d seq = %d", i, m.Event.Seq)
		}
	}
}

func TestStats(t *testing.T) {
	h := NewHub(nil, zap.NewNop())
	h.Register(newFakeConn("idle"))
	h.Subscribe(newFakeConn("a"), protocol.SubscribeRequest{ProjectID: "beta"})
	h.Subscribe(newFakeConn("b"), protocol.SubscribeRequest{ProjectID: "alpha"})
	h.Subscribe(newFakeConn("c"), protocol.SubscribeRequest{ProjectID: "alpha"})

	s := h.Stats()
	if s.TotalConnections != 4 || s.TotalSubscriptions != 3 {
		t.Fatalf("stats = %+v", s)
	}
	if len(s.Projects) != 2 || s.Projects[0].ProjectID != "alpha" || s.Projects[0].Subscribers != 2 {
		t.Errorf("projects = %+v", s.Projects)
	}
}

func TestConcurrentSubscribeAndBroadcast(t *testing.T) {
	h := NewHub(nil, zap.NewNop())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			c := newFakeConn(fmt.Sprintf("c%d", i))
			h.Subscribe(c, protocol.SubscribeRequest{ProjectID: "P"})
			if i%2 == 0 {
				h.Disconnect(c.ID())
			}
		}(i)
		go func(i int) {
			defer wg.Done()
			h.Broadcast("P", testEvent(int64(i), "f"))
		}(i)
	}
	wg.Wait()

	if got := h.RoomSize("P"); got != 25 {
		t.Errorf("room size = %d, want 25", got)
	}
}

type recordingPublisher struct {
	mu    sync.Mutex
	calls int
}

func (p *recordingPublisher) Publish(string, []protocol.SyncEvent) error {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return nil
}

func TestBroadcastForwardsToPublisher(t *testing.T) {
	h := NewHub(nil, zap.NewNop())
	pub := &recordingPublisher{}
	h.SetPublisher(pub)

	h.Broadcast("P", testEvent(1, "a"))
	h.DeliverLocal("P", []protocol.SyncEvent{testEvent(2, "b")})

	if pub.calls != 1 {
		t.Errorf("publisher calls = %d, want 1", pub.calls)
	}
}
