// Package events fans project-scoped change events out to subscribed connections.
package events

import (
	"sort"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"

	"github.com/fruitsalade/changefeed/internal/logging"
	"github.com/fruitsalade/changefeed/internal/metrics"
	"github.com/fruitsalade/changefeed/pkg/protocol"
)

// DefaultUserID is recorded for subscribers that do not name themselves.
const DefaultUserID = "unknown"

// Conn is one subscriber connection. Deliver must not block for long; a
// transport that cannot keep up should drop and return an error.
type Conn interface {
	ID() string
	Deliver(msg any) error
}

// Subscription is the project a connection currently listens to.
type Subscription struct {
	ConnID      string
	UserID      string
	ProjectID   string
	ConnectedAt time.Time
}

// Publisher forwards locally broadcast events to peer hubs.
type Publisher interface {
	Publish(projectID string, events []protocol.SyncEvent) error
}

// Hub tracks connections, their subscriptions, and per-project rooms.
type Hub struct {
	clock  clockz.Clock
	logger *zap.Logger

	mu    sync.RWMutex
	conns map[string]Conn
	subs  map[string]Subscription
	rooms map[string]map[string]Conn

	pubMu     sync.RWMutex
	publisher Publisher
}

// NewHub creates an empty hub. A nil clock uses the real clock.
func NewHub(clock clockz.Clock, logger *zap.Logger) *Hub {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &Hub{
		clock:  clock,
		logger: logging.Named(logger, "hub"),
		conns:  make(map[string]Conn),
		subs:   make(map[string]Subscription),
		rooms:  make(map[string]map[string]Conn),
	}
}

// SetPublisher installs the cross-instance relay. Nil disables it.
func (h *Hub) SetPublisher(p Publisher) {
	h.pubMu.Lock()
	h.publisher = p
	h.pubMu.Unlock()
}

// Register records an open connection.
func (h *Hub) Register(conn Conn) {
	h.mu.Lock()
	h.conns[conn.ID()] = conn
	h.mu.Unlock()
	h.publishState()
}

// Subscribe joins conn to the requested project room, leaving any previous room.
func (h *Hub) Subscribe(conn Conn, req protocol.SubscribeRequest) protocol.Ack {
	if req.ProjectID == "" {
		return protocol.Ack{Type: protocol.TypeAck, Success: false, Message: protocol.MsgProjectIDRequired}
	}
	userID := req.UserID
	if userID == "" {
		userID = DefaultUserID
	}

	id := conn.ID()
	h.mu.Lock()
	h.conns[id] = conn
	if prev, ok := h.subs[id]; ok && prev.ProjectID != req.ProjectID {
		h.leaveLocked(id, prev.ProjectID)
	}
	room, ok := h.rooms[req.ProjectID]
	if !ok {
		room = make(map[string]Conn)
		h.rooms[req.ProjectID] = room
	}
	room[id] = conn
	h.subs[id] = Subscription{
		ConnID:      id,
		UserID:      userID,
		ProjectID:   req.ProjectID,
		ConnectedAt: h.clock.Now(),
	}
	h.mu.Unlock()

	h.publishState()
	h.logger.Info("subscribed",
		zap.String("conn_id", id),
		zap.String("user_id", userID),
		logging.Project(req.ProjectID),
	)
	return protocol.Ack{Type: protocol.TypeAck, Success: true, Message: protocol.MsgSubscribed}
}

// Unsubscribe removes the connection from the named room.
func (h *Hub) Unsubscribe(connID string, req protocol.UnsubscribeRequest) protocol.Ack {
	if req.ProjectID == "" {
		return protocol.Ack{Type: protocol.TypeAck, Success: false, Message: protocol.MsgProjectIDRequired}
	}

	h.mu.Lock()
	h.leaveLocked(connID, req.ProjectID)
	if sub, ok := h.subs[connID]; ok && sub.ProjectID == req.ProjectID {
		delete(h.subs, connID)
	}
	h.mu.Unlock()

	h.publishState()
	h.logger.Info("unsubscribed", zap.String("conn_id", connID), logging.Project(req.ProjectID))
	return protocol.Ack{Type: protocol.TypeAck, Success: true, Message: protocol.MsgUnsubscribed}
}

// Disconnect forgets a connection and its subscription. Safe to call twice.
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	if sub, ok := h.subs[connID]; ok {
		h.leaveLocked(connID, sub.ProjectID)
		delete(h.subs, connID)
	}
	_, known := h.conns[connID]
	delete(h.conns, connID)
	h.mu.Unlock()

	if known {
		h.publishState()
		h.logger.Debug("disconnected", zap.String("conn_id", connID))
	}
}

func (h *Hub) leaveLocked(connID, projectID string) {
	room, ok := h.rooms[projectID]
	if !ok {
		return
	}
	delete(room, connID)
	if len(room) == 0 {
		delete(h.rooms, projectID)
	}
}

// Broadcast delivers ev to every current member of the project room and
// forwards it to peer hubs. It returns the number of successful deliveries.
func (h *Hub) Broadcast(projectID string, ev protocol.SyncEvent) int {
	return h.BroadcastBatch(projectID, []protocol.SyncEvent{ev})
}

// BroadcastBatch delivers events in order. Each delivery is independent, so a
// member that disconnects mid-batch receives only a prefix.
func (h *Hub) BroadcastBatch(projectID string, evs []protocol.SyncEvent) int {
	if len(evs) == 0 {
		return 0
	}
	n := h.DeliverLocal(projectID, evs)

	h.pubMu.RLock()
	pub := h.publisher
	h.pubMu.RUnlock()
	if pub != nil {
		if err := pub.Publish(projectID, evs); err != nil {
			h.logger.Warn("relay publish failed", logging.Project(projectID), zap.Error(err))
		}
	}
	return n
}

// DeliverLocal delivers events to this instance's members only.
func (h *Hub) DeliverLocal(projectID string, evs []protocol.SyncEvent) int {
	delivered := 0
	for _, ev := range evs {
		members := h.members(projectID)
		if len(members) == 0 {
			continue
		}
		msg := protocol.NewProjectEvent(projectID, ev, h.clock.Now())
		for _, c := range members {
			if err := c.Deliver(msg); err != nil {
				metrics.RecordDelivery(false)
				h.logger.Debug("delivery failed",
					zap.String("conn_id", c.ID()),
					logging.Project(projectID),
					zap.Error(err),
				)
				continue
			}
			metrics.RecordDelivery(true)
			delivered++
		}
	}
	return delivered
}

// members snapshots a room so delivery happens outside the lock.
func (h *Hub) members(projectID string) []Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	room := h.rooms[projectID]
	if len(room) == 0 {
		return nil
	}
	out := make([]Conn, 0, len(room))
	for _, c := range room {
		out = append(out, c)
	}
	return out
}

// Subscription returns the active subscription of a connection.
func (h *Hub) Subscription(connID string) (Subscription, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.subs[connID]
	return s, ok
}

// RoomSize returns the number of members in a project room.
func (h *Hub) RoomSize(projectID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[projectID])
}

// HasRoom reports whether a room exists for the project.
func (h *Hub) HasRoom(projectID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[projectID]
	return ok
}

// Stats summarises connections and rooms, sorted by project ID.
func (h *Hub) Stats() protocol.HubStats {
	h.mu.RLock()
	stats := protocol.HubStats{
		TotalConnections:   len(h.conns),
		TotalSubscriptions: len(h.subs),
		Projects:           make([]protocol.ProjectStats, 0, len(h.rooms)),
	}
	for id, room := range h.rooms {
		stats.Projects = append(stats.Projects, protocol.ProjectStats{ProjectID: id, Subscribers: len(room)})
	}
	h.mu.RUnlock()

	sort.Slice(stats.Projects, func(i, j int) bool {
		return stats.Projects[i].ProjectID < stats.Projects[j].ProjectID
	})
	return stats
}

func (h *Hub) publishState() {
	h.mu.RLock()
	conns, subs, rooms := len(h.conns), len(h.subs), len(h.rooms)
	h.mu.RUnlock()
	metrics.SetHubState(conns, subs, rooms)
}
