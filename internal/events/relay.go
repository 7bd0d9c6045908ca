package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fruitsalade/changefeed/internal/logging"
	"github.com/fruitsalade/changefeed/internal/metrics"
	"github.com/fruitsalade/changefeed/pkg/protocol"
)

var ErrRelayClosed = errors.New("relay closed")

// relayMessage is the NATS payload exchanged between hub instances.
type relayMessage struct {
	Origin    string               `json:"origin"`
	ProjectID string               `json:"projectId"`
	Events    []protocol.SyncEvent `json:"events"`
}

// Relay shares broadcasts between hub instances over a NATS subject so a
// client connected to any instance sees events ingested on every instance.
// It is core NATS pub/sub: at-most-once, like local delivery.
type Relay struct {
	nc      *nats.Conn
	subject string
	origin  string
	hub     *Hub
	logger  *zap.Logger

	mu     sync.Mutex
	sub    *nats.Subscription
	closed bool
}

// NewRelay creates a relay for hub on subject.
func NewRelay(nc *nats.Conn, subject string, hub *Hub, logger *zap.Logger) *Relay {
	return &Relay{
		nc:      nc,
		subject: subject,
		origin:  uuid.NewString(),
		hub:     hub,
		logger:  logging.Named(logger, "relay"),
	}
}

// Start subscribes to peer broadcasts and installs the relay as the hub's publisher.
func (r *Relay) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRelayClosed
	}

	sub, err := r.nc.Subscribe(r.subject, r.receive)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", r.subject, err)
	}
	// Make sure the server has the interest before anyone publishes.
	if err := r.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("flush subscription: %w", err)
	}
	r.sub = sub
	r.hub.SetPublisher(r)
	r.logger.Info("relay started", zap.String("subject", r.subject), zap.String("origin", r.origin))
	return nil
}

// Publish sends events to peer hubs.
func (r *Relay) Publish(projectID string, evs []protocol.SyncEvent) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrRelayClosed
	}

	data, err := json.Marshal(relayMessage{Origin: r.origin, ProjectID: projectID, Events: evs})
	if err != nil {
		return fmt.Errorf("encode relay message: %w", err)
	}
	if err := r.nc.Publish(r.subject, data); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	metrics.RecordRelay("out")
	return nil
}

func (r *Relay) receive(msg *nats.Msg) {
	var m relayMessage
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		r.logger.Warn("malformed relay message", zap.Error(err))
		return
	}
	// Our own publications come back on the shared subject.
	if m.Origin == r.origin {
		return
	}
	metrics.RecordRelay("in")
	n := r.hub.DeliverLocal(m.ProjectID, m.Events)
	r.logger.Debug("relayed events delivered",
		logging.Project(m.ProjectID),
		zap.Int("events", len(m.Events)),
		zap.Int("deliveries", n),
	)
}

// Close detaches the relay from the hub and unsubscribes. The NATS
// connection belongs to the caller.
func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.hub.SetPublisher(nil)
	if r.sub != nil {
		return r.sub.Unsubscribe()
	}
	return nil
}
