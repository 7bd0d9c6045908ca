package client

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"

	"github.com/fruitsalade/changefeed/internal/logging"
	"github.com/fruitsalade/changefeed/internal/metrics"
	"github.com/fruitsalade/changefeed/pkg/protocol"
	"github.com/fruitsalade/changefeed/pkg/retry"
)

// Resilient consumer defaults.
const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 2 * time.Second
	DefaultMaxDelay    = 60 * time.Second
	DefaultHeartbeat   = 30 * time.Second
	DefaultEventBuffer = 256

	wsWriteTimeout = 10 * time.Second
)

var (
	ErrNotConnected     = errors.New("not connected")
	ErrProjectRequired  = errors.New("project id required")
	errConsumerDetached = errors.New("consumer disconnected during dial")
)

// State is the connection state of a ResilientConsumer.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateReconnecting
	StateGaveUp
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateGaveUp:
		return "gave-up"
	default:
		return "unknown"
	}
}

// Every state may also move to Idle through Disconnect.
var consumerTransitions = map[State][]State{
	StateIdle:         {StateConnecting},
	StateConnecting:   {StateConnected, StateDisconnected},
	StateConnected:    {StateDisconnected},
	StateDisconnected: {StateReconnecting, StateGaveUp},
	StateReconnecting: {StateConnecting},
	StateGaveUp:       {StateConnecting},
}

// CanTransition reports whether the consumer may move from one state to another.
func CanTransition(from, to State) bool {
	if to == StateIdle {
		return true
	}
	for _, s := range consumerTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ResilientOptions configures a ResilientConsumer.
type ResilientOptions struct {
	URL         string
	Header      http.Header
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Heartbeat   time.Duration
	EventBuffer int
	Dialer      *websocket.Dialer
	Clock       clockz.Clock
	Logger      *zap.Logger
}

// ResilientConsumer keeps one websocket connection to the hub open, emits
// what it receives on Events and reconnects with exponential backoff.
type ResilientConsumer struct {
	url       string
	header    http.Header
	dialer    *websocket.Dialer
	clock     clockz.Clock
	logger    *zap.Logger
	backoff   retry.Config
	heartbeat time.Duration
	events    chan Event
	nextID    atomic.Int64

	writeMu    sync.Mutex
	dispatchMu sync.Mutex

	mu            sync.Mutex
	state         State
	attempts      int
	session       uint64
	conn          *websocket.Conn
	pending       chan struct{}
	cancelDial    context.CancelFunc
	heartbeatStop chan struct{}
	subscription  *protocol.SubscribeRequest

	wg sync.WaitGroup
}

// NewResilientConsumer creates an idle consumer.
func NewResilientConsumer(opts ResilientOptions) (*ResilientConsumer, error) {
	if opts.URL == "" {
		return nil, errors.New("hub websocket url is required")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultEventBuffer
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Clock == nil {
		opts.Clock = clockz.RealClock
	}

	return &ResilientConsumer{
		url:    opts.URL,
		header: opts.Header,
		dialer: opts.Dialer,
		clock:  opts.Clock,
		logger: logging.Named(opts.Logger, "resilient-consumer"),
		backoff: retry.Config{
			MaxAttempts: opts.MaxAttempts,
			InitialWait: opts.BaseDelay,
			MaxWait:     opts.MaxDelay,
			Multiplier:  2,
		},
		heartbeat: opts.Heartbeat,
		events:    make(chan Event, opts.EventBuffer),
	}, nil
}

// Events returns the channel every event is emitted on. It is never closed.
// Disconnect discards what is still queued, but an event already received
// from the channel is the reader's. Listen adds the stronger guarantee.
func (c *ResilientConsumer) Events() <-chan Event { return c.events }

// Listen dispatches events to h until ctx is done. No handler starts after
// Disconnect returns, and Disconnect waits for a handler that is running, so
// handlers must not call Disconnect themselves.
func (c *ResilientConsumer) Listen(ctx context.Context, h Handlers) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.events:
			c.dispatch(ev, h)
		}
	}
}

func (c *ResilientConsumer) dispatch(ev Event, h Handlers) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	c.mu.Lock()
	current := ev.session == c.session
	c.mu.Unlock()
	if current {
		Dispatch(ev, h)
	}
}

// State returns the current connection state.
func (c *ResilientConsumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the number of reconnects scheduled since the last
// successful connection.
func (c *ResilientConsumer) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Connect dials the hub. A failed dial is returned and also enters the
// reconnect schedule. Connect is a no-op unless the consumer is Idle or
// GaveUp. ctx bounds only this first dial.
func (c *ResilientConsumer) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateGaveUp {
		c.mu.Unlock()
		return nil
	}
	c.attempts = 0
	c.transitionLocked(StateConnecting)
	session := c.session
	dctx, cancel := context.WithCancel(ctx)
	c.cancelDial = cancel
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(dctx, c.url, c.header)
	cancel()
	return c.dialed(session, conn, err)
}

// Disconnect closes the connection, cancels any pending reconnect and
// discards queued events. It is idempotent, and no event is emitted or
// dispatched after it returns.
func (c *ResilientConsumer) Disconnect() {
	c.mu.Lock()
	c.session++
	c.drainLocked()
	if c.pending != nil {
		close(c.pending)
		c.pending = nil
	}
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	c.stopHeartbeatLocked()
	conn := c.conn
	c.conn = nil
	c.attempts = 0
	if c.state != StateIdle {
		c.transitionLocked(StateIdle)
	}
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}
	c.wg.Wait()

	c.dispatchMu.Lock()
	c.dispatchMu.Unlock()
}

// Send writes v as JSON. When not connected the message is dropped.
func (c *ResilientConsumer) Send(v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		c.logger.Warn("not connected, dropping message")
		return ErrNotConnected
	}
	return c.write(conn, v)
}

// Subscribe joins a project room. The subscription is remembered and sent
// again after every reconnect; if the consumer is not connected yet it is
// sent once the connection opens.
func (c *ResilientConsumer) Subscribe(projectID, userID string) error {
	if projectID == "" {
		return ErrProjectRequired
	}
	req := protocol.SubscribeRequest{ProjectID: projectID, UserID: userID}
	c.mu.Lock()
	c.subscription = &req
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return c.write(conn, c.subscribeMessage(req))
}

// Unsubscribe leaves a project room and forgets the subscription.
func (c *ResilientConsumer) Unsubscribe(projectID string) error {
	c.mu.Lock()
	if c.subscription != nil && c.subscription.ProjectID == projectID {
		c.subscription = nil
	}
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return c.write(conn, protocol.ClientMessage{
		Type:      protocol.TypeUnsubscribe,
		ID:        c.newID(),
		ProjectID: projectID,
	})
}

func (c *ResilientConsumer) subscribeMessage(req protocol.SubscribeRequest) protocol.ClientMessage {
	return protocol.ClientMessage{
		Type:      protocol.TypeSubscribe,
		ID:        c.newID(),
		ProjectID: req.ProjectID,
		UserID:    req.UserID,
	}
}

func (c *ResilientConsumer) newID() string {
	return strconv.FormatInt(c.nextID.Add(1), 10)
}

func (c *ResilientConsumer) write(conn *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(v)
}

// dialed finishes a dial started in session.
func (c *ResilientConsumer) dialed(session uint64, conn *websocket.Conn, err error) error {
	c.mu.Lock()
	if session != c.session {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return errConsumerDetached
	}
	c.cancelDial = nil

	if err != nil {
		c.logger.Warn("hub dial failed", zap.Int("attempt", c.attempts), zap.Error(err))
		c.emitLocked(Event{Kind: KindError, Err: err})
		c.transitionLocked(StateDisconnected)
		c.scheduleLocked()
		c.mu.Unlock()
		return err
	}

	c.conn = conn
	c.attempts = 0
	c.transitionLocked(StateConnected)
	stop := make(chan struct{})
	c.heartbeatStop = stop
	c.wg.Add(2)
	go c.readLoop(conn)
	go c.heartbeatLoop(conn, stop, c.clock.NewTimer(c.heartbeat))
	c.logger.Info("connected to hub", zap.String("url", c.url))
	c.emitLocked(Event{Kind: KindConnected})
	sub := c.subscription
	c.mu.Unlock()

	if sub != nil {
		if err := c.write(conn, c.subscribeMessage(*sub)); err != nil {
			c.logger.Debug("resubscribe failed", logging.Project(sub.ProjectID), zap.Error(err))
		}
	}
	return nil
}

// scheduleLocked arms the single reconnect timer, or gives up once
// MaxAttempts reconnects have failed.
func (c *ResilientConsumer) scheduleLocked() {
	if c.backoff.Exhausted(c.attempts) {
		c.transitionLocked(StateGaveUp)
		c.logger.Error("giving up on hub connection", zap.Int("attempts", c.attempts))
		c.emitLocked(Event{Kind: KindReconnectFailed})
		return
	}

	c.attempts++
	delay := c.backoff.Delay(c.attempts)
	c.transitionLocked(StateReconnecting)
	metrics.RecordReconnect("resilient")

	timer := c.clock.NewTimer(delay)
	cancel := make(chan struct{})
	c.pending = cancel
	c.wg.Add(1)
	go c.waitReconnect(timer, cancel)

	c.logger.Info("reconnect scheduled", zap.Int("attempt", c.attempts), zap.Duration("delay", delay))
	c.emitLocked(Event{Kind: KindReconnecting, Attempt: c.attempts, Delay: delay})
}

func (c *ResilientConsumer) waitReconnect(timer clockz.Timer, cancel chan struct{}) {
	defer c.wg.Done()
	select {
	case <-cancel:
		timer.Stop()
		return
	case <-timer.C():
	}

	c.mu.Lock()
	if c.pending != cancel {
		c.mu.Unlock()
		return
	}
	c.pending = nil
	c.transitionLocked(StateConnecting)
	session := c.session
	ctx, cf := context.WithCancel(context.Background())
	c.cancelDial = cf
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
	cf()
	_ = c.dialed(session, conn, err)
}

func (c *ResilientConsumer) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.lost(conn, err)
			return
		}
		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			c.logger.Warn("undecodable hub message", zap.Error(err))
			continue
		}
		c.mu.Lock()
		if c.conn == conn {
			c.emitLocked(Event{Kind: KindMessage, Message: env})
		}
		c.mu.Unlock()
	}
}

// lost handles an unintentional close of conn.
func (c *ResilientConsumer) lost(conn *websocket.Conn, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}
	c.conn = nil
	c.stopHeartbeatLocked()
	conn.Close()

	c.logger.Info("hub connection lost", zap.Error(err))
	c.transitionLocked(StateDisconnected)
	c.emitLocked(Event{Kind: KindDisconnected, Err: err})
	c.scheduleLocked()
}

func (c *ResilientConsumer) heartbeatLoop(conn *websocket.Conn, stop <-chan struct{}, t clockz.Timer) {
	defer c.wg.Done()
	for {
		select {
		case <-stop:
			t.Stop()
			return
		case <-t.C():
			if err := c.write(conn, protocol.ClientMessage{Type: protocol.TypePing}); err != nil {
				c.logger.Debug("heartbeat ping failed", zap.Error(err))
			}
			t = c.clock.NewTimer(c.heartbeat)
		}
	}
}

func (c *ResilientConsumer) stopHeartbeatLocked() {
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
}

func (c *ResilientConsumer) transitionLocked(to State) {
	if !CanTransition(c.state, to) {
		c.logger.Error("invalid consumer transition",
			zap.Stringer("from", c.state),
			zap.Stringer("to", to),
		)
	}
	c.state = to
}

// emitLocked queues ev. When the buffer is full messages and notices are
// dropped, while a lifecycle event evicts the oldest droppable one.
func (c *ResilientConsumer) emitLocked(ev Event) {
	ev.session = c.session
	select {
	case c.events <- ev:
		return
	default:
	}
	if !ev.Kind.lifecycle() {
		c.logger.Warn("event buffer full, dropping event", zap.Stringer("kind", ev.Kind))
		return
	}

	queued := c.drainLocked()
	if len(queued) == cap(c.events) {
		victim := 0
		for i, q := range queued {
			if !q.Kind.lifecycle() {
				victim = i
				break
			}
		}
		c.logger.Warn("event buffer full, evicting event",
			zap.Stringer("kind", queued[victim].Kind),
			zap.Stringer("for", ev.Kind),
		)
		queued = append(queued[:victim], queued[victim+1:]...)
	}
	// Only the reader touches the channel meanwhile, and it only makes room.
	for _, q := range append(queued, ev) {
		c.events <- q
	}
}

// drainLocked empties the event buffer and returns what it held, oldest first.
func (c *ResilientConsumer) drainLocked() []Event {
	var queued []Event
	for {
		select {
		case ev := <-c.events:
			queued = append(queued, ev)
		default:
			return queued
		}
	}
}
