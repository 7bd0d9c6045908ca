package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"

	"github.com/fruitsalade/changefeed/internal/auth"
	"github.com/fruitsalade/changefeed/internal/logging"
	"github.com/fruitsalade/changefeed/pkg/protocol"
)

const (
	wsReadBufferSize  = 1024
	wsWriteBufferSize = 1024
	wsWriteTimeout    = 10 * time.Second
	wsPingInterval    = 30 * time.Second
	wsReadTimeout     = 75 * time.Second
	wsReadLimit       = 64 << 10
	wsSendBuffer      = 64
)

var (
	errConnClosed     = errors.New("connection closed")
	errSendBufferFull = errors.New("send buffer full")
)

// wsConn is one hub websocket client. Messages are queued on send and
// written by a single writer goroutine.
type wsConn struct {
	id        string
	conn      *websocket.Conn
	send      chan any
	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan any, wsSendBuffer),
		done: make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

// Deliver queues msg without blocking. A client that stopped reading loses
// messages instead of stalling the broadcaster.
func (c *wsConn) Deliver(msg any) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		return errSendBufferFull
	}
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *wsConn) writeLoop(clock clockz.Clock, logger *zap.Logger) {
	defer c.conn.Close()
	ping := clock.NewTimer(wsPingInterval)
	defer func() { ping.Stop() }()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				logger.Debug("websocket write failed", zap.String("conn_id", c.id), zap.Error(err))
				c.close()
				return
			}
		case <-ping.C():
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				logger.Debug("websocket ping failed", zap.String("conn_id", c.id), zap.Error(err))
				c.close()
				return
			}
			ping = clock.NewTimer(wsPingInterval)
		}
	}
}

// ─── Hub WebSocket ──────────────────────────────────────────────────────────

// handleWebSocket serves the hub protocol: subscribe, unsubscribe and ping
// from the client; acks, pongs and project events from the hub.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	logger := logging.WithContext(r.Context())
	conn, err := upgradeWebSocket(w, r, s.allowedOrigins)
	if err != nil {
		logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newWSConn(conn)
	var authUser string
	if claims := auth.GetClaims(r.Context()); claims != nil {
		authUser = claims.UserID
	}

	s.hub.Register(c)
	go c.writeLoop(s.clock, s.logger)
	defer func() {
		s.hub.Disconnect(c.id)
		c.close()
	}()

	logger.Debug("websocket connected", zap.String("conn_id", c.id))

	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("websocket closed", zap.String("conn_id", c.id), zap.Error(err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		s.handleClientMessage(c, authUser, data)
	}
}

func (s *Server) handleClientMessage(c *wsConn, authUser string, data []byte) {
	var msg protocol.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.Deliver(protocol.ErrorMessage{Type: protocol.TypeError, Message: "invalid message"})
		return
	}

	switch msg.Type {
	case protocol.TypeSubscribe:
		userID := msg.UserID
		if authUser != "" {
			userID = authUser
		}
		ack := s.hub.Subscribe(c, protocol.SubscribeRequest{ProjectID: msg.ProjectID, UserID: userID})
		ack.ID = msg.ID
		c.Deliver(ack)
	case protocol.TypeUnsubscribe:
		ack := s.hub.Unsubscribe(c.id, protocol.UnsubscribeRequest{ProjectID: msg.ProjectID})
		ack.ID = msg.ID
		c.Deliver(ack)
	case protocol.TypePing:
		c.Deliver(protocol.Pong{Type: protocol.TypePong})
	default:
		c.Deliver(protocol.ErrorMessage{
			Type:    protocol.TypeError,
			ID:      msg.ID,
			Message: "unknown message type: " + msg.Type,
		})
	}
}

func upgradeWebSocket(w http.ResponseWriter, r *http.Request, allowedOrigins []string) (*websocket.Conn, error) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsReadBufferSize,
		WriteBufferSize: wsWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r, allowedOrigins)
		},
	}
	return upgrader.Upgrade(w, r, nil)
}

// isOriginAllowed accepts requests without an Origin header, origins on the
// allow list (full origin or bare host), and same-host origins when the list
// is empty.
func isOriginAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	originHost := parsed.Hostname()
	if originHost == "" {
		return false
	}

	if len(allowed) > 0 {
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(origin, a) || strings.EqualFold(originHost, a) {
				return true
			}
		}
		return false
	}
	return strings.EqualFold(originHost, hostOnly(r.Host))
}

func hostOnly(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return strings.Trim(host, "[]")
	}
	return strings.Trim(hostport, "[]")
}
