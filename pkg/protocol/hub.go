package protocol

import (
	"encoding/json"
	"time"
)

// Hub websocket message types.
const (
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeAck          = "ack"
	TypeProjectEvent = "project:event"
	TypeError        = "error"
)

// Ack messages.
const (
	MsgProjectIDRequired = "projectId required"
	MsgSubscribed        = "Subscribed to project"
	MsgUnsubscribed      = "Unsubscribed from project"
)

// ClientMessage is any message a client sends on the hub websocket.
type ClientMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	ProjectID string `json:"projectId,omitempty"`
	UserID    string `json:"userId,omitempty"`
}

// SubscribeRequest asks the hub to join a project room.
type SubscribeRequest struct {
	ProjectID string
	UserID    string
}

// UnsubscribeRequest asks the hub to leave a project room.
type UnsubscribeRequest struct {
	ProjectID string
}

// Ack answers a subscribe or unsubscribe request.
type Ack struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// NewAck builds an Ack correlated to request id.
func NewAck(id string, ok bool, msg string) Ack {
	return Ack{Type: TypeAck, ID: id, Success: ok, Message: msg}
}

// ErrorMessage reports a client message the hub could not handle. The
// connection stays open.
type ErrorMessage struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message"`
}

// Pong answers a ping.
type Pong struct {
	Type string `json:"type"`
}

// ProjectEventMessage wraps a SyncEvent for delivery to subscribers.
type ProjectEventMessage struct {
	Type       string    `json:"type"`
	ProjectID  string    `json:"projectId"`
	Event      SyncEvent `json:"event"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// NewProjectEvent wraps ev for delivery.
func NewProjectEvent(projectID string, ev SyncEvent, now time.Time) ProjectEventMessage {
	return ProjectEventMessage{
		Type:       TypeProjectEvent,
		ProjectID:  projectID,
		Event:      ev,
		ReceivedAt: now,
	}
}

// Envelope is a server message decoded only far enough to know its type.
// Raw keeps the full payload for typed decoding by the receiver.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// DecodeEnvelope reads the type of a server message and keeps the raw bytes.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	env.Raw = append(json.RawMessage(nil), data...)
	return env, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	return json.Unmarshal(e.Raw, v)
}
