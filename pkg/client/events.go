package client

import (
	"time"

	"github.com/fruitsalade/changefeed/pkg/protocol"
)

// Kind tags an Event.
type Kind int

const (
	KindConnected Kind = iota + 1
	KindDisconnected
	KindReconnecting
	KindReconnectFailed
	KindMessage
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindConnected:
		return "connected"
	case KindDisconnected:
		return "disconnected"
	case KindReconnecting:
		return "reconnecting"
	case KindReconnectFailed:
		return "reconnect-failed"
	case KindMessage:
		return "message"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is what a ResilientConsumer emits. Only the fields relevant to Kind
// are set.
type Event struct {
	Kind    Kind
	Message protocol.Envelope // KindMessage
	Attempt int               // KindReconnecting
	Delay   time.Duration     // KindReconnecting
	Err     error             // KindDisconnected, KindError

	session uint64
}

// lifecycle events are kept when the event buffer is full.
func (k Kind) lifecycle() bool {
	return k == KindConnected || k == KindDisconnected || k == KindReconnectFailed
}

// Handlers receives dispatched events. Nil handlers are skipped.
type Handlers struct {
	Connected       func()
	Disconnected    func(err error)
	Reconnecting    func(attempt int, delay time.Duration)
	ReconnectFailed func()
	Error           func(err error)

	// ByType is keyed by message type, e.g. protocol.TypeProjectEvent.
	ByType map[string]func(protocol.Envelope)
	// Any sees every message after its typed handler.
	Any func(protocol.Envelope)
}

// Dispatch routes one event to h. A message reaches both the handler for its
// type and the catch-all.
func Dispatch(ev Event, h Handlers) {
	switch ev.Kind {
	case KindConnected:
		if h.Connected != nil {
			h.Connected()
		}
	case KindDisconnected:
		if h.Disconnected != nil {
			h.Disconnected(ev.Err)
		}
	case KindReconnecting:
		if h.Reconnecting != nil {
			h.Reconnecting(ev.Attempt, ev.Delay)
		}
	case KindReconnectFailed:
		if h.ReconnectFailed != nil {
			h.ReconnectFailed()
		}
	case KindError:
		if h.Error != nil {
			h.Error(ev.Err)
		}
	case KindMessage:
		if fn, ok := h.ByType[ev.Message.Type]; ok && fn != nil {
			fn(ev.Message)
		}
		if h.Any != nil {
			h.Any(ev.Message)
		}
	}
}
