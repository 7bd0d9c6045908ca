// Package eventlog assigns per-project sequence numbers to ingested changes
// and keeps a bounded history of them.
package eventlog

import (
	"context"
	"errors"
	"sync"

	"github.com/zoobzio/clockz"

	"github.com/fruitsalade/changefeed/pkg/protocol"
)

var ErrClosed = errors.New("event log closed")

// Log sequences changes per project. Sequence numbers start at 1 and
// increase by one for every appended change of that project.
type Log interface {
	Append(ctx context.Context, projectID string, change protocol.FileChange) (protocol.SyncEvent, error)
	Since(ctx context.Context, projectID string, afterSeq int64, limit int) ([]protocol.SyncEvent, error)
	Close() error
}

// DefaultRetain is how many events per project the memory log keeps.
const DefaultRetain = 10000

// Memory is an in-process Log. History is lost on restart.
type Memory struct {
	clock  clockz.Clock
	retain int

	mu       sync.Mutex
	lastSeq  map[string]int64
	history  map[string][]protocol.SyncEvent
	isClosed bool
}

// NewMemory creates a memory log keeping at most retain events per project.
func NewMemory(clock clockz.Clock, retain int) *Memory {
	if clock == nil {
		clock = clockz.RealClock
	}
	if retain <= 0 {
		retain = DefaultRetain
	}
	return &Memory{
		clock:   clock,
		retain:  retain,
		lastSeq: make(map[string]int64),
		history: make(map[string][]protocol.SyncEvent),
	}
}

func (m *Memory) Append(_ context.Context, projectID string, change protocol.FileChange) (protocol.SyncEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isClosed {
		return protocol.SyncEvent{}, ErrClosed
	}

	m.lastSeq[projectID]++
	ev := protocol.SyncEvent{
		Seq:       m.lastSeq[projectID],
		Change:    change.Normalize(),
		CreatedAt: m.clock.Now().UTC(),
	}
	h := append(m.history[projectID], ev)
	if len(h) > m.retain {
		h = append([]protocol.SyncEvent(nil), h[len(h)-m.retain:]...)
	}
	m.history[projectID] = h
	return ev, nil
}

func (m *Memory) Since(_ context.Context, projectID string, afterSeq int64, limit int) ([]protocol.SyncEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isClosed {
		return nil, ErrClosed
	}

	var out []protocol.SyncEvent
	for _, ev := range m.history[projectID] {
		if ev.Seq <= afterSeq {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.isClosed = true
	m.mu.Unlock()
	return nil
}
