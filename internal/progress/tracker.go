// Package progress tracks snapshot-generation progress per project and fans
// updates out to stream subscribers.
package progress

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/fruitsalade/changefeed/pkg/protocol"
)

const subscriberBuffer = 16

type entry struct {
	started  time.Time
	last     protocol.ProgressEvent
	finished bool
}

// Tracker holds the latest progress event of every tracked project.
type Tracker struct {
	clock clockz.Clock

	mu          sync.RWMutex
	entries     map[string]*entry
	subscribers map[string]map[chan protocol.ProgressEvent]struct{}
}

// NewTracker creates a tracker. A nil clock uses the real clock.
func NewTracker(clock clockz.Clock) *Tracker {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &Tracker{
		clock:       clock,
		entries:     make(map[string]*entry),
		subscribers: make(map[string]map[chan protocol.ProgressEvent]struct{}),
	}
}

// Start begins (or restarts) tracking at the waiting step.
func (t *Tracker) Start(projectID string) {
	now := t.clock.Now()
	ev := protocol.ProgressEvent{
		ProjectID:  projectID,
		Step:       protocol.StepWaiting,
		StepNumber: 1,
		TotalSteps: protocol.TotalSteps,
		Progress:   protocol.StepPercent(1),
		Message:    "Waiting for snapshot generation",
		Timestamp:  now,
	}
	t.mu.Lock()
	t.entries[projectID] = &entry{started: now, last: ev}
	t.mu.Unlock()
	t.publish(projectID, ev)
}

// Update records an intermediate step. Untracked projects are ignored.
func (t *Tracker) Update(projectID, step string, stepNumber, fileCount int, totalSize int64, message string) {
	ev := protocol.ProgressEvent{
		ProjectID:  projectID,
		Step:       step,
		StepNumber: stepNumber,
		TotalSteps: protocol.TotalSteps,
		Progress:   protocol.StepPercent(stepNumber),
		FileCount:  fileCount,
		TotalSize:  totalSize,
		Message:    message,
		Timestamp:  t.clock.Now(),
	}
	if !t.record(projectID, ev, false) {
		return
	}
	t.publish(projectID, ev)
}

// Complete marks the run finished with the URL of the produced snapshot.
func (t *Tracker) Complete(projectID, snapshotURL string) {
	t.mu.RLock()
	var fileCount int
	var totalSize int64
	if e, ok := t.entries[projectID]; ok {
		fileCount, totalSize = e.last.FileCount, e.last.TotalSize
	}
	t.mu.RUnlock()

	ev := protocol.ProgressEvent{
		ProjectID:   projectID,
		Step:        protocol.StepCompleted,
		StepNumber:  protocol.TotalSteps,
		TotalSteps:  protocol.TotalSteps,
		Progress:    100,
		FileCount:   fileCount,
		TotalSize:   totalSize,
		SnapshotURL: snapshotURL,
		Message:     "Snapshot generation completed successfully",
		Timestamp:   t.clock.Now(),
	}
	if !t.record(projectID, ev, true) {
		return
	}
	t.publish(projectID, ev)
}

// Fail marks the run failed.
func (t *Tracker) Fail(projectID, errMsg string) {
	ev := protocol.ProgressEvent{
		ProjectID:  projectID,
		Step:       protocol.StepFailed,
		TotalSteps: protocol.TotalSteps,
		Error:      errMsg,
		Message:    "Snapshot generation failed: " + errMsg,
		Timestamp:  t.clock.Now(),
	}
	if !t.record(projectID, ev, true) {
		return
	}
	t.publish(projectID, ev)
}

// ErrUnknownStep is returned by Report for a step it cannot place.
var ErrUnknownStep = errors.New("unknown step")

var stepNumbers = map[string]int{
	protocol.StepWaiting:     1,
	protocol.StepBrowsing:    2,
	protocol.StepCompressing: 3,
	protocol.StepUploading:   4,
	protocol.StepCompleted:   6,
}

// Report applies a report from the snapshot engine, starting tracking when
// the project is not tracked yet. snapshotURL is used for completed reports.
func (t *Tracker) Report(projectID string, r protocol.ProgressReport, snapshotURL string) error {
	if !t.Tracking(projectID) || r.Step == protocol.StepWaiting {
		t.Start(projectID)
	}

	switch r.Step {
	case protocol.StepWaiting:
		return nil
	case protocol.StepCompleted:
		t.Complete(projectID, snapshotURL)
		return nil
	case protocol.StepFailed:
		msg := r.Error
		if msg == "" {
			msg = r.Message
		}
		t.Fail(projectID, msg)
		return nil
	}

	n := r.StepNumber
	if n == 0 {
		n = stepNumbers[r.Step]
	}
	if r.Step == "" || n < 1 || n > protocol.TotalSteps {
		return fmt.Errorf("%w: %q (step number %d)", ErrUnknownStep, r.Step, r.StepNumber)
	}
	t.Update(projectID, r.Step, n, r.FileCount, r.TotalSize, r.Message)
	return nil
}

func (t *Tracker) record(projectID string, ev protocol.ProgressEvent, finished bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[projectID]
	if !ok {
		return false
	}
	e.last = ev
	e.finished = finished
	return true
}

// Tracking reports whether projectID has an active or finished run.
func (t *Tracker) Tracking(projectID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.entries[projectID]
	return ok
}

// Get returns the latest event, or an idle event for untracked projects.
func (t *Tracker) Get(projectID string) protocol.ProgressEvent {
	t.mu.RLock()
	e, ok := t.entries[projectID]
	var ev protocol.ProgressEvent
	if ok {
		ev = e.last
	}
	t.mu.RUnlock()

	if !ok {
		return protocol.ProgressEvent{
			ProjectID:  projectID,
			Step:       protocol.StepIdle,
			TotalSteps: protocol.TotalSteps,
			Message:    "No snapshot generation in progress",
			Timestamp:  t.clock.Now(),
		}
	}
	return ev
}

// Subscribe returns a channel of future events for projectID and a function
// that releases it. Slow subscribers miss events rather than block updates.
func (t *Tracker) Subscribe(projectID string) (<-chan protocol.ProgressEvent, func()) {
	ch := make(chan protocol.ProgressEvent, subscriberBuffer)
	t.mu.Lock()
	subs, ok := t.subscribers[projectID]
	if !ok {
		subs = make(map[chan protocol.ProgressEvent]struct{})
		t.subscribers[projectID] = subs
	}
	subs[ch] = struct{}{}
	t.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() { t.unsubscribe(projectID, ch) })
	}
}

func (t *Tracker) unsubscribe(projectID string, ch chan protocol.ProgressEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	subs, ok := t.subscribers[projectID]
	if !ok {
		return
	}
	if _, ok := subs[ch]; !ok {
		return
	}
	delete(subs, ch)
	close(ch)
	if len(subs) == 0 {
		delete(t.subscribers, projectID)
	}
}

// Subscribers returns the number of open subscriptions for projectID.
func (t *Tracker) Subscribers(projectID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subscribers[projectID])
}

func (t *Tracker) publish(projectID string, ev protocol.ProgressEvent) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for ch := range t.subscribers[projectID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Cleanup forgets a project and closes its subscriber channels.
func (t *Tracker) Cleanup(projectID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, projectID)
	for ch := range t.subscribers[projectID] {
		close(ch)
	}
	delete(t.subscribers, projectID)
}

// Expire drops finished runs whose last event is older than retention and
// returns how many were removed.
func (t *Tracker) Expire(retention time.Duration) int {
	cutoff := t.clock.Now().Add(-retention)
	var expired []string
	t.mu.RLock()
	for id, e := range t.entries {
		if e.finished && e.last.Timestamp.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	t.mu.RUnlock()

	for _, id := range expired {
		t.Cleanup(id)
	}
	return len(expired)
}
