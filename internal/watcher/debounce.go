package watcher

import (
	"sync"
	"time"

	"github.com/zoobzio/clockz"
)

// DefaultDebounce is the quiet period a path needs before it is classified.
const DefaultDebounce = 500 * time.Millisecond

type pendingTimer struct {
	timer  clockz.Timer
	cancel chan struct{}
}

// Debouncer coalesces bursts of triggers per key. Each key has at most one
// pending timer; a new trigger cancels and replaces it. fire runs on its own
// goroutine once the key has been quiet for the full delay.
type Debouncer struct {
	clock clockz.Clock
	delay time.Duration
	fire  func(key string)

	mu      sync.Mutex
	pending map[string]*pendingTimer
	closed  bool
	wg      sync.WaitGroup
}

// NewDebouncer creates a debouncer. A nil clock uses the real clock.
func NewDebouncer(clock clockz.Clock, delay time.Duration, fire func(key string)) *Debouncer {
	if clock == nil {
		clock = clockz.RealClock
	}
	if delay <= 0 {
		delay = DefaultDebounce
	}
	return &Debouncer{
		clock:   clock,
		delay:   delay,
		fire:    fire,
		pending: make(map[string]*pendingTimer),
	}
}

// Trigger (re)starts the timer for key.
func (d *Debouncer) Trigger(key string) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	if p, ok := d.pending[key]; ok {
		p.timer.Stop()
		close(p.cancel)
	}
	p := &pendingTimer{
		timer:  d.clock.NewTimer(d.delay),
		cancel: make(chan struct{}),
	}
	d.pending[key] = p
	d.wg.Add(1)
	d.mu.Unlock()

	go d.wait(key, p)
}

func (d *Debouncer) wait(key string, p *pendingTimer) {
	defer d.wg.Done()

	select {
	case <-p.cancel:
		return
	case <-p.timer.C():
	}

	d.mu.Lock()
	// Replaced between firing and taking the lock.
	if d.pending[key] != p {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	d.mu.Unlock()

	d.fire(key)
}

// Pending returns the number of keys waiting to fire.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stop cancels every pending timer and waits for fire callbacks already
// running. It must not be called from inside fire. Idempotent.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		for key, p := range d.pending {
			p.timer.Stop()
			close(p.cancel)
			delete(d.pending, key)
		}
	}
	d.mu.Unlock()
	d.wg.Wait()
}
