package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"

	"github.com/fruitsalade/changefeed/internal/logging"
	"github.com/fruitsalade/changefeed/internal/metrics"
	"github.com/fruitsalade/changefeed/pkg/protocol"
	"github.com/fruitsalade/changefeed/pkg/retry"
)

// Progress consumer defaults.
const (
	DefaultStreamAttempts = 5
	DefaultStreamDelay    = time.Second
	DefaultStreamMaxDelay = 30 * time.Second
	DefaultPollInterval   = time.Second
	DefaultTerminalGrace  = 500 * time.Millisecond
)

// Statuses reported to the onStatus callback.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusReconnecting = "reconnecting"
	StatusPolling      = "polling"
)

var (
	ErrConsumerStarted = errors.New("progress consumer already started")
	errTerminal        = errors.New("terminal progress event")
)

// Mode is the transport a ProgressConsumer is using.
type Mode int

const (
	ModeIdle Mode = iota
	ModeStreaming
	ModeBackoff
	ModePolling
	ModeStopped
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeStreaming:
		return "streaming"
	case ModeBackoff:
		return "backoff"
	case ModePolling:
		return "polling"
	case ModeStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Every mode may also move to Stopped. Polling is never left except by
// stopping.
var progressTransitions = map[Mode][]Mode{
	ModeIdle:      {ModeStreaming},
	ModeStreaming: {ModeBackoff, ModePolling},
	ModeBackoff:   {ModeStreaming},
}

// CanSwitch reports whether a ProgressConsumer may move between modes.
func CanSwitch(from, to Mode) bool {
	if to == ModeStopped {
		return from != ModeStopped
	}
	for _, m := range progressTransitions[from] {
		if m == to {
			return true
		}
	}
	return false
}

// ProgressOptions configures a ProgressConsumer.
type ProgressOptions struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	PollInterval  time.Duration
	TerminalGrace time.Duration
	Clock         clockz.Clock
	Logger        *zap.Logger
}

// ProgressConsumer follows the snapshot progress of one project over SSE and
// falls back to polling when the stream keeps failing. It is single use.
type ProgressConsumer struct {
	client       *Client
	clock        clockz.Clock
	logger       *zap.Logger
	backoff      retry.Config
	pollInterval time.Duration
	grace        time.Duration
	done         chan struct{}

	// cbMu is held while a callback runs.
	cbMu sync.Mutex

	mu        sync.Mutex
	mode      Mode
	attempts  int
	terminal  bool
	projectID string
	ctx       context.Context
	cancel    context.CancelFunc
	onEvent   func(protocol.ProgressEvent)
	onError   func(error)
	onStatus  func(string)
}

// NewProgressConsumer creates an idle consumer that talks to the hub via c.
func NewProgressConsumer(c *Client, opts ProgressOptions) *ProgressConsumer {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultStreamAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultStreamDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultStreamMaxDelay
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.TerminalGrace <= 0 {
		opts.TerminalGrace = DefaultTerminalGrace
	}
	if opts.Clock == nil {
		opts.Clock = clockz.RealClock
	}
	return &ProgressConsumer{
		client: c,
		clock:  opts.Clock,
		logger: logging.Named(opts.Logger, "progress-consumer"),
		backoff: retry.Config{
			MaxAttempts: opts.MaxAttempts,
			InitialWait: opts.BaseDelay,
			MaxWait:     opts.MaxDelay,
			Multiplier:  2,
		},
		pollInterval: opts.PollInterval,
		grace:        opts.TerminalGrace,
		done:         make(chan struct{}),
	}
}

// Mode returns the current transport mode.
func (p *ProgressConsumer) Mode() Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// Done is closed once the consumer stops, either through Stop or after a
// terminal event.
func (p *ProgressConsumer) Done() <-chan struct{} { return p.done }

// Start opens the progress stream for projectID. Any callback may be nil.
func (p *ProgressConsumer) Start(projectID string, onEvent func(protocol.ProgressEvent), onError func(error), onStatus func(string)) error {
	if projectID == "" {
		return ErrProjectRequired
	}
	p.mu.Lock()
	if p.mode != ModeIdle {
		p.mu.Unlock()
		return ErrConsumerStarted
	}
	p.projectID = projectID
	p.onEvent, p.onError, p.onStatus = onEvent, onError, onStatus
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.switchLocked(ModeStreaming)
	ctx := p.ctx
	p.mu.Unlock()

	go p.stream(ctx, projectID)
	return nil
}

// Stop tears down the active stream or poll timer. It is idempotent and
// waits for a callback that is already running, so it must not be called
// from a callback. No callback starts after it returns.
func (p *ProgressConsumer) Stop() {
	p.mu.Lock()
	if p.mode != ModeStopped {
		p.switchLocked(ModeStopped)
		if p.cancel != nil {
			p.cancel()
		}
		close(p.done)
	}
	p.mu.Unlock()

	p.cbMu.Lock()
	p.cbMu.Unlock()
}

func progressPath(projectID string) string {
	return "/api/v1/projects/" + url.PathEscape(projectID) + "/progress"
}

func (p *ProgressConsumer) stream(ctx context.Context, projectID string) {
	body, err := p.client.OpenStream(ctx, progressPath(projectID)+"/stream")
	if err != nil {
		p.streamFailed(err)
		return
	}
	defer body.Close()

	p.status(StatusConnected)
	err = ReadSSE(body, func(ev SSEEvent) error {
		var pe protocol.ProgressEvent
		if err := json.Unmarshal(ev.Data, &pe); err != nil {
			p.logger.Warn("undecodable progress frame", logging.Project(projectID), zap.Error(err))
			return nil
		}
		p.deliver(pe)
		if pe.Terminal() {
			return errTerminal
		}
		return nil
	})
	if errors.Is(err, errTerminal) {
		return
	}
	p.streamFailed(err)
}

// streamFailed either schedules a stream reconnect or, once MaxAttempts
// reconnects have been used, switches to polling for good.
func (p *ProgressConsumer) streamFailed(err error) {
	p.mu.Lock()
	if p.mode != ModeStreaming || p.terminal {
		p.mu.Unlock()
		return
	}

	next := StatusPolling
	if !p.backoff.Exhausted(p.attempts) {
		p.attempts++
		delay := p.backoff.Delay(p.attempts)
		p.switchLocked(ModeBackoff)
		metrics.RecordReconnect("progress")
		t := p.clock.NewTimer(delay)
		go p.waitBackoff(t)
		next = StatusReconnecting
		p.logger.Info("progress stream failed, reconnecting",
			logging.Project(p.projectID),
			zap.Int("attempt", p.attempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	} else {
		p.switchLocked(ModePolling)
		p.logger.Warn("progress stream unavailable, polling",
			logging.Project(p.projectID),
			zap.Duration("interval", p.pollInterval),
			zap.Error(err),
		)
	}
	ctx, projectID := p.ctx, p.projectID
	p.mu.Unlock()

	p.fail(err)
	p.status(StatusDisconnected)
	p.status(next)
	if next == StatusPolling {
		go p.poll(ctx, projectID)
	}
}

func (p *ProgressConsumer) waitBackoff(t clockz.Timer) {
	select {
	case <-p.done:
		t.Stop()
		return
	case <-t.C():
	}

	p.mu.Lock()
	if p.mode != ModeBackoff {
		p.mu.Unlock()
		return
	}
	p.switchLocked(ModeStreaming)
	ctx, projectID := p.ctx, p.projectID
	p.mu.Unlock()

	p.stream(ctx, projectID)
}

// poll requests the current status once per interval until stopped or a
// terminal event is seen. A failed poll is reported and polling continues.
func (p *ProgressConsumer) poll(ctx context.Context, projectID string) {
	for {
		ev, err := p.client.Progress(ctx, projectID)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			p.fail(err)
		default:
			p.deliver(ev)
		}

		p.mu.Lock()
		finished := p.mode != ModePolling || p.terminal
		p.mu.Unlock()
		if finished {
			return
		}

		t := p.clock.NewTimer(p.pollInterval)
		select {
		case <-p.done:
			t.Stop()
			return
		case <-t.C():
		}
	}
}

// deliver forwards ev and arms the terminal grace timer. Events after a
// terminal one are dropped.
func (p *ProgressConsumer) deliver(ev protocol.ProgressEvent) {
	p.mu.Lock()
	if !p.liveLocked() || p.terminal {
		p.mu.Unlock()
		return
	}
	p.attempts = 0
	if ev.Terminal() {
		p.terminal = true
		t := p.clock.NewTimer(p.grace)
		go func() {
			select {
			case <-p.done:
				t.Stop()
			case <-t.C():
				p.Stop()
			}
		}()
	}
	fn := p.onEvent
	p.mu.Unlock()

	if fn != nil {
		p.invoke(func() { fn(ev) })
	}
}

func (p *ProgressConsumer) fail(err error) {
	p.mu.Lock()
	fn := p.onError
	p.mu.Unlock()
	if fn != nil {
		p.invoke(func() { fn(err) })
	}
}

func (p *ProgressConsumer) status(s string) {
	p.mu.Lock()
	fn := p.onStatus
	p.mu.Unlock()
	if fn != nil {
		p.invoke(func() { fn(s) })
	}
}

// invoke runs a callback under cbMu if the consumer is still live.
func (p *ProgressConsumer) invoke(call func()) {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	p.mu.Lock()
	live := p.liveLocked()
	p.mu.Unlock()
	if live {
		call()
	}
}

func (p *ProgressConsumer) liveLocked() bool {
	return p.mode != ModeIdle && p.mode != ModeStopped
}

func (p *ProgressConsumer) switchLocked(to Mode) {
	if !CanSwitch(p.mode, to) {
		p.logger.Error("invalid progress consumer transition",
			zap.Stringer("from", p.mode),
			zap.Stringer("to", to),
		)
	}
	p.mode = to
}
