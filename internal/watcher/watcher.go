// Package watcher detects file changes below a project root and reports them
// as create, update and delete records.
//
// Raw fsnotify notifications are debounced per path, then classified against
// a content-hash cache so that touches and rewrites with identical content
// are suppressed.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"

	"github.com/fruitsalade/changefeed/internal/hashcache"
	"github.com/fruitsalade/changefeed/internal/logging"
	"github.com/fruitsalade/changefeed/pkg/protocol"
)

var (
	// ErrWatchInit is returned by Start when the root cannot be watched.
	ErrWatchInit = errors.New("watch init failed")

	ErrAlreadyStarted = errors.New("watcher already started")
)

// BatchFunc receives classified changes. It is never called concurrently.
type BatchFunc func([]protocol.FileChange)

// Options configures a Watcher.
type Options struct {
	// Debounce is the per-path quiet period. Default 500ms.
	Debounce time.Duration

	// HashAlgorithm selects the content digest. Default sha256.
	HashAlgorithm hashcache.Algorithm

	// Ignore holds glob patterns matched against the base name and the
	// relative path of every notification.
	Ignore []string

	// BatchWindow groups changes classified within the window into one
	// callback. Zero delivers every change on its own.
	BatchWindow time.Duration

	// InitialScan records files present at Start without reporting them.
	InitialScan bool

	Clock  clockz.Clock
	Logger *zap.Logger
}

// Watcher watches a directory tree.
type Watcher struct {
	root   string
	opts   Options
	logger *zap.Logger

	detector  *Detector
	debouncer *Debouncer
	batcher   *batcher

	mu       sync.Mutex
	fsw      *fsnotify.Watcher
	onBatch  BatchFunc
	emitMu   sync.Mutex
	stopOnce sync.Once
	done     chan struct{}
	loopDone chan struct{}
}

// New creates a watcher for root. Nothing is watched until Start.
func New(root string, opts Options) (*Watcher, error) {
	if opts.Clock == nil {
		opts.Clock = clockz.RealClock
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	for _, pattern := range opts.Ignore {
		if _, err := path.Match(pattern, ""); err != nil {
			return nil, fmt.Errorf("invalid ignore pattern %q: %w", pattern, err)
		}
	}
	hasher, err := hashcache.NewHasher(opts.HashAlgorithm)
	if err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatchInit, err)
	}

	logger := logging.Named(opts.Logger, "watcher")
	w := &Watcher{
		root:   abs,
		opts:   opts,
		logger: logger,
		done:   make(chan struct{}),
	}
	w.detector = NewDetector(abs, hasher, opts.Clock, logger)
	w.debouncer = NewDebouncer(opts.Clock, opts.Debounce, w.classify)
	if opts.BatchWindow > 0 {
		w.batcher = newBatcher(opts.Clock, opts.BatchWindow, w.emit)
	}
	return w, nil
}

// Cache exposes the hash cache of this watcher instance.
func (w *Watcher) Cache() *hashcache.Cache {
	return w.detector.Cache()
}

// Start begins the recursive watch and returns once every directory below
// the root is registered. onBatch receives changes until Stop or ctx ends.
func (w *Watcher) Start(ctx context.Context, onBatch BatchFunc) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fsw != nil {
		return ErrAlreadyStarted
	}

	info, err := os.Stat(w.root)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWatchInit, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrWatchInit, w.root)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWatchInit, err)
	}
	if err := fsw.Add(w.root); err != nil {
		fsw.Close()
		return fmt.Errorf("%w: %v", ErrWatchInit, err)
	}

	w.fsw = fsw
	w.onBatch = onBatch
	w.loopDone = make(chan struct{})

	files := w.addTree(w.root)
	if w.opts.InitialScan {
		for _, rel := range files {
			if err := w.detector.Prime(rel); err != nil {
				w.logger.Debug("prime failed", logging.Path(rel), zap.Error(err))
			}
		}
	}

	w.logger.Info("watching",
		zap.String("root", w.root),
		zap.Duration("debounce", w.opts.Debounce),
		zap.String("hash", string(w.detector.hasher.Algorithm())),
		zap.Int("primed", w.detector.Cache().Len()),
	)

	go w.loop(ctx)
	return nil
}

// Stop cancels pending timers and closes the watch. The cache is kept.
// It must not be called from the batch callback. Idempotent.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() { close(w.done) })

	w.mu.Lock()
	loopDone := w.loopDone
	w.mu.Unlock()
	if loopDone != nil {
		<-loopDone
	}
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.loopDone)
	defer w.shutdown()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("fsnotify error", zap.Error(err))
		}
	}
}

func (w *Watcher) shutdown() {
	if err := w.fsw.Close(); err != nil {
		w.logger.Debug("close fsnotify", zap.Error(err))
	}
	w.debouncer.Stop()
	if w.batcher != nil {
		w.batcher.stop()
	}
	w.logger.Info("stopped", zap.String("root", w.root))
}

func (w *Watcher) handle(ev fsnotify.Event) {
	rel, ok := w.relative(ev.Name)
	if !ok || w.ignored(rel) {
		return
	}

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			// Files may land in the directory before its watch exists.
			for _, f := range w.addTree(ev.Name) {
				w.debouncer.Trigger(f)
			}
		}
	}

	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		for _, cached := range w.detector.Cache().Under(rel) {
			w.debouncer.Trigger(cached)
		}
	}

	w.debouncer.Trigger(rel)
}

// addTree watches dir and every directory below it, returning the relative
// paths of the files found.
func (w *Watcher) addTree(dir string) []string {
	var files []string
	_ = filepath.WalkDir(dir, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, ok := w.relative(p)
		if ok && w.ignored(rel) {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !entry.IsDir() {
			if ok {
				files = append(files, rel)
			}
			return nil
		}
		if p == w.root {
			return nil
		}
		if err := w.fsw.Add(p); err != nil {
			w.logger.Warn("watch add failed", zap.String("dir", p), zap.Error(err))
		}
		return nil
	})
	return files
}

func (w *Watcher) relative(abs string) (string, bool) {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func (w *Watcher) ignored(rel string) bool {
	base := path.Base(rel)
	for _, pattern := range w.opts.Ignore {
		if ok, _ := path.Match(pattern, base); ok {
			return true
		}
		if ok, _ := path.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func (w *Watcher) classify(rel string) {
	change, ok := w.detector.Classify(rel)
	if !ok {
		return
	}
	if w.batcher != nil {
		w.batcher.add(change)
		return
	}
	w.emit([]protocol.FileChange{change})
}

func (w *Watcher) emit(batch []protocol.FileChange) {
	if w.onBatch == nil || len(batch) == 0 {
		return
	}
	w.emitMu.Lock()
	defer w.emitMu.Unlock()
	w.onBatch(batch)
}

// batcher groups changes classified within one window.
type batcher struct {
	clock  clockz.Clock
	window time.Duration
	flushF func([]protocol.FileChange)

	mu      sync.Mutex
	pending []protocol.FileChange
	timer   clockz.Timer
	cancel  chan struct{}
	wg      sync.WaitGroup
}

func newBatcher(clock clockz.Clock, window time.Duration, flush func([]protocol.FileChange)) *batcher {
	return &batcher{clock: clock, window: window, flushF: flush}
}

func (b *batcher) add(c protocol.FileChange) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, c)
	if b.timer != nil {
		return
	}
	timer := b.clock.NewTimer(b.window)
	cancel := make(chan struct{})
	b.timer, b.cancel = timer, cancel
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		select {
		case <-cancel:
		case <-timer.C():
			b.flush(timer)
		}
	}()
}

func (b *batcher) flush(owner clockz.Timer) {
	b.mu.Lock()
	if b.timer != owner {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = nil
	b.timer, b.cancel = nil, nil
	b.mu.Unlock()
	b.flushF(batch)
}

// stop delivers whatever is pending and cancels the window timer.
func (b *batcher) stop() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		close(b.cancel)
		b.timer, b.cancel = nil, nil
	}
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	b.wg.Wait()
	b.flushF(batch)
}
