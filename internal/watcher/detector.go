package watcher

import (
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"

	"github.com/fruitsalade/changefeed/internal/hashcache"
	"github.com/fruitsalade/changefeed/internal/logging"
	"github.com/fruitsalade/changefeed/internal/metrics"
	"github.com/fruitsalade/changefeed/pkg/protocol"
)

const lockStripes = 64

// Detector classifies a settled path into a create, update or delete record,
// or suppresses it. It owns the hash cache.
type Detector struct {
	root   string
	cache  *hashcache.Cache
	hasher *hashcache.Hasher
	clock  clockz.Clock
	logger *zap.Logger

	locks [lockStripes]sync.Mutex
}

// NewDetector creates a detector for files below root.
func NewDetector(root string, hasher *hashcache.Hasher, clock clockz.Clock, logger *zap.Logger) *Detector {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &Detector{
		root:   root,
		cache:  hashcache.New(),
		hasher: hasher,
		clock:  clock,
		logger: logging.Named(logger, "detector"),
	}
}

// Cache exposes the detector's hash cache.
func (d *Detector) Cache() *hashcache.Cache {
	return d.cache
}

func (d *Detector) lockFor(rel string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(rel))
	return &d.locks[h.Sum32()%lockStripes]
}

// Classify inspects rel (relative, slash-separated) and returns the change it
// represents. ok is false when nothing observable changed. Errors never
// escape: a path that cannot be read is treated as gone.
func (d *Detector) Classify(rel string) (change protocol.FileChange, ok bool) {
	mu := d.lockFor(rel)
	mu.Lock()
	defer mu.Unlock()

	abs := filepath.Join(d.root, filepath.FromSlash(rel))
	info, err := os.Stat(abs)
	if err != nil {
		if !os.IsNotExist(err) {
			d.logger.Warn("stat failed, treating as removed", logging.Path(rel), zap.Error(err))
		}
		return d.gone(rel)
	}

	if info.IsDir() {
		metrics.RecordClassification("suppressed")
		return protocol.FileChange{}, false
	}

	mtime := info.ModTime().UnixMilli()
	entry, cached := d.cache.Get(rel)
	if cached && entry.Mtime == mtime {
		metrics.RecordClassification("suppressed")
		return protocol.FileChange{}, false
	}

	sum, err := d.hasher.File(abs)
	if err != nil {
		d.logger.Warn("hash failed, treating as removed", logging.Path(rel), zap.Error(err))
		return d.gone(rel)
	}

	if cached && entry.Hash == sum {
		d.cache.Touch(rel, mtime)
		metrics.RecordClassification("unchanged")
		return protocol.FileChange{}, false
	}

	d.cache.Put(rel, hashcache.Entry{Hash: sum, Mtime: mtime})
	op := protocol.OpCreate
	if cached {
		op = protocol.OpUpdate
	}
	metrics.RecordClassification(string(op))
	d.logger.Debug("change detected", logging.Path(rel), zap.String("op", string(op)))

	return protocol.FileChange{
		Path:  rel,
		Op:    op,
		Hash:  sum,
		Mtime: mtime,
		Size:  info.Size(),
	}, true
}

func (d *Detector) gone(rel string) (protocol.FileChange, bool) {
	if !d.cache.Delete(rel) {
		metrics.RecordClassification("suppressed")
		return protocol.FileChange{}, false
	}
	metrics.RecordClassification(string(protocol.OpDelete))
	d.logger.Debug("change detected", logging.Path(rel), zap.String("op", "delete"))
	return protocol.FileChange{
		Path:  rel,
		Op:    protocol.OpDelete,
		Mtime: d.clock.Now().UnixMilli(),
	}, true
}

// Prime records the current state of rel without reporting it.
func (d *Detector) Prime(rel string) error {
	mu := d.lockFor(rel)
	mu.Lock()
	defer mu.Unlock()

	abs := filepath.Join(d.root, filepath.FromSlash(rel))
	info, err := os.Stat(abs)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return nil
	}
	sum, err := d.hasher.File(abs)
	if err != nil {
		return err
	}
	d.cache.Put(rel, hashcache.Entry{Hash: sum, Mtime: info.ModTime().UnixMilli()})
	return nil
}
