package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/changefeed/internal/hashcache"
	"github.com/fruitsalade/changefeed/pkg/protocol"
)

func newTestDetector(t *testing.T) (*Detector, string) {
	t.Helper()
	root := t.TempDir()
	h, err := hashcache.NewHasher(hashcache.SHA256)
	if err != nil {
		t.Fatal(err)
	}
	return NewDetector(root, h, nil, zap.NewNop()), root
}

func writeAt(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func TestClassifyLifecycle(t *testing.T) {
	d, root := newTestDetector(t)
	file := filepath.Join(root, "a.txt")
	base := time.Now().Add(-time.Hour).Truncate(time.Second)

	writeAt(t, file, "hello", base)
	c, ok := d.Classify("a.txt")
	if !ok || c.Op != protocol.OpCreate {
		t.Fatalf("first classify = %+v, %v; want create", c, ok)
	}
	if c.Hash != "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" || c.Size != 5 {
		t.Errorf("create record = %+v", c)
	}
	if c.Mtime != base.UnixMilli() {
		t.Errorf("mtime = %d, want %d", c.Mtime, base.UnixMilli())
	}

	if _, ok := d.Classify("a.txt"); ok {
		t.Fatal("unchanged mtime must be suppressed")
	}

	// Touch: new mtime, same bytes.
	touched := base.Add(time.Minute)
	if err := os.Chtimes(file, touched, touched); err != nil {
		t.Fatal(err)
	}
	if _, ok := d.Classify("a.txt"); ok {
		t.Fatal("touch must be suppressed")
	}
	if e, _ := d.Cache().Get("a.txt"); e.Mtime != touched.UnixMilli() {
		t.Errorf("cached mtime = %d, want %d", e.Mtime, touched.UnixMilli())
	}

	writeAt(t, file, "hello world", base.Add(2*time.Minute))
	c, ok = d.Classify("a.txt")
	if !ok || c.Op != protocol.OpUpdate {
		t.Fatalf("classify after edit = %+v, %v; want update", c, ok)
	}

	if err := os.Remove(file); err != nil {
		t.Fatal(err)
	}
	c, ok = d.Classify("a.txt")
	if !ok || c.Op != protocol.OpDelete {
		t.Fatalf("classify after remove = %+v, %v; want delete", c, ok)
	}
	if c.Hash != "" || c.Size != 0 {
		t.Errorf("delete carries hash/size: %+v", c)
	}
	if _, ok := d.Classify("a.txt"); ok {
		t.Fatal("second delete must be suppressed")
	}
	if d.Cache().Len() != 0 {
		t.Errorf("cache len = %d after delete", d.Cache().Len())
	}
}

func TestClassifyMissingUncachedIsSuppressed(t *testing.T) {
	d, _ := newTestDetector(t)
	if c, ok := d.Classify("never/existed.txt"); ok {
		t.Fatalf("got %+v for unknown path", c)
	}
}

func TestClassifyDirectoryIsSuppressed(t *testing.T) {
	d, root := newTestDetector(t)
	if err := os.Mkdir(filepath.Join(root, "docs"), 0o755); err != nil {
		t.Fatal(err)
	}
	if _, ok := d.Classify("docs"); ok {
		t.Fatal("directories must be suppressed")
	}
}

func TestClassifyNestedPathUsesSlashes(t *testing.T) {
	d, root := newTestDetector(t)
	writeAt(t, filepath.Join(root, "docs", "sub", "b.md"), "x", time.Now())
	c, ok := d.Classify("docs/sub/b.md")
	if !ok || c.Path != "docs/sub/b.md" {
		t.Fatalf("got %+v, %v", c, ok)
	}
}

func TestPrimeSuppressesExistingFiles(t *testing.T) {
	d, root := newTestDetector(t)
	writeAt(t, filepath.Join(root, "a.txt"), "hello", time.Now().Add(-time.Minute))

	if err := d.Prime("a.txt"); err != nil {
		t.Fatalf("Prime: %v", err)
	}
	if _, ok := d.Classify("a.txt"); ok {
		t.Fatal("primed file must not be reported")
	}
	if err := d.Prime("missing.txt"); err == nil {
		t.Error("Prime of missing file should fail")
	}
}
