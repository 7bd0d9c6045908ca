package hashcache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/fruitsalade/changefeed/internal/metrics"
)

// Algorithm names a content digest.
type Algorithm string

const (
	SHA256  Algorithm = "sha256"
	BLAKE2b Algorithm = "blake2b"
)

// Hasher computes full-content digests by streaming files.
type Hasher struct {
	alg Algorithm
}

// NewHasher returns a hasher for alg. An empty alg selects SHA-256.
func NewHasher(alg Algorithm) (*Hasher, error) {
	switch alg {
	case "":
		alg = SHA256
	case SHA256, BLAKE2b:
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", alg)
	}
	return &Hasher{alg: alg}, nil
}

// Algorithm returns the configured digest.
func (h *Hasher) Algorithm() Algorithm {
	return h.alg
}

func (h *Hasher) new() hash.Hash {
	if h.alg == BLAKE2b {
		d, _ := blake2b.New256(nil) // only fails for keys longer than 64 bytes
		return d
	}
	return sha256.New()
}

// Sum streams r through the digest and returns it hex encoded.
func (h *Hasher) Sum(r io.Reader) (string, error) {
	d := h.new()
	if _, err := io.Copy(d, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(d.Sum(nil)), nil
}

// File hashes the file at path without loading it into memory.
func (h *Hasher) File(path string) (string, error) {
	start := time.Now()
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	sum, err := h.Sum(f)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	metrics.ObserveHash(time.Since(start))
	return sum, nil
}
