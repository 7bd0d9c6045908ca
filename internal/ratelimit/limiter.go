// Package ratelimit implements per-key token buckets.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
)

// Limiter allows up to PerMinute requests per key per minute, with bursts
// of the same size.
type Limiter struct {
	clock     clockz.Clock
	perMinute int

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// New creates a limiter. perMinute <= 0 allows everything. A nil clock uses
// the real clock.
func New(perMinute int, clock clockz.Clock) *Limiter {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &Limiter{
		clock:     clock,
		perMinute: perMinute,
		buckets:   make(map[string]*bucket),
	}
}

// Allow takes a token for key. When none is left it returns false and how
// long until the next token.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	if l.perMinute <= 0 {
		return true, 0
	}
	capacity := float64(l.perMinute)
	rate := capacity / 60 // tokens per second
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: capacity, lastRefill: now}
		l.buckets[key] = b
	}
	b.tokens = math.Min(capacity, b.tokens+now.Sub(b.lastRefill).Seconds()*rate)
	b.lastRefill = now

	if b.tokens < 1 {
		wait := time.Duration((1 - b.tokens) / rate * float64(time.Second))
		return false, wait
	}
	b.tokens--
	return true, 0
}

// Cleanup forgets keys not seen within maxAge and returns how many it removed.
func (l *Limiter) Cleanup(maxAge time.Duration) int {
	cutoff := l.clock.Now().Add(-maxAge)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key, b := range l.buckets {
		if b.lastRefill.Before(cutoff) {
			delete(l.buckets, key)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
