package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelaySchedule(t *testing.T) {
	cfg := Config{InitialWait: 2 * time.Second, MaxWait: 60 * time.Second, Multiplier: 2}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second, 60 * time.Second}
	for i, w := range want {
		if got := cfg.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestDelayCapped(t *testing.T) {
	cfg := Config{InitialWait: time.Second, MaxWait: 30 * time.Second, Multiplier: 2}
	if got := cfg.Delay(10); got != 30*time.Second {
		t.Errorf("Delay(10) = %v, want 30s", got)
	}
}

func TestExhausted(t *testing.T) {
	cfg := Config{MaxAttempts: 5}
	if cfg.Exhausted(4) {
		t.Error("4 attempts should not be exhausted")
	}
	if !cfg.Exhausted(5) {
		t.Error("5 attempts should be exhausted")
	}
	if (Config{}).Exhausted(1000) {
		t.Error("MaxAttempts 0 never exhausts")
	}
}

func TestDoRetriesRetryable(t *testing.T) {
	cfg := Config{MaxAttempts: 3, InitialWait: time.Millisecond, Multiplier: 2}
	calls := 0
	err := Do(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return Retryable(errors.New("transient"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	perm := errors.New("permanent")
	calls := 0
	err := Do(context.Background(), Config{MaxAttempts: 5, InitialWait: time.Millisecond}, func() error {
		calls++
		return perm
	})
	if !errors.Is(err, perm) {
		t.Fatalf("err = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, Config{MaxAttempts: 0, InitialWait: time.Hour}, func() error {
		return Retryable(errors.New("again"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
