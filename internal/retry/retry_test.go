package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
}

func TestDoSucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		calls++
		if calls < 3 {
			return errors.New("boom")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	wantErr := errors.New("always fails")
	err := Do(context.Background(), fastConfig(3), func() error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected last error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoStopsOnPredicate(t *testing.T) {
	cfg := fastConfig(5)
	cfg.ShouldRetry = func(err error, _ int) bool { return false }
	calls := 0
	err := Do(context.Background(), cfg, func() error {
		calls++
		return errors.New("fatal")
	})
	if err == nil || calls != 1 {
		t.Fatalf("expected single non-retried failure, got calls=%d err=%v", calls, err)
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := Config{MaxAttempts: 3, InitialDelay: time.Minute}
	err := Do(ctx, cfg, func() error { return errors.New("boom") })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDelayBackoffAndCap(t *testing.T) {
	cfg := Config{InitialDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2, MaxAttempts: 10}
	if d := cfg.Delay(1); d != time.Second {
		t.Errorf("attempt 1: got %v", d)
	}
	if d := cfg.Delay(2); d != 2*time.Second {
		t.Errorf("attempt 2: got %v", d)
	}
	if d := cfg.Delay(3); d != 4*time.Second {
		t.Errorf("attempt 3: got %v", d)
	}
	if d := cfg.Delay(10); d != 30*time.Second {
		t.Errorf("attempt 10 should cap at MaxDelay, got %v", d)
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"network unreachable", true},
		{"request timeout", true},
		{"connection refused", true},
		{"api error: 429", true},
		{"rate limit exceeded", true},
		{"upstream returned 503", true},
		{"invalid request body", false},
		{"api error: 404", false},
	}
	for _, c := range cases {
		if got := IsTransient(errors.New(c.msg)); got != c.want {
			t.Errorf("IsTransient(%q) = %v, want %v", c.msg, got, c.want)
		}
	}
	if IsTransient(nil) {
		t.Error("nil error is not transient")
	}
}

func TestTransientSkipsPermanentErrors(t *testing.T) {
	calls := 0
	err := Transient(context.Background(), fastConfig(4), func() error {
		calls++
		return errors.New("bad credentials")
	})
	if err == nil || calls != 1 {
		t.Fatalf("permanent error should not retry: calls=%d err=%v", calls, err)
	}
}
