// Package retry wraps calls to external services with bounded exponential
// backoff. Stage handlers use it around generation APIs; the orchestrator
// itself never retries whole stages.
package retry

import (
	"context"
	"regexp"
	"strings"
	"time"
)

// Config controls the backoff schedule.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// ShouldRetry decides whether an error is worth another attempt. Nil
	// retries every error.
	ShouldRetry func(err error, attempt int) bool
}

// DefaultConfig mirrors the bounded schedule external generation calls use.
var DefaultConfig = Config{
	MaxAttempts:  3,
	InitialDelay: time.Second,
	MaxDelay:     30 * time.Second,
	Multiplier:   2,
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultConfig.MaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = DefaultConfig.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultConfig.MaxDelay
	}
	if c.Multiplier <= 1 {
		c.Multiplier = DefaultConfig.Multiplier
	}
	return c
}

// Delay returns the backoff before the given 1-based attempt's retry,
// capped at MaxDelay.
func (c Config) Delay(attempt int) time.Duration {
	c = c.withDefaults()
	d := time.Duration(float64(c.InitialDelay) * pow(c.Multiplier, attempt-1))
	if d > c.MaxDelay {
		return c.MaxDelay
	}
	return d
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}

// Do runs fn until it succeeds, the attempt budget is spent, the predicate
// rejects the error, or ctx is cancelled. It returns the last error.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	cfg = cfg.withDefaults()
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if cfg.ShouldRetry != nil && !cfg.ShouldRetry(lastErr, attempt) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			return lastErr
		}
		select {
		case <-time.After(cfg.Delay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// Transient runs fn retrying only errors that look transient: network
// failures, timeouts, rate limits, and 5xx responses.
func Transient(ctx context.Context, cfg Config, fn func() error) error {
	cfg.ShouldRetry = func(err error, _ int) bool { return IsTransient(err) }
	return Do(ctx, cfg, fn)
}

var serverErrRe = regexp.MustCompile(`\b5\d\d\b`)

// IsTransient classifies an error message as retryable.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "network"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "429"),
		strings.Contains(msg, "rate limit"):
		return true
	}
	return serverErrRe.MatchString(msg)
}
