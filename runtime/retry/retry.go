// Package retry provides bounded exponential backoff for transport
// operations such as broker publishes.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Config configures retry behavior.
type Config struct {
	// MaxAttempts is the maximum number of attempts including the initial
	// one. Zero or one means no retries.
	MaxAttempts int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
	// BackoffMultiplier is the growth factor per retry; 2.0 is exponential.
	BackoffMultiplier float64
	// Jitter adds randomness to each backoff; 0.1 adds up to ±10%.
	Jitter float64
}

// DefaultConfig returns the retry policy used for broker publishes.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       4,
		InitialBackoff:    50 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}

// ExhaustedError is returned when all attempts failed.
type ExhaustedError struct {
	// Attempts is the number of attempts made.
	Attempts int
	// TotalDuration is the time spent across all attempts.
	TotalDuration time.Duration
	// LastError is the error from the final attempt.
	LastError error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts over %v: %v", e.Attempts, e.TotalDuration, e.LastError)
}

// Unwrap returns the underlying error.
func (e *ExhaustedError) Unwrap() error { return e.LastError }

// Do executes fn with retries until it succeeds, the context is canceled, or
// the attempts are exhausted.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt >= cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff(cfg, attempt)):
		}
	}
	return &ExhaustedError{
		Attempts:      cfg.MaxAttempts,
		TotalDuration: time.Since(start),
		LastError:     lastErr,
	}
}

func backoff(cfg Config, attempt int) time.Duration {
	d := float64(cfg.InitialBackoff) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1))
	if max := float64(cfg.MaxBackoff); cfg.MaxBackoff > 0 && d > max {
		d = max
	}
	if cfg.Jitter > 0 {
		d += d * cfg.Jitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	}
	return time.Duration(d)
}
