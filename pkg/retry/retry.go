package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Config holds bounded exponential backoff parameters.
type Config struct {
	MaxAttempts  int           // attempts after the initial try
	InitialDelay time.Duration // delay before the first retry
	MaxDelay     time.Duration // cap on the delay between retries
	Multiplier   float64       // backoff multiplier, typically 2.0
	Jitter       bool          // randomize delays to avoid thundering herd
}

// DefaultConfig returns the backoff used for signaling reconnects.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Do executes fn, retrying with exponential backoff until it succeeds, the
// context is cancelled, or MaxAttempts retries are exhausted.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		default:
		}

		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled during wait: %w", ctx.Err())
		case <-time.After(Delay(cfg, attempt)):
		}
	}

	return fmt.Errorf("max attempts (%d) exceeded: %w", cfg.MaxAttempts, lastErr)
}

// Delay returns the backoff delay for the given zero-based attempt.
func Delay(cfg Config, attempt int) time.Duration {
	d := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt))
	if d > float64(cfg.MaxDelay) {
		d = float64(cfg.MaxDelay)
	}

	duration := time.Duration(d)
	if cfg.Jitter {
		// +/- 25% around the nominal delay
		jitter := duration / 4
		duration = duration - jitter + time.Duration(rand.Int63n(int64(2*jitter)+1))
	}
	return duration
}
