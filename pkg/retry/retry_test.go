package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTest = errors.New("test error")

func testConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       false,
	}
}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), testConfig(), func() error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("expected no error, got: %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got: %d", attempts)
	}
}

func TestDo_SuccessAfterRetries(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), testConfig(), func() error {
		attempts++
		if attempts < 3 {
			return errTest
		}
		return nil
	})

	if err != nil {
		t.Errorf("expected no error, got: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got: %d", attempts)
	}
}

func TestDo_MaxAttemptsExceeded(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), testConfig(), func() error {
		attempts++
		return errTest
	})

	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if !errors.Is(err, errTest) {
		t.Errorf("expected wrapped errTest, got: %v", err)
	}
	if attempts != 4 { // initial try + 3 retries
		t.Errorf("expected 4 attempts, got: %d", attempts)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, testConfig(), func() error { return errTest })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got: %v", err)
	}
}

func TestDelay_MonotonicUpToCap(t *testing.T) {
	cfg := testConfig()

	prev := time.Duration(0)
	for attempt := 0; attempt < 8; attempt++ {
		d := Delay(cfg, attempt)
		if d < prev {
			t.Errorf("delay decreased at attempt %d: %v < %v", attempt, d, prev)
		}
		if d > cfg.MaxDelay {
			t.Errorf("delay exceeds cap at attempt %d: %v", attempt, d)
		}
		prev = d
	}
}
