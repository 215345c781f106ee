package authority

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetry_FirstAttemptSucceeds(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 1 {
		t.Errorf("called %d times, want 1", calls)
	}
}

func TestRetry_RecoversFromTransientFailure(t *testing.T) {
	transient := errors.New("connection reset")
	calls := 0
	err := Retry(context.Background(), 3, func() error {
		calls++
		if calls == 1 {
			return transient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 2 {
		t.Errorf("called %d times, want 2", calls)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	persistent := errors.New("authority down")
	calls := 0
	err := Retry(context.Background(), 3, func() error {
		calls++
		return persistent
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if calls != 3 {
		t.Errorf("called %d times, want 3", calls)
	}
	if !errors.Is(err, persistent) {
		t.Errorf("last failure not in chain: %v", err)
	}
}

func TestRetry_CancelledContextSkipsCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Retry(ctx, 3, func() error {
		calls++
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled in chain, got: %v", err)
	}
	if calls != 0 {
		t.Errorf("called %d times on a dead context, want 0", calls)
	}
}

func TestRetry_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	failing := errors.New("still failing")
	calls := 0
	err := Retry(ctx, 10, func() error {
		calls++
		return failing
	})
	if err == nil {
		t.Fatal("expected error when the context expires mid-backoff")
	}
	// The first backoff already exceeds the timeout, so only the attempts
	// before it ran.
	if calls < 1 || calls >= 10 {
		t.Errorf("calls = %d, want the timeout to cut the attempts short", calls)
	}
}

func TestBackoffDelay_Bounds(t *testing.T) {
	// Jitter randomizes within [delay/2, delay); check the envelope per
	// attempt and the cap for late attempts.
	tests := []struct {
		attempt  int
		min, max time.Duration
	}{
		{0, 250 * time.Millisecond, 500 * time.Millisecond},
		{1, 500 * time.Millisecond, time.Second},
		{2, time.Second, 2 * time.Second},
		{10, 2500 * time.Millisecond, 5 * time.Second},
	}
	for _, tt := range tests {
		for range 20 {
			d := backoffDelay(tt.attempt)
			if d < tt.min || d >= tt.max {
				t.Fatalf("backoffDelay(%d) = %v, want [%v, %v)", tt.attempt, d, tt.min, tt.max)
			}
		}
	}
}
