package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"pattern-trader/internal/apperr"
)

func noSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
}

func TestDelay_MonotonicAndCapped(t *testing.T) {
	p := Reconnect()
	prev := time.Duration(0)
	for i := 1; i <= p.MaxAttempts; i++ {
		d := p.Delay(i)
		if d < prev {
			t.Fatalf("attempt %d: delay %v decreased from %v", i, d, prev)
		}
		if d > p.Cap {
			t.Fatalf("attempt %d: delay %v exceeds cap %v", i, d, p.Cap)
		}
		prev = d
	}
	if p.Delay(1) != time.Second || p.Delay(4) != 8*time.Second {
		t.Errorf("unexpected schedule: %v %v", p.Delay(1), p.Delay(4))
	}
	if p.Delay(10) != 60*time.Second {
		t.Errorf("expected capped 60s, got %v", p.Delay(10))
	}
}

func TestDelay_Jitter(t *testing.T) {
	p := Policy{Base: time.Second, Multiplier: 2, Jitter: 0.5, Rand: func() float64 { return 1 }}
	if d := p.Delay(1); d != 500*time.Millisecond {
		t.Errorf("expected 500ms with full jitter draw, got %v", d)
	}
}

func TestRetry_StopsOnSuccess(t *testing.T) {
	var delays []time.Duration
	p := Policy{MaxAttempts: 5, Base: time.Millisecond, Sleep: noSleep(&delays)}

	calls := 0
	err := p.Retry(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return &apperr.ConnectionError{Op: "dial"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 || len(delays) != 2 {
		t.Errorf("expected 3 calls and 2 waits, got %d/%d", calls, len(delays))
	}
}

func TestRetry_NonTransientNotRetried(t *testing.T) {
	var delays []time.Duration
	p := Policy{MaxAttempts: 5, Base: time.Millisecond, Sleep: noSleep(&delays)}

	calls := 0
	rej := &apperr.OrderRejectedError{Symbol: "X", Reason: "invalid instrument"}
	err := p.Retry(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return rej
	})
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	var got *apperr.OrderRejectedError
	if !errors.As(err, &got) {
		t.Fatalf("expected OrderRejectedError, got %v", err)
	}
}

func TestRetry_Exhausted(t *testing.T) {
	var delays []time.Duration
	p := Policy{MaxAttempts: 4, Base: 10 * time.Millisecond, Multiplier: 2, Sleep: noSleep(&delays)}

	calls := 0
	err := p.Retry(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return &apperr.RateLimitError{}
	})
	if calls != 4 {
		t.Errorf("expected 4 calls, got %d", calls)
	}
	if !apperr.IsTransient(err) {
		t.Errorf("exhausted error should still unwrap to the transient cause: %v", err)
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	for i, d := range want {
		if delays[i] != d {
			t.Errorf("wait %d: expected %v, got %v", i, d, delays[i])
		}
	}
}

func TestRetry_HonoursRetryAfter(t *testing.T) {
	var delays []time.Duration
	p := Policy{MaxAttempts: 2, Base: time.Millisecond, Sleep: noSleep(&delays)}
	p.Retry(context.Background(), func(ctx context.Context, attempt int) error {
		return &apperr.RateLimitError{RetryAfter: time.Second}
	})
	if len(delays) != 1 || delays[0] != time.Second {
		t.Errorf("expected a single 1s wait, got %v", delays)
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := Policy{MaxAttempts: 3, Base: time.Hour}
	err := p.Retry(ctx, func(ctx context.Context, attempt int) error {
		return &apperr.ConnectionError{Op: "dial"}
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
