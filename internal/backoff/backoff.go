// Package backoff provides the single retry policy shared by the feed manager,
// the health-triggered reconnect path, the execution gateway and the broker
// client: bounded attempts, exponential delay with a cap, optional jitter.
package backoff

import (
	"context"
	"fmt"
	"math"
	"time"

	"pattern-trader/internal/apperr"
)

// Policy describes a bounded exponential retry schedule.
type Policy struct {
	MaxAttempts int           // total attempts including the first; <=0 means 1
	Base        time.Duration // delay after the first failure
	Cap         time.Duration // upper bound on any single delay; 0 = no cap
	Multiplier  float64       // growth factor; <=1 defaults to 2
	Jitter      float64       // 0..1, fraction of the delay randomly removed

	// Rand returns a value in [0,1). Only consulted when Jitter > 0.
	Rand func() float64

	// Sleep waits for d or until ctx is done. Defaults to a timer; tests inject a fake.
	Sleep func(ctx context.Context, d time.Duration) error

	// Retryable decides whether err warrants another attempt. Defaults to apperr.IsTransient.
	Retryable func(err error) bool

	// OnRetry is called before each wait (optional).
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Reconnect is the feed reconnect schedule: 10 attempts, 1s doubling, capped at 60s.
func Reconnect() Policy {
	return Policy{MaxAttempts: 10, Base: time.Second, Cap: 60 * time.Second, Multiplier: 2}
}

// Bootstrap is the historical seed-load schedule: 3 attempts.
func Bootstrap() Policy {
	return Policy{MaxAttempts: 3, Base: time.Second, Cap: 10 * time.Second, Multiplier: 2}
}

// Order is the short order-submission schedule for transient broker failures.
func Order() Policy {
	return Policy{MaxAttempts: 3, Base: 200 * time.Millisecond, Cap: 2 * time.Second, Multiplier: 2}
}

// Attempts returns the effective attempt budget.
func (p Policy) Attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns the wait after the given failed attempt (1-based).
// Without jitter the sequence is monotonically non-decreasing and bounded by Cap.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult <= 1 {
		mult = 2
	}
	d := float64(p.Base) * math.Pow(mult, float64(attempt-1))
	if p.Cap > 0 && d > float64(p.Cap) {
		d = float64(p.Cap)
	}
	if p.Jitter > 0 && p.Rand != nil {
		j := math.Min(p.Jitter, 1)
		d -= d * j * p.Rand()
	}
	return time.Duration(d)
}

// Retry runs fn until it succeeds, returns a non-retryable error, the attempt
// budget is exhausted, or ctx is done. fn receives the 1-based attempt number.
func (p Policy) Retry(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = apperr.IsTransient
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var err error
	n := p.Attempts()
	for attempt := 1; attempt <= n; attempt++ {
		if err = fn(ctx, attempt); err == nil {
			return nil
		}
		if !retryable(err) || attempt == n {
			break
		}
		delay := p.Delay(attempt)
		if hint := apperr.RetryAfter(err); hint > delay {
			delay = hint
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return serr
		}
	}
	if retryable(err) {
		return fmt.Errorf("backoff: %d attempts exhausted: %w", n, err)
	}
	return err
}

// Sleep blocks for d or until ctx is cancelled.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
