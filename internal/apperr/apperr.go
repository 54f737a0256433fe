// Package apperr defines the error taxonomy shared by the feed, gateway and
// supervisor. Transient categories are retried locally through backoff.Policy;
// only CredentialExpiredError requires operator action.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ConnectionError is a transient transport failure (dial, read, timeout).
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return "connection: " + e.Op
	}
	return fmt.Sprintf("connection: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RateLimitError signals the remote side throttled us. RetryAfter is a hint (0 = unknown).
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
	}
	return "rate limited"
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// DataStaleError is raised when no market data arrived within the staleness threshold.
// It triggers a forced reconnect and is never fatal.
type DataStaleError struct {
	Age       time.Duration
	Threshold time.Duration
}

func (e *DataStaleError) Error() string {
	return fmt.Sprintf("market data stale: last update %s ago (threshold %s)", e.Age.Round(time.Second), e.Threshold)
}

// CredentialExpiredError is fatal to live trading until credentials are refreshed externally.
type CredentialExpiredError struct {
	ExpiredAt time.Time
}

func (e *CredentialExpiredError) Error() string {
	return "credentials expired at " + e.ExpiredAt.UTC().Format(time.RFC3339)
}

// OrderRejectedError is a permanent broker rejection. It is never retried.
type OrderRejectedError struct {
	Symbol string
	Reason string // e.g. "invalid instrument", "insufficient margin"
}

func (e *OrderRejectedError) Error() string {
	return fmt.Sprintf("order rejected for %s: %s", e.Symbol, e.Reason)
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var connErr *ConnectionError
	var rlErr *RateLimitError
	if errors.As(err, &connErr) || errors.As(err, &rlErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// RetryAfter extracts a rate-limit hint from err, or 0.
func RetryAfter(err error) time.Duration {
	var rlErr *RateLimitError
	if errors.As(err, &rlErr) {
		return rlErr.RetryAfter
	}
	return 0
}

// Stage labels the pipeline stage an error surfaced from, for activity events.
func Stage(err error) string {
	var (
		connErr  *ConnectionError
		rlErr    *RateLimitError
		staleErr *DataStaleError
		credErr  *CredentialExpiredError
		rejErr   *OrderRejectedError
	)
	switch {
	case errors.As(err, &rejErr):
		return "order_rejected"
	case errors.As(err, &credErr):
		return "credential_expired"
	case errors.As(err, &rlErr):
		return "rate_limited"
	case errors.As(err, &staleErr):
		return "data_stale"
	case errors.As(err, &connErr):
		return "connection"
	default:
		return "error"
	}
}
