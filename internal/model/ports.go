package model

import (
	"context"
	"errors"
	"time"
)

// ── Port Interfaces ──
// These interfaces decouple the decision core from concrete integrations
// (Redis, SQLite, HTTP). Each implementation satisfies one or more of them.

// ErrNotFound is returned by Store.Get when the key does not exist.
var ErrNotFound = errors.New("not found")

// Store is the document/key-value view of the persistent store.
type Store interface {
	// Get returns the raw value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// AppendEvent appends to the append-only activity log.
	AppendEvent(ctx context.Context, ev Event) error
}

// Publisher pushes activity events to external observers. One-directional.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// BarSource loads historical OHLCV rows.
type BarSource interface {
	// LoadBars returns rows for the symbols in [from, to), any order.
	LoadBars(ctx context.Context, symbols []string, interval time.Duration, from, to time.Time) ([]Bar, error)
}
