// Package memstore is an in-process model.Store used in paper mode without
// Redis, by the backtest API, and in tests.
package memstore

import (
	"context"
	"sync"

	"pattern-trader/internal/model"
)

// Store keeps documents and the activity log in memory. The log is capped at
// MaxEvents entries, oldest dropped first.
type Store struct {
	mu        sync.RWMutex
	docs      map[string][]byte
	events    []model.Event
	MaxEvents int
}

// New creates an empty store.
func New() *Store {
	return &Store{docs: make(map[string][]byte), MaxEvents: 10000}
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.docs[key]
	if !ok {
		return nil, model.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *Store) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	s.docs[key] = append([]byte(nil), value...)
	s.mu.Unlock()
	return nil
}

func (s *Store) AppendEvent(_ context.Context, ev model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	if s.MaxEvents > 0 && len(s.events) > s.MaxEvents {
		s.events = s.events[len(s.events)-s.MaxEvents:]
	}
	return nil
}

// RecentEvents returns up to n events, newest first.
func (s *Store) RecentEvents(_ context.Context, n int) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n > len(s.events) || n <= 0 {
		n = len(s.events)
	}
	out := make([]model.Event, 0, n)
	for i := len(s.events) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.events[i])
	}
	return out, nil
}

// Events returns a copy of the full log in append order.
func (s *Store) Events() []model.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Event(nil), s.events...)
}
