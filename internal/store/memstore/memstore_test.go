package memstore

import (
	"context"
	"errors"
	"testing"

	"pattern-trader/internal/model"
)

func TestGetPut(t *testing.T) {
	s := New()
	ctx := context.Background()
	if _, err := s.Get(ctx, "k"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("missing key: %v", err)
	}
	buf := []byte("v1")
	s.Put(ctx, "k", buf)
	buf[0] = 'x'
	got, _ := s.Get(ctx, "k")
	if string(got) != "v1" {
		t.Errorf("stored value aliased caller buffer: %q", got)
	}
}

func TestEventsCapped(t *testing.T) {
	s := New()
	s.MaxEvents = 2
	ctx := context.Background()
	for _, sym := range []string{"A", "B", "C"} {
		s.AppendEvent(ctx, model.Event{Symbol: sym})
	}
	all := s.Events()
	if len(all) != 2 || all[0].Symbol != "B" {
		t.Fatalf("events = %+v", all)
	}
	recent, _ := s.RecentEvents(ctx, 1)
	if len(recent) != 1 || recent[0].Symbol != "C" {
		t.Errorf("recent = %+v", recent)
	}
}
