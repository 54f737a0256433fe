package health

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"pattern-trader/internal/apperr"
	"pattern-trader/internal/model"
)

var now = time.Date(2026, 3, 2, 5, 0, 0, 0, time.UTC)

type fakeFeed struct {
	mu      sync.Mutex
	state   model.ConnectionState
	forced  []string
	forceFn func() error
}

func (f *fakeFeed) State() model.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeFeed) ForceReconnect(_ context.Context, reason string) error {
	f.mu.Lock()
	f.forced = append(f.forced, reason)
	fn := f.forceFn
	f.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return nil
}

type fakeCreds time.Time

func (c fakeCreds) Expiry() time.Time { return time.Time(c) }

type recorder struct {
	mu  sync.Mutex
	evs []model.Event
}

func (r *recorder) Publish(_ context.Context, ev model.Event) error {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
	return nil
}

func TestCheck_Healthy(t *testing.T) {
	f := &fakeFeed{state: model.ConnectionState{Status: model.ConnConnected, LastTick: now.Add(-10 * time.Second)}}
	s := New(f, fakeCreds(now.Add(5*time.Hour)), DefaultConfig())
	r := s.Check(context.Background(), now)
	if r.Stale || r.Reconnected || len(r.Warnings) != 0 || r.Err != nil {
		t.Errorf("report = %+v", r)
	}
	if r.DataAge != 10*time.Second {
		t.Errorf("age = %v", r.DataAge)
	}
}

func TestCheck_StaleForcesReconnect(t *testing.T) {
	f := &fakeFeed{state: model.ConnectionState{Status: model.ConnConnected, LastTick: now.Add(-3 * time.Minute)}}
	rec := &recorder{}
	s := New(f, nil, DefaultConfig())
	s.Events = rec

	r := s.Check(context.Background(), now)
	if !r.Stale || !r.Reconnected {
		t.Fatalf("report = %+v", r)
	}
	if len(f.forced) != 1 || !strings.Contains(f.forced[0], "stale") {
		t.Errorf("forced = %v", f.forced)
	}
	if len(rec.evs) != 1 || rec.evs[0].Type != model.EventHealthWarning || rec.evs[0].Stage != "health" {
		t.Errorf("events = %+v", rec.evs)
	}
}

func TestCheck_NoTicksYetUsesLastSuccess(t *testing.T) {
	f := &fakeFeed{state: model.ConnectionState{Status: model.ConnConnected, LastSuccess: now.Add(-5 * time.Minute)}}
	r := New(f, nil, DefaultConfig()).Check(context.Background(), now)
	if !r.Stale {
		t.Errorf("connected for 5m without ticks should be stale: %+v", r)
	}
}

func TestCheck_OutsideSessionNotStale(t *testing.T) {
	f := &fakeFeed{state: model.ConnectionState{Status: model.ConnConnected, LastTick: now.Add(-time.Hour)}}
	s := New(f, nil, DefaultConfig())
	s.Active = func(time.Time) bool { return false }
	if r := s.Check(context.Background(), now); r.Stale || len(f.forced) != 0 {
		t.Errorf("report = %+v forced = %v", r, f.forced)
	}
}

func TestCheck_ReconnectingOnlyWarns(t *testing.T) {
	f := &fakeFeed{state: model.ConnectionState{Status: model.ConnReconnecting, Attempt: 3, LastTick: now.Add(-time.Hour)}}
	r := New(f, nil, DefaultConfig()).Check(context.Background(), now)
	if r.Reconnected || len(f.forced) != 0 || len(r.Warnings) != 1 {
		t.Errorf("report = %+v forced = %v", r, f.forced)
	}
}

func TestCheck_DegradedRetries(t *testing.T) {
	f := &fakeFeed{
		state:   model.ConnectionState{Status: model.ConnDegraded, Attempt: 10},
		forceFn: func() error { return &apperr.ConnectionError{Op: "dial"} },
	}
	r := New(f, nil, DefaultConfig()).Check(context.Background(), now)
	if !r.Reconnected || len(f.forced) != 1 {
		t.Fatalf("report = %+v", r)
	}
	if len(r.Warnings) != 2 || !strings.Contains(r.Warnings[1], "forced reconnect failed") {
		t.Errorf("warnings = %v", r.Warnings)
	}
}

func TestCheck_Credentials(t *testing.T) {
	f := &fakeFeed{state: model.ConnectionState{Status: model.ConnConnected, LastTick: now}}

	r := New(f, fakeCreds(now.Add(30*time.Minute)), DefaultConfig()).Check(context.Background(), now)
	if len(r.Warnings) != 1 || !strings.Contains(r.Warnings[0], "30m") || r.Err != nil {
		t.Errorf("lead warning: %+v", r)
	}

	r = New(f, fakeCreds(now.Add(-time.Minute)), DefaultConfig()).Check(context.Background(), now)
	var ce *apperr.CredentialExpiredError
	if !errors.As(r.Err, &ce) {
		t.Errorf("expected CredentialExpiredError, got %v", r.Err)
	}

	r = New(f, fakeCreds(time.Time{}), DefaultConfig()).Check(context.Background(), now)
	if len(r.Warnings) != 0 {
		t.Errorf("unknown expiry warned: %v", r.Warnings)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := &fakeFeed{state: model.ConnectionState{Status: model.ConnConnected, LastTick: time.Now()}}
	s := New(f, nil, Config{Interval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { s.Run(ctx); close(done) }()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
