package feed

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"pattern-trader/internal/model"
)

type fakeConn struct {
	ticks  chan model.Tick
	broken chan struct{}
	once   sync.Once
	stream *fakeStream
}

func (c *fakeConn) Subscribe(_ context.Context, symbols []string) error {
	c.stream.mu.Lock()
	defer c.stream.mu.Unlock()
	c.stream.subs = append(c.stream.subs, strings.Join(symbols, ","))
	return nil
}

func (c *fakeConn) Read(ctx context.Context) (model.Tick, error) {
	select {
	case <-ctx.Done():
		return model.Tick{}, ctx.Err()
	case <-c.broken:
		return model.Tick{}, errors.New("connection reset")
	case t := <-c.ticks:
		return t, nil
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.broken) })
	return nil
}

type fakeStream struct {
	mu       sync.Mutex
	failNext int
	dials    int
	conns    []*fakeConn
	subs     []string
	gate     chan struct{} // when set, Dial waits on it
	dialing  chan struct{}
}

func (s *fakeStream) Dial(ctx context.Context) (Conn, error) {
	s.mu.Lock()
	gate, dialing := s.gate, s.dialing
	s.mu.Unlock()
	if gate != nil {
		if dialing != nil {
			dialing <- struct{}{}
		}
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	if s.failNext > 0 {
		s.failNext--
		return nil, errors.New("connection refused")
	}
	c := &fakeConn{ticks: make(chan model.Tick, 16), broken: make(chan struct{}), stream: s}
	s.conns = append(s.conns, c)
	return c, nil
}

func (s *fakeStream) last() *fakeConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[len(s.conns)-1]
}

func (s *fakeStream) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

type recorder struct {
	mu     sync.Mutex
	states []model.ConnectionState
	events []model.Event
}

func (r *recorder) onState(st model.ConnectionState) {
	r.mu.Lock()
	r.states = append(r.states, st)
	r.mu.Unlock()
}

func (r *recorder) Publish(_ context.Context, ev model.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, s := range r.states {
		out = append(out, string(s.Status))
	}
	return out
}

func newTestManager(s *fakeStream) (*Manager, *recorder, *[]time.Duration) {
	m := NewManager(s, Config{QueueSize: 8})
	rec := &recorder{}
	m.OnState = rec.onState
	m.Events = rec
	var mu sync.Mutex
	delays := []time.Duration{}
	sleep := func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return ctx.Err()
	}
	m.Reconnect.Sleep = sleep
	m.BootstrapPolicy.Sleep = sleep
	return m, rec, &delays
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestManager_ReconnectResubscribes(t *testing.T) {
	s := &fakeStream{}
	m, rec, delays := newTestManager(s)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Subscribe(ctx, []string{"SBIN", "INFY", "SBIN"}); err != nil {
		t.Fatal(err)
	}
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer m.Disconnect()

	s.mu.Lock()
	s.failNext = 3
	s.mu.Unlock()
	s.last().Close() // unexpected disconnect

	waitFor(t, "reconnect", func() bool {
		return s.dialCount() == 5 && len(rec.statuses()) == 5
	})

	want := "connected,reconnecting,reconnecting,reconnecting,connected"
	if got := strings.Join(rec.statuses(), ","); got != want {
		t.Errorf("state sequence = %s, want %s", got, want)
	}
	rec.mu.Lock()
	for i, st := range rec.states[1:4] {
		if st.Attempt != i+1 {
			t.Errorf("reconnecting state %d has attempt %d", i, st.Attempt)
		}
	}
	rec.mu.Unlock()
	s.mu.Lock()
	subs := append([]string(nil), s.subs...)
	s.mu.Unlock()
	if len(subs) != 2 || subs[0] != "INFY,SBIN" || subs[1] != "INFY,SBIN" {
		t.Errorf("expected identical resubscription, got %v", subs)
	}
	if len(*delays) != 3 || (*delays)[0] != time.Second || (*delays)[1] != 2*time.Second || (*delays)[2] != 4*time.Second {
		t.Errorf("unexpected backoff delays %v", *delays)
	}

	rec.mu.Lock()
	nEvents := len(rec.events)
	rec.mu.Unlock()
	if nEvents != 5 {
		t.Errorf("expected 5 connection events, got %d", nEvents)
	}
}

func TestManager_CleanRedialPublishesNoRetry(t *testing.T) {
	s := &fakeStream{}
	m, rec, _ := newTestManager(s)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	defer m.Disconnect()

	if err := m.ForceReconnect(ctx, "stale data"); err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(rec.statuses(), ","); got != "connected,connected" {
		t.Errorf("state sequence = %s", got)
	}
	if s.dialCount() != 2 {
		t.Errorf("dials = %d", s.dialCount())
	}
}

func TestManager_ReconnectCapDegrades(t *testing.T) {
	s := &fakeStream{}
	m, _, _ := newTestManager(s)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	defer m.Disconnect()

	s.mu.Lock()
	s.failNext = 1000
	s.mu.Unlock()

	err := m.ForceReconnect(ctx, "test")
	if err == nil {
		t.Fatal("expected reconnect failure")
	}
	st := m.State()
	if st.Status != model.ConnDegraded {
		t.Errorf("expected degraded, got %s", st.Status)
	}
	if st.Attempt != 10 {
		t.Errorf("expected attempt=10, got %d", st.Attempt)
	}
	if got := s.dialCount(); got != 11 {
		t.Errorf("expected 1 initial + 10 reconnect dials, got %d", got)
	}
}

func TestManager_ConcurrentReconnectsCollapse(t *testing.T) {
	s := &fakeStream{}
	m, _, _ := newTestManager(s)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	defer m.Disconnect()

	gate := make(chan struct{})
	dialing := make(chan struct{}, 1)
	s.mu.Lock()
	s.gate, s.dialing = gate, dialing
	s.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- m.ForceReconnect(ctx, "stale data") }()
	<-dialing

	// A second request while one is in flight is a no-op.
	if err := m.ForceReconnect(ctx, "stale data again"); err != nil {
		t.Errorf("collapsed reconnect returned %v", err)
	}

	s.mu.Lock()
	s.gate = nil
	s.mu.Unlock()
	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if got := s.dialCount(); got != 2 {
		t.Errorf("expected exactly 2 dials, got %d", got)
	}
}

func TestManager_TicksFlowAndLastTick(t *testing.T) {
	s := &fakeStream{}
	m, _, _ := newTestManager(s)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	defer m.Disconnect()

	ts := time.Date(2026, 3, 2, 9, 15, 1, 0, time.UTC)
	c := s.last()
	c.ticks <- model.Tick{Symbol: "", Price: 1, TS: ts} // ignored
	c.ticks <- model.Tick{Symbol: "SBIN", Price: 500, Volume: 1, TS: ts}

	select {
	case got := <-m.Ticks():
		if got.Symbol != "SBIN" || got.Price != 500 {
			t.Errorf("unexpected tick %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no tick delivered")
	}
	if !m.State().LastTick.Equal(ts) {
		t.Errorf("LastTick = %v, want %v", m.State().LastTick, ts)
	}
}

type flakySource struct {
	fails int
	calls int
}

func (f *flakySource) LoadBars(context.Context, []string, time.Duration, time.Time, time.Time) ([]model.Bar, error) {
	f.calls++
	if f.calls <= f.fails {
		return nil, errors.New("vendor unavailable")
	}
	return []model.Bar{{Symbol: "SBIN"}}, nil
}

func TestManager_BootstrapFallback(t *testing.T) {
	s := &fakeStream{}
	m, _, _ := newTestManager(s)
	src := &flakySource{fails: 99}

	bars := m.Bootstrap(context.Background(), src, []string{"SBIN"}, time.Minute, time.Time{}, time.Time{})
	if bars != nil {
		t.Errorf("expected nil bars on fallback, got %d", len(bars))
	}
	if src.calls != 3 {
		t.Errorf("expected 3 bootstrap attempts, got %d", src.calls)
	}
	st := m.State()
	if st.Status != model.ConnFallback || st.Bootstrap {
		t.Errorf("expected fallback without bootstrap, got %+v", st)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	defer m.Disconnect()
	if got := m.State().Status; got != model.ConnFallback {
		t.Errorf("live session after failed bootstrap should report fallback, got %s", got)
	}
}

func TestManager_BootstrapRecovers(t *testing.T) {
	m, _, _ := newTestManager(&fakeStream{})
	src := &flakySource{fails: 2}
	bars := m.Bootstrap(context.Background(), src, nil, time.Minute, time.Time{}, time.Time{})
	if len(bars) != 1 || !m.State().Bootstrap {
		t.Errorf("expected seed after retries, got %d bars state=%+v", len(bars), m.State())
	}
}

func TestManager_ConnectFailure(t *testing.T) {
	s := &fakeStream{failNext: 1}
	m, _, _ := newTestManager(s)
	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
	if m.State().Status != model.ConnDisconnected {
		t.Errorf("expected disconnected, got %s", m.State().Status)
	}
}

func TestQueue_DropOldest(t *testing.T) {
	q := NewQueue(3)
	drops := 0
	q.OnDrop = func() { drops++ }
	for i := 1; i <= 5; i++ {
		q.Push(model.Tick{Symbol: "SBIN", Price: float64(i)})
	}
	if q.Dropped() != 2 || drops != 2 {
		t.Fatalf("expected 2 drops, got %d/%d", q.Dropped(), drops)
	}
	for _, want := range []float64{3, 4, 5} {
		got := <-q.C()
		if got.Price != want {
			t.Errorf("got price %.0f, want %.0f", got.Price, want)
		}
	}
	if q.Len() != 0 {
		t.Errorf("expected empty queue, got %d", q.Len())
	}
}
