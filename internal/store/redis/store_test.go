package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"pattern-trader/internal/model"
)

func TestWriteBufferDropsOldest(t *testing.T) {
	b := newWriteBuffer(2)
	buffered := 0
	b.OnBuffer = func() { buffered++ }
	b.add(pendingWrite{Kind: kindPut, Key: "a"})
	b.add(pendingWrite{Kind: kindPut, Key: "b"})
	b.add(pendingWrite{Kind: kindPut, Key: "c"})

	if b.Pending() != 2 || buffered != 3 {
		t.Fatalf("pending=%d buffered=%d", b.Pending(), buffered)
	}
	items := b.take()
	if items[0].Key != "b" || items[1].Key != "c" {
		t.Errorf("kept %v, want b,c", items)
	}
	if b.Pending() != 0 {
		t.Errorf("take should drain the buffer")
	}
}

func TestPutBuffersWhileOpen(t *testing.T) {
	// Nothing listens on this port; every call fails fast.
	client := goredis.NewClient(&goredis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	s := NewWithClient(client, Config{BreakerFailures: 1, BreakerReset: time.Hour})
	defer s.Close()
	ctx := context.Background()

	if err := s.Put(ctx, "bot:config", []byte("{}")); err == nil {
		t.Fatal("first write should surface the connection error")
	}
	if s.Breaker().CurrentState() != StateOpen {
		t.Fatalf("breaker = %v, want open", s.Breaker().CurrentState())
	}
	if err := s.Put(ctx, "bot:config", []byte("{}")); err != nil {
		t.Fatalf("write while open should buffer: %v", err)
	}
	if err := s.AppendEvent(ctx, model.Event{Type: model.EventLifecycle}); err != nil {
		t.Fatalf("event while open should buffer: %v", err)
	}
	if s.Buffer().Pending() != 2 {
		t.Errorf("pending = %d, want 2", s.Buffer().Pending())
	}
}

func liveStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	s, err := New(Config{Addr: addr, Prefix: "pt-test:" + t.Name() + ":"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreRoundTrip(t *testing.T) {
	s := liveStore(t)
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("missing key: %v", err)
	}
	if err := s.Put(ctx, "k", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, "k")
	if err != nil || string(got) != "v1" {
		t.Fatalf("get = %q, %v", got, err)
	}
	s.client.Del(ctx, s.key("k"))
}

func TestRecentEventsNewestFirst(t *testing.T) {
	s := liveStore(t)
	ctx := context.Background()
	defer s.client.Del(ctx, s.streamKey())

	for _, sym := range []string{"AAA", "BBB", "CCC"} {
		if err := s.AppendEvent(ctx, model.Event{Type: model.EventSymbolScanned, Symbol: sym}); err != nil {
			t.Fatal(err)
		}
	}
	evs, err := s.RecentEvents(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 2 || evs[0].Symbol != "CCC" || evs[1].Symbol != "BBB" {
		t.Errorf("recent = %+v", evs)
	}
}

func TestPublishSubscribe(t *testing.T) {
	s := liveStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out := make(chan model.Event, 1)
	go s.Subscribe(ctx, out)
	time.Sleep(100 * time.Millisecond)

	if err := s.Publish(ctx, model.Event{Type: model.EventSignalGenerated, Symbol: "AAA"}); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-out:
		if ev.Symbol != "AAA" {
			t.Errorf("got %+v", ev)
		}
	case <-ctx.Done():
		t.Fatal("no event received")
	}
}
