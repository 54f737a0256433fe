package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"pattern-trader/internal/model"
)

type envelopeOut struct {
	Type   model.EventType `json:"type"`
	Symbol string          `json:"symbol"`
	Data   model.Event     `json:"data"`
	TS     string          `json:"ts"`
	Seq    int64           `json:"seq"`
}

func TestEnvelopeIsValidJSON(t *testing.T) {
	ev := model.Event{Type: model.EventSignalGenerated, Symbol: "SBIN", Stage: "risk", Fields: map[string]any{"size": 10.0}}
	data, _ := json.Marshal(ev)
	buf := envelope(ev.Type, ev.Symbol, data, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), 42)

	var env envelopeOut
	if err := json.Unmarshal(buf, &env); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, buf)
	}
	if env.Type != model.EventSignalGenerated || env.Symbol != "SBIN" || env.Seq != 42 {
		t.Errorf("envelope = %+v", env)
	}
	if env.Data.Stage != "risk" || env.Data.Fields["size"] != 10.0 {
		t.Errorf("data = %+v", env.Data)
	}
}

func TestReplayBuffer(t *testing.T) {
	rb := NewReplayBuffer(5)
	for i := int64(1); i <= 8; i++ {
		rb.Push(i, []byte("m"))
	}
	if rb.Len() != 5 {
		t.Fatalf("len = %d", rb.Len())
	}
	got := rb.Range(1, 100)
	if len(got) != 5 || got[0].Seq != 4 || got[4].Seq != 8 {
		t.Errorf("range = %+v", got)
	}
	if got := rb.Range(6, 7); len(got) != 2 || got[0].Seq != 6 {
		t.Errorf("sub range = %+v", got)
	}
}

func TestLatencyPercentiles(t *testing.T) {
	lt := NewLatencyTracker(100)
	if p50, p95, p99 := lt.Percentiles(); p50 != 0 || p95 != 0 || p99 != 0 {
		t.Error("empty tracker should report zeros")
	}
	for i := 1; i <= 100; i++ {
		lt.Record(float64(i))
	}
	p50, p95, p99 := lt.Percentiles()
	if p50 < 50 || p50 > 51 || p95 < 95 || p95 > 96 || p99 < 99 || p99 > 100 {
		t.Errorf("p50=%v p95=%v p99=%v", p50, p95, p99)
	}
	lt.Record(1000)
	if lt.Count() != 100 {
		t.Errorf("count = %d", lt.Count())
	}
}

func TestPublishWithoutClients(t *testing.T) {
	h := NewHub(10)
	for i := 0; i < 3; i++ {
		if err := h.Publish(context.Background(), model.Event{Type: model.EventScanStarted, TS: time.Now()}); err != nil {
			t.Fatal(err)
		}
	}
	h.Publish(context.Background(), model.Event{Type: model.EventPatternDetected, Symbol: "INFY"})
	if h.Seq() != 4 || len(h.Missed(2, 3)) != 2 {
		t.Errorf("seq = %d missed = %d", h.Seq(), len(h.Missed(2, 3)))
	}
	if _, ok := h.Latest()["INFY"]; !ok {
		t.Error("latest INFY missing")
	}
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", h.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// readEnvelopes reads one frame and splits coalesced envelopes.
func readEnvelopes(t *testing.T, conn *websocket.Conn) []envelopeOut {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var out []envelopeOut
	for _, line := range bytes.Split(raw, []byte{'\n'}) {
		var env envelopeOut
		if err := json.Unmarshal(line, &env); err != nil {
			t.Fatalf("bad envelope %s: %v", line, err)
		}
		out = append(out, env)
	}
	return out
}

func TestWebSocketDeliveryAndFilter(t *testing.T) {
	h := NewHub(100)
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, srv, "/")
	waitClients(t, h, 1)

	ctx := context.Background()
	h.Publish(ctx, model.Event{Type: model.EventPositionOpened, Symbol: "SBIN"})
	got := readEnvelopes(t, conn)
	if got[0].Type != model.EventPositionOpened || got[0].Symbol != "SBIN" || got[0].Seq != 1 {
		t.Fatalf("got %+v", got)
	}

	sub, _ := json.Marshal(subscribeMsg{Type: "SUBSCRIBE", Symbols: []string{"INFY"}})
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !filtered(h) {
		if time.Now().After(deadline) {
			t.Fatal("filter never applied")
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.Publish(ctx, model.Event{Type: model.EventPositionClosed, Symbol: "SBIN"})
	h.Publish(ctx, model.Event{Type: model.EventPositionClosed, Symbol: "INFY"})
	got = readEnvelopes(t, conn)
	if got[0].Symbol != "INFY" || got[0].Seq != 3 {
		t.Errorf("after filter got %+v", got)
	}
}

func filtered(h *Hub) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.mu.RLock()
		n := len(c.symbols)
		c.mu.RUnlock()
		if n == 0 {
			return false
		}
	}
	return true
}

func TestWebSocketBackfill(t *testing.T) {
	h := NewHub(100)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		h.Publish(ctx, model.Event{Type: model.EventScanStarted})
	}
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, srv, "/?since=3")
	var seqs []int64
	for len(seqs) < 2 {
		for _, env := range readEnvelopes(t, conn) {
			seqs = append(seqs, env.Seq)
		}
	}
	if len(seqs) != 2 || seqs[0] != 4 || seqs[1] != 5 {
		t.Errorf("backfilled seqs = %v", seqs)
	}
}

func TestRelay(t *testing.T) {
	h := NewHub(10)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- h.Relay(ctx, func(ctx context.Context, out chan<- model.Event) error {
			out <- model.Event{Type: model.EventLifecycle, Reason: "started"}
			<-ctx.Done()
			return nil
		})
	}()
	deadline := time.Now().Add(2 * time.Second)
	for h.Seq() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("relayed event never broadcast")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestSystem(t *testing.T) {
	h := NewHub(10)
	m := h.System(time.Now().Add(-time.Minute))
	if m.CPUCores <= 0 || m.Goroutines <= 0 || m.UptimeSec < 59 {
		t.Errorf("system = %+v", m)
	}
}
