package wsfeed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pattern-trader/internal/model"

	"github.com/gorilla/websocket"
)

// tickServer echoes one tick per subscribed symbol after each subscription.
func tickServer(t *testing.T, extra ...string) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var sub SubscribeMsg
			if err := json.Unmarshal(raw, &sub); err != nil || sub.Action != "subscribe" {
				continue
			}
			for _, msg := range extra {
				conn.WriteMessage(websocket.TextMessage, []byte(msg))
			}
			for i, s := range sub.Symbols {
				b, _ := json.Marshal(model.Tick{
					Symbol: s,
					TS:     time.Date(2026, 3, 2, 9, 15, i, 0, time.UTC),
					Price:  100 + float64(i),
					Volume: 1,
				})
				conn.WriteMessage(websocket.TextMessage, b)
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStream_SubscribeAndRead(t *testing.T) {
	srv := tickServer(t, "not json", `{"symbol":"","price":1}`)
	defer srv.Close()

	s, err := New(Config{URL: wsURL(srv)})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := s.Dial(ctx)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.Subscribe(ctx, []string{"INFY", "SBIN"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for _, want := range []string{"INFY", "SBIN"} {
		tick, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if tick.Symbol != want {
			t.Errorf("got %s, want %s", tick.Symbol, want)
		}
	}
}

func TestConn_ReadUnblocksOnCancel(t *testing.T) {
	srv := tickServer(t)
	defer srv.Close()

	s, _ := New(Config{URL: wsURL(srv)})
	conn, err := s.Dial(context.Background())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Read(ctx)
		errCh <- err
	}()
	cancel()

	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Read did not unblock on cancel")
	}
	if err := conn.Close(); err != nil {
		t.Logf("second close: %v", err)
	}
}

func TestNew_RejectsBadScheme(t *testing.T) {
	if _, err := New(Config{URL: "http://localhost:9001/ws"}); err == nil {
		t.Error("expected scheme error")
	}
}
