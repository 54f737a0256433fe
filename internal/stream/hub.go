// Package stream fans activity events out to WebSocket observers. The Hub is
// a model.Publisher, so the bot publishes to it directly; in multi-process
// deployments Relay forwards events from the Redis channel instead.
package stream

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pattern-trader/internal/model"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// Hub manages WebSocket clients, the replay buffer and the latest event per
// symbol.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	latest  map[string]latestEntry
	seq     int64

	replay  *ReplayBuffer
	Latency *LatencyTracker

	Now func() time.Time
}

type latestEntry struct {
	Envelope []byte
	TS       time.Time
}

// NewHub creates a Hub keeping the last replaySize envelopes for backfill.
func NewHub(replaySize int) *Hub {
	return &Hub{
		clients: make(map[*Client]bool),
		latest:  make(map[string]latestEntry),
		replay:  NewReplayBuffer(replaySize),
		Latency: NewLatencyTracker(10000),
		Now:     time.Now,
	}
}

// Publish implements model.Publisher. It never blocks on slow clients.
func (h *Hub) Publish(_ context.Context, ev model.Event) error {
	return h.broadcast(ev)
}

// Relay forwards events from sub (typically the Redis store's Subscribe)
// until ctx is cancelled.
func (h *Hub) Relay(ctx context.Context, sub func(context.Context, chan<- model.Event) error) error {
	ch := make(chan model.Event, 256)
	errc := make(chan error, 1)
	go func() { errc <- sub(ctx, ch) }()
	log.Println("[stream] relaying events from pub/sub")
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			return err
		case ev := <-ch:
			h.broadcast(ev)
		}
	}
}

// ServeHTTP upgrades the request and registers the client. The optional
// since query parameter replays buffered envelopes with a greater seq.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[stream] ws upgrade error: %v", err)
		return
	}
	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		since = parseSeq(v)
	}
	h.register(conn, since)
}

func (h *Hub) register(conn *websocket.Conn, since int64) {
	client := &Client{
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
	}
	conn.EnableWriteCompression(true)

	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()

	log.Printf("[stream] ws client connected (%d total)", count)

	go client.sendInitialState(since)
	go client.writePump()
	go client.readPump()
}

// RemoveClient removes a client from the hub.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Seq returns the sequence number of the last broadcast envelope.
func (h *Hub) Seq() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.seq
}

// Missed returns buffered envelopes with seq in [from, to].
func (h *Hub) Missed(from, to int64) []json.RawMessage {
	entries := h.replay.Range(from, to)
	out := make([]json.RawMessage, len(entries))
	for i, e := range entries {
		out[i] = e.Data
	}
	return out
}

// Latest returns the last envelope per symbol.
func (h *Hub) Latest() map[string]json.RawMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()
	cp := make(map[string]json.RawMessage, len(h.latest))
	for k, v := range h.latest {
		cp[k] = v.Envelope
	}
	return cp
}

// StartStatusBroadcast sends a status envelope built by status to every
// client on each tick of every.
func (h *Hub) StartStatusBroadcast(ctx context.Context, every time.Duration, status func() any) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			envelope, err := json.Marshal(map[string]any{
				"type":   "status",
				"status": status(),
				"ts":     h.Now().UTC(),
			})
			if err != nil {
				log.Printf("[stream] status marshal: %v", err)
				continue
			}
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- envelope:
				default:
				}
			}
			h.mu.RUnlock()
		}
	}
}

func parseSeq(s string) int64 {
	var n int64
	for _, ch := range s {
		if ch < '0' || ch > '9' {
			return 0
		}
		n = n*10 + int64(ch-'0')
	}
	return n
}
