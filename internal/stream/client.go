package stream

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pattern-trader/internal/model"
)

// Client is one WebSocket observer.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	mu      sync.RWMutex
	symbols map[string]bool
	types   map[model.EventType]bool
}

// subscribeMsg narrows what a client receives. Empty lists mean everything.
type subscribeMsg struct {
	Type    string            `json:"type"`
	Symbols []string          `json:"symbols"`
	Events  []model.EventType `json:"events"`
	Ping    int64             `json:"ping"`
}

func (c *Client) matches(ev model.Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.types) > 0 && !c.types[ev.Type] {
		return false
	}
	if len(c.symbols) > 0 && ev.Symbol != "" && !c.symbols[ev.Symbol] {
		return false
	}
	return true
}

func (c *Client) sendInitialState(since int64) {
	if since <= 0 {
		return
	}
	for _, e := range c.hub.replay.Range(since+1, c.hub.Seq()) {
		c.hub.mu.RLock()
		if c.hub.clients[c] {
			select {
			case c.send <- e.Data:
			default:
			}
		}
		c.hub.mu.RUnlock()
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))

			// Coalesce queued envelopes into one frame, newline separated.
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.RemoveClient(c)
		c.conn.Close()
		log.Println("[stream] ws client disconnected")
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg subscribeMsg
		if json.Unmarshal(raw, &msg) != nil {
			continue
		}
		switch msg.Type {
		case "SUBSCRIBE":
			c.subscribe(msg)
		case "UNSUBSCRIBE":
			c.subscribe(subscribeMsg{})
		default:
			if msg.Ping > 0 {
				c.pong(msg.Ping)
			}
		}
	}
}

func (c *Client) subscribe(msg subscribeMsg) {
	symbols := make(map[string]bool, len(msg.Symbols))
	for _, s := range msg.Symbols {
		symbols[s] = true
	}
	types := make(map[model.EventType]bool, len(msg.Events))
	for _, t := range msg.Events {
		types[t] = true
	}
	c.mu.Lock()
	c.symbols, c.types = symbols, types
	c.mu.Unlock()
	log.Printf("[stream] client filter: symbols=%v events=%v", msg.Symbols, msg.Events)
}

func (c *Client) pong(ping int64) {
	pong, _ := json.Marshal(map[string]any{
		"type":      "pong",
		"ping":      ping,
		"server_ts": time.Now().UnixMilli(),
	})
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- pong:
	default:
	}
}
