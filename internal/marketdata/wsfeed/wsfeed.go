// Package wsfeed is the WebSocket transport for the feed manager. It connects to
// a plain-JSON tick server (e.g. cmd/tickserver) and implements feed.Stream.
//
// Wire format, server → client, one tick per text frame:
//
//	{"symbol":"SBIN","ts":"2026-03-02T09:15:01Z","price":812.45,"volume":10}
//
// Client → server subscription:
//
//	{"action":"subscribe","symbols":["INFY","SBIN"]}
package wsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"pattern-trader/internal/marketdata/feed"
	"pattern-trader/internal/model"

	"github.com/gorilla/websocket"
)

// Config holds configuration for the WebSocket transport.
type Config struct {
	// URL of the tick WebSocket server, e.g. "ws://localhost:9001/ws"
	URL string `yaml:"url"`

	// HandshakeTimeout bounds the dial. Defaults to 10 seconds if zero.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// IdleTimeout ends a session that delivers nothing for this long. 0 disables.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// SubscribeMsg is the client subscription frame.
type SubscribeMsg struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols"`
}

// Stream dials the tick server.
type Stream struct {
	cfg    Config
	dialer *websocket.Dialer
}

var _ feed.Stream = (*Stream)(nil)

// New creates a Stream. Returns an error if the URL is unparseable.
func New(cfg Config) (*Stream, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("wsfeed: unsupported scheme %q", u.Scheme)
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	d := *websocket.DefaultDialer
	d.HandshakeTimeout = cfg.HandshakeTimeout
	return &Stream{cfg: cfg, dialer: &d}, nil
}

// Dial opens one session.
func (s *Stream) Dial(ctx context.Context) (feed.Conn, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	log.Printf("[wsfeed] connected to %s", s.cfg.URL)
	return &Conn{ws: conn, idle: s.cfg.IdleTimeout}, nil
}

// Conn is one WebSocket session.
type Conn struct {
	ws   *websocket.Conn
	idle time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Subscribe sends the full symbol set; the server replaces any previous set.
func (c *Conn) Subscribe(_ context.Context, symbols []string) error {
	b, err := json.Marshal(SubscribeMsg{Action: "subscribe", Symbols: symbols})
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

// Read returns the next well-formed tick. Malformed frames are logged and skipped.
func (c *Conn) Read(ctx context.Context) (model.Tick, error) {
	// Closing the socket is the only way to unblock ReadMessage on cancel.
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	for {
		if c.idle > 0 {
			c.ws.SetReadDeadline(time.Now().Add(c.idle))
		}
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return model.Tick{}, ctx.Err()
			}
			return model.Tick{}, err
		}

		var tick model.Tick
		if err := json.Unmarshal(raw, &tick); err != nil {
			log.Printf("[wsfeed] parse error: %v (raw: %s)", err, raw)
			continue
		}
		if tick.Symbol == "" {
			log.Printf("[wsfeed] skipping tick with empty symbol")
			continue
		}
		return tick, nil
	}
}

// Close sends a close frame and closes the socket. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
