// cmd/tickserver: Demo WebSocket tick server.
// Broadcasts ticks for running the scanner without broker credentials, either
// from a random walk or by replaying stored bars.
//
// Tick JSON shape is identical to model.Tick:
//
//	{"symbol":"SBIN","ts":"2026-03-02T09:15:01Z","price":812.45,"volume":10}
//
// Clients receive every symbol until they send a subscription:
//
//	{"action":"subscribe","symbols":["INFY","SBIN"]}
//
// Config (env vars, overridden by flags):
//
//	TICK_SERVER_ADDR : listen address  (default: ":9001")
//	TICK_SYMBOLS     : comma-separated SYMBOL[:PRICE] pairs (default: "SBIN:800,INFY:1500")
//	TICK_INTERVAL_MS : walk interval milliseconds (default: "100")
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"pattern-trader/internal/marketdata/replay"
	"pattern-trader/internal/marketdata/synth"
	"pattern-trader/internal/marketdata/wsfeed"
	"pattern-trader/internal/model"
	"pattern-trader/internal/store/sqlite"
)

// instrument holds per-symbol walk state.
type instrument struct {
	Symbol string
	Walker *synth.Walker
}

// ─── Hub ──────────────────────────────────────────────────────────────────────

type client struct {
	send chan []byte

	mu      sync.RWMutex
	symbols map[string]bool // nil = all
}

func (c *client) wants(symbol string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.symbols == nil || c.symbols[symbol]
}

func (c *client) subscribe(symbols []string) {
	set := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		set[strings.ToUpper(strings.TrimSpace(s))] = true
	}
	c.mu.Lock()
	c.symbols = set
	c.mu.Unlock()
}

type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]*client
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]*client)}
}

func (h *hub) register(conn *websocket.Conn) *client {
	c := &client{send: make(chan []byte, 256)}
	h.mu.Lock()
	h.clients[conn] = c
	h.mu.Unlock()
	return c
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if c, ok := h.clients[conn]; ok {
		close(c.send)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(t model.Tick) {
	msg, err := json.Marshal(t)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.wants(t.Symbol) {
			continue
		}
		select {
		case c.send <- msg:
		default: // slow client: drop tick
		}
	}
}

// ─── WebSocket handler ────────────────────────────────────────────────────────

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func wsHandler(h *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[tickserver] upgrade error: %v", err)
			return
		}
		log.Printf("[tickserver] client connected: %s", r.RemoteAddr)

		c := h.register(conn)
		defer func() {
			h.unregister(conn)
			conn.Close()
			log.Printf("[tickserver] client disconnected: %s", r.RemoteAddr)
		}()

		// Read pump: subscription frames. A read error ends the write pump too.
		go func() {
			defer h.unregister(conn)
			for {
				var msg wsfeed.SubscribeMsg
				if err := conn.ReadJSON(&msg); err != nil {
					return
				}
				if msg.Action == "subscribe" {
					c.subscribe(msg.Symbols)
					log.Printf("[tickserver] %s subscribed to %v", r.RemoteAddr, msg.Symbols)
				}
			}
		}()

		// Write pump: sends tick JSON to this client.
		for msg := range c.send {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// ─── Tick sources ────────────────────────────────────────────────────────────

func runWalk(ctx context.Context, h *hub, instruments []instrument, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, in := range instruments {
				h.broadcast(in.Walker.Tick(in.Symbol, now.UTC()))
			}
		}
	}
}

// barTicks splits a bar into open, extreme, extreme, close ticks. Up bars
// visit the low first, down bars the high.
func barTicks(b model.Bar, interval time.Duration, restamp bool) []model.Tick {
	path := []float64{b.Open, b.High, b.Low, b.Close}
	if b.Close >= b.Open {
		path[1], path[2] = b.Low, b.High
	}
	step := interval / time.Duration(len(path))
	out := make([]model.Tick, len(path))
	for i, p := range path {
		ts := b.TS.Add(time.Duration(i) * step)
		if restamp {
			ts = time.Now().UTC()
		}
		out[i] = model.Tick{Symbol: b.Symbol, TS: ts, Price: p, Volume: b.Volume / float64(len(path))}
	}
	return out
}

func runReplay(ctx context.Context, h *hub, src model.BarSource, symbols []string, interval time.Duration, speed float64, restamp bool) error {
	bars := make(chan model.Bar, 256)
	errCh := make(chan error, 1)
	go func() {
		errCh <- replay.New(src).Run(ctx, symbols, interval, time.Time{}, time.Time{}, speed, bars)
		close(bars)
	}()
	for b := range bars {
		for _, t := range barTicks(b, interval, restamp) {
			h.broadcast(t)
		}
	}
	return <-errCh
}

// ─── main ─────────────────────────────────────────────────────────────────────

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	addr := flag.String("addr", envOrDefault("TICK_SERVER_ADDR", ":9001"), "listen address")
	symbolsEnv := flag.String("symbols", envOrDefault("TICK_SYMBOLS", "SBIN:800,INFY:1500"), "SYMBOL[:PRICE] list")
	intervalMs := flag.Int("interval-ms", envIntOrDefault("TICK_INTERVAL_MS", 100), "walk interval in milliseconds")
	dbPath := flag.String("db", "", "replay bars from this SQLite candle store")
	csvPath := flag.String("csv", "", "replay bars from this CSV file")
	barInterval := flag.Duration("bar-interval", time.Minute, "interval of the replayed bars")
	speed := flag.Float64("speed", 60, "replay speed multiplier, 0 = as fast as possible")
	restamp := flag.Bool("restamp", true, "stamp replayed ticks with the wall clock")
	flag.Parse()

	log.Println("[tickserver] starting demo tick server...")

	instruments := parseInstruments(*symbolsEnv)
	if len(instruments) == 0 {
		log.Fatalf("[tickserver] no instruments configured via TICK_SYMBOLS")
	}
	symbols := make([]string, len(instruments))
	for i, in := range instruments {
		symbols[i] = in.Symbol
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	h := newHub()

	var src model.BarSource
	switch {
	case *dbPath != "":
		r, err := sqlite.NewReader(*dbPath)
		if err != nil {
			log.Fatalf("[tickserver] open db: %v", err)
		}
		defer r.Close()
		src = r
	case *csvPath != "":
		src = &replay.CSV{Path: *csvPath}
	}

	if src != nil {
		log.Printf("[tickserver] replaying %v at %gx", symbols, *speed)
		go func() {
			if err := runReplay(ctx, h, src, symbols, *barInterval, *speed, *restamp); err != nil && ctx.Err() == nil {
				log.Printf("[tickserver] replay error: %v", err)
			}
		}()
	} else {
		log.Printf("[tickserver] walking %v every %dms", symbols, *intervalMs)
		go runWalk(ctx, h, instruments, time.Duration(*intervalMs)*time.Millisecond)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler(h))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"tickserver"}`)
	})
	srv := &http.Server{Addr: *addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("[tickserver] ✅ listening on %s  (WebSocket: ws://localhost%s/ws)", *addr, *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("[tickserver] server error: %v", err)
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func parseInstruments(s string) []instrument {
	var result []instrument
	for i, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		sym, priceStr, _ := strings.Cut(part, ":")
		price := 1000.0
		if priceStr != "" {
			p, err := strconv.ParseFloat(priceStr, 64)
			if err != nil || p <= 0 {
				log.Printf("[tickserver] skipping invalid symbol spec: %q", part)
				continue
			}
			price = p
		}
		result = append(result, instrument{
			Symbol: strings.ToUpper(strings.TrimSpace(sym)),
			Walker: synth.NewWalker(time.Now().UnixNano()+int64(i), price, 0.001),
		})
	}
	return result
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
