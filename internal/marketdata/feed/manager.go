// Package feed owns the live market-data connection: a single active stream,
// bounded reconnect with resubscription, historical bootstrap with a
// live-only fallback, and a drop-oldest tick queue.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"pattern-trader/internal/apperr"
	"pattern-trader/internal/backoff"
	"pattern-trader/internal/model"
)

// Stream dials the market-data transport.
type Stream interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one live transport session.
type Conn interface {
	Subscribe(ctx context.Context, symbols []string) error
	// Read blocks for the next tick. Any error ends the session.
	Read(ctx context.Context) (model.Tick, error)
	Close() error
}

// Config configures the manager.
type Config struct {
	QueueSize         int           `yaml:"queue_size"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectBase     time.Duration `yaml:"reconnect_base"`
	ReconnectCap      time.Duration `yaml:"reconnect_cap"`
	BootstrapAttempts int           `yaml:"bootstrap_attempts"`
	BootstrapLookback time.Duration `yaml:"bootstrap_lookback"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	r := backoff.Reconnect()
	return Config{
		QueueSize:         10000,
		ReconnectAttempts: r.MaxAttempts,
		ReconnectBase:     r.Base,
		ReconnectCap:      r.Cap,
		BootstrapAttempts: backoff.Bootstrap().MaxAttempts,
		BootstrapLookback: 24 * time.Hour,
	}
}

// Manager maintains at most one active Conn. Safe for concurrent use.
type Manager struct {
	stream Stream
	queue  *Queue

	// Reconnect and BootstrapPolicy may be replaced before Connect (tests inject fake sleeps).
	Reconnect       backoff.Policy
	BootstrapPolicy backoff.Policy

	mu       sync.Mutex
	conn     Conn
	symbols  []string
	state    model.ConnectionState
	noSeed   bool // bootstrap failed; running on live ticks only
	runCtx   context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	lastTick atomic.Int64 // unix nanos

	reconnecting atomic.Bool

	Events  model.Publisher                   // optional
	OnState func(state model.ConnectionState) // optional, called outside the lock
	Now     func() time.Time
	Logger  *slog.Logger
}

// NewManager creates a manager over stream.
func NewManager(stream Stream, cfg Config) *Manager {
	d := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = d.QueueSize
	}
	rp := backoff.Reconnect()
	if cfg.ReconnectAttempts > 0 {
		rp.MaxAttempts = cfg.ReconnectAttempts
	}
	if cfg.ReconnectBase > 0 {
		rp.Base = cfg.ReconnectBase
	}
	if cfg.ReconnectCap > 0 {
		rp.Cap = cfg.ReconnectCap
	}
	bp := backoff.Bootstrap()
	if cfg.BootstrapAttempts > 0 {
		bp.MaxAttempts = cfg.BootstrapAttempts
	}
	bp.Retryable = func(err error) bool { return !errors.Is(err, context.Canceled) }

	return &Manager{
		stream:          stream,
		queue:           NewQueue(cfg.QueueSize),
		Reconnect:       rp,
		BootstrapPolicy: bp,
		state:           model.ConnectionState{Status: model.ConnDisconnected},
		Now:             time.Now,
		Logger:          slog.Default().With("component", "feed"),
	}
}

// Ticks returns the drop-oldest tick queue consumed by the aggregator.
func (m *Manager) Ticks() <-chan model.Tick { return m.queue.C() }

// Queue exposes the tick queue for metrics hooks.
func (m *Manager) Queue() *Queue { return m.queue }

// State returns a copy of the connection state.
func (m *Manager) State() model.ConnectionState {
	m.mu.Lock()
	st := m.state
	m.mu.Unlock()
	if ns := m.lastTick.Load(); ns > 0 {
		st.LastTick = time.Unix(0, ns).UTC()
	}
	return st
}

// Subscribed returns the current symbol set, sorted.
func (m *Manager) Subscribed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.symbols...)
}

// Connect dials once and starts the read loop. ctx bounds the manager's lifetime;
// unexpected disconnects after this trigger the bounded reconnect loop.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.conn != nil {
		m.mu.Unlock()
		return nil
	}
	if m.cancel == nil {
		m.runCtx, m.cancel = context.WithCancel(ctx)
	}
	runCtx := m.runCtx
	symbols := append([]string(nil), m.symbols...)
	m.mu.Unlock()

	conn, err := m.dial(ctx, symbols)
	if err != nil {
		m.setStatus(model.ConnDisconnected, 0, err.Error())
		return err
	}
	m.attach(runCtx, conn)
	return nil
}

func (m *Manager) dial(ctx context.Context, symbols []string) (Conn, error) {
	conn, err := m.stream.Dial(ctx)
	if err != nil {
		return nil, &apperr.ConnectionError{Op: "dial", Err: err}
	}
	if len(symbols) > 0 {
		if err := conn.Subscribe(ctx, symbols); err != nil {
			conn.Close()
			return nil, &apperr.ConnectionError{Op: "subscribe", Err: err}
		}
	}
	return conn, nil
}

// attach installs conn as the active session and starts its read loop.
func (m *Manager) attach(runCtx context.Context, conn Conn) {
	if runCtx.Err() != nil {
		conn.Close()
		return
	}
	m.mu.Lock()
	m.conn = conn
	m.state.LastSuccess = m.Now().UTC()
	m.mu.Unlock()
	m.setStatus(m.liveStatus(), 0, "connected")

	m.wg.Add(1)
	go m.readLoop(runCtx, conn)
}

func (m *Manager) liveStatus() model.ConnStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.noSeed {
		return model.ConnFallback
	}
	return model.ConnConnected
}

func (m *Manager) readLoop(ctx context.Context, conn Conn) {
	defer m.wg.Done()
	for {
		t, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.mu.Lock()
			current := m.conn == conn
			m.mu.Unlock()
			if !current {
				return // replaced by a forced reconnect
			}
			m.Logger.Warn("[feed] stream read failed", "error", err)
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				m.reconnect(ctx, "read: "+err.Error())
			}()
			return
		}
		if t.Symbol == "" || t.Price <= 0 {
			continue
		}
		m.lastTick.Store(t.TS.UnixNano())
		m.queue.Push(t)
	}
}

// Subscribe replaces the symbol set and forwards it to the live session, if any.
func (m *Manager) Subscribe(ctx context.Context, symbols []string) error {
	set := dedupe(symbols)
	m.mu.Lock()
	m.symbols = set
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.Subscribe(ctx, set); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}
	m.Logger.Info("[feed] subscribed", "symbols", len(set))
	return nil
}

func dedupe(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ForceReconnect tears down the session and reconnects. Concurrent requests
// (health supervisor and the manager's own read loop) collapse into one attempt.
func (m *Manager) ForceReconnect(ctx context.Context, reason string) error {
	return m.reconnect(ctx, reason)
}

func (m *Manager) reconnect(ctx context.Context, reason string) error {
	if !m.reconnecting.CompareAndSwap(false, true) {
		return nil
	}
	defer m.reconnecting.Store(false)

	m.mu.Lock()
	old := m.conn
	m.conn = nil
	runCtx := m.runCtx
	symbols := append([]string(nil), m.symbols...)
	m.mu.Unlock()
	if runCtx == nil {
		return errors.New("feed: reconnect before connect")
	}
	if old != nil {
		old.Close()
	}
	m.Logger.Warn("[feed] reconnecting", "reason", reason, "symbols", len(symbols))

	// Readers see reconnecting at once; a transition is published per failed
	// attempt, so a clean redial goes straight back to connected.
	m.mu.Lock()
	m.state.Status, m.state.Attempt = model.ConnReconnecting, 0
	m.mu.Unlock()

	var conn Conn
	err := m.Reconnect.Retry(ctx, func(ctx context.Context, attempt int) error {
		if runCtx.Err() != nil {
			return runCtx.Err()
		}
		c, err := m.dial(ctx, symbols)
		if err != nil {
			m.setStatus(model.ConnReconnecting, attempt, fmt.Sprintf("%s: %v", reason, err))
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		if runCtx.Err() != nil {
			return runCtx.Err()
		}
		m.setStatus(model.ConnDegraded, m.Reconnect.Attempts(), err.Error())
		return fmt.Errorf("feed: reconnect: %w", err)
	}
	m.attach(runCtx, conn)
	return nil
}

// Bootstrap loads the historical seed with its own retry budget. On failure
// the manager switches to fallback mode and returns nil bars instead of an
// error, so startup continues on live ticks only.
func (m *Manager) Bootstrap(ctx context.Context, src model.BarSource, symbols []string, interval time.Duration, from, to time.Time) []model.Bar {
	var bars []model.Bar
	err := m.BootstrapPolicy.Retry(ctx, func(ctx context.Context, attempt int) error {
		b, err := src.LoadBars(ctx, symbols, interval, from, to)
		if err != nil {
			m.Logger.Warn("[feed] bootstrap attempt failed", "attempt", attempt, "error", err)
			return err
		}
		bars = b
		return nil
	})

	m.mu.Lock()
	m.noSeed = err != nil
	m.state.Bootstrap = err == nil
	m.mu.Unlock()

	if err != nil {
		m.Logger.Error("[feed] bootstrap failed, falling back to live ticks", "error", err)
		m.setStatus(model.ConnFallback, 0, "bootstrap failed: "+err.Error())
		return nil
	}
	m.Logger.Info("[feed] bootstrap loaded", "bars", len(bars))
	return bars
}

// Disconnect stops the read loop and closes the session. The manager cannot
// reconnect after this until Connect is called again.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel := m.cancel
	conn := m.conn
	m.conn = nil
	m.cancel = nil
	m.runCtx = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	m.wg.Wait()
	m.setStatus(model.ConnDisconnected, 0, "disconnect")
}

func (m *Manager) setStatus(status model.ConnStatus, attempt int, reason string) {
	m.mu.Lock()
	changed := m.state.Status != status || m.state.Attempt != attempt
	m.state.Status = status
	m.state.Attempt = attempt
	m.mu.Unlock()
	if !changed {
		return
	}

	st := m.State()
	m.Logger.Info("[feed] connection state", "status", status, "attempt", attempt, "reason", reason)
	if m.OnState != nil {
		m.OnState(st)
	}
	if m.Events != nil {
		ev := model.Event{
			Type:   model.EventConnection,
			Stage:  "feed",
			Reason: reason,
			TS:     m.Now().UTC(),
			Fields: map[string]any{"status": string(status), "attempt": attempt},
		}
		if err := m.Events.Publish(context.Background(), ev); err != nil {
			m.Logger.Warn("[feed] publish event failed", "error", err)
		}
	}
}
