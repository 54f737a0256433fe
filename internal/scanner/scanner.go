// Package scanner runs the live scan cycle: on a fixed period it reads every
// symbol's snapshot from the aggregator, runs the shared decision pipeline,
// ranks what survives against the position cap, and submits orders without
// waiting for them. It also applies exits to open positions as candles seal.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"pattern-trader/internal/execution"
	"pattern-trader/internal/logger"
	"pattern-trader/internal/metrics"
	"pattern-trader/internal/model"
	"pattern-trader/internal/portfolio"
)

// Source is the read side of the aggregator.
type Source interface {
	Snapshot(symbol string) (model.SeriesSnapshot, bool)
}

// Config controls scan timing.
type Config struct {
	Interval      time.Duration `yaml:"interval"`       // default 10s
	SubmitTimeout time.Duration `yaml:"submit_timeout"` // per order, default 15s
	ExitTimeout   time.Duration `yaml:"exit_timeout"`   // per venue exit, default 15s
}

// DefaultConfig returns the default scan timing.
func DefaultConfig() Config {
	return Config{Interval: 10 * time.Second, SubmitTimeout: 15 * time.Second, ExitTimeout: 15 * time.Second}
}

// CycleResult summarises one scan cycle.
type CycleResult struct {
	ID        int64          `json:"id"`
	Started   time.Time      `json:"started"`
	Duration  time.Duration  `json:"duration"`
	Scanned   int            `json:"scanned"`
	Patterns  int            `json:"patterns"`
	Passed    int            `json:"passed"`
	Submitted []model.Signal `json:"submitted"`
	Rejected  int            `json:"rejected"`
}

// Scanner is owned by one bot run. Scan and OnCandle are safe to call from
// different goroutines.
type Scanner struct {
	cfg      Config
	src      Source
	pipe     *Pipeline
	book     *portfolio.Book
	gw       execution.Gateway
	universe func() []string

	mu        sync.Mutex
	lastCycle CycleResult
	seen      map[string]time.Time // last pattern candle acted on per symbol
	inflight  map[string]bool

	pending atomic.Int32
	cycles  atomic.Int64
	wg      sync.WaitGroup

	Events  model.Publisher  // optional
	Metrics *metrics.Metrics // optional
	Now     func() time.Time
	Logger  *slog.Logger
}

// New creates a scanner. universe is read at the start of every cycle so
// configuration updates apply to the next cycle.
func New(cfg Config, src Source, pipe *Pipeline, book *portfolio.Book, gw execution.Gateway, universe func() []string) *Scanner {
	d := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = d.SubmitTimeout
	}
	if cfg.ExitTimeout <= 0 {
		cfg.ExitTimeout = d.ExitTimeout
	}
	return &Scanner{
		cfg:      cfg,
		src:      src,
		pipe:     pipe,
		book:     book,
		gw:       gw,
		universe: universe,
		seen:     make(map[string]time.Time),
		inflight: make(map[string]bool),
		Now:      time.Now,
		Logger:   slog.Default().With("component", "scanner"),
	}
}

// Pending returns the number of order submissions still resolving.
func (s *Scanner) Pending() int { return int(s.pending.Load()) }

// LastCycle returns the most recent cycle summary.
func (s *Scanner) LastCycle() CycleResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCycle
}

// Run scans every Interval until ctx is done. A cycle never waits for the
// orders of a previous cycle.
func (s *Scanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Scan(ctx)
		}
	}
}

// Wait blocks until in-flight submissions and exits have resolved.
func (s *Scanner) Wait() { s.wg.Wait() }

// Scan runs one cycle over the universe.
func (s *Scanner) Scan(ctx context.Context) CycleResult {
	id := s.cycles.Add(1)
	ctx = logger.WithScanID(ctx, fmt.Sprintf("scan-%d", id))
	res := CycleResult{ID: id, Started: s.Now()}
	symbols := s.universe()

	s.emit(ctx, model.Event{Type: model.EventScanStarted, Fields: map[string]any{"cycle": id, "symbols": len(symbols)}})

	var candidates []model.Signal
	for _, sym := range symbols {
		if ctx.Err() != nil {
			break
		}
		sig, ok := s.scanSymbol(ctx, sym, &res)
		if ok {
			candidates = append(candidates, sig)
		}
	}

	if len(candidates) > 0 {
		selected := s.pipe.Risk.Select(candidates, s.book.OpenCount(), s.Pending())
		chosen := make(map[string]bool, len(selected))
		for _, sig := range selected {
			chosen[sig.Symbol] = true
		}
		for _, sig := range candidates {
			if !chosen[sig.Symbol] {
				res.Rejected++
				s.reject(ctx, sig.Symbol, StageCapacity, "position cap reached")
			}
		}
		for _, sig := range selected {
			res.Submitted = append(res.Submitted, sig)
			s.Metrics.SignalAccepted()
			s.emit(ctx, model.Event{Type: model.EventSignalGenerated, Symbol: sig.Symbol, Stage: StageRisk, Fields: signalFields(sig)})
			s.submit(ctx, sig)
		}
	}

	res.Duration = s.Now().Sub(res.Started)
	s.Metrics.ScanDone(res.Duration)
	s.mu.Lock()
	s.lastCycle = res
	s.mu.Unlock()
	s.Logger.Debug("[scanner] cycle done", append(logger.Attrs(ctx),
		"scanned", res.Scanned, "patterns", res.Patterns, "submitted", len(res.Submitted))...)
	return res
}

// scanSymbol evaluates one symbol. Failures are recorded as events and never
// stop the cycle.
func (s *Scanner) scanSymbol(ctx context.Context, sym string, res *CycleResult) (sig model.Signal, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.Logger.Error("[scanner] symbol panicked", "symbol", sym, "panic", r)
			s.reject(ctx, sym, StageDetect, fmt.Sprintf("internal error: %v", r))
			ok = false
		}
	}()

	snap, found := s.src.Snapshot(sym)
	if !found {
		return model.Signal{}, false
	}
	res.Scanned++
	s.emit(ctx, model.Event{Type: model.EventSymbolScanned, Symbol: sym, Fields: map[string]any{"candles": len(snap.Candles)}})

	if s.book.HasOpen(sym) || s.isInflight(sym) {
		return model.Signal{}, false
	}

	out := s.pipe.Evaluate(snap)
	if out.Pattern == nil {
		return model.Signal{}, false
	}
	// A closed candle stays the latest for several cycles; act on it once.
	if !s.markSeen(sym, out.Pattern.CandleTS) {
		return model.Signal{}, false
	}

	res.Patterns++
	s.Metrics.Pattern(string(out.Pattern.Kind))
	s.emit(ctx, model.Event{Type: model.EventPatternDetected, Symbol: sym, Stage: StageDetect, Fields: map[string]any{
		"pattern": out.Pattern.Kind, "direction": out.Pattern.Direction, "confidence": out.Pattern.Confidence,
	}})

	if out.Validation != nil && !out.Validation.Passed {
		s.Metrics.ValidationFailed(out.Validation.FailedLevel)
		s.emit(ctx, model.Event{Type: model.EventValidationFailed, Symbol: sym, Stage: StageValidation,
			Reason: out.Validation.Reason, Fields: map[string]any{"level": out.Validation.FailedLevel}})
		return model.Signal{}, false
	}
	res.Passed++
	s.emit(ctx, model.Event{Type: model.EventValidationPassed, Symbol: sym, Stage: StageValidation,
		Fields: map[string]any{"levels": len(out.Validation.Levels)}})

	if !out.OK {
		res.Rejected++
		s.reject(ctx, sym, out.Stage, out.Reason())
		return model.Signal{}, false
	}
	return out.Signal, true
}

func (s *Scanner) markSeen(sym string, ts time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.seen[sym]; ok && !ts.After(last) {
		return false
	}
	s.seen[sym] = ts
	return true
}

func (s *Scanner) isInflight(sym string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight[sym]
}

func (s *Scanner) setInflight(sym string, v bool) {
	s.mu.Lock()
	if v {
		s.inflight[sym] = true
	} else {
		delete(s.inflight, sym)
	}
	s.mu.Unlock()
}

// submit places the order in its own goroutine bounded by SubmitTimeout. The
// submission counts toward the position cap until it resolves.
func (s *Scanner) submit(ctx context.Context, sig model.Signal) {
	s.pending.Add(1)
	s.setInflight(sig.Symbol, true)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.pending.Add(-1)
		defer s.setInflight(sig.Symbol, false)

		octx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.SubmitTimeout)
		defer cancel()

		start := time.Now()
		fill, err := s.gw.Submit(octx, sig)
		s.Metrics.OrderDone(time.Since(start))
		if err != nil {
			s.Metrics.SignalRejected(StageExecution)
			s.Logger.Warn("[scanner] order failed", append(logger.Attrs(ctx), "symbol", sig.Symbol, "err", err)...)
			s.emit(ctx, model.Event{Type: model.EventOrderFailed, Symbol: sig.Symbol, Stage: StageExecution, Reason: err.Error()})
			return
		}

		pos, err := s.book.Open(fill)
		if err != nil {
			s.emit(ctx, model.Event{Type: model.EventOrderFailed, Symbol: sig.Symbol, Stage: StageExecution, Reason: err.Error()})
			return
		}
		s.Metrics.Positions(s.book.OpenCount())
		s.emit(ctx, model.Event{Type: model.EventPositionOpened, Symbol: pos.Symbol, Stage: StageExecution, Fields: positionFields(pos)})
	}()
}

// OnCandle applies exits for a sealed candle. Wired as the aggregator's
// OnSeal hook.
func (s *Scanner) OnCandle(c model.Candle, ind model.IndicatorSet) {
	for _, p := range s.book.OnCandle(c, ind) {
		s.closed(p)
	}
}

// CloseAll flattens every open position at the given time, used at session
// close and on shutdown.
func (s *Scanner) CloseAll(at time.Time) []model.Position {
	closed := s.book.CloseAll(at)
	for _, p := range closed {
		s.closed(p)
	}
	return closed
}

func (s *Scanner) closed(p model.Position) {
	s.pipe.Risk.RecordPnL(p.NetPnL())
	s.Metrics.PositionClosed(string(p.ExitReason))
	s.Metrics.Positions(s.book.OpenCount())
	s.Metrics.SetEquity(s.pipe.Risk.Status().Equity)
	s.emit(context.Background(), model.Event{Type: model.EventPositionClosed, Symbol: p.Symbol, Stage: StageExit,
		Reason: string(p.ExitReason), Fields: positionFields(p)})

	ex, ok := s.gw.(execution.Exiter)
	if !ok {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ExitTimeout)
		defer cancel()
		if err := ex.Exit(ctx, p); err != nil {
			s.Logger.Error("[scanner] exit order failed", "symbol", p.Symbol, "err", err)
			s.emit(ctx, model.Event{Type: model.EventOrderFailed, Symbol: p.Symbol, Stage: StageExit, Reason: err.Error()})
		}
	}()
}

func (s *Scanner) reject(ctx context.Context, sym, stage, reason string) {
	s.Metrics.SignalRejected(stage)
	s.emit(ctx, model.Event{Type: model.EventSignalRejected, Symbol: sym, Stage: stage, Reason: reason})
}

func (s *Scanner) emit(ctx context.Context, ev model.Event) {
	if ev.TS.IsZero() {
		ev.TS = s.Now()
	}
	if s.Events == nil {
		return
	}
	if err := s.Events.Publish(ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
		s.Logger.Warn("[scanner] publish failed", "type", ev.Type, "err", err)
	}
}

func signalFields(sig model.Signal) map[string]any {
	return map[string]any{
		"pattern": sig.Pattern, "direction": sig.Direction, "confidence": sig.Confidence,
		"entry": sig.Entry, "stop": sig.Stop, "target": sig.Target, "rr": sig.RiskReward, "size": sig.Size,
	}
}

func positionFields(p model.Position) map[string]any {
	f := map[string]any{
		"id": p.ID, "pattern": p.Pattern, "direction": p.Direction, "entry": p.EntryPrice,
		"stop": p.Stop, "target": p.Target, "size": p.Size, "status": p.Status,
	}
	if p.Status == model.PositionClosed {
		f["exit"] = p.ExitPrice
		f["pnl"] = p.NetPnL()
		f["bars_held"] = p.BarsHeld
	}
	return f
}

// SortedUniverse returns a sorted, de-duplicated copy of symbols.
func SortedUniverse(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
