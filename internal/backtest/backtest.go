// Package backtest replays historical bars through the live decision path:
// aggregator, indicators, detector, validator, risk sizing and the fill
// simulator. A run is single-goroutine and depends only on its bars and
// parameters, so repeated runs produce identical trades and metrics.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"pattern-trader/internal/execution"
	"pattern-trader/internal/indicator"
	"pattern-trader/internal/marketdata/agg"
	"pattern-trader/internal/marketdata/replay"
	"pattern-trader/internal/markethours"
	"pattern-trader/internal/model"
	"pattern-trader/internal/pattern"
	"pattern-trader/internal/portfolio"
	"pattern-trader/internal/scanner"
	"pattern-trader/internal/strategy"
	"pattern-trader/internal/validator"
)

// State is the engine state.
type State string

const (
	StateIdle        State = "idle"
	StateLoading     State = "loading"
	StateReplaying   State = "replaying"
	StateAggregating State = "aggregating"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

// Params fully determine a run together with the bars.
type Params struct {
	Name       string               `json:"name,omitempty" yaml:"name"`
	Symbols    []string             `json:"symbols" yaml:"symbols"`
	From       time.Time            `json:"from" yaml:"from"`
	To         time.Time            `json:"to" yaml:"to"`
	Interval   time.Duration        `json:"interval" yaml:"interval"`
	Strategy   string               `json:"strategy" yaml:"strategy"`
	Indicators indicator.Config     `json:"indicators" yaml:"indicators"`
	Pattern    pattern.Config       `json:"pattern" yaml:"pattern"`
	Validator  validator.Config     `json:"validator" yaml:"validator"`
	Risk       portfolio.RiskConfig `json:"risk" yaml:"risk"`
	Exit       portfolio.ExitConfig `json:"exit" yaml:"exit"`

	SlippageBps   float64 `json:"slippage_bps" yaml:"slippage_bps"`
	CommissionBps float64 `json:"commission_bps" yaml:"commission_bps"`

	// Session, when set, applies the live session rules: positions close
	// at the session close and the daily loss counter resets each trading
	// day. Without it days roll over at UTC midnight and positions are held.
	Session *markethours.Session `json:"-" yaml:"-"`
}

// DefaultParams returns one-minute candles with the default strategy and
// component settings. Symbols and range are left empty.
func DefaultParams() Params {
	return Params{
		Interval:   time.Minute,
		Strategy:   strategy.Default,
		Indicators: indicator.DefaultConfig(),
		Pattern:    pattern.DefaultConfig(),
		Validator:  validator.DefaultConfig(),
		Risk:       portfolio.DefaultRiskConfig(),
		Exit:       portfolio.DefaultExitConfig(),
	}
}

// Validate rejects parameters a run cannot use.
func (p Params) Validate() error {
	if len(p.Symbols) == 0 {
		return errors.New("backtest: no symbols")
	}
	if p.Interval < time.Second {
		return fmt.Errorf("backtest: interval %s too small", p.Interval)
	}
	if !p.From.IsZero() && !p.To.IsZero() && !p.To.After(p.From) {
		return fmt.Errorf("backtest: range end %s not after start %s", p.To, p.From)
	}
	if p.SlippageBps < 0 || p.CommissionBps < 0 {
		return errors.New("backtest: slippage_bps and commission_bps must not be negative")
	}
	if _, err := strategy.Lookup(p.Strategy); err != nil {
		return fmt.Errorf("backtest: %w", err)
	}
	if err := p.Indicators.Validate(); err != nil {
		return fmt.Errorf("backtest: %w", err)
	}
	return p.Risk.Validate()
}

// Run is the immutable result of one backtest.
type Run struct {
	Params  Params           `json:"params"`
	State   State            `json:"state"`
	Bars    int              `json:"bars"`
	Candles int              `json:"candles"`
	Trades  []model.Position `json:"trades"`
	Metrics Metrics          `json:"metrics"`
	Error   string           `json:"error,omitempty"`
}

// Engine runs backtests against one bar source.
type Engine struct {
	src model.BarSource

	mu    sync.Mutex
	state State

	OnState func(State) // optional
	Logger  *slog.Logger
}

// New creates an idle engine over src.
func New(src model.BarSource) *Engine {
	return &Engine{src: src, state: StateIdle, Logger: slog.Default().With("component", "backtest")}
}

// State returns the engine state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	if e.OnState != nil {
		e.OnState(s)
	}
}

// Run executes one backtest. A failed run returns the partial Run and the
// error; a run with no patterns or trades is a success.
func (e *Engine) Run(ctx context.Context, p Params) (Run, error) {
	out := Run{Params: p}
	fail := func(err error) (Run, error) {
		e.setState(StateFailed)
		out.State, out.Error = StateFailed, err.Error()
		e.Logger.Warn("[backtest] run failed", "name", p.Name, "error", err)
		return out, err
	}

	if err := p.Validate(); err != nil {
		return fail(err)
	}

	e.setState(StateLoading)
	bars, err := e.src.LoadBars(ctx, p.Symbols, p.Interval, p.From, p.To)
	if err != nil {
		return fail(fmt.Errorf("backtest: load: %w", err))
	}
	replay.Sort(bars)
	out.Bars = len(bars)

	e.setState(StateReplaying)
	sim, err := newSim(p)
	if err != nil {
		return fail(err)
	}
	for i := 0; i < len(bars); {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		sim.rollover(ctx, bars[i].TS)
		j := i
		for j < len(bars) && bars[j].TS.Equal(bars[i].TS) {
			sim.agg.IngestBar(bars[j])
			j++
		}
		sim.step(ctx)
		i = j
	}

	e.setState(StateAggregating)
	sim.agg.FlushAll()
	sim.step(ctx)
	if len(bars) > 0 {
		last := bars[len(bars)-1].TS
		for _, pos := range sim.book.CloseAll(agg.Bucket(last, p.Interval).Add(p.Interval)) {
			sim.record(pos)
		}
	}

	out.Candles = sim.candles
	out.Trades = sim.trades
	out.Metrics = Compute(sim.trades, p.Risk.Capital)
	out.Metrics.PatternsSeen = sim.patterns
	out.Metrics.SignalsGenerated = sim.signals
	out.Metrics.SignalsRejected = sim.rejected
	out.State = StateDone
	e.setState(StateDone)
	e.Logger.Info("[backtest] run done", "name", p.Name, "bars", out.Bars, "trades", out.Metrics.TotalTrades,
		"net_pnl", out.Metrics.NetPnL.String())
	return out, nil
}

// sim is the per-run wiring. Sealed candles are queued by the aggregator
// hook and handled once per timestamp so every symbol closing together
// competes for capacity in one ranking.
type sim struct {
	agg  *agg.Aggregator
	pipe *scanner.Pipeline
	book *portfolio.Book
	gw   *execution.Simulator
	now  time.Time

	session  *markethours.Session
	interval time.Duration
	day      string
	lastBar  time.Time

	sealed   []sealedCandle
	trades   []model.Position
	candles  int
	patterns int
	signals  int
	rejected int
}

type sealedCandle struct {
	c   model.Candle
	ind model.IndicatorSet
}

func newSim(p Params) (*sim, error) {
	strat, err := strategy.Lookup(p.Strategy)
	if err != nil {
		return nil, err
	}
	val, err := validator.New(p.Validator)
	if err != nil {
		return nil, fmt.Errorf("backtest: %w", err)
	}
	quiet := slog.New(slog.DiscardHandler)

	s := &sim{book: portfolio.NewBook(p.Exit), session: p.Session, interval: p.Interval}
	if p.Session != nil {
		s.book.SessionEnd = p.Session.AtOrAfterClose
	}
	rm := portfolio.NewRiskManager(p.Risk)
	rm.Now = func() time.Time { return s.now }
	rm.Logger = quiet

	eng := indicator.NewEngine(p.Indicators)
	s.agg = agg.New(agg.Config{Interval: p.Interval})
	s.agg.Logger = quiet
	s.agg.NewTracker = func(string) agg.Tracker { return eng.NewState() }
	s.agg.OnSeal = func(c model.Candle, ind model.IndicatorSet) {
		s.sealed = append(s.sealed, sealedCandle{c, ind})
	}

	s.pipe = &scanner.Pipeline{
		Detector:  pattern.New(p.Pattern, strat.Kinds...),
		Validator: val,
		Risk:      rm,
	}
	s.gw = execution.NewSimulator(p.SlippageBps, p.CommissionBps)
	s.gw.Quiet = true
	return s, nil
}

// step handles the candles sealed since the last call: exits first, then
// entries ranked against the remaining capacity.
func (s *sim) step(ctx context.Context) {
	if len(s.sealed) == 0 {
		return
	}
	batch := s.sealed
	s.sealed = nil
	s.candles += len(batch)

	for _, sc := range batch {
		for _, pos := range s.book.OnCandle(sc.c, sc.ind) {
			s.record(pos)
		}
	}

	var candidates []model.Signal
	for _, sc := range batch {
		if s.book.HasOpen(sc.c.Symbol) {
			continue
		}
		snap, ok := s.agg.Snapshot(sc.c.Symbol)
		if !ok {
			continue
		}
		s.now = sc.c.End
		out := s.pipe.Evaluate(snap)
		if out.Pattern != nil {
			s.patterns++
		}
		if !out.OK {
			if out.Pattern != nil {
				s.rejected++
			}
			continue
		}
		candidates = append(candidates, out.Signal)
	}
	if len(candidates) == 0 {
		return
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Symbol < candidates[j].Symbol })
	selected := s.pipe.Risk.Select(candidates, s.book.OpenCount(), 0)
	s.rejected += len(candidates) - len(selected)
	for _, sig := range selected {
		fill, err := s.gw.Submit(ctx, sig)
		if err != nil {
			s.rejected++
			continue
		}
		if _, err := s.book.Open(fill); err != nil {
			s.rejected++
			continue
		}
		s.signals++
	}
}

// rollover runs the end-of-day rules when ts starts a new day: the day's
// forming candles are sealed and handled, positions still open are closed at
// the session close, and the daily loss counter is reset.
func (s *sim) rollover(ctx context.Context, ts time.Time) {
	loc := time.UTC
	if s.session != nil {
		loc = s.session.Location()
	}
	day := ts.In(loc).Format(time.DateOnly)
	prev := s.day
	last := s.lastBar
	s.day, s.lastBar = day, ts
	if prev == "" || day == prev {
		return
	}

	s.agg.FlushAll()
	s.step(ctx)
	if s.session != nil {
		at := s.session.CloseOn(last)
		if end := agg.Bucket(last, s.interval).Add(s.interval); end.After(at) {
			at = end
		}
		for _, pos := range s.book.CloseAll(at) {
			s.record(pos)
		}
	}
	s.pipe.Risk.ResetDaily()
}

func (s *sim) record(pos model.Position) {
	s.trades = append(s.trades, pos)
	s.pipe.Risk.RecordPnL(pos.NetPnL())
}

// Result pairs a run with its error for RunMany.
type Result struct {
	Run Run
	Err error
}

// RunMany runs each parameter set on its own engine, at most workers at a
// time. Results keep the order of params.
func RunMany(ctx context.Context, src model.BarSource, params []Params, workers int) []Result {
	if workers <= 0 {
		workers = 1
	}
	results := make([]Result, len(params))
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i, p := range params {
		wg.Add(1)
		go func(i int, p Params) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			run, err := New(src).Run(ctx, p)
			results[i] = Result{Run: run, Err: err}
		}(i, p)
	}
	wg.Wait()
	return results
}
