// Package bot owns the live pipeline lifecycle. A Service moves through
// stopped, starting, running and stopping; each run wires a feed manager,
// aggregator, scanner and health supervisor, and tears them down on Stop.
// The position book and risk guards outlive runs so positions stay visible.
package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"pattern-trader/internal/execution"
	"pattern-trader/internal/health"
	"pattern-trader/internal/indicator"
	"pattern-trader/internal/logger"
	"pattern-trader/internal/marketdata/agg"
	"pattern-trader/internal/marketdata/feed"
	"pattern-trader/internal/markethours"
	"pattern-trader/internal/metrics"
	"pattern-trader/internal/model"
	"pattern-trader/internal/pattern"
	"pattern-trader/internal/portfolio"
	"pattern-trader/internal/scanner"
	"pattern-trader/internal/strategy"
	"pattern-trader/internal/validator"
)

// State is the lifecycle state of the service.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

var (
	// ErrNotStopped is returned by Start unless the service is stopped.
	ErrNotStopped = errors.New("bot: not stopped")
	// ErrNotRunning is returned by Stop unless the service is running.
	ErrNotRunning = errors.New("bot: not running")
	// ErrLiveUnavailable is returned when live mode has no broker wired.
	ErrLiveUnavailable = errors.New("bot: live mode needs a broker")
)

// Store keys.
const (
	keySettings  = "bot:settings"
	keyPositions = "bot:positions"
)

var connStatuses = []string{
	string(model.ConnDisconnected), string(model.ConnConnected), string(model.ConnReconnecting),
	string(model.ConnDegraded), string(model.ConnFallback),
}

// Deps are the integrations a Service runs against.
type Deps struct {
	Stream      feed.Stream     // required
	Store       model.Store     // required
	History     model.BarSource // optional bootstrap source
	Broker      execution.Broker
	Credentials health.Credentials
	// Login refreshes the broker session before a live run. Optional.
	Login   func(ctx context.Context) error
	Journal *execution.Journal
	Events  model.Publisher
	Session *markethours.Session
	Metrics *metrics.Metrics
	Health  *metrics.HealthStatus
	// Candles receives every sealed candle when set. Sends never block.
	Candles chan<- model.Candle

	Feed        feed.Config
	Supervision health.Config
}

// Status is the management view of the service.
type Status struct {
	State      State                 `json:"state"`
	RunID      string                `json:"run_id,omitempty"`
	StartedAt  time.Time             `json:"started_at,omitempty"`
	Settings   Settings              `json:"settings"`
	Connection model.ConnectionState `json:"connection"`
	LastScan   scanner.CycleResult   `json:"last_scan"`
	LastHealth *health.Report        `json:"last_health,omitempty"`
	Pending    int                   `json:"pending"`
	Open       int                   `json:"open_positions"`
	PnL        portfolio.PnLSummary  `json:"pnl"`
	Risk       portfolio.RiskStatus  `json:"risk"`
	Market     string                `json:"market,omitempty"`
}

// run is everything owned by one start/stop cycle.
type run struct {
	id      string
	started time.Time
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	feed    *feed.Manager
	agg     *agg.Aggregator
	scanner *scanner.Scanner
	cron    *cron.Cron

	mu         sync.Mutex
	lastHealth *health.Report
}

// Service is the lifecycle owner. Safe for concurrent use.
type Service struct {
	deps Deps
	book *portfolio.Book
	risk *portfolio.RiskManager

	mu       sync.Mutex
	state    State
	settings Settings
	run      *run

	Now    func() time.Time
	Logger *slog.Logger
}

// New creates a stopped service. Settings persisted in the store take
// precedence over initial when they validate.
func New(ctx context.Context, deps Deps, initial Settings) (*Service, error) {
	if deps.Stream == nil || deps.Store == nil {
		return nil, errors.New("bot: stream and store are required")
	}
	s := &Service{
		deps:     deps,
		state:    StateStopped,
		settings: initial,
		Now:      time.Now,
		Logger:   slog.Default().With("component", "bot"),
	}
	if saved, err := s.loadSettings(ctx); err == nil {
		s.settings = saved
	} else if !errors.Is(err, model.ErrNotFound) {
		s.Logger.Warn("[bot] ignoring stored settings", "error", err)
	}
	if err := s.settings.Validate(); err != nil {
		return nil, err
	}

	s.risk = portfolio.NewRiskManager(s.settings.Risk)
	s.book = portfolio.NewBook(s.settings.Exit)
	if deps.Session != nil {
		s.book.SessionEnd = deps.Session.AtOrAfterClose
	}
	s.deps.Health.SetBotState(string(StateStopped))
	return s, nil
}

func (s *Service) loadSettings(ctx context.Context) (Settings, error) {
	raw, err := s.deps.Store.Get(ctx, keySettings)
	if err != nil {
		return Settings{}, err
	}
	var set Settings
	if err := json.Unmarshal(raw, &set); err != nil {
		return Settings{}, fmt.Errorf("bot: decode settings: %w", err)
	}
	return set, set.Validate()
}

// State returns the lifecycle state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Settings returns the current settings.
func (s *Service) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// Book returns the position book.
func (s *Service) Book() *portfolio.Book { return s.book }

// Risk returns the risk manager.
func (s *Service) Risk() *portfolio.RiskManager { return s.risk }

func (s *Service) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.deps.Health.SetBotState(string(st))
}

// Start launches a run. ctx bounds connect and bootstrap only; the run lives
// until Stop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateStopped {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotStopped, st)
	}
	s.state = StateStarting
	set := s.settings
	s.mu.Unlock()
	s.deps.Health.SetBotState(string(StateStarting))

	r, err := s.launch(ctx, set)
	if err != nil {
		s.setState(StateStopped)
		s.lifecycle(ctx, "", "start failed: "+err.Error())
		return err
	}

	s.mu.Lock()
	s.run = r
	s.state = StateRunning
	s.mu.Unlock()
	s.deps.Health.SetBotState(string(StateRunning))
	s.lifecycle(ctx, r.id, "started")
	s.Logger.Info("[bot] running", "run_id", r.id, "mode", set.Mode, "strategy", set.Strategy, "symbols", len(set.Universe))
	return nil
}

func (s *Service) gateway(set Settings) (execution.Gateway, error) {
	var gw execution.Gateway
	switch set.Mode {
	case ModeLive:
		if s.deps.Broker == nil {
			return nil, ErrLiveUnavailable
		}
		gw = execution.NewLiveGateway(s.deps.Broker, set.CommissionBps)
	default:
		sim := execution.NewSimulator(set.SlippageBps, set.CommissionBps)
		sim.Prefix = "PAPER"
		gw = paperClock{sim: sim, now: s.Now}
	}
	if s.deps.Journal != nil {
		gw = execution.Journaled{Gateway: gw, Journal: s.deps.Journal}
	}
	return gw, nil
}

func (s *Service) launch(ctx context.Context, set Settings) (*run, error) {
	strat, err := strategy.Lookup(set.Strategy)
	if err != nil {
		return nil, err
	}
	val, err := validator.New(set.Validator)
	if err != nil {
		return nil, err
	}
	gw, err := s.gateway(set)
	if err != nil {
		return nil, err
	}
	s.risk.SetConfig(set.Risk)
	s.risk.Now = s.Now

	r := &run{id: uuid.NewString(), started: s.Now()}
	runCtx, cancel := context.WithCancel(logger.WithRunID(context.WithoutCancel(ctx), r.id))
	r.cancel = cancel

	eng := indicator.NewEngine(set.Indicators)
	r.agg = agg.New(agg.Config{Interval: set.Interval, History: set.History})
	r.agg.NewTracker = func(string) agg.Tracker { return eng.NewState() }

	pipe := &scanner.Pipeline{
		Detector:  pattern.New(set.Pattern, strat.Kinds...),
		Validator: val,
		Risk:      s.risk,
	}
	m := s.deps.Metrics
	r.scanner = scanner.New(set.Scanner, r.agg, pipe, s.book, gw, s.universe)
	r.scanner.Events = s.deps.Events
	r.scanner.Metrics = m
	r.scanner.Now = s.Now

	r.agg.OnTick = func(model.Tick) { m.Tick() }
	r.agg.OnLate = func(string) { m.LateInput() }
	r.agg.OnSeal = func(c model.Candle, ind model.IndicatorSet) {
		m.CandleSealed(1)
		r.scanner.OnCandle(c, ind)
		if s.deps.Candles != nil {
			select {
			case s.deps.Candles <- c:
			default:
				s.Logger.Warn("[bot] candle sink full, dropping", "symbol", c.Symbol)
			}
		}
	}

	r.feed = feed.NewManager(s.deps.Stream, s.deps.Feed)
	r.feed.Events = s.deps.Events
	r.feed.Now = s.Now
	r.feed.Queue().OnDrop = m.DroppedTick
	r.feed.OnState = func(st model.ConnectionState) {
		m.SetFeedStatus(string(st.Status), connStatuses)
		if st.Status == model.ConnReconnecting {
			m.Reconnect()
		}
		s.deps.Health.SetFeed(string(st.Status), st.LastTick)
	}

	if set.Mode == ModeLive && s.deps.Login != nil {
		if err := s.deps.Login(ctx); err != nil {
			cancel()
			return nil, fmt.Errorf("bot: login: %w", err)
		}
	}
	if err := r.feed.Subscribe(ctx, set.Universe); err != nil {
		cancel()
		return nil, err
	}
	if err := r.feed.Connect(runCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("bot: connect: %w", err)
	}
	s.bootstrap(ctx, r, set)

	sup := health.New(r.feed, s.deps.Credentials, s.deps.Supervision)
	sup.Events = s.deps.Events
	sup.Metrics = m
	sup.Health = s.deps.Health
	sup.Now = s.Now
	if s.deps.Session != nil {
		sup.Active = s.deps.Session.IsOpen
	}
	sup.OnReport = func(rep health.Report) {
		r.mu.Lock()
		r.lastHealth = &rep
		r.mu.Unlock()
	}

	r.cron, err = s.schedule(set, r)
	if err != nil {
		r.feed.Disconnect()
		cancel()
		return nil, err
	}

	r.wg.Add(3)
	go func() {
		defer r.wg.Done()
		r.agg.Run(runCtx, r.feed.Ticks(), time.Second, s.Now)
	}()
	go func() {
		defer r.wg.Done()
		r.scanner.Run(runCtx)
	}()
	go func() {
		defer r.wg.Done()
		sup.Run(runCtx)
	}()
	r.cron.Start()
	return r, nil
}

// bootstrap seeds the aggregator with closed history in (TS, symbol) order.
// The feed already falls back to live-only when the source fails.
func (s *Service) bootstrap(ctx context.Context, r *run, set Settings) {
	if s.deps.History == nil || set.Lookback <= 0 {
		return
	}
	now := s.Now()
	to := agg.Bucket(now, set.Interval)
	bars := r.feed.Bootstrap(ctx, s.deps.History, set.Universe, set.Interval, to.Add(-set.Lookback), to)
	sort.SliceStable(bars, func(i, j int) bool {
		if !bars[i].TS.Equal(bars[j].TS) {
			return bars[i].TS.Before(bars[j].TS)
		}
		return bars[i].Symbol < bars[j].Symbol
	})
	for _, b := range bars {
		r.agg.IngestBar(b)
	}
	r.agg.FlushBefore(to)
}

func (s *Service) universe() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.settings.Universe...)
}

// Stop cancels the run, waits for its goroutines and closes the feed. No scan
// cycle starts after Stop returns.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRunning {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRunning, st)
	}
	s.state = StateStopping
	r := s.run
	s.mu.Unlock()
	s.deps.Health.SetBotState(string(StateStopping))

	cronDone := r.cron.Stop()
	r.cancel()
	r.feed.Disconnect()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		r.scanner.Wait()
		<-cronDone.Done()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("bot: stop: %w", ctx.Err())
	}

	s.persistPositions(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.run = nil
	s.state = StateStopped
	s.mu.Unlock()
	s.deps.Health.SetBotState(string(StateStopped))
	s.lifecycle(ctx, r.id, "stopped")
	s.Logger.Info("[bot] stopped", "run_id", r.id)
	return err
}

// UpdateSettings applies p, validates the result and persists it. A running
// bot picks up universe and risk changes immediately; the rest apply on the
// next start.
func (s *Service) UpdateSettings(ctx context.Context, p Patch) (Settings, error) {
	s.mu.Lock()
	next, err := p.Apply(s.settings)
	if err == nil {
		err = next.Validate()
	}
	if err != nil {
		s.mu.Unlock()
		return Settings{}, err
	}
	prevUniverse := s.settings.Universe
	s.settings = next
	r := s.run
	s.mu.Unlock()

	s.risk.SetConfig(next.Risk)
	if r != nil && !sameSymbols(prevUniverse, next.Universe) {
		if err := r.feed.Subscribe(ctx, next.Universe); err != nil {
			s.Logger.Warn("[bot] resubscribe failed", "error", err)
		}
	}

	raw, err := json.Marshal(next)
	if err != nil {
		return next, fmt.Errorf("bot: encode settings: %w", err)
	}
	if err := s.deps.Store.Put(ctx, keySettings, raw); err != nil {
		return next, fmt.Errorf("bot: persist settings: %w", err)
	}
	s.lifecycle(ctx, "", "settings updated")
	return next, nil
}

func sameSymbols(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Status returns the current management view.
func (s *Service) Status() Status {
	s.mu.Lock()
	st := Status{State: s.state, Settings: s.settings}
	r := s.run
	s.mu.Unlock()

	st.Open = s.book.OpenCount()
	st.PnL = s.book.Summary()
	st.Risk = s.risk.Status()
	if s.deps.Session != nil {
		st.Market = s.deps.Session.StatusString(s.Now())
	}
	if r == nil {
		st.Connection = model.ConnectionState{Status: model.ConnDisconnected}
		return st
	}
	st.RunID = r.id
	st.StartedAt = r.started
	st.Connection = r.feed.State()
	st.LastScan = r.scanner.LastCycle()
	st.Pending = r.scanner.Pending()
	r.mu.Lock()
	st.LastHealth = r.lastHealth
	r.mu.Unlock()
	return st
}

// Positions returns open positions followed by closed ones.
func (s *Service) Positions() (open, closed []model.Position) {
	return s.book.Positions(), s.book.Closed()
}

func (s *Service) persistPositions(ctx context.Context) {
	raw, err := json.Marshal(map[string]any{
		"open":   s.book.Positions(),
		"closed": s.book.Closed(),
	})
	if err != nil {
		return
	}
	if err := s.deps.Store.Put(ctx, keyPositions, raw); err != nil {
		s.Logger.Warn("[bot] persist positions failed", "error", err)
	}
}

func (s *Service) lifecycle(ctx context.Context, runID, reason string) {
	if s.deps.Events == nil {
		return
	}
	ev := model.Event{Type: model.EventLifecycle, Stage: "bot", Reason: reason, TS: s.Now(),
		Fields: map[string]any{"state": string(s.State())}}
	if runID != "" {
		ev.Fields["run_id"] = runID
	}
	if err := s.deps.Events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.Logger.Warn("[bot] publish lifecycle failed", "error", err)
	}
}

// paperClock stamps paper fills with the bot clock; the simulator alone
// reuses the signal time so backtests stay deterministic.
type paperClock struct {
	sim *execution.Simulator
	now func() time.Time
}

func (p paperClock) Submit(ctx context.Context, sig model.Signal) (model.Fill, error) {
	f, err := p.sim.Submit(ctx, sig)
	if err == nil {
		f.FilledAt = p.now()
	}
	return f, err
}
