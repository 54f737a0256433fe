// Package agg builds fixed-interval OHLCV candles from ticks and historical bars.
//
// Ticks are treated as degenerate bars (O=H=L=C=price) so live ticks and
// re-sampled rows go through one merge path. Each symbol owns a bounded series
// of sealed candles guarded by its own mutex; the map-level lock only guards
// symbol insertion.
package agg

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"pattern-trader/internal/model"
)

// Tracker receives every sealed candle of one symbol and returns the indicator
// values for it. indicator.State satisfies it.
type Tracker interface {
	Update(c model.Candle) model.IndicatorSet
}

// Config controls candle width and retained history.
type Config struct {
	Interval time.Duration `yaml:"interval"`
	History  int           `yaml:"history"`
}

// DefaultHistory is the number of sealed candles kept per symbol.
const DefaultHistory = 500

// series holds one symbol's forming candle, sealed candles and indicator state.
type series struct {
	mu      sync.Mutex
	forming *model.Candle
	candles []model.Candle
	tracker Tracker
	ind     model.IndicatorSet
	history []model.IndicatorSet
	updated time.Time
}

// Aggregator builds candles for many symbols. Safe for concurrent use.
type Aggregator struct {
	interval time.Duration
	history  int

	mu     sync.RWMutex
	series map[string]*series

	late    atomic.Int64
	invalid atomic.Int64

	// NewTracker, if set, creates the per-symbol indicator tracker. It is updated
	// under the symbol lock so the cached IndicatorSet always matches the last sealed candle.
	NewTracker func(symbol string) Tracker

	// Hooks (optional, set externally). Called outside any lock.
	OnSeal func(c model.Candle, ind model.IndicatorSet)
	OnLate func(symbol string)
	OnTick func(t model.Tick)

	Logger *slog.Logger
}

// New creates an Aggregator. Non-positive values fall back to one minute and DefaultHistory.
func New(cfg Config) *Aggregator {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.History <= 0 {
		cfg.History = DefaultHistory
	}
	return &Aggregator{
		interval: cfg.Interval,
		history:  cfg.History,
		series:   make(map[string]*series, 64),
		Logger:   slog.Default(),
	}
}

// Interval returns the candle width.
func (a *Aggregator) Interval() time.Duration { return a.interval }

// Bucket aligns ts down to the interval boundary (UTC epoch based).
func Bucket(ts time.Time, interval time.Duration) time.Time {
	ns := ts.UnixNano()
	iv := int64(interval)
	rem := ns % iv
	if rem < 0 {
		rem += iv
	}
	return time.Unix(0, ns-rem).UTC()
}

// IngestTick merges a tick and returns any candle it sealed.
func (a *Aggregator) IngestTick(t model.Tick) []model.Candle {
	if a.OnTick != nil {
		a.OnTick(t)
	}
	return a.IngestBar(t.AsBar())
}

// IngestBar merges a historical row (or a tick-as-bar) into its bucket and
// returns the candles sealed by it. Late or malformed input is dropped and counted.
func (a *Aggregator) IngestBar(b model.Bar) []model.Candle {
	if b.Low > b.High || b.Open < b.Low || b.Open > b.High || b.Close < b.Low || b.Close > b.High || b.Volume < 0 || b.Close <= 0 {
		a.invalid.Add(1)
		return nil
	}
	start := Bucket(b.TS, a.interval)
	s := a.get(b.Symbol)

	var sealed []model.Candle
	var sets []model.IndicatorSet

	s.mu.Lock()
	if s.isLate(start) {
		s.mu.Unlock()
		a.late.Add(1)
		if a.OnLate != nil {
			a.OnLate(b.Symbol)
		}
		return nil
	}
	if s.forming != nil && start.After(s.forming.Start) {
		c, ind := a.seal(s)
		sealed = append(sealed, c)
		sets = append(sets, ind)
	}
	if s.forming == nil {
		s.forming = &model.Candle{
			Symbol:   b.Symbol,
			Interval: a.interval,
			Start:    start,
			End:      start.Add(a.interval),
			Open:     b.Open,
			High:     b.High,
			Low:      b.Low,
			Close:    b.Close,
			Volume:   b.Volume,
			Count:    1,
		}
	} else {
		c := s.forming
		if b.High > c.High {
			c.High = b.High
		}
		if b.Low < c.Low {
			c.Low = b.Low
		}
		c.Close = b.Close
		c.Volume += b.Volume
		c.Count++
	}
	if b.TS.After(s.updated) {
		s.updated = b.TS
	}
	s.mu.Unlock()

	a.fire(sealed, sets)
	return sealed
}

// isLate reports input whose bucket precedes the forming or last sealed candle.
func (s *series) isLate(start time.Time) bool {
	if s.forming != nil {
		return start.Before(s.forming.Start)
	}
	if n := len(s.candles); n > 0 {
		return !start.After(s.candles[n-1].Start)
	}
	return false
}

// seal moves the forming candle into the series. Caller holds s.mu.
func (a *Aggregator) seal(s *series) (model.Candle, model.IndicatorSet) {
	c := *s.forming
	s.forming = nil
	s.candles = appendBounded(s.candles, c, a.history)
	if s.tracker != nil {
		s.ind = s.tracker.Update(c)
		s.history = appendBounded(s.history, s.ind, a.history)
	}
	return c, s.ind
}

func appendBounded[T any](buf []T, v T, limit int) []T {
	if len(buf) >= limit {
		// shift in place; history is small and snapshots copy anyway
		copy(buf, buf[1:])
		buf[len(buf)-1] = v
		return buf
	}
	return append(buf, v)
}

func (a *Aggregator) fire(sealed []model.Candle, sets []model.IndicatorSet) {
	if a.OnSeal == nil {
		return
	}
	for i, c := range sealed {
		a.OnSeal(c, sets[i])
	}
}

func (a *Aggregator) get(symbol string) *series {
	a.mu.RLock()
	s, ok := a.series[symbol]
	a.mu.RUnlock()
	if ok {
		return s
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok = a.series[symbol]; ok {
		return s
	}
	s = &series{candles: make([]model.Candle, 0, 64)}
	if a.NewTracker != nil {
		s.tracker = a.NewTracker(symbol)
	}
	a.series[symbol] = s
	return s
}

// FlushBefore seals every forming candle whose window ended at or before t.
// Used by the live loop to close idle symbols.
func (a *Aggregator) FlushBefore(t time.Time) []model.Candle {
	return a.flush(func(c *model.Candle) bool { return !c.End.After(t) })
}

// FlushAll seals every forming candle regardless of time.
func (a *Aggregator) FlushAll() []model.Candle {
	return a.flush(func(*model.Candle) bool { return true })
}

// DiscardForming drops every forming candle without sealing it and returns
// how many were dropped.
func (a *Aggregator) DiscardForming() int {
	n := 0
	for _, sym := range a.Symbols() {
		s := a.get(sym)
		s.mu.Lock()
		if s.forming != nil {
			s.forming = nil
			n++
		}
		s.mu.Unlock()
	}
	return n
}

func (a *Aggregator) flush(due func(*model.Candle) bool) []model.Candle {
	var sealed []model.Candle
	var sets []model.IndicatorSet
	for _, sym := range a.Symbols() {
		s := a.get(sym)
		s.mu.Lock()
		if s.forming != nil && due(s.forming) {
			c, ind := a.seal(s)
			sealed = append(sealed, c)
			sets = append(sets, ind)
		}
		s.mu.Unlock()
	}
	a.fire(sealed, sets)
	return sealed
}

// Snapshot returns an immutable copy of one symbol's series.
func (a *Aggregator) Snapshot(symbol string) (model.SeriesSnapshot, bool) {
	a.mu.RLock()
	s, ok := a.series[symbol]
	a.mu.RUnlock()
	if !ok {
		return model.SeriesSnapshot{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	snap := model.SeriesSnapshot{
		Symbol:     symbol,
		Interval:   a.interval,
		Candles:    append([]model.Candle(nil), s.candles...),
		Indicators: s.ind,
		History:    append([]model.IndicatorSet(nil), s.history...),
		UpdatedAt:  s.updated,
	}
	if s.forming != nil {
		f := *s.forming
		snap.Forming = &f
	}
	return snap, true
}

// Symbols returns the known symbols in sorted order.
func (a *Aggregator) Symbols() []string {
	a.mu.RLock()
	out := make([]string, 0, len(a.series))
	for sym := range a.series {
		out = append(out, sym)
	}
	a.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Late returns the number of late inputs dropped.
func (a *Aggregator) Late() int64 { return a.late.Load() }

// Invalid returns the number of malformed inputs rejected.
func (a *Aggregator) Invalid() int64 { return a.invalid.Load() }

// Run consumes ticks until ctx is cancelled or the channel closes, flushing idle
// symbols every flushEvery using now. When the channel closes the remaining
// forming candles are sealed; on cancellation they are discarded unsealed, so
// no hook fires for a partial bar.
func (a *Aggregator) Run(ctx context.Context, ticks <-chan model.Tick, flushEvery time.Duration, now func() time.Time) {
	if flushEvery <= 0 {
		flushEvery = time.Second
	}
	if now == nil {
		now = time.Now
	}
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if n := a.DiscardForming(); n > 0 {
				a.Logger.Debug("[agg] discarded forming candles", "count", n)
			}
			return
		case t, ok := <-ticks:
			if !ok {
				a.FlushAll()
				return
			}
			if ctx.Err() != nil {
				continue
			}
			a.IngestTick(t)
		case <-ticker.C:
			if n := len(a.FlushBefore(now())); n > 0 {
				a.Logger.Debug("[agg] flushed idle candles", "count", n)
			}
		}
	}
}
