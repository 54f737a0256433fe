package portfolio

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"pattern-trader/internal/model"
)

// ExitConfig tunes the non-price exits.
type ExitConfig struct {
	RSIExitHigh   float64 `yaml:"rsi_exit_high"` // long closes at or above
	RSIExitLow    float64 `yaml:"rsi_exit_low"`  // short closes at or below
	MaxBars       int     `yaml:"max_bars"`      // 0 disables
	CommissionBps float64 `yaml:"commission_bps"`
}

// DefaultExitConfig returns the default exit rules.
func DefaultExitConfig() ExitConfig {
	return ExitConfig{RSIExitHigh: 80, RSIExitLow: 20, MaxBars: 30}
}

// Book tracks open positions (at most one per symbol) and closed trades.
type Book struct {
	mu     sync.RWMutex
	cfg    ExitConfig
	open   map[string]*model.Position
	closed []model.Position

	// SessionEnd reports whether a candle ending at t is inside the forced
	// close window. Optional.
	SessionEnd func(t time.Time) bool
}

// NewBook creates an empty Book.
func NewBook(cfg ExitConfig) *Book {
	return &Book{
		cfg:  cfg,
		open: make(map[string]*model.Position),
	}
}

// Open records a filled signal as an open position.
func (b *Book) Open(f model.Fill) (model.Position, error) {
	if f.Size <= 0 || f.Price <= 0 {
		return model.Position{}, fmt.Errorf("portfolio: open %s: invalid fill %.2f@%.2f", f.Signal.Symbol, f.Size, f.Price)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.open[f.Signal.Symbol]; ok {
		return model.Position{}, fmt.Errorf("portfolio: open %s: position already open", f.Signal.Symbol)
	}
	// Levels keep their distance from the actual fill price.
	shift := f.Price - f.Signal.Entry
	p := &model.Position{
		ID:         f.OrderID,
		Symbol:     f.Signal.Symbol,
		Direction:  f.Signal.Direction,
		Pattern:    f.Signal.Pattern,
		EntryPrice: f.Price,
		EntryTime:  f.FilledAt,
		Size:       f.Size,
		Stop:       f.Signal.Stop + shift,
		Target:     f.Signal.Target + shift,
		Status:     model.PositionOpen,
		LastPrice:  f.Price,
		Commission: f.Commission,
	}
	b.open[p.Symbol] = p
	return *p, nil
}

// HasOpen reports whether symbol has an open position.
func (b *Book) HasOpen(symbol string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.open[symbol]
	return ok
}

// OpenCount returns the number of open positions.
func (b *Book) OpenCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.open)
}

// OnCandle marks the symbol's position to a sealed candle and closes it when
// an exit rule fires. Returns the positions closed by this candle.
//
// Exit order is stop, target, technical, time. A bar touching both stop and
// target closes at the stop.
func (b *Book) OnCandle(c model.Candle, ind model.IndicatorSet) []model.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.open[c.Symbol]
	if !ok || !c.End.After(p.EntryTime) {
		return nil
	}
	p.BarsHeld++
	p.LastPrice = c.Close

	long := p.Direction == model.Bullish
	switch {
	case long && c.Low <= p.Stop:
		b.closeLocked(p, min(c.Open, p.Stop), c.End, model.ExitStop)
	case !long && c.High >= p.Stop:
		b.closeLocked(p, max(c.Open, p.Stop), c.End, model.ExitStop)
	case long && c.High >= p.Target:
		b.closeLocked(p, max(c.Open, p.Target), c.End, model.ExitTarget)
	case !long && c.Low <= p.Target:
		b.closeLocked(p, min(c.Open, p.Target), c.End, model.ExitTarget)
	case b.technicalExit(p, c, ind):
		b.closeLocked(p, c.Close, c.End, model.ExitTechnical)
	case b.cfg.MaxBars > 0 && p.BarsHeld >= b.cfg.MaxBars,
		b.SessionEnd != nil && b.SessionEnd(c.End):
		b.closeLocked(p, c.Close, c.End, model.ExitTime)
	default:
		return nil
	}
	return []model.Position{b.closed[len(b.closed)-1]}
}

// technicalExit fires on an RSI extreme in the position's favour, read from
// indicators computed on this very candle.
func (b *Book) technicalExit(p *model.Position, c model.Candle, ind model.IndicatorSet) bool {
	if !ind.Ready || !ind.TS.Equal(c.Start) {
		return false
	}
	if p.Direction == model.Bullish {
		return b.cfg.RSIExitHigh > 0 && ind.RSI >= b.cfg.RSIExitHigh
	}
	return b.cfg.RSIExitLow > 0 && ind.RSI <= b.cfg.RSIExitLow
}

func (b *Book) closeLocked(p *model.Position, price float64, at time.Time, reason model.ExitReason) {
	p.Status = model.PositionClosed
	p.ExitPrice = price
	p.ExitTime = at
	p.ExitReason = reason
	p.LastPrice = price
	p.Commission += price * p.Size * b.cfg.CommissionBps / 10000
	b.closed = append(b.closed, *p)
	delete(b.open, p.Symbol)
}

// CloseAll time-exits every open position at its last price. Used for the
// session-close flatten and at the end of a backtest.
func (b *Book) CloseAll(at time.Time) []model.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	syms := make([]string, 0, len(b.open))
	for s := range b.open {
		syms = append(syms, s)
	}
	sort.Strings(syms)
	out := make([]model.Position, 0, len(syms))
	for _, s := range syms {
		p := b.open[s]
		b.closeLocked(p, p.LastPrice, at, model.ExitTime)
		out = append(out, b.closed[len(b.closed)-1])
	}
	return out
}

// Positions returns open positions sorted by symbol.
func (b *Book) Positions() []model.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]model.Position, 0, len(b.open))
	for _, p := range b.open {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Closed returns closed positions in close order.
func (b *Book) Closed() []model.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]model.Position, len(b.closed))
	copy(out, b.closed)
	return out
}
