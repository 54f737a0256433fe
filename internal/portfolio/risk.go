// Package portfolio sizes trades, ranks them against capacity, and tracks
// open positions through to a single recorded exit.
package portfolio

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"pattern-trader/internal/model"
)

// Sizing modes.
const (
	SizingFixed = "fixed"
	SizingRisk  = "risk"
)

// ErrRejected marks a signal the risk layer refused. Wrapped with the reason.
var ErrRejected = errors.New("risk: rejected")

// RiskConfig holds sizing, level and guard parameters.
type RiskConfig struct {
	Capital      float64 `yaml:"capital" json:"capital"`
	RiskPct      float64 `yaml:"risk_pct" json:"risk_pct"` // percent of capital risked per trade
	Sizing       string  `yaml:"sizing" json:"sizing"`     // fixed | risk
	FixedSize    float64 `yaml:"fixed_size" json:"fixed_size"`
	StopATR      float64 `yaml:"stop_atr" json:"stop_atr"`   // stop distance in ATRs
	TargetRR     float64 `yaml:"target_rr" json:"target_rr"` // target distance in multiples of risk
	MinRR        float64 `yaml:"min_rr" json:"min_rr"`
	CostBps      float64 `yaml:"cost_bps" json:"cost_bps"` // round-trip cost charged against reward and risk
	MaxPositions int     `yaml:"max_positions" json:"max_positions"`

	MaxDailyLoss   float64 `yaml:"max_daily_loss" json:"max_daily_loss"`     // currency, 0 disables
	MaxDrawdownPct float64 `yaml:"max_drawdown_pct" json:"max_drawdown_pct"` // 0-100, 0 disables
}

// DefaultRiskConfig returns conservative defaults.
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		Capital:        100000,
		RiskPct:        1,
		Sizing:         SizingRisk,
		FixedSize:      1,
		StopATR:        1.5,
		TargetRR:       2,
		MinRR:          1.5,
		MaxPositions:   5,
		MaxDailyLoss:   5000,
		MaxDrawdownPct: 5,
	}
}

// Validate rejects nonsensical parameters.
func (c RiskConfig) Validate() error {
	switch {
	case c.Capital <= 0:
		return fmt.Errorf("risk: capital must be positive, got %v", c.Capital)
	case c.RiskPct <= 0 || c.RiskPct > 100:
		return fmt.Errorf("risk: risk_pct must be in (0, 100], got %v", c.RiskPct)
	case c.Sizing != SizingFixed && c.Sizing != SizingRisk:
		return fmt.Errorf("risk: sizing must be %q or %q, got %q", SizingFixed, SizingRisk, c.Sizing)
	case c.Sizing == SizingFixed && c.FixedSize < 1:
		return fmt.Errorf("risk: fixed_size must be at least one unit, got %v", c.FixedSize)
	case c.StopATR <= 0 || c.TargetRR <= 0:
		return fmt.Errorf("risk: stop_atr and target_rr must be positive")
	case c.MinRR < 0 || c.CostBps < 0:
		return fmt.Errorf("risk: min_rr and cost_bps must not be negative")
	case c.MaxPositions <= 0:
		return fmt.Errorf("risk: max_positions must be positive, got %d", c.MaxPositions)
	case c.MaxDrawdownPct < 0 || c.MaxDrawdownPct > 100:
		return fmt.Errorf("risk: max_drawdown_pct must be in [0, 100]")
	}
	return nil
}

// Merge overlays the JSON fields present in raw onto c. Absent fields keep
// their current values.
func (c RiskConfig) Merge(raw []byte) (RiskConfig, error) {
	if len(raw) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("risk: %w", err)
	}
	return c, nil
}

// RiskManager plans signals and guards daily loss and drawdown.
type RiskManager struct {
	mu  sync.RWMutex
	cfg RiskConfig

	dailyPnL   float64
	equity     float64
	peakEquity float64

	// Now stamps planned signals. Backtests set it to the candle clock.
	Now    func() time.Time
	Logger *slog.Logger
}

// NewRiskManager creates a RiskManager starting at cfg.Capital equity.
func NewRiskManager(cfg RiskConfig) *RiskManager {
	return &RiskManager{
		cfg:        cfg,
		equity:     cfg.Capital,
		peakEquity: cfg.Capital,
		Now:        time.Now,
		Logger:     slog.Default().With("component", "risk"),
	}
}

// Config returns the active parameters.
func (rm *RiskManager) Config() RiskConfig {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.cfg
}

// SetConfig swaps parameters. Equity tracking is kept.
func (rm *RiskManager) SetConfig(cfg RiskConfig) {
	rm.mu.Lock()
	rm.cfg = cfg
	rm.mu.Unlock()
}

// RiskReward is (target-entry)/(entry-stop) adjusted for direction, net of
// cost on both legs. Returns 0 when the stop is on the wrong side.
func RiskReward(dir model.Direction, entry, stop, target, cost float64) float64 {
	s := dir.Sign()
	risk := (entry - stop) * s
	reward := (target - entry) * s
	if risk <= 0 {
		return 0
	}
	return (reward - cost) / (risk + cost)
}

// Plan turns a validated pattern into a priced, sized Signal.
// The error wraps ErrRejected when the trade is refused.
func (rm *RiskManager) Plan(p model.PatternSignal, snap model.SeriesSnapshot) (model.Signal, error) {
	cfg := rm.Config()
	last, ok := snap.Last()
	if !ok {
		return model.Signal{}, fmt.Errorf("%w: %s has no closed candle", ErrRejected, p.Symbol)
	}
	atr := snap.Indicators.ATR
	if atr <= 0 || math.IsNaN(atr) {
		return model.Signal{}, fmt.Errorf("%w: %s has no ATR", ErrRejected, p.Symbol)
	}

	s := p.Direction.Sign()
	entry := last.Close
	dist := atr * cfg.StopATR
	sig := model.Signal{
		ID:         fmt.Sprintf("%s-%s-%d", p.Symbol, p.Kind, p.CandleTS.Unix()),
		Symbol:     p.Symbol,
		Direction:  p.Direction,
		Pattern:    p.Kind,
		Confidence: p.Confidence,
		Entry:      entry,
		Stop:       entry - s*dist,
		Target:     entry + s*dist*cfg.TargetRR,
		CreatedAt:  rm.Now(),
	}
	if sig.Stop <= 0 {
		return model.Signal{}, fmt.Errorf("%w: %s stop %.2f is not a price", ErrRejected, p.Symbol, sig.Stop)
	}
	sig.RiskReward = RiskReward(sig.Direction, entry, sig.Stop, sig.Target, entry*cfg.CostBps/10000)
	sig.Size = rm.size(cfg, entry, sig.Stop)

	if err := rm.check(cfg, sig); err != nil {
		return model.Signal{}, err
	}
	return sig, nil
}

// Check applies the RR floor, the size floor and the loss guards to a signal.
func (rm *RiskManager) Check(sig model.Signal) error {
	return rm.check(rm.Config(), sig)
}

func (rm *RiskManager) check(cfg RiskConfig, sig model.Signal) error {
	if sig.RiskReward < cfg.MinRR {
		return fmt.Errorf("%w: %s risk-reward %.2f below %.2f", ErrRejected, sig.Symbol, sig.RiskReward, cfg.MinRR)
	}
	if sig.Size < 1 {
		return fmt.Errorf("%w: %s size %.2f below one unit", ErrRejected, sig.Symbol, sig.Size)
	}
	if halted, reason := rm.Halted(); halted {
		return fmt.Errorf("%w: %s", ErrRejected, reason)
	}
	return nil
}

// size returns whole units. Risk sizing never commits more than capital.
func (rm *RiskManager) size(cfg RiskConfig, entry, stop float64) float64 {
	if cfg.Sizing == SizingFixed {
		return math.Floor(cfg.FixedSize)
	}
	risk := math.Abs(entry - stop)
	if risk == 0 || entry <= 0 {
		return 0
	}
	n := math.Floor(cfg.Capital * cfg.RiskPct / 100 / risk)
	return math.Min(n, math.Floor(cfg.Capital/entry))
}

// Select ranks signals by confidence times risk-reward (ties by symbol) and
// returns only those that fit the remaining capacity.
func (rm *RiskManager) Select(signals []model.Signal, open, pending int) []model.Signal {
	capacity := rm.Config().MaxPositions - open - pending
	if capacity <= 0 || len(signals) == 0 {
		return nil
	}
	ranked := make([]model.Signal, len(signals))
	copy(ranked, signals)
	sort.SliceStable(ranked, func(i, j int) bool {
		ri, rj := ranked[i].Rank(), ranked[j].Rank()
		if ri != rj {
			return ri > rj
		}
		return ranked[i].Symbol < ranked[j].Symbol
	})
	if len(ranked) > capacity {
		ranked = ranked[:capacity]
	}
	return ranked
}

// RecordPnL updates daily P&L and equity tracking with a realized result.
func (rm *RiskManager) RecordPnL(pnl float64) {
	rm.mu.Lock()
	rm.dailyPnL += pnl
	rm.equity += pnl
	if rm.equity > rm.peakEquity {
		rm.peakEquity = rm.equity
	}
	daily, equity, peak := rm.dailyPnL, rm.equity, rm.peakEquity
	rm.mu.Unlock()

	rm.Logger.Info("[risk] pnl recorded", "pnl", pnl, "daily_pnl", daily, "equity", equity, "peak", peak)
}

// Halted reports whether the daily loss or drawdown guard is tripped.
func (rm *RiskManager) Halted() (bool, string) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	if rm.cfg.MaxDailyLoss > 0 && rm.dailyPnL <= -rm.cfg.MaxDailyLoss {
		return true, fmt.Sprintf("daily loss %.2f reached limit %.2f", -rm.dailyPnL, rm.cfg.MaxDailyLoss)
	}
	if dd := rm.drawdownLocked(); rm.cfg.MaxDrawdownPct > 0 && dd >= rm.cfg.MaxDrawdownPct {
		return true, fmt.Sprintf("drawdown %.2f%% reached limit %.2f%%", dd, rm.cfg.MaxDrawdownPct)
	}
	return false, ""
}

func (rm *RiskManager) drawdownLocked() float64 {
	if rm.peakEquity <= 0 {
		return 0
	}
	return (rm.peakEquity - rm.equity) / rm.peakEquity * 100
}

// ResetDaily resets the daily P&L counter (call at market open).
func (rm *RiskManager) ResetDaily() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.dailyPnL = 0
}

// RiskStatus is a point-in-time view of the guards.
type RiskStatus struct {
	DailyPnL    float64    `json:"daily_pnl"`
	Equity      float64    `json:"equity"`
	PeakEquity  float64    `json:"peak_equity"`
	DrawdownPct float64    `json:"drawdown_pct"`
	Halted      bool       `json:"halted"`
	Reason      string     `json:"reason,omitempty"`
	Limits      RiskConfig `json:"limits"`
}

// Status returns current risk status.
func (rm *RiskManager) Status() RiskStatus {
	halted, reason := rm.Halted()
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return RiskStatus{
		DailyPnL:    rm.dailyPnL,
		Equity:      rm.equity,
		PeakEquity:  rm.peakEquity,
		DrawdownPct: rm.drawdownLocked(),
		Halted:      halted,
		Reason:      reason,
		Limits:      rm.cfg,
	}
}
