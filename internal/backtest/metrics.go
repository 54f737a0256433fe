package backtest

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"pattern-trader/internal/model"
)

// Metrics summarise a run. Money totals are rolled up in decimal so the same
// trades always print the same figures.
type Metrics struct {
	TotalTrades int     `json:"total_trades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	WinRate     float64 `json:"win_rate"` // percent

	GrossPnL    decimal.Decimal `json:"gross_pnl"`
	NetPnL      decimal.Decimal `json:"net_pnl"`
	Commission  decimal.Decimal `json:"commission"`
	AvgWin      decimal.Decimal `json:"avg_win"`
	AvgLoss     decimal.Decimal `json:"avg_loss"` // positive magnitude
	LargestWin  decimal.Decimal `json:"largest_win"`
	LargestLoss decimal.Decimal `json:"largest_loss"` // positive magnitude
	Expectancy  decimal.Decimal `json:"expectancy"`

	ProfitFactor   float64         `json:"profit_factor"` // 0 when there are no losses
	Sharpe         float64         `json:"sharpe"`        // mean / stdev of per-trade returns
	MaxDrawdown    decimal.Decimal `json:"max_drawdown"`
	MaxDrawdownPct float64         `json:"max_drawdown_pct"`
	FinalEquity    decimal.Decimal `json:"final_equity"`
	AvgHolding     time.Duration   `json:"avg_holding"`

	ExitReasons map[model.ExitReason]int `json:"exit_reasons"`

	PatternsSeen     int `json:"patterns_seen"`
	SignalsGenerated int `json:"signals_generated"`
	SignalsRejected  int `json:"signals_rejected"`
}

func dec(v float64) decimal.Decimal { return decimal.NewFromFloat(v).Round(8) }

// Compute derives metrics from closed trades. Trades are applied to equity
// in exit order, ties broken by symbol.
func Compute(trades []model.Position, capital float64) Metrics {
	m := Metrics{
		TotalTrades: len(trades),
		ExitReasons: make(map[model.ExitReason]int),
		FinalEquity: dec(capital),
	}
	if len(trades) == 0 {
		return m
	}

	ordered := make([]model.Position, len(trades))
	copy(ordered, trades)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].ExitTime.Equal(ordered[j].ExitTime) {
			return ordered[i].ExitTime.Before(ordered[j].ExitTime)
		}
		return ordered[i].Symbol < ordered[j].Symbol
	})

	var grossWin, grossLoss decimal.Decimal
	equity := dec(capital)
	peak := equity
	var holding time.Duration
	returns := make([]float64, 0, len(ordered))

	for i := range ordered {
		p := &ordered[i]
		net := dec(p.NetPnL())
		m.GrossPnL = m.GrossPnL.Add(dec(p.GrossPnL()))
		m.NetPnL = m.NetPnL.Add(net)
		m.Commission = m.Commission.Add(dec(p.Commission))
		m.ExitReasons[p.ExitReason]++
		holding += p.Holding()

		if net.IsPositive() {
			m.Wins++
			grossWin = grossWin.Add(net)
			if net.GreaterThan(m.LargestWin) {
				m.LargestWin = net
			}
		} else {
			m.Losses++
			loss := net.Abs()
			grossLoss = grossLoss.Add(loss)
			if loss.GreaterThan(m.LargestLoss) {
				m.LargestLoss = loss
			}
		}

		if notional := p.EntryPrice * p.Size; notional > 0 {
			returns = append(returns, p.NetPnL()/notional)
		}

		equity = equity.Add(net)
		if equity.GreaterThan(peak) {
			peak = equity
		}
		if dd := peak.Sub(equity); dd.GreaterThan(m.MaxDrawdown) {
			m.MaxDrawdown = dd
			if peak.IsPositive() {
				m.MaxDrawdownPct, _ = dd.Div(peak).Mul(decimal.NewFromInt(100)).Float64()
			}
		}
	}

	n := decimal.NewFromInt(int64(len(ordered)))
	m.FinalEquity = equity
	m.WinRate = float64(m.Wins) / float64(len(ordered)) * 100
	if m.Wins > 0 {
		m.AvgWin = grossWin.Div(decimal.NewFromInt(int64(m.Wins))).Round(8)
	}
	if m.Losses > 0 {
		m.AvgLoss = grossLoss.Div(decimal.NewFromInt(int64(m.Losses))).Round(8)
	}
	if grossLoss.IsPositive() {
		m.ProfitFactor, _ = grossWin.Div(grossLoss).Float64()
	}
	m.Expectancy = m.NetPnL.Div(n).Round(8)
	m.AvgHolding = holding / time.Duration(len(ordered))
	m.Sharpe = sharpe(returns)
	return m
}

// sharpe is the mean over the sample standard deviation of per-trade
// returns, unannualised. Zero with fewer than two trades or no dispersion.
func sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))
	var ss float64
	for _, r := range returns {
		ss += (r - mean) * (r - mean)
	}
	sd := math.Sqrt(ss / float64(len(returns)-1))
	if sd == 0 {
		return 0
	}
	return mean / sd
}
