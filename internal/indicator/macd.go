package indicator

import (
	"fmt"

	"pattern-trader/internal/model"
)

// MACD is the trend-following oscillator: EMA(fast) - EMA(slow), with an EMA
// signal line over the MACD values and their difference as the histogram.
type MACD struct {
	fast, slow, signal *EMA
	name               string
	macd               float64
	hist               float64
}

// NewMACD creates a MACD(fast, slow, signal), typically (12, 26, 9).
func NewMACD(fast, slow, signal int) *MACD {
	return &MACD{
		fast:   NewEMA(fast),
		slow:   NewEMA(slow),
		signal: NewEMA(signal),
		name:   fmt.Sprintf("MACD_%d_%d_%d", fast, slow, signal),
	}
}

func (m *MACD) Name() string { return m.name }

func (m *MACD) Update(candle model.Candle) {
	m.fast.Update(candle)
	m.slow.Update(candle)
	if !m.fast.Ready() || !m.slow.Ready() {
		return
	}
	m.macd = m.fast.Value() - m.slow.Value()
	m.signal.Add(m.macd)
	if m.signal.Ready() {
		m.hist = m.macd - m.signal.Value()
	}
}

// Value returns the MACD line.
func (m *MACD) Value() float64 { return m.macd }

// Signal returns the signal line.
func (m *MACD) Signal() float64 { return m.signal.Value() }

// Histogram returns MACD minus signal.
func (m *MACD) Histogram() float64 { return m.hist }

func (m *MACD) Ready() bool { return m.signal.Ready() }
