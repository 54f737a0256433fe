// Package synth generates deterministic synthetic market data: random-walk
// ticks for the demo tick server, and canned bar series used to exercise the
// decision pipeline end to end.
package synth

import (
	"math"
	"math/rand"
	"time"

	"pattern-trader/internal/model"
)

// Walker produces a seeded random walk of prices.
type Walker struct {
	rng   *rand.Rand
	price float64
	step  float64 // max fractional move per step
}

// NewWalker starts a walk at price. step is the max fractional move (0.001 = ±0.1%).
func NewWalker(seed int64, price, step float64) *Walker {
	if step <= 0 {
		step = 0.001
	}
	return &Walker{rng: rand.New(rand.NewSource(seed)), price: price, step: step}
}

// Next advances the walk and returns the new price, floored at 0.01.
func (w *Walker) Next() float64 {
	pct := (w.rng.Float64()*2 - 1) * w.step
	w.price = math.Max(0.01, w.price*(1+pct))
	return math.Round(w.price*100) / 100
}

// Tick advances the walk and returns a tick stamped ts.
func (w *Walker) Tick(symbol string, ts time.Time) model.Tick {
	return model.Tick{Symbol: symbol, TS: ts, Price: w.Next(), Volume: float64(w.rng.Intn(100) + 1)}
}

// Walk builds n bars of a seeded random walk.
func Walk(symbol string, start time.Time, interval time.Duration, n int, price float64, seed int64) []model.Bar {
	w := NewWalker(seed, price, 0.004)
	bars := make([]model.Bar, n)
	prev := price
	for i := range bars {
		open := prev
		close := w.Next()
		hi, lo := math.Max(open, close), math.Min(open, close)
		wick := math.Abs(close-open)*0.5 + close*0.0005
		bars[i] = model.Bar{
			Symbol: symbol,
			TS:     start.Add(time.Duration(i) * interval),
			Open:   open,
			High:   hi + wick*w.rng.Float64(),
			Low:    lo - wick*w.rng.Float64(),
			Close:  close,
			Volume: float64(500 + w.rng.Intn(1500)),
		}
		prev = close
	}
	return bars
}

// Flat builds n identical zero-volatility bars.
func Flat(symbol string, start time.Time, interval time.Duration, n int, price, volume float64) []model.Bar {
	bars := make([]model.Bar, n)
	for i := range bars {
		bars[i] = model.Bar{
			Symbol: symbol, TS: start.Add(time.Duration(i) * interval),
			Open: price, High: price, Low: price, Close: price, Volume: volume,
		}
	}
	return bars
}

// Engulfing builds a 63-bar series: a choppy uptrend whose candles never
// engulf each other, a two-bar pullback, then a textbook bullish engulfing
// bar on 2.3× its trailing average volume. With default indicator periods the
// final bar has RSI ≈ 60, a rising MACD histogram, fast EMA above slow EMA,
// a close inside the upper Bollinger band and ATR ≈ 0.8% of price.
func Engulfing(symbol string, start time.Time, interval time.Duration) []model.Bar {
	bars := make([]model.Bar, 0, 63)
	at := func(i int) time.Time { return start.Add(time.Duration(i) * interval) }
	prev := 100.0
	for i := 0; i < 60; i++ {
		var o, c float64
		if i%2 == 0 {
			o, c = prev+0.05, prev+0.75
		} else {
			o, c = prev-0.05, prev-0.45
		}
		bars = append(bars, model.Bar{
			Symbol: symbol, TS: at(i),
			Open: o, High: math.Max(o, c) + 0.15, Low: math.Min(o, c) - 0.15, Close: c,
			Volume: float64(1000 + (i%3)*50),
		})
		prev = c
	}
	for i := 60; i < 62; i++ {
		o, c := prev-0.05, prev-0.5
		bars = append(bars, model.Bar{
			Symbol: symbol, TS: at(i),
			Open: o, High: o + 0.1, Low: c - 0.1, Close: c, Volume: 1000,
		})
		prev = c
	}
	o, c := prev-0.1, prev+1.3
	bars = append(bars, model.Bar{
		Symbol: symbol, TS: at(62),
		Open: o, High: c + 0.1, Low: o - 0.1, Close: c, Volume: 2600,
	})
	return bars
}
