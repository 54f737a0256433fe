package model

import (
	"encoding/json"
	"time"
)

// Candle is a fixed-interval OHLCV bar for one symbol.
// It is mutated only while its interval is open and frozen once sealed.
type Candle struct {
	Symbol   string        `json:"symbol"`
	Interval time.Duration `json:"interval"`
	Start    time.Time     `json:"start"` // bucket start (UTC, interval-aligned)
	End      time.Time     `json:"end"`   // exclusive
	Open     float64       `json:"open"`
	High     float64       `json:"high"`
	Low      float64       `json:"low"`
	Close    float64       `json:"close"`
	Volume   float64       `json:"volume"`
	Count    int           `json:"count"` // inputs merged into this candle
}

// Valid reports whether the OHLC invariant low <= open,close <= high holds
// and volume is non-negative.
func (c *Candle) Valid() bool {
	if c.Volume < 0 || c.Low > c.High {
		return false
	}
	return c.Low <= c.Open && c.Open <= c.High && c.Low <= c.Close && c.Close <= c.High
}

// Body is the absolute open-to-close distance.
func (c *Candle) Body() float64 {
	if c.Close >= c.Open {
		return c.Close - c.Open
	}
	return c.Open - c.Close
}

// Range is high minus low.
func (c *Candle) Range() float64 { return c.High - c.Low }

// Bullish reports a close above the open.
func (c *Candle) Bullish() bool { return c.Close > c.Open }

// Bearish reports a close below the open.
func (c *Candle) Bearish() bool { return c.Close < c.Open }

// UpperWick is the distance from the top of the body to the high.
func (c *Candle) UpperWick() float64 {
	return c.High - max(c.Open, c.Close)
}

// LowerWick is the distance from the bottom of the body to the low.
func (c *Candle) LowerWick() float64 {
	return min(c.Open, c.Close) - c.Low
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}

// SeriesSnapshot is an immutable view of one symbol's aggregated state.
// Candles holds closed candles, oldest first; Forming is the open bucket, if any.
type SeriesSnapshot struct {
	Symbol     string         `json:"symbol"`
	Interval   time.Duration  `json:"interval"`
	Candles    []Candle       `json:"candles"`
	Forming    *Candle        `json:"forming,omitempty"`
	Indicators IndicatorSet   `json:"indicators"`
	History    []IndicatorSet `json:"history,omitempty"` // aligned with the tail of Candles
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Last returns the most recent closed candle.
func (s *SeriesSnapshot) Last() (Candle, bool) {
	if len(s.Candles) == 0 {
		return Candle{}, false
	}
	return s.Candles[len(s.Candles)-1], true
}

// Tail returns up to n most recent closed candles.
func (s *SeriesSnapshot) Tail(n int) []Candle {
	if n >= len(s.Candles) {
		return s.Candles
	}
	return s.Candles[len(s.Candles)-n:]
}
