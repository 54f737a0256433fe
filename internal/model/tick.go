package model

import "time"

// Tick is a single last-traded-price update from the live feed.
// Ticks are immutable once received.
type Tick struct {
	Symbol string    `json:"symbol"`
	TS     time.Time `json:"ts"`
	Price  float64   `json:"price"`
	Volume float64   `json:"volume"`
}

// Bar is a historical OHLCV row as delivered by a data vendor or the candle store.
type Bar struct {
	Symbol string    `json:"symbol"`
	TS     time.Time `json:"ts"` // bar start
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// AsBar turns a tick into a degenerate bar so ticks and rows share one merge path.
func (t Tick) AsBar() Bar {
	return Bar{
		Symbol: t.Symbol,
		TS:     t.TS,
		Open:   t.Price,
		High:   t.Price,
		Low:    t.Price,
		Close:  t.Price,
		Volume: t.Volume,
	}
}
