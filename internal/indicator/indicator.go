// Package indicator provides incremental technical indicator calculations over
// closed candles.
//
// Every indicator is updated in O(1) per candle. A State bundles one instance of
// each indicator for a single symbol; the Engine builds States from a shared
// Config and can also compute an IndicatorSet from scratch for verification.
package indicator

import "pattern-trader/internal/model"

// Indicator is the interface for all technical indicators.
type Indicator interface {
	// Name returns the indicator name (e.g., "SMA_20", "EMA_9").
	Name() string

	// Update feeds a new closed candle and recalculates.
	Update(candle model.Candle)

	// Value returns the current calculated value. Returns 0 if not enough data.
	Value() float64

	// Ready returns true when enough data has been accumulated.
	Ready() bool
}

// Source selects the candle field an indicator consumes.
type Source func(c model.Candle) float64

// Close is the default source.
func Close(c model.Candle) float64 { return c.Close }

// Volume selects candle volume.
func Volume(c model.Candle) float64 { return c.Volume }
