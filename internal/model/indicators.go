package model

import "time"

// IndicatorSet holds the indicator values computed for one closed candle.
type IndicatorSet struct {
	TS time.Time `json:"ts"` // start of the candle these values belong to

	RSI        float64 `json:"rsi"`
	MACD       float64 `json:"macd"`
	MACDSignal float64 `json:"macd_signal"`
	MACDHist   float64 `json:"macd_hist"`

	SMAFast float64 `json:"sma_fast"`
	SMASlow float64 `json:"sma_slow"`
	EMAFast float64 `json:"ema_fast"`
	EMASlow float64 `json:"ema_slow"`

	BBUpper  float64 `json:"bb_upper"`
	BBMiddle float64 `json:"bb_middle"`
	BBLower  float64 `json:"bb_lower"`

	ATR       float64 `json:"atr"`
	VolumeSMA float64 `json:"volume_sma"`

	// Ready is true once every indicator has filled its lookback window.
	Ready bool `json:"ready"`
}
