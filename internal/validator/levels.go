package validator

import (
	"fmt"

	"pattern-trader/internal/model"
)

func pass() (bool, string) { return true, "" }

func fail(format string, args ...any) (bool, string) {
	return false, fmt.Sprintf(format, args...)
}

func lastCandle(in Input) (model.Candle, bool) {
	return in.Snapshot.Last()
}

func bullish(in Input) bool { return in.Signal.Direction == model.Bullish }

// library returns every known level bound to cfg's thresholds.
func library(cfg Config) map[string]Level {
	d := DefaultConfig()
	if cfg.MinHistory <= 0 {
		cfg.MinHistory = d.MinHistory
	}
	if cfg.RSIOverbought <= 0 {
		cfg.RSIOverbought = d.RSIOverbought
	}
	if cfg.RSIOversold <= 0 {
		cfg.RSIOversold = d.RSIOversold
	}
	if cfg.MaxATRPct <= 0 {
		cfg.MaxATRPct = d.MaxATRPct
	}

	levels := []Level{
		{"history_depth", TierStructural, func(in Input) (bool, string) {
			if n := len(in.Snapshot.Candles); n < cfg.MinHistory {
				return fail("history %d candles < %d", n, cfg.MinHistory)
			}
			if !in.Snapshot.Indicators.Ready {
				return fail("indicators not ready")
			}
			return pass()
		}},
		{"confidence_floor", TierStructural, func(in Input) (bool, string) {
			if in.Signal.Confidence < cfg.MinConfidence {
				return fail("confidence %.1f < %.1f", in.Signal.Confidence, cfg.MinConfidence)
			}
			return pass()
		}},
		{"candle_sanity", TierStructural, func(in Input) (bool, string) {
			c, ok := lastCandle(in)
			if !ok {
				return fail("no closed candle")
			}
			if !c.Valid() || c.Range() <= 0 {
				return fail("malformed candle o=%.2f h=%.2f l=%.2f c=%.2f", c.Open, c.High, c.Low, c.Close)
			}
			return pass()
		}},
		{"signal_fresh", TierStructural, func(in Input) (bool, string) {
			c, ok := lastCandle(in)
			if !ok || !c.Start.Equal(in.Signal.CandleTS) {
				return fail("pattern candle %s is not the latest", in.Signal.CandleTS.Format("15:04:05"))
			}
			return pass()
		}},
		{"rsi_agreement", TierIndicator, func(in Input) (bool, string) {
			rsi := in.Snapshot.Indicators.RSI
			if bullish(in) && rsi >= cfg.RSIOverbought {
				return fail("rsi %.1f overbought for bullish", rsi)
			}
			if !bullish(in) && rsi <= cfg.RSIOversold {
				return fail("rsi %.1f oversold for bearish", rsi)
			}
			return pass()
		}},
		{"macd_agreement", TierIndicator, func(in Input) (bool, string) {
			ind := in.Snapshot.Indicators
			rising := ind.MACDHist > 0
			if h := len(in.Snapshot.History); h >= 2 {
				rising = ind.MACDHist > in.Snapshot.History[h-2].MACDHist
			}
			if bullish(in) && !(ind.MACDHist > 0 || rising) {
				return fail("macd histogram %.4f falling against bullish", ind.MACDHist)
			}
			if !bullish(in) && !(ind.MACDHist < 0 || !rising) {
				return fail("macd histogram %.4f rising against bearish", ind.MACDHist)
			}
			return pass()
		}},
		{"trend_alignment", TierIndicator, func(in Input) (bool, string) {
			ind := in.Snapshot.Indicators
			if bullish(in) && ind.EMAFast < ind.EMASlow {
				return fail("ema %.2f below %.2f against bullish", ind.EMAFast, ind.EMASlow)
			}
			if !bullish(in) && ind.EMAFast > ind.EMASlow {
				return fail("ema %.2f above %.2f against bearish", ind.EMAFast, ind.EMASlow)
			}
			return pass()
		}},
		{"bollinger_position", TierIndicator, func(in Input) (bool, string) {
			c, _ := lastCandle(in)
			ind := in.Snapshot.Indicators
			if bullish(in) && c.Close > ind.BBUpper {
				return fail("close %.2f above upper band %.2f", c.Close, ind.BBUpper)
			}
			if !bullish(in) && c.Close < ind.BBLower {
				return fail("close %.2f below lower band %.2f", c.Close, ind.BBLower)
			}
			return pass()
		}},
		{"volatility_regime", TierRegime, func(in Input) (bool, string) {
			c, _ := lastCandle(in)
			if c.Close <= 0 {
				return fail("non-positive close")
			}
			pct := in.Snapshot.Indicators.ATR / c.Close * 100
			if pct < cfg.MinATRPct || pct > cfg.MaxATRPct {
				return fail("atr %.3f%% outside [%.2f, %.2f]", pct, cfg.MinATRPct, cfg.MaxATRPct)
			}
			return pass()
		}},
		{"volume_confirmation", TierLiquidity, func(in Input) (bool, string) {
			c, _ := lastCandle(in)
			avg := in.Snapshot.Indicators.VolumeSMA
			if avg <= 0 {
				return fail("no average volume")
			}
			if r := c.Volume / avg; r < cfg.MinVolumeRatio {
				return fail("volume %.2fx average < %.2fx", r, cfg.MinVolumeRatio)
			}
			return pass()
		}},
		{"liquidity", TierLiquidity, func(in Input) (bool, string) {
			c, _ := lastCandle(in)
			if c.Close < cfg.MinPrice {
				return fail("price %.2f < %.2f", c.Close, cfg.MinPrice)
			}
			if avg := in.Snapshot.Indicators.VolumeSMA; avg < cfg.MinAvgVolume {
				return fail("average volume %.0f < %.0f", avg, cfg.MinAvgVolume)
			}
			return pass()
		}},
	}

	out := make(map[string]Level, len(levels))
	for _, l := range levels {
		out[l.Name] = l
	}
	return out
}
