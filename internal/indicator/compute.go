package indicator

import (
	"math"

	"pattern-trader/internal/model"
)

// Compute builds the indicator set for a full candle series from scratch using
// direct batch formulas. It must agree with feeding the same candles through
// State.Update and is used to verify the incremental path.
func (e *Engine) Compute(candles []model.Candle) model.IndicatorSet {
	n := len(candles)
	if n == 0 {
		return model.IndicatorSet{}
	}
	c := e.cfg
	closes := make([]float64, n)
	vols := make([]float64, n)
	for i, cd := range candles {
		closes[i] = cd.Close
		vols[i] = cd.Volume
	}

	out := model.IndicatorSet{
		TS:        candles[n-1].Start,
		RSI:       batchRSI(closes, c.RSIPeriod),
		SMAFast:   batchSMA(closes, c.SMAFast),
		SMASlow:   batchSMA(closes, c.SMASlow),
		EMAFast:   lastOf(batchEMA(closes, c.EMAFast)),
		EMASlow:   lastOf(batchEMA(closes, c.EMASlow)),
		ATR:       batchATR(candles, c.ATRPeriod),
		VolumeSMA: batchSMA(vols, c.VolumePeriod),
		Ready:     n >= c.Warmup(),
	}

	fast := batchEMA(closes, c.MACDFast)
	slow := batchEMA(closes, c.MACDSlow)
	if n >= c.MACDSlow {
		macd := make([]float64, 0, n-c.MACDSlow+1)
		for i := c.MACDSlow - 1; i < n; i++ {
			macd = append(macd, fast[i]-slow[i])
		}
		out.MACD = macd[len(macd)-1]
		sig := batchEMA(macd, c.MACDSignal)
		out.MACDSignal = lastOf(sig)
		if len(macd) >= c.MACDSignal {
			out.MACDHist = out.MACD - out.MACDSignal
		}
	}

	if n >= c.BBPeriod {
		window := closes[n-c.BBPeriod:]
		mean := 0.0
		for _, v := range window {
			mean += v
		}
		mean /= float64(len(window))
		ss := 0.0
		for _, v := range window {
			ss += (v - mean) * (v - mean)
		}
		sd := math.Sqrt(ss / float64(len(window)))
		out.BBMiddle = mean
		out.BBUpper = mean + c.BBStdDev*sd
		out.BBLower = mean - c.BBStdDev*sd
	}
	return out
}

func batchSMA(vals []float64, period int) float64 {
	if len(vals) < period {
		return 0
	}
	sum := 0.0
	for _, v := range vals[len(vals)-period:] {
		sum += v
	}
	return sum / float64(period)
}

// batchEMA returns the EMA series; entries before the seed are 0.
func batchEMA(vals []float64, period int) []float64 {
	out := make([]float64, len(vals))
	if len(vals) < period {
		return out
	}
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += vals[i]
	}
	out[period-1] = sum / float64(period)
	k := 2.0 / float64(period+1)
	for i := period; i < len(vals); i++ {
		out[i] = vals[i]*k + out[i-1]*(1-k)
	}
	return out
}

func batchRSI(closes []float64, period int) float64 {
	if len(closes) <= period {
		return 0
	}
	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			avgGain += d
		} else {
			avgLoss -= d
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	p := float64(period)
	for i := period + 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*(p-1) + g) / p
		avgLoss = (avgLoss*(p-1) + l) / p
	}
	return rsiValue(avgGain, avgLoss)
}

func batchATR(candles []model.Candle, period int) float64 {
	if len(candles) < period {
		return 0
	}
	tr := make([]float64, len(candles))
	for i, c := range candles {
		tr[i] = c.High - c.Low
		if i > 0 {
			pc := candles[i-1].Close
			tr[i] = math.Max(tr[i], math.Max(math.Abs(c.High-pc), math.Abs(c.Low-pc)))
		}
	}
	atr := 0.0
	for i := 0; i < period; i++ {
		atr += tr[i]
	}
	atr /= float64(period)
	for i := period; i < len(tr); i++ {
		atr = (atr*float64(period-1) + tr[i]) / float64(period)
	}
	return atr
}

func lastOf(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	return v[len(v)-1]
}
