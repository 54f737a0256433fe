package pattern

import (
	"math"

	"pattern-trader/internal/model"
)

// Window is the input to every rule: closed candles oldest first, the indicator
// set of the last candle and, when available, the set of the candle before it.
type Window struct {
	Candles []model.Candle
	Ind     model.IndicatorSet
	Prev    model.IndicatorSet
	HasPrev bool
}

func (w Window) last(n int) model.Candle { return w.Candles[len(w.Candles)-1-n] }

// Match is a rule hit: direction and shape strength in [0,1].
type Match struct {
	Direction model.Direction
	Shape     float64
}

// Rule is a pure predicate over a window.
type Rule struct {
	Kind       model.PatternKind
	MinCandles int
	Match      func(w Window) (Match, bool)
}

// Priority breaks confidence ties; earlier wins.
var Priority = []model.PatternKind{
	model.PatternEngulfing,
	model.PatternMorningStar,
	model.PatternEveningStar,
	model.PatternBreakout,
	model.PatternHammer,
	model.PatternShootingStar,
	model.PatternMomentum,
	model.PatternReversal,
	model.PatternDoji,
}

// breakoutLookback is the number of prior candles a breakout must clear.
const breakoutLookback = 20

// Rules returns the fixed rule library in priority order.
func Rules() []Rule {
	return []Rule{
		{Kind: model.PatternEngulfing, MinCandles: 2, Match: engulfing},
		{Kind: model.PatternMorningStar, MinCandles: 3, Match: morningStar},
		{Kind: model.PatternEveningStar, MinCandles: 3, Match: eveningStar},
		{Kind: model.PatternBreakout, MinCandles: breakoutLookback + 1, Match: breakout},
		{Kind: model.PatternHammer, MinCandles: 4, Match: hammer},
		{Kind: model.PatternShootingStar, MinCandles: 4, Match: shootingStar},
		{Kind: model.PatternMomentum, MinCandles: 3, Match: momentum},
		{Kind: model.PatternReversal, MinCandles: 2, Match: reversal},
		{Kind: model.PatternDoji, MinCandles: 1, Match: doji},
	}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

func dominance(c model.Candle) float64 {
	if c.Range() == 0 {
		return 0
	}
	return c.Body() / c.Range()
}

// engulfing: the last body fully covers an opposite-coloured previous body.
func engulfing(w Window) (Match, bool) {
	prev, cur := w.last(1), w.last(0)
	pb, cb := prev.Body(), cur.Body()
	if pb == 0 || cb <= pb {
		return Match{}, false
	}
	shape := 0.5*clamp01(cb/pb-1) + 0.5*dominance(cur)
	switch {
	case prev.Bearish() && cur.Bullish() && cur.Open <= prev.Close && cur.Close >= prev.Open:
		return Match{model.Bullish, shape}, true
	case prev.Bullish() && cur.Bearish() && cur.Open >= prev.Close && cur.Close <= prev.Open:
		return Match{model.Bearish, shape}, true
	}
	return Match{}, false
}

// star checks the three-candle body shape shared by morning and evening stars:
// a long first body, a small middle body, a third body of opposite colour that
// closes beyond the first body's midpoint.
func star(w Window, dir model.Direction) (Match, bool) {
	c1, c2, c3 := w.last(2), w.last(1), w.last(0)
	b1 := c1.Body()
	if b1 == 0 || dominance(c1) < 0.5 || c2.Body() > 0.3*b1 {
		return Match{}, false
	}
	mid := (c1.Open + c1.Close) / 2
	var pen float64
	if dir == model.Bullish {
		if !c1.Bearish() || !c3.Bullish() || max(c2.Open, c2.Close) > c1.Close+0.1*b1 || c3.Close <= mid {
			return Match{}, false
		}
		pen = (c3.Close - mid) / (c1.Open - mid)
	} else {
		if !c1.Bullish() || !c3.Bearish() || min(c2.Open, c2.Close) < c1.Close-0.1*b1 || c3.Close >= mid {
			return Match{}, false
		}
		pen = (mid - c3.Close) / (mid - c1.Open)
	}
	return Match{dir, 0.5 + 0.5*clamp01(pen)}, true
}

func morningStar(w Window) (Match, bool) { return star(w, model.Bullish) }
func eveningStar(w Window) (Match, bool) { return star(w, model.Bearish) }

// priorTrend is the close change over the three candles before the last one.
func priorTrend(w Window) float64 {
	return w.last(1).Close - w.last(3).Close
}

// hammer: long lower wick after a decline.
func hammer(w Window) (Match, bool) {
	c := w.last(0)
	body, r := c.Body(), c.Range()
	if r == 0 || c.LowerWick() < 2*body || c.UpperWick() > 0.1*r+body*0.5 || priorTrend(w) >= 0 {
		return Match{}, false
	}
	return Match{model.Bullish, clamp01(c.LowerWick() / r)}, true
}

// shootingStar: long upper wick after an advance.
func shootingStar(w Window) (Match, bool) {
	c := w.last(0)
	body, r := c.Body(), c.Range()
	if r == 0 || c.UpperWick() < 2*body || c.LowerWick() > 0.1*r+body*0.5 || priorTrend(w) <= 0 {
		return Match{}, false
	}
	return Match{model.Bearish, clamp01(c.UpperWick() / r)}, true
}

// doji: open and close nearly equal. Direction comes from the RSI context;
// a doji in a neutral zone is not a signal.
func doji(w Window) (Match, bool) {
	c := w.last(0)
	r := c.Range()
	if r == 0 || c.Body() > 0.1*r {
		return Match{}, false
	}
	shape := 0.5 * (1 - c.Body()/(0.1*r))
	switch {
	case w.Ind.RSI < 35:
		return Match{model.Bullish, shape}, true
	case w.Ind.RSI > 65:
		return Match{model.Bearish, shape}, true
	}
	return Match{}, false
}

// breakout: close beyond the extreme of the prior lookback candles.
func breakout(w Window) (Match, bool) {
	if w.Ind.ATR <= 0 {
		return Match{}, false
	}
	cur := w.last(0)
	prior := w.Candles[len(w.Candles)-1-breakoutLookback : len(w.Candles)-1]
	hi, lo := prior[0].High, prior[0].Low
	for _, c := range prior[1:] {
		hi = max(hi, c.High)
		lo = min(lo, c.Low)
	}
	switch {
	case cur.Close > hi && cur.Bullish():
		return Match{model.Bullish, 0.5*clamp01((cur.Close-hi)/w.Ind.ATR) + 0.5*dominance(cur)}, true
	case cur.Close < lo && cur.Bearish():
		return Match{model.Bearish, 0.5*clamp01((lo-cur.Close)/w.Ind.ATR) + 0.5*dominance(cur)}, true
	}
	return Match{}, false
}

// momentum: three same-coloured candles with progressing closes, aligned with
// the EMA trend and MACD histogram.
func momentum(w Window) (Match, bool) {
	c1, c2, c3 := w.last(2), w.last(1), w.last(0)
	if w.Ind.ATR <= 0 {
		return Match{}, false
	}
	switch {
	case c1.Bullish() && c2.Bullish() && c3.Bullish() && c2.Close > c1.Close && c3.Close > c2.Close &&
		w.Ind.EMAFast > w.Ind.EMASlow && w.Ind.MACDHist > 0 && w.Ind.RSI < 70:
		return Match{model.Bullish, clamp01((c3.Close - c1.Open) / (2 * w.Ind.ATR))}, true
	case c1.Bearish() && c2.Bearish() && c3.Bearish() && c2.Close < c1.Close && c3.Close < c2.Close &&
		w.Ind.EMAFast < w.Ind.EMASlow && w.Ind.MACDHist < 0 && w.Ind.RSI > 30:
		return Match{model.Bearish, clamp01((c1.Open - c3.Close) / (2 * w.Ind.ATR))}, true
	}
	return Match{}, false
}

// reversal: RSI leaves an extreme zone on a candle of the new direction.
func reversal(w Window) (Match, bool) {
	if !w.HasPrev {
		return Match{}, false
	}
	cur := w.last(0)
	prev, now := w.Prev.RSI, w.Ind.RSI
	switch {
	case prev < 30 && now >= 30 && cur.Bullish():
		return Match{model.Bullish, 0.5 + 0.5*clamp01((30-prev)/20)}, true
	case prev > 70 && now <= 70 && cur.Bearish():
		return Match{model.Bearish, 0.5 + 0.5*clamp01((prev-70)/20)}, true
	}
	return Match{}, false
}
