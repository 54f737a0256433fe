package pattern

import (
	"math"
	"testing"
	"time"

	"pattern-trader/internal/marketdata/synth"
	"pattern-trader/internal/model"
)

var t0 = time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)

func cd(i int, o, h, l, c float64) model.Candle {
	return model.Candle{
		Symbol: "SBIN", Interval: time.Minute,
		Start: t0.Add(time.Duration(i) * time.Minute), End: t0.Add(time.Duration(i+1) * time.Minute),
		Open: o, High: h, Low: l, Close: c, Volume: 1000,
	}
}

// declining builds n bearish candles falling by 1 each.
func declining(n int, from float64) []model.Candle {
	out := make([]model.Candle, n)
	for i := range out {
		o := from - float64(i)
		out[i] = cd(i, o, o+0.2, o-1.2, o-1)
	}
	return out
}

func rising(n int, from float64) []model.Candle {
	out := make([]model.Candle, n)
	for i := range out {
		o := from + float64(i)
		out[i] = cd(i, o, o+1.2, o-0.2, o+1)
	}
	return out
}

func TestEngulfing(t *testing.T) {
	w := Window{Candles: []model.Candle{cd(0, 101, 101.2, 99.8, 100), cd(1, 99.9, 102.6, 99.8, 102.5)}}
	m, ok := engulfing(w)
	if !ok || m.Direction != model.Bullish {
		t.Fatalf("expected bullish engulfing, got %+v %v", m, ok)
	}
	// body ratio 2.6 → 1, dominance 2.6/2.8
	if want := 0.5 + 0.5*2.6/2.8; math.Abs(m.Shape-want) > 1e-9 {
		t.Errorf("shape = %f, want %f", m.Shape, want)
	}

	w = Window{Candles: []model.Candle{cd(0, 100, 101.2, 99.8, 101), cd(1, 101.1, 101.2, 98.9, 99)}}
	if m, ok := engulfing(w); !ok || m.Direction != model.Bearish {
		t.Errorf("expected bearish engulfing, got %+v %v", m, ok)
	}

	// Same colour is not an engulfing
	w = Window{Candles: []model.Candle{cd(0, 100, 101.2, 99.8, 101), cd(1, 99.5, 103, 99.4, 102.5)}}
	if _, ok := engulfing(w); ok {
		t.Error("two bullish candles should not match")
	}
}

func TestStars(t *testing.T) {
	w := Window{Candles: []model.Candle{
		cd(0, 105, 105.2, 100.8, 101), // long bearish
		cd(1, 100.6, 100.9, 100.2, 100.5),
		cd(2, 100.8, 104.6, 100.7, 104.5), // closes deep into the first body
	}}
	m, ok := morningStar(w)
	if !ok || m.Direction != model.Bullish {
		t.Fatalf("expected morning star, got %+v %v", m, ok)
	}
	// mid 103, penetration (104.5-103)/(105-103) = 0.75
	if want := 0.5 + 0.5*0.75; math.Abs(m.Shape-want) > 1e-9 {
		t.Errorf("shape = %f, want %f", m.Shape, want)
	}
	if _, ok := eveningStar(w); ok {
		t.Error("morning star must not match evening star")
	}

	w = Window{Candles: []model.Candle{
		cd(0, 101, 105.2, 100.8, 105),
		cd(1, 105.4, 105.8, 105.1, 105.5),
		cd(2, 105.2, 105.3, 101.4, 101.5),
	}}
	if m, ok := eveningStar(w); !ok || m.Direction != model.Bearish {
		t.Errorf("expected evening star, got %+v %v", m, ok)
	}
}

func TestHammerAndShootingStar(t *testing.T) {
	down := declining(3, 110)
	w := Window{Candles: append(down, cd(3, 107.2, 107.45, 104, 107.4))}
	m, ok := hammer(w)
	if !ok || m.Direction != model.Bullish {
		t.Fatalf("expected hammer, got %+v %v", m, ok)
	}
	if _, ok := shootingStar(w); ok {
		t.Error("hammer must not match shooting star")
	}

	up := rising(3, 100)
	w = Window{Candles: append(up, cd(3, 103.2, 106.5, 102.95, 103))}
	if m, ok := shootingStar(w); !ok || m.Direction != model.Bearish {
		t.Errorf("expected shooting star, got %+v %v", m, ok)
	}

	// A hammer shape after a rally is not a hammer
	w = Window{Candles: append(rising(3, 100), cd(3, 103.2, 103.45, 100, 103.4))}
	if _, ok := hammer(w); ok {
		t.Error("hammer requires a prior decline")
	}
}

func TestDojiNeedsContext(t *testing.T) {
	c := cd(0, 100, 101, 99, 100.02)
	if _, ok := doji(Window{Candles: []model.Candle{c}, Ind: model.IndicatorSet{RSI: 50}}); ok {
		t.Error("neutral doji should not match")
	}
	m, ok := doji(Window{Candles: []model.Candle{c}, Ind: model.IndicatorSet{RSI: 25}})
	if !ok || m.Direction != model.Bullish {
		t.Errorf("oversold doji should be bullish, got %+v %v", m, ok)
	}
	m, ok = doji(Window{Candles: []model.Candle{c}, Ind: model.IndicatorSet{RSI: 75}})
	if !ok || m.Direction != model.Bearish {
		t.Errorf("overbought doji should be bearish, got %+v %v", m, ok)
	}
}

func TestBreakout(t *testing.T) {
	var cs []model.Candle
	for i := 0; i < breakoutLookback; i++ {
		cs = append(cs, cd(i, 100, 101, 99, 100.5))
	}
	cs = append(cs, cd(breakoutLookback, 100.5, 102.6, 100.4, 102.5))
	m, ok := breakout(Window{Candles: cs, Ind: model.IndicatorSet{ATR: 2}})
	if !ok || m.Direction != model.Bullish {
		t.Fatalf("expected bullish breakout, got %+v %v", m, ok)
	}
	if _, ok := breakout(Window{Candles: cs}); ok {
		t.Error("breakout requires ATR")
	}
}

func TestMomentum(t *testing.T) {
	ind := model.IndicatorSet{ATR: 1, EMAFast: 103, EMASlow: 101, MACDHist: 0.2, RSI: 60}
	m, ok := momentum(Window{Candles: rising(3, 100), Ind: ind})
	if !ok || m.Direction != model.Bullish {
		t.Fatalf("expected bullish momentum, got %+v %v", m, ok)
	}
	ind.RSI = 75
	if _, ok := momentum(Window{Candles: rising(3, 100), Ind: ind}); ok {
		t.Error("overbought momentum should not match")
	}
	bear := model.IndicatorSet{ATR: 1, EMAFast: 97, EMASlow: 99, MACDHist: -0.2, RSI: 40}
	if m, ok := momentum(Window{Candles: declining(3, 100), Ind: bear}); !ok || m.Direction != model.Bearish {
		t.Errorf("expected bearish momentum, got %+v %v", m, ok)
	}
}

func TestReversal(t *testing.T) {
	cs := []model.Candle{cd(0, 100, 100.2, 98.8, 99), cd(1, 99, 100.7, 98.9, 100.5)}
	w := Window{Candles: cs, Prev: model.IndicatorSet{RSI: 22}, Ind: model.IndicatorSet{RSI: 34}, HasPrev: true}
	m, ok := reversal(w)
	if !ok || m.Direction != model.Bullish {
		t.Fatalf("expected bullish reversal, got %+v %v", m, ok)
	}
	w.HasPrev = false
	if _, ok := reversal(w); ok {
		t.Error("reversal needs the previous indicator set")
	}
}

func TestDetect_EngulfingSeries(t *testing.T) {
	snap := synth.Snapshot(synth.Engulfing("SBIN", t0, time.Minute), time.Minute)
	sig, ok := New(DefaultConfig()).Detect(snap)
	if !ok {
		t.Fatal("expected a pattern")
	}
	if sig.Kind != model.PatternEngulfing || sig.Direction != model.Bullish {
		t.Errorf("expected bullish engulfing, got %s %s", sig.Direction, sig.Kind)
	}
	last, _ := snap.Last()
	if !sig.CandleTS.Equal(last.Start) {
		t.Errorf("signal ts %v != last candle %v", sig.CandleTS, last.Start)
	}
	if sig.Confidence < 80 || sig.Confidence > 100 {
		t.Errorf("confidence %.2f outside expected range", sig.Confidence)
	}
	if sig.VolumeScore != 1 {
		t.Errorf("volume 2.3x average should score 1, got %f", sig.VolumeScore)
	}
}

func TestDetect_FlatSeriesEmitsNothing(t *testing.T) {
	snap := synth.Snapshot(synth.Flat("FLAT", t0, time.Minute, 120, 250, 1000), time.Minute)
	if !snap.Indicators.Ready {
		t.Fatal("indicators should be ready")
	}
	if cands := New(DefaultConfig()).Candidates(snap); len(cands) != 0 {
		t.Errorf("flat series produced %d candidates: %+v", len(cands), cands)
	}
}

func TestDetect_NotReadyEmitsNothing(t *testing.T) {
	bars := synth.Engulfing("SBIN", t0, time.Minute)
	snap := synth.Snapshot(bars[len(bars)-10:], time.Minute)
	if _, ok := New(DefaultConfig()).Detect(snap); ok {
		t.Error("expected no pattern before indicators are ready")
	}
}

func TestDetect_KindsFilterAndFloors(t *testing.T) {
	snap := synth.Snapshot(synth.Engulfing("SBIN", t0, time.Minute), time.Minute)
	if _, ok := New(DefaultConfig(), model.PatternBreakout).Detect(snap); ok {
		t.Error("engulfing should be filtered out when only breakouts are enabled")
	}
	cfg := DefaultConfig()
	cfg.Floors = map[model.PatternKind]float64{model.PatternEngulfing: 99}
	if _, ok := New(cfg).Detect(snap); ok {
		t.Error("per-rule floor should suppress the engulfing")
	}
}

func TestSortSignals_TieBrokenByPriority(t *testing.T) {
	d := New(DefaultConfig())
	sigs := []model.PatternSignal{
		{Kind: model.PatternDoji, Confidence: 70},
		{Kind: model.PatternBreakout, Confidence: 80},
		{Kind: model.PatternEngulfing, Confidence: 70},
	}
	d.sortSignals(sigs)
	want := []model.PatternKind{model.PatternBreakout, model.PatternEngulfing, model.PatternDoji}
	for i, k := range want {
		if sigs[i].Kind != k {
			t.Fatalf("position %d: got %s, want %s", i, sigs[i].Kind, k)
		}
	}
}

func TestScore_ConfidenceClamped(t *testing.T) {
	d := New(Config{ShapeWeight: 1, VolumeWeight: 1, IndicatorWeight: 1})
	c := cd(0, 100, 101, 99, 100.5)
	c.Volume = 1e9
	ind := model.IndicatorSet{RSI: 10, MACDHist: 5, EMASlow: 1, VolumeSMA: 1}
	sig := d.score("X", model.PatternBreakout, Match{model.Bullish, 7}, c, ind)
	if sig.Confidence < 0 || sig.Confidence > 100 {
		t.Errorf("confidence %f out of range", sig.Confidence)
	}
	if Clamp(math.NaN()) != 0 || Clamp(-5) != 0 || Clamp(250) != 100 {
		t.Error("Clamp bounds wrong")
	}
}
