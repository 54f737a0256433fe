// Package pattern matches closed candle windows against a fixed library of
// chart-pattern rules and scores each hit.
//
// Confidence = weighted mean of shape strength, volume confirmation and
// indicator agreement, scaled to 0..100. At most one PatternSignal is produced
// per call: the highest confidence wins, ties go to the earlier entry in Priority.
package pattern

import (
	"math"
	"sort"

	"pattern-trader/internal/model"
)

// Config tunes scoring and the per-rule confidence floors.
type Config struct {
	MinConfidence   float64                       `yaml:"min_confidence"`
	Floors          map[model.PatternKind]float64 `yaml:"floors"`
	ShapeWeight     float64                       `yaml:"shape_weight"`
	VolumeWeight    float64                       `yaml:"volume_weight"`
	IndicatorWeight float64                       `yaml:"indicator_weight"`
}

// DefaultConfig returns the default weights and floor.
func DefaultConfig() Config {
	return Config{
		MinConfidence:   50,
		ShapeWeight:     0.5,
		VolumeWeight:    0.25,
		IndicatorWeight: 0.25,
	}
}

// Detector runs the enabled rules. It is stateless and safe for concurrent use.
type Detector struct {
	cfg   Config
	rules []Rule
	rank  map[model.PatternKind]int
}

// New creates a detector for the given kinds; no kinds enables every rule.
func New(cfg Config, kinds ...model.PatternKind) *Detector {
	d := DefaultConfig()
	if cfg.ShapeWeight+cfg.VolumeWeight+cfg.IndicatorWeight <= 0 {
		cfg.ShapeWeight, cfg.VolumeWeight, cfg.IndicatorWeight = d.ShapeWeight, d.VolumeWeight, d.IndicatorWeight
	}
	enabled := make(map[model.PatternKind]bool, len(kinds))
	for _, k := range kinds {
		enabled[k] = true
	}
	var rules []Rule
	for _, r := range Rules() {
		if len(enabled) == 0 || enabled[r.Kind] {
			rules = append(rules, r)
		}
	}
	rank := make(map[model.PatternKind]int, len(Priority))
	for i, k := range Priority {
		rank[k] = i
	}
	return &Detector{cfg: cfg, rules: rules, rank: rank}
}

// Kinds returns the enabled pattern kinds in priority order.
func (d *Detector) Kinds() []model.PatternKind {
	out := make([]model.PatternKind, len(d.rules))
	for i, r := range d.rules {
		out[i] = r.Kind
	}
	return out
}

// WindowOf builds the rule input from a snapshot.
func WindowOf(snap model.SeriesSnapshot) Window {
	w := Window{Candles: snap.Candles, Ind: snap.Indicators}
	if n, h := len(snap.Candles), len(snap.History); n >= 2 && h >= 2 {
		prev := snap.History[h-2]
		if prev.TS.Equal(snap.Candles[n-2].Start) {
			w.Prev, w.HasPrev = prev, true
		}
	}
	return w
}

// Detect returns the single best pattern for the snapshot, if any rule clears
// its floor. Nothing is emitted until the indicator set is ready.
func (d *Detector) Detect(snap model.SeriesSnapshot) (model.PatternSignal, bool) {
	cands := d.Candidates(snap)
	if len(cands) == 0 {
		return model.PatternSignal{}, false
	}
	return cands[0], true
}

// Candidates returns every rule hit above its floor, best first.
func (d *Detector) Candidates(snap model.SeriesSnapshot) []model.PatternSignal {
	if !snap.Indicators.Ready || len(snap.Candles) == 0 {
		return nil
	}
	last := snap.Candles[len(snap.Candles)-1]
	if !snap.Indicators.TS.Equal(last.Start) {
		return nil // indicators lag the series
	}
	w := WindowOf(snap)

	var out []model.PatternSignal
	for _, r := range d.rules {
		if len(w.Candles) < r.MinCandles {
			continue
		}
		m, ok := r.Match(w)
		if !ok {
			continue
		}
		sig := d.score(snap.Symbol, r.Kind, m, last, w.Ind)
		if sig.Confidence < d.floor(r.Kind) {
			continue
		}
		out = append(out, sig)
	}
	d.sortSignals(out)
	return out
}

// sortSignals orders by confidence, then by fixed priority.
func (d *Detector) sortSignals(sigs []model.PatternSignal) {
	sort.SliceStable(sigs, func(i, j int) bool {
		if sigs[i].Confidence != sigs[j].Confidence {
			return sigs[i].Confidence > sigs[j].Confidence
		}
		return d.rank[sigs[i].Kind] < d.rank[sigs[j].Kind]
	})
}

func (d *Detector) floor(k model.PatternKind) float64 {
	if f, ok := d.cfg.Floors[k]; ok {
		return f
	}
	return d.cfg.MinConfidence
}

func (d *Detector) score(symbol string, kind model.PatternKind, m Match, c model.Candle, ind model.IndicatorSet) model.PatternSignal {
	shape := clamp01(m.Shape)
	vol := VolumeScore(c, ind)
	agree := IndicatorScore(m.Direction, c, ind)
	wsum := d.cfg.ShapeWeight + d.cfg.VolumeWeight + d.cfg.IndicatorWeight
	conf := 100 * (d.cfg.ShapeWeight*shape + d.cfg.VolumeWeight*vol + d.cfg.IndicatorWeight*agree) / wsum
	return model.PatternSignal{
		Symbol:         symbol,
		Kind:           kind,
		Direction:      m.Direction,
		Confidence:     Clamp(conf),
		CandleTS:       c.Start,
		ShapeScore:     shape,
		VolumeScore:    vol,
		IndicatorScore: agree,
	}
}

// Clamp bounds a confidence to [0,100]; NaN maps to 0.
func Clamp(conf float64) float64 {
	if math.IsNaN(conf) {
		return 0
	}
	return math.Max(0, math.Min(100, conf))
}

// VolumeScore maps the candle's volume relative to its trailing average to
// [0,1]: half the average scores 0, the average 0.5, 1.5× or more scores 1.
func VolumeScore(c model.Candle, ind model.IndicatorSet) float64 {
	if ind.VolumeSMA <= 0 {
		return 0
	}
	return clamp01(c.Volume/ind.VolumeSMA - 0.5)
}

// IndicatorScore is the fraction of RSI, MACD and EMA-trend readings that
// agree with dir.
func IndicatorScore(dir model.Direction, c model.Candle, ind model.IndicatorSet) float64 {
	votes := 0
	if dir == model.Bullish {
		if ind.RSI < 70 {
			votes++
		}
		if ind.MACDHist > 0 {
			votes++
		}
		if c.Close > ind.EMASlow {
			votes++
		}
	} else {
		if ind.RSI > 30 {
			votes++
		}
		if ind.MACDHist < 0 {
			votes++
		}
		if c.Close < ind.EMASlow {
			votes++
		}
	}
	return float64(votes) / 3
}
