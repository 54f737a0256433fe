// Package validator screens pattern candidates through an ordered checklist.
//
// Levels are independent predicates grouped into tiers (structural, indicator,
// regime, liquidity). The pipeline stops at the first failing level and
// records which one failed. A failed validation is a result, not an error.
package validator

import (
	"encoding/json"
	"fmt"

	"pattern-trader/internal/model"
)

// Tier names.
const (
	TierStructural = "structural"
	TierIndicator  = "indicator"
	TierRegime     = "regime"
	TierLiquidity  = "liquidity"
)

// Input is what every level sees: the candidate and the snapshot it came from.
type Input struct {
	Signal   model.PatternSignal
	Snapshot model.SeriesSnapshot
}

// Check returns pass/fail and, on failure, a human-readable reason.
type Check func(in Input) (bool, string)

// Level is one checklist entry.
type Level struct {
	Name  string
	Tier  string
	Check Check
}

// Config selects and tunes the checklist.
type Config struct {
	// Levels lists level names in evaluation order. Empty means DefaultLevels.
	Levels []string `yaml:"levels" json:"levels"`

	MinHistory     int     `yaml:"min_history" json:"min_history"`
	MinConfidence  float64 `yaml:"min_confidence" json:"min_confidence"`
	RSIOverbought  float64 `yaml:"rsi_overbought" json:"rsi_overbought"`
	RSIOversold    float64 `yaml:"rsi_oversold" json:"rsi_oversold"`
	MinATRPct      float64 `yaml:"min_atr_pct" json:"min_atr_pct"`
	MaxATRPct      float64 `yaml:"max_atr_pct" json:"max_atr_pct"`
	MinVolumeRatio float64 `yaml:"min_volume_ratio" json:"min_volume_ratio"`
	MinPrice       float64 `yaml:"min_price" json:"min_price"`
	MinAvgVolume   float64 `yaml:"min_avg_volume" json:"min_avg_volume"`
}

// Merge overlays the JSON fields present in raw onto c. A levels array
// replaces the list; absent fields keep their current values.
func (c Config) Merge(raw []byte) (Config, error) {
	if len(raw) == 0 {
		return c, nil
	}
	c.Levels = append([]string(nil), c.Levels...)
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("validator: %w", err)
	}
	return c, nil
}

// DefaultLevels is the default eleven-level checklist order.
var DefaultLevels = []string{
	"history_depth",
	"confidence_floor",
	"candle_sanity",
	"signal_fresh",
	"rsi_agreement",
	"macd_agreement",
	"trend_alignment",
	"bollinger_position",
	"volatility_regime",
	"volume_confirmation",
	"liquidity",
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		MinHistory:     50,
		MinConfidence:  60,
		RSIOverbought:  70,
		RSIOversold:    30,
		MinATRPct:      0.05,
		MaxATRPct:      5,
		MinVolumeRatio: 1.2,
		MinPrice:       1,
		MinAvgVolume:   100,
	}
}

// Pipeline is an ordered checklist. Safe for concurrent use.
type Pipeline struct {
	levels []Level

	// OnEvaluate is called before each level runs (optional).
	OnEvaluate func(level string)
}

// New builds the pipeline named by cfg.Levels. Unknown names are rejected.
func New(cfg Config) (*Pipeline, error) {
	names := cfg.Levels
	if len(names) == 0 {
		names = DefaultLevels
	}
	lib := library(cfg)
	levels := make([]Level, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		l, ok := lib[n]
		if !ok {
			return nil, fmt.Errorf("validator: unknown level %q", n)
		}
		if seen[n] {
			return nil, fmt.Errorf("validator: duplicate level %q", n)
		}
		seen[n] = true
		levels = append(levels, l)
	}
	return &Pipeline{levels: levels}, nil
}

// NewWith builds a pipeline from explicit levels.
func NewWith(levels ...Level) *Pipeline {
	return &Pipeline{levels: levels}
}

// Levels returns the level names in order.
func (p *Pipeline) Levels() []string {
	out := make([]string, len(p.levels))
	for i, l := range p.levels {
		out[i] = l.Name
	}
	return out
}

// Validate runs the levels in order and stops at the first failure.
func (p *Pipeline) Validate(in Input) model.ValidationResult {
	res := model.ValidationResult{
		Signal: in.Signal,
		Levels: make([]model.LevelResult, 0, len(p.levels)),
		Passed: true,
	}
	for _, l := range p.levels {
		if p.OnEvaluate != nil {
			p.OnEvaluate(l.Name)
		}
		ok, reason := l.Check(in)
		res.Levels = append(res.Levels, model.LevelResult{Name: l.Name, Tier: l.Tier, Passed: ok, Reason: reason})
		if !ok {
			res.Passed = false
			res.FailedLevel = l.Name
			res.Reason = reason
			break
		}
	}
	return res
}
