package model

import "time"

// PatternKind names a chart-pattern shape recognised by the detector.
type PatternKind string

const (
	PatternEngulfing    PatternKind = "engulfing"
	PatternMorningStar  PatternKind = "morning_star"
	PatternEveningStar  PatternKind = "evening_star"
	PatternHammer       PatternKind = "hammer"
	PatternShootingStar PatternKind = "shooting_star"
	PatternDoji         PatternKind = "doji"
	PatternBreakout     PatternKind = "breakout"
	PatternMomentum     PatternKind = "momentum_continuation"
	PatternReversal     PatternKind = "reversal"
)

// Direction is the expected price move implied by a pattern or held by a position.
type Direction string

const (
	Bullish Direction = "bullish"
	Bearish Direction = "bearish"
)

// Sign returns +1 for bullish and -1 for bearish.
func (d Direction) Sign() float64 {
	if d == Bearish {
		return -1
	}
	return 1
}

// PatternSignal is a detected pattern candidate. It is consumed once by the validator.
type PatternSignal struct {
	Symbol     string      `json:"symbol"`
	Kind       PatternKind `json:"kind"`
	Direction  Direction   `json:"direction"`
	Confidence float64     `json:"confidence"` // 0..100
	CandleTS   time.Time   `json:"candle_ts"`  // start of the candle that completed the shape

	ShapeScore     float64 `json:"shape_score"`     // 0..1
	VolumeScore    float64 `json:"volume_score"`    // 0..1
	IndicatorScore float64 `json:"indicator_score"` // 0..1
}

// LevelResult is the outcome of one checklist level.
type LevelResult struct {
	Name   string `json:"name"`
	Tier   string `json:"tier"`
	Passed bool   `json:"passed"`
	Reason string `json:"reason,omitempty"`
}

// ValidationResult is the terminal outcome of screening one PatternSignal.
// A failed result is an expected outcome, not an error.
type ValidationResult struct {
	Signal      PatternSignal `json:"signal"`
	Levels      []LevelResult `json:"levels"`
	Passed      bool          `json:"passed"`
	FailedLevel string        `json:"failed_level,omitempty"`
	Reason      string        `json:"reason,omitempty"`
}
