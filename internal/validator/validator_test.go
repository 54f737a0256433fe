package validator

import (
	"strings"
	"testing"
	"time"

	"pattern-trader/internal/marketdata/synth"
	"pattern-trader/internal/model"
	"pattern-trader/internal/pattern"
)

var t0 = time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)

// engulfingInput is the synthetic engulfing scenario as the scanner would see it.
func engulfingInput(t *testing.T) Input {
	t.Helper()
	snap := synth.Snapshot(synth.Engulfing("SBIN", t0, time.Minute), time.Minute)
	sig, ok := pattern.New(pattern.DefaultConfig()).Detect(snap)
	if !ok {
		t.Fatal("expected a pattern on the engulfing series")
	}
	if sig.Kind != model.PatternEngulfing {
		t.Fatalf("kind = %s, want engulfing", sig.Kind)
	}
	return Input{Signal: sig, Snapshot: snap}
}

func mustNew(t *testing.T, cfg Config) *Pipeline {
	t.Helper()
	p, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestDefaultLevels(t *testing.T) {
	p := mustNew(t, DefaultConfig())
	got := p.Levels()
	if len(got) != 11 {
		t.Fatalf("levels = %d, want 11", len(got))
	}
	for i, n := range DefaultLevels {
		if got[i] != n {
			t.Errorf("level[%d] = %s, want %s", i, got[i], n)
		}
	}
}

func TestEngulfingScenarioPassesAll(t *testing.T) {
	in := engulfingInput(t)
	res := mustNew(t, DefaultConfig()).Validate(in)
	if !res.Passed {
		t.Fatalf("expected pass, failed at %s: %s", res.FailedLevel, res.Reason)
	}
	if len(res.Levels) != len(DefaultLevels) {
		t.Errorf("evaluated %d levels, want %d", len(res.Levels), len(DefaultLevels))
	}
	for _, l := range res.Levels {
		if !l.Passed || l.Tier == "" {
			t.Errorf("level %+v", l)
		}
	}
	if res.Signal.Symbol != "SBIN" {
		t.Errorf("signal not carried: %+v", res.Signal)
	}
}

func TestShortCircuit(t *testing.T) {
	in := engulfingInput(t)
	in.Snapshot.Candles = in.Snapshot.Candles[len(in.Snapshot.Candles)-10:]

	p := mustNew(t, DefaultConfig())
	var evaluated []string
	p.OnEvaluate = func(l string) { evaluated = append(evaluated, l) }

	res := p.Validate(in)
	if res.Passed {
		t.Fatal("expected failure on short history")
	}
	if res.FailedLevel != "history_depth" {
		t.Errorf("failed level = %s", res.FailedLevel)
	}
	if len(evaluated) != 1 || len(res.Levels) != 1 {
		t.Errorf("later levels evaluated: %v", evaluated)
	}
	if !strings.Contains(res.Reason, "10") {
		t.Errorf("reason = %q", res.Reason)
	}
}

func TestShortCircuit_CustomLevels(t *testing.T) {
	calls := 0
	p := NewWith(
		Level{Name: "always_fail", Tier: TierStructural, Check: func(Input) (bool, string) { return false, "nope" }},
		Level{Name: "counter", Tier: TierIndicator, Check: func(Input) (bool, string) { calls++; return true, "" }},
	)
	res := p.Validate(Input{})
	if res.Passed || res.FailedLevel != "always_fail" || res.Reason != "nope" {
		t.Errorf("result = %+v", res)
	}
	if calls != 0 {
		t.Errorf("second level ran %d times", calls)
	}
}

func TestLevelFailures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(in *Input)
		level  string
	}{
		{"low confidence", func(in *Input) { in.Signal.Confidence = 40 }, "confidence_floor"},
		{"stale signal", func(in *Input) { in.Signal.CandleTS = in.Signal.CandleTS.Add(-time.Minute) }, "signal_fresh"},
		{"malformed candle", func(in *Input) {
			c := &in.Snapshot.Candles[len(in.Snapshot.Candles)-1]
			c.High = c.Low
		}, "candle_sanity"},
		{"overbought", func(in *Input) { in.Snapshot.Indicators.RSI = 75 }, "rsi_agreement"},
		{"macd falling", func(in *Input) {
			in.Snapshot.Indicators.MACDHist = -0.5
			in.Snapshot.History[len(in.Snapshot.History)-2].MACDHist = -0.1
		}, "macd_agreement"},
		{"counter trend", func(in *Input) { in.Snapshot.Indicators.EMAFast = in.Snapshot.Indicators.EMASlow - 1 }, "trend_alignment"},
		{"above band", func(in *Input) { in.Snapshot.Indicators.BBUpper = 100 }, "bollinger_position"},
		{"dead market", func(in *Input) { in.Snapshot.Indicators.ATR = 0.001 }, "volatility_regime"},
		{"wild market", func(in *Input) { in.Snapshot.Indicators.ATR = 20 }, "volatility_regime"},
		{"thin volume", func(in *Input) { in.Snapshot.Indicators.VolumeSMA = 5000 }, "volume_confirmation"},
	}
	p := mustNew(t, DefaultConfig())
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := engulfingInput(t)
			tc.mutate(&in)
			res := p.Validate(in)
			if res.Passed {
				t.Fatal("expected failure")
			}
			if res.FailedLevel != tc.level {
				t.Errorf("failed at %s (%s), want %s", res.FailedLevel, res.Reason, tc.level)
			}
			if res.Reason == "" {
				t.Error("missing reason")
			}
		})
	}
}

func TestLiquidity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinAvgVolume = 2000
	cfg.Levels = []string{"liquidity"}
	res := mustNew(t, cfg).Validate(engulfingInput(t))
	if res.Passed || res.FailedLevel != "liquidity" {
		t.Errorf("result = %+v", res)
	}
}

func TestBearishMirror(t *testing.T) {
	in := engulfingInput(t)
	in.Signal.Direction = model.Bearish
	cfg := DefaultConfig()
	cfg.Levels = []string{"rsi_agreement", "trend_alignment"}
	p := mustNew(t, cfg)

	// RSI 60 is fine for a bearish signal, the bullish EMA stack is not.
	res := p.Validate(in)
	if res.FailedLevel != "trend_alignment" {
		t.Errorf("failed at %q, want trend_alignment", res.FailedLevel)
	}
	in.Snapshot.Indicators.RSI = 25
	if res := p.Validate(in); res.FailedLevel != "rsi_agreement" {
		t.Errorf("failed at %q, want rsi_agreement", res.FailedLevel)
	}
}

func TestConfigurableSubset(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Levels = []string{"volume_confirmation", "history_depth"}
	p := mustNew(t, cfg)
	if got := p.Levels(); len(got) != 2 || got[0] != "volume_confirmation" {
		t.Errorf("levels = %v", got)
	}
	in := engulfingInput(t)
	in.Signal.Confidence = 1 // confidence_floor is not configured
	if res := p.Validate(in); !res.Passed {
		t.Errorf("expected pass, got %+v", res)
	}
}

func TestNew_RejectsUnknownAndDuplicate(t *testing.T) {
	if _, err := New(Config{Levels: []string{"nope"}}); err == nil {
		t.Error("expected unknown level error")
	}
	if _, err := New(Config{Levels: []string{"liquidity", "liquidity"}}); err == nil {
		t.Error("expected duplicate level error")
	}
}
