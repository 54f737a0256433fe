package synth

import (
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)

func TestWalk_Deterministic(t *testing.T) {
	a := Walk("SBIN", t0, time.Minute, 200, 500, 7)
	b := Walk("SBIN", t0, time.Minute, 200, 500, 7)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("bar %d differs: %+v vs %+v", i, a[i], b[i])
		}
		if a[i].Low > a[i].Open || a[i].Low > a[i].Close || a[i].High < a[i].Open || a[i].High < a[i].Close {
			t.Fatalf("bar %d violates OHLC: %+v", i, a[i])
		}
	}
}

func TestEngulfing_SnapshotReady(t *testing.T) {
	snap := Snapshot(Engulfing("SBIN", t0, time.Minute), time.Minute)
	if len(snap.Candles) != 63 {
		t.Fatalf("expected 63 candles, got %d", len(snap.Candles))
	}
	if !snap.Indicators.Ready {
		t.Fatal("indicators should be ready")
	}
	last, _ := snap.Last()
	if !last.Bullish() || last.Volume != 2600 {
		t.Errorf("unexpected final candle %+v", last)
	}
	if rsi := snap.Indicators.RSI; rsi < 55 || rsi > 65 {
		t.Errorf("RSI = %.2f, expected ~60", rsi)
	}
}
