package main

import (
	"testing"
	"time"

	"pattern-trader/internal/model"
)

func TestBarTicks_UpBarVisitsLowFirst(t *testing.T) {
	t0 := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)
	b := model.Bar{Symbol: "SBIN", TS: t0, Open: 10, High: 12, Low: 9, Close: 11, Volume: 400}

	ticks := barTicks(b, time.Minute, false)
	want := []float64{10, 9, 12, 11}
	if len(ticks) != len(want) {
		t.Fatalf("got %d ticks", len(ticks))
	}
	for i, tk := range ticks {
		if tk.Price != want[i] {
			t.Errorf("tick %d price = %v, want %v", i, tk.Price, want[i])
		}
		if tk.Volume != 100 {
			t.Errorf("tick %d volume = %v", i, tk.Volume)
		}
		if !tk.TS.Equal(t0.Add(time.Duration(i) * 15 * time.Second)) {
			t.Errorf("tick %d ts = %v", i, tk.TS)
		}
	}
}

func TestBarTicks_DownBarVisitsHighFirst(t *testing.T) {
	b := model.Bar{Symbol: "SBIN", Open: 11, High: 12, Low: 9, Close: 10}
	ticks := barTicks(b, time.Minute, true)
	if ticks[1].Price != 12 || ticks[2].Price != 9 {
		t.Errorf("path = %v %v", ticks[1].Price, ticks[2].Price)
	}
	if ticks[0].TS.IsZero() {
		t.Error("restamped tick has zero time")
	}
}

func TestParseInstruments(t *testing.T) {
	got := parseInstruments("sbin:800, INFY ,bad:x,")
	if len(got) != 2 {
		t.Fatalf("got %d instruments", len(got))
	}
	if got[0].Symbol != "SBIN" || got[1].Symbol != "INFY" {
		t.Errorf("symbols = %s %s", got[0].Symbol, got[1].Symbol)
	}
	if p := got[0].Walker.Next(); p < 799 || p > 801 {
		t.Errorf("SBIN walk started away from 800: %v", p)
	}
}
