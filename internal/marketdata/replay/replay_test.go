package replay

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pattern-trader/internal/model"
)

var t0 = time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)

func TestSort_TimeThenSymbol(t *testing.T) {
	bars := []model.Bar{
		{Symbol: "SBIN", TS: t0.Add(time.Minute)},
		{Symbol: "SBIN", TS: t0},
		{Symbol: "INFY", TS: t0.Add(time.Minute)},
		{Symbol: "INFY", TS: t0},
	}
	Sort(bars)
	want := []string{"INFY", "SBIN", "INFY", "SBIN"}
	for i, b := range bars {
		if b.Symbol != want[i] {
			t.Fatalf("position %d: got %s, want %s", i, b.Symbol, want[i])
		}
	}
	if !bars[0].TS.Equal(t0) || !bars[3].TS.Equal(t0.Add(time.Minute)) {
		t.Error("bars not in time order")
	}
}

func TestParseCSV(t *testing.T) {
	data := "symbol,ts,open,high,low,close,volume\n" +
		"SBIN,2026-03-02T09:15:00Z,100,101,99,100.5,1000\n" +
		"INFY," + "1772442960" + ",10,11,9,10.5,50\n"
	bars, err := ParseCSV(strings.NewReader(data))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("expected 2 bars, got %d", len(bars))
	}
	if !bars[0].TS.Equal(t0) || bars[0].Close != 100.5 || bars[0].Volume != 1000 {
		t.Errorf("unexpected first bar %+v", bars[0])
	}
	if bars[1].TS.Unix() != 1772442960 {
		t.Errorf("unix ts not parsed: %v", bars[1].TS)
	}
}

func TestParseCSV_Errors(t *testing.T) {
	if _, err := ParseCSV(strings.NewReader("symbol,open\nX,1\n")); err == nil {
		t.Error("expected missing column error")
	}
	bad := "symbol,ts,open,high,low,close\nX,notatime,1,1,1,1\n"
	if _, err := ParseCSV(strings.NewReader(bad)); err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Errorf("expected line 2 error, got %v", err)
	}
}

func TestCSV_LoadBarsFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bars.csv")
	data := "symbol,ts,open,high,low,close,volume\n" +
		"SBIN,2026-03-02T09:15:00Z,1,1,1,1,1\n" +
		"SBIN,2026-03-02T09:16:00Z,1,1,1,1,1\n" +
		"INFY,2026-03-02T09:15:00Z,1,1,1,1,1\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	src := &CSV{Path: path}
	bars, err := src.LoadBars(context.Background(), []string{"SBIN"}, time.Minute, t0, t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(bars) != 1 || bars[0].Symbol != "SBIN" || !bars[0].TS.Equal(t0) {
		t.Errorf("unexpected bars %+v", bars)
	}
}

func TestReplayer_RunOrdered(t *testing.T) {
	src := &Memory{Bars: []model.Bar{
		{Symbol: "B", TS: t0.Add(time.Minute), Close: 2},
		{Symbol: "A", TS: t0, Close: 1},
	}}
	out := make(chan model.Bar, 4)
	if err := New(src).Run(context.Background(), nil, time.Minute, time.Time{}, time.Time{}, 0, out); err != nil {
		t.Fatalf("run: %v", err)
	}
	close(out)
	var got []string
	for b := range out {
		got = append(got, b.Symbol)
	}
	if strings.Join(got, ",") != "A,B" {
		t.Errorf("unexpected replay order %v", got)
	}
}

func TestReplayer_Cancelled(t *testing.T) {
	src := &Memory{Bars: []model.Bar{{Symbol: "A", TS: t0}}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := make(chan model.Bar) // unbuffered, nobody reading
	if err := New(src).Run(ctx, nil, time.Minute, time.Time{}, time.Time{}, 0, out); err == nil {
		t.Error("expected context error")
	}
}
