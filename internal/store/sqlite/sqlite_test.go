package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"pattern-trader/internal/model"
)

func openTemp(t *testing.T) (*Writer, *Reader) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "candles.db")
	w, err := New(Config{Path: path})
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	t.Cleanup(func() {
		r.Close()
		w.Close()
	})
	return w, r
}

func TestWriter_RoundTripOrdered(t *testing.T) {
	w, r := openTemp(t)
	t0 := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)

	bars := []model.Bar{
		{Symbol: "SBIN", TS: t0.Add(time.Minute), Open: 2, High: 3, Low: 1, Close: 2.5, Volume: 10},
		{Symbol: "INFY", TS: t0, Open: 5, High: 6, Low: 4, Close: 5.5, Volume: 20},
		{Symbol: "SBIN", TS: t0, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 30},
	}
	if err := w.WriteBars(bars, time.Minute); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := r.LoadBars(context.Background(), nil, time.Minute, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 bars, got %d", len(got))
	}
	if got[0].Symbol != "INFY" || got[1].Symbol != "SBIN" || !got[2].TS.Equal(t0.Add(time.Minute)) {
		t.Errorf("unexpected order: %+v", got)
	}

	filtered, err := r.LoadBars(context.Background(), []string{"SBIN"}, time.Minute, t0.Add(time.Minute), time.Time{})
	if err != nil {
		t.Fatalf("load filtered: %v", err)
	}
	if len(filtered) != 1 || filtered[0].Close != 2.5 {
		t.Errorf("unexpected filtered result: %+v", filtered)
	}

	last, err := w.LastTimestamp("SBIN", time.Minute)
	if err != nil || !last.Equal(t0.Add(time.Minute)) {
		t.Errorf("LastTimestamp = %v, %v", last, err)
	}

	syms, err := r.Symbols(context.Background(), time.Minute)
	if err != nil || len(syms) != 2 {
		t.Errorf("Symbols = %v, %v", syms, err)
	}
}

func TestWriter_RunFlushesOnClose(t *testing.T) {
	w, r := openTemp(t)
	t0 := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)

	ch := make(chan model.Candle, 4)
	ch <- model.Candle{Symbol: "SBIN", Interval: time.Minute, Start: t0, Open: 1, High: 1, Low: 1, Close: 1}
	close(ch)
	var committed int
	w.OnCommit = func(n int, _ time.Duration) { committed += n }
	w.Run(context.Background(), ch)
	if committed != 1 {
		t.Errorf("OnCommit saw %d candles, want 1", committed)
	}

	got, err := r.LoadBars(context.Background(), []string{"SBIN"}, time.Minute, time.Time{}, time.Time{})
	if err != nil || len(got) != 1 {
		t.Fatalf("expected 1 stored candle, got %d (%v)", len(got), err)
	}
}
