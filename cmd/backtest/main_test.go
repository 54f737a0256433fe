package main

import (
	"testing"
	"time"

	"pattern-trader/internal/backtest"
	"pattern-trader/internal/markethours"
)

func TestExpand(t *testing.T) {
	base := backtest.DefaultParams()
	base.Symbols = []string{"SBIN"}

	one := expand(base, nil)
	if len(one) != 1 || one[0].Name != base.Strategy {
		t.Fatalf("expand(nil) = %+v", one)
	}

	many := expand(base, []string{"Reversal", "trend"})
	if len(many) != 2 || many[0].Strategy != "reversal" || many[1].Name != "trend" {
		t.Errorf("expand = %+v", many)
	}
	if len(many[1].Symbols) != 1 {
		t.Error("symbols not carried over")
	}
}

func TestParseDate(t *testing.T) {
	if d, err := parseDate(""); err != nil || !d.IsZero() {
		t.Errorf("empty = %v, %v", d, err)
	}
	d, err := parseDate("2026-03-02")
	if err != nil || !d.Equal(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("date = %v, %v", d, err)
	}
	d, err = parseDate("2026-03-02T09:15:00Z")
	if err != nil || d.Hour() != 9 {
		t.Errorf("rfc3339 = %v, %v", d, err)
	}
	if _, err := parseDate("yesterday"); err == nil {
		t.Error("expected error")
	}
}

func TestSynthSource(t *testing.T) {
	src := synthSource([]string{"AAA", "BBB"}, time.Minute, 10)
	if len(src.Bars) != 20 {
		t.Fatalf("bars = %d", len(src.Bars))
	}
	if src.Bars[0].Symbol != "AAA" || src.Bars[10].Symbol != "BBB" {
		t.Errorf("symbols = %s %s", src.Bars[0].Symbol, src.Bars[10].Symbol)
	}
}

func TestBaseParams_DefaultSession(t *testing.T) {
	p, err := baseParams("")
	if err != nil {
		t.Fatal(err)
	}
	if p.Session == nil {
		t.Fatal("session not set")
	}
	closeIST := time.Date(2026, 3, 2, 15, 30, 0, 0, markethours.IST)
	if !p.Session.AtOrAfterClose(closeIST) || p.Session.AtOrAfterClose(closeIST.Add(-time.Minute)) {
		t.Error("session close is not 15:30 IST")
	}
}
