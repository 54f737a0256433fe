package synth

import (
	"time"

	"pattern-trader/internal/indicator"
	"pattern-trader/internal/marketdata/agg"
	"pattern-trader/internal/model"
)

// Snapshot aggregates bars at interval with default indicators and returns the
// resulting series snapshot for their (single) symbol.
func Snapshot(bars []model.Bar, interval time.Duration) model.SeriesSnapshot {
	eng := indicator.NewEngine(indicator.DefaultConfig())
	a := agg.New(agg.Config{Interval: interval})
	a.NewTracker = func(string) agg.Tracker { return eng.NewState() }
	for _, b := range bars {
		a.IngestBar(b)
	}
	a.FlushAll()
	if len(bars) == 0 {
		return model.SeriesSnapshot{}
	}
	snap, _ := a.Snapshot(bars[0].Symbol)
	return snap
}
