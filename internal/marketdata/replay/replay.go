// Package replay loads historical bars and replays them in global time order.
//
// Sources: the SQLite candle store (store/sqlite.Reader), CSV files and
// in-memory slices all satisfy model.BarSource.
package replay

import (
	"context"
	"log"
	"sort"
	"time"

	"pattern-trader/internal/model"
)

// Sort orders bars by timestamp, then symbol, so a multi-symbol replay
// advances time globally and deterministically.
func Sort(bars []model.Bar) {
	sort.SliceStable(bars, func(i, j int) bool {
		if !bars[i].TS.Equal(bars[j].TS) {
			return bars[i].TS.Before(bars[j].TS)
		}
		return bars[i].Symbol < bars[j].Symbol
	})
}

// Memory is an in-memory BarSource.
type Memory struct {
	Bars []model.Bar
}

// LoadBars filters the held bars by symbol and [from, to). Interval is ignored.
func (m *Memory) LoadBars(_ context.Context, symbols []string, _ time.Duration, from, to time.Time) ([]model.Bar, error) {
	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}
	out := make([]model.Bar, 0, len(m.Bars))
	for _, b := range m.Bars {
		if len(want) > 0 && !want[b.Symbol] {
			continue
		}
		if !from.IsZero() && b.TS.Before(from) {
			continue
		}
		if !to.IsZero() && !b.TS.Before(to) {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// Replayer emits historical bars at a configurable speed.
type Replayer struct {
	src model.BarSource
}

// New creates a Replayer over any bar source.
func New(src model.BarSource) *Replayer {
	return &Replayer{src: src}
}

// Run replays bars into outCh in (TS, Symbol) order.
// speed controls the playback rate: 1.0 = real-time, 10.0 = 10x, 0 = as fast as possible.
func (r *Replayer) Run(ctx context.Context, symbols []string, interval time.Duration, from, to time.Time, speed float64, outCh chan<- model.Bar) error {
	bars, err := r.src.LoadBars(ctx, symbols, interval, from, to)
	if err != nil {
		return err
	}
	if len(bars) == 0 {
		log.Println("[replay] no bars found")
		return nil
	}
	Sort(bars)

	log.Printf("[replay] loaded %d bars, speed=%.1fx", len(bars), speed)

	var prevTS time.Time
	emitted := 0

	for _, b := range bars {
		// Simulate time gaps between bars
		if speed > 0 && !prevTS.IsZero() {
			gap := b.TS.Sub(prevTS)
			if gap > 0 {
				scaledGap := time.Duration(float64(gap) / speed)
				// Cap max sleep to avoid very long waits
				if scaledGap > 5*time.Second {
					scaledGap = 5 * time.Second
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(scaledGap):
				}
			}
		}
		prevTS = b.TS

		select {
		case <-ctx.Done():
			log.Printf("[replay] cancelled after %d bars", emitted)
			return ctx.Err()
		case outCh <- b:
		}
		emitted++
	}

	log.Printf("[replay] completed: %d bars replayed", emitted)
	return nil
}
