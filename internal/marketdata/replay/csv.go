package replay

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"pattern-trader/internal/model"
)

// CSV loads bars from a file with the header
// symbol,ts,open,high,low,close,volume. ts is RFC3339 or Unix seconds.
type CSV struct {
	Path string
}

// LoadBars reads the whole file and filters by symbol and [from, to).
func (c *CSV) LoadBars(ctx context.Context, symbols []string, interval time.Duration, from, to time.Time) ([]model.Bar, error) {
	f, err := os.Open(c.Path)
	if err != nil {
		return nil, fmt.Errorf("replay: open csv: %w", err)
	}
	defer f.Close()

	bars, err := ParseCSV(f)
	if err != nil {
		return nil, fmt.Errorf("replay: %s: %w", c.Path, err)
	}
	return (&Memory{Bars: bars}).LoadBars(ctx, symbols, interval, from, to)
}

// ParseCSV decodes bars from r. Column order is taken from the header row.
func ParseCSV(r io.Reader) ([]model.Bar, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, need := range []string{"symbol", "ts", "open", "high", "low", "close"} {
		if _, ok := col[need]; !ok {
			return nil, fmt.Errorf("missing column %q", need)
		}
	}

	var bars []model.Bar
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		b, err := parseRow(rec, col)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		bars = append(bars, b)
	}
	return bars, nil
}

func parseRow(rec []string, col map[string]int) (model.Bar, error) {
	var b model.Bar
	b.Symbol = rec[col["symbol"]]

	ts, err := parseTS(rec[col["ts"]])
	if err != nil {
		return b, err
	}
	b.TS = ts

	nums := []struct {
		name string
		dst  *float64
	}{
		{"open", &b.Open}, {"high", &b.High}, {"low", &b.Low}, {"close", &b.Close}, {"volume", &b.Volume},
	}
	for _, n := range nums {
		i, ok := col[n.name]
		if !ok {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(rec[i]), 64)
		if err != nil {
			return b, fmt.Errorf("%s: %w", n.name, err)
		}
		*n.dst = v
	}
	return b, nil
}

func parseTS(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("ts %q: %w", s, err)
	}
	return t.UTC(), nil
}
