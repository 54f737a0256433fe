package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"pattern-trader/internal/backoff"
	"pattern-trader/internal/model"
)

// interval names accepted by the historical endpoint.
var intervalNames = map[time.Duration]string{
	time.Minute:      "ONE_MINUTE",
	3 * time.Minute:  "THREE_MINUTE",
	5 * time.Minute:  "FIVE_MINUTE",
	10 * time.Minute: "TEN_MINUTE",
	15 * time.Minute: "FIFTEEN_MINUTE",
	30 * time.Minute: "THIRTY_MINUTE",
	time.Hour:        "ONE_HOUR",
	24 * time.Hour:   "ONE_DAY",
}

const candleTimeLayout = "2006-01-02 15:04"

// Candles fetches historical bars for one symbol in [from, to).
// Rows are [timestamp, open, high, low, close, volume].
func (c *Client) Candles(ctx context.Context, symbol string, interval time.Duration, from, to time.Time) ([]model.Bar, error) {
	name, ok := intervalNames[interval]
	if !ok {
		return nil, fmt.Errorf("broker: unsupported interval %s", interval)
	}
	q := url.Values{
		"symbol":   {symbol},
		"interval": {name},
		"fromdate": {from.Format(candleTimeLayout)},
		"todate":   {to.Format(candleTimeLayout)},
	}
	var rows [][]json.RawMessage
	if err := c.do(ctx, http.MethodGet, "api.candle.data", q, nil, symbol, &rows); err != nil {
		return nil, err
	}
	bars := make([]model.Bar, 0, len(rows))
	for i, r := range rows {
		b, err := parseRow(symbol, r)
		if err != nil {
			return nil, fmt.Errorf("broker: candles %s row %d: %w", symbol, i, err)
		}
		if b.TS.Before(from) || !b.TS.Before(to) {
			continue
		}
		bars = append(bars, b)
	}
	return bars, nil
}

func parseRow(symbol string, r []json.RawMessage) (model.Bar, error) {
	if len(r) < 6 {
		return model.Bar{}, fmt.Errorf("want 6 fields, got %d", len(r))
	}
	var ts string
	if err := json.Unmarshal(r[0], &ts); err != nil {
		return model.Bar{}, fmt.Errorf("timestamp: %w", err)
	}
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return model.Bar{}, err
	}
	var f [5]float64
	for i := range f {
		var s json.Number
		if err := json.Unmarshal(r[i+1], &s); err != nil {
			return model.Bar{}, fmt.Errorf("field %d: %w", i+1, err)
		}
		if f[i], err = strconv.ParseFloat(s.String(), 64); err != nil {
			return model.Bar{}, fmt.Errorf("field %d: %w", i+1, err)
		}
	}
	return model.Bar{Symbol: symbol, TS: t.UTC(), Open: f[0], High: f[1], Low: f[2], Close: f[3], Volume: f[4]}, nil
}

// History adapts the client to model.BarSource. Each symbol is fetched under
// Policy, so rate limits are waited out rather than exceeded.
type History struct {
	Client *Client
	Policy backoff.Policy
}

// LoadBars fetches every symbol in turn.
func (h History) LoadBars(ctx context.Context, symbols []string, interval time.Duration, from, to time.Time) ([]model.Bar, error) {
	var out []model.Bar
	for _, sym := range symbols {
		var bars []model.Bar
		err := h.Policy.Retry(ctx, func(ctx context.Context, _ int) error {
			var err error
			bars, err = h.Client.Candles(ctx, sym, interval, from, to)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("broker: history %s: %w", sym, err)
		}
		out = append(out, bars...)
	}
	return out, nil
}
