package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"pattern-trader/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Reader provides read-only access to stored candles for bootstrap and backtests.
// It satisfies model.BarSource.
type Reader struct {
	db *sql.DB
}

// NewReader opens a SQLite connection for reading.
func NewReader(dbPath string) (*Reader, error) {
	db, err := sql.Open("sqlite3", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("sqlite open reader: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	log.Printf("[sqlite-reader] opened %s", dbPath)
	return &Reader{db: db}, nil
}

// LoadBars returns stored candles for the symbols in [from, to), ordered by
// timestamp then symbol. Empty symbols means all. Zero from/to are unbounded.
func (r *Reader) LoadBars(ctx context.Context, symbols []string, interval time.Duration, from, to time.Time) ([]model.Bar, error) {
	q := `SELECT symbol, ts, open, high, low, close, volume FROM candles WHERE interval_sec = ?`
	args := []any{int64(interval / time.Second)}
	if !from.IsZero() {
		q += ` AND ts >= ?`
		args = append(args, from.Unix())
	}
	if !to.IsZero() {
		q += ` AND ts < ?`
		args = append(args, to.Unix())
	}
	if len(symbols) > 0 {
		q += ` AND symbol IN (?` + strings.Repeat(",?", len(symbols)-1) + `)`
		for _, s := range symbols {
			args = append(args, s)
		}
	}
	q += ` ORDER BY ts ASC, symbol ASC`

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite query candles: %w", err)
	}
	defer rows.Close()

	var bars []model.Bar
	for rows.Next() {
		var b model.Bar
		var tsUnix int64
		var vol sql.NullFloat64
		if err := rows.Scan(&b.Symbol, &tsUnix, &b.Open, &b.High, &b.Low, &b.Close, &vol); err != nil {
			return nil, fmt.Errorf("sqlite scan candles: %w", err)
		}
		b.TS = time.Unix(tsUnix, 0).UTC()
		b.Volume = vol.Float64
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// Symbols lists the distinct symbols stored for an interval.
func (r *Reader) Symbols(ctx context.Context, interval time.Duration) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT symbol FROM candles WHERE interval_sec = ? ORDER BY symbol`,
		int64(interval/time.Second))
	if err != nil {
		return nil, fmt.Errorf("sqlite query symbols: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.db.Close()
}
