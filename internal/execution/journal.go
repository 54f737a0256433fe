package execution

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"pattern-trader/internal/model"
)

// Journal persists fills and closed trades to SQLite for analysis and audit.
type Journal struct {
	mu sync.Mutex
	db *sql.DB
}

// NewJournal opens (or creates) a SQLite journal database.
func NewJournal(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_sync=NORMAL")
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS fills (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id    TEXT NOT NULL,
		signal_id   TEXT NOT NULL,
		symbol      TEXT NOT NULL,
		direction   TEXT NOT NULL,
		pattern     TEXT NOT NULL,
		size        REAL NOT NULL,
		price       REAL NOT NULL,
		slippage    REAL DEFAULT 0,
		commission  REAL DEFAULT 0,
		filled_at   TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS trades (
		id           TEXT PRIMARY KEY,
		symbol       TEXT NOT NULL,
		direction    TEXT NOT NULL,
		pattern      TEXT NOT NULL,
		size         REAL NOT NULL,
		entry_price  REAL NOT NULL,
		exit_price   REAL NOT NULL,
		exit_reason  TEXT NOT NULL,
		net_pnl      REAL NOT NULL,
		bars_held    INTEGER NOT NULL,
		entry_time   TEXT NOT NULL,
		exit_time    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_fills_symbol ON fills(symbol);
	CREATE INDEX IF NOT EXISTS idx_trades_exit_time ON trades(exit_time);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	log.Printf("[journal] opened trade journal at %s", dbPath)
	return &Journal{db: db}, nil
}

// RecordFill persists a fill.
func (j *Journal) RecordFill(ctx context.Context, f model.Fill) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO fills (order_id, signal_id, symbol, direction, pattern, size, price, slippage, commission, filled_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.OrderID, f.Signal.ID, f.Signal.Symbol, string(f.Signal.Direction), string(f.Signal.Pattern),
		f.Size, f.Price, f.Slippage, f.Commission, f.FilledAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("journal: record fill %s: %w", f.OrderID, err)
	}
	return nil
}

// RecordTrade persists a closed position. Re-recording the same id replaces it.
func (j *Journal) RecordTrade(ctx context.Context, p model.Position) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO trades (id, symbol, direction, pattern, size, entry_price, exit_price, exit_reason, net_pnl, bars_held, entry_time, exit_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Symbol, string(p.Direction), string(p.Pattern), p.Size, p.EntryPrice, p.ExitPrice,
		string(p.ExitReason), p.NetPnL(), p.BarsHeld,
		p.EntryTime.UTC().Format(time.RFC3339), p.ExitTime.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("journal: record trade %s: %w", p.ID, err)
	}
	return nil
}

// FillRecord represents a row from the fills table.
type FillRecord struct {
	ID         int64   `json:"id"`
	OrderID    string  `json:"order_id"`
	SignalID   string  `json:"signal_id"`
	Symbol     string  `json:"symbol"`
	Direction  string  `json:"direction"`
	Pattern    string  `json:"pattern"`
	Size       float64 `json:"size"`
	Price      float64 `json:"price"`
	Slippage   float64 `json:"slippage"`
	Commission float64 `json:"commission"`
	FilledAt   string  `json:"filled_at"`
}

// Fills returns the last N fills, newest first.
func (j *Journal) Fills(ctx context.Context, limit int) ([]FillRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.QueryContext(ctx,
		`SELECT id, order_id, signal_id, symbol, direction, pattern, size, price, slippage, commission, filled_at
		 FROM fills ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FillRecord
	for rows.Next() {
		var r FillRecord
		if err := rows.Scan(&r.ID, &r.OrderID, &r.SignalID, &r.Symbol, &r.Direction, &r.Pattern,
			&r.Size, &r.Price, &r.Slippage, &r.Commission, &r.FilledAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TradeRecord represents a row from the trades table.
type TradeRecord struct {
	ID         string  `json:"id"`
	Symbol     string  `json:"symbol"`
	Direction  string  `json:"direction"`
	Pattern    string  `json:"pattern"`
	Size       float64 `json:"size"`
	EntryPrice float64 `json:"entry_price"`
	ExitPrice  float64 `json:"exit_price"`
	ExitReason string  `json:"exit_reason"`
	NetPnL     float64 `json:"net_pnl"`
	BarsHeld   int     `json:"bars_held"`
	EntryTime  string  `json:"entry_time"`
	ExitTime   string  `json:"exit_time"`
}

// Trades returns the last N closed trades, newest exit first.
func (j *Journal) Trades(ctx context.Context, limit int) ([]TradeRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.QueryContext(ctx,
		`SELECT id, symbol, direction, pattern, size, entry_price, exit_price, exit_reason, net_pnl, bars_held, entry_time, exit_time
		 FROM trades ORDER BY exit_time DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var r TradeRecord
		if err := rows.Scan(&r.ID, &r.Symbol, &r.Direction, &r.Pattern, &r.Size, &r.EntryPrice,
			&r.ExitPrice, &r.ExitReason, &r.NetPnL, &r.BarsHeld, &r.EntryTime, &r.ExitTime); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Journaled records every successful fill of the wrapped gateway.
type Journaled struct {
	Gateway
	Journal *Journal
}

// Submit forwards to the gateway, then journals the fill. A journal error is
// logged, not returned: the order is already live.
func (j Journaled) Submit(ctx context.Context, sig model.Signal) (model.Fill, error) {
	f, err := j.Gateway.Submit(ctx, sig)
	if err != nil {
		return f, err
	}
	if jerr := j.Journal.RecordFill(ctx, f); jerr != nil {
		log.Printf("[journal] %v", jerr)
	}
	return f, nil
}

// Exit flattens at the venue when the wrapped gateway can, then journals the
// closed trade.
func (j Journaled) Exit(ctx context.Context, p model.Position) error {
	if e, ok := j.Gateway.(Exiter); ok {
		if err := e.Exit(ctx, p); err != nil {
			return err
		}
	}
	return j.Journal.RecordTrade(ctx, p)
}
