// cmd/backtest replays historical bars through the full decision pipeline
// (aggregation, indicators, patterns, validation, risk, simulated fills) and
// prints performance metrics per strategy.
//
// Usage:
//
//	go run ./cmd/backtest --db=data/candles.db --symbols=SBIN,INFY --from=2026-03-02 --to=2026-03-07
//	go run ./cmd/backtest --csv=bars.csv --symbols=SBIN --strategies=pattern-all,reversal,trend
//	go run ./cmd/backtest --synth=2000 --symbols=AAA,BBB --json
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"pattern-trader/config"
	"pattern-trader/internal/backtest"
	"pattern-trader/internal/marketdata/replay"
	"pattern-trader/internal/marketdata/synth"
	"pattern-trader/internal/markethours"
	"pattern-trader/internal/model"
	sqlitestore "pattern-trader/internal/store/sqlite"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	// Flags
	cfgPath := flag.String("config", "", "YAML config; bot settings seed the run parameters")
	dbPath := flag.String("db", "data/candles.db", "Path to SQLite database")
	csvPath := flag.String("csv", "", "Load bars from a CSV file instead of SQLite")
	savePath := flag.String("save", "", "Write the loaded bars into this SQLite database")
	synthN := flag.Int("synth", 0, "Generate N random-walk bars per symbol instead of loading")
	symbolsStr := flag.String("symbols", "", "Comma-separated symbols (default: bot universe)")
	fromStr := flag.String("from", "", "Start date, YYYY-MM-DD or RFC3339 (empty = all)")
	toStr := flag.String("to", "", "End date, YYYY-MM-DD or RFC3339 (empty = all)")
	interval := flag.Duration("interval", 0, "Candle interval (default: bot interval)")
	strategies := flag.String("strategies", "", "Comma-separated strategy ids, one run each")
	workers := flag.Int("workers", 4, "Parallel runs")
	slippage := flag.Float64("slippage", -1, "Slippage in bps (default: bot setting)")
	commission := flag.Float64("commission", -1, "Commission in bps (default: bot setting)")
	noSession := flag.Bool("no-session", false, "Hold positions across sessions and skip the session close exit")
	asJSON := flag.Bool("json", false, "Print runs as JSON")
	flag.Parse()

	base, err := baseParams(*cfgPath)
	if err != nil {
		log.Fatalf("[backtest] config: %v", err)
	}
	if s := config.ParseList(*symbolsStr); len(s) > 0 {
		base.Symbols = s
	}
	if *interval > 0 {
		base.Interval = *interval
	}
	if *slippage >= 0 {
		base.SlippageBps = *slippage
	}
	if *commission >= 0 {
		base.CommissionBps = *commission
	}
	if *noSession {
		base.Session = nil
	}
	if base.From, err = parseDate(*fromStr); err != nil {
		log.Fatalf("[backtest] --from: %v", err)
	}
	if base.To, err = parseDate(*toStr); err != nil {
		log.Fatalf("[backtest] --to: %v", err)
	}

	params := expand(base, config.ParseList(*strategies))

	// Setup context
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Bar source
	var src model.BarSource
	switch {
	case *synthN > 0:
		src = synthSource(base.Symbols, base.Interval, *synthN)
	case *csvPath != "":
		src = &replay.CSV{Path: *csvPath}
	default:
		reader, err := sqlitestore.NewReader(*dbPath)
		if err != nil {
			log.Fatalf("[backtest] sqlite open failed: %v", err)
		}
		defer reader.Close()
		src = reader
	}

	if *savePath != "" {
		if err := save(ctx, src, base, *savePath); err != nil {
			log.Fatalf("[backtest] save: %v", err)
		}
	}

	start := time.Now()
	results := backtest.RunMany(ctx, src, params, *workers)
	elapsed := time.Since(start)

	if *asJSON {
		runs := make([]backtest.Run, len(results))
		for i, r := range results {
			runs[i] = r.Run
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(runs); err != nil {
			log.Fatalf("[backtest] encode: %v", err)
		}
	} else {
		for _, r := range results {
			printRun(r)
		}
		fmt.Printf("\n%d run(s) in %v\n", len(results), elapsed.Round(time.Millisecond))
	}

	for _, r := range results {
		if r.Err != nil {
			os.Exit(1)
		}
	}
}

// baseParams seeds run parameters from the bot settings and market session
// in path, or from the defaults when path is empty.
func baseParams(path string) (backtest.Params, error) {
	p := backtest.DefaultParams()
	if path == "" {
		sess, err := markethours.New(markethours.DefaultConfig())
		p.Session = sess
		return p, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return p, err
	}
	if p.Session, err = markethours.New(cfg.Market); err != nil {
		return p, err
	}
	set := cfg.Bot
	p.Symbols = set.Universe
	p.Interval = set.Interval
	p.Strategy = set.Strategy
	p.Indicators = set.Indicators
	p.Pattern = set.Pattern
	p.Validator = set.Validator
	p.Risk = set.Risk
	p.Exit = set.Exit
	p.SlippageBps = set.SlippageBps
	p.CommissionBps = set.CommissionBps
	return p, nil
}

// expand returns one parameter set per strategy id, or base alone.
func expand(base backtest.Params, ids []string) []backtest.Params {
	if len(ids) == 0 {
		base.Name = base.Strategy
		return []backtest.Params{base}
	}
	out := make([]backtest.Params, len(ids))
	for i, id := range ids {
		p := base
		p.Strategy = strings.ToLower(id)
		p.Name = p.Strategy
		out[i] = p
	}
	return out
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

// synthSource builds a seeded random walk per symbol, starting at the
// previous midnight UTC.
func synthSource(symbols []string, interval time.Duration, n int) *replay.Memory {
	start := time.Now().UTC().Truncate(24 * time.Hour).Add(-time.Duration(n) * interval)
	var bars []model.Bar
	for i, sym := range symbols {
		bars = append(bars, synth.Walk(sym, start, interval, n, 100+float64(i)*50, int64(i+1))...)
	}
	return &replay.Memory{Bars: bars}
}

// save copies the bars the runs will see into a SQLite candle store.
func save(ctx context.Context, src model.BarSource, p backtest.Params, path string) error {
	bars, err := src.LoadBars(ctx, p.Symbols, p.Interval, p.From, p.To)
	if err != nil {
		return err
	}
	w, err := sqlitestore.New(sqlitestore.Config{Path: path})
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.WriteBars(bars, p.Interval); err != nil {
		return err
	}
	log.Printf("[backtest] saved %d bars to %s", len(bars), path)
	return nil
}

func printRun(res backtest.Result) {
	r := res.Run
	m := r.Metrics
	name := r.Params.Name
	if name == "" {
		name = r.Params.Strategy
	}

	fmt.Println()
	fmt.Println("╔══════════════════════════════════════╗")
	fmt.Printf("║  BACKTEST %-26s ║\n", truncate(name, 26))
	fmt.Println("╠══════════════════════════════════════╣")
	if res.Err != nil {
		fmt.Printf("║  Failed: %-27s ║\n", truncate(res.Err.Error(), 27))
		fmt.Println("╚══════════════════════════════════════╝")
		return
	}
	fmt.Printf("║  Bars / candles:    %-16s ║\n", fmt.Sprintf("%d / %d", r.Bars, r.Candles))
	fmt.Printf("║  Patterns seen:     %-16d ║\n", m.PatternsSeen)
	fmt.Printf("║  Signals (rej):     %-16s ║\n", fmt.Sprintf("%d (%d)", m.SignalsGenerated, m.SignalsRejected))
	fmt.Printf("║  Trades:            %-16d ║\n", m.TotalTrades)
	fmt.Printf("║  Win rate:          %-16s ║\n", fmt.Sprintf("%.1f%%", m.WinRate))
	fmt.Printf("║  Net P&L:           %-16s ║\n", m.NetPnL.StringFixed(2))
	fmt.Printf("║  Commission:        %-16s ║\n", m.Commission.StringFixed(2))
	fmt.Printf("║  Profit factor:     %-16.2f ║\n", m.ProfitFactor)
	fmt.Printf("║  Expectancy:        %-16s ║\n", m.Expectancy.StringFixed(2))
	fmt.Printf("║  Sharpe:            %-16.2f ║\n", m.Sharpe)
	fmt.Printf("║  Max drawdown:      %-16s ║\n", fmt.Sprintf("%s (%.1f%%)", m.MaxDrawdown.StringFixed(0), m.MaxDrawdownPct))
	fmt.Printf("║  Final equity:      %-16s ║\n", m.FinalEquity.StringFixed(2))
	fmt.Printf("║  Avg holding:       %-16v ║\n", m.AvgHolding)
	reasons := make([]string, 0, len(m.ExitReasons))
	for reason := range m.ExitReasons {
		reasons = append(reasons, string(reason))
	}
	sort.Strings(reasons)
	for _, reason := range reasons {
		fmt.Printf("║    exit %-10s %-16d ║\n", reason+":", m.ExitReasons[model.ExitReason(reason)])
	}
	fmt.Println("╚══════════════════════════════════════╝")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
