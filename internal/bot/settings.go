package bot

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"pattern-trader/internal/indicator"
	"pattern-trader/internal/pattern"
	"pattern-trader/internal/portfolio"
	"pattern-trader/internal/scanner"
	"pattern-trader/internal/strategy"
	"pattern-trader/internal/validator"
)

// Execution modes.
const (
	ModePaper = "paper"
	ModeLive  = "live"
)

// Settings is the management-editable bot configuration. It is validated as
// a whole before it replaces the current value.
type Settings struct {
	Mode     string        `yaml:"mode" json:"mode"`
	Strategy string        `yaml:"strategy" json:"strategy"`
	Universe []string      `yaml:"universe" json:"universe"`
	Interval time.Duration `yaml:"interval" json:"interval"` // candle width
	History  int           `yaml:"history" json:"history"`   // sealed candles kept per symbol
	Lookback time.Duration `yaml:"lookback" json:"lookback"` // bootstrap window

	Scanner    scanner.Config       `yaml:"scanner" json:"scanner"`
	Indicators indicator.Config     `yaml:"indicators" json:"indicators"`
	Pattern    pattern.Config       `yaml:"pattern" json:"pattern"`
	Validator  validator.Config     `yaml:"validator" json:"validator"`
	Risk       portfolio.RiskConfig `yaml:"risk" json:"risk"`
	Exit       portfolio.ExitConfig `yaml:"exit" json:"exit"`

	// Paper fills.
	SlippageBps   float64 `yaml:"slippage_bps" json:"slippage_bps"`
	CommissionBps float64 `yaml:"commission_bps" json:"commission_bps"`

	// Six-field cron specs in the session time zone.
	ResetCron   string `yaml:"reset_cron" json:"reset_cron"`
	FlattenCron string `yaml:"flatten_cron" json:"flatten_cron"`
}

// DefaultSettings returns paper-mode defaults with an empty universe.
func DefaultSettings() Settings {
	return Settings{
		Mode:        ModePaper,
		Strategy:    strategy.Default,
		Interval:    time.Minute,
		History:     500,
		Lookback:    24 * time.Hour,
		Scanner:     scanner.DefaultConfig(),
		Indicators:  indicator.DefaultConfig(),
		Pattern:     pattern.DefaultConfig(),
		Validator:   validator.DefaultConfig(),
		Risk:        portfolio.DefaultRiskConfig(),
		Exit:        portfolio.DefaultExitConfig(),
		SlippageBps: 5,
		ResetCron:   "0 10 9 * * 1-5",
		FlattenCron: "0 25 15 * * 1-5",
	}
}

var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validate rejects settings the bot cannot run with.
func (s Settings) Validate() error {
	if s.Mode != ModePaper && s.Mode != ModeLive {
		return fmt.Errorf("bot: mode must be %q or %q, got %q", ModePaper, ModeLive, s.Mode)
	}
	if _, err := strategy.Lookup(s.Strategy); err != nil {
		return fmt.Errorf("bot: %w", err)
	}
	if len(s.Universe) == 0 {
		return fmt.Errorf("bot: universe is empty")
	}
	for _, sym := range s.Universe {
		if sym == "" || strings.ContainsAny(sym, " \t\n,") {
			return fmt.Errorf("bot: invalid symbol %q in universe", sym)
		}
	}
	if s.Interval < time.Second || s.Interval%time.Second != 0 {
		return fmt.Errorf("bot: interval must be a whole number of seconds, got %s", s.Interval)
	}
	if s.History < 0 || s.Lookback < 0 {
		return fmt.Errorf("bot: history and lookback must not be negative")
	}
	if s.Scanner.Interval <= 0 {
		return fmt.Errorf("bot: scanner interval must be positive")
	}
	if s.SlippageBps < 0 || s.CommissionBps < 0 {
		return fmt.Errorf("bot: slippage_bps and commission_bps must not be negative")
	}
	if err := s.Indicators.Validate(); err != nil {
		return fmt.Errorf("bot: %w", err)
	}
	if _, err := validator.New(s.Validator); err != nil {
		return fmt.Errorf("bot: %w", err)
	}
	if err := s.Risk.Validate(); err != nil {
		return fmt.Errorf("bot: %w", err)
	}
	for name, spec := range map[string]string{"reset_cron": s.ResetCron, "flatten_cron": s.FlattenCron} {
		if spec == "" {
			continue
		}
		if _, err := cronParser.Parse(spec); err != nil {
			return fmt.Errorf("bot: %s: %w", name, err)
		}
	}
	return nil
}

// Patch is a partial settings update from the management API. Durations are
// Go duration strings ("1m", "10s"). Risk and Validator are merged field by
// field onto the current values.
type Patch struct {
	Mode         *string         `json:"mode,omitempty"`
	Strategy     *string         `json:"strategy,omitempty"`
	Universe     []string        `json:"universe,omitempty"`
	Interval     string          `json:"interval,omitempty"`
	ScanInterval string          `json:"scan_interval,omitempty"`
	Risk         json.RawMessage `json:"risk,omitempty"`
	Validator    json.RawMessage `json:"validator,omitempty"`
}

// Apply returns s with p applied. The result is not validated.
func (p Patch) Apply(s Settings) (Settings, error) {
	if p.Mode != nil {
		s.Mode = *p.Mode
	}
	if p.Strategy != nil {
		s.Strategy = *p.Strategy
	}
	if p.Universe != nil {
		s.Universe = scanner.SortedUniverse(p.Universe)
	}
	if p.Interval != "" {
		d, err := time.ParseDuration(p.Interval)
		if err != nil {
			return s, fmt.Errorf("bot: interval: %w", err)
		}
		s.Interval = d
	}
	if p.ScanInterval != "" {
		d, err := time.ParseDuration(p.ScanInterval)
		if err != nil {
			return s, fmt.Errorf("bot: scan_interval: %w", err)
		}
		s.Scanner.Interval = d
	}
	var err error
	if s.Risk, err = s.Risk.Merge(p.Risk); err != nil {
		return s, fmt.Errorf("bot: %w", err)
	}
	if s.Validator, err = s.Validator.Merge(p.Validator); err != nil {
		return s, fmt.Errorf("bot: %w", err)
	}
	return s, nil
}
