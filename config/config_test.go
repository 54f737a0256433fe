package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_FileOverDefaults(t *testing.T) {
	path := writeFile(t, `
log:
  level: debug
bot:
  universe: [SBIN, INFY]
  interval: 5m
  scanner:
    interval: 30s
  risk:
    capital: 250000
    risk_pct: 0.5
    sizing: risk
    stop_atr: 2
    target_rr: 3
    min_rr: 1.5
    max_positions: 3
store: memory
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("log = %+v", cfg.Log)
	}
	if len(cfg.Bot.Universe) != 2 || cfg.Bot.Interval != 5*time.Minute || cfg.Bot.Scanner.Interval != 30*time.Second {
		t.Errorf("bot = %+v", cfg.Bot)
	}
	if cfg.Bot.Risk.Capital != 250000 || cfg.Bot.Risk.MaxPositions != 3 {
		t.Errorf("risk = %+v", cfg.Bot.Risk)
	}
	// untouched sections keep defaults
	if cfg.HTTP.Addr != ":8080" || cfg.Market.Open != "09:15" || cfg.Bot.Validator.MinHistory == 0 {
		t.Errorf("defaults lost: http=%+v market=%+v", cfg.HTTP, cfg.Market)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeFile(t, "bot:\n  universe: [SBIN]\n")
	t.Setenv("UNIVERSE", "TCS, WIPRO ,")
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("STORE", "redis")
	t.Setenv("SCAN_INTERVAL", "15s")
	t.Setenv("RISK_CAPITAL", "50000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(cfg.Bot.Universe, ",") != "TCS,WIPRO" {
		t.Errorf("universe = %v", cfg.Bot.Universe)
	}
	if cfg.Store != StoreRedis || cfg.Redis.Addr != "redis:6380" {
		t.Errorf("store = %s %s", cfg.Store, cfg.Redis.Addr)
	}
	if cfg.Bot.Scanner.Interval != 15*time.Second || cfg.Bot.Risk.Capital != 50000 {
		t.Errorf("bot = %+v", cfg.Bot)
	}
}

func TestLoad_UnknownField(t *testing.T) {
	path := writeFile(t, "bot:\n  universe: [SBIN]\n  universse: [X]\n")
	if _, err := Load(path); err == nil {
		t.Fatal("want error for unknown field")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("want error")
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		c := Default()
		c.Bot.Universe = []string{"SBIN"}
		return c
	}
	if err := base().Validate(); err != nil {
		t.Fatalf("base: %v", err)
	}

	cases := map[string]func(*Config){
		"empty universe": func(c *Config) { c.Bot.Universe = nil },
		"bad store":      func(c *Config) { c.Store = "etcd" },
		"bad level":      func(c *Config) { c.Log.Level = "loud" },
		"no feed url":    func(c *Config) { c.WS.URL = "" },
		"bad session":    func(c *Config) { c.Market.Close = "08:00" },
		"live no creds":  func(c *Config) { c.Bot.Mode = "live" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base()
			mutate(&c)
			if err := c.Validate(); err == nil {
				t.Error("want error")
			}
		})
	}

	live := base()
	live.Bot.Mode = "live"
	live.Broker.BaseURL = "https://broker.example"
	live.Broker.APIKey, live.Broker.ClientCode, live.Broker.Password, live.Broker.TOTPSecret = "k", "c", "p", "JBSWY3DPEHPK3PXP"
	if err := live.Validate(); err != nil {
		t.Errorf("live with creds: %v", err)
	}
}

func TestParseList(t *testing.T) {
	got := ParseList(" a,b ,, c ")
	if strings.Join(got, "|") != "a|b|c" {
		t.Errorf("got %v", got)
	}
}
