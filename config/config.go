// Package config loads process configuration from a YAML file, a .env file
// and environment variables, in increasing order of precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"pattern-trader/internal/api"
	"pattern-trader/internal/bot"
	"pattern-trader/internal/health"
	"pattern-trader/internal/logger"
	"pattern-trader/internal/marketdata/feed"
	"pattern-trader/internal/marketdata/wsfeed"
	"pattern-trader/internal/markethours"
	"pattern-trader/internal/notification"
	"pattern-trader/internal/store/redis"
	"pattern-trader/internal/store/sqlite"
	"pattern-trader/pkg/broker"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Config holds all application configuration.
type Config struct {
	Log    logger.Config `yaml:"log"`
	HTTP   api.Config    `yaml:"http"`
	Bot    bot.Settings  `yaml:"bot"`
	Feed   feed.Config   `yaml:"feed"`
	WS     wsfeed.Config `yaml:"ws"`
	Health health.Config `yaml:"health"`

	Market markethours.Config  `yaml:"market"`
	Broker broker.Config       `yaml:"broker"`
	Notify notification.Config `yaml:"notify"`

	// Store is "memory" or "redis".
	Store  string        `yaml:"store"`
	Redis  redis.Config  `yaml:"redis"`
	SQLite sqlite.Config `yaml:"sqlite"`

	// JournalPath is the SQLite order journal; empty disables it.
	JournalPath string `yaml:"journal_path"`
}

// Default returns paper-mode defaults: in-memory store, NSE session, bars
// from data/candles.db and ticks from a local tickserver.
func Default() Config {
	return Config{
		Log:    logger.Config{Level: "info", Format: "json"},
		HTTP:   api.DefaultConfig(),
		Bot:    bot.DefaultSettings(),
		Feed:   feed.DefaultConfig(),
		WS:     wsfeed.Config{URL: "ws://localhost:9001/ws", HandshakeTimeout: 10 * time.Second},
		Health: health.DefaultConfig(),
		Market: markethours.DefaultConfig(),
		Notify: notification.Config{TelegramMinLevel: notification.AlertWarning},
		Store:  StoreMemory,
		Redis:  redis.Config{Addr: "localhost:6379"},
		SQLite: sqlite.Config{Path: "data/candles.db"},
	}
}

// Load reads path (optional) over the defaults, then applies .env and
// environment overrides, then validates.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: %w", err)
		}
		if err := decode(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("[config] .env ignored: %v", err)
	}
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func decode(raw []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnv overrides file values with the environment. Secrets are expected
// to arrive this way rather than in the YAML file.
func (c *Config) applyEnv() {
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
	c.HTTP.Addr = getEnv("HTTP_ADDR", c.HTTP.Addr)

	c.Bot.Mode = getEnv("BOT_MODE", c.Bot.Mode)
	c.Bot.Strategy = getEnv("BOT_STRATEGY", c.Bot.Strategy)
	if v := os.Getenv("UNIVERSE"); v != "" {
		c.Bot.Universe = ParseList(v)
	}
	c.WS.URL = getEnv("FEED_URL", c.WS.URL)

	c.Store = getEnv("STORE", c.Store)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.SQLite.Path = getEnv("SQLITE_PATH", c.SQLite.Path)
	c.JournalPath = getEnv("JOURNAL_PATH", c.JournalPath)

	c.Broker.BaseURL = getEnv("BROKER_BASE_URL", c.Broker.BaseURL)
	c.Broker.APIKey = getEnv("BROKER_API_KEY", c.Broker.APIKey)
	c.Broker.ClientCode = getEnv("BROKER_CLIENT_CODE", c.Broker.ClientCode)
	c.Broker.Password = getEnv("BROKER_PASSWORD", c.Broker.Password)
	c.Broker.TOTPSecret = getEnv("BROKER_TOTP_SECRET", c.Broker.TOTPSecret)

	c.Notify.WebhookURL = getEnv("WEBHOOK_URL", c.Notify.WebhookURL)
	c.Notify.TelegramToken = getEnv("TELEGRAM_TOKEN", c.Notify.TelegramToken)
	c.Notify.TelegramChatID = getEnv("TELEGRAM_CHAT_ID", c.Notify.TelegramChatID)

	if v := os.Getenv("SCAN_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Bot.Scanner.Interval = d
		} else {
			log.Printf("[config] skipping invalid SCAN_INTERVAL: %q", v)
		}
	}
	if v := os.Getenv("RISK_CAPITAL"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Bot.Risk.Capital = f
		} else {
			log.Printf("[config] skipping invalid RISK_CAPITAL: %q", v)
		}
	}
}

// Validate checks cross-section constraints. Live mode needs broker
// credentials; the bot settings must validate on their own.
func (c Config) Validate() error {
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: log: %w", err)
	}
	if c.Store != StoreMemory && c.Store != StoreRedis {
		return fmt.Errorf("config: store must be %q or %q, got %q", StoreMemory, StoreRedis, c.Store)
	}
	if c.Store == StoreRedis && c.Redis.Addr == "" {
		return errors.New("config: redis.addr required for the redis store")
	}
	if c.WS.URL == "" {
		return errors.New("config: ws.url required")
	}
	if c.Bot.Mode == bot.ModeLive {
		var missing []string
		for name, v := range map[string]string{
			"BROKER_BASE_URL": c.Broker.BaseURL, "BROKER_API_KEY": c.Broker.APIKey,
			"BROKER_CLIENT_CODE": c.Broker.ClientCode, "BROKER_PASSWORD": c.Broker.Password,
			"BROKER_TOTP_SECRET": c.Broker.TOTPSecret,
		} {
			if v == "" {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return fmt.Errorf("config: live mode needs %s", strings.Join(missing, ", "))
		}
	}
	if err := c.Bot.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := markethours.New(c.Market); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// ParseList splits a comma-separated list, trimming blanks.
func ParseList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
