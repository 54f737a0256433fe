// Package notification pushes activity events to external observers: the
// process log, HTTP webhooks, Telegram, and the Redis activity channel.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"pattern-trader/internal/model"
)

// AlertLevel represents the severity of an event for human channels.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert is the human-readable rendering of an event.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
}

// Config selects the enabled channels.
type Config struct {
	WebhookURL     string `yaml:"webhook_url"`
	TelegramToken  string `yaml:"telegram_token"`
	TelegramChatID string `yaml:"telegram_chat_id"`
	// Telegram only receives events at or above this level.
	TelegramMinLevel AlertLevel `yaml:"telegram_min_level"`
}

// LevelOf maps an event type to an alert level.
func LevelOf(t model.EventType) AlertLevel {
	switch t {
	case model.EventOrderFailed:
		return AlertCritical
	case model.EventHealthWarning, model.EventSignalRejected, model.EventConnection:
		return AlertWarning
	default:
		return AlertInfo
	}
}

func rank(l AlertLevel) int {
	switch l {
	case AlertCritical:
		return 2
	case AlertWarning:
		return 1
	default:
		return 0
	}
}

// AlertOf renders ev for human channels.
func AlertOf(ev model.Event) Alert {
	title := string(ev.Type)
	if ev.Symbol != "" {
		title = ev.Symbol + " " + title
	}
	var parts []string
	if ev.Stage != "" {
		parts = append(parts, "stage: "+ev.Stage)
	}
	if ev.Reason != "" {
		parts = append(parts, ev.Reason)
	}
	for _, k := range []string{"pattern", "direction", "entry", "stop", "target", "size", "pnl", "status"} {
		if v, ok := ev.Fields[k]; ok {
			parts = append(parts, fmt.Sprintf("%s: %v", k, v))
		}
	}
	return Alert{Level: LevelOf(ev.Type), Title: title, Message: strings.Join(parts, "\n")}
}

// LogPublisher writes events to the process log.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, ev model.Event) error {
	a := AlertOf(ev)
	log.Printf("[notify] [%s] %s: %s", a.Level, a.Title, strings.ReplaceAll(a.Message, "\n", "; "))
	return nil
}

// MinLevel forwards only events at or above Level.
type MinLevel struct {
	Level AlertLevel
	Next  model.Publisher
}

func (m MinLevel) Publish(ctx context.Context, ev model.Event) error {
	if rank(LevelOf(ev.Type)) < rank(m.Level) {
		return nil
	}
	return m.Next.Publish(ctx, ev)
}

// Multi fans an event out to every publisher. All publishers are attempted
// and their errors joined.
type Multi []model.Publisher

func (m Multi) Publish(ctx context.Context, ev model.Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FromConfig builds the publishers enabled by cfg, always including the log.
func FromConfig(cfg Config) Multi {
	out := Multi{LogPublisher{}}
	if cfg.WebhookURL != "" {
		out = append(out, NewWebhook(cfg.WebhookURL))
	}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		lvl := cfg.TelegramMinLevel
		if lvl == "" {
			lvl = AlertWarning
		}
		out = append(out, MinLevel{Level: lvl, Next: NewTelegram(cfg.TelegramToken, cfg.TelegramChatID)})
	}
	return out
}

// StoreLog appends every event to the store's activity log.
type StoreLog struct {
	Store model.Store
}

func (s StoreLog) Publish(ctx context.Context, ev model.Event) error {
	return s.Store.AppendEvent(ctx, ev)
}
