// Package health runs the periodic supervisor: connection state, data
// freshness and credential expiry. It is the only component besides the feed
// manager that may start a reconnect.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pattern-trader/internal/apperr"
	"pattern-trader/internal/metrics"
	"pattern-trader/internal/model"
)

// Feed is the part of the feed manager the supervisor drives.
type Feed interface {
	State() model.ConnectionState
	ForceReconnect(ctx context.Context, reason string) error
}

// Credentials reports when the broker session expires. Zero means unknown.
type Credentials interface {
	Expiry() time.Time
}

// Config holds the supervisor period and thresholds.
type Config struct {
	Interval       time.Duration `yaml:"interval"`
	StaleAfter     time.Duration `yaml:"stale_after"`
	CredentialLead time.Duration `yaml:"credential_lead"`
}

// DefaultConfig returns a 60s period, 2m staleness and 1h credential lead.
func DefaultConfig() Config {
	return Config{Interval: 60 * time.Second, StaleAfter: 2 * time.Minute, CredentialLead: time.Hour}
}

// Report is the outcome of one check.
type Report struct {
	At          time.Time        `json:"at"`
	Status      model.ConnStatus `json:"status"`
	DataAge     time.Duration    `json:"data_age"`
	Stale       bool             `json:"stale"`
	Reconnected bool             `json:"reconnected"` // a forced reconnect was requested
	Warnings    []string         `json:"warnings,omitempty"`

	// Err is set when credentials have expired. Live trading needs an
	// operator to refresh them.
	Err error `json:"-"`
}

// Supervisor checks feed and credential health on a fixed period.
type Supervisor struct {
	feed  Feed
	creds Credentials
	cfg   Config

	// Active reports whether staleness applies at t (market session). Nil means always.
	Active   func(t time.Time) bool
	Events   model.Publisher       // optional
	Metrics  *metrics.Metrics      // optional
	Health   *metrics.HealthStatus // optional
	OnReport func(Report)          // optional, called after every periodic check
	Now      func() time.Time
	Logger   *slog.Logger
}

// New creates a supervisor. creds may be nil (paper mode).
func New(feed Feed, creds Credentials, cfg Config) *Supervisor {
	d := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = d.StaleAfter
	}
	if cfg.CredentialLead <= 0 {
		cfg.CredentialLead = d.CredentialLead
	}
	return &Supervisor{
		feed:   feed,
		creds:  creds,
		cfg:    cfg,
		Now:    time.Now,
		Logger: slog.Default().With("component", "health"),
	}
}

// Run checks every Interval until ctx is done.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r := s.Check(ctx, s.Now())
			if r.Err != nil {
				s.Logger.Error("[health] operator action required", "error", r.Err)
			}
			if s.OnReport != nil {
				s.OnReport(r)
			}
		}
	}
}

// Check runs every check once at now. A stale or degraded feed gets a forced
// reconnect, which blocks until the feed's retry schedule settles.
func (s *Supervisor) Check(ctx context.Context, now time.Time) Report {
	st := s.feed.State()
	r := Report{At: now, Status: st.Status}

	ref := st.LastTick
	if ref.IsZero() {
		ref = st.LastSuccess
	}
	if !ref.IsZero() {
		r.DataAge = now.Sub(ref)
	}
	s.Metrics.SetDataAge(r.DataAge)

	active := s.Active == nil || s.Active(now)
	switch st.Status {
	case model.ConnDegraded:
		s.warn(ctx, &r, "connection", fmt.Sprintf("feed degraded after %d attempts", st.Attempt))
		s.forceReconnect(ctx, &r, "feed degraded")
	case model.ConnReconnecting:
		s.warn(ctx, &r, "connection", fmt.Sprintf("feed reconnecting (attempt %d)", st.Attempt))
	case model.ConnConnected, model.ConnFallback:
		if active && !ref.IsZero() && r.DataAge > s.cfg.StaleAfter {
			r.Stale = true
			stale := &apperr.DataStaleError{Age: r.DataAge, Threshold: s.cfg.StaleAfter}
			s.warn(ctx, &r, "staleness", stale.Error())
			s.forceReconnect(ctx, &r, stale.Error())
		}
	}

	if s.creds != nil {
		if exp := s.creds.Expiry(); !exp.IsZero() {
			if s.Health != nil {
				s.Health.SetCredentialExpiry(exp)
			}
			switch left := exp.Sub(now); {
			case left <= 0:
				r.Err = &apperr.CredentialExpiredError{ExpiredAt: exp}
				s.warn(ctx, &r, "credentials", r.Err.Error())
			case left <= s.cfg.CredentialLead:
				s.warn(ctx, &r, "credentials", fmt.Sprintf("credentials expire in %s", left.Round(time.Minute)))
			}
		}
	}

	if s.Health != nil {
		s.Health.SetFeed(string(st.Status), st.LastTick)
		s.Health.SetWarnings(r.Warnings, now)
	}
	return r
}

func (s *Supervisor) forceReconnect(ctx context.Context, r *Report, reason string) {
	r.Reconnected = true
	s.Logger.Warn("[health] forcing reconnect", "reason", reason)
	if err := s.feed.ForceReconnect(ctx, reason); err != nil && !errors.Is(err, context.Canceled) {
		s.warn(ctx, r, "connection", "forced reconnect failed: "+err.Error())
	}
}

func (s *Supervisor) warn(ctx context.Context, r *Report, check, msg string) {
	r.Warnings = append(r.Warnings, msg)
	s.Metrics.HealthWarning(check)
	s.Logger.Warn("[health] "+check, "detail", msg)
	if s.Events == nil {
		return
	}
	ev := model.Event{
		Type:   model.EventHealthWarning,
		Stage:  "health",
		Reason: msg,
		TS:     r.At.UTC(),
		Fields: map[string]any{"check": check},
	}
	if err := s.Events.Publish(ctx, ev); err != nil {
		s.Logger.Warn("[health] publish event failed", "error", err)
	}
}
