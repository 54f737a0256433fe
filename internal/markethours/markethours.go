// Package markethours answers session questions for the scanned exchange:
// whether a moment is inside trading hours, when the session closes, and when
// it next opens. Trading days come from the exchange calendar when a MIC is
// configured, otherwise from weekdays minus the built-in NSE holiday list.
package markethours

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/scmhub/calendar"
)

// IST is the Indian Standard Time location (UTC+5:30).
var IST = time.FixedZone("IST", 5*3600+30*60)

// Config describes the exchange session.
type Config struct {
	MIC      string   `yaml:"mic"`      // ISO 10383 code, e.g. "xnys"; empty uses the NSE list
	Timezone string   `yaml:"timezone"` // IANA name; empty uses IST or the calendar's zone
	Open     string   `yaml:"open"`     // "HH:MM" local
	Close    string   `yaml:"close"`    // "HH:MM" local
	Holidays []string `yaml:"holidays"` // extra closed dates, "2006-01-02"

	// PreOpen is how long before the open the bot logs in and connects.
	PreOpen time.Duration `yaml:"pre_open"`
}

// DefaultConfig is the NSE cash session, 09:15 to 15:30 IST.
func DefaultConfig() Config {
	return Config{Open: "09:15", Close: "15:30", PreOpen: 5 * time.Minute}
}

// Session evaluates trading hours for one exchange.
type Session struct {
	cal      *calendar.Calendar
	loc      *time.Location
	openMin  int
	closeMin int
	extra    map[string]bool
	preOpen  time.Duration
}

// New builds a Session from cfg.
func New(cfg Config) (*Session, error) {
	def := DefaultConfig()
	if cfg.Open == "" {
		cfg.Open = def.Open
	}
	if cfg.Close == "" {
		cfg.Close = def.Close
	}
	openMin, err := parseHM(cfg.Open)
	if err != nil {
		return nil, fmt.Errorf("markethours: open: %w", err)
	}
	closeMin, err := parseHM(cfg.Close)
	if err != nil {
		return nil, fmt.Errorf("markethours: close: %w", err)
	}
	if closeMin <= openMin {
		return nil, fmt.Errorf("markethours: close %s not after open %s", cfg.Close, cfg.Open)
	}

	s := &Session{
		loc:      IST,
		openMin:  openMin,
		closeMin: closeMin,
		extra:    make(map[string]bool, len(cfg.Holidays)),
		preOpen:  cfg.PreOpen,
	}

	if cfg.MIC != "" {
		s.cal = calendar.GetCalendar(strings.ToLower(cfg.MIC))
		if s.cal == nil {
			log.Printf("[markethours] no calendar for MIC %q, using weekday fallback", cfg.MIC)
		} else if s.cal.Loc != nil {
			s.loc = s.cal.Loc
		}
	}
	if cfg.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("markethours: timezone: %w", err)
		}
		s.loc = loc
	}

	for _, d := range cfg.Holidays {
		day, err := time.ParseInLocation("2006-01-02", d, s.loc)
		if err != nil {
			return nil, fmt.Errorf("markethours: holiday %q: %w", d, err)
		}
		s.extra[day.Format("2006-01-02")] = true
	}
	return s, nil
}

func parseHM(v string) (int, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Location returns the exchange time zone.
func (s *Session) Location() *time.Location { return s.loc }

// IsHoliday reports whether t's exchange date is a configured or listed holiday.
func (s *Session) IsHoliday(t time.Time) bool {
	local := t.In(s.loc)
	if s.extra[local.Format("2006-01-02")] {
		return true
	}
	if s.cal != nil {
		return false
	}
	return IsNSEHoliday(local)
}

// IsTradingDay returns true if t's exchange date has a session.
func (s *Session) IsTradingDay(t time.Time) bool {
	local := t.In(s.loc)
	if s.IsHoliday(local) {
		return false
	}
	if s.cal != nil {
		return s.cal.IsBusinessDay(local)
	}
	wd := local.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// IsOpen returns true if t falls within [open, close) on a trading day.
func (s *Session) IsOpen(t time.Time) bool {
	local := t.In(s.loc)
	if !s.IsTradingDay(local) {
		return false
	}
	hm := local.Hour()*60 + local.Minute()
	return hm >= s.openMin && hm < s.closeMin
}

func (s *Session) at(day time.Time, min int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), min/60, min%60, 0, 0, s.loc)
}

// OpenOn returns the open time of t's exchange date.
func (s *Session) OpenOn(t time.Time) time.Time { return s.at(t.In(s.loc), s.openMin) }

// CloseOn returns the close time of t's exchange date.
func (s *Session) CloseOn(t time.Time) time.Time { return s.at(t.In(s.loc), s.closeMin) }

// AtOrAfterClose reports whether t is at or past its date's close. Used to
// flatten intraday positions on the last candle of the session.
func (s *Session) AtOrAfterClose(t time.Time) bool {
	return !t.Before(s.CloseOn(t))
}

// NextOpen returns the next session open strictly after t, or today's open
// when t is before it on a trading day.
func (s *Session) NextOpen(t time.Time) time.Time {
	local := t.In(s.loc)
	if open := s.OpenOn(local); local.Before(open) && s.IsTradingDay(local) {
		return open
	}
	d := local.AddDate(0, 0, 1)
	for i := 0; i < 15; i++ {
		if s.IsTradingDay(d) {
			return s.OpenOn(d)
		}
		d = d.AddDate(0, 0, 1)
	}
	return s.OpenOn(local.AddDate(0, 0, 1))
}

// NextPreOpen returns when to start login and connect ahead of NextOpen.
func (s *Session) NextPreOpen(t time.Time) time.Time {
	return s.NextOpen(t).Add(-s.preOpen)
}

// TimeUntilClose returns the duration until today's close, or 0 if closed.
func (s *Session) TimeUntilClose(t time.Time) time.Duration {
	if !s.IsOpen(t) {
		return 0
	}
	return s.CloseOn(t).Sub(t)
}

// StatusString returns a human-readable market status.
func (s *Session) StatusString(t time.Time) string {
	if s.IsOpen(t) {
		return fmt.Sprintf("Market Open, closes in %s", fmtDur(s.TimeUntilClose(t)))
	}
	next := s.NextOpen(t)
	local := next.In(s.loc)
	return fmt.Sprintf("Market Closed, opens %s %s (%s)",
		local.Weekday().String()[:3], local.Format("15:04"), fmtDur(next.Sub(t)))
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
