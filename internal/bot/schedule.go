package bot

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// schedule registers the session jobs for one run: the daily risk reset and
// the pre-close flatten of intraday positions.
func (s *Service) schedule(set Settings, r *run) (*cron.Cron, error) {
	loc := time.Local
	if s.deps.Session != nil {
		loc = s.deps.Session.Location()
	}
	c := cron.New(cron.WithSeconds(), cron.WithLocation(loc))

	if set.ResetCron != "" {
		if _, err := c.AddFunc(set.ResetCron, s.resetDaily); err != nil {
			return nil, fmt.Errorf("bot: register daily reset: %w", err)
		}
	}
	if set.FlattenCron != "" {
		if _, err := c.AddFunc(set.FlattenCron, func() { s.flatten(r) }); err != nil {
			return nil, fmt.Errorf("bot: register session flatten: %w", err)
		}
	}
	return c, nil
}

func (s *Service) resetDaily() {
	s.risk.ResetDaily()
	s.Logger.Info("[bot] daily risk counters reset")
}

// flatten closes every open position ahead of the session close. Skipped on
// days the exchange is shut.
func (s *Service) flatten(r *run) {
	now := s.Now()
	if s.deps.Session != nil && !s.deps.Session.IsTradingDay(now) {
		return
	}
	closed := r.scanner.CloseAll(now)
	if len(closed) > 0 {
		s.Logger.Info("[bot] session flatten", "closed", len(closed))
	}
}
