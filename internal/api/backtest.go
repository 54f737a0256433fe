package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"pattern-trader/internal/backtest"
)

// backtestRequest is one parameter set. Unset fields, including individual
// risk and validator fields, inherit the bot's current settings so a backtest
// mirrors the live configuration.
type backtestRequest struct {
	Name          string          `json:"name"`
	Symbols       []string        `json:"symbols"`
	From          time.Time       `json:"from"`
	To            time.Time       `json:"to"`
	Interval      string          `json:"interval"`
	Strategy      string          `json:"strategy"`
	SlippageBps   *float64        `json:"slippage_bps"`
	CommissionBps *float64        `json:"commission_bps"`
	Risk          json.RawMessage `json:"risk"`
	Validator     json.RawMessage `json:"validator"`

	// Runs, when set, executes each entry in parallel; top-level fields
	// are the defaults for every entry.
	Runs []backtestRequest `json:"runs"`
}

type backtestResult struct {
	ID       string         `json:"id"`
	Created  time.Time      `json:"created"`
	Duration string         `json:"duration"`
	Runs     []backtest.Run `json:"runs"`
}

func (s *Server) baseParams() backtest.Params {
	set := s.Bot.Settings()
	p := backtest.DefaultParams()
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
	p.Session = s.Session
	return p
}

func (r backtestRequest) apply(p backtest.Params) (backtest.Params, error) {
	if r.Name != "" {
		p.Name = r.Name
	}
	if len(r.Symbols) > 0 {
		p.Symbols = r.Symbols
	}
	if !r.From.IsZero() {
		p.From = r.From
	}
	if !r.To.IsZero() {
		p.To = r.To
	}
	if r.Interval != "" {
		d, err := time.ParseDuration(r.Interval)
		if err != nil {
			return p, fmt.Errorf("interval: %w", err)
		}
		p.Interval = d
	}
	if r.Strategy != "" {
		p.Strategy = r.Strategy
	}
	if r.SlippageBps != nil {
		p.SlippageBps = *r.SlippageBps
	}
	if r.CommissionBps != nil {
		p.CommissionBps = *r.CommissionBps
	}
	var err error
	if p.Risk, err = p.Risk.Merge(r.Risk); err != nil {
		return p, err
	}
	if p.Validator, err = p.Validator.Merge(r.Validator); err != nil {
		return p, err
	}
	return p, p.Validate()
}

func (s *Server) runBacktest(c *gin.Context) {
	if s.History == nil {
		errJSON(c, http.StatusServiceUnavailable, errors.New("no historical bar source configured"))
		return
	}
	var req backtestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errJSON(c, http.StatusBadRequest, err)
		return
	}
	base, err := req.apply(s.baseParams())
	if err != nil {
		errJSON(c, http.StatusBadRequest, err)
		return
	}

	params := []backtest.Params{base}
	if len(req.Runs) > 0 {
		params = params[:0]
		for i, sub := range req.Runs {
			p, err := sub.apply(base)
			if err != nil {
				errJSON(c, http.StatusBadRequest, fmt.Errorf("runs[%d]: %w", i, err))
				return
			}
			params = append(params, p)
		}
	}

	start := s.Now()
	res := backtestResult{ID: uuid.NewString(), Created: start}
	for _, r := range backtest.RunMany(c.Request.Context(), s.History, params, s.cfg.BacktestWorker) {
		res.Runs = append(res.Runs, r.Run)
	}
	res.Duration = s.Now().Sub(start).String()
	s.keep(res)

	s.Logger.Info("[api] backtest done", "id", res.ID, "runs", len(res.Runs), "took", res.Duration)
	c.JSON(http.StatusOK, res)
}

// keep stores res, evicting the oldest beyond the configured limit.
func (s *Server) keep(res backtestResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[res.ID] = res
	s.resultID = append(s.resultID, res.ID)
	for len(s.resultID) > s.cfg.BacktestLimit {
		delete(s.results, s.resultID[0])
		s.resultID = s.resultID[1:]
	}
}

func (s *Server) getBacktest(c *gin.Context) {
	s.mu.Lock()
	res, ok := s.results[c.Param("id")]
	s.mu.Unlock()
	if !ok {
		errJSON(c, http.StatusNotFound, errors.New("backtest not found"))
		return
	}
	c.JSON(http.StatusOK, res)
}

type backtestSummary struct {
	ID      string    `json:"id"`
	Created time.Time `json:"created"`
	Runs    int       `json:"runs"`
}

func (s *Server) listBacktests(c *gin.Context) {
	s.mu.Lock()
	out := make([]backtestSummary, 0, len(s.resultID))
	for i := len(s.resultID) - 1; i >= 0; i-- {
		r := s.results[s.resultID[i]]
		out = append(out, backtestSummary{ID: r.ID, Created: r.Created, Runs: len(r.Runs)})
	}
	s.mu.Unlock()
	c.JSON(http.StatusOK, out)
}
