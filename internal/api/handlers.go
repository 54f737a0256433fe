package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"pattern-trader/internal/bot"
	"pattern-trader/internal/strategy"
)

func errJSON(c *gin.Context, code int, err error) {
	c.JSON(code, gin.H{"error": err.Error()})
}

// lifecycleCode maps service errors onto HTTP status codes.
func lifecycleCode(err error) int {
	switch {
	case errors.Is(err, bot.ErrNotStopped), errors.Is(err, bot.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, bot.ErrLiveUnavailable):
		return http.StatusPreconditionFailed
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) startBot(c *gin.Context) {
	if err := s.Bot.Start(c.Request.Context()); err != nil {
		errJSON(c, lifecycleCode(err), err)
		return
	}
	c.JSON(http.StatusOK, s.Bot.Status())
}

func (s *Server) stopBot(c *gin.Context) {
	if err := s.Bot.Stop(c.Request.Context()); err != nil {
		errJSON(c, lifecycleCode(err), err)
		return
	}
	c.JSON(http.StatusOK, s.Bot.Status())
}

func (s *Server) botStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Bot.Status())
}

func (s *Server) botConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.Bot.Settings())
}

func (s *Server) updateConfig(c *gin.Context) {
	var p bot.Patch
	if err := c.ShouldBindJSON(&p); err != nil {
		errJSON(c, http.StatusBadRequest, err)
		return
	}
	set, err := s.Bot.UpdateSettings(c.Request.Context(), p)
	if err != nil {
		errJSON(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusOK, set)
}

func (s *Server) positions(c *gin.Context) {
	open, closed := s.Bot.Positions()
	c.JSON(http.StatusOK, gin.H{
		"open":    open,
		"closed":  closed,
		"summary": s.Bot.Book().Summary(),
	})
}

func (s *Server) strategies(c *gin.Context) {
	out := make([]strategy.Strategy, 0)
	for _, id := range strategy.IDs() {
		st, _ := strategy.Lookup(id)
		out = append(out, st)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) market(c *gin.Context) {
	if s.Session == nil {
		errJSON(c, http.StatusServiceUnavailable, errors.New("market calendar not configured"))
		return
	}
	now := s.Now()
	c.JSON(http.StatusOK, gin.H{
		"open":        s.Session.IsOpen(now),
		"trading_day": s.Session.IsTradingDay(now),
		"status":      s.Session.StatusString(now),
		"next_open":   s.Session.NextOpen(now),
	})
}

func (s *Server) system(c *gin.Context) {
	if s.Stream == nil {
		errJSON(c, http.StatusServiceUnavailable, errors.New("event stream not configured"))
		return
	}
	c.JSON(http.StatusOK, s.Stream.System(s.Started))
}

func (s *Server) events(c *gin.Context) {
	if s.Events == nil {
		errJSON(c, http.StatusServiceUnavailable, errors.New("activity log not configured"))
		return
	}
	n, err := strconv.Atoi(c.DefaultQuery("n", "100"))
	if err != nil || n <= 0 || n > 10000 {
		errJSON(c, http.StatusBadRequest, errors.New("n must be in 1..10000"))
		return
	}
	evs, err := s.Events.RecentEvents(c.Request.Context(), n)
	if err != nil {
		errJSON(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, evs)
}

func (s *Server) missed(c *gin.Context) {
	if s.Stream == nil {
		errJSON(c, http.StatusServiceUnavailable, errors.New("event stream not configured"))
		return
	}
	from, err1 := strconv.ParseInt(c.Query("from"), 10, 64)
	to, err2 := strconv.ParseInt(c.DefaultQuery("to", strconv.FormatInt(s.Stream.Seq(), 10)), 10, 64)
	if err1 != nil || err2 != nil || from > to {
		errJSON(c, http.StatusBadRequest, errors.New("from and to must be integers with from <= to"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"seq": s.Stream.Seq(), "envelopes": s.Stream.Missed(from, to)})
}
