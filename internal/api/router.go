// Package api is the HTTP management surface: bot lifecycle and settings,
// positions, the activity log, backtests, health and metrics.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"pattern-trader/internal/bot"
	"pattern-trader/internal/markethours"
	"pattern-trader/internal/metrics"
	"pattern-trader/internal/model"
	"pattern-trader/internal/stream"
)

// EventLog is the read side of the activity log.
type EventLog interface {
	RecentEvents(ctx context.Context, n int) ([]model.Event, error)
}

// Config controls the HTTP listener.
type Config struct {
	Addr           string   `yaml:"addr"`
	AllowOrigins   []string `yaml:"allow_origins"`
	BacktestLimit  int      `yaml:"backtest_limit"`   // results kept in memory
	BacktestWorker int      `yaml:"backtest_workers"` // parallel runs per request
}

// DefaultConfig listens on :8080 and allows any origin.
func DefaultConfig() Config {
	return Config{Addr: ":8080", AllowOrigins: []string{"*"}, BacktestLimit: 50, BacktestWorker: 4}
}

// Server holds the handler dependencies. Bot is required; the rest are
// optional and their routes answer 503 when missing.
type Server struct {
	Bot      *bot.Service
	History  model.BarSource
	Events   EventLog
	Stream   *stream.Hub
	Session  *markethours.Session
	Health   *metrics.HealthStatus
	Gatherer prometheus.Gatherer

	Started time.Time
	Now     func() time.Time
	Logger  *slog.Logger

	cfg      Config
	mu       sync.Mutex
	results  map[string]backtestResult
	resultID []string // insertion order for eviction
}

// NewServer creates a Server with cfg.
func NewServer(cfg Config) *Server {
	if cfg.BacktestLimit <= 0 {
		cfg.BacktestLimit = 50
	}
	if cfg.BacktestWorker <= 0 {
		cfg.BacktestWorker = 1
	}
	return &Server{
		cfg:     cfg,
		results: make(map[string]backtestResult),
		Started: time.Now(),
		Now:     time.Now,
		Logger:  slog.Default().With("component", "api"),
	}
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())
	if len(s.cfg.AllowOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: s.cfg.AllowOrigins,
			AllowMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowHeaders: []string{"Origin", "Content-Type", "Upgrade", "Connection"},
			MaxAge:       12 * time.Hour,
		}))
	}

	r.GET("/healthz", s.health)
	if s.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(metrics.Handler(s.Gatherer)))
	}
	if s.Stream != nil {
		r.GET("/ws", gin.WrapH(s.Stream))
	}

	v1 := r.Group("/api/v1")
	{
		v1.POST("/bot/start", s.startBot)
		v1.POST("/bot/stop", s.stopBot)
		v1.GET("/bot/status", s.botStatus)
		v1.GET("/bot/config", s.botConfig)
		v1.PUT("/bot/config", s.updateConfig)

		v1.GET("/positions", s.positions)
		v1.GET("/strategies", s.strategies)
		v1.GET("/market", s.market)
		v1.GET("/system", s.system)

		v1.GET("/events", s.events)
		v1.GET("/events/missed", s.missed)

		v1.POST("/backtest", s.runBacktest)
		v1.GET("/backtest", s.listBacktests)
		v1.GET("/backtest/:id", s.getBacktest)
	}
	return r
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.Logger.Debug("[api] request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"took", time.Since(start),
		)
	}
}

func (s *Server) health(c *gin.Context) {
	if s.Health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
		return
	}
	s.Health.ServeHTTP(c.Writer, c.Request)
}
