// cmd/scanner runs the live pattern scanner: the bot service behind the HTTP
// management API, with activity streamed to WebSocket clients.
//
// Usage:
//
//	go run ./cmd/scanner --config=config.yaml --start
//
// Paper mode needs only a tick server (see cmd/tickserver). Live mode needs
// BROKER_API_KEY, BROKER_CLIENT_CODE, BROKER_PASSWORD and BROKER_TOTP_SECRET.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"pattern-trader/config"
	"pattern-trader/internal/api"
	"pattern-trader/internal/backoff"
	"pattern-trader/internal/bot"
	"pattern-trader/internal/execution"
	"pattern-trader/internal/logger"
	"pattern-trader/internal/marketdata/wsfeed"
	"pattern-trader/internal/markethours"
	"pattern-trader/internal/metrics"
	"pattern-trader/internal/model"
	"pattern-trader/internal/notification"
	"pattern-trader/internal/store/memstore"
	redisstore "pattern-trader/internal/store/redis"
	sqlitestore "pattern-trader/internal/store/sqlite"
	"pattern-trader/internal/stream"
	"pattern-trader/pkg/broker"
)

func main() {
	cfgPath := flag.String("config", "", "YAML config file (env vars override)")
	autoStart := flag.Bool("start", false, "start the bot immediately")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("[scanner] config", "error", err)
		os.Exit(1)
	}
	log, err := logger.Init("scanner", cfg.Log)
	if err != nil {
		slog.Error("[scanner] logger", "error", err)
		os.Exit(1)
	}
	if err := run(cfg, *autoStart, log); err != nil {
		log.Error("[scanner] exiting", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, autoStart bool, log *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// ---- Metrics & health ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)
	hs := metrics.NewHealthStatus()

	// ---- Stores ----
	hub := stream.NewHub(1000)
	var (
		store  model.Store
		events api.EventLog
		sink   model.Publisher = hub
	)
	switch cfg.Store {
	case config.StoreRedis:
		rs, err := redisstore.New(cfg.Redis)
		if err != nil {
			return err
		}
		defer rs.Close()
		store, events, sink = rs, rs, rs
		rs.OnBreaker = func(to redisstore.State) { m.RedisBreaker(int(to)) }
		rs.Buffer().OnBuffer = m.RedisBuffered
		hs.RequireRedis = true
		go func() {
			if err := hub.Relay(ctx, rs.Subscribe); err != nil {
				log.Warn("[scanner] event relay stopped", "error", err)
			}
		}()
		hs.StartLivenessChecker(ctx, rs.Client(), nil, 10*time.Second)
	default:
		ms := memstore.New()
		store, events = ms, ms
	}

	var (
		history model.BarSource
		candles chan model.Candle
	)
	writerDone := make(chan struct{})
	if cfg.SQLite.Path != "" {
		w, err := sqlitestore.New(cfg.SQLite)
		if err != nil {
			return err
		}
		defer w.Close()
		w.OnCommit = m.SQLiteCommit
		reader, err := sqlitestore.NewReader(cfg.SQLite.Path)
		if err != nil {
			return err
		}
		defer reader.Close()
		history = reader

		candles = make(chan model.Candle, 5000)
		go func() {
			defer close(writerDone)
			w.Run(ctx, candles)
		}()
		hs.RequireSQLite = true
		hs.StartLivenessChecker(ctx, nil, w.DB(), 10*time.Second)
	}

	session, err := markethours.New(cfg.Market)
	if err != nil {
		return err
	}

	// ---- Broker (live mode) ----
	deps := bot.Deps{
		Store:       store,
		History:     history,
		Session:     session,
		Metrics:     m,
		Health:      hs,
		Feed:        cfg.Feed,
		Supervision: cfg.Health,
		Candles:     candles,
		Events: notification.Multi{
			notification.FromConfig(cfg.Notify),
			notification.StoreLog{Store: store},
			sink,
		},
	}
	if cfg.Broker.APIKey != "" {
		client, err := broker.New(cfg.Broker)
		if err != nil {
			return err
		}
		deps.Broker = client
		deps.Credentials = client
		deps.Login = client.Login
		if history == nil {
			history = broker.History{Client: client, Policy: backoff.Bootstrap()}
			deps.History = history
		}
	}
	if cfg.JournalPath != "" {
		j, err := execution.NewJournal(cfg.JournalPath)
		if err != nil {
			return err
		}
		defer j.Close()
		deps.Journal = j
	}

	// ---- Feed ----
	ws, err := wsfeed.New(cfg.WS)
	if err != nil {
		return err
	}
	deps.Stream = ws

	svc, err := bot.New(ctx, deps, cfg.Bot)
	if err != nil {
		return err
	}

	// ---- HTTP ----
	srv := api.NewServer(cfg.HTTP)
	srv.Bot = svc
	srv.History = history
	srv.Events = events
	srv.Stream = hub
	srv.Session = session
	srv.Health = hs
	srv.Gatherer = reg

	gin.SetMode(gin.ReleaseMode)
	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("[scanner] listening", "addr", cfg.HTTP.Addr, "mode", cfg.Bot.Mode, "store", cfg.Store)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go hub.StartStatusBroadcast(ctx, 2*time.Second, func() any { return svc.Status() })

	if autoStart {
		if err := svc.Start(ctx); err != nil {
			log.Error("[scanner] auto-start failed", "error", err)
		}
	}

	select {
	case <-ctx.Done():
		log.Info("[scanner] shutting down")
	case err := <-errCh:
		return err
	}

	// ---- Shutdown ----
	shutdownCtx, done := context.WithTimeout(context.Background(), 15*time.Second)
	defer done()
	if svc.State() == bot.StateRunning {
		if err := svc.Stop(shutdownCtx); err != nil {
			log.Warn("[scanner] bot stop", "error", err)
		}
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("[scanner] http shutdown", "error", err)
	}
	if candles != nil {
		<-writerDone
	}
	return nil
}
