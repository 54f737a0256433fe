// Package metrics holds the Prometheus instruments and the health snapshot
// served on /metrics and /healthz. All recording methods are nil-safe so
// components can run without metrics (tests, backtests).
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the scanner.
type Metrics struct {
	TicksTotal     prometheus.Counter
	DroppedTicks   prometheus.Counter
	LateInputs     prometheus.Counter
	CandlesSealed  prometheus.Counter
	FeedReconnects prometheus.Counter
	FeedStatus     *prometheus.GaugeVec // labels: status; 1 for the current one

	ScanCycles   prometheus.Counter
	ScanDuration prometheus.Histogram

	PatternsDetected   *prometheus.CounterVec // labels: kind
	ValidationFailures *prometheus.CounterVec // labels: level
	SignalsGenerated   prometheus.Counter
	SignalsRejected    *prometheus.CounterVec // labels: stage
	OrderLatency       prometheus.Histogram

	PositionsOpen   prometheus.Gauge
	PositionsClosed *prometheus.CounterVec // labels: reason
	Equity          prometheus.Gauge

	HealthWarnings *prometheus.CounterVec // labels: check
	DataAge        prometheus.Gauge

	// Circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedWrites      prometheus.Counter

	SQLiteCommitDur prometheus.Histogram
}

// NewMetrics registers and returns all metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanner_ticks_total",
			Help: "Total ticks received from the feed",
		}),
		DroppedTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanner_dropped_ticks_total",
			Help: "Ticks dropped by the drop-oldest feed queue",
		}),
		LateInputs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanner_late_inputs_total",
			Help: "Ticks or bars older than the forming candle",
		}),
		CandlesSealed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanner_candles_sealed_total",
			Help: "Total candles sealed by the aggregator",
		}),
		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanner_feed_reconnects_total",
			Help: "Total feed reconnection attempts",
		}),
		FeedStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scanner_feed_status",
			Help: "Feed connection status (1 for the current status)",
		}, []string{"status"}),

		ScanCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanner_scan_cycles_total",
			Help: "Completed scan cycles",
		}),
		ScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scanner_scan_duration_seconds",
			Help:    "Scan cycle latency",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),

		PatternsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanner_patterns_detected_total",
			Help: "Pattern candidates by kind",
		}, []string{"kind"}),
		ValidationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanner_validation_failures_total",
			Help: "Candidates rejected by checklist level",
		}, []string{"level"}),
		SignalsGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanner_signals_generated_total",
			Help: "Signals accepted by the risk manager",
		}),
		SignalsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanner_signals_rejected_total",
			Help: "Signals rejected after validation, by stage",
		}, []string{"stage"}),
		OrderLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scanner_order_latency_seconds",
			Help:    "Order submission latency including retries",
			Buckets: prometheus.DefBuckets,
		}),

		PositionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scanner_positions_open",
			Help: "Currently open positions",
		}),
		PositionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanner_positions_closed_total",
			Help: "Closed positions by exit reason",
		}, []string{"reason"}),
		Equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scanner_equity",
			Help: "Tracked equity after realized P&L",
		}),

		HealthWarnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanner_health_warnings_total",
			Help: "Health supervisor warnings by check",
		}, []string{"check"}),
		DataAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scanner_data_age_seconds",
			Help: "Age of the last received tick at the last health check",
		}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scanner_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanner_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanner_redis_buffered_writes_total",
			Help: "Writes buffered locally during Redis circuit breaker open state",
		}),
		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scanner_sqlite_commit_duration_seconds",
			Help:    "SQLite batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.TicksTotal,
		m.DroppedTicks,
		m.LateInputs,
		m.CandlesSealed,
		m.FeedReconnects,
		m.FeedStatus,
		m.ScanCycles,
		m.ScanDuration,
		m.PatternsDetected,
		m.ValidationFailures,
		m.SignalsGenerated,
		m.SignalsRejected,
		m.OrderLatency,
		m.PositionsOpen,
		m.PositionsClosed,
		m.Equity,
		m.HealthWarnings,
		m.DataAge,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedWrites,
		m.SQLiteCommitDur,
	)

	return m
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ── nil-safe recorders ──

func (m *Metrics) Tick() {
	if m != nil {
		m.TicksTotal.Inc()
	}
}

func (m *Metrics) DroppedTick() {
	if m != nil {
		m.DroppedTicks.Inc()
	}
}

func (m *Metrics) LateInput() {
	if m != nil {
		m.LateInputs.Inc()
	}
}

func (m *Metrics) CandleSealed(n int) {
	if m != nil {
		m.CandlesSealed.Add(float64(n))
	}
}

// SetFeedStatus flips the status gauge to the current status.
func (m *Metrics) SetFeedStatus(current string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.FeedStatus.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) Reconnect() {
	if m != nil {
		m.FeedReconnects.Inc()
	}
}

func (m *Metrics) ScanDone(d time.Duration) {
	if m != nil {
		m.ScanCycles.Inc()
		m.ScanDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) Pattern(kind string) {
	if m != nil {
		m.PatternsDetected.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) ValidationFailed(level string) {
	if m != nil {
		m.ValidationFailures.WithLabelValues(level).Inc()
	}
}

func (m *Metrics) SignalAccepted() {
	if m != nil {
		m.SignalsGenerated.Inc()
	}
}

func (m *Metrics) SignalRejected(stage string) {
	if m != nil {
		m.SignalsRejected.WithLabelValues(stage).Inc()
	}
}

func (m *Metrics) OrderDone(d time.Duration) {
	if m != nil {
		m.OrderLatency.Observe(d.Seconds())
	}
}

func (m *Metrics) Positions(open int) {
	if m != nil {
		m.PositionsOpen.Set(float64(open))
	}
}

func (m *Metrics) PositionClosed(reason string) {
	if m != nil {
		m.PositionsClosed.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) SetEquity(v float64) {
	if m != nil {
		m.Equity.Set(v)
	}
}

func (m *Metrics) HealthWarning(check string) {
	if m != nil {
		m.HealthWarnings.WithLabelValues(check).Inc()
	}
}

// RedisBreaker records a breaker transition to state (0=closed, 1=open, 2=half-open).
func (m *Metrics) RedisBreaker(state int) {
	if m != nil {
		m.RedisCircuitBreakerState.Set(float64(state))
		if state == 1 {
			m.RedisCircuitBreakerTrips.Inc()
		}
	}
}

func (m *Metrics) RedisBuffered() {
	if m != nil {
		m.RedisBufferedWrites.Inc()
	}
}

func (m *Metrics) SQLiteCommit(_ int, d time.Duration) {
	if m != nil {
		m.SQLiteCommitDur.Observe(d.Seconds())
	}
}

func (m *Metrics) SetDataAge(d time.Duration) {
	if m != nil {
		m.DataAge.Set(d.Seconds())
	}
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	BotState         string    `json:"bot_state"`
	FeedStatus       string    `json:"feed_status"`
	LastTickTime     time.Time `json:"last_tick_time"`
	CredentialExpiry time.Time `json:"credential_expiry"`
	RedisConnected   bool      `json:"redis_connected"`
	SQLiteOK         bool      `json:"sqlite_ok"`
	Warnings         []string  `json:"warnings"`

	// Liveness check results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`

	// RequireRedis and RequireSQLite mark dependencies that degrade /healthz.
	RequireRedis  bool `json:"-"`
	RequireSQLite bool `json:"-"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetBotState(s string) {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.BotState = s
	h.mu.Unlock()
}

func (h *HealthStatus) SetFeed(status string, lastTick time.Time) {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.FeedStatus = status
	h.LastTickTime = lastTick
	h.mu.Unlock()
}

func (h *HealthStatus) SetCredentialExpiry(t time.Time) {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.CredentialExpiry = t
	h.mu.Unlock()
}

// SetWarnings replaces the warnings from the last supervisor check.
func (h *HealthStatus) SetWarnings(w []string, at time.Time) {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.Warnings = append([]string(nil), w...)
	h.LastCheckAt = at
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb goredis.UniversalClient) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.mu.Unlock()
}

// CheckSQLite runs a trivial query and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks until ctx is done.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb goredis.UniversalClient, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			if rdb != nil {
				h.CheckRedis(checkCtx, rdb)
			}
			if sqlDB != nil {
				h.CheckSQLite(checkCtx, sqlDB)
			}
			cancel()
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK
	if len(h.Warnings) > 0 || (h.RequireRedis && !h.RedisConnected) || (h.RequireSQLite && !h.SQLiteOK) {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string   `json:"status"`
		Uptime          string   `json:"uptime"`
		BotState        string   `json:"bot_state"`
		FeedStatus      string   `json:"feed_status"`
		LastTickTime    string   `json:"last_tick_time"`
		TickAge         string   `json:"tick_age"`
		CredentialExp   string   `json:"credential_expiry,omitempty"`
		RedisConnected  bool     `json:"redis_connected"`
		RedisLatencyMs  float64  `json:"redis_latency_ms"`
		SQLiteOK        bool     `json:"sqlite_ok"`
		SQLiteLatencyMs float64  `json:"sqlite_latency_ms"`
		Warnings        []string `json:"warnings"`
		LastCheckAt     string   `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		BotState:        h.BotState,
		FeedStatus:      h.FeedStatus,
		LastTickTime:    h.LastTickTime.Format(time.RFC3339),
		TickAge:         tickAge,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		Warnings:        h.Warnings,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}
	if !h.CredentialExpiry.IsZero() {
		status.CredentialExp = h.CredentialExpiry.Format(time.RFC3339)
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}
