package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNilSafe(t *testing.T) {
	var m *Metrics
	m.Tick()
	m.Pattern("engulfing")
	m.ScanDone(time.Millisecond)
	m.SetFeedStatus("connected", []string{"connected"})
	m.RedisBreaker(1)
	m.SQLiteCommit(3, time.Millisecond)
}

func TestRecorders(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.Tick()
	m.Tick()
	m.Pattern("engulfing")
	m.ValidationFailed("rsi_agreement")
	m.SetFeedStatus("degraded", []string{"connected", "degraded"})
	m.RedisBreaker(1)
	m.RedisBreaker(2)
	m.RedisBuffered()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		"scanner_ticks_total 2",
		`scanner_patterns_detected_total{kind="engulfing"} 1`,
		`scanner_validation_failures_total{level="rsi_agreement"} 1`,
		`scanner_feed_status{status="connected"} 0`,
		`scanner_feed_status{status="degraded"} 1`,
		"scanner_redis_circuit_breaker_state 2",
		"scanner_redis_circuit_breaker_trips_total 1",
		"scanner_redis_buffered_writes_total 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestHealthz(t *testing.T) {
	h := NewHealthStatus()
	h.SetBotState("running")
	h.SetFeed("connected", time.Now())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "healthy" || body["bot_state"] != "running" {
		t.Errorf("body = %v", body)
	}

	h.SetWarnings([]string{"data stale"}, time.Now())
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "degraded") {
		t.Errorf("code = %d body = %s", rec.Code, rec.Body.String())
	}
}
