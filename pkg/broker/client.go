// Package broker is a REST client for the brokerage order and historical
// data API. It logs in with a TOTP-derived session, places and tracks orders,
// and fetches historical candles. Errors are classified into the apperr
// taxonomy by HTTP status so callers can decide what to retry.
//
// Usage example:
//
//	c, err := broker.New(broker.Config{BaseURL: "https://api.example.com", APIKey: "key",
//	    ClientCode: "C123", Password: "pw", TOTPSecret: "BASE32SECRET"})
//	if err != nil { log.Fatal(err) }
//	if err := c.Login(ctx); err != nil { log.Fatal(err) }
//	resp, err := c.PlaceOrder(ctx, broker.OrderRequest{Symbol: "SBIN", Side: broker.Buy, Quantity: 10})
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"

	"pattern-trader/internal/apperr"
)

// ---- Config & client ----

type Config struct {
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	ClientCode string        `yaml:"client_code"`
	Password   string        `yaml:"password"`
	TOTPSecret string        `yaml:"totp_secret"`
	Timeout    time.Duration `yaml:"timeout"`     // default: 7s
	SessionTTL time.Duration `yaml:"session_ttl"` // used when the login response has no expiry; default 24h
	Debug      bool          `yaml:"debug"`
}

type Client struct {
	cfg        Config
	httpClient *http.Client

	mu        sync.RWMutex
	token     string
	expiresAt time.Time

	// Now is the clock used for TOTP codes and expiry. Tests override it.
	Now func() time.Time

	// SessionExpiryHook is called when the API reports an expired session.
	SessionExpiryHook func()
}

var routes = map[string]string{
	"api.login":         "/rest/auth/v1/login",
	"api.order.place":   "/rest/secure/v1/order/place",
	"api.order.cancel":  "/rest/secure/v1/order/cancel",
	"api.order.details": "/rest/secure/v1/order/details",
	"api.candle.data":   "/rest/secure/v1/historical/candles",
}

// New validates cfg and builds a client. It does not log in.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("broker: base url required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("broker: base url: %w", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 7 * time.Second
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		Now:        time.Now,
	}, nil
}

// envelope is the common response wrapper.
type envelope struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	Data      json.RawMessage `json:"data"`
}

// do sends one request and decodes the envelope's data into out.
// symbol is only used to label order rejections.
func (c *Client) do(ctx context.Context, method, route string, params url.Values, body any, symbol string, out any) error {
	uri, ok := routes[route]
	if !ok {
		return fmt.Errorf("broker: unknown route: %s", route)
	}
	reqURL := c.cfg.BaseURL + uri
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("broker: encode %s: %w", route, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, rd)
	if err != nil {
		return fmt.Errorf("broker: %s: %w", route, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-API-Key", c.cfg.APIKey)
	if tok := c.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	if c.cfg.Debug {
		log.Printf("[broker] request: %s %s", method, reqURL)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &apperr.ConnectionError{Op: route, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &apperr.ConnectionError{Op: route + " read", Err: err}
	}
	if c.cfg.Debug {
		log.Printf("[broker] response: code=%d body=%s", resp.StatusCode, string(raw))
	}

	var env envelope
	_ = json.Unmarshal(raw, &env)
	if err := c.classify(resp, env, route, symbol); err != nil {
		return err
	}
	if !env.Status {
		return fmt.Errorf("broker: %s: %s (%s)", route, env.Message, env.ErrorCode)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("broker: couldn't parse %s response: %w", route, err)
		}
	}
	return nil
}

// classify maps a non-2xx response onto the error taxonomy.
func (c *Client) classify(resp *http.Response, env envelope, route, symbol string) error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}
	msg := env.Message
	if msg == "" {
		msg = http.StatusText(code)
	}
	switch {
	case code == http.StatusTooManyRequests:
		return &apperr.RateLimitError{RetryAfter: retryAfter(resp.Header.Get("Retry-After")), Err: errors.New(msg)}
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		if c.SessionExpiryHook != nil {
			c.SessionExpiryHook()
		}
		return &apperr.CredentialExpiredError{ExpiredAt: c.Expiry()}
	case code >= 500 || code == http.StatusRequestTimeout:
		return &apperr.ConnectionError{Op: route, Err: fmt.Errorf("status %d: %s", code, msg)}
	case strings.HasPrefix(route, "api.order"):
		return &apperr.OrderRejectedError{Symbol: symbol, Reason: msg}
	default:
		return fmt.Errorf("broker: %s: status %d: %s", route, code, msg)
	}
}

func retryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// ---- Session ----

type loginResponse struct {
	Token     string `json:"jwtToken"`
	ExpiresAt int64  `json:"expiresAt"` // unix seconds, optional
}

// Login generates a fresh TOTP code and opens a session.
func (c *Client) Login(ctx context.Context) error {
	now := c.Now()
	code, err := totp.GenerateCode(c.cfg.TOTPSecret, now)
	if err != nil {
		return fmt.Errorf("broker: totp: %w", err)
	}
	var lr loginResponse
	body := map[string]string{"clientcode": c.cfg.ClientCode, "password": c.cfg.Password, "totp": code}
	if err := c.do(ctx, http.MethodPost, "api.login", nil, body, "", &lr); err != nil {
		return err
	}
	if lr.Token == "" {
		return errors.New("broker: login: empty token")
	}
	exp := now.Add(c.cfg.SessionTTL)
	if lr.ExpiresAt > 0 {
		exp = time.Unix(lr.ExpiresAt, 0)
	}
	c.mu.Lock()
	c.token, c.expiresAt = lr.Token, exp
	c.mu.Unlock()
	log.Printf("[broker] session ready for %s, expires %s", c.cfg.ClientCode, exp.UTC().Format(time.RFC3339))
	return nil
}

// Token returns the current session token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Expiry returns when the current session expires (zero before Login).
func (c *Client) Expiry() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.expiresAt
}
