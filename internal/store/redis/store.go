// Package redis is the Redis-backed document store: bot configuration and
// position history under plain keys, the activity log as a capped stream, and
// a pub/sub channel for live activity observers. Writes go through a circuit
// breaker and are buffered locally while Redis is unavailable.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"pattern-trader/internal/model"
)

const (
	defaultPrefix      = "pt:"
	defaultEventMaxLen = 10000
	defaultChannel     = "pub:events"
)

// Config configures the Redis store.
type Config struct {
	Addr        string `yaml:"addr"` // e.g. "localhost:6379"
	Password    string `yaml:"password"`
	DB          int    `yaml:"db"`
	Prefix      string `yaml:"prefix"`        // key prefix, default "pt:"
	EventMaxLen int64  `yaml:"event_max_len"` // approximate stream cap
	Channel     string `yaml:"channel"`       // pub/sub channel for activity events

	BreakerFailures int           `yaml:"breaker_failures"` // default 5
	BreakerReset    time.Duration `yaml:"breaker_reset"`    // default 10s
	MaxBuffered     int           `yaml:"max_buffered"`     // default 10000
}

func (c *Config) defaults() {
	if c.Prefix == "" {
		c.Prefix = defaultPrefix
	}
	if c.EventMaxLen <= 0 {
		c.EventMaxLen = defaultEventMaxLen
	}
	if c.Channel == "" {
		c.Channel = defaultChannel
	}
	if c.BreakerFailures <= 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerReset <= 0 {
		c.BreakerReset = 10 * time.Second
	}
	if c.MaxBuffered <= 0 {
		c.MaxBuffered = 10000
	}
}

// Store implements model.Store and model.Publisher on Redis.
type Store struct {
	client goredis.UniversalClient
	cfg    Config
	cb     *CircuitBreaker
	buf    *WriteBuffer

	// OnBreaker is called after each circuit transition.
	OnBreaker func(to State)
}

// New connects to Redis and pings the server.
func New(cfg Config) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client goredis.UniversalClient, cfg Config) *Store {
	cfg.defaults()
	s := &Store{
		client: client,
		cfg:    cfg,
		cb:     NewCircuitBreaker(cfg.BreakerFailures, cfg.BreakerReset),
	}
	s.buf = newWriteBuffer(cfg.MaxBuffered)
	s.cb.OnStateChange = func(from, to State) {
		log.Printf("[redis] circuit %s -> %s", from, to)
		if s.OnBreaker != nil {
			s.OnBreaker(to)
		}
		if to == StateClosed {
			go s.flush(context.Background())
		}
	}
	return s
}

// Client returns the underlying Redis client for health checks.
func (s *Store) Client() goredis.UniversalClient { return s.client }

// Breaker exposes the circuit breaker for metrics wiring.
func (s *Store) Breaker() *CircuitBreaker { return s.cb }

// Buffer exposes the write buffer for metrics wiring.
func (s *Store) Buffer() *WriteBuffer { return s.buf }

func (s *Store) key(k string) string { return s.cfg.Prefix + k }

func (s *Store) streamKey() string { return s.cfg.Prefix + "events" }

// Get returns the raw value under key, or model.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get %s: %w", key, err)
	}
	return b, nil
}

// Put stores value under key. While the breaker is open the write is
// buffered and replayed once Redis recovers.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	err := s.cb.Execute(func() error {
		return s.client.Set(ctx, s.key(key), value, 0).Err()
	})
	if errors.Is(err, ErrCircuitOpen) {
		s.buf.add(pendingWrite{Kind: kindPut, Key: key, Data: value})
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis: put %s: %w", key, err)
	}
	return nil
}

// AppendEvent adds ev to the capped activity stream.
func (s *Store) AppendEvent(ctx context.Context, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis: encode event: %w", err)
	}
	err = s.cb.Execute(func() error { return s.xadd(ctx, data) })
	if errors.Is(err, ErrCircuitOpen) {
		s.buf.add(pendingWrite{Kind: kindEvent, Data: data})
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis: append event: %w", err)
	}
	return nil
}

func (s *Store) xadd(ctx context.Context, data []byte) error {
	return s.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: s.streamKey(),
		MaxLen: s.cfg.EventMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Err()
}

// Publish pushes ev on the activity channel. Events are not buffered: pub/sub
// has no late subscribers to serve.
func (s *Store) Publish(ctx context.Context, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis: encode event: %w", err)
	}
	return s.cb.Execute(func() error {
		return s.client.Publish(ctx, s.cfg.Channel, data).Err()
	})
}

// RecentEvents returns up to n events, newest first.
func (s *Store) RecentEvents(ctx context.Context, n int) ([]model.Event, error) {
	msgs, err := s.client.XRevRangeN(ctx, s.streamKey(), "+", "-", int64(n)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: recent events: %w", err)
	}
	return decodeEvents(msgs), nil
}

func decodeEvents(msgs []goredis.XMessage) []model.Event {
	out := make([]model.Event, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values["data"].(string)
		if !ok {
			continue
		}
		var ev model.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			log.Printf("[redis] skip malformed event %s: %v", m.ID, err)
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Subscribe forwards activity events from the channel to out until ctx is
// done. Slow consumers lose events rather than block the subscription.
func (s *Store) Subscribe(ctx context.Context, out chan<- model.Event) error {
	pubsub := s.client.Subscribe(ctx, s.cfg.Channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis: subscribe %s: %w", s.cfg.Channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev model.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			select {
			case out <- ev:
			default:
			}
		}
	}
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
