// Package execution turns priced signals into fills, either through a broker
// (live) or a deterministic simulator (paper and backtest).
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"pattern-trader/internal/apperr"
	"pattern-trader/internal/backoff"
	"pattern-trader/internal/model"
	"pattern-trader/pkg/broker"
)

// Gateway submits a signal and reports the fill or why it failed.
type Gateway interface {
	Submit(ctx context.Context, sig model.Signal) (model.Fill, error)
}

// Broker is the order API the live gateway needs. *broker.Client satisfies it.
type Broker interface {
	PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResponse, error)
	OrderStatus(ctx context.Context, orderID string) (broker.OrderResponse, error)
}

// canceler is implemented by brokers that can withdraw a resting order.
type canceler interface {
	CancelOrder(ctx context.Context, orderID string) error
}

// ErrNotFilled is returned when an accepted order is still working after
// FillTimeout. No position exists for it.
var ErrNotFilled = errors.New("execution: order not filled")

var errPending = errors.New("order pending")

// LiveGateway places market orders through a Broker, retrying transient
// failures under Policy. The client order id is fixed per signal so a retry
// after a lost response cannot double-fill. Orders the broker accepts but has
// not completed are polled under Poll until filled or FillTimeout elapses.
type LiveGateway struct {
	broker        Broker
	Policy        backoff.Policy
	Poll          backoff.Policy
	FillTimeout   time.Duration
	CommissionBps float64
	NewID         func() string
	Now           func() time.Time
	Logger        *slog.Logger
}

// NewLiveGateway wraps b with the default order retry schedule.
func NewLiveGateway(b Broker, commissionBps float64) *LiveGateway {
	poll := backoff.Order()
	poll.MaxAttempts = 8
	g := &LiveGateway{
		broker:        b,
		Policy:        backoff.Order(),
		Poll:          poll,
		FillTimeout:   10 * time.Second,
		CommissionBps: commissionBps,
		NewID:         uuid.NewString,
		Now:           time.Now,
		Logger:        slog.Default().With("component", "gateway"),
	}
	g.Policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		g.Logger.Warn("[gateway] transient order failure, retrying", "attempt", attempt, "delay", delay, "error", err)
	}
	return g
}

// Submit places the order and returns a fill only once the broker reports it
// complete. Rejected or cancelled orders return *apperr.OrderRejectedError;
// orders still working after FillTimeout return ErrNotFilled.
func (g *LiveGateway) Submit(ctx context.Context, sig model.Signal) (model.Fill, error) {
	req := broker.OrderRequest{
		ClientOrderID: g.NewID(),
		Symbol:        sig.Symbol,
		Side:          side(sig.Direction),
		Quantity:      sig.Size,
	}
	var resp broker.OrderResponse
	err := g.Policy.Retry(ctx, func(ctx context.Context, _ int) error {
		var err error
		resp, err = g.broker.PlaceOrder(ctx, req)
		return err
	})
	if err != nil {
		return model.Fill{}, fmt.Errorf("execution: submit %s: %w", sig.Symbol, err)
	}
	if err := terminal(sig.Symbol, resp); err != nil {
		return model.Fill{}, err
	}
	if !settled(resp) {
		if resp, err = g.await(ctx, sig.Symbol, resp.OrderID); err != nil {
			return model.Fill{}, err
		}
	}

	price := resp.AvgPrice
	if price <= 0 {
		price = sig.Entry
	}
	size := resp.FilledQty
	if size <= 0 {
		size = sig.Size
	}
	f := model.Fill{
		OrderID:    resp.OrderID,
		Signal:     sig,
		Price:      price,
		Size:       size,
		Slippage:   math.Abs(price - sig.Entry),
		Commission: price * size * g.CommissionBps / 10000,
		FilledAt:   g.Now(),
	}
	g.Logger.Info("[gateway] order filled", "symbol", sig.Symbol, "order_id", f.OrderID,
		"client_id", req.ClientOrderID, "price", f.Price, "size", f.Size)
	return f, nil
}

// await polls orderID until it settles, fails, or FillTimeout elapses. A
// timed-out order is cancelled when the broker supports it; any quantity
// already filled is still returned so the position is not lost.
func (g *LiveGateway) await(ctx context.Context, symbol, orderID string) (broker.OrderResponse, error) {
	pctx, cancel := context.WithTimeout(ctx, g.FillTimeout)
	defer cancel()

	poll := g.Poll
	poll.Retryable = func(err error) bool { return errors.Is(err, errPending) || apperr.IsTransient(err) }
	var resp broker.OrderResponse
	err := poll.Retry(pctx, func(ctx context.Context, _ int) error {
		var err error
		if resp, err = g.broker.OrderStatus(ctx, orderID); err != nil {
			return err
		}
		if err := terminal(symbol, resp); err != nil {
			return err
		}
		if !settled(resp) {
			return errPending
		}
		return nil
	})
	if err == nil {
		return resp, nil
	}
	var rej *apperr.OrderRejectedError
	if errors.As(err, &rej) {
		return broker.OrderResponse{}, err
	}
	if c, ok := g.broker.(canceler); ok {
		cctx, done := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if cerr := c.CancelOrder(cctx, orderID); cerr != nil {
			g.Logger.Error("[gateway] cancel unfilled order failed", "symbol", symbol, "order_id", orderID, "error", cerr)
		}
		done()
	}
	if resp.FilledQty > 0 {
		g.Logger.Warn("[gateway] order partially filled", "symbol", symbol, "order_id", orderID, "filled", resp.FilledQty)
		return resp, nil
	}
	g.Logger.Warn("[gateway] order not filled", "symbol", symbol, "order_id", orderID, "status", resp.Status, "error", err)
	return broker.OrderResponse{}, fmt.Errorf("%w: %s %s (%s): %v", ErrNotFilled, symbol, orderID, resp.Status, err)
}

// settled reports whether the order will not fill any further: complete, or
// cancelled after a partial fill.
func settled(resp broker.OrderResponse) bool {
	return resp.Filled() || resp.Status == "cancelled" && resp.FilledQty > 0
}

// terminal maps a failed order state to a rejection. A cancelled order that
// filled partly is not a rejection.
func terminal(symbol string, resp broker.OrderResponse) error {
	if resp.Status == "cancelled" && resp.FilledQty > 0 {
		return nil
	}
	switch resp.Status {
	case "rejected", "cancelled":
		reason := resp.Message
		if reason == "" {
			reason = resp.Status
		}
		return &apperr.OrderRejectedError{Symbol: symbol, Reason: reason}
	}
	return nil
}

func side(d model.Direction) broker.Side {
	if d == model.Bearish {
		return broker.Sell
	}
	return broker.Buy
}

// Exiter is implemented by gateways that must flatten closed positions at the
// venue. The simulator has nothing to unwind.
type Exiter interface {
	Exit(ctx context.Context, p model.Position) error
}

// Exit sends the offsetting market order for a closed position.
func (g *LiveGateway) Exit(ctx context.Context, p model.Position) error {
	opposite := model.Bearish
	if p.Direction == model.Bearish {
		opposite = model.Bullish
	}
	req := broker.OrderRequest{
		ClientOrderID: g.NewID(),
		Symbol:        p.Symbol,
		Side:          side(opposite),
		Quantity:      p.Size,
	}
	err := g.Policy.Retry(ctx, func(ctx context.Context, _ int) error {
		_, err := g.broker.PlaceOrder(ctx, req)
		return err
	})
	if err != nil {
		return fmt.Errorf("execution: exit %s: %w", p.Symbol, err)
	}
	g.Logger.Info("[gateway] position flattened", "symbol", p.Symbol, "reason", p.ExitReason)
	return nil
}
