package execution

import (
	"context"
	"fmt"
	"log"
	"sync"

	"pattern-trader/internal/model"
)

// Simulator fills every signal at its entry price moved against the trade by
// SlippageBps, charging CommissionBps of notional. Order ids are sequential
// and the fill time is the signal's creation time, so replays are repeatable.
type Simulator struct {
	mu       sync.RWMutex
	fills    []model.Fill
	orderSeq int64

	SlippageBps   float64
	CommissionBps float64
	Prefix        string // order id prefix; default "SIM"
	Quiet         bool   // suppress per-fill logging (backtests)
}

// NewSimulator creates a fill simulator.
func NewSimulator(slippageBps, commissionBps float64) *Simulator {
	return &Simulator{
		fills:         make([]model.Fill, 0, 256),
		SlippageBps:   slippageBps,
		CommissionBps: commissionBps,
	}
}

// Submit fills sig immediately.
func (s *Simulator) Submit(ctx context.Context, sig model.Signal) (model.Fill, error) {
	if err := ctx.Err(); err != nil {
		return model.Fill{}, err
	}
	if sig.Size <= 0 || sig.Entry <= 0 {
		return model.Fill{}, fmt.Errorf("execution: simulate %s: invalid signal size=%v entry=%v", sig.Symbol, sig.Size, sig.Entry)
	}

	slip := sig.Entry * s.SlippageBps / 10000
	price := sig.Entry + slip*sig.Direction.Sign()

	s.mu.Lock()
	s.orderSeq++
	prefix := s.Prefix
	if prefix == "" {
		prefix = "SIM"
	}
	fill := model.Fill{
		OrderID:    fmt.Sprintf("%s-%d", prefix, s.orderSeq),
		Signal:     sig,
		Price:      price,
		Size:       sig.Size,
		Slippage:   slip,
		Commission: price * sig.Size * s.CommissionBps / 10000,
		FilledAt:   sig.CreatedAt,
	}
	s.fills = append(s.fills, fill)
	s.mu.Unlock()

	if !s.Quiet {
		log.Printf("[paper] %s %s size=%v price=%.2f (slip=%.4f) order=%s",
			sig.Direction, sig.Symbol, sig.Size, price, slip, fill.OrderID)
	}
	return fill, nil
}

// Fills returns a snapshot of all fills.
func (s *Simulator) Fills() []model.Fill {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make([]model.Fill, len(s.fills))
	copy(cp, s.fills)
	return cp
}
