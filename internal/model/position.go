package model

import "time"

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

// ExitReason records why a position closed. Exactly one is set per closed position.
type ExitReason string

const (
	ExitStop      ExitReason = "stop"
	ExitTarget    ExitReason = "target"
	ExitTechnical ExitReason = "technical"
	ExitTime      ExitReason = "time"
)

// Position is a tracked trade from fill to exit.
type Position struct {
	ID         string         `json:"id"`
	Symbol     string         `json:"symbol"`
	Direction  Direction      `json:"direction"`
	Pattern    PatternKind    `json:"pattern"`
	EntryPrice float64        `json:"entry_price"`
	EntryTime  time.Time      `json:"entry_time"`
	Size       float64        `json:"size"`
	Stop       float64        `json:"stop"`
	Target     float64        `json:"target"`
	Status     PositionStatus `json:"status"`
	LastPrice  float64        `json:"last_price"`

	ExitPrice  float64    `json:"exit_price,omitempty"`
	ExitTime   time.Time  `json:"exit_time,omitempty"`
	ExitReason ExitReason `json:"exit_reason,omitempty"`
	Commission float64    `json:"commission"`
	BarsHeld   int        `json:"bars_held"`
}

// GrossPnL is the realized (closed) or unrealized (open) P&L before commission.
func (p *Position) GrossPnL() float64 {
	price := p.LastPrice
	if p.Status == PositionClosed {
		price = p.ExitPrice
	}
	return (price - p.EntryPrice) * p.Size * p.Direction.Sign()
}

// NetPnL is GrossPnL minus commissions paid on entry and exit.
func (p *Position) NetPnL() float64 {
	return p.GrossPnL() - p.Commission
}

// Holding returns how long the position was (or has been) held.
func (p *Position) Holding() time.Duration {
	if p.Status == PositionClosed {
		return p.ExitTime.Sub(p.EntryTime)
	}
	return 0
}
