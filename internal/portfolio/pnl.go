package portfolio

import "pattern-trader/internal/model"

// PnLSummary is the book-wide P&L view.
type PnLSummary struct {
	RealizedPnL   float64 `json:"realized_pnl"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	TotalPnL      float64 `json:"total_pnl"`
	Commission    float64 `json:"commission"`
	TotalTrades   int     `json:"total_trades"`
	Wins          int     `json:"wins"`
	Losses        int     `json:"losses"`
	OpenPositions int     `json:"open_positions"`
}

// Summarize rolls up open and closed positions. Realized figures are net of
// commission, unrealized are gross.
func Summarize(open, closed []model.Position) PnLSummary {
	var s PnLSummary
	for i := range closed {
		p := &closed[i]
		net := p.NetPnL()
		s.RealizedPnL += net
		s.Commission += p.Commission
		if net > 0 {
			s.Wins++
		} else {
			s.Losses++
		}
	}
	for i := range open {
		s.UnrealizedPnL += open[i].GrossPnL()
		s.Commission += open[i].Commission
	}
	s.TotalTrades = len(closed)
	s.OpenPositions = len(open)
	s.TotalPnL = s.RealizedPnL + s.UnrealizedPnL
	return s
}

// Summary returns the P&L summary of the book.
func (b *Book) Summary() PnLSummary {
	return Summarize(b.Positions(), b.Closed())
}
