package indicator

import (
	"math"
	"strconv"

	"pattern-trader/internal/model"
)

// ATR is the Average True Range with Wilder smoothing.
type ATR struct {
	period    int
	smma      *SMMA
	prevClose float64
	seen      bool
}

// NewATR creates an ATR(period), typically 14.
func NewATR(period int) *ATR {
	return &ATR{period: period, smma: NewSMMA(period)}
}

func (a *ATR) Name() string { return "ATR_" + strconv.Itoa(a.period) }

func (a *ATR) Update(candle model.Candle) {
	tr := candle.High - candle.Low
	if a.seen {
		tr = math.Max(tr, math.Abs(candle.High-a.prevClose))
		tr = math.Max(tr, math.Abs(candle.Low-a.prevClose))
	}
	a.prevClose = candle.Close
	a.seen = true
	a.smma.Add(tr)
}

func (a *ATR) Value() float64 { return a.smma.Value() }
func (a *ATR) Ready() bool    { return a.smma.Ready() }
