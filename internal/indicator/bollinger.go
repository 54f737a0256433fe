package indicator

import (
	"math"
	"strconv"

	"pattern-trader/internal/model"
)

// Bollinger computes volatility bands: SMA(period) ± k·σ, with σ the population
// standard deviation of the window. Rolling sum and sum-of-squares keep updates O(1).
type Bollinger struct {
	period int
	k      float64
	buf    []float64
	idx    int
	count  int
	sum    float64
	sumSq  float64

	middle, upper, lower float64
}

// NewBollinger creates bands over period closes at k standard deviations.
func NewBollinger(period int, k float64) *Bollinger {
	if period < 1 {
		period = 1
	}
	return &Bollinger{period: period, k: k, buf: make([]float64, period)}
}

func (b *Bollinger) Name() string { return "BB_" + strconv.Itoa(b.period) }

func (b *Bollinger) Update(candle model.Candle) {
	v := candle.Close
	if b.count >= b.period {
		old := b.buf[b.idx]
		b.sum -= old
		b.sumSq -= old * old
	}
	b.buf[b.idx] = v
	b.sum += v
	b.sumSq += v * v
	b.idx = (b.idx + 1) % b.period
	b.count++

	if b.count < b.period {
		return
	}
	n := float64(b.period)
	mean := b.sum / n
	variance := b.sumSq/n - mean*mean
	if variance < 0 {
		variance = 0 // float cancellation on flat series
	}
	sd := math.Sqrt(variance)
	b.middle = mean
	b.upper = mean + b.k*sd
	b.lower = mean - b.k*sd
}

// Value returns the middle band.
func (b *Bollinger) Value() float64 { return b.middle }
func (b *Bollinger) Upper() float64 { return b.upper }
func (b *Bollinger) Lower() float64 { return b.lower }
func (b *Bollinger) Ready() bool    { return b.count >= b.period }
