package indicator

import (
	"fmt"

	"pattern-trader/internal/model"
)

// Config holds the periods of every indicator in an IndicatorSet.
type Config struct {
	RSIPeriod    int     `yaml:"rsi_period"`
	MACDFast     int     `yaml:"macd_fast"`
	MACDSlow     int     `yaml:"macd_slow"`
	MACDSignal   int     `yaml:"macd_signal"`
	SMAFast      int     `yaml:"sma_fast"`
	SMASlow      int     `yaml:"sma_slow"`
	EMAFast      int     `yaml:"ema_fast"`
	EMASlow      int     `yaml:"ema_slow"`
	BBPeriod     int     `yaml:"bb_period"`
	BBStdDev     float64 `yaml:"bb_stddev"`
	ATRPeriod    int     `yaml:"atr_period"`
	VolumePeriod int     `yaml:"volume_period"`
}

// DefaultConfig returns the conventional indicator periods.
func DefaultConfig() Config {
	return Config{
		RSIPeriod:    14,
		MACDFast:     12,
		MACDSlow:     26,
		MACDSignal:   9,
		SMAFast:      20,
		SMASlow:      50,
		EMAFast:      9,
		EMASlow:      21,
		BBPeriod:     20,
		BBStdDev:     2,
		ATRPeriod:    14,
		VolumePeriod: 20,
	}
}

// Validate rejects non-positive periods and inverted fast/slow pairs.
func (c Config) Validate() error {
	for name, p := range map[string]int{
		"rsi_period": c.RSIPeriod, "macd_fast": c.MACDFast, "macd_slow": c.MACDSlow,
		"macd_signal": c.MACDSignal, "sma_fast": c.SMAFast, "sma_slow": c.SMASlow,
		"ema_fast": c.EMAFast, "ema_slow": c.EMASlow, "bb_period": c.BBPeriod,
		"atr_period": c.ATRPeriod, "volume_period": c.VolumePeriod,
	} {
		if p < 1 {
			return fmt.Errorf("indicator: %s must be >= 1, got %d", name, p)
		}
	}
	if c.MACDFast >= c.MACDSlow {
		return fmt.Errorf("indicator: macd_fast (%d) must be < macd_slow (%d)", c.MACDFast, c.MACDSlow)
	}
	if c.BBStdDev <= 0 {
		return fmt.Errorf("indicator: bb_stddev must be > 0")
	}
	return nil
}

// Warmup is the number of candles after which every indicator is ready.
func (c Config) Warmup() int {
	n := c.MACDSlow + c.MACDSignal - 1
	for _, p := range []int{c.RSIPeriod + 1, c.SMAFast, c.SMASlow, c.EMAFast, c.EMASlow, c.BBPeriod, c.ATRPeriod, c.VolumePeriod} {
		if p > n {
			n = p
		}
	}
	return n
}

// Engine builds per-symbol indicator state from a shared Config.
type Engine struct {
	cfg Config
}

// NewEngine creates an engine. Zero periods fall back to DefaultConfig values.
func NewEngine(cfg Config) *Engine {
	d := DefaultConfig()
	fill := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	fill(&cfg.RSIPeriod, d.RSIPeriod)
	fill(&cfg.MACDFast, d.MACDFast)
	fill(&cfg.MACDSlow, d.MACDSlow)
	fill(&cfg.MACDSignal, d.MACDSignal)
	fill(&cfg.SMAFast, d.SMAFast)
	fill(&cfg.SMASlow, d.SMASlow)
	fill(&cfg.EMAFast, d.EMAFast)
	fill(&cfg.EMASlow, d.EMASlow)
	fill(&cfg.BBPeriod, d.BBPeriod)
	fill(&cfg.ATRPeriod, d.ATRPeriod)
	fill(&cfg.VolumePeriod, d.VolumePeriod)
	if cfg.BBStdDev <= 0 {
		cfg.BBStdDev = d.BBStdDev
	}
	return &Engine{cfg: cfg}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// State is the incremental indicator state for one symbol.
// Not safe for concurrent use; the aggregator serialises updates per symbol.
type State struct {
	rsi       *RSI
	macd      *MACD
	smaFast   *SMA
	smaSlow   *SMA
	emaFast   *EMA
	emaSlow   *EMA
	bb        *Bollinger
	atr       *ATR
	volSMA    *SMA
	last      model.IndicatorSet
	processed int
}

// NewState creates fresh indicator instances for one symbol.
func (e *Engine) NewState() *State {
	c := e.cfg
	return &State{
		rsi:     NewRSI(c.RSIPeriod),
		macd:    NewMACD(c.MACDFast, c.MACDSlow, c.MACDSignal),
		smaFast: NewSMA(c.SMAFast),
		smaSlow: NewSMA(c.SMASlow),
		emaFast: NewEMA(c.EMAFast),
		emaSlow: NewEMA(c.EMASlow),
		bb:      NewBollinger(c.BBPeriod, c.BBStdDev),
		atr:     NewATR(c.ATRPeriod),
		volSMA:  NewSMAOf(c.VolumePeriod, Volume),
	}
}

// Update feeds one closed candle to every indicator and returns the new set.
func (s *State) Update(c model.Candle) model.IndicatorSet {
	for _, ind := range s.all() {
		ind.Update(c)
	}
	s.processed++
	s.last = model.IndicatorSet{
		TS:         c.Start,
		RSI:        s.rsi.Value(),
		MACD:       s.macd.Value(),
		MACDSignal: s.macd.Signal(),
		MACDHist:   s.macd.Histogram(),
		SMAFast:    s.smaFast.Value(),
		SMASlow:    s.smaSlow.Value(),
		EMAFast:    s.emaFast.Value(),
		EMASlow:    s.emaSlow.Value(),
		BBUpper:    s.bb.Upper(),
		BBMiddle:   s.bb.Value(),
		BBLower:    s.bb.Lower(),
		ATR:        s.atr.Value(),
		VolumeSMA:  s.volSMA.Value(),
		Ready:      s.ready(),
	}
	return s.last
}

// Last returns the set produced by the most recent Update.
func (s *State) Last() model.IndicatorSet { return s.last }

// Processed returns how many candles have been fed.
func (s *State) Processed() int { return s.processed }

func (s *State) all() []Indicator {
	return []Indicator{s.rsi, s.macd, s.smaFast, s.smaSlow, s.emaFast, s.emaSlow, s.bb, s.atr, s.volSMA}
}

func (s *State) ready() bool {
	for _, ind := range s.all() {
		if !ind.Ready() {
			return false
		}
	}
	return true
}
