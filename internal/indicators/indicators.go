// Package indicators turns the raw trade stream into the realized
// volatility reading the fee formula consumes. Trades are bucketed into
// fixed-interval bars and volatility is derived from Bollinger band
// width over the closes.
package indicators

import (
	"fmt"
	"sync"
	"time"

	"github.com/cinar/indicator"

	"github.com/stockshield/risk-engine/pkg/models"
)

// bollingerPeriod is the warmup the band calculation needs.
const bollingerPeriod = 20

// BarBuilder aggregates trade events into fixed-interval bars for one
// symbol. Add returns the completed bar whenever an event crosses into
// the next interval.
type BarBuilder struct {
	symbol   string
	interval time.Duration
	current  *models.Bar
}

// NewBarBuilder creates a builder; interval must be positive.
func NewBarBuilder(symbol string, interval time.Duration) (*BarBuilder, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("indicators: bar interval must be positive, got %s", interval)
	}
	return &BarBuilder{symbol: symbol, interval: interval}, nil
}

// Add folds one trade into the in-progress bar. The returned bar is
// non-nil exactly when the trade opened a new interval and the previous
// bar is final. Out-of-order trades within the current interval are
// folded in; trades older than the current interval are dropped.
func (b *BarBuilder) Add(ev models.TradeEvent) *models.Bar {
	start := ev.Timestamp.Truncate(b.interval)

	if b.current == nil {
		b.current = newBar(b.symbol, start, ev)
		return nil
	}

	if start.Before(b.current.Timestamp) {
		return nil // late event from a closed interval
	}

	if start.Equal(b.current.Timestamp) {
		fold(b.current, ev)
		return nil
	}

	done := b.current
	b.current = newBar(b.symbol, start, ev)
	return done
}

// Current returns a copy of the in-progress bar, or nil before the
// first trade.
func (b *BarBuilder) Current() *models.Bar {
	if b.current == nil {
		return nil
	}
	bar := *b.current
	return &bar
}

func newBar(symbol string, start time.Time, ev models.TradeEvent) *models.Bar {
	return &models.Bar{
		Symbol:    symbol,
		Timestamp: start,
		Open:      ev.Price,
		High:      ev.Price,
		Low:       ev.Price,
		Close:     ev.Price,
		Volume:    ev.Volume,
		Trades:    1,
	}
}

func fold(bar *models.Bar, ev models.TradeEvent) {
	if ev.Price.GreaterThan(bar.High) {
		bar.High = ev.Price
	}
	if ev.Price.LessThan(bar.Low) {
		bar.Low = ev.Price
	}
	bar.Close = ev.Price
	bar.Volume += ev.Volume
	bar.Trades++
}

// Calculator keeps a rolling window of completed bars and computes
// volatility readings from it.
type Calculator struct {
	mu     sync.RWMutex
	window int
	bars   []models.Bar
}

// NewCalculator creates a calculator holding at most window bars.
// The window must cover the Bollinger warmup.
func NewCalculator(window int) (*Calculator, error) {
	if window < bollingerPeriod {
		return nil, fmt.Errorf("indicators: window must be at least %d bars, got %d", bollingerPeriod, window)
	}
	return &Calculator{window: window}, nil
}

// AddBar appends a completed bar, evicting the oldest when full.
func (c *Calculator) AddBar(bar models.Bar) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.bars = append(c.bars, bar)
	if len(c.bars) > c.window {
		c.bars = c.bars[len(c.bars)-c.window:]
	}
}

// BarCount returns the number of bars currently held.
func (c *Calculator) BarCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.bars)
}

// Bars returns a copy of the window, oldest first.
func (c *Calculator) Bars() []models.Bar {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]models.Bar(nil), c.bars...)
}

// RelativeVolatility returns sigma/mean over the Bollinger window, a
// dimensionless reading the fee polynomial squares. The bands sit two
// standard deviations around the middle, so sigma = (upper-lower)/4.
func (c *Calculator) RelativeVolatility() (float64, error) {
	closes, err := c.closes(bollingerPeriod)
	if err != nil {
		return 0, err
	}

	middle, upper, lower := indicator.BollingerBands(closes)
	last := len(middle) - 1
	if middle[last] == 0 {
		return 0, fmt.Errorf("indicators: zero mid-band, cannot normalize")
	}

	return (upper[last] - lower[last]) / (4 * middle[last]), nil
}

// ATR returns the average true range over the given period, used by
// the replay simulator to size gap scenarios.
func (c *Calculator) ATR(period int) (float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.bars) < period+1 {
		return 0, fmt.Errorf("indicators: insufficient bars for ATR (need %d, got %d)", period+1, len(c.bars))
	}

	highs := make([]float64, len(c.bars))
	lows := make([]float64, len(c.bars))
	closes := make([]float64, len(c.bars))
	for i, bar := range c.bars {
		highs[i], _ = bar.High.Float64()
		lows[i], _ = bar.Low.Float64()
		closes[i], _ = bar.Close.Float64()
	}

	_, atr := indicator.Atr(period, highs, lows, closes)
	if len(atr) == 0 {
		return 0, fmt.Errorf("indicators: ATR returned no data")
	}
	return atr[len(atr)-1], nil
}

// SMA returns the simple moving average of closes for the period.
func (c *Calculator) SMA(period int) (float64, error) {
	closes, err := c.closes(period)
	if err != nil {
		return 0, err
	}

	sma := indicator.Sma(period, closes)
	if len(sma) == 0 {
		return 0, fmt.Errorf("indicators: SMA calculation failed")
	}
	return sma[len(sma)-1], nil
}

// EMA returns the exponential moving average of closes for the period.
func (c *Calculator) EMA(period int) (float64, error) {
	closes, err := c.closes(period)
	if err != nil {
		return 0, err
	}

	ema := indicator.Ema(period, closes)
	if len(ema) == 0 {
		return 0, fmt.Errorf("indicators: EMA calculation failed")
	}
	return ema[len(ema)-1], nil
}

// DetectTrend labels the window uptrend, downtrend or sideways by
// comparing the last close against fast and slow EMAs.
func (c *Calculator) DetectTrend() (string, error) {
	c.mu.RLock()
	n := len(c.bars)
	c.mu.RUnlock()

	if n < 50 {
		return "unknown", fmt.Errorf("indicators: insufficient bars for trend detection (need 50, got %d)", n)
	}

	ema20, err := c.EMA(20)
	if err != nil {
		return "unknown", err
	}
	ema50, err := c.EMA(50)
	if err != nil {
		return "unknown", err
	}

	c.mu.RLock()
	lastClose, _ := c.bars[len(c.bars)-1].Close.Float64()
	c.mu.RUnlock()

	if lastClose > ema20 && ema20 > ema50 {
		return "uptrend", nil
	}
	if lastClose < ema20 && ema20 < ema50 {
		return "downtrend", nil
	}
	return "sideways", nil
}

func (c *Calculator) closes(min int) ([]float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.bars) < min {
		return nil, fmt.Errorf("indicators: insufficient bars (need %d, got %d)", min, len(c.bars))
	}

	closes := make([]float64, len(c.bars))
	for i, bar := range c.bars {
		closes[i], _ = bar.Close.Float64()
	}
	return closes, nil
}
