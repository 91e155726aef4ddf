package risk

import (
	"fmt"
	"time"

	"github.com/stockshield/risk-engine/pkg/models"
)

// Validator screens raw feed data before it reaches the toxicity
// calculator and inventory book. Malformed or implausible events are
// rejected here so downstream state never has to unwind them.
type Validator struct {
	maxEventAge   time.Duration
	maxFutureSkew time.Duration
	maxPriceJump  float64
}

// NewValidator creates a validator with production tolerances.
func NewValidator() *Validator {
	return &Validator{
		maxEventAge:   5 * time.Minute,
		maxFutureSkew: 5 * time.Second, // feed and engine clocks drift slightly
		maxPriceJump:  0.25,            // 25% single-trade move is a fat finger or a bad packet
	}
}

// ValidateTrade checks one feed event. lastPrice is the most recent
// accepted price for the symbol, or zero when none exists yet.
func (v *Validator) ValidateTrade(ev models.TradeEvent, lastPrice float64) error {
	if ev.Symbol == "" {
		return fmt.Errorf("trade has no symbol")
	}

	if !ev.Price.IsPositive() {
		return fmt.Errorf("invalid trade price: %s", ev.Price)
	}

	if ev.Volume <= 0 {
		return fmt.Errorf("invalid trade volume: %.8f", ev.Volume)
	}

	if ev.Side != models.SideBuy && ev.Side != models.SideSell {
		return fmt.Errorf("unknown trade side: %q", ev.Side)
	}

	if ev.Timestamp.IsZero() {
		return fmt.Errorf("trade has no timestamp")
	}

	age := time.Since(ev.Timestamp)
	if age > v.maxEventAge {
		return fmt.Errorf("trade too old: %s", age.Round(time.Second))
	}
	if age < -v.maxFutureSkew {
		return fmt.Errorf("trade timestamp in the future: %s", ev.Timestamp)
	}

	if lastPrice > 0 {
		jump := abs(models.ToFloat64(ev.Price)-lastPrice) / lastPrice
		if jump > v.maxPriceJump {
			return fmt.Errorf("implausible price jump: %.2f%% from %.4f", jump*100, lastPrice)
		}
	}

	return nil
}

// ValidateQuote checks one oracle source response before it enters
// consensus aggregation.
func (v *Validator) ValidateQuote(q models.PriceQuote) error {
	if q.Source == "" {
		return fmt.Errorf("quote has no source")
	}

	if !q.Price.IsPositive() {
		return fmt.Errorf("invalid quote price from %s: %s", q.Source, q.Price)
	}

	if q.Timestamp.IsZero() {
		return fmt.Errorf("quote from %s has no timestamp", q.Source)
	}

	return nil
}
