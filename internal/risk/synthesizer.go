// Package risk combines toxicity, regime, consensus and inventory
// readings into the two outputs settlement logic consumes: a fee rate
// and a circuit-breaker level. The synthesis itself is pure; the
// stateful pieces (breaker transitions, inventory) live beside it.
package risk

import (
	"fmt"
	"time"

	"github.com/stockshield/risk-engine/internal/session"
	"github.com/stockshield/risk-engine/pkg/models"
)

// FeeConfig weights the fee polynomial. The coefficients are tuned
// policy values; defaults reproduce the production curve.
type FeeConfig struct {
	Alpha float64 `envconfig:"ALPHA" default:"0.5"`   // volatility^2 weight
	Beta  float64 `envconfig:"BETA" default:"0.01"`   // toxicity weight
	Gamma float64 `envconfig:"GAMMA" default:"0.005"` // regime coupling weight
	Delta float64 `envconfig:"DELTA" default:"0.002"` // inventory imbalance weight
}

// Validate rejects negative weights; zero disables a term, which is valid.
func (c FeeConfig) Validate() error {
	if c.Alpha < 0 || c.Beta < 0 || c.Gamma < 0 || c.Delta < 0 {
		return fmt.Errorf("risk: fee weights must be non-negative: %+v", c)
	}
	return nil
}

// BreakerConfig holds the thresholds behind each breaker flag.
type BreakerConfig struct {
	ToxicityHigh          float64       `envconfig:"TOXICITY_HIGH" default:"0.7"`
	ToxicityExtreme       float64       `envconfig:"TOXICITY_EXTREME" default:"0.8"`
	OracleStaleAfter      time.Duration `envconfig:"ORACLE_STALE_AFTER" default:"60s"`
	MaxPriceDeviation     float64       `envconfig:"MAX_PRICE_DEVIATION" default:"0.05"`
	MaxInventoryImbalance float64       `envconfig:"MAX_INVENTORY_IMBALANCE" default:"0.8"`
}

// Validate rejects threshold orderings that could never trip or always trip.
func (c BreakerConfig) Validate() error {
	if c.ToxicityHigh <= 0 || c.ToxicityExtreme <= c.ToxicityHigh || c.ToxicityExtreme > 1 {
		return fmt.Errorf("risk: toxicity thresholds must satisfy 0 < high < extreme <= 1, got %f/%f",
			c.ToxicityHigh, c.ToxicityExtreme)
	}
	if c.OracleStaleAfter <= 0 {
		return fmt.Errorf("risk: oracle staleness threshold must be positive, got %s", c.OracleStaleAfter)
	}
	if c.MaxPriceDeviation <= 0 {
		return fmt.Errorf("risk: max price deviation must be positive, got %f", c.MaxPriceDeviation)
	}
	if c.MaxInventoryImbalance <= 0 || c.MaxInventoryImbalance > 1 {
		return fmt.Errorf("risk: max inventory imbalance must be in (0,1], got %f", c.MaxInventoryImbalance)
	}
	return nil
}

// Breaker flag names, stable identifiers used in events and dashboards.
const (
	FlagToxicityHigh       = "toxicity_high"
	FlagToxicityExtreme    = "toxicity_extreme"
	FlagOracleStale        = "oracle_stale"
	FlagPriceDeviation     = "price_deviation"
	FlagInventoryImbalance = "inventory_imbalance"
)

// maxBreakerLevel caps escalation; level 4 is a full pause.
const maxBreakerLevel = 4

// Inputs are the current readings the synthesizer combines. Consensus
// may be a zero value when the last aggregation failed entirely; that
// counts as a stale oracle.
type Inputs struct {
	Toxicity           float64
	Volatility         float64
	InventoryImbalance float64
	Regime             session.RegimeInfo
	Consensus          models.ConsensusPrice
	VenuePrice         float64
}

// BreakerState is the recomputed-on-demand circuit state.
type BreakerState struct {
	Level   int      `json:"level"`
	Flags   []string `json:"flags,omitempty"`
	Actions []string `json:"actions,omitempty"`
}

// Synthesizer computes fee and breaker state from inputs. It holds only
// configuration, so any number of goroutines may call it concurrently.
type Synthesizer struct {
	fees    FeeConfig
	breaker BreakerConfig
}

// NewSynthesizer validates both configs up front.
func NewSynthesizer(fees FeeConfig, breaker BreakerConfig) (*Synthesizer, error) {
	if err := fees.Validate(); err != nil {
		return nil, err
	}
	if err := breaker.Validate(); err != nil {
		return nil, err
	}
	return &Synthesizer{fees: fees, breaker: breaker}, nil
}

// Fee computes the dynamic fee rate:
//
//	base + alpha*vol^2 + beta*toxicity + gamma*mult*(vol^2 + toxicity) + delta*|imbalance|
//
// capped at the regime's max fee. Every term is non-negative, so the
// result never drops below the regime base.
func (s *Synthesizer) Fee(in Inputs) float64 {
	volSq := in.Volatility * in.Volatility
	fee := in.Regime.BaseFee +
		s.fees.Alpha*volSq +
		s.fees.Beta*in.Toxicity +
		s.fees.Gamma*in.Regime.Multiplier*(volSq+in.Toxicity) +
		s.fees.Delta*abs(in.InventoryImbalance)
	if fee > in.Regime.MaxFee {
		return in.Regime.MaxFee
	}
	return fee
}

// EvaluateBreaker recomputes the circuit level from current readings:
// one increment per tripped threshold, capped at level 4. The toxicity
// thresholds stack, so extreme toxicity alone reaches level 2.
func (s *Synthesizer) EvaluateBreaker(in Inputs, now time.Time) BreakerState {
	var flags []string

	if in.Toxicity > s.breaker.ToxicityHigh {
		flags = append(flags, FlagToxicityHigh)
	}
	if in.Toxicity > s.breaker.ToxicityExtreme {
		flags = append(flags, FlagToxicityExtreme)
	}
	if in.Consensus.Timestamp.IsZero() || now.Sub(in.Consensus.Timestamp) > s.breaker.OracleStaleAfter {
		flags = append(flags, FlagOracleStale)
	}
	if in.VenuePrice > 0 && in.Consensus.Price.IsPositive() {
		deviation := abs(models.ToFloat64(in.Consensus.Price)-in.VenuePrice) / in.VenuePrice
		if deviation > s.breaker.MaxPriceDeviation {
			flags = append(flags, FlagPriceDeviation)
		}
	}
	if abs(in.InventoryImbalance) > s.breaker.MaxInventoryImbalance {
		flags = append(flags, FlagInventoryImbalance)
	}

	level := len(flags)
	if level > maxBreakerLevel {
		level = maxBreakerLevel
	}
	return BreakerState{
		Level:   level,
		Flags:   flags,
		Actions: BreakerActions(level),
	}
}

// BreakerActions maps a level to its cumulative mitigations.
func BreakerActions(level int) []string {
	all := []string{
		"fee_surcharge",
		"reduce_quoted_depth",
		"restrict_order_size",
		"pause_trading",
	}
	if level <= 0 {
		return nil
	}
	if level > len(all) {
		level = len(all)
	}
	return all[:level]
}

// Assess runs fee and breaker evaluation together.
func (s *Synthesizer) Assess(in Inputs, now time.Time) (float64, BreakerState) {
	return s.Fee(in), s.EvaluateBreaker(in, now)
}
