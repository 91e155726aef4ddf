// Package consensus aggregates quotes from independent price sources
// into a single price with a confidence weight. Aggregation is stateless:
// every call queries the sources fresh and derives everything from the
// survivors of that one cycle.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stockshield/risk-engine/internal/adapters/price"
	"github.com/stockshield/risk-engine/pkg/logger"
	"github.com/stockshield/risk-engine/pkg/models"
)

// ErrNoValidPrice is returned when every source failed or produced an
// unusable quote. Callers own the fallback policy.
var ErrNoValidPrice = errors.New("consensus: no valid price from any source")

// Config holds the aggregation policy. The bands and slopes are tuned
// values, kept named and overridable rather than inlined.
type Config struct {
	QueryTimeout time.Duration `envconfig:"QUERY_TIMEOUT" default:"3s"`
	StaleAfter   time.Duration `envconfig:"STALE_AFTER" default:"60s"`

	// Confidence shape: max pairwise relative deviation below TightBand
	// is near-full confidence; below ModerateBand it is ModerateConfidence;
	// beyond that it degrades by DegradeSlope down to MinConfidence.
	TightBand          float64 `envconfig:"TIGHT_BAND" default:"0.01"`
	ModerateBand       float64 `envconfig:"MODERATE_BAND" default:"0.05"`
	ModerateConfidence float64 `envconfig:"MODERATE_CONFIDENCE" default:"0.8"`
	DegradeSlope       float64 `envconfig:"DEGRADE_SLOPE" default:"6.0"`
	MinConfidence      float64 `envconfig:"MIN_CONFIDENCE" default:"0.2"`

	// Confidence assigned when exactly one source survives.
	SingleSourceConfidence float64 `envconfig:"SINGLE_SOURCE_CONFIDENCE" default:"0.5"`
}

// Validate rejects degenerate aggregation policy.
func (c Config) Validate() error {
	if c.QueryTimeout <= 0 {
		return fmt.Errorf("consensus: query timeout must be positive, got %s", c.QueryTimeout)
	}
	if c.StaleAfter <= 0 {
		return fmt.Errorf("consensus: staleness threshold must be positive, got %s", c.StaleAfter)
	}
	if c.TightBand <= 0 || c.ModerateBand <= c.TightBand {
		return fmt.Errorf("consensus: bands must satisfy 0 < tight < moderate, got %f/%f", c.TightBand, c.ModerateBand)
	}
	if c.MinConfidence <= 0 || c.MinConfidence > c.ModerateConfidence || c.ModerateConfidence > 1 {
		return fmt.Errorf("consensus: confidences must satisfy 0 < min <= moderate <= 1, got %f/%f", c.MinConfidence, c.ModerateConfidence)
	}
	if c.SingleSourceConfidence <= 0 || c.SingleSourceConfidence > 1 {
		return fmt.Errorf("consensus: single-source confidence must be in (0,1], got %f", c.SingleSourceConfidence)
	}
	return nil
}

// Aggregator fans queries out to its sources and reduces the answers.
type Aggregator struct {
	cfg     Config
	sources []price.Source
}

// NewAggregator builds an aggregator over the given sources.
func NewAggregator(cfg Config, sources []price.Source) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("consensus: at least one price source required")
	}
	return &Aggregator{cfg: cfg, sources: sources}, nil
}

type sourceResult struct {
	name  string
	quote models.PriceQuote
	err   error
}

// ConsensusPrice queries all sources concurrently under one timeout and
// reduces the surviving quotes to a median price with a confidence
// weight. A slow source cannot starve the rest: the join stops at the
// deadline with whatever arrived.
func (a *Aggregator) ConsensusPrice(ctx context.Context, symbol string) (models.ConsensusPrice, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.QueryTimeout)
	defer cancel()

	// Buffered so stragglers finishing after the deadline never block.
	results := make(chan sourceResult, len(a.sources))
	for _, s := range a.sources {
		go func(s price.Source) {
			q, err := s.GetQuote(ctx, symbol)
			results <- sourceResult{name: s.GetName(), quote: q, err: err}
		}(s)
	}

	collected := make([]sourceResult, 0, len(a.sources))
collect:
	for i := 0; i < len(a.sources); i++ {
		select {
		case r := <-results:
			collected = append(collected, r)
		case <-ctx.Done():
			break collect
		}
	}

	now := time.Now()
	survivors := a.filter(symbol, collected, now)
	if len(survivors) == 0 {
		return models.ConsensusPrice{}, fmt.Errorf("%w: %s (%d sources answered)", ErrNoValidPrice, symbol, len(collected))
	}
	return a.reduce(survivors), nil
}

// filter drops failed, non-positive and stale quotes. Degraded sources
// are a local condition: logged and excluded, never an error.
func (a *Aggregator) filter(symbol string, collected []sourceResult, now time.Time) []models.PriceQuote {
	survivors := make([]models.PriceQuote, 0, len(collected))
	for _, r := range collected {
		if r.err != nil {
			logger.Warn("price source failed",
				zap.String("source", r.name),
				zap.String("symbol", symbol),
				zap.Error(r.err),
			)
			continue
		}
		q := r.quote
		if q.Source == "" {
			q.Source = r.name
		}
		if !q.Price.IsPositive() {
			logger.Warn("price source returned non-positive price",
				zap.String("source", q.Source),
				zap.String("symbol", symbol),
				zap.String("price", q.Price.String()),
			)
			continue
		}
		if age := q.Age(now); age > a.cfg.StaleAfter {
			logger.Warn("price source returned stale quote",
				zap.String("source", q.Source),
				zap.String("symbol", symbol),
				zap.Duration("age", age),
			)
			continue
		}
		survivors = append(survivors, q)
	}
	return survivors
}

func (a *Aggregator) reduce(survivors []models.PriceQuote) models.ConsensusPrice {
	if len(survivors) == 1 {
		q := survivors[0]
		return models.ConsensusPrice{
			Price:      q.Price,
			Confidence: a.cfg.SingleSourceConfidence,
			Source:     q.Source,
			Timestamp:  q.Timestamp,
			Survivors:  1,
		}
	}

	median := medianPrice(survivors)
	confidence := a.confidence(maxPairwiseDeviation(survivors))

	// Label with the survivor closest to the median; the timestamp is
	// the freshest surviving quote's.
	dominant := survivors[0]
	bestDiff := models.RelativeDiff(dominant.Price, median)
	latest := survivors[0].Timestamp
	for _, q := range survivors[1:] {
		if d := models.RelativeDiff(q.Price, median); d < bestDiff {
			dominant, bestDiff = q, d
		}
		if q.Timestamp.After(latest) {
			latest = q.Timestamp
		}
	}

	return models.ConsensusPrice{
		Price:      median,
		Confidence: confidence,
		Source:     dominant.Source,
		Timestamp:  latest,
		Survivors:  len(survivors),
	}
}

// tightSlope shapes how fast confidence falls from 1.0 inside the tight
// band; at the band edge it meets ModerateConfidence territory.
const tightSlope = 5.0

// confidence maps the worst pairwise disagreement to [MinConfidence, 1].
// Never zero: one valid quote is always worth something.
func (a *Aggregator) confidence(deviation float64) float64 {
	switch {
	case deviation < a.cfg.TightBand:
		c := 1.0 - deviation*tightSlope
		if c < a.cfg.ModerateConfidence {
			return a.cfg.ModerateConfidence
		}
		return c
	case deviation < a.cfg.ModerateBand:
		return a.cfg.ModerateConfidence
	default:
		c := a.cfg.ModerateConfidence - (deviation-a.cfg.ModerateBand)*a.cfg.DegradeSlope
		if c < a.cfg.MinConfidence {
			return a.cfg.MinConfidence
		}
		return c
	}
}

func medianPrice(quotes []models.PriceQuote) decimal.Decimal {
	prices := make([]decimal.Decimal, len(quotes))
	for i, q := range quotes {
		prices[i] = q.Price
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i].LessThan(prices[j]) })

	mid := len(prices) / 2
	if len(prices)%2 == 1 {
		return prices[mid]
	}
	return prices[mid-1].Add(prices[mid]).Div(decimal.NewFromInt(2))
}

// maxPairwiseDeviation measures disagreement as |a-b| relative to the
// pair midpoint, maximized over all pairs.
func maxPairwiseDeviation(quotes []models.PriceQuote) float64 {
	var worst float64
	for i := 0; i < len(quotes); i++ {
		for j := i + 1; j < len(quotes); j++ {
			pi := models.ToFloat64(quotes[i].Price)
			pj := models.ToFloat64(quotes[j].Price)
			mid := (pi + pj) / 2
			if mid <= 0 {
				continue
			}
			dev := absFloat(pi-pj) / mid
			if dev > worst {
				worst = dev
			}
		}
	}
	return worst
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
