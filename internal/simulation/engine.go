// Package simulation replays a trading scenario through the live risk
// components and books LP outcomes twice: once for a venue on a flat
// fee with no protection, once for a venue running the adaptive fee,
// breaker and gap auctions. Run generates a synthetic tape that is
// deterministic under a seed and touches no external system; RunArchive
// walks a stretch of archived prints through the same accounting.
package simulation

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stockshield/risk-engine/internal/adapters/price"
	"github.com/stockshield/risk-engine/internal/auction"
	"github.com/stockshield/risk-engine/internal/consensus"
	"github.com/stockshield/risk-engine/internal/indicators"
	"github.com/stockshield/risk-engine/internal/risk"
	"github.com/stockshield/risk-engine/internal/session"
	"github.com/stockshield/risk-engine/internal/toxicity"
	"github.com/stockshield/risk-engine/pkg/logger"
	"github.com/stockshield/risk-engine/pkg/models"
)

// Config represents simulation configuration
type Config struct {
	Asset            string
	Days             int
	Seed             int64
	StartDate        time.Time // midnight ET; zero value picks a built-in Friday
	InitialPrice     float64
	InitialLPBalance float64
	GapDepthShares   float64 // shares filled at the stale quote across a reopen
	StaticFeeRate    float64 // the unprotected venue's flat fee
	InformedAlpha    float64 // mean informed edge as a fraction of notional

	Toxicity  toxicity.Config
	Session   session.Config
	Consensus consensus.Config
	Auction   auction.Config
	Fees      risk.FeeConfig
	Breaker   risk.BreakerConfig
	Inventory risk.InventoryConfig
}

// DefaultConfig returns a week-long single-asset scenario with the
// production component defaults.
func DefaultConfig() Config {
	return Config{
		Asset:            "AAPL",
		Days:             7,
		Seed:             42,
		InitialPrice:     187.0,
		InitialLPBalance: 10_000_000,
		GapDepthShares:   20_000,
		StaticFeeRate:    0.0030,
		InformedAlpha:    0.0040,
		Toxicity: toxicity.Config{
			BucketsPerDay:      50,
			WindowBuckets:      20,
			MinBucketVolume:    100,
			MaxBucketVolume:    1_000_000,
			AverageDailyVolume: 125_000,
		},
		Session: session.Config{Timezone: "America/New_York"},
		Consensus: consensus.Config{
			QueryTimeout:           time.Second,
			StaleAfter:             60 * time.Second,
			TightBand:              0.01,
			ModerateBand:           0.05,
			ModerateConfidence:     0.8,
			DegradeSlope:           6.0,
			MinConfidence:          0.2,
			SingleSourceConfidence: 0.5,
		},
		Auction: auction.Config{
			CommitWindow:       30 * time.Second,
			RevealWindow:       30 * time.Second,
			MinGapFraction:     0.005,
			FloorStartFraction: 0.70,
			FloorDecayWindow:   5 * time.Minute,
			LPShareFraction:    0.70,
		},
		Fees: risk.FeeConfig{Alpha: 0.5, Beta: 0.01, Gamma: 0.005, Delta: 0.002},
		Breaker: risk.BreakerConfig{
			ToxicityHigh:          0.7,
			ToxicityExtreme:       0.8,
			OracleStaleAfter:      60 * time.Second,
			MaxPriceDeviation:     0.05,
			MaxInventoryImbalance: 0.8,
		},
		Inventory: risk.InventoryConfig{Target: 0, MaxDeviation: 50_000},
	}
}

// refSource replays the generator's reference price as one consensus
// source with its own deterministic jitter stream.
type refSource struct {
	name   string
	jitter float64
	rng    *rand.Rand

	mu    sync.Mutex
	price float64
}

func (s *refSource) GetQuote(ctx context.Context, symbol string) (models.PriceQuote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	px := s.price * (1 + s.jitter*(2*s.rng.Float64()-1))
	return models.PriceQuote{
		Source:    s.name,
		Price:     models.NewDecimal(px),
		Timestamp: time.Now(),
	}, nil
}

func (s *refSource) GetName() string { return s.name }

func (s *refSource) SetPrice(p float64) {
	s.mu.Lock()
	s.price = p
	s.mu.Unlock()
}

// book accumulates one venue's LP P&L components in dollars.
type book struct {
	fees         float64
	adverseSel   float64
	gapLoss      float64
	auctionGains float64
}

func (b book) outcome(impermanentLoss float64) Outcome {
	return Outcome{
		FeesEarned:           b.fees,
		ImpermanentLoss:      impermanentLoss,
		AdverseSelectionLoss: b.adverseSel,
		GapLoss:              b.gapLoss,
		GapAuctionGains:      b.auctionGains,
		NetPnL:               b.fees + b.auctionGains - impermanentLoss - b.adverseSel - b.gapLoss,
	}
}

// Engine replays one scenario through the real components.
type Engine struct {
	cfg Config

	classifier  *session.Classifier
	toxicity    *toxicity.Calculator
	sources     []*refSource
	aggregator  *consensus.Aggregator
	coordinator *auction.Coordinator
	synthesizer *risk.Synthesizer
	breaker     *risk.CircuitBreaker
	inventory   *risk.InventoryTracker
	barBuilder  *indicators.BarBuilder
	indicators  *indicators.Calculator

	// bidder behavior draws from its own stream so tuning the tape
	// never reshuffles auction outcomes
	rng *rand.Rand
}

// NewEngine builds a simulation engine from the scenario config.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Days <= 0 {
		return nil, fmt.Errorf("simulation: days must be positive, got %d", cfg.Days)
	}
	if cfg.InitialPrice <= 0 || cfg.InitialLPBalance <= 0 {
		return nil, fmt.Errorf("simulation: initial price and LP balance must be positive")
	}
	if cfg.GapDepthShares <= 0 {
		return nil, fmt.Errorf("simulation: gap depth must be positive, got %f", cfg.GapDepthShares)
	}

	classifier, err := session.NewClassifier(cfg.Session)
	if err != nil {
		return nil, err
	}
	calc, err := toxicity.New(cfg.Toxicity)
	if err != nil {
		return nil, err
	}

	sources := []*refSource{
		{name: "finnhub", jitter: 0.0005, rng: rand.New(rand.NewSource(cfg.Seed + 1)), price: cfg.InitialPrice},
		{name: "polygon", jitter: 0.0008, rng: rand.New(rand.NewSource(cfg.Seed + 2)), price: cfg.InitialPrice},
		{name: "venue", jitter: 0.0012, rng: rand.New(rand.NewSource(cfg.Seed + 3)), price: cfg.InitialPrice},
	}
	srcIfaces := make([]price.Source, len(sources))
	for i, s := range sources {
		srcIfaces[i] = s
	}
	aggregator, err := consensus.NewAggregator(cfg.Consensus, srcIfaces)
	if err != nil {
		return nil, err
	}

	coordinator, err := auction.NewCoordinator(cfg.Auction)
	if err != nil {
		return nil, err
	}
	synthesizer, err := risk.NewSynthesizer(cfg.Fees, cfg.Breaker)
	if err != nil {
		return nil, err
	}
	inventory, err := risk.NewInventoryTracker(cfg.Inventory, cfg.Asset)
	if err != nil {
		return nil, err
	}
	barBuilder, err := indicators.NewBarBuilder(cfg.Asset, time.Minute)
	if err != nil {
		return nil, err
	}
	indicatorCalc, err := indicators.NewCalculator(120)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:         cfg,
		classifier:  classifier,
		toxicity:    calc,
		sources:     sources,
		aggregator:  aggregator,
		coordinator: coordinator,
		synthesizer: synthesizer,
		breaker:     risk.NewCircuitBreaker(nil, cfg.Asset),
		inventory:   inventory,
		barBuilder:  barBuilder,
		indicators:  indicatorCalc,
		rng:         rand.New(rand.NewSource(cfg.Seed + 77)),
	}, nil
}

// Run replays the scenario minute by minute and returns the report.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	start := e.cfg.StartDate
	if start.IsZero() {
		// A Friday, so the default week carries one weekend reopen
		start = time.Date(2025, 6, 6, 0, 0, 0, 0, e.classifier.Location())
	} else {
		// Scenario days run midnight to midnight in venue time no
		// matter which zone the date was parsed in
		y, m, d := start.Date()
		start = time.Date(y, m, d, 0, 0, 0, 0, e.classifier.Location())
	}
	end := start.AddDate(0, 0, e.cfg.Days)

	logger.Info("starting LP protection simulation",
		zap.String("asset", e.cfg.Asset),
		zap.Time("start", start),
		zap.Int("days", e.cfg.Days),
		zap.Int64("seed", e.cfg.Seed),
	)

	gen := newGenerator(e.cfg.Seed, e.classifier, e.cfg.InitialPrice, e.cfg.InformedAlpha)

	var (
		without book
		with    book

		priceData []PricePoint
		vpinData  []VPINPoint
		tradeData []TradePoint

		firstPrice, lastPrice float64
	)

	for ts := start.Add(time.Minute); !ts.After(end); ts = ts.Add(time.Minute) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		step := gen.step(ts)
		if firstPrice == 0 {
			firstPrice = step.Price
		}
		lastPrice = step.Price

		if step.Gap != 0 {
			e.handleGap(step, ts, &without, &with)
		}

		// Sweep open auctions; deadlines are judged against the
		// simulated clock.
		e.settleDue(ts, &with)

		if !step.Regime.Regime.Closed() {
			e.stepOpenMinute(ctx, step, ts, &without, &with, &vpinData, &tradeData)
		}

		priceData = append(priceData, PricePoint{
			Timestamp: ts.UnixMilli(),
			Price:     step.Price,
			Regime:    step.Regime.Regime.String(),
		})
	}

	// Anything still in its reveal window at the end settles now
	e.settleDue(end.Add(e.cfg.Auction.CommitWindow+e.cfg.Auction.RevealWindow+time.Minute), &with)

	il := impermanentLoss(firstPrice, lastPrice, e.cfg.InitialLPBalance)

	report := &Report{
		Config: ReportConfig{
			SimulationDays:   e.cfg.Days,
			InitialLPBalance: e.cfg.InitialLPBalance,
		},
		Asset:             e.cfg.Asset,
		PriceData:         priceData,
		VPINData:          vpinData,
		TradeData:         tradeData,
		WithoutProtection: without.outcome(il),
		WithProtection:    with.outcome(il),
	}
	report.Comparison = Comparison{
		FeeImprovement:            report.WithProtection.FeesEarned - report.WithoutProtection.FeesEarned,
		AdverseSelectionReduction: report.WithoutProtection.AdverseSelectionLoss - report.WithProtection.AdverseSelectionLoss,
		GapProtectionValue: (report.WithoutProtection.GapLoss - report.WithProtection.GapLoss) +
			report.WithProtection.GapAuctionGains,
	}

	logger.Info("simulation completed",
		zap.Int("prints", len(tradeData)),
		zap.Float64("net_without", report.WithoutProtection.NetPnL),
		zap.Float64("net_with", report.WithProtection.NetPnL),
	)

	return report, nil
}

// stepOpenMinute processes one open-market minute: consensus refresh,
// fee and breaker evaluation, then the minute's tape against both books.
func (e *Engine) stepOpenMinute(
	ctx context.Context,
	step Step,
	ts time.Time,
	without, with *book,
	vpinData *[]VPINPoint,
	tradeData *[]TradePoint,
) {
	for _, s := range e.sources {
		s.SetPrice(step.Price)
	}
	cp, err := e.aggregator.ConsensusPrice(ctx, e.cfg.Asset)
	if err != nil {
		cp = models.ConsensusPrice{}
	}

	vol, err := e.indicators.RelativeVolatility()
	if err != nil {
		vol = 0 // warmup
	}

	feeRate, state := e.synthesizer.Assess(risk.Inputs{
		Toxicity:           e.toxicity.Score(),
		Volatility:         vol,
		InventoryImbalance: e.inventory.Imbalance(),
		Regime:             step.Regime,
		Consensus:          cp,
		VenuePrice:         step.Price,
	}, ts)
	e.breaker.Update(state, ts)
	paused := e.breaker.Paused()

	for _, tr := range step.Trades {
		notional := tr.Volume * step.Price

		// The tape is market-wide: toxicity and bars see every print
		// regardless of which venue filled it.
		e.toxicity.ProcessTrade(tr.Volume, tr.IsBuy)
		e.observePrint(ts, step.Price, tr)

		// Flat-fee venue fills anything whose edge clears its fee
		if !tr.Informed || tr.Edge > e.cfg.StaticFeeRate {
			without.fees += notional * e.cfg.StaticFeeRate
			if tr.Informed {
				without.adverseSel += notional * tr.Edge
			}
		}

		// Protected venue prices the same flow adaptively and stops
		// quoting entirely under a full breaker pause
		if !paused && (!tr.Informed || tr.Edge > feeRate) {
			with.fees += notional * feeRate
			if tr.Informed {
				with.adverseSel += notional * tr.Edge
			}
			side := models.SideSell
			if tr.IsBuy {
				side = models.SideBuy
			}
			e.inventory.RecordFill(side, tr.Volume)
		}

		*tradeData = append(*tradeData, TradePoint{
			Timestamp:  ts.UnixMilli(),
			Volume:     notional,
			IsInformed: tr.Informed,
			IsBuy:      tr.IsBuy,
		})
	}

	*vpinData = append(*vpinData, VPINPoint{
		Timestamp: ts.UnixMilli(),
		VPIN:      e.toxicity.Score(),
	})
}

// observePrint folds a print into the minute bars feeding volatility.
func (e *Engine) observePrint(ts time.Time, px float64, tr Trade) {
	side := models.SideSell
	if tr.IsBuy {
		side = models.SideBuy
	}
	completed := e.barBuilder.Add(models.TradeEvent{
		Timestamp: ts,
		Symbol:    e.cfg.Asset,
		Price:     models.NewDecimal(px),
		Volume:    tr.Volume,
		Side:      side,
	})
	if completed != nil {
		e.indicators.AddBar(*completed)
	}
}

// handleGap books the reopen pick-off against both venues and runs the
// gap auction for the protected one.
func (e *Engine) handleGap(step Step, ts time.Time, without, with *book) {
	stale := step.Price / (1 + step.Gap)
	gapPerShare := math.Abs(step.Price - stale)
	loss := gapPerShare * e.cfg.GapDepthShares

	without.gapLoss += loss
	with.gapLoss += loss

	// The volume clock restarts with the session
	e.toxicity.Reset()

	sess := e.coordinator.MaybeOpen(e.cfg.Asset, models.NewDecimal(stale), models.NewDecimal(step.Price), ts)
	if sess == nil {
		return
	}

	// Occasionally nobody shows up and the whole gap is lost anyway
	if e.rng.Float64() < 0.10 {
		return
	}

	// Arbitrageurs bid per-share fractions of the gap. A gap far
	// beyond recent true range is obvious money and draws tighter bids.
	lowBid, bidSpread := 0.72, 0.18
	if atr, err := e.indicators.ATR(14); err == nil && atr > 0 && gapPerShare > 2*atr {
		lowBid, bidSpread = 0.80, 0.15
	}

	bidders := 2 + e.rng.Intn(3)
	for i := 0; i < bidders; i++ {
		bidder := fmt.Sprintf("arb-%d", i+1)
		bid := models.NewDecimal(gapPerShare * (lowBid + bidSpread*e.rng.Float64()))
		salt := fmt.Sprintf("%016x", e.rng.Int63())

		commitment := auction.ComputeCommitment(bidder, bid, salt)
		if err := e.coordinator.Commit(sess.ID(), bidder, commitment, ts.Add(2*time.Second)); err != nil {
			continue
		}
		revealAt := ts.Add(e.cfg.Auction.CommitWindow + 2*time.Second)
		if err := e.coordinator.Reveal(sess.ID(), bidder, bid, salt, revealAt); err != nil {
			logger.Debug("simulated reveal rejected",
				zap.String("bidder", bidder),
				zap.Error(err),
			)
		}
	}
}

// settleDue books LP shares from auctions whose reveal deadline passed.
func (e *Engine) settleDue(ts time.Time, with *book) {
	for _, out := range e.coordinator.SettleDue(ts) {
		with.auctionGains += models.ToFloat64(out.LPShare) * e.cfg.GapDepthShares
	}
}

// impermanentLoss is the constant-product divergence loss against
// holding, in dollars on the initial balance.
func impermanentLoss(first, last, balance float64) float64 {
	if first <= 0 || last <= 0 {
		return 0
	}
	r := last / first
	return (1 - 2*math.Sqrt(r)/(1+r)) * balance
}

// ReportConfig echoes the scenario parameters consumers care about.
type ReportConfig struct {
	SimulationDays   int     `json:"simulationDays"`
	InitialLPBalance float64 `json:"initialLPBalance"`
}

// PricePoint is one minute of the reference price series.
type PricePoint struct {
	Timestamp int64   `json:"timestamp"`
	Price     float64 `json:"price"`
	Regime    string  `json:"regime"`
}

// VPINPoint samples the toxicity score once per open minute.
type VPINPoint struct {
	Timestamp int64   `json:"timestamp"`
	VPIN      float64 `json:"vpin"`
}

// TradePoint is one tape print with its dollar notional.
type TradePoint struct {
	Timestamp  int64   `json:"timestamp"`
	Volume     float64 `json:"volume"`
	IsInformed bool    `json:"isInformed"`
	IsBuy      bool    `json:"isBuy"`
}

// Outcome is one venue's LP P&L attribution in dollars.
type Outcome struct {
	FeesEarned           float64 `json:"feesEarned"`
	ImpermanentLoss      float64 `json:"impermanentLoss"`
	AdverseSelectionLoss float64 `json:"adverseSelectionLoss"`
	GapLoss              float64 `json:"gapLoss"`
	GapAuctionGains      float64 `json:"gapAuctionGains"`
	NetPnL               float64 `json:"netPnL"`
}

// Comparison attributes the protected venue's advantage.
type Comparison struct {
	FeeImprovement            float64 `json:"feeImprovement"`
	AdverseSelectionReduction float64 `json:"adverseSelectionReduction"`
	GapProtectionValue        float64 `json:"gapProtectionValue"`
}

// Report is the full simulation output consumed by the graph tooling.
type Report struct {
	Config            ReportConfig `json:"config"`
	Asset             string       `json:"asset"`
	PriceData         []PricePoint `json:"priceData"`
	VPINData          []VPINPoint  `json:"vpinData"`
	TradeData         []TradePoint `json:"tradeData"`
	WithoutProtection Outcome      `json:"withoutProtection"`
	WithProtection    Outcome      `json:"withProtection"`
	Comparison        Comparison   `json:"comparison"`
}

// WriteJSON writes the report where the chart generator expects it.
func (r *Report) WriteJSON(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// Print prints simulation results
func (r *Report) Print() {
	fmt.Println("\n" + strings.Repeat("=", 60))
	fmt.Println("LP PROTECTION SIMULATION")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("\nAsset: %s\n", r.Asset)
	fmt.Printf("Period: %d days, %d prints\n", r.Config.SimulationDays, len(r.TradeData))
	fmt.Printf("Initial LP Balance: $%.2f\n", r.Config.InitialLPBalance)

	printOutcome := func(label string, o Outcome) {
		fmt.Printf("\n%s:\n", label)
		fmt.Printf("  Fees Earned:        $%.2f\n", o.FeesEarned)
		fmt.Printf("  Impermanent Loss:   -$%.2f\n", o.ImpermanentLoss)
		fmt.Printf("  Adverse Selection:  -$%.2f\n", o.AdverseSelectionLoss)
		fmt.Printf("  Gap Losses:         -$%.2f\n", o.GapLoss)
		fmt.Printf("  Gap Auction Gains:  $%.2f\n", o.GapAuctionGains)
		fmt.Printf("  Net PnL:            $%.2f\n", o.NetPnL)
	}

	printOutcome("WITHOUT PROTECTION", r.WithoutProtection)
	printOutcome("WITH PROTECTION", r.WithProtection)

	fmt.Println("\nPROTECTION VALUE:")
	fmt.Printf("  Higher Fees:              $%.2f\n", r.Comparison.FeeImprovement)
	fmt.Printf("  Adverse Selection Saved:  $%.2f\n", r.Comparison.AdverseSelectionReduction)
	fmt.Printf("  Gap Protection:           $%.2f\n", r.Comparison.GapProtectionValue)
	fmt.Printf("  Net Improvement:          $%.2f\n", r.WithProtection.NetPnL-r.WithoutProtection.NetPnL)

	fmt.Println(strings.Repeat("=", 60))
}
