// Package engine wires the per-asset risk pipeline. Validated venue
// prints feed the toxicity clock, the inventory book and minute bars;
// periodic consensus and regime reads drive fee synthesis, the circuit
// breaker and gap auctions.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stockshield/risk-engine/internal/adapters/clickhouse"
	"github.com/stockshield/risk-engine/internal/adapters/config"
	"github.com/stockshield/risk-engine/internal/adapters/telegram"
	"github.com/stockshield/risk-engine/internal/auction"
	"github.com/stockshield/risk-engine/internal/consensus"
	"github.com/stockshield/risk-engine/internal/indicators"
	"github.com/stockshield/risk-engine/internal/risk"
	"github.com/stockshield/risk-engine/internal/session"
	"github.com/stockshield/risk-engine/internal/toxicity"
	"github.com/stockshield/risk-engine/pkg/logger"
	pkgmetrics "github.com/stockshield/risk-engine/pkg/metrics"
	"github.com/stockshield/risk-engine/pkg/models"
)

// ConsensusCache keeps the last good consensus reading per asset across
// restarts. The Redis adapter satisfies it.
type ConsensusCache interface {
	CacheConsensus(ctx context.Context, asset string, price models.ConsensusPrice, ttl time.Duration) error
	LastConsensus(ctx context.Context, asset string) (models.ConsensusPrice, error)
}

// Dependencies carries the shared components and optional sinks the
// engine publishes to. Aggregator, Classifier and Auctions are
// required; everything else may be nil and is skipped when absent.
type Dependencies struct {
	Aggregator *consensus.Aggregator
	Classifier *session.Classifier
	Auctions   *auction.Coordinator

	RiskRepo    *risk.Repository
	AuctionRepo *auction.Repository
	Metrics     pkgmetrics.Buffer
	Cache       ConsensusCache
	Bars        *clickhouse.BarBatchWriter
	TradeLog    *clickhouse.TradeBatchWriter
	Notifier    *telegram.Notifier
}

// tracker owns the live risk state for one asset. Trade-driven
// mutations come from a single ingest loop; snapshot assembly and the
// periodic loops only read or swap whole values under the lock.
type tracker struct {
	mu sync.RWMutex

	asset       string
	toxicity    *toxicity.Calculator
	inventory   *risk.InventoryTracker
	breaker     *risk.CircuitBreaker
	barBuilder  *indicators.BarBuilder
	indicators  *indicators.Calculator
	lastPrice   float64
	lastTradeAt time.Time
	volatility  float64
	consensus   models.ConsensusPrice
	feedStalled bool
}

// Engine coordinates the risk pipeline across all configured assets
type Engine struct {
	cfg         *config.Config
	synthesizer *risk.Synthesizer
	validator   *risk.Validator
	bands       toxicity.Bands
	deps        Dependencies
	trackers    map[string]*tracker
}

// New builds the engine with one tracker per configured asset
func New(cfg *config.Config, deps Dependencies) (*Engine, error) {
	if deps.Aggregator == nil || deps.Classifier == nil || deps.Auctions == nil {
		return nil, fmt.Errorf("aggregator, classifier and auction coordinator are required")
	}

	synthesizer, err := risk.NewSynthesizer(cfg.Fees, cfg.Breaker)
	if err != nil {
		return nil, err
	}

	trackers := make(map[string]*tracker, len(cfg.Engine.Assets))
	for _, asset := range cfg.Engine.Assets {
		calc, err := toxicity.New(cfg.Toxicity)
		if err != nil {
			return nil, fmt.Errorf("toxicity calculator for %s: %w", asset, err)
		}
		inventory, err := risk.NewInventoryTracker(cfg.Inventory, asset)
		if err != nil {
			return nil, fmt.Errorf("inventory tracker for %s: %w", asset, err)
		}
		builder, err := indicators.NewBarBuilder(asset, cfg.Engine.BarInterval)
		if err != nil {
			return nil, fmt.Errorf("bar builder for %s: %w", asset, err)
		}
		indicatorCalc, err := indicators.NewCalculator(cfg.Engine.VolatilityWindow)
		if err != nil {
			return nil, fmt.Errorf("indicator calculator for %s: %w", asset, err)
		}

		trackers[asset] = &tracker{
			asset:      asset,
			toxicity:   calc,
			inventory:  inventory,
			breaker:    risk.NewCircuitBreaker(deps.RiskRepo, asset),
			barBuilder: builder,
			indicators: indicatorCalc,
		}
	}

	logger.Info("risk engine initialized",
		zap.Strings("assets", cfg.Engine.Assets),
		zap.Duration("bar_interval", cfg.Engine.BarInterval),
	)

	return &Engine{
		cfg:         cfg,
		synthesizer: synthesizer,
		validator:   risk.NewValidator(),
		bands:       cfg.Severity,
		deps:        deps,
		trackers:    trackers,
	}, nil
}

// Assets returns the tracked asset symbols
func (e *Engine) Assets() []string {
	return e.cfg.Engine.Assets
}

func (e *Engine) tracker(asset string) (*tracker, error) {
	t, ok := e.trackers[asset]
	if !ok {
		return nil, fmt.Errorf("asset %s is not tracked", asset)
	}
	return t, nil
}

// ProcessTrade folds one venue print into the asset's risk state:
// toxicity clock, inventory book, bar construction and the archives.
// Rejected prints leave every component untouched.
func (e *Engine) ProcessTrade(ctx context.Context, ev models.TradeEvent) error {
	t, err := e.tracker(ev.Symbol)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if err := e.validator.ValidateTrade(ev, t.lastPrice); err != nil {
		t.mu.Unlock()
		logger.Warn("rejected trade",
			zap.String("asset", ev.Symbol),
			zap.Error(err),
		)
		return err
	}

	score := t.toxicity.ProcessTrade(ev.Volume, ev.Side == models.SideBuy)
	t.inventory.RecordFill(ev.Side, ev.Volume)

	if bar := t.barBuilder.Add(ev); bar != nil {
		t.indicators.AddBar(*bar)
		if vol, err := t.indicators.RelativeVolatility(); err == nil {
			t.volatility = vol
		}
		if e.deps.Bars != nil {
			e.deps.Bars.AddBar(*bar)
		}
	}

	t.lastPrice = models.ToFloat64(ev.Price)
	t.lastTradeAt = time.Now()
	recovered := t.feedStalled
	t.feedStalled = false
	t.mu.Unlock()

	if recovered {
		logger.Info("✅ trade feed recovered",
			zap.String("asset", ev.Symbol),
		)
		if e.deps.Notifier != nil {
			if err := e.deps.Notifier.SendFeedRecovered(ev.Symbol); err != nil {
				logger.Warn("failed to send feed recovery alert", zap.Error(err))
			}
		}
	}

	if e.deps.TradeLog != nil {
		e.deps.TradeLog.AddTrade(ev)
	}
	if e.deps.Metrics != nil {
		sample := &pkgmetrics.ToxicitySample{
			Timestamp:       ev.Timestamp,
			Asset:           ev.Symbol,
			Score:           score,
			Severity:        string(e.bands.Classify(score).Severity),
			FinishedBuckets: int(t.toxicity.FinishedBuckets()),
			BucketVolume:    t.toxicity.BucketVolume(),
		}
		if err := e.deps.Metrics.Add(sample); err != nil {
			logger.Warn("failed to buffer toxicity sample", zap.Error(err))
		}
	}

	return nil
}

// RefreshConsensus queries the price sources for one asset and stores
// and caches the aggregate for the synthesizer and the gap check. When
// every source fails, the last cached reading is restored instead, so a
// restarted engine is not blind until the sources come back.
func (e *Engine) RefreshConsensus(ctx context.Context, asset string) error {
	t, err := e.tracker(asset)
	if err != nil {
		return err
	}

	cp, err := e.deps.Aggregator.ConsensusPrice(ctx, asset)
	if err != nil {
		if e.restoreCachedConsensus(ctx, t) {
			return nil
		}
		return fmt.Errorf("consensus for %s: %w", asset, err)
	}

	t.mu.Lock()
	t.consensus = cp
	t.mu.Unlock()

	if e.deps.Cache != nil {
		if err := e.deps.Cache.CacheConsensus(ctx, asset, cp, e.cfg.Consensus.StaleAfter); err != nil {
			logger.Warn("failed to cache consensus price",
				zap.String("asset", asset),
				zap.Error(err),
			)
		}
	}
	if e.deps.Metrics != nil {
		sample := &pkgmetrics.ConsensusSample{
			Timestamp:  cp.Timestamp,
			Asset:      asset,
			Price:      models.ToFloat64(cp.Price),
			Confidence: cp.Confidence,
			Source:     cp.Source,
			Survivors:  cp.Survivors,
		}
		if err := e.deps.Metrics.Add(sample); err != nil {
			logger.Warn("failed to buffer consensus sample", zap.Error(err))
		}
	}

	return nil
}

// restoreCachedConsensus adopts the cached consensus reading when it is
// newer than the tracker's. The cached timestamp is kept, so a reading
// past its stale window still trips the oracle-stale breaker flag.
func (e *Engine) restoreCachedConsensus(ctx context.Context, t *tracker) bool {
	if e.deps.Cache == nil {
		return false
	}

	cached, err := e.deps.Cache.LastConsensus(ctx, t.asset)
	if err != nil {
		return false
	}

	t.mu.Lock()
	adopted := cached.Timestamp.After(t.consensus.Timestamp)
	if adopted {
		t.consensus = cached
	}
	t.mu.Unlock()

	if adopted {
		logger.Warn("⚠️ consensus sources unavailable, restored cached reading",
			zap.String("asset", t.asset),
			zap.Time("cached_at", cached.Timestamp),
		)
	}
	return adopted
}

// WarmRestore seeds each tracker with the consensus reading a previous
// run cached, so fee synthesis is not blind between boot and the first
// source sweep. Assets with nothing cached are skipped quietly.
func (e *Engine) WarmRestore(ctx context.Context) {
	if e.deps.Cache == nil {
		return
	}

	restored := 0
	for _, t := range e.trackers {
		cached, err := e.deps.Cache.LastConsensus(ctx, t.asset)
		if err != nil {
			continue
		}
		t.mu.Lock()
		if cached.Timestamp.After(t.consensus.Timestamp) {
			t.consensus = cached
			restored++
		}
		t.mu.Unlock()
	}
	if restored > 0 {
		logger.Info("restored cached consensus readings", zap.Int("assets", restored))
	}
}

// OpenGapAuction compares the last venue print against the stored
// consensus and opens an auction when the venue has dislocated beyond
// the coordinator's threshold. The regime worker calls this on
// transitions out of closed or illiquid periods; a cheap no-op when
// prices agree or either side is missing.
func (e *Engine) OpenGapAuction(ctx context.Context, asset string, now time.Time) error {
	t, err := e.tracker(asset)
	if err != nil {
		return err
	}

	t.mu.RLock()
	venuePrice := t.lastPrice
	cp := t.consensus
	t.mu.RUnlock()

	if venuePrice > 0 {
		e.maybeOpenAuction(ctx, asset, venuePrice, cp, now)
	}
	return nil
}

// maybeOpenAuction asks the coordinator to open a session for a venue
// price dislocated from consensus, then records and announces it.
func (e *Engine) maybeOpenAuction(ctx context.Context, asset string, venuePrice float64, cp models.ConsensusPrice, now time.Time) {
	sess := e.deps.Auctions.MaybeOpen(asset, models.NewDecimal(venuePrice), cp.Price, now)
	if sess == nil {
		return
	}

	snap := sess.SnapshotAt(now)

	if e.deps.AuctionRepo != nil {
		if err := e.deps.AuctionRepo.SaveOpened(ctx, snap); err != nil {
			logger.Error("failed to persist opened auction",
				zap.String("session_id", snap.ID),
				zap.Error(err),
			)
		}
	}
	if e.deps.RiskRepo != nil {
		_ = e.deps.RiskRepo.LogRiskEvent(ctx, asset, risk.EventAuctionOpened,
			"gap auction opened", map[string]interface{}{
				"session_id": snap.ID,
				"gap":        models.ToFloat64(snap.Gap),
				"venue":      venuePrice,
				"consensus":  models.ToFloat64(cp.Price),
			})
	}
	if e.deps.Notifier != nil {
		err := e.deps.Notifier.SendAuctionOpened(snap.ID, asset,
			models.ToFloat64(snap.Gap), models.ToFloat64(snap.CurrentFloor))
		if err != nil {
			logger.Warn("failed to send auction alert", zap.Error(err))
		}
	}
}

// CommitBid forwards a sealed commitment into the asset's live auction
func (e *Engine) CommitBid(sessionID, bidder, commitment string) error {
	return e.deps.Auctions.Commit(sessionID, bidder, commitment, time.Now())
}

// RevealBid forwards a bid reveal into the asset's live auction
func (e *Engine) RevealBid(sessionID, bidder string, bid float64, salt string) error {
	return e.deps.Auctions.Reveal(sessionID, bidder, models.NewDecimal(bid), salt, time.Now())
}

// SettleAuctions settles every session whose reveal deadline has
// passed, persists the outcomes and announces them.
func (e *Engine) SettleAuctions(ctx context.Context, now time.Time) []models.AuctionOutcome {
	outcomes := e.deps.Auctions.SettleDue(now)

	for _, out := range outcomes {
		if e.deps.AuctionRepo != nil {
			err := e.deps.AuctionRepo.SaveSettlement(ctx, out.SessionID, out.Winner,
				out.WinningBid, out.LPShare, out.GapLoss, out.Reveals, out.SettledAt)
			if err != nil {
				logger.Error("failed to persist auction settlement",
					zap.String("session_id", out.SessionID),
					zap.Error(err),
				)
			}
		}
		if e.deps.RiskRepo != nil {
			_ = e.deps.RiskRepo.LogRiskEvent(ctx, out.Asset, risk.EventAuctionSettled,
				"gap auction settled", map[string]interface{}{
					"session_id":  out.SessionID,
					"winner":      out.Winner,
					"winning_bid": models.ToFloat64(out.WinningBid),
					"lp_share":    models.ToFloat64(out.LPShare),
					"gap_loss":    models.ToFloat64(out.GapLoss),
					"reveals":     out.Reveals,
				})
		}
		if e.deps.Notifier != nil {
			if err := e.deps.Notifier.SendAuctionSettled(out); err != nil {
				logger.Warn("failed to send settlement alert", zap.Error(err))
			}
		}
	}

	return outcomes
}

// EvaluateRisk synthesizes the current fee and breaker state for one
// asset and returns the full snapshot. The breaker recorder is updated
// as a side effect, so transitions alert exactly once.
func (e *Engine) EvaluateRisk(ctx context.Context, asset string, now time.Time) (models.RiskSnapshot, error) {
	t, err := e.tracker(asset)
	if err != nil {
		return models.RiskSnapshot{}, err
	}

	regime := e.deps.Classifier.At(now)

	t.mu.RLock()
	score := t.toxicity.Score()
	in := risk.Inputs{
		Toxicity:           score,
		Volatility:         t.volatility,
		InventoryImbalance: t.inventory.Imbalance(),
		Regime:             regime,
		Consensus:          t.consensus,
		VenuePrice:         t.lastPrice,
	}
	t.mu.RUnlock()

	feeRate, state := e.synthesizer.Assess(in, now)

	previousLevel := t.breaker.Level()
	if t.breaker.Update(state, now) && e.deps.Notifier != nil {
		if err := e.deps.Notifier.SendBreakerAlert(t.breaker.GetStatus(), previousLevel); err != nil {
			logger.Warn("failed to send breaker alert", zap.Error(err))
		}
	}

	snapshot := models.RiskSnapshot{
		Timestamp:           now,
		Asset:               asset,
		Regime:              regime.Regime.String(),
		Fee:                 models.NewDecimal(feeRate),
		FeeRate:             feeRate,
		BreakerLevel:        state.Level,
		BreakerFlags:        state.Flags,
		Toxicity:            in.Toxicity,
		ToxicitySeverity:    string(e.bands.Classify(in.Toxicity).Severity),
		Volatility:          in.Volatility,
		InventoryImbalance:  in.InventoryImbalance,
		ConsensusPrice:      in.Consensus.Price,
		ConsensusConfidence: in.Consensus.Confidence,
		ConsensusSource:     in.Consensus.Source,
	}

	if e.deps.Metrics != nil {
		quote := &pkgmetrics.FeeQuote{
			Timestamp:    now,
			Asset:        asset,
			Regime:       snapshot.Regime,
			FeeRate:      feeRate,
			Toxicity:     in.Toxicity,
			Volatility:   in.Volatility,
			Imbalance:    in.InventoryImbalance,
			BreakerLevel: state.Level,
		}
		if err := e.deps.Metrics.Add(quote); err != nil {
			logger.Warn("failed to buffer fee quote", zap.Error(err))
		}
	}

	return snapshot, nil
}

// Paused reports whether the asset's circuit breaker is at full pause
func (e *Engine) Paused(asset string) bool {
	t, err := e.tracker(asset)
	if err != nil {
		return false
	}
	return t.breaker.Paused()
}

// BreakerStatus returns the breaker recorder state for one asset
func (e *Engine) BreakerStatus(asset string) (risk.CircuitBreakerStatus, error) {
	t, err := e.tracker(asset)
	if err != nil {
		return risk.CircuitBreakerStatus{}, err
	}
	return t.breaker.GetStatus(), nil
}

// InventoryStatus returns the inventory book state for one asset
func (e *Engine) InventoryStatus(asset string) (risk.InventoryStatus, error) {
	t, err := e.tracker(asset)
	if err != nil {
		return risk.InventoryStatus{}, err
	}
	return t.inventory.GetStatus(), nil
}

// ResetToxicity returns an asset's volume clock to a fresh state. The
// regime worker calls this when a transition crosses a session gap, so
// overnight flow does not poison the next day's readings.
func (e *Engine) ResetToxicity(asset string) error {
	t, err := e.tracker(asset)
	if err != nil {
		return err
	}
	t.toxicity.Reset()
	logger.Info("toxicity clock reset",
		zap.String("asset", asset),
	)
	return nil
}

// Recalibrate re-derives an asset's bucket capacity from a fresh
// average daily volume estimate
func (e *Engine) Recalibrate(asset string, avgDailyVolume float64) error {
	t, err := e.tracker(asset)
	if err != nil {
		return err
	}
	t.toxicity.Recalibrate(avgDailyVolume)
	return nil
}

// CheckFeedHealth flags assets whose print stream has gone quiet for
// longer than staleAfter. Each stall alerts once; recovery is detected
// by the next accepted print.
func (e *Engine) CheckFeedHealth(ctx context.Context, now time.Time, staleAfter time.Duration) {
	for asset, t := range e.trackers {
		t.mu.Lock()
		silent := time.Duration(0)
		stalling := false
		if !t.lastTradeAt.IsZero() {
			silent = now.Sub(t.lastTradeAt)
			stalling = silent > staleAfter && !t.feedStalled
		}
		if stalling {
			t.feedStalled = true
		}
		t.mu.Unlock()

		if !stalling {
			continue
		}

		logger.Warn("⚠️ trade feed stalled",
			zap.String("asset", asset),
			zap.Duration("silent_for", silent),
		)
		if e.deps.RiskRepo != nil {
			_ = e.deps.RiskRepo.LogRiskEvent(ctx, asset, risk.EventFeedStalled,
				"no prints from venue feed", map[string]interface{}{
					"silent_for": silent.String(),
				})
		}
		if e.deps.Notifier != nil {
			if err := e.deps.Notifier.SendFeedStalled(asset, silent); err != nil {
				logger.Warn("failed to send feed stall alert", zap.Error(err))
			}
		}
	}
}

// LastPrice returns the most recent accepted venue print for an asset
func (e *Engine) LastPrice(asset string) (float64, error) {
	t, err := e.tracker(asset)
	if err != nil {
		return 0, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastPrice, nil
}

// Consensus returns the last stored consensus reading for an asset
func (e *Engine) Consensus(asset string) (models.ConsensusPrice, error) {
	t, err := e.tracker(asset)
	if err != nil {
		return models.ConsensusPrice{}, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.consensus, nil
}

// AssetStatus is a point-in-time operational summary of one tracked
// asset, served by the health endpoint. Trend and SMA20 stay empty
// until enough bars have completed to derive them.
type AssetStatus struct {
	Asset        string                `json:"asset"`
	LastPrice    float64               `json:"last_price"`
	LastTradeAt  time.Time             `json:"last_trade_at"`
	Toxicity     float64               `json:"toxicity"`
	Severity     string                `json:"severity"`
	BreakerLevel int                   `json:"breaker_level"`
	Paused       bool                  `json:"paused"`
	FeedStalled  bool                  `json:"feed_stalled"`
	Consensus    models.ConsensusPrice `json:"consensus"`
	Trend        string                `json:"trend,omitempty"`
	SMA20        float64               `json:"sma_20,omitempty"`
	Auction      *auction.Snapshot     `json:"auction,omitempty"`
}

// Status assembles the operational summary for one asset
func (e *Engine) Status(asset string) (AssetStatus, error) {
	t, err := e.tracker(asset)
	if err != nil {
		return AssetStatus{}, err
	}

	t.mu.RLock()
	score := t.toxicity.Score()
	status := AssetStatus{
		Asset:        asset,
		LastPrice:    t.lastPrice,
		LastTradeAt:  t.lastTradeAt,
		Toxicity:     score,
		Severity:     string(e.bands.Classify(score).Severity),
		BreakerLevel: t.breaker.Level(),
		Paused:       t.breaker.Paused(),
		FeedStalled:  t.feedStalled,
		Consensus:    t.consensus,
	}
	t.mu.RUnlock()

	// The indicator window and the coordinator carry their own locks.
	if sma, err := t.indicators.SMA(20); err == nil {
		status.SMA20 = sma
	}
	if trend, err := t.indicators.DetectTrend(); err == nil {
		status.Trend = trend
	}
	if sess, ok := e.deps.Auctions.ActiveSession(asset); ok {
		snap := sess.SnapshotAt(time.Now())
		status.Auction = &snap
	}

	return status, nil
}

// RecentSettlements returns the last settled auctions for an asset from
// the durable record, newest first. Empty without a repository.
func (e *Engine) RecentSettlements(ctx context.Context, asset string, limit int) ([]auction.SessionRecord, error) {
	if e.deps.AuctionRepo == nil {
		return nil, nil
	}
	return e.deps.AuctionRepo.RecentSettlements(ctx, asset, limit)
}

// CurrentRegime returns the classifier's reading for the present instant
func (e *Engine) CurrentRegime() session.RegimeInfo {
	return e.deps.Classifier.Current()
}
