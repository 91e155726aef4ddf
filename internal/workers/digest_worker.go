package workers

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stockshield/risk-engine/internal/auction"
	"github.com/stockshield/risk-engine/internal/risk"
	"github.com/stockshield/risk-engine/pkg/logger"
	"github.com/stockshield/risk-engine/pkg/models"
)

// AssetDigest is one asset's trailing-window roll-up of breaker,
// auction and feed activity.
type AssetDigest struct {
	Asset              string
	BreakerEscalations int
	PeakBreakerLevel   int
	AuctionsOpened     int
	AuctionsSettled    int
	FeedStalls         int
	LPGains            float64
}

func (d AssetDigest) quiet() bool {
	return d.BreakerEscalations == 0 &&
		d.AuctionsOpened == 0 &&
		d.AuctionsSettled == 0 &&
		d.FeedStalls == 0 &&
		d.LPGains == 0
}

// DigestWorker logs one digest line per asset from the durable record:
// how often the breaker escalated and how far, auction counts and the
// LP share they recovered, and feed stalls. Assets with a silent window
// are skipped.
type DigestWorker struct {
	assets      []string
	riskRepo    *risk.Repository
	auctionRepo *auction.Repository
	window      time.Duration
}

// NewDigestWorker creates the daily risk digest worker
func NewDigestWorker(assets []string, riskRepo *risk.Repository, auctionRepo *auction.Repository) *DigestWorker {
	return &DigestWorker{
		assets:      assets,
		riskRepo:    riskRepo,
		auctionRepo: auctionRepo,
		window:      24 * time.Hour,
	}
}

// Name returns worker name
func (w *DigestWorker) Name() string {
	return "risk_digest"
}

// Run logs the digest for every asset with activity in the window
func (w *DigestWorker) Run(ctx context.Context) error {
	since := time.Now().Add(-w.window)

	for _, asset := range w.assets {
		digest, err := w.Collect(ctx, asset, since)
		if err != nil {
			logger.Warn("failed to collect risk digest",
				zap.String("asset", asset),
				zap.Error(err),
			)
			continue
		}
		if digest.quiet() {
			continue
		}

		logger.Info("📊 daily risk digest",
			zap.String("asset", digest.Asset),
			zap.Int("breaker_escalations", digest.BreakerEscalations),
			zap.Int("peak_breaker_level", digest.PeakBreakerLevel),
			zap.Int("auctions_opened", digest.AuctionsOpened),
			zap.Int("auctions_settled", digest.AuctionsSettled),
			zap.Int("feed_stalls", digest.FeedStalls),
			zap.Float64("lp_gains", digest.LPGains),
		)
	}
	return nil
}

// Collect assembles one asset's digest since the cutoff. Escalation
// depth comes from the level recorded on each breaker event.
func (w *DigestWorker) Collect(ctx context.Context, asset string, since time.Time) (AssetDigest, error) {
	digest := AssetDigest{Asset: asset}

	escalations, err := w.riskRepo.GetRiskEventsByType(ctx, asset, risk.EventBreakerEscalated, since)
	if err != nil {
		return AssetDigest{}, fmt.Errorf("digest for %s: %w", asset, err)
	}
	digest.BreakerEscalations = len(escalations)
	for _, ev := range escalations {
		// jsonb numbers decode as float64
		if lvl, ok := ev.Data["level"].(float64); ok && int(lvl) > digest.PeakBreakerLevel {
			digest.PeakBreakerLevel = int(lvl)
		}
	}

	digest.AuctionsOpened = w.count(ctx, asset, risk.EventAuctionOpened, since)
	digest.AuctionsSettled = w.count(ctx, asset, risk.EventAuctionSettled, since)
	digest.FeedStalls = w.count(ctx, asset, risk.EventFeedStalled, since)

	gains, err := w.auctionRepo.TotalLPGains(ctx, asset, since)
	if err != nil {
		return AssetDigest{}, fmt.Errorf("digest for %s: %w", asset, err)
	}
	digest.LPGains = models.ToFloat64(gains)

	return digest, nil
}

func (w *DigestWorker) count(ctx context.Context, asset, eventType string, since time.Time) int {
	n, err := w.riskRepo.CountRiskEventsByType(ctx, asset, eventType, since)
	if err != nil {
		logger.Warn("failed to count risk events for digest",
			zap.String("asset", asset),
			zap.String("event_type", eventType),
			zap.Error(err),
		)
		return 0
	}
	return n
}
