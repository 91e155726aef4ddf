package workers

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/stockshield/risk-engine/internal/engine"
	"github.com/stockshield/risk-engine/internal/session"
	"github.com/stockshield/risk-engine/pkg/logger"
)

// RegimeWorker watches the session clock. On every regime change it
// logs the transition; when the change crosses a trading gap it
// refreshes consensus against the venue's stale quote to catch a
// reopen dislocation, then resets each asset's toxicity clock so
// pre-gap flow does not poison the fresh session.
type RegimeWorker struct {
	engine     *engine.Engine
	classifier *session.Classifier
	prev       session.Regime
	seeded     bool
}

// NewRegimeWorker creates the regime transition worker
func NewRegimeWorker(eng *engine.Engine, classifier *session.Classifier) *RegimeWorker {
	return &RegimeWorker{
		engine:     eng,
		classifier: classifier,
	}
}

// Name returns worker name
func (w *RegimeWorker) Name() string {
	return "regime_watch"
}

// Run checks the current regime against the last observed one
func (w *RegimeWorker) Run(ctx context.Context) error {
	info := w.classifier.Current()

	if !w.seeded {
		w.prev = info.Regime
		w.seeded = true
		logger.Info("session regime",
			zap.String("regime", info.Regime.String()),
			zap.Float64("multiplier", info.Multiplier),
		)
		return nil
	}

	if info.Regime == w.prev {
		return nil
	}

	crossesGap := session.TransitionCrossesGap(w.prev, info.Regime)
	logger.Info("⚡ session regime changed",
		zap.String("from", w.prev.String()),
		zap.String("to", info.Regime.String()),
		zap.Float64("multiplier", info.Multiplier),
		zap.Bool("crosses_gap", crossesGap),
	)

	if crossesGap {
		now := time.Now()
		for _, asset := range w.engine.Assets() {
			// The venue book is stale after a closed stretch; a
			// fresh oracle read decides whether it gapped.
			if err := w.engine.RefreshConsensus(ctx, asset); err != nil {
				logger.Warn("reopen consensus refresh failed",
					zap.String("asset", asset),
					zap.Error(err),
				)
			} else if err := w.engine.OpenGapAuction(ctx, asset, now); err != nil {
				logger.Warn("gap auction check failed",
					zap.String("asset", asset),
					zap.Error(err),
				)
			}

			if err := w.engine.ResetToxicity(asset); err != nil {
				logger.Warn("toxicity reset failed",
					zap.String("asset", asset),
					zap.Error(err),
				)
			}
		}
	}

	w.prev = info.Regime
	return nil
}
