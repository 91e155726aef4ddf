package workers

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/stockshield/risk-engine/internal/engine"
	"github.com/stockshield/risk-engine/pkg/logger"
)

// SnapshotWorker re-synthesizes fee and breaker state for every asset
// on a fixed cadence, so staleness-driven breaker flags trip even when
// no trades or consensus updates arrive.
type SnapshotWorker struct {
	engine *engine.Engine
}

// NewSnapshotWorker creates the risk snapshot worker
func NewSnapshotWorker(eng *engine.Engine) *SnapshotWorker {
	return &SnapshotWorker{engine: eng}
}

// Name returns worker name
func (w *SnapshotWorker) Name() string {
	return "risk_snapshot"
}

// Run evaluates risk for each asset
func (w *SnapshotWorker) Run(ctx context.Context) error {
	now := time.Now()

	for _, asset := range w.engine.Assets() {
		snap, err := w.engine.EvaluateRisk(ctx, asset, now)
		if err != nil {
			logger.Warn("risk evaluation failed",
				zap.String("asset", asset),
				zap.Error(err),
			)
			continue
		}

		logger.Debug("risk snapshot",
			zap.String("asset", asset),
			zap.String("regime", snap.Regime),
			zap.Float64("fee_rate", snap.FeeRate),
			zap.Float64("toxicity", snap.Toxicity),
			zap.Int("breaker_level", snap.BreakerLevel),
		)
	}
	return nil
}
