package workers

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/stockshield/risk-engine/internal/adapters/clickhouse"
	"github.com/stockshield/risk-engine/internal/engine"
	"github.com/stockshield/risk-engine/pkg/logger"
)

// RecalibrateWorker re-derives each asset's toxicity bucket capacity
// from observed volume. The estimate is the archived bar volume over
// the trailing day; assets with no archived bars keep their current
// calibration.
type RecalibrateWorker struct {
	engine *engine.Engine
	repo   *clickhouse.Repository
	window time.Duration
}

// NewRecalibrateWorker creates the volume recalibration worker
func NewRecalibrateWorker(eng *engine.Engine, repo *clickhouse.Repository) *RecalibrateWorker {
	return &RecalibrateWorker{
		engine: eng,
		repo:   repo,
		window: 24 * time.Hour,
	}
}

// Name returns worker name
func (w *RecalibrateWorker) Name() string {
	return "toxicity_recalibrate"
}

// Run recalibrates every asset from its trailing-day volume
func (w *RecalibrateWorker) Run(ctx context.Context) error {
	now := time.Now()

	for _, asset := range w.engine.Assets() {
		bars, err := w.repo.GetBars(ctx, asset, now.Add(-w.window), now)
		if err != nil {
			logger.Warn("failed to load bars for recalibration",
				zap.String("asset", asset),
				zap.Error(err),
			)
			continue
		}
		if len(bars) == 0 {
			continue
		}

		var volume float64
		for _, bar := range bars {
			volume += bar.Volume
		}
		if volume <= 0 {
			continue
		}

		if err := w.engine.Recalibrate(asset, volume); err != nil {
			logger.Warn("recalibration failed",
				zap.String("asset", asset),
				zap.Error(err),
			)
			continue
		}

		logger.Debug("toxicity recalibrated from archived volume",
			zap.String("asset", asset),
			zap.Float64("daily_volume", volume),
			zap.Int("bars", len(bars)),
		)
	}
	return nil
}
