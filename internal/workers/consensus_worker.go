package workers

import (
	"context"

	"go.uber.org/zap"

	"github.com/stockshield/risk-engine/internal/engine"
	"github.com/stockshield/risk-engine/pkg/logger"
)

// ConsensusWorker refreshes the aggregated oracle price for every
// tracked asset. Driven by pkg/worker.PeriodicWorker on the consensus
// interval.
type ConsensusWorker struct {
	engine *engine.Engine
}

// NewConsensusWorker creates the consensus refresh worker
func NewConsensusWorker(eng *engine.Engine) *ConsensusWorker {
	return &ConsensusWorker{engine: eng}
}

// Name returns worker name
func (w *ConsensusWorker) Name() string {
	return "consensus_refresh"
}

// Run refreshes consensus for each asset in turn. One asset failing
// all its sources must not starve the rest.
func (w *ConsensusWorker) Run(ctx context.Context) error {
	for _, asset := range w.engine.Assets() {
		if err := w.engine.RefreshConsensus(ctx, asset); err != nil {
			logger.Warn("consensus refresh failed",
				zap.String("asset", asset),
				zap.Error(err),
			)
		}
	}
	return nil
}
