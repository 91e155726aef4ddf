package workers

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/stockshield/risk-engine/internal/engine"
	"github.com/stockshield/risk-engine/pkg/logger"
)

// AuctionWorker drives lazy auction settlement: deadlines are only
// data, so somebody has to look at the clock. Runs on a short tick.
type AuctionWorker struct {
	engine *engine.Engine
}

// NewAuctionWorker creates the auction settlement worker
func NewAuctionWorker(eng *engine.Engine) *AuctionWorker {
	return &AuctionWorker{engine: eng}
}

// Name returns worker name
func (w *AuctionWorker) Name() string {
	return "auction_settlement"
}

// Run settles every session whose reveal deadline has passed
func (w *AuctionWorker) Run(ctx context.Context) error {
	outcomes := w.engine.SettleAuctions(ctx, time.Now())

	for _, out := range outcomes {
		logger.Info("🔨 auction settled",
			zap.String("session_id", out.SessionID),
			zap.String("asset", out.Asset),
			zap.String("winner", out.Winner),
			zap.Int("reveals", out.Reveals),
		)
	}
	return nil
}
