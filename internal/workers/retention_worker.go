package workers

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stockshield/risk-engine/internal/risk"
	"github.com/stockshield/risk-engine/pkg/logger"
)

// RetentionWorker prunes risk events past the retention window. The
// risk_events table is an operational journal, not the audit record;
// settlements live in auction_sessions and are never touched here.
type RetentionWorker struct {
	repo      *risk.Repository
	retention time.Duration
}

// NewRetentionWorker creates the risk event retention worker
func NewRetentionWorker(repo *risk.Repository, retention time.Duration) *RetentionWorker {
	return &RetentionWorker{
		repo:      repo,
		retention: retention,
	}
}

// Name returns worker name
func (w *RetentionWorker) Name() string {
	return "risk_event_retention"
}

// Run deletes risk events older than the retention window
func (w *RetentionWorker) Run(ctx context.Context) error {
	deleted, err := w.repo.DeleteOldRiskEvents(ctx, w.retention)
	if err != nil {
		return fmt.Errorf("retention sweep: %w", err)
	}

	if deleted > 0 {
		logger.Info("🔨 pruned aged risk events",
			zap.Int64("deleted", deleted),
			zap.Duration("retention", w.retention),
		)
	}
	return nil
}
