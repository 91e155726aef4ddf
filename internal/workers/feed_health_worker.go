package workers

import (
	"context"
	"time"

	"github.com/stockshield/risk-engine/internal/engine"
)

// FeedHealthWorker flags assets whose print stream has gone quiet. The
// WebSocket layer already detects dead connections; this catches the
// quieter failure of a live connection that stopped carrying an asset.
type FeedHealthWorker struct {
	engine     *engine.Engine
	staleAfter time.Duration
}

// NewFeedHealthWorker creates the feed health worker
func NewFeedHealthWorker(eng *engine.Engine, staleAfter time.Duration) *FeedHealthWorker {
	return &FeedHealthWorker{
		engine:     eng,
		staleAfter: staleAfter,
	}
}

// Name returns worker name
func (w *FeedHealthWorker) Name() string {
	return "feed_health"
}

// Run checks every asset's last print age
func (w *FeedHealthWorker) Run(ctx context.Context) error {
	w.engine.CheckFeedHealth(ctx, time.Now(), w.staleAfter)
	return nil
}
