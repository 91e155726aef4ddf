package workers

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/stockshield/risk-engine/internal/adapters/feed"
	"github.com/stockshield/risk-engine/internal/adapters/redis"
	"github.com/stockshield/risk-engine/internal/engine"
	"github.com/stockshield/risk-engine/pkg/logger"
)

// standbyRetryInterval is how often a pod that lost the lock race
// re-checks whether the active owner is gone.
const standbyRetryInterval = 15 * time.Second

// IngestWorker pumps the venue trade feed into the engine. It runs
// continuously rather than on a tick, one loop for all assets, so every
// tracker sees its prints in arrival order. Before touching the feed it
// claims the distributed ingest lock for every tracked asset; a second
// pod parks in standby until the owner's locks expire.
type IngestWorker struct {
	feed   *feed.TradeFeed
	engine *engine.Engine
	locks  redis.LockFactory
}

// NewIngestWorker creates the trade ingest worker. locks may be nil in
// single-instance setups; ingestion then starts unconditionally.
func NewIngestWorker(tradeFeed *feed.TradeFeed, eng *engine.Engine, locks redis.LockFactory) *IngestWorker {
	return &IngestWorker{
		feed:   tradeFeed,
		engine: eng,
		locks:  locks,
	}
}

// Name returns worker name
func (w *IngestWorker) Name() string {
	return "trade_ingest"
}

// Run acquires asset ownership, connects the feed and consumes prints
// until the context ends
func (w *IngestWorker) Run(ctx context.Context) error {
	if w.locks != nil {
		held, err := w.acquireAll(ctx)
		if err != nil {
			return err
		}
		defer w.releaseAll(held)
	}

	if err := w.feed.Connect(); err != nil {
		return err
	}
	defer w.feed.Close()

	logger.Info("🚀 trade ingest started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("trade ingest stopping")
			return nil

		case ev := <-w.feed.Trades():
			// Validation failures are logged inside the engine;
			// a bad print must not stall the stream.
			_ = w.engine.ProcessTrade(ctx, ev)

		case err := <-w.feed.Errors():
			logger.Error("trade feed error",
				zap.Error(err),
			)
			// The feed reconnects itself
		}
	}
}

// acquireAll claims the ingest lock for every tracked asset, blocking
// in standby while another instance owns any of them. Locks renew
// themselves until ctx ends.
func (w *IngestWorker) acquireAll(ctx context.Context) ([]redis.AssetLock, error) {
	assets := w.engine.Assets()
	held := make([]redis.AssetLock, 0, len(assets))

	for _, asset := range assets {
		lock := w.locks.CreateAssetLock(asset)
		for {
			ok, err := lock.TryAcquire(ctx)
			if err != nil {
				w.releaseAll(held)
				return nil, err
			}
			if ok {
				held = append(held, lock)
				break
			}

			logger.Info("asset ingest owned by another instance, standing by",
				zap.String("asset", asset),
			)
			select {
			case <-ctx.Done():
				w.releaseAll(held)
				return nil, ctx.Err()
			case <-time.After(standbyRetryInterval):
			}
		}
	}

	return held, nil
}

// releaseAll frees the held locks. The run context is usually already
// cancelled here, so releases get their own short deadline.
func (w *IngestWorker) releaseAll(held []redis.AssetLock) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, lock := range held {
		_ = lock.Release(ctx)
	}
}
