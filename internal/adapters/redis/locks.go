package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/amyangfei/redlock-go/v3/redlock"
	"go.uber.org/zap"

	"github.com/stockshield/risk-engine/pkg/logger"
)

// ingestLockTTL bounds how long a dead pod can block an asset before
// its lock expires and a standby takes over.
const ingestLockTTL = 30 * time.Second

// AssetLock serializes an asset's trade ingest across pods: one holder
// at a time, released explicitly or by TTL when the holder dies.
type AssetLock interface {
	// TryAcquire claims the asset. A false with nil error means another
	// pod already holds it.
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// LockFactory mints locks scoped to a single asset
type LockFactory interface {
	CreateAssetLock(asset string) AssetLock
}

type redlockFactory struct {
	manager *redlock.RedLock
}

func (f *redlockFactory) CreateAssetLock(asset string) AssetLock {
	return &ingestLock{
		manager: f.manager,
		asset:   asset,
		key:     "asset:ingest:" + asset,
	}
}

// ingestLock backs AssetLock with Redlock and keeps the claim alive in
// the background until released or until the acquiring context ends.
type ingestLock struct {
	manager *redlock.RedLock
	asset   string
	key     string

	mu   sync.Mutex
	held bool
}

func (l *ingestLock) TryAcquire(ctx context.Context) (bool, error) {
	expiry, err := l.manager.Lock(ctx, l.key, ingestLockTTL)
	if err != nil {
		// redlock-go reports a contended lock as an error
		logger.Debug("asset owned by another instance",
			zap.String("asset", l.asset),
		)
		return false, nil
	}
	if expiry <= 0 {
		return false, fmt.Errorf("lock for %s acquired with invalid expiry %d", l.asset, expiry)
	}

	l.mu.Lock()
	l.held = true
	l.mu.Unlock()

	logger.Info("asset ingest lock acquired",
		zap.String("asset", l.asset),
		zap.Duration("ttl", ingestLockTTL),
	)

	go l.renew(ctx)
	return true, nil
}

func (l *ingestLock) Release(ctx context.Context) error {
	l.mu.Lock()
	was := l.held
	l.held = false
	l.mu.Unlock()
	if !was {
		return nil
	}

	if err := l.manager.UnLock(ctx, l.key); err != nil {
		// Likely already expired; the asset is free either way
		logger.Warn("asset lock release failed",
			zap.String("asset", l.asset),
			zap.Error(err),
		)
		return nil
	}

	logger.Info("asset ingest lock released",
		zap.String("asset", l.asset),
	)
	return nil
}

// renew extends the claim at two thirds of the TTL. redlock-go has no
// extend operation, so each renewal is an unlock plus relock; losing
// the relock race means another pod owns the asset now and this side
// must stop treating the lock as held.
func (l *ingestLock) renew(ctx context.Context) {
	ticker := time.NewTicker(ingestLockTTL * 2 / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		l.mu.Lock()
		held := l.held
		l.mu.Unlock()
		if !held {
			return
		}

		if err := l.manager.UnLock(ctx, l.key); err != nil {
			logger.Error("asset lock renewal failed to unlock",
				zap.String("asset", l.asset),
				zap.Error(err),
			)
			l.drop()
			return
		}
		expiry, err := l.manager.Lock(ctx, l.key, ingestLockTTL)
		if err != nil || expiry <= 0 {
			logger.Error("🛑 asset ingest lock lost",
				zap.String("asset", l.asset),
				zap.Error(err),
			)
			l.drop()
			return
		}
	}
}

func (l *ingestLock) drop() {
	l.mu.Lock()
	l.held = false
	l.mu.Unlock()
}
