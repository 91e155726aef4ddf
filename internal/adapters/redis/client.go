// Package redis carries the engine's coordination state: per-asset
// ingest locks over Redlock and the last-consensus cache that lets a
// restarted engine price risk before its sources answer.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/amyangfei/redlock-go/v3/redlock"
	redis "github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stockshield/risk-engine/internal/adapters/config"
	"github.com/stockshield/risk-engine/pkg/logger"
	"github.com/stockshield/risk-engine/pkg/models"
)

// consensusKeyPrefix namespaces cached consensus snapshots
const consensusKeyPrefix = "consensus:last:"

// Client bundles the Redlock manager and the plain cache connection
type Client struct {
	locks *redlock.RedLock
	cache *redis.Client
}

// New connects both clients against one Redis instance. A clustered
// deployment would hand Redlock several addresses; a single node still
// arbitrates correctly between pods sharing it.
func New(cfg *config.RedisConfig) (*Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	locks, err := redlock.NewRedLock(ctx, []string{fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)})
	if err != nil {
		return nil, fmt.Errorf("failed to create redlock manager: %w", err)
	}

	cache := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})
	if err := cache.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("redis connected",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.Int("db", cfg.DB),
	)

	return &Client{locks: locks, cache: cache}, nil
}

// GetLockFactory returns the factory minting per-asset ingest locks
func (c *Client) GetLockFactory() LockFactory {
	return &redlockFactory{manager: c.locks}
}

// Health verifies both paths: a cache round-trip and a short probe
// lock through the Redlock manager. The probe key is unique per call
// so concurrent probes from sibling pods never contend.
func (c *Client) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.cache.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis cache unreachable: %w", err)
	}

	probe := "health:probe:" + uuid.NewString()
	if _, err := c.locks.Lock(ctx, probe, time.Second); err != nil {
		return fmt.Errorf("redlock probe failed: %w", err)
	}
	_ = c.locks.UnLock(ctx, probe)

	return nil
}

// Close shuts the cache connection. The Redlock manager has no
// explicit close and its connections follow the process down.
func (c *Client) Close() error {
	logger.Info("closing redis client")
	if err := c.cache.Close(); err != nil {
		return fmt.Errorf("failed to close redis cache: %w", err)
	}
	return nil
}

// CacheConsensus stores the latest consensus price for an asset so
// sibling pods and dashboards can read it without re-querying sources.
func (c *Client) CacheConsensus(ctx context.Context, asset string, price models.ConsensusPrice, ttl time.Duration) error {
	payload, err := json.Marshal(price)
	if err != nil {
		return fmt.Errorf("failed to marshal consensus: %w", err)
	}

	if err := c.cache.Set(ctx, consensusKeyPrefix+asset, payload, ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache consensus for %s: %w", asset, err)
	}
	return nil
}

// LastConsensus reads the cached consensus price for an asset. Returns
// redis.Nil error when nothing is cached.
func (c *Client) LastConsensus(ctx context.Context, asset string) (models.ConsensusPrice, error) {
	var price models.ConsensusPrice

	payload, err := c.cache.Get(ctx, consensusKeyPrefix+asset).Bytes()
	if err != nil {
		return price, err
	}

	if err := json.Unmarshal(payload, &price); err != nil {
		return price, fmt.Errorf("failed to unmarshal cached consensus: %w", err)
	}
	return price, nil
}
