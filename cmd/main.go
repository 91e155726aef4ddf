package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	_ "github.com/lib/pq"
	"github.com/stockshield/risk-engine/internal/adapters/clickhouse"
	"github.com/stockshield/risk-engine/internal/adapters/config"
	"github.com/stockshield/risk-engine/internal/adapters/database"
	"github.com/stockshield/risk-engine/internal/adapters/feed"
	metricsAdapter "github.com/stockshield/risk-engine/internal/adapters/metrics"
	"github.com/stockshield/risk-engine/internal/adapters/price"
	redisAdapter "github.com/stockshield/risk-engine/internal/adapters/redis"
	"github.com/stockshield/risk-engine/internal/adapters/telegram"
	"github.com/stockshield/risk-engine/internal/auction"
	"github.com/stockshield/risk-engine/internal/consensus"
	"github.com/stockshield/risk-engine/internal/engine"
	"github.com/stockshield/risk-engine/internal/health"
	"github.com/stockshield/risk-engine/internal/risk"
	"github.com/stockshield/risk-engine/internal/session"
	"github.com/stockshield/risk-engine/internal/workers"
	"github.com/stockshield/risk-engine/pkg/logger"
	pkgmetrics "github.com/stockshield/risk-engine/pkg/metrics"
	"github.com/stockshield/risk-engine/pkg/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := initConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("StockShield Risk Engine starting...",
		zap.Strings("assets", cfg.Engine.Assets),
	)

	db, err := initDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient, err := initRedis(cfg)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Initialize ClickHouse connection for the analytics pipeline
	chDB, err := initClickHouse(cfg)
	if err != nil {
		logger.Warn("ClickHouse not available, analytics sinks disabled", zap.Error(err))
		chDB = nil
	}
	if chDB != nil {
		defer chDB.Close()
	}

	// Consensus price sources (Finnhub, Polygon, venue book)
	sources, err := initPriceSources(cfg)
	if err != nil {
		return err
	}

	aggregator, err := consensus.NewAggregator(cfg.Consensus, sources)
	if err != nil {
		return fmt.Errorf("failed to build consensus aggregator: %w", err)
	}

	// Session classifier with the holiday calendar from PostgreSQL
	classifier, err := initClassifier(ctx, cfg, db)
	if err != nil {
		return err
	}

	coordinator, err := auction.NewCoordinator(cfg.Auction)
	if err != nil {
		return fmt.Errorf("failed to build auction coordinator: %w", err)
	}

	// Analytics sinks write to ClickHouse when it is available
	var (
		chRepo      *clickhouse.Repository
		metricsBuf  *pkgmetrics.BufferedMetrics
		barWriter   *clickhouse.BarBatchWriter
		tradeWriter *clickhouse.TradeBatchWriter
	)
	if chDB != nil {
		chRepo = clickhouse.NewRepository(chDB.DB())
		metricsBuf = pkgmetrics.NewBufferedMetrics(pkgmetrics.BufferConfig{
			Writer:        metricsAdapter.NewClickHouseWriter(chDB.DB()),
			BatchSize:     500,
			FlushInterval: 10 * time.Second,
		})
		barWriter = clickhouse.NewBarBatchWriter(chRepo, 1000, 10*time.Second)
		tradeWriter = clickhouse.NewTradeBatchWriter(chRepo, 1000, 5*time.Second)
		logger.Info("✅ analytics pipeline using ClickHouse")
	} else {
		logger.Warn("⚠️ ClickHouse disabled - toxicity samples, bars and trade archive are not persisted")
	}

	// Operator alerts (optional)
	notifier := initNotifier(cfg)

	riskRepo := risk.NewRepository(db.DB())
	auctionRepo := auction.NewRepository(db.DB())

	deps := engine.Dependencies{
		Aggregator:  aggregator,
		Classifier:  classifier,
		Auctions:    coordinator,
		RiskRepo:    riskRepo,
		AuctionRepo: auctionRepo,
		Bars:        barWriter,
		TradeLog:    tradeWriter,
		Notifier:    notifier,
	}
	if metricsBuf != nil {
		deps.Metrics = metricsBuf
	}
	if redisClient != nil {
		deps.Cache = redisClient
	}

	eng, err := engine.New(cfg, deps)
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}
	eng.WarmRestore(ctx)

	// Venue trade feed (WebSocket)
	tradeFeed := feed.NewTradeFeed(&cfg.Feed, cfg.Engine.Assets)

	// Start background workers
	var lockFactory redisAdapter.LockFactory
	if redisClient != nil {
		lockFactory = redisClient.GetLockFactory()
	}
	group := startWorkers(ctx, cfg, eng, tradeFeed, classifier, chRepo, riskRepo, auctionRepo, lockFactory)

	// Start health server
	healthServer := startHealthServer(cfg, eng, db, redisClient, tradeFeed)

	// Wait for shutdown signal
	<-ctx.Done()

	// Perform graceful shutdown
	return performGracefulShutdown(healthServer, group, tradeFeed, metricsBuf, barWriter, tradeWriter, db, redisClient)
}

// initConfig reads the environment and brings up the global logger
func initConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}

// migrationsDir is the postgres schema shipped next to the binary
const migrationsDir = "./migrations"

// initDatabase connects to postgres and applies pending migrations
func initDatabase(cfg *config.Config) (*database.DB, error) {
	db, err := database.New(&cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := database.RunMigrations(db.Conn(), migrationsDir); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return db, nil
}

// initRedis connects the lock and cache clients and probes both paths.
// Returns nil when Redis is disabled; callers treat that as "no locks,
// no cache".
func initRedis(cfg *config.Config) (*redisAdapter.Client, error) {
	if !cfg.Redis.Enabled {
		logger.Warn("⚠️ Redis disabled - no cross-instance ingest locks, consensus cache off")
		return nil, nil
	}

	redisClient, err := redisAdapter.New(&cfg.Redis)
	if err != nil {
		return nil, err
	}
	if err := redisClient.Health(); err != nil {
		redisClient.Close()
		return nil, fmt.Errorf("redis probe failed: %w", err)
	}
	return redisClient, nil
}

// initClickHouse opens the analytics store when it is enabled
func initClickHouse(cfg *config.Config) (*database.DB, error) {
	if !cfg.ClickHouse.Enabled {
		return nil, fmt.Errorf("clickhouse disabled in config")
	}

	ch, err := database.NewClickHouse(cfg.ClickHouse.GetDSN())
	if err != nil {
		return nil, err
	}
	if err := ch.Health(); err != nil {
		ch.Close()
		return nil, fmt.Errorf("clickhouse probe failed: %w", err)
	}

	logger.Info("clickhouse connected",
		zap.String("host", cfg.ClickHouse.Host),
		zap.String("database", cfg.ClickHouse.Database),
	)
	return ch, nil
}

// initPriceSources builds the enabled consensus sources
func initPriceSources(cfg *config.Config) ([]price.Source, error) {
	var sources []price.Source

	if cfg.Sources.Finnhub.Enabled {
		sources = append(sources, price.NewFinnhubSource(cfg.Sources.Finnhub.APIKey, cfg.Sources.Finnhub.BaseURL))
	}

	if cfg.Sources.Polygon.Enabled {
		sources = append(sources, price.NewPolygonSource(cfg.Sources.Polygon.APIKey, cfg.Sources.Polygon.BaseURL))
	}

	if cfg.Sources.Exchange.Enabled {
		exchangeSource, err := price.NewExchangeSource(cfg.Engine.VenueExchange)
		if err != nil {
			return nil, fmt.Errorf("failed to build exchange source: %w", err)
		}
		sources = append(sources, exchangeSource)
	}

	if len(sources) < 2 {
		return nil, fmt.Errorf("consensus needs at least two price sources, got %d", len(sources))
	}

	logger.Info("price sources initialized",
		zap.Int("count", len(sources)),
	)

	return sources, nil
}

// initClassifier builds the session classifier and seeds the holiday
// calendar from PostgreSQL
func initClassifier(ctx context.Context, cfg *config.Config, db *database.DB) (*session.Classifier, error) {
	classifier, err := session.NewClassifier(cfg.Session)
	if err != nil {
		return nil, fmt.Errorf("failed to build session classifier: %w", err)
	}

	sessionRepo := session.NewRepository(db.DB())
	count, err := sessionRepo.SeedClassifier(ctx, classifier)
	if err != nil {
		// The built-in calendar still covers the configured defaults
		logger.Warn("failed to load holiday calendar", zap.Error(err))
		return classifier, nil
	}

	logger.Info("holiday calendar loaded",
		zap.Int("holidays", count),
	)

	return classifier, nil
}

// initNotifier initializes Telegram operator alerts
func initNotifier(cfg *config.Config) *telegram.Notifier {
	if !cfg.Telegram.Enabled {
		logger.Info("telegram alerts disabled")
		return nil
	}

	notifier, err := telegram.NewNotifier(&cfg.Telegram)
	if err != nil {
		logger.Warn("failed to initialize telegram notifier", zap.Error(err))
		return nil
	}

	logger.Info("📱 Telegram notifier initialized")
	return notifier
}

// startWorkers starts all background workers
func startWorkers(
	ctx context.Context,
	cfg *config.Config,
	eng *engine.Engine,
	tradeFeed *feed.TradeFeed,
	classifier *session.Classifier,
	chRepo *clickhouse.Repository,
	riskRepo *risk.Repository,
	auctionRepo *auction.Repository,
	locks redisAdapter.LockFactory,
) *worker.WorkerGroup {
	group := worker.NewWorkerGroup(ctx)

	// Ingest blocks on the feed until shutdown; the interval only
	// matters when the feed loop exits and needs a restart.
	group.Add(workers.NewIngestWorker(tradeFeed, eng, locks), cfg.Feed.ReconnectDelay)

	group.Add(workers.NewConsensusWorker(eng), cfg.Engine.ConsensusInterval)
	group.Add(workers.NewSnapshotWorker(eng), cfg.Engine.SnapshotInterval)

	// Commit and reveal deadlines are second-granular
	group.Add(workers.NewAuctionWorker(eng), 1*time.Second)

	group.Add(workers.NewRegimeWorker(eng, classifier), 30*time.Second)
	group.Add(workers.NewFeedHealthWorker(eng, cfg.Feed.StaleAfter), 30*time.Second)

	// Daily housekeeping against the durable record
	group.Add(workers.NewRetentionWorker(riskRepo, cfg.Engine.EventRetention), 24*time.Hour)
	group.Add(workers.NewDigestWorker(cfg.Engine.Assets, riskRepo, auctionRepo), 24*time.Hour)

	// Recalibration reads trailing volume from ClickHouse
	if chRepo != nil {
		group.Add(workers.NewRecalibrateWorker(eng, chRepo), 24*time.Hour)
	}

	group.Start()
	return group
}

// startHealthServer initializes and starts health check server for K8s probes
func startHealthServer(cfg *config.Config, eng *engine.Engine, db *database.DB, redisClient *redisAdapter.Client, tradeFeed *feed.TradeFeed) *health.Server {
	healthServer := health.NewServer(health.Config{
		Port:   cfg.Health.Port,
		Engine: eng,
		DB:     db,
		Redis:  redisClient,
		Feed:   tradeFeed,
		Assets: cfg.Engine.Assets,
	})

	go func() {
		if err := healthServer.Start(); err != nil {
			logger.Error("health server error", zap.Error(err))
		}
	}()

	logger.Info("🚀 Risk Engine Ready!",
		zap.Strings("assets", cfg.Engine.Assets),
		zap.String("health_port", cfg.Health.Port),
	)

	// Mark service as ready after initialization
	healthServer.SetReady(true)

	return healthServer
}

// performGracefulShutdown handles graceful shutdown of all components
func performGracefulShutdown(
	healthServer *health.Server,
	group *worker.WorkerGroup,
	tradeFeed *feed.TradeFeed,
	metricsBuf *pkgmetrics.BufferedMetrics,
	barWriter *clickhouse.BarBatchWriter,
	tradeWriter *clickhouse.TradeBatchWriter,
	db *database.DB,
	redisClient *redisAdapter.Client,
) error {
	logger.Info("🛑 Shutdown signal received, starting graceful shutdown...")
	healthServer.SetReady(false)

	// K8s allows 30s terminationGracePeriodSeconds, stay under it
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 25*time.Second)
	defer shutdownCancel()

	// Workers first so nothing writes into closing sinks
	group.Stop(10 * time.Second)

	if err := tradeFeed.Close(); err != nil {
		logger.Error("trade feed close error", zap.Error(err))
	}

	// Drain buffered analytics while the stores are still up
	if metricsBuf != nil {
		if err := metricsBuf.Close(shutdownCtx); err != nil {
			logger.Error("metrics buffer close error", zap.Error(err))
		}
	}
	if barWriter != nil {
		barWriter.Close()
	}
	if tradeWriter != nil {
		tradeWriter.Close()
	}

	type closer struct {
		name string
		stop func() error
	}
	closers := []closer{{"database", db.Close}}
	if redisClient != nil {
		closers = append(closers, closer{"redis", redisClient.Close})
	}
	closers = append(closers, closer{"health server", func() error { return healthServer.Stop(shutdownCtx) }})

	for _, c := range closers {
		if err := c.stop(); err != nil {
			logger.Error("shutdown error",
				zap.String("component", c.name),
				zap.Error(err),
			)
		}
	}

	logger.Sync()

	select {
	case <-shutdownCtx.Done():
		logger.Warn("⚠️ shutdown deadline exceeded")
		return fmt.Errorf("graceful shutdown timeout")
	default:
		logger.Info("✅ shutdown completed successfully")
	}
	return nil
}
