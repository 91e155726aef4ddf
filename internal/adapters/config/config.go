package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/stockshield/risk-engine/internal/auction"
	"github.com/stockshield/risk-engine/internal/consensus"
	"github.com/stockshield/risk-engine/internal/risk"
	"github.com/stockshield/risk-engine/internal/session"
	"github.com/stockshield/risk-engine/internal/toxicity"
)

// Config represents application configuration
type Config struct {
	Engine EngineConfig `envconfig:"ENGINE"`

	Toxicity  toxicity.Config      `envconfig:"TOXICITY"`
	Severity  toxicity.Bands       `envconfig:"TOXICITY"`
	Session   session.Config       `envconfig:"SESSION"`
	Consensus consensus.Config     `envconfig:"CONSENSUS"`
	Auction   auction.Config       `envconfig:"AUCTION"`
	Fees      risk.FeeConfig       `envconfig:"FEES"`
	Breaker   risk.BreakerConfig   `envconfig:"BREAKER"`
	Inventory risk.InventoryConfig `envconfig:"INVENTORY"`

	Feed       FeedConfig       `envconfig:"FEED"`
	Sources    SourcesConfig    `envconfig:"SOURCES"`
	Database   DatabaseConfig   `envconfig:"DATABASE"`
	ClickHouse ClickHouseConfig `envconfig:"CLICKHOUSE"`
	Redis      RedisConfig      `envconfig:"REDIS"`
	Telegram   TelegramConfig   `envconfig:"TELEGRAM"`
	Health     HealthConfig     `envconfig:"HEALTH"`
	Logging    LoggingConfig    `envconfig:"LOGGING"`
}

// EngineConfig represents the supervised assets and loop cadences
type EngineConfig struct {
	Assets            []string      `envconfig:"ENGINE_ASSETS" default:"AAPL,MSFT,SPY"`
	VenueExchange     string        `envconfig:"ENGINE_VENUE_EXCHANGE" default:"binance"`
	ConsensusInterval time.Duration `envconfig:"ENGINE_CONSENSUS_INTERVAL" default:"5s"`
	SnapshotInterval  time.Duration `envconfig:"ENGINE_SNAPSHOT_INTERVAL" default:"10s"`
	BarInterval       time.Duration `envconfig:"ENGINE_BAR_INTERVAL" default:"1m"`
	VolatilityWindow  int           `envconfig:"ENGINE_VOLATILITY_WINDOW" default:"120"`
	EventRetention    time.Duration `envconfig:"ENGINE_EVENT_RETENTION" default:"2160h"`
}

// FeedConfig represents the venue trade feed connection
type FeedConfig struct {
	URL            string        `envconfig:"FEED_URL" default:"wss://ws.finnhub.io"`
	APIKey         string        `envconfig:"FEED_API_KEY" required:"false"`
	PingInterval   time.Duration `envconfig:"FEED_PING_INTERVAL" default:"30s"`
	ReadTimeout    time.Duration `envconfig:"FEED_READ_TIMEOUT" default:"90s"`
	ReconnectDelay time.Duration `envconfig:"FEED_RECONNECT_DELAY" default:"5s"`
	BufferSize     int           `envconfig:"FEED_BUFFER_SIZE" default:"1024"`
	StaleAfter     time.Duration `envconfig:"FEED_STALE_AFTER" default:"2m"`
}

// SourcesConfig represents the consensus price sources
type SourcesConfig struct {
	Finnhub  SourceConfig `envconfig:"FINNHUB"`
	Polygon  SourceConfig `envconfig:"POLYGON"`
	Exchange SourceConfig `envconfig:"EXCHANGE"`
}

// SourceConfig represents a single price source
type SourceConfig struct {
	APIKey  string `envconfig:"API_KEY" required:"false"`
	BaseURL string `envconfig:"BASE_URL" required:"false"`
	Enabled bool   `envconfig:"ENABLED" default:"true"`
}

// DatabaseConfig represents PostgreSQL connection parameters
type DatabaseConfig struct {
	Host     string `envconfig:"DB_HOST" default:"localhost"`
	Port     int    `envconfig:"DB_PORT" default:"5432"`
	Name     string `envconfig:"DB_NAME" default:"stockshield"`
	User     string `envconfig:"DB_USER" required:"true"`
	Password string `envconfig:"DB_PASSWORD" required:"true"`
	SSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`
}

// ClickHouseConfig represents ClickHouse connection parameters for the
// metrics pipeline
type ClickHouseConfig struct {
	Enabled  bool   `envconfig:"CH_ENABLED" default:"true"`
	Host     string `envconfig:"CH_HOST" default:"localhost"`
	Port     int    `envconfig:"CH_PORT" default:"9000"`
	Database string `envconfig:"CH_DATABASE" default:"stockshield"`
	User     string `envconfig:"CH_USER" default:"default"`
	Password string `envconfig:"CH_PASSWORD" required:"false"`
}

// RedisConfig represents Redis connection parameters. Disabling Redis
// drops the cross-instance ingest locks and the consensus cache, which
// is fine for a single-pod deployment.
type RedisConfig struct {
	Enabled  bool   `envconfig:"REDIS_ENABLED" default:"true"`
	Host     string `envconfig:"REDIS_HOST" default:"localhost"`
	Port     int    `envconfig:"REDIS_PORT" default:"6379"`
	Password string `envconfig:"REDIS_PASSWORD" required:"false"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

// TelegramConfig represents operator alert channel configuration
type TelegramConfig struct {
	Enabled         bool   `envconfig:"TELEGRAM_ENABLED" default:"false"`
	BotToken        string `envconfig:"TELEGRAM_BOT_TOKEN" required:"false"`
	ChatID          int64  `envconfig:"TELEGRAM_CHAT_ID" required:"false"`
	TemplatesDir    string `envconfig:"TELEGRAM_TEMPLATES_DIR" default:"./templates/telegram"`
	AlertOnBreaker  bool   `envconfig:"TELEGRAM_ALERT_ON_BREAKER" default:"true"`
	AlertOnAuctions bool   `envconfig:"TELEGRAM_ALERT_ON_AUCTIONS" default:"true"`
	AlertOnFeed     bool   `envconfig:"TELEGRAM_ALERT_ON_FEED" default:"true"`
}

// HealthConfig represents the health endpoint listener
type HealthConfig struct {
	Port string `envconfig:"HEALTH_PORT" default:"8080"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level string `envconfig:"LOG_LEVEL" default:"info"`
	File  string `envconfig:"LOG_FILE" default:"logs/engine.log"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if len(c.Engine.Assets) == 0 {
		return fmt.Errorf("at least one asset must be configured")
	}
	if c.Engine.ConsensusInterval <= 0 || c.Engine.SnapshotInterval <= 0 || c.Engine.BarInterval <= 0 {
		return fmt.Errorf("engine intervals must be positive")
	}
	if c.Engine.EventRetention <= 0 {
		return fmt.Errorf("event retention must be positive")
	}

	if err := c.Toxicity.Validate(); err != nil {
		return err
	}
	if err := c.Severity.Validate(); err != nil {
		return err
	}
	if err := c.Consensus.Validate(); err != nil {
		return err
	}
	if err := c.Auction.Validate(); err != nil {
		return err
	}
	if err := c.Fees.Validate(); err != nil {
		return err
	}
	if err := c.Breaker.Validate(); err != nil {
		return err
	}
	if err := c.Inventory.Validate(); err != nil {
		return err
	}

	// At least two price sources must stay enabled or consensus
	// degrades to single-source readings on every cycle.
	enabled := 0
	for _, s := range []SourceConfig{c.Sources.Finnhub, c.Sources.Polygon, c.Sources.Exchange} {
		if s.Enabled {
			enabled++
		}
	}
	if enabled < 2 {
		return fmt.Errorf("at least two price sources must be enabled, got %d", enabled)
	}

	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram bot token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == 0 {
			return fmt.Errorf("telegram chat_id is required when telegram is enabled")
		}
	}

	return nil
}

// GetDSN returns PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetDSN returns ClickHouse connection string
func (c *ClickHouseConfig) GetDSN() string {
	return fmt.Sprintf(
		"clickhouse://%s:%s@%s:%d/%s?dial_timeout=5s&compress=true",
		c.User, c.Password, c.Host, c.Port, c.Database,
	)
}
