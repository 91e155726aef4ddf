// Package database owns the engine's SQL handles. PostgreSQL keeps the
// durable state (risk snapshots, auctions, classifier centroids) and
// ClickHouse keeps the append-only analytics history; both ride the
// same sqlx wrapper so repositories and migrations share one surface.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/stockshield/risk-engine/internal/adapters/config"
	"github.com/stockshield/risk-engine/pkg/logger"
)

// DB is a pooled sqlx handle for one backing store
type DB struct {
	conn *sqlx.DB
}

// Pool sizes differ per store: postgres serves the hot state path,
// clickhouse only takes periodic batch inserts and replay reads.
type poolProfile struct {
	maxOpen     int
	maxIdle     int
	maxLifetime time.Duration
}

func open(driver, dsn string, p poolProfile) (*DB, error) {
	conn, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", driver, err)
	}

	conn.SetMaxOpenConns(p.maxOpen)
	conn.SetMaxIdleConns(p.maxIdle)
	conn.SetConnMaxLifetime(p.maxLifetime)

	return &DB{conn: conn}, nil
}

// New opens the PostgreSQL state store
func New(cfg *config.DatabaseConfig) (*DB, error) {
	db, err := open("postgres", cfg.GetDSN(), poolProfile{
		maxOpen:     25,
		maxIdle:     5,
		maxLifetime: 5 * time.Minute,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("database connection established",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Name),
	)
	return db, nil
}

// NewClickHouse opens the analytics store. The clickhouse-go driver is
// registered by the callers that blank-import it.
func NewClickHouse(dsn string) (*DB, error) {
	return open("clickhouse", dsn, poolProfile{
		maxOpen:     10,
		maxIdle:     2,
		maxLifetime: 10 * time.Minute,
	})
}

// Conn exposes the raw handle for golang-migrate
func (db *DB) Conn() *sql.DB {
	return db.conn.DB
}

// DB exposes the sqlx handle for repositories
func (db *DB) DB() *sqlx.DB {
	return db.conn
}

// Health pings with a short deadline, suitable for readiness probes
func (db *DB) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := db.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

func (db *DB) Close() error {
	logger.Info("closing database connection")
	return db.conn.Close()
}
