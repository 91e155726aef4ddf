package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/stockshield/risk-engine/pkg/logger"
	"github.com/stockshield/risk-engine/pkg/models"
)

// Repository handles ClickHouse history operations: the raw trade
// archive and bar aggregates the replay simulator reads back.
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates new ClickHouse repository
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// SaveBars saves completed bars to ClickHouse
func (r *Repository) SaveBars(ctx context.Context, bars []models.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}

	stmt, err := tx.Preparex(`
		INSERT INTO market_bars
		(timestamp, symbol, open, high, low, close, volume, trades)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, bar := range bars {
		_, err = stmt.ExecContext(ctx,
			bar.Timestamp,
			bar.Symbol,
			bar.Open.InexactFloat64(),
			bar.High.InexactFloat64(),
			bar.Low.InexactFloat64(),
			bar.Close.InexactFloat64(),
			bar.Volume,
			bar.Trades,
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert bar: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	logger.Debug("saved bars to ClickHouse",
		zap.Int("count", len(bars)),
	)

	return nil
}

// SaveTradeEvents archives raw feed trades to ClickHouse
func (r *Repository) SaveTradeEvents(ctx context.Context, events []models.TradeEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}

	stmt, err := tx.Preparex(`
		INSERT INTO trade_events
		(timestamp, symbol, price, volume, side)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		_, err = stmt.ExecContext(ctx,
			ev.Timestamp,
			ev.Symbol,
			ev.Price.InexactFloat64(),
			ev.Volume,
			string(ev.Side),
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert trade event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	logger.Debug("saved trade events to ClickHouse",
		zap.Int("count", len(events)),
	)

	return nil
}

// GetBars reads bars for a symbol in [from, to), oldest first
func (r *Repository) GetBars(ctx context.Context, symbol string, from, to time.Time) ([]models.Bar, error) {
	query := `
		SELECT timestamp, symbol, open, high, low, close, volume, trades
		FROM market_bars
		WHERE symbol = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY timestamp ASC
	`

	rows, err := r.db.QueryContext(ctx, query, symbol, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query bars: %w", err)
	}
	defer rows.Close()

	bars := make([]models.Bar, 0)
	for rows.Next() {
		var (
			bar                     models.Bar
			open, high, low, close_ float64
		)
		if err := rows.Scan(&bar.Timestamp, &bar.Symbol, &open, &high, &low, &close_, &bar.Volume, &bar.Trades); err != nil {
			return nil, fmt.Errorf("failed to scan bar: %w", err)
		}
		bar.Open = models.NewDecimal(open)
		bar.High = models.NewDecimal(high)
		bar.Low = models.NewDecimal(low)
		bar.Close = models.NewDecimal(close_)
		bars = append(bars, bar)
	}

	return bars, rows.Err()
}

// GetTradeEvents reads archived trades for a symbol in [from, to),
// oldest first. The simulation engine's archive replay walks these
// through the risk components to price a real stretch of tape.
func (r *Repository) GetTradeEvents(ctx context.Context, symbol string, from, to time.Time) ([]models.TradeEvent, error) {
	query := `
		SELECT timestamp, symbol, price, volume, side
		FROM trade_events
		WHERE symbol = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY timestamp ASC
	`

	rows, err := r.db.QueryContext(ctx, query, symbol, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query trade events: %w", err)
	}
	defer rows.Close()

	events := make([]models.TradeEvent, 0)
	for rows.Next() {
		var (
			ev    models.TradeEvent
			price float64
			side  string
		)
		if err := rows.Scan(&ev.Timestamp, &ev.Symbol, &price, &ev.Volume, &side); err != nil {
			return nil, fmt.Errorf("failed to scan trade event: %w", err)
		}
		ev.Price = models.NewDecimal(price)
		ev.Side = models.TradeSide(side)
		events = append(events, ev)
	}

	return events, rows.Err()
}
