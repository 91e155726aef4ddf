package risk

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Risk event types written by the engine.
const (
	EventBreakerEscalated   = "BREAKER_ESCALATED"
	EventBreakerDeescalated = "BREAKER_DEESCALATED"
	EventAuctionOpened      = "AUCTION_OPENED"
	EventAuctionSettled     = "AUCTION_SETTLED"
	EventFeedStalled        = "FEED_STALLED"
)

// EventData is the free-form payload column, stored as JSONB
type EventData map[string]interface{}

func (d EventData) Value() (driver.Value, error) {
	return json.Marshal(d)
}

func (d *EventData) Scan(src interface{}) error {
	if src == nil {
		*d = nil
		return nil
	}
	raw, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("risk event data: unexpected column type %T", src)
	}
	if len(raw) == 0 {
		*d = nil
		return nil
	}
	return json.Unmarshal(raw, d)
}

// RiskEvent is one audit row in risk_events
type RiskEvent struct {
	ID          int64     `db:"id"`
	Asset       string    `db:"asset"`
	EventType   string    `db:"event_type"`
	Description string    `db:"description"`
	Data        EventData `db:"data"`
	CreatedAt   time.Time `db:"created_at"`
}

// Repository persists the risk audit trail in PostgreSQL
type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// LogRiskEvent appends one audit row
func (r *Repository) LogRiskEvent(ctx context.Context, asset, eventType, description string, data map[string]interface{}) error {
	const q = `INSERT INTO risk_events (asset, event_type, description, data, created_at)
	           VALUES ($1, $2, $3, $4, $5)`

	if _, err := r.db.ExecContext(ctx, q, asset, eventType, description, EventData(data), time.Now()); err != nil {
		return fmt.Errorf("insert risk event: %w", err)
	}
	return nil
}

// GetRecentRiskEvents returns the newest events for an asset, newest first
func (r *Repository) GetRecentRiskEvents(ctx context.Context, asset string, limit int) ([]RiskEvent, error) {
	const q = `SELECT id, asset, event_type, description, data, created_at
	           FROM risk_events
	           WHERE asset = $1
	           ORDER BY created_at DESC
	           LIMIT $2`

	events := make([]RiskEvent, 0, limit)
	if err := r.db.SelectContext(ctx, &events, q, asset, limit); err != nil {
		return nil, fmt.Errorf("select recent risk events: %w", err)
	}
	return events, nil
}

// GetRiskEventsByType returns an asset's events of one type since a cutoff
func (r *Repository) GetRiskEventsByType(ctx context.Context, asset, eventType string, since time.Time) ([]RiskEvent, error) {
	const q = `SELECT id, asset, event_type, description, data, created_at
	           FROM risk_events
	           WHERE asset = $1 AND event_type = $2 AND created_at >= $3
	           ORDER BY created_at DESC`

	events := make([]RiskEvent, 0)
	if err := r.db.SelectContext(ctx, &events, q, asset, eventType, since); err != nil {
		return nil, fmt.Errorf("select risk events by type: %w", err)
	}
	return events, nil
}

// CountRiskEventsByType counts an asset's events of one type since a cutoff
func (r *Repository) CountRiskEventsByType(ctx context.Context, asset, eventType string, since time.Time) (int, error) {
	const q = `SELECT COUNT(*) FROM risk_events
	           WHERE asset = $1 AND event_type = $2 AND created_at >= $3`

	var count int
	if err := r.db.GetContext(ctx, &count, q, asset, eventType, since); err != nil {
		return 0, fmt.Errorf("count risk events: %w", err)
	}
	return count, nil
}

// DeleteOldRiskEvents removes audit rows past the retention window and
// reports how many went
func (r *Repository) DeleteOldRiskEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	const q = `DELETE FROM risk_events WHERE created_at < $1`

	res, err := r.db.ExecContext(ctx, q, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("delete old risk events: %w", err)
	}

	deleted, _ := res.RowsAffected()
	return deleted, nil
}
