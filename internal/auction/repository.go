package auction

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// Repository persists auction sessions and settlement outcomes for LP
// accounting and audits. The in-memory coordinator stays authoritative
// for live protocol state; rows here are the record of what happened.
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates an auction repository
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// SessionRecord mirrors the auction_sessions table.
type SessionRecord struct {
	ID             string              `db:"id"`
	Asset          string              `db:"asset"`
	Phase          string              `db:"phase"`
	Gap            decimal.Decimal     `db:"gap"`
	VenuePrice     decimal.Decimal     `db:"venue_price"`
	ConsensusPrice decimal.Decimal     `db:"consensus_price"`
	CommitDeadline time.Time           `db:"commit_deadline"`
	RevealDeadline time.Time           `db:"reveal_deadline"`
	Winner         *string             `db:"winner"`
	WinningBid     decimal.NullDecimal `db:"winning_bid"`
	LPShare        decimal.NullDecimal `db:"lp_share"`
	GapLoss        decimal.NullDecimal `db:"gap_loss"`
	Reveals        int                 `db:"reveals"`
	CreatedAt      time.Time           `db:"created_at"`
	SettledAt      *time.Time          `db:"settled_at"`
}

// SaveOpened records a freshly opened session.
func (r *Repository) SaveOpened(ctx context.Context, snap Snapshot) error {
	query := `
		INSERT INTO auction_sessions
			(id, asset, phase, gap, venue_price, consensus_price, commit_deadline, reveal_deadline, reveals, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, query,
		snap.ID, snap.Asset, string(snap.Phase),
		snap.Gap, snap.VenuePrice, snap.ConsensusPrice,
		snap.CommitDeadline, snap.RevealDeadline, snap.OpenedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save auction session: %w", err)
	}
	return nil
}

// SaveSettlement finalizes a session row with its outcome.
func (r *Repository) SaveSettlement(ctx context.Context, outID string, winner string, winningBid, lpShare, gapLoss decimal.Decimal, reveals int, settledAt time.Time) error {
	query := `
		UPDATE auction_sessions
		SET phase = 'SETTLED',
		    winner = NULLIF($2, ''),
		    winning_bid = $3,
		    lp_share = $4,
		    gap_loss = $5,
		    reveals = $6,
		    settled_at = $7
		WHERE id = $1
	`

	res, err := r.db.ExecContext(ctx, query, outID, winner, winningBid, lpShare, gapLoss, reveals, settledAt)
	if err != nil {
		return fmt.Errorf("failed to save auction settlement: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("auction settlement for unknown session %s", outID)
	}
	return nil
}

// RecentSettlements returns the latest settled sessions, newest first.
func (r *Repository) RecentSettlements(ctx context.Context, asset string, limit int) ([]SessionRecord, error) {
	query := `
		SELECT id, asset, phase, gap, venue_price, consensus_price,
		       commit_deadline, reveal_deadline, winner, winning_bid,
		       lp_share, gap_loss, reveals, created_at, settled_at
		FROM auction_sessions
		WHERE asset = $1 AND phase = 'SETTLED'
		ORDER BY settled_at DESC
		LIMIT $2
	`

	records := make([]SessionRecord, 0)
	if err := r.db.SelectContext(ctx, &records, query, asset, limit); err != nil {
		return nil, fmt.Errorf("failed to query settlements: %w", err)
	}
	return records, nil
}

// TotalLPGains sums LP shares captured for an asset since a cutoff.
func (r *Repository) TotalLPGains(ctx context.Context, asset string, since time.Time) (decimal.Decimal, error) {
	query := `
		SELECT COALESCE(SUM(lp_share), 0)
		FROM auction_sessions
		WHERE asset = $1 AND phase = 'SETTLED' AND settled_at >= $2
	`

	var total decimal.Decimal
	if err := r.db.QueryRowContext(ctx, query, asset, since).Scan(&total); err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum LP gains: %w", err)
	}
	return total, nil
}
