package session

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Repository persists the holiday calendar so a restarted engine
// classifies the same dates the running one did.
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates a calendar repository
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Holiday is one market closure date.
type Holiday struct {
	Date      time.Time `db:"holiday_date"`
	Label     string    `db:"label"`
	CreatedAt time.Time `db:"created_at"`
}

// SaveHoliday upserts a holiday date. Safe to call repeatedly with the
// same date; the label of the first insert wins.
func (r *Repository) SaveHoliday(ctx context.Context, date time.Time, label string) error {
	query := `
		INSERT INTO holidays (holiday_date, label, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (holiday_date) DO NOTHING
	`

	if _, err := r.db.ExecContext(ctx, query, date.Format("2006-01-02"), label, time.Now()); err != nil {
		return fmt.Errorf("failed to save holiday: %w", err)
	}
	return nil
}

// LoadHolidays returns every stored holiday, oldest first.
func (r *Repository) LoadHolidays(ctx context.Context) ([]Holiday, error) {
	query := `
		SELECT holiday_date, label, created_at
		FROM holidays
		ORDER BY holiday_date ASC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query holidays: %w", err)
	}
	defer rows.Close()

	holidays := make([]Holiday, 0)
	for rows.Next() {
		var h Holiday
		if err := rows.Scan(&h.Date, &h.Label, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan holiday: %w", err)
		}
		holidays = append(holidays, h)
	}
	return holidays, rows.Err()
}

// SeedClassifier loads stored holidays into a classifier, returning how
// many dates were added.
func (r *Repository) SeedClassifier(ctx context.Context, c *Classifier) (int, error) {
	holidays, err := r.LoadHolidays(ctx)
	if err != nil {
		return 0, err
	}
	added := 0
	for _, h := range holidays {
		if c.AddHoliday(h.Date) {
			added++
		}
	}
	return added, nil
}
