// Package metrics ships the engine's buffered analytics rows into
// ClickHouse. One writer serves every sample table; the schema lives in
// migrations/clickhouse/schema.sql.
package metrics

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/stockshield/risk-engine/pkg/logger"
	"github.com/stockshield/risk-engine/pkg/metrics"
)

// sampleColumns pins the insert column order per analytics table. A
// sample's Values() must match its table's entry here; unknown tables
// are rejected rather than guessed at.
var sampleColumns = map[string][]string{
	"toxicity_samples":  {"timestamp", "asset", "score", "severity", "finished_buckets", "bucket_volume"},
	"consensus_samples": {"timestamp", "asset", "price", "confidence", "source", "survivors"},
	"fee_quotes":        {"timestamp", "asset", "regime", "fee_rate", "toxicity", "volatility", "imbalance", "breaker_level"},
}

// ClickHouseWriter implements metrics.Writer over a shared ClickHouse
// handle. The handle is owned by the caller; Close does not touch it.
type ClickHouseWriter struct {
	db *sqlx.DB
}

// NewClickHouseWriter creates the analytics writer
func NewClickHouseWriter(db *sqlx.DB) *ClickHouseWriter {
	return &ClickHouseWriter{db: db}
}

// Write inserts one table's batch in a single statement
func (w *ClickHouseWriter) Write(ctx context.Context, table string, samples []metrics.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	columns, ok := sampleColumns[table]
	if !ok {
		return fmt.Errorf("unknown analytics table %q", table)
	}

	row := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"
	rows := make([]string, len(samples))
	args := make([]interface{}, 0, len(samples)*len(columns))
	for i, s := range samples {
		values := s.Values()
		if len(values) != len(columns) {
			return fmt.Errorf("%s sample %d carries %d values, table has %d columns",
				table, i, len(values), len(columns))
		}
		rows[i] = row
		args = append(args, values...)
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		table, strings.Join(columns, ", "), strings.Join(rows, ", "))

	if _, err := w.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert %s batch: %w", table, err)
	}

	logger.Debug("analytics batch written",
		zap.String("table", table),
		zap.Int("rows", len(samples)),
	)
	return nil
}

// Close is a no-op; the ClickHouse handle is shared with the archive
// repository and closed by the process shutdown path.
func (w *ClickHouseWriter) Close() error {
	return nil
}
