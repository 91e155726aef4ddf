// Package metrics buffers the engine's analytics rows, toxicity
// readings, consensus prices and fee decisions, and ships them to
// ClickHouse in batches. The hot path only appends; flushing never
// blocks a trade.
package metrics

import "context"

// Sample is one analytics row headed for a ClickHouse table
type Sample interface {
	// TableName names the destination table
	TableName() string
	// Values returns the row in table column order
	Values() []interface{}
}

// Writer ships sample batches to storage
type Writer interface {
	// Write inserts one table's batch
	Write(ctx context.Context, table string, samples []Sample) error
	// Close releases the writer's resources
	Close() error
}

// Buffer is the engine-facing sink. Implementations batch per table
// and flush on size and time.
type Buffer interface {
	// Add queues a sample; it never blocks the caller
	Add(sample Sample) error
	// Flush drains everything pending to the writer
	Flush(ctx context.Context) error
	// Size reports the pending sample count across tables
	Size() int
	// Close drains and shuts the buffer down
	Close(ctx context.Context) error
}
