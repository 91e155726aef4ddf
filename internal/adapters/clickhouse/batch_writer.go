package clickhouse

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stockshield/risk-engine/pkg/logger"
	"github.com/stockshield/risk-engine/pkg/models"
)

// batcher accumulates rows of one type and hands full batches to a
// sink. Flushes happen on size, on the wait timer, and once more on
// close. A failed sink call drops the batch after logging; the archive
// tolerates holes better than unbounded memory growth.
type batcher[T any] struct {
	sink    func(context.Context, []T) error
	name    string
	maxRows int

	mu   sync.Mutex
	rows []T

	stop chan struct{}
	done chan struct{}
}

func newBatcher[T any](name string, maxRows int, maxWait time.Duration, sink func(context.Context, []T) error) *batcher[T] {
	b := &batcher[T]{
		sink:    sink,
		name:    name,
		maxRows: maxRows,
		rows:    make([]T, 0, maxRows),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go b.run(maxWait)
	return b
}

func (b *batcher[T]) add(row T) {
	b.mu.Lock()
	b.rows = append(b.rows, row)
	full := len(b.rows) >= b.maxRows
	b.mu.Unlock()

	if full {
		b.flush()
	}
}

func (b *batcher[T]) run(maxWait time.Duration) {
	defer close(b.done)

	ticker := time.NewTicker(maxWait)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flush()
		case <-b.stop:
			b.flush()
			return
		}
	}
}

func (b *batcher[T]) flush() {
	b.mu.Lock()
	if len(b.rows) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.rows
	b.rows = make([]T, 0, b.maxRows)
	b.mu.Unlock()

	// Not tied to the writer lifecycle so the drain on close still
	// gets a live context
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := b.sink(ctx, batch); err != nil {
		logger.Error("failed to flush batch to clickhouse",
			zap.String("writer", b.name),
			zap.Int("rows", len(batch)),
			zap.Error(err),
		)
		return
	}

	logger.Debug("clickhouse batch flushed",
		zap.String("writer", b.name),
		zap.Int("rows", len(batch)),
	)
}

func (b *batcher[T]) close() error {
	close(b.stop)
	<-b.done
	return nil
}

// BarBatchWriter buffers completed minute bars for the market_bars table
type BarBatchWriter struct {
	b *batcher[models.Bar]
}

func NewBarBatchWriter(repo *Repository, maxBatch int, maxWait time.Duration) *BarBatchWriter {
	return &BarBatchWriter{
		b: newBatcher("bars", maxBatch, maxWait, repo.SaveBars),
	}
}

// AddBar queues a completed bar without blocking the ingest path
func (w *BarBatchWriter) AddBar(bar models.Bar) { w.b.add(bar) }

// Close drains whatever is queued and stops the background flusher
func (w *BarBatchWriter) Close() error { return w.b.close() }

// TradeBatchWriter buffers raw prints for the trade_events archive
type TradeBatchWriter struct {
	b *batcher[models.TradeEvent]
}

func NewTradeBatchWriter(repo *Repository, maxBatch int, maxWait time.Duration) *TradeBatchWriter {
	return &TradeBatchWriter{
		b: newBatcher("trades", maxBatch, maxWait, repo.SaveTradeEvents),
	}
}

func (w *TradeBatchWriter) AddTrade(ev models.TradeEvent) { w.b.add(ev) }

func (w *TradeBatchWriter) Close() error { return w.b.close() }
