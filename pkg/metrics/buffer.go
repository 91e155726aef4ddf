package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stockshield/risk-engine/pkg/logger"
)

// BufferedMetrics batches samples per table and flushes them from a
// single background goroutine, on a timer and whenever a table crosses
// the batch size. When the writer cannot keep up and the pending total
// hits the cap, new samples are dropped and counted instead of ever
// blocking the caller.
type BufferedMetrics struct {
	writer        Writer
	batchSize     int
	maxPending    int
	flushInterval time.Duration

	mu      sync.Mutex
	pending map[string][]Sample
	total   int
	dropped uint64

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
}

// BufferConfig configures the buffer. Zero values fall back to a batch
// of 100, a 10s flush interval and a cap of twenty batches.
type BufferConfig struct {
	Writer        Writer
	BatchSize     int
	FlushInterval time.Duration
	MaxPending    int // pending samples across all tables before drops start
}

// NewBufferedMetrics starts the flush goroutine and returns the buffer
func NewBufferedMetrics(cfg BufferConfig) *BufferedMetrics {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 20 * cfg.BatchSize
	}

	bm := &BufferedMetrics{
		writer:        cfg.Writer,
		batchSize:     cfg.BatchSize,
		maxPending:    cfg.MaxPending,
		flushInterval: cfg.FlushInterval,
		pending:       make(map[string][]Sample),
		kick:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}

	go bm.flushLoop()

	logger.Info("metrics buffer initialized",
		zap.Int("batch_size", cfg.BatchSize),
		zap.Duration("flush_interval", cfg.FlushInterval),
		zap.Int("max_pending", cfg.MaxPending),
	)

	return bm
}

// Add queues one sample. At the pending cap the sample is dropped and
// counted in Dropped.
func (bm *BufferedMetrics) Add(sample Sample) error {
	if sample == nil {
		return fmt.Errorf("sample is nil")
	}
	table := sample.TableName()
	if table == "" {
		return fmt.Errorf("sample has no table")
	}

	bm.mu.Lock()
	if bm.total >= bm.maxPending {
		bm.dropped++
		n := bm.dropped
		bm.mu.Unlock()

		if n == 1 || n%1000 == 0 {
			logger.Warn("⚠️ metrics buffer full, dropping samples",
				zap.String("table", table),
				zap.Uint64("dropped_total", n),
			)
		}
		return nil
	}
	bm.pending[table] = append(bm.pending[table], sample)
	bm.total++
	ready := len(bm.pending[table]) >= bm.batchSize
	bm.mu.Unlock()

	if ready {
		select {
		case bm.kick <- struct{}{}:
		default: // a flush is already queued
		}
	}
	return nil
}

// Flush drains every pending table through the writer. Rows a failed
// write loses join the drop count; they are not requeued.
func (bm *BufferedMetrics) Flush(ctx context.Context) error {
	bm.mu.Lock()
	if bm.total == 0 {
		bm.mu.Unlock()
		return nil
	}
	batches := bm.pending
	bm.pending = make(map[string][]Sample, len(batches))
	bm.total = 0
	bm.mu.Unlock()

	failed := 0
	for table, samples := range batches {
		if err := bm.writer.Write(ctx, table, samples); err != nil {
			logger.Error("failed to flush samples",
				zap.String("table", table),
				zap.Int("count", len(samples)),
				zap.Error(err),
			)
			bm.mu.Lock()
			bm.dropped += uint64(len(samples))
			bm.mu.Unlock()
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("flush failed for %d of %d tables", failed, len(batches))
	}
	return nil
}

// Size reports the pending sample count across tables
func (bm *BufferedMetrics) Size() int {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.total
}

// Dropped reports samples lost to the cap or to failed writes since
// startup
func (bm *BufferedMetrics) Dropped() uint64 {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.dropped
}

// Close stops the flush goroutine, drains the buffer and closes the
// writer. The writer closes even when the final flush fails.
func (bm *BufferedMetrics) Close(ctx context.Context) error {
	close(bm.stop)
	<-bm.done

	flushErr := bm.Flush(ctx)
	if n := bm.Dropped(); n > 0 {
		logger.Warn("⚠️ metrics buffer closed with losses",
			zap.Uint64("dropped_total", n),
		)
	}
	if err := bm.writer.Close(); err != nil {
		return err
	}
	return flushErr
}

// flushLoop is the only goroutine that initiates background flushes:
// on the interval and on a size kick, never concurrently with itself.
func (bm *BufferedMetrics) flushLoop() {
	defer close(bm.done)

	ticker := time.NewTicker(bm.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-bm.kick:
		case <-bm.stop:
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := bm.Flush(ctx); err != nil {
			logger.Warn("background flush failed", zap.Error(err))
		}
		cancel()
	}
}
