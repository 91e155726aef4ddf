package metrics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// memWriter collects writes in memory and can be told to fail.
type memWriter struct {
	mu     sync.Mutex
	rows   map[string]int
	fail   bool
	closed bool
}

func newMemWriter() *memWriter {
	return &memWriter{rows: make(map[string]int)}
}

func (w *memWriter) Write(ctx context.Context, table string, samples []Sample) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return errors.New("writer offline")
	}
	w.rows[table] += len(samples)
	return nil
}

func (w *memWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *memWriter) count(table string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rows[table]
}

func (w *memWriter) setFail(fail bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fail = fail
}

func toxSample(i int) *ToxicitySample {
	return &ToxicitySample{
		Timestamp: time.Now(),
		Asset:     "AAPL",
		Score:     float64(i) / 100,
		Severity:  "normal",
	}
}

func TestBufferFlushesOnBatchSize(t *testing.T) {
	w := newMemWriter()
	bm := NewBufferedMetrics(BufferConfig{
		Writer:        w,
		BatchSize:     10,
		FlushInterval: time.Hour, // only the size path may fire
	})
	defer bm.Close(context.Background())

	for i := 0; i < 10; i++ {
		if err := bm.Add(toxSample(i)); err != nil {
			t.Fatalf("Add %d: %v", i, err)
		}
	}

	deadline := time.After(2 * time.Second)
	for w.count("toxicity_samples") < 10 {
		select {
		case <-deadline:
			t.Fatalf("wrote %d rows, want 10", w.count("toxicity_samples"))
		case <-time.After(5 * time.Millisecond):
		}
	}
	if bm.Size() != 0 {
		t.Errorf("size = %d after flush, want 0", bm.Size())
	}
}

func TestBufferDropsAtCap(t *testing.T) {
	w := newMemWriter()
	bm := NewBufferedMetrics(BufferConfig{
		Writer:        w,
		BatchSize:     100,
		FlushInterval: time.Hour,
		MaxPending:    5,
	})
	defer bm.Close(context.Background())

	// Three past the cap; the overflow is dropped, never blocked on.
	for i := 0; i < 8; i++ {
		if err := bm.Add(toxSample(i)); err != nil {
			t.Fatalf("Add %d: %v", i, err)
		}
	}

	if bm.Size() != 5 {
		t.Errorf("size = %d, want the 5-sample cap", bm.Size())
	}
	if bm.Dropped() != 3 {
		t.Errorf("dropped = %d, want 3", bm.Dropped())
	}
}

func TestBufferRejectsUnusableSamples(t *testing.T) {
	bm := NewBufferedMetrics(BufferConfig{Writer: newMemWriter()})
	defer bm.Close(context.Background())

	if err := bm.Add(nil); err == nil {
		t.Error("nil sample accepted")
	}
}

func TestBufferCloseDrains(t *testing.T) {
	w := newMemWriter()
	bm := NewBufferedMetrics(BufferConfig{
		Writer:        w,
		BatchSize:     100,
		FlushInterval: time.Hour,
	})

	for i := 0; i < 7; i++ {
		if err := bm.Add(toxSample(i)); err != nil {
			t.Fatalf("Add %d: %v", i, err)
		}
	}
	quote := &FeeQuote{Timestamp: time.Now(), Asset: "AAPL", Regime: "CORE_SESSION", FeeRate: 0.003}
	if err := bm.Add(quote); err != nil {
		t.Fatalf("Add quote: %v", err)
	}

	if err := bm.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := w.count("toxicity_samples"); got != 7 {
		t.Errorf("toxicity rows = %d, want 7", got)
	}
	if got := w.count("fee_quotes"); got != 1 {
		t.Errorf("fee rows = %d, want 1", got)
	}
	if !w.closed {
		t.Error("writer not closed")
	}
}

func TestBufferFailedWriteCountsAsDropped(t *testing.T) {
	w := newMemWriter()
	w.setFail(true)
	bm := NewBufferedMetrics(BufferConfig{
		Writer:        w,
		BatchSize:     100,
		FlushInterval: time.Hour,
	})

	for i := 0; i < 4; i++ {
		if err := bm.Add(toxSample(i)); err != nil {
			t.Fatalf("Add %d: %v", i, err)
		}
	}

	if err := bm.Flush(context.Background()); err == nil {
		t.Error("expected flush error from failing writer")
	}
	if bm.Dropped() != 4 {
		t.Errorf("dropped = %d, want the 4 rows the write lost", bm.Dropped())
	}
	if bm.Size() != 0 {
		t.Errorf("size = %d, failed rows must not requeue", bm.Size())
	}

	w.setFail(false)
	if err := bm.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
