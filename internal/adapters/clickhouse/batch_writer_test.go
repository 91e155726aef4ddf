package clickhouse

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type sinkRecorder struct {
	mu      sync.Mutex
	batches [][]int
	fail    bool
}

func (s *sinkRecorder) write(_ context.Context, rows []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("clickhouse down")
	}
	s.batches = append(s.batches, append([]int(nil), rows...))
	return nil
}

func (s *sinkRecorder) snapshot() [][]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]int, len(s.batches))
	copy(out, s.batches)
	return out
}

func TestBatcherFlushesOnSize(t *testing.T) {
	rec := &sinkRecorder{}
	b := newBatcher("test", 3, time.Hour, rec.write)

	// Size flushes run on the adding goroutine, so both full batches
	// are written before add returns.
	for i := 0; i < 7; i++ {
		b.add(i)
	}

	got := rec.snapshot()
	if len(got) != 2 {
		t.Fatalf("expected 2 size flushes, saw %d", len(got))
	}
	for i, batch := range got {
		if len(batch) != 3 {
			t.Errorf("batch %d has %d rows, want 3", i, len(batch))
		}
	}

	// The seventh row only leaves on close
	if err := b.close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	got = rec.snapshot()
	if len(got) != 3 || len(got[2]) != 1 {
		t.Fatalf("expected the tail row drained on close, saw %v", got)
	}
	if got[2][0] != 6 {
		t.Errorf("tail row = %d, want 6", got[2][0])
	}
}

func TestBatcherDropsFailedBatch(t *testing.T) {
	rec := &sinkRecorder{fail: true}
	b := newBatcher("test", 2, time.Hour, rec.write)

	b.add(1)
	b.add(2)

	rec.mu.Lock()
	rec.fail = false
	rec.mu.Unlock()

	b.add(3)
	b.add(4)

	if err := b.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	got := rec.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected exactly the recovered batch, saw %v", got)
	}
	if got[0][0] != 3 || got[0][1] != 4 {
		t.Errorf("recovered batch = %v, want [3 4]", got[0])
	}
}

func TestBatcherTimedFlush(t *testing.T) {
	rec := &sinkRecorder{}
	b := newBatcher("test", 100, 20*time.Millisecond, rec.write)
	defer b.close()

	b.add(42)

	deadline := time.Now().Add(2 * time.Second)
	for len(rec.snapshot()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed flush never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}

	got := rec.snapshot()
	if len(got[0]) != 1 || got[0][0] != 42 {
		t.Fatalf("timed flush wrote %v, want [[42]]", got)
	}
}
