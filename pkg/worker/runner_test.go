package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

// countingWorker counts iterations and misbehaves on request.
type countingWorker struct {
	runs    atomic.Int64
	panicOn int64 // panic on this run number, 0 disables
	failOn  int64 // return an error on this run number, 0 disables
}

func (w *countingWorker) Name() string { return "counting" }

func (w *countingWorker) Run(ctx context.Context) error {
	n := w.runs.Add(1)
	if n == w.panicOn {
		panic("simulated worker failure")
	}
	if n == w.failOn {
		return fmt.Errorf("iteration %d failed", n)
	}
	return nil
}

func waitForRuns(t *testing.T, w *countingWorker, want int64) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for w.runs.Load() < want {
		select {
		case <-deadline:
			t.Fatalf("worker reached %d runs, want %d", w.runs.Load(), want)
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func TestPeriodicWorkerSurvivesPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := &countingWorker{panicOn: 1}
	pw := NewPeriodicWorker(w, 5*time.Millisecond)
	pw.Start(ctx)

	// The first iteration panics; the ticker loop must keep going.
	waitForRuns(t, w, 3)

	cancel()
	pw.Stop(time.Second)
}

func TestPeriodicWorkerContinuesAfterError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := &countingWorker{failOn: 1}
	pw := NewPeriodicWorker(w, 5*time.Millisecond)
	pw.Start(ctx)

	waitForRuns(t, w, 3)

	cancel()
	pw.Stop(time.Second)
}

func TestWorkerGroupStopsAllWorkers(t *testing.T) {
	group := NewWorkerGroup(context.Background())
	w1 := &countingWorker{}
	w2 := &countingWorker{}
	group.Add(w1, 5*time.Millisecond)
	group.Add(w2, 5*time.Millisecond)
	group.Start()

	// Both run immediately on start.
	waitForRuns(t, w1, 1)
	waitForRuns(t, w2, 1)

	group.Stop(time.Second)

	// Stop waits for the loops to exit, so the counts are final.
	n1, n2 := w1.runs.Load(), w2.runs.Load()
	time.Sleep(20 * time.Millisecond)
	if w1.runs.Load() != n1 || w2.runs.Load() != n2 {
		t.Error("workers kept running after group stop")
	}
}
