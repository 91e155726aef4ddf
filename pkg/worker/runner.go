// Package worker drives the engine's periodic loops. A Worker's Run is
// one iteration; the runner owns the cadence, panic containment and
// shutdown ordering.
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stockshield/risk-engine/pkg/logger"
)

// Worker is one periodic job
type Worker interface {
	// Name identifies the worker in logs
	Name() string
	// Run performs a single iteration
	Run(ctx context.Context) error
}

// PeriodicWorker runs a Worker on a fixed interval. The first iteration
// fires on Start, not one interval later.
type PeriodicWorker struct {
	worker   Worker
	interval time.Duration
	done     chan struct{}
}

// NewPeriodicWorker wraps a worker with its cadence
func NewPeriodicWorker(w Worker, interval time.Duration) *PeriodicWorker {
	return &PeriodicWorker{
		worker:   w,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start launches the loop; it exits when ctx is cancelled
func (pw *PeriodicWorker) Start(ctx context.Context) {
	go pw.loop(ctx)
}

// Stop blocks until the loop has exited or the timeout passes. Call
// after cancelling the Start context.
func (pw *PeriodicWorker) Stop(timeout time.Duration) {
	select {
	case <-pw.done:
		logger.Info("✅ Worker stopped gracefully",
			zap.String("worker", pw.worker.Name()),
		)
	case <-time.After(timeout):
		logger.Warn("⚠️ Worker stop timeout",
			zap.String("worker", pw.worker.Name()),
		)
	}
}

func (pw *PeriodicWorker) loop(ctx context.Context) {
	defer close(pw.done)

	logger.Info("🚀 Worker started",
		zap.String("worker", pw.worker.Name()),
		zap.Duration("interval", pw.interval),
	)

	ticker := time.NewTicker(pw.interval)
	defer ticker.Stop()

	for {
		pw.iterate(ctx)

		select {
		case <-ctx.Done():
			logger.Info("🛑 Worker stopping",
				zap.String("worker", pw.worker.Name()),
			)
			return
		case <-ticker.C:
		}
	}
}

// iterate runs one pass. Panics and errors are logged and the cadence
// continues; a bad iteration never takes the loop down.
func (pw *PeriodicWorker) iterate(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("⚠️ worker panicked",
				zap.String("worker", pw.worker.Name()),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()

	if err := pw.worker.Run(ctx); err != nil {
		logger.Error("worker execution failed",
			zap.String("worker", pw.worker.Name()),
			zap.Error(err),
		)
	}
}

// WorkerGroup owns a set of periodic loops sharing one shutdown signal
type WorkerGroup struct {
	mu     sync.Mutex
	loops  []*PeriodicWorker
	ctx    context.Context
	cancel context.CancelFunc
}

// NewWorkerGroup derives the group's run context from ctx
func NewWorkerGroup(ctx context.Context) *WorkerGroup {
	ctx, cancel := context.WithCancel(ctx)
	return &WorkerGroup{ctx: ctx, cancel: cancel}
}

// Add registers a worker; it starts with the group
func (g *WorkerGroup) Add(w Worker, interval time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.loops = append(g.loops, NewPeriodicWorker(w, interval))
}

// Start launches every registered loop
func (g *WorkerGroup) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, pw := range g.loops {
		pw.Start(g.ctx)
	}

	logger.Info("🚀 Worker group started",
		zap.Int("workers", len(g.loops)),
	)
}

// Stop cancels the shared context and waits for each loop to drain.
// The timeout applies per loop.
func (g *WorkerGroup) Stop(timeout time.Duration) {
	g.cancel()

	g.mu.Lock()
	defer g.mu.Unlock()

	logger.Info("🛑 Stopping worker group...",
		zap.Int("workers", len(g.loops)),
	)

	for _, pw := range g.loops {
		pw.Stop(timeout)
	}

	logger.Info("✅ Worker group stopped")
}
