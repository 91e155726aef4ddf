package risk

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stockshield/risk-engine/pkg/logger"
)

// CircuitBreaker tracks the breaker level for one asset and records
// level transitions. The level itself is recomputed from readings by
// Synthesizer.EvaluateBreaker; this type only remembers the previous
// state so escalations and recoveries are logged exactly once.
type CircuitBreaker struct {
	mu        sync.RWMutex
	repo      *Repository
	asset     string
	level     int
	flags     []string
	changedAt time.Time
}

// NewCircuitBreaker creates a breaker recorder for one asset. repo may
// be nil in simulations; transitions are then only logged.
func NewCircuitBreaker(repo *Repository, asset string) *CircuitBreaker {
	return &CircuitBreaker{
		repo:  repo,
		asset: asset,
	}
}

// Update applies a freshly evaluated state. It returns true when the
// level changed. Repeated updates at the same level are silent, so the
// caller can push every tick without flooding logs or the events table.
func (cb *CircuitBreaker) Update(state BreakerState, now time.Time) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if state.Level == cb.level {
		cb.flags = state.Flags
		return false
	}

	prev := cb.level
	cb.level = state.Level
	cb.flags = state.Flags
	cb.changedAt = now

	switch {
	case state.Level == maxBreakerLevel:
		logger.Error("CIRCUIT BREAKER FULL PAUSE",
			zap.String("asset", cb.asset),
			zap.Int("previous_level", prev),
			zap.Strings("flags", state.Flags),
		)
	case state.Level > prev:
		logger.Warn("⚠️ circuit breaker escalated",
			zap.String("asset", cb.asset),
			zap.Int("level", state.Level),
			zap.Int("previous_level", prev),
			zap.Strings("flags", state.Flags),
		)
	case state.Level == 0:
		logger.Info("✅ circuit breaker cleared",
			zap.String("asset", cb.asset),
			zap.Int("previous_level", prev),
		)
	default:
		logger.Info("circuit breaker de-escalated",
			zap.String("asset", cb.asset),
			zap.Int("level", state.Level),
			zap.Int("previous_level", prev),
		)
	}

	if cb.repo != nil {
		eventType := EventBreakerEscalated
		if state.Level < prev {
			eventType = EventBreakerDeescalated
		}
		_ = cb.repo.LogRiskEvent(context.Background(), cb.asset, eventType, transitionReason(prev, state.Level), map[string]interface{}{
			"level":          state.Level,
			"previous_level": prev,
			"flags":          state.Flags,
			"actions":        state.Actions,
		})
	}

	return true
}

// Paused reports whether the asset is fully halted.
func (cb *CircuitBreaker) Paused() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.level == maxBreakerLevel
}

// Level returns the last recorded breaker level.
func (cb *CircuitBreaker) Level() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.level
}

// GetStatus returns the current breaker status for reporting.
func (cb *CircuitBreaker) GetStatus() CircuitBreakerStatus {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	status := CircuitBreakerStatus{
		Asset:     cb.asset,
		Level:     cb.level,
		Flags:     append([]string(nil), cb.flags...),
		Actions:   BreakerActions(cb.level),
		ChangedAt: cb.changedAt,
	}
	if !cb.changedAt.IsZero() {
		status.Since = time.Since(cb.changedAt)
	}
	return status
}

// CircuitBreakerStatus represents current status
type CircuitBreakerStatus struct {
	Asset     string        `json:"asset"`
	Level     int           `json:"level"`
	Flags     []string      `json:"flags,omitempty"`
	Actions   []string      `json:"actions,omitempty"`
	ChangedAt time.Time     `json:"changed_at,omitempty"`
	Since     time.Duration `json:"since,omitempty"`
}

func transitionReason(prev, next int) string {
	switch {
	case next == maxBreakerLevel:
		return "full trading pause"
	case next > prev:
		return "risk thresholds tripped"
	case next == 0:
		return "all thresholds recovered"
	default:
		return "partial recovery"
	}
}
