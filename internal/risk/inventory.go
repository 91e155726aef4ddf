package risk

import (
	"fmt"
	"sync"

	"github.com/stockshield/risk-engine/pkg/models"
)

// InventoryConfig bounds the venue's inventory book for one asset.
// MaxDeviation is the absolute position delta that maps to a full
// imbalance reading of 1.
type InventoryConfig struct {
	Target       float64 `envconfig:"TARGET" default:"0"`
	MaxDeviation float64 `envconfig:"MAX_DEVIATION" default:"10000"`
}

// Validate rejects a non-positive deviation bound.
func (c InventoryConfig) Validate() error {
	if c.MaxDeviation <= 0 {
		return fmt.Errorf("risk: inventory max deviation must be positive, got %f", c.MaxDeviation)
	}
	return nil
}

// InventoryTracker follows the venue's net position in one asset. Fills
// move the position, and Imbalance reports how far it has drifted from
// target on a [-1, 1] scale.
type InventoryTracker struct {
	mu           sync.RWMutex
	asset        string
	target       float64
	maxDeviation float64
	current      float64
}

// NewInventoryTracker creates a tracker starting at the target position.
func NewInventoryTracker(cfg InventoryConfig, asset string) (*InventoryTracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &InventoryTracker{
		asset:        asset,
		target:       cfg.Target,
		maxDeviation: cfg.MaxDeviation,
		current:      cfg.Target,
	}, nil
}

// RecordFill applies one executed trade from the venue's side of the
// book: a taker buy drains inventory, a taker sell accumulates it.
// Non-positive volumes are ignored. Returns the updated imbalance.
func (it *InventoryTracker) RecordFill(side models.TradeSide, volume float64) float64 {
	it.mu.Lock()
	defer it.mu.Unlock()

	if volume > 0 {
		if side == models.SideBuy {
			it.current -= volume
		} else {
			it.current += volume
		}
	}
	return it.imbalanceLocked()
}

// Imbalance returns (current - target) / maxDeviation clamped to [-1, 1].
func (it *InventoryTracker) Imbalance() float64 {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.imbalanceLocked()
}

func (it *InventoryTracker) imbalanceLocked() float64 {
	return clamp((it.current-it.target)/it.maxDeviation, -1, 1)
}

// Position returns the current net position.
func (it *InventoryTracker) Position() float64 {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.current
}

// SetPosition overwrites the tracked position, used when reconciling
// against a venue snapshot after restart.
func (it *InventoryTracker) SetPosition(position float64) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.current = position
}

// GetStatus returns the current inventory reading.
func (it *InventoryTracker) GetStatus() InventoryStatus {
	it.mu.RLock()
	defer it.mu.RUnlock()

	return InventoryStatus{
		Asset:     it.asset,
		Position:  it.current,
		Target:    it.target,
		Imbalance: it.imbalanceLocked(),
	}
}

// InventoryStatus represents the current inventory state
type InventoryStatus struct {
	Asset     string  `json:"asset"`
	Position  float64 `json:"position"`
	Target    float64 `json:"target"`
	Imbalance float64 `json:"imbalance"`
}
