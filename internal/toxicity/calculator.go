// Package toxicity computes a VPIN-style order-flow toxicity score on a
// volume clock: trades fill fixed-capacity buckets, and the score is the
// mean buy/sell imbalance over the most recent window of finished buckets.
package toxicity

import (
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/stockshield/risk-engine/pkg/logger"
)

// Residual volume below this is treated as zero when deciding whether a
// bucket is full, so exact splits do not leave phantom capacity behind.
const volumeEpsilon = 1e-9

// Config bounds the volume clock. BucketVolume is derived as
// AverageDailyVolume / BucketsPerDay clamped to [MinBucketVolume, MaxBucketVolume].
type Config struct {
	BucketsPerDay      int     `envconfig:"BUCKETS_PER_DAY" default:"50"`
	WindowBuckets      int     `envconfig:"WINDOW_BUCKETS" default:"50"`
	MinBucketVolume    float64 `envconfig:"MIN_BUCKET_VOLUME" default:"100"`
	MaxBucketVolume    float64 `envconfig:"MAX_BUCKET_VOLUME" default:"1000000"`
	AverageDailyVolume float64 `envconfig:"AVERAGE_DAILY_VOLUME" default:"50000"`
}

// Validate rejects configurations that would make the volume clock
// degenerate. This is the only error path; once constructed the
// calculator always yields a score in [0,1].
func (c Config) Validate() error {
	if c.BucketsPerDay <= 0 {
		return fmt.Errorf("toxicity: buckets per day must be positive, got %d", c.BucketsPerDay)
	}
	if c.WindowBuckets <= 0 {
		return fmt.Errorf("toxicity: window must be positive, got %d", c.WindowBuckets)
	}
	if c.MinBucketVolume <= 0 {
		return fmt.Errorf("toxicity: min bucket volume must be positive, got %f", c.MinBucketVolume)
	}
	if c.MaxBucketVolume < c.MinBucketVolume {
		return fmt.Errorf("toxicity: max bucket volume %f below min %f", c.MaxBucketVolume, c.MinBucketVolume)
	}
	if c.AverageDailyVolume <= 0 {
		return fmt.Errorf("toxicity: average daily volume must be positive, got %f", c.AverageDailyVolume)
	}
	return nil
}

func (c Config) bucketVolume(avgDailyVolume float64) float64 {
	v := avgDailyVolume / float64(c.BucketsPerDay)
	if v < c.MinBucketVolume {
		return c.MinBucketVolume
	}
	if v > c.MaxBucketVolume {
		return c.MaxBucketVolume
	}
	return v
}

// bucket accumulates buy and sell volume up to capacity. Each bucket
// carries the capacity it was opened with, so recalibration never
// distorts imbalances recorded under an earlier clock.
type bucket struct {
	buy      float64
	sell     float64
	capacity float64
}

func (b bucket) total() float64 { return b.buy + b.sell }

func (b bucket) imbalance() float64 {
	if b.capacity <= 0 {
		return 0
	}
	return math.Abs(b.buy-b.sell) / b.capacity
}

// Calculator is the per-asset toxicity state. Writes (ProcessTrade,
// Reset, Recalibrate) must come from a single owner; reads are safe
// from any goroutine.
type Calculator struct {
	mu sync.RWMutex

	cfg       Config
	bucketCap float64 // capacity for the next opened bucket
	current   bucket
	ring      []bucket // finished buckets, fixed size WindowBuckets
	next      int      // ring write position
	finished  uint64   // total buckets ever finished
}

// New builds a calculator calibrated to cfg.AverageDailyVolume.
func New(cfg Config) (*Calculator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	bv := cfg.bucketVolume(cfg.AverageDailyVolume)
	return &Calculator{
		cfg:       cfg,
		bucketCap: bv,
		current:   bucket{capacity: bv},
		ring:      make([]bucket, cfg.WindowBuckets),
	}, nil
}

// ProcessTrade folds one trade into the volume clock and returns the
// updated score. A trade overflowing the current bucket is split: the
// bucket is filled to capacity, finished, and the remainder rolls into
// a freshly opened bucket (repeatedly for very large trades). Zero or
// negative volume is a no-op.
func (c *Calculator) ProcessTrade(volume float64, isBuy bool) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	remaining := volume
	for remaining > 0 {
		space := c.current.capacity - c.current.total()
		fill := math.Min(remaining, space)
		if isBuy {
			c.current.buy += fill
		} else {
			c.current.sell += fill
		}
		remaining -= fill

		if c.current.capacity-c.current.total() <= volumeEpsilon {
			c.finishBucket()
		}
	}
	return c.scoreLocked()
}

// finishBucket moves the full current bucket into the ring, evicting the
// oldest entry once the window is full. Caller holds the write lock.
func (c *Calculator) finishBucket() {
	c.ring[c.next] = c.current
	c.next = (c.next + 1) % len(c.ring)
	c.finished++
	c.current = bucket{capacity: c.bucketCap}
}

// Score returns the current toxicity score in [0,1]: the mean imbalance
// over the last WindowBuckets finished buckets, 0 before any bucket has
// finished.
func (c *Calculator) Score() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.scoreLocked()
}

func (c *Calculator) scoreLocked() float64 {
	n := int(c.finished)
	if n == 0 {
		return 0
	}
	if n > len(c.ring) {
		n = len(c.ring)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += c.ring[i].imbalance()
	}
	score := sum / float64(n)
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// FinishedBuckets returns how many buckets have ever been completed.
func (c *Calculator) FinishedBuckets() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.finished
}

// Reset returns the calculator to its freshly constructed state: score 0,
// no finished buckets, capacity re-derived from the configured average
// daily volume.
func (c *Calculator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.bucketCap = c.cfg.bucketVolume(c.cfg.AverageDailyVolume)
	c.current = bucket{capacity: c.bucketCap}
	for i := range c.ring {
		c.ring[i] = bucket{}
	}
	c.next = 0
	c.finished = 0
}

// Recalibrate re-derives bucket capacity from a fresh average daily
// volume reading. The in-flight bucket keeps the capacity it was opened
// with; only buckets opened from now on use the new clock. Non-positive
// input clamps to the configured minimum rather than erroring.
func (c *Calculator) Recalibrate(avgDailyVolume float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.bucketCap
	c.bucketCap = c.cfg.bucketVolume(avgDailyVolume)
	if c.bucketCap != old {
		logger.Debug("toxicity clock recalibrated",
			zap.Float64("old_bucket_volume", old),
			zap.Float64("new_bucket_volume", c.bucketCap),
			zap.Float64("avg_daily_volume", avgDailyVolume),
		)
	}
}

// BucketVolume reports the capacity new buckets are opened with.
func (c *Calculator) BucketVolume() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bucketCap
}
