package toxicity

import (
	"math"
	"math/rand"
	"testing"
)

func testConfig() Config {
	// 5000 daily volume over 50 buckets = 100 per bucket
	return Config{
		BucketsPerDay:      50,
		WindowBuckets:      50,
		MinBucketVolume:    10,
		MaxBucketVolume:    1000000,
		AverageDailyVolume: 5000,
	}
}

func TestCalculator_ConfigValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero buckets per day", func(c *Config) { c.BucketsPerDay = 0 }},
		{"negative window", func(c *Config) { c.WindowBuckets = -1 }},
		{"zero min volume", func(c *Config) { c.MinBucketVolume = 0 }},
		{"max below min", func(c *Config) { c.MaxBucketVolume = 5; c.MinBucketVolume = 10 }},
		{"zero daily volume", func(c *Config) { c.AverageDailyVolume = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.mutate(&cfg)
			if _, err := New(cfg); err == nil {
				t.Errorf("Expected construction error for %s", tc.name)
			}
		})
	}

	if _, err := New(testConfig()); err != nil {
		t.Fatalf("Valid config rejected: %v", err)
	}
}

func TestCalculator_EmptyScoreIsZero(t *testing.T) {
	calc, err := New(testConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if got := calc.Score(); got != 0 {
		t.Errorf("Expected score 0 before any bucket fills, got %.4f", got)
	}

	// Partial bucket still scores zero
	calc.ProcessTrade(50, true)
	if got := calc.Score(); got != 0 {
		t.Errorf("Expected score 0 with only a partial bucket, got %.4f", got)
	}
}

func TestCalculator_ZeroVolumeTradeIsNoOp(t *testing.T) {
	calc, _ := New(testConfig())
	calc.ProcessTrade(0, true)
	calc.ProcessTrade(-5, false)

	if calc.FinishedBuckets() != 0 {
		t.Errorf("Zero-volume trades must not fill buckets, finished=%d", calc.FinishedBuckets())
	}
	if calc.current.total() != 0 {
		t.Errorf("Zero-volume trades must not add volume, got %.4f", calc.current.total())
	}
}

func TestCalculator_AllBuyFlowIsToxic(t *testing.T) {
	calc, _ := New(testConfig())

	// 30 full buckets of pure buy flow
	for i := 0; i < 30; i++ {
		calc.ProcessTrade(100, true)
	}
	score := calc.Score()
	if score < 0.8 {
		t.Errorf("Pure buy flow should score >= 0.8, got %.4f", score)
	}
	if score > 1 {
		t.Errorf("Score exceeded 1: %.4f", score)
	}
}

func TestCalculator_BalancedFlowIsBenign(t *testing.T) {
	calc, _ := New(testConfig())

	// Alternating equal trades whose size does not divide bucket volume,
	// so fills split across bucket boundaries
	size := 100.0 / 7.0
	for i := 0; i < 700; i++ {
		calc.ProcessTrade(size, i%2 == 0)
	}
	score := calc.Score()
	if score > 0.3 {
		t.Errorf("Balanced alternating flow should score <= 0.3, got %.4f", score)
	}
}

func TestCalculator_TradeSplitsAcrossBuckets(t *testing.T) {
	calc, _ := New(testConfig())

	t.Run("exact fill closes bucket", func(t *testing.T) {
		calc.ProcessTrade(100, true)
		if calc.FinishedBuckets() != 1 {
			t.Errorf("Expected 1 finished bucket, got %d", calc.FinishedBuckets())
		}
		if calc.current.total() != 0 {
			t.Errorf("Fresh bucket should be empty, got %.4f", calc.current.total())
		}
	})

	t.Run("oversize trade spans several buckets", func(t *testing.T) {
		calc.Reset()
		calc.ProcessTrade(250, false)
		if calc.FinishedBuckets() != 2 {
			t.Errorf("250 volume into 100-buckets should finish 2, got %d", calc.FinishedBuckets())
		}
		if math.Abs(calc.current.total()-50) > 1e-9 {
			t.Errorf("Expected 50 remainder in current bucket, got %.4f", calc.current.total())
		}
	})

	t.Run("no volume lost at boundaries", func(t *testing.T) {
		cfg := testConfig()
		cfg.WindowBuckets = 10000 // large enough that nothing evicts
		c, err := New(cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}

		rng := rand.New(rand.NewSource(42))
		var input float64
		for i := 0; i < 500; i++ {
			v := rng.Float64() * 350
			input += v
			c.ProcessTrade(v, rng.Intn(2) == 0)
		}

		var held float64
		for i := 0; i < int(c.finished); i++ {
			held += c.ring[i].total()
		}
		held += c.current.total()

		if math.Abs(held-input) > 1e-6 {
			t.Errorf("Volume not conserved: ingested %.6f, buckets hold %.6f", input, held)
		}
	})
}

func TestCalculator_ScoreAlwaysBounded(t *testing.T) {
	calc, _ := New(testConfig())
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 5000; i++ {
		v := rng.Float64() * 300
		score := calc.ProcessTrade(v, rng.Intn(2) == 0)
		if score < 0 || score > 1 {
			t.Fatalf("Score out of [0,1] at step %d: %.6f", i, score)
		}
	}
}

func TestCalculator_WindowEvictsOldBuckets(t *testing.T) {
	cfg := testConfig()
	cfg.WindowBuckets = 5
	calc, _ := New(cfg)

	// Fill window with pure sell flow, then flood with balanced flow;
	// the toxic buckets must age out of the score
	for i := 0; i < 5; i++ {
		calc.ProcessTrade(100, false)
	}
	if s := calc.Score(); s < 0.99 {
		t.Fatalf("Expected saturated score after pure sell window, got %.4f", s)
	}

	for i := 0; i < 20; i++ {
		calc.ProcessTrade(50, true)
		calc.ProcessTrade(50, false)
	}
	if s := calc.Score(); s > 0.05 {
		t.Errorf("Old toxic buckets should be evicted, score still %.4f", s)
	}
}

func TestCalculator_ResetRestoresFreshState(t *testing.T) {
	calc, _ := New(testConfig())

	calc.ProcessTrade(730, true)
	calc.Recalibrate(20000)
	calc.Reset()

	if got := calc.Score(); got != 0 {
		t.Errorf("Score after reset = %.4f, want 0", got)
	}
	if calc.FinishedBuckets() != 0 {
		t.Errorf("Finished buckets after reset = %d, want 0", calc.FinishedBuckets())
	}
	if math.Abs(calc.BucketVolume()-100) > 1e-9 {
		t.Errorf("Reset should restore construction calibration, bucket volume = %.4f", calc.BucketVolume())
	}
	if calc.current.total() != 0 {
		t.Errorf("Current bucket not empty after reset: %.4f", calc.current.total())
	}
}

func TestCalculator_Recalibrate(t *testing.T) {
	calc, _ := New(testConfig())

	t.Run("new volume changes future buckets only", func(t *testing.T) {
		calc.ProcessTrade(40, true) // partial bucket under 100-clock
		calc.Recalibrate(10000)     // 10000/50 = 200 per bucket

		if math.Abs(calc.BucketVolume()-200) > 1e-9 {
			t.Errorf("Expected bucket volume 200, got %.4f", calc.BucketVolume())
		}
		// In-flight bucket still closes at its original capacity
		calc.ProcessTrade(60, true)
		if calc.FinishedBuckets() != 1 {
			t.Errorf("In-flight bucket should close at old capacity, finished=%d", calc.FinishedBuckets())
		}
		if math.Abs(calc.current.capacity-200) > 1e-9 {
			t.Errorf("Next bucket should open at 200, got %.4f", calc.current.capacity)
		}
	})

	t.Run("non-positive input clamps to minimum", func(t *testing.T) {
		calc.Recalibrate(-1)
		if math.Abs(calc.BucketVolume()-10) > 1e-9 {
			t.Errorf("Expected clamp to min bucket volume 10, got %.4f", calc.BucketVolume())
		}
	})

	t.Run("oversized input clamps to maximum", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaxBucketVolume = 500
		c, _ := New(cfg)
		c.Recalibrate(1e9)
		if math.Abs(c.BucketVolume()-500) > 1e-9 {
			t.Errorf("Expected clamp to max bucket volume 500, got %.4f", c.BucketVolume())
		}
	})
}

func TestBands_Classify(t *testing.T) {
	bands := Bands{Elevated: 0.30, High: 0.50, Extreme: 0.70}
	if err := bands.Validate(); err != nil {
		t.Fatalf("Valid bands rejected: %v", err)
	}

	cases := []struct {
		score float64
		want  Severity
	}{
		{0.0, SeverityNormal},
		{0.29, SeverityNormal},
		{0.30, SeverityElevated},
		{0.49, SeverityElevated},
		{0.50, SeverityHigh},
		{0.69, SeverityHigh},
		{0.70, SeverityExtreme},
		{1.0, SeverityExtreme},
	}
	for _, tc := range cases {
		info := bands.Classify(tc.score)
		if info.Severity != tc.want {
			t.Errorf("Classify(%.2f) = %s, want %s", tc.score, info.Severity, tc.want)
		}
		if info.Description == "" || info.Action == "" {
			t.Errorf("Classify(%.2f) returned empty description or action", tc.score)
		}
	}

	bad := Bands{Elevated: 0.5, High: 0.4, Extreme: 0.7}
	if err := bad.Validate(); err == nil {
		t.Error("Unordered cutoffs should fail validation")
	}
}
