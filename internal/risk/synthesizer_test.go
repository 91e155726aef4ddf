package risk

import (
	"math"
	"testing"
	"time"

	"github.com/stockshield/risk-engine/internal/session"
	"github.com/stockshield/risk-engine/pkg/models"
)

func newTestSynthesizer(t *testing.T) *Synthesizer {
	t.Helper()

	s, err := NewSynthesizer(
		FeeConfig{Alpha: 0.5, Beta: 0.01, Gamma: 0.005, Delta: 0.002},
		BreakerConfig{
			ToxicityHigh:          0.7,
			ToxicityExtreme:       0.8,
			OracleStaleAfter:      60 * time.Second,
			MaxPriceDeviation:     0.05,
			MaxInventoryImbalance: 0.8,
		},
	)
	if err != nil {
		t.Fatalf("NewSynthesizer: %v", err)
	}
	return s
}

func coreRegime() session.RegimeInfo {
	return session.RegimeInfo{
		Regime:     session.RegimeCoreSession,
		Multiplier: 1.0,
		BaseFee:    0.0030,
		MaxFee:     0.010,
		RiskLevel:  "low",
	}
}

func freshConsensus(price float64, now time.Time) models.ConsensusPrice {
	return models.ConsensusPrice{
		Price:      models.NewDecimal(price),
		Confidence: 0.95,
		Source:     "median",
		Timestamp:  now.Add(-2 * time.Second),
		Survivors:  3,
	}
}

func TestSynthesizer_Fee(t *testing.T) {
	s := newTestSynthesizer(t)
	now := time.Now()

	t.Run("quiet market stays near base fee", func(t *testing.T) {
		fee := s.Fee(Inputs{
			Toxicity:   0.05,
			Volatility: 0.01,
			Regime:     coreRegime(),
			Consensus:  freshConsensus(100, now),
			VenuePrice: 100,
		})

		// base 0.0030 + 0.5*0.0001 + 0.01*0.05 + 0.005*1.0*(0.0001+0.05)
		want := 0.0030 + 0.00005 + 0.0005 + 0.0002505
		if math.Abs(fee-want) > 1e-9 {
			t.Errorf("fee = %.9f, want %.9f", fee, want)
		}
		if fee >= coreRegime().MaxFee {
			t.Errorf("quiet-market fee %.6f should be well below the cap", fee)
		}
	})

	t.Run("fee never drops below regime base", func(t *testing.T) {
		fee := s.Fee(Inputs{Regime: coreRegime()})
		if fee < coreRegime().BaseFee {
			t.Errorf("fee %.6f below base %.6f", fee, coreRegime().BaseFee)
		}
	})

	t.Run("stressed inputs cap at regime max", func(t *testing.T) {
		fee := s.Fee(Inputs{
			Toxicity:           0.95,
			Volatility:         0.20,
			InventoryImbalance: -1.0,
			Regime:             coreRegime(),
		})
		if fee != coreRegime().MaxFee {
			t.Errorf("fee = %.6f, want cap %.6f", fee, coreRegime().MaxFee)
		}
	})

	t.Run("regime multiplier raises the fee", func(t *testing.T) {
		in := Inputs{Toxicity: 0.4, Volatility: 0.05, Regime: coreRegime()}
		low := s.Fee(in)

		in.Regime.Multiplier = 2.5
		high := s.Fee(in)

		if high <= low {
			t.Errorf("multiplier 2.5 fee %.6f should exceed multiplier 1.0 fee %.6f", high, low)
		}
	})

	t.Run("imbalance sign does not matter", func(t *testing.T) {
		in := Inputs{Regime: coreRegime(), InventoryImbalance: 0.6}
		long := s.Fee(in)
		in.InventoryImbalance = -0.6
		short := s.Fee(in)

		if long != short {
			t.Errorf("fee should depend on |imbalance|: long %.9f != short %.9f", long, short)
		}
	})
}

func TestSynthesizer_EvaluateBreaker(t *testing.T) {
	s := newTestSynthesizer(t)
	now := time.Now()

	clean := func() Inputs {
		return Inputs{
			Toxicity:           0.2,
			Volatility:         0.01,
			InventoryImbalance: 0.1,
			Regime:             coreRegime(),
			Consensus:          freshConsensus(100, now),
			VenuePrice:         100,
		}
	}

	t.Run("clean inputs give level zero", func(t *testing.T) {
		state := s.EvaluateBreaker(clean(), now)
		if state.Level != 0 {
			t.Errorf("level = %d, want 0 (flags %v)", state.Level, state.Flags)
		}
		if len(state.Actions) != 0 {
			t.Errorf("level 0 should carry no actions, got %v", state.Actions)
		}
	})

	t.Run("high toxicity trips one flag", func(t *testing.T) {
		in := clean()
		in.Toxicity = 0.75

		state := s.EvaluateBreaker(in, now)
		if state.Level != 1 {
			t.Errorf("level = %d, want 1", state.Level)
		}
		if !hasFlag(state.Flags, FlagToxicityHigh) {
			t.Errorf("expected %s in %v", FlagToxicityHigh, state.Flags)
		}
	})

	t.Run("extreme toxicity stacks both flags", func(t *testing.T) {
		in := clean()
		in.Toxicity = 0.85

		state := s.EvaluateBreaker(in, now)
		if state.Level != 2 {
			t.Errorf("level = %d, want 2", state.Level)
		}
		if !hasFlag(state.Flags, FlagToxicityHigh) || !hasFlag(state.Flags, FlagToxicityExtreme) {
			t.Errorf("expected both toxicity flags, got %v", state.Flags)
		}
	})

	t.Run("stale consensus flags the oracle", func(t *testing.T) {
		in := clean()
		in.Consensus.Timestamp = now.Add(-3 * time.Minute)

		state := s.EvaluateBreaker(in, now)
		if !hasFlag(state.Flags, FlagOracleStale) {
			t.Errorf("expected %s in %v", FlagOracleStale, state.Flags)
		}
	})

	t.Run("missing consensus counts as stale", func(t *testing.T) {
		in := clean()
		in.Consensus = models.ConsensusPrice{}

		state := s.EvaluateBreaker(in, now)
		if !hasFlag(state.Flags, FlagOracleStale) {
			t.Errorf("expected %s in %v", FlagOracleStale, state.Flags)
		}
	})

	t.Run("price deviation beyond five percent", func(t *testing.T) {
		in := clean()
		in.Consensus = freshConsensus(108, now) // 8% off venue 100

		state := s.EvaluateBreaker(in, now)
		if !hasFlag(state.Flags, FlagPriceDeviation) {
			t.Errorf("expected %s in %v", FlagPriceDeviation, state.Flags)
		}
	})

	t.Run("deviation inside the band does not flag", func(t *testing.T) {
		in := clean()
		in.Consensus = freshConsensus(103, now) // 3% off

		state := s.EvaluateBreaker(in, now)
		if hasFlag(state.Flags, FlagPriceDeviation) {
			t.Errorf("3%% deviation should not flag, got %v", state.Flags)
		}
	})

	t.Run("inventory imbalance flag", func(t *testing.T) {
		in := clean()
		in.InventoryImbalance = -0.9

		state := s.EvaluateBreaker(in, now)
		if !hasFlag(state.Flags, FlagInventoryImbalance) {
			t.Errorf("expected %s in %v", FlagInventoryImbalance, state.Flags)
		}
	})

	t.Run("everything tripped caps at level four", func(t *testing.T) {
		in := Inputs{
			Toxicity:           0.95,
			Volatility:         0.3,
			InventoryImbalance: 1.0,
			Regime:             coreRegime(),
			Consensus: models.ConsensusPrice{
				Price:     models.NewDecimal(150),
				Timestamp: now.Add(-10 * time.Minute),
				Survivors: 1,
			},
			VenuePrice: 100,
		}

		state := s.EvaluateBreaker(in, now)
		if state.Level != 4 {
			t.Errorf("level = %d, want cap 4 (flags %v)", state.Level, state.Flags)
		}
		if len(state.Flags) != 5 {
			t.Errorf("expected all 5 flags, got %v", state.Flags)
		}
		if len(state.Actions) != 4 {
			t.Errorf("level 4 should carry all actions, got %v", state.Actions)
		}
		if state.Actions[len(state.Actions)-1] != "pause_trading" {
			t.Errorf("last action should be pause_trading, got %v", state.Actions)
		}
	})
}

func TestBreakerActions_Cumulative(t *testing.T) {
	if got := BreakerActions(0); got != nil {
		t.Errorf("level 0 actions = %v, want none", got)
	}

	two := BreakerActions(2)
	if len(two) != 2 || two[0] != "fee_surcharge" || two[1] != "reduce_quoted_depth" {
		t.Errorf("level 2 actions = %v", two)
	}

	// Lower levels are always a prefix of higher ones.
	four := BreakerActions(4)
	for i, a := range two {
		if four[i] != a {
			t.Errorf("actions not cumulative: level 4 %v vs level 2 %v", four, two)
		}
	}

	if got := BreakerActions(9); len(got) != 4 {
		t.Errorf("over-cap level should clamp to 4 actions, got %v", got)
	}
}

func TestCircuitBreaker_Transitions(t *testing.T) {
	cb := NewCircuitBreaker(nil, "AAPL")
	now := time.Now()

	if cb.Level() != 0 {
		t.Fatalf("fresh breaker level = %d, want 0", cb.Level())
	}

	t.Run("escalation is reported once", func(t *testing.T) {
		changed := cb.Update(BreakerState{Level: 2, Flags: []string{FlagToxicityHigh, FlagToxicityExtreme}}, now)
		if !changed {
			t.Error("first escalation should report a change")
		}

		changed = cb.Update(BreakerState{Level: 2, Flags: []string{FlagToxicityHigh, FlagToxicityExtreme}}, now.Add(time.Second))
		if changed {
			t.Error("same level should not report a change")
		}
	})

	t.Run("full pause", func(t *testing.T) {
		cb.Update(BreakerState{Level: 4, Flags: []string{FlagToxicityHigh}, Actions: BreakerActions(4)}, now.Add(2*time.Second))
		if !cb.Paused() {
			t.Error("level 4 should pause the asset")
		}
	})

	t.Run("recovery", func(t *testing.T) {
		changed := cb.Update(BreakerState{Level: 0}, now.Add(3*time.Second))
		if !changed {
			t.Error("recovery should report a change")
		}
		if cb.Paused() {
			t.Error("level 0 should not be paused")
		}

		status := cb.GetStatus()
		if status.Level != 0 || status.Asset != "AAPL" {
			t.Errorf("status = %+v", status)
		}
	})
}

func TestInventoryTracker(t *testing.T) {
	tracker, err := NewInventoryTracker(InventoryConfig{Target: 0, MaxDeviation: 1000}, "AAPL")
	if err != nil {
		t.Fatalf("NewInventoryTracker: %v", err)
	}

	t.Run("taker buys drain inventory", func(t *testing.T) {
		imb := tracker.RecordFill(models.SideBuy, 300)
		if math.Abs(imb-(-0.3)) > 1e-9 {
			t.Errorf("imbalance = %f, want -0.3", imb)
		}
	})

	t.Run("taker sells accumulate inventory", func(t *testing.T) {
		imb := tracker.RecordFill(models.SideSell, 800)
		if math.Abs(imb-0.5) > 1e-9 {
			t.Errorf("imbalance = %f, want 0.5", imb)
		}
	})

	t.Run("imbalance clamps at one", func(t *testing.T) {
		tracker.SetPosition(5000)
		if imb := tracker.Imbalance(); imb != 1.0 {
			t.Errorf("imbalance = %f, want clamp 1.0", imb)
		}
		tracker.SetPosition(-5000)
		if imb := tracker.Imbalance(); imb != -1.0 {
			t.Errorf("imbalance = %f, want clamp -1.0", imb)
		}
	})

	t.Run("non-positive volume is ignored", func(t *testing.T) {
		tracker.SetPosition(100)
		tracker.RecordFill(models.SideBuy, 0)
		tracker.RecordFill(models.SideSell, -50)
		if pos := tracker.Position(); pos != 100 {
			t.Errorf("position = %f, want 100", pos)
		}
	})

	t.Run("status snapshot", func(t *testing.T) {
		tracker.SetPosition(250)
		status := tracker.GetStatus()
		if status.Asset != "AAPL" || status.Position != 250 || math.Abs(status.Imbalance-0.25) > 1e-9 {
			t.Errorf("status = %+v", status)
		}
	})
}

func TestRiskConfigValidation(t *testing.T) {
	valid := BreakerConfig{
		ToxicityHigh:          0.7,
		ToxicityExtreme:       0.8,
		OracleStaleAfter:      time.Minute,
		MaxPriceDeviation:     0.05,
		MaxInventoryImbalance: 0.8,
	}

	cases := []struct {
		name   string
		mutate func(*BreakerConfig)
	}{
		{"extreme below high", func(c *BreakerConfig) { c.ToxicityExtreme = 0.6 }},
		{"zero staleness", func(c *BreakerConfig) { c.OracleStaleAfter = 0 }},
		{"zero deviation", func(c *BreakerConfig) { c.MaxPriceDeviation = 0 }},
		{"imbalance above one", func(c *BreakerConfig) { c.MaxInventoryImbalance = 1.5 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	if err := valid.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	if err := (FeeConfig{Alpha: -1}).Validate(); err == nil {
		t.Error("negative fee weight should be rejected")
	}

	if err := (InventoryConfig{MaxDeviation: 0}).Validate(); err == nil {
		t.Error("zero inventory deviation should be rejected")
	}
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}
